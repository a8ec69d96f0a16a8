package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamesyong-42/truffle/internal/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [dir]",
		Short: "Print configuration presence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if !config.Exists(dir) {
				fmt.Printf("%s: no %s\n", dir, config.FileName)
				return nil
			}
			f, err := config.Load(dir)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", dir, config.FileName)
			fmt.Printf("  deviceId: %s\n", f.DeviceID)
			fmt.Printf("  name:     %s\n", f.Name)
			fmt.Printf("  prefix:   %s\n", f.Prefix)
			fmt.Printf("  type:     %s\n", f.Type)
			fmt.Printf("  stateDir: %s\n", f.StateDir)
			if err := f.Validate(); err != nil {
				fmt.Printf("  incomplete: %v\n", err)
			} else {
				fmt.Println("  ready to run")
			}
			return nil
		},
	}
}
