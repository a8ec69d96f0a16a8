package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamesyong-42/truffle/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a config and state directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if config.Exists(dir) {
				return fmt.Errorf("meshd: %s already exists in %s", config.FileName, dir)
			}
			if err := config.Save(dir, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote %s/%s\n", dir, config.FileName)
			return nil
		},
	}
}
