// Command meshd is scaffolding around pkg/mesh: it is not part of the
// core, just one way to configure and launch a Node from a YAML file
// and a handful of flags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "meshd",
		Short: "Run and inspect a truffle mesh device",
	}
	root.AddCommand(newInitCmd(), newDevCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
