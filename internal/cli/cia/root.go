// Package cia hosts the `cia` command group.
package cia

import (
	"github.com/spf13/cobra"
)

// Cmd is the `cia` command group.
var Cmd = &cobra.Command{
	Use:   "cia",
	Short: "Package and decrypt CIA files",
}

func init() {
	Cmd.AddCommand(packCmd)
	Cmd.AddCommand(decryptCmd)
}
