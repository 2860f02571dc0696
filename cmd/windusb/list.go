package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Broly1/windusb/drives"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List USB drives that can be flashed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := drives.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No USB drives found.")
				return nil
			}
			for _, d := range list {
				fmt.Fprintln(out, d.Label())
			}
			return nil
		},
	}
}
