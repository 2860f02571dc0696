package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Broly1/windusb"
	"github.com/Broly1/windusb/disktool"
	"github.com/Broly1/windusb/flash"
)

func newCheckImageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-image <iso>",
		Short: "Check that an image contains a Windows installation payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tools := disktool.New(conf.DiskTool())
			tools.SetLogger(log)
			ctrl := flash.NewController(flash.Dependencies{Tools: tools, Logger: log}, conf.Flash())

			payload, err := ctrl.Inspect(cmd.Context(), args[0])
			if errors.Is(err, flash.ErrInvalidImage) {
				return errors.New(windusb.InvalidImageMessage)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, written as %s parts of %s\n",
				args[0], payload.Path, payload.SplitExt, conf.SplitChunk)
			return nil
		},
	}
}
