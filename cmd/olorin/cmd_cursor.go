package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/cursor"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect event stream cursors",
}

var cursorDecodeCmd = &cobra.Command{
	Use:   "decode <cursor>",
	Short: "Print the timestamp and sequence encoded in a cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cursor.Parse(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Timestamp: %s (%d ms)\n", c.Time().Format(time.RFC3339Nano), c.TimestampMS)
		fmt.Fprintf(out, "Sequence:  %d\n", c.Sequence)
		return nil
	},
}

var cursorNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Print a cursor for the current time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), cursor.NewGenerator().Generate())
		return nil
	},
}

func init() {
	cursorCmd.AddCommand(cursorDecodeCmd)
	cursorCmd.AddCommand(cursorNewCmd)
}
