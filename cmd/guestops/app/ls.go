package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nevskii/guestops/pkg/log"
)

var lsCmd = &cobra.Command{
	Use:   "ls <guest-path>",
	Short: "List a directory inside the guest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, cleanup, err := newTools(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		files, err := t.Session().ListDirectory(ctx, args[0])
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Printf("%-9s %10s  %s\n", f.Type, log.FormatSize(f.Size), f.Path)
		}
		return nil
	},
}
