package app

import (
	"github.com/spf13/cobra"

	"github.com/nevskii/guestops/pkg/log"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <local-path> <guest-path>",
	Short: "Copy a local file into the guest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, cleanup, err := newTools(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := t.UploadFile(ctx, args[0], args[1]); err != nil {
			return err
		}
		log.Infof("Uploaded %s to %s", args[0], args[1])
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <guest-path> <local-path>",
	Short: "Copy a file from the guest to the local machine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, cleanup, err := newTools(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := t.DownloadFile(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		log.Infof("Downloaded %s to %s (%s)", args[0], args[1], log.FormatSize(n))
		return nil
	},
}
