package app

import (
	"github.com/spf13/cobra"

	"github.com/nevskii/guestops/pkg/archive"
	"github.com/nevskii/guestops/pkg/log"
)

var (
	archivePassword string
	archiveFormat   string
)

var archiveCmd = &cobra.Command{
	Use:   "archive <archive-path> <guest-path>...",
	Short: "Archive guest files into a zip or tar archive",
	Long: `Create or extend an archive inside the guest from one or more guest
paths, using the archiver native to the guest OS (7-Zip on Windows,
zip/tar on Debian). The format is taken from --format or derived from
the archive file name.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, cleanup, err := newTools(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		opts := archive.Options{Password: archivePassword, Format: archiveFormat}
		if err := t.ArchiveFiles(ctx, args[1:], args[0], opts); err != nil {
			return err
		}
		log.Infof("Archived %d path(s) into %s", len(args)-1, args[0])
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <archive-path> [dest-path]",
	Short: "Extract an archive inside the guest",
	Long: `Extract a guest-side archive with the archiver native to the guest OS.
Without a destination the archive's own directory is used.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, cleanup, err := newTools(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		dest := ""
		if len(args) == 2 {
			dest = args[1]
		}
		opts := archive.Options{Password: archivePassword, Format: archiveFormat}
		if err := t.ExtractArchive(ctx, args[0], dest, opts); err != nil {
			return err
		}
		log.Infof("Extracted %s", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{archiveCmd, extractCmd} {
		c.Flags().StringVarP(&archivePassword, "password", "p", "", "Archive password")
		c.Flags().StringVarP(&archiveFormat, "format", "f", "", `Archive format ("zip" or "tar"), derived from the file name by default`)
	}
}
