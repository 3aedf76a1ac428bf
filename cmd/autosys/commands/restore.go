package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/autosys/internal/backup"
)

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive> <target-dir>",
		Short: "Extract a backup archive",
		Long: `Extract a tar.gz or zip backup into target-dir. Entries that would land
outside target-dir, and links, are skipped and listed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := backup.Restore(commandContext(cmd), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restored %d files (%s) into %s\n", res.Files, humanize.Bytes(uint64(res.Bytes)), args[1])
			for _, name := range res.Skipped {
				fmt.Fprintf(out, "  skipped %s\n", name)
			}
			return nil
		},
	}
}
