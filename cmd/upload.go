package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ledgerline/receipts-cli/internal/model"
	"github.com/ledgerline/receipts-cli/internal/staging"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Stage local receipt files for the next run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := staging.New(cfg.Staging)
		if err != nil {
			return err
		}

		for _, path := range args {
			name := filepath.Base(path)
			mimeType := mime.TypeByExtension(filepath.Ext(path))
			if !staging.IsSupported(model.StagedFile{Name: name, MimeType: mimeType}) {
				return eris.Errorf("unsupported file type: %s (jpeg and pdf only)", path)
			}

			info, err := os.Stat(path)
			if err != nil {
				return eris.Wrapf(err, "stat %s", path)
			}
			if cfg.Pipeline.MaxFileBytes > 0 && info.Size() > cfg.Pipeline.MaxFileBytes {
				return eris.Errorf("file exceeds size limit: %s (%d bytes)", path, info.Size())
			}

			f, err := os.Open(path)
			if err != nil {
				return eris.Wrapf(err, "open %s", path)
			}
			staged, err := st.Put(ctx, name, mimeType, f, info.Size())
			f.Close()
			if err != nil {
				return eris.Wrapf(err, "stage %s", path)
			}
			fmt.Printf("staged %s (%d bytes)\n", staged.ID, staged.Size)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
