package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-ingest/internal/app"
	"github.com/JakeFAU/catalog-ingest/internal/storage"
)

func newUploadCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Ship an existing output file to the configured upload target",
		Long: `Re-uploads a finished or partial output file. Use it when the automatic
upload at the end of a crawl failed. The run id defaults to the one embedded
in the file name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			if runID == "" {
				runID = runIDFromFile(path, time.Now())
			}

			store, closeStore, err := app.NewBlobStore(cmd.Context(), rt.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()
			if store == nil {
				return errors.New("upload.provider is none; nothing to upload to")
			}
			uploader, err := storage.NewObjectUploader(store, rt.cfg.Upload.Prefix, runID, rt.logger)
			if err != nil {
				return err
			}
			uri, err := uploader.Upload(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), uri)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id used in the object key")
	return cmd
}

// runIDFromFile recovers the run id from catalog_<run id>.jsonl.gz, falling
// back to a fresh id for other names.
func runIDFromFile(path string, now time.Time) string {
	name := filepath.Base(path)
	if id, ok := strings.CutPrefix(name, "catalog_"); ok {
		if id, ok = strings.CutSuffix(id, ".jsonl.gz"); ok {
			if _, err := time.Parse(app.RunIDLayout, id); err == nil {
				return id
			}
		}
	}
	return app.RunID(now)
}
