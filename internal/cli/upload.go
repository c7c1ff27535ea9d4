package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/progress"
)

func (a *app) uploadCmd() *cobra.Command {
	var (
		bucketID    string
		thresholdMB int64
		parallel    int
	)

	cmd := &cobra.Command{
		Use:   "upload <file> [file...]",
		Short: "Encrypt and upload files to a bucket",
		Long: `Encrypt files locally and upload them to a bucket.

Files at or above the multipart threshold are uploaded in parts; smaller
files are stored as a single shard. The new file ID is printed to stdout
for each file, followed by a tab and the local path.`,
		Example: `  shardlink upload --bucket 3f2a... report.pdf
  shardlink upload --bucket 3f2a... --multipart-threshold 50 *.tar`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucketID == "" {
				return fmt.Errorf("--bucket is required")
			}
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("cannot upload %s: %w", path, err)
				}
				if info.IsDir() {
					return fmt.Errorf("cannot upload %s: is a directory", path)
				}
			}

			mnemonic, err := a.mnemonic()
			if err != nil {
				return err
			}

			opts := cloud.OptionsFromConfig(a.cfg)
			if cmd.Flags().Changed("multipart-threshold") {
				if thresholdMB <= 0 {
					return fmt.Errorf("--multipart-threshold must be positive")
				}
				opts.MultipartThreshold = thresholdMB * 1024 * 1024
			}
			s, err := a.newSession(opts)
			if err != nil {
				return err
			}
			defer a.writeMetrics()

			if len(args) == 1 {
				defer s.close()
				return a.uploadOne(cmd, s, bucketID, args[0], mnemonic)
			}
			return a.uploadMany(cmd, s, bucketID, args, mnemonic, parallel)
		},
	}

	cmd.Flags().StringVar(&bucketID, "bucket", "", "Bucket ID (required)")
	cmd.Flags().Int64Var(&thresholdMB, "multipart-threshold", 0, "Size in MiB at which uploads switch to multipart (default from config)")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "Files uploaded at the same time")
	return cmd
}

func (a *app) uploadOne(cmd *cobra.Command, s *session, bucketID, path, mnemonic string) error {
	bar := progress.NewCLIProgressTo(cmd.ErrOrStderr())
	result, err := a.send(cmd.Context(), s, bucketID, path, mnemonic, bar.Callback("Uploading "+filepath.Base(path)))
	if err != nil {
		bar.Error(err)
		return err
	}
	bar.Finish()
	a.printResult(cmd.OutOrStdout(), result, path)
	return nil
}

func (a *app) uploadMany(cmd *cobra.Command, s *session, bucketID string, paths []string, mnemonic string, parallel int) error {
	ui := progress.NewBatchUITo(cmd.ErrOrStderr(), len(paths))
	s.subscribe(ui.Watch)

	results := make([]*cloud.UploadResult, len(paths))
	var g errgroup.Group
	g.SetLimit(max(parallel, 1))
	for i, path := range paths {
		g.Go(func() error {
			result, err := a.send(cmd.Context(), s, bucketID, path, mnemonic, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = result
			return nil
		})
	}
	err := g.Wait()
	s.close()
	ui.Wait()

	for i, result := range results {
		if result != nil {
			a.printResult(cmd.OutOrStdout(), result, paths[i])
		}
	}
	if err != nil {
		_, failed := ui.Counts()
		return fmt.Errorf("%w (%d of %d): %w", errPartialFailure, failed, len(paths), err)
	}
	return nil
}

func (a *app) send(ctx context.Context, s *session, bucketID, path, mnemonic string, fn cloud.ProgressFunc) (*cloud.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	return s.network.Upload(ctx, cloud.UploadParams{
		BucketID: bucketID,
		Name:     filepath.Base(path),
		Source:   f,
		Size:     info.Size(),
		Mnemonic: mnemonic,
		Progress: fn,
	})
}

func (a *app) printResult(w io.Writer, result *cloud.UploadResult, path string) {
	a.logger.Debug().
		Str("file_id", result.FileID).
		Str("hash", result.Hash).
		Bool("multipart", result.Multipart).
		Int("parts", result.Parts).
		Msg("upload finished")
	fmt.Fprintf(w, "%s\t%s\n", result.FileID, path)
}
