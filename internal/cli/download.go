package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/cloud/transfer"
	"github.com/rescale/shardlink/internal/constants"
	encryption "github.com/rescale/shardlink/internal/crypto"
	"github.com/rescale/shardlink/internal/diskspace"
	"github.com/rescale/shardlink/internal/progress"
	"github.com/rescale/shardlink/internal/util/paths"
)

// errPartialFailure wraps the first error of a batch in which some transfers failed.
var errPartialFailure = errors.New("some transfers failed")

func (a *app) downloadCmd() *cobra.Command {
	var (
		bucketID      string
		fileIDs       []string
		output        string
		parallel      int
		originalNames bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download and decrypt files from a bucket",
		Long: `Download one or more files from a bucket and decrypt them locally.

With a single --file, --output names the destination file ("-" writes to
stdout). With several, --output is a directory and each file is saved
under its file ID, or under its decrypted name with --original-names.
Name clashes get the file ID appended.

Files stored with the legacy protocol are fetched from their mirrors
automatically.`,
		Example: `  shardlink download --bucket 3f2a... --file 64b1... -o report.pdf
  shardlink download --bucket 3f2a... --file 64b1... --file 64b2... -o ./out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucketID == "" {
				return fmt.Errorf("--bucket is required")
			}
			if len(fileIDs) == 0 {
				return fmt.Errorf("at least one --file is required")
			}
			if len(fileIDs) > 1 && output == "-" {
				return fmt.Errorf("only a single file can be written to stdout")
			}

			mnemonic, err := a.mnemonic()
			if err != nil {
				return err
			}
			s, err := a.newSession(cloud.OptionsFromConfig(a.cfg))
			if err != nil {
				return err
			}
			defer a.writeMetrics()

			if len(fileIDs) == 1 {
				defer s.close()
				dest := output
				if dest == "" {
					dest = fileIDs[0]
				}
				return a.downloadOne(cmd, s, bucketID, fileIDs[0], mnemonic, dest)
			}
			return a.downloadMany(cmd, s, bucketID, fileIDs, mnemonic, output, parallel, originalNames)
		},
	}

	cmd.Flags().StringVar(&bucketID, "bucket", "", "Bucket ID (required)")
	cmd.Flags().StringArrayVar(&fileIDs, "file", nil, "File ID to download (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file, directory or - for stdout")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "Files downloaded at the same time")
	cmd.Flags().BoolVar(&originalNames, "original-names", false, "Save files under their decrypted names instead of their IDs")
	return cmd
}

func (a *app) downloadOne(cmd *cobra.Command, s *session, bucketID, fileID, mnemonic, dest string) error {
	bar := progress.NewCLIProgressTo(cmd.ErrOrStderr())
	params := cloud.DownloadParams{
		BucketID: bucketID,
		FileID:   fileID,
		Mnemonic: mnemonic,
		OnLegacyFallback: func() {
			a.logger.Info().Str("file", fileID).Msg("legacy file, downloading from mirrors")
		},
	}
	if dest != "-" {
		params.Progress = bar.Callback("Downloading " + fileID)
	}

	err := a.fetch(cmd.Context(), s, params, dest, cmd.OutOrStdout())
	if dest == "-" {
		return err
	}
	if err != nil {
		bar.Error(err)
		return err
	}
	bar.Finish()
	fmt.Fprintf(cmd.ErrOrStderr(), "Downloaded %s to %s\n", fileID, dest)
	return nil
}

func (a *app) downloadMany(cmd *cobra.Command, s *session, bucketID string, fileIDs []string, mnemonic, dir string, parallel int, originalNames bool) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	ui := progress.NewBatchUITo(cmd.ErrOrStderr(), len(fileIDs))
	s.subscribe(ui.Watch)
	reservations := paths.NewReservations(dir)

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))
	for _, fileID := range fileIDs {
		g.Go(func() error {
			params := cloud.DownloadParams{BucketID: bucketID, FileID: fileID, Mnemonic: mnemonic}
			d, err := s.network.DownloadFile(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("%s: %w", fileID, err)
			}
			defer d.Close()

			name := ""
			if originalNames {
				name = a.plainName(bucketID, mnemonic, fileID, d)
			}
			dest, err := reservations.Reserve(name, fileID)
			if err != nil {
				return err
			}
			if err := save(d, dest); err != nil {
				return fmt.Errorf("%s: %w", fileID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	s.close()
	ui.Wait()

	completed, failed := ui.Counts()
	fmt.Fprintf(ui.Writer(), "Downloaded %d of %d files to %s\n", completed, len(fileIDs), dir)
	if err != nil {
		return fmt.Errorf("%w (%d of %d): %w", errPartialFailure, failed, len(fileIDs), err)
	}
	return nil
}

// plainName decrypts the stored name of d. An empty result means the file
// is saved under its ID.
func (a *app) plainName(bucketID, mnemonic, fileID string, d *transfer.Download) string {
	if d.Filename == "" {
		return ""
	}
	name, err := encryption.DecryptFilename(mnemonic, bucketID, d.Filename)
	if err != nil {
		a.logger.Warn().Err(err).Str("file", fileID).Msg("cannot decrypt file name, saving under file ID")
		return ""
	}
	return name
}

// fetch downloads one file to dest, or to stdout when dest is "-".
func (a *app) fetch(ctx context.Context, s *session, params cloud.DownloadParams, dest string, stdout io.Writer) error {
	d, err := s.network.DownloadFile(ctx, params)
	if err != nil {
		return err
	}
	defer d.Close()

	if dest == "-" {
		_, err := io.Copy(stdout, d)
		return err
	}
	return save(d, dest)
}

// save writes d to dest.partial and renames it once the last byte has been
// verified and decrypted.
func save(d *transfer.Download, dest string) error {
	if err := diskspace.CheckAvailableSpace(dest, d.Size, constants.DiskSpaceBufferPercent); err != nil {
		return err
	}

	partial := dest + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	_, err = io.Copy(f, d)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		if storage.IsDiskFullError(err) {
			return fmt.Errorf("%w: %v", storage.ErrInsufficientSpace, err)
		}
		return err
	}
	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

// writeMetrics dumps the collected metrics when --metrics-out is set.
func (a *app) writeMetrics() {
	if a.metricsOut == "" || a.metrics == nil {
		return
	}
	if err := a.metrics.WriteTextFile(a.metricsOut); err != nil {
		a.logger.Warn().Err(err).Str("path", a.metricsOut).Msg("failed to write metrics")
	}
}
