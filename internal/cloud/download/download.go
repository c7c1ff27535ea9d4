package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"sort"

	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/api"
	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/storage"
	encryption "github.com/rescale/shardlink/internal/crypto"
	"github.com/rescale/shardlink/internal/metrics"
	"github.com/rescale/shardlink/internal/models"
)

// OutcomeKind tags the result of a current-protocol download attempt.
type OutcomeKind int

const (
	// OutcomeStream means the file is being streamed.
	OutcomeStream OutcomeKind = iota
	// OutcomeLegacyRequired means the file predates the chunked protocol and
	// must be fetched through the mirror path instead.
	OutcomeLegacyRequired
)

// Outcome is what Downloader.Download returns. Stream, Size, Info and
// Scheduler are set only for OutcomeStream.
type Outcome struct {
	Kind      OutcomeKind
	Stream    io.ReadCloser
	Size      int64
	Info      *models.FileInfo
	Scheduler *Scheduler
}

// Downloader runs current-protocol downloads: file info from the bridge,
// then concurrent ranged GETs of the file's shard.
type Downloader struct {
	api       *api.Client
	shardHTTP *nethttp.Client
	opts      cloud.TransferOptions
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewDownloader creates a Downloader. shardHTTP carries the ranged GETs; it
// should have no overall timeout since chunks can be large.
func NewDownloader(client *api.Client, shardHTTP *nethttp.Client, opts cloud.TransferOptions, m *metrics.Metrics, logger zerolog.Logger) *Downloader {
	if shardHTTP == nil {
		shardHTTP = nethttp.DefaultClient
	}
	return &Downloader{
		api:       client,
		shardHTTP: shardHTTP,
		opts:      opts.WithDefaults(),
		metrics:   m,
		logger:    logger,
	}
}

// Download starts a download of params.FileID. A legacy file is reported as
// OutcomeLegacyRequired with a nil error; nothing has been fetched in that case.
func (d *Downloader) Download(ctx context.Context, params cloud.DownloadParams) (*Outcome, error) {
	client := d.api
	if params.OnRetry != nil {
		client = client.WithRetryObserver(params.OnRetry)
	}

	info, err := client.FileInfo(ctx, params.BucketID, params.FileID)
	if errors.Is(err, storage.ErrLegacyFormat) {
		d.logger.Debug().Str("file", params.FileID).Msg("file uses the legacy protocol")
		return &Outcome{Kind: OutcomeLegacyRequired}, nil
	}
	if err != nil {
		return nil, err
	}

	if params.Mnemonic == "" {
		return nil, fmt.Errorf("file %s: %w", params.FileID, storage.ErrEncryptionKeyMissing)
	}
	shard, err := dataShard(info)
	if err != nil {
		return nil, err
	}

	keys, err := encryption.GenerateFileKeyHex(params.Mnemonic, params.BucketID, info.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive file key: %w", err)
	}

	tasks := Plan(info.Size, PlanOptions{
		ChunkSize:  d.opts.ChunkSize,
		MaxRetries: d.opts.ChunkMaxRetries,
	})
	fetcher := NewRangeFetcher(d.shardHTTP, shard.URL, keys.Key, keys.IV)

	sched := NewScheduler(info.Size, tasks, fetcher.Fetch, SchedulerOptions{
		Concurrency: d.opts.DownloadConcurrency,
		Progress:    params.Progress,
		Metrics:     d.metrics,
		Logger:      d.logger.With().Str("file", params.FileID).Logger(),
	})
	stream, err := sched.Start(ctx)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Kind:      OutcomeStream,
		Stream:    stream,
		Size:      info.Size,
		Info:      info,
		Scheduler: sched,
	}, nil
}

// dataShard returns the file's single data shard, the one with the lowest index.
func dataShard(info *models.FileInfo) (models.ShardInfo, error) {
	if len(info.Shards) == 0 {
		return models.ShardInfo{}, fmt.Errorf("file %s has no shards: %w", info.ID, storage.ErrNoContentReceived)
	}
	shards := append([]models.ShardInfo(nil), info.Shards...)
	sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })
	if shards[0].URL == "" {
		return models.ShardInfo{}, fmt.Errorf("file %s: shard %d has no URL", info.ID, shards[0].Index)
	}
	return shards[0], nil
}
