// Package transfer is the single entry point for moving files to and from a
// bridge. Network picks the download protocol, falling back once to the
// legacy mirror path for files that predate chunked storage, chooses between
// single-shard and multipart uploads, and tracks every transfer on a Queue.
package transfer

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/api"
	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/download"
	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/cloud/upload"
	"github.com/rescale/shardlink/internal/config"
	ihttp "github.com/rescale/shardlink/internal/http"
	"github.com/rescale/shardlink/internal/metrics"
	internaltransfer "github.com/rescale/shardlink/internal/transfer"
)

// Options configures a Network. Zero values fall back to defaults.
type Options struct {
	Transfer cloud.TransferOptions
	// ShardHTTP carries shard and part traffic. It must not set a client
	// timeout; bodies are bounded by the transfer context.
	ShardHTTP *nethttp.Client
	// Dispatcher runs multipart PUTs. A private one is started when nil.
	Dispatcher *internaltransfer.Dispatcher
	// Queue tracks transfers. A queue without an event bus is used when nil.
	Queue   *internaltransfer.Queue
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Network downloads and uploads files through one bridge client.
type Network struct {
	api        *api.Client
	downloader *download.Downloader
	legacy     *download.LegacyDownloader
	uploader   *upload.Uploader
	queue      *internaltransfer.Queue
	opts       cloud.TransferOptions
	logger     zerolog.Logger
}

// NewNetwork wires the transfer engine around client. The client's
// credentials select the mode: an authenticated user or a share token,
// never both.
func NewNetwork(client *api.Client, opts Options) (*Network, error) {
	if client == nil {
		return nil, fmt.Errorf("bridge client is required")
	}
	if err := client.Credentials().Validate(); err != nil {
		return nil, err
	}

	transferOpts := opts.Transfer.WithDefaults()
	shardHTTP := opts.ShardHTTP
	if shardHTTP == nil {
		var err error
		shardHTTP, err = ihttp.CreateOptimizedClient(nil, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create shard HTTP client: %w", err)
		}
	}
	queue := opts.Queue
	if queue == nil {
		queue = internaltransfer.NewQueue(nil)
	}

	return &Network{
		api:        client,
		downloader: download.NewDownloader(client, shardHTTP, transferOpts, opts.Metrics, opts.Logger),
		legacy:     download.NewLegacyDownloader(client, shardHTTP, transferOpts.MaxRetries, opts.Logger),
		uploader:   upload.NewUploader(client, shardHTTP, opts.Dispatcher, transferOpts, opts.Logger),
		queue:      queue,
		opts:       transferOpts,
		logger:     opts.Logger,
	}, nil
}

// NewNetworkFromConfig builds the bridge client and shard transport from cfg.
func NewNetworkFromConfig(cfg *config.Config, creds cloud.Credentials, opts Options) (*Network, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	client, err := api.NewClient(cfg, creds, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	if opts.ShardHTTP == nil {
		opts.ShardHTTP, err = ihttp.CreateOptimizedClient(cfg, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create shard HTTP client: %w", err)
		}
	}
	if opts.Transfer == (cloud.TransferOptions{}) {
		opts.Transfer = cloud.OptionsFromConfig(cfg)
	}
	return NewNetwork(client, opts)
}

// Queue returns the queue that tracks this Network's transfers.
func (n *Network) Queue() *internaltransfer.Queue {
	return n.queue
}

// Options returns the effective transfer options.
func (n *Network) Options() cloud.TransferOptions {
	return n.opts
}

// Close releases the upload dispatcher if the Network started it.
func (n *Network) Close() {
	n.uploader.Close()
}

// Download is an open download. Reading it yields plaintext in file order;
// the read that ends the transfer returns its terminal error.
type Download struct {
	io.ReadCloser
	TaskID string
	Size   int64
	Legacy bool
	// Filename is the encrypted name stored on the bridge, empty when the
	// bridge does not report one.
	Filename string
}

// DownloadFile opens a download of params.FileID. Files the bridge reports as
// legacy are fetched through their mirrors instead; params.OnLegacyFallback is
// called once when that happens. The caller must Close the result.
func (n *Network) DownloadFile(ctx context.Context, params cloud.DownloadParams) (*Download, error) {
	task := n.queue.Track(internaltransfer.DirectionDownload, params.FileID, params.BucketID+"/"+params.FileID, "", 0)
	ctx, cancel := context.WithCancel(ctx)
	n.queue.Start(task.ID, cancel)
	params = n.observeDownload(task.ID, params)

	logger := n.logger.With().Str("task", task.ID).Str("file", params.FileID).Logger()

	outcome, err := n.downloader.Download(ctx, params)
	if err != nil {
		n.finish(task.ID, err)
		cancel()
		return nil, err
	}

	if outcome.Kind == download.OutcomeStream {
		d := &Download{
			ReadCloser: n.track(task.ID, outcome.Stream, cancel),
			TaskID:     task.ID,
			Size:       outcome.Size,
		}
		if outcome.Info != nil {
			d.Filename = outcome.Info.Filename
		}
		return d, nil
	}

	logger.Info().Msg("file uses the legacy protocol, switching to mirror download")
	n.queue.RecordFallback(task.ID)
	if params.OnLegacyFallback != nil {
		params.OnLegacyFallback()
	}

	stream, size, err := n.legacy.Download(ctx, params)
	if err != nil {
		n.finish(task.ID, err)
		cancel()
		return nil, err
	}
	return &Download{
		ReadCloser: n.track(task.ID, stream, cancel),
		TaskID:     task.ID,
		Size:       size,
		Legacy:     true,
	}, nil
}

// UploadFile uploads params.Source as a single shard.
func (n *Network) UploadFile(ctx context.Context, params cloud.UploadParams) (*cloud.UploadResult, error) {
	return n.runUpload(ctx, params, n.uploader.UploadFile)
}

// UploadMultipart uploads params.Source in parts. params.Size must be known.
func (n *Network) UploadMultipart(ctx context.Context, params cloud.UploadParams) (*cloud.UploadResult, error) {
	return n.runUpload(ctx, params, n.uploader.UploadMultipart)
}

// Upload uses the multipart path for sources at or above the configured
// threshold and a single shard otherwise.
func (n *Network) Upload(ctx context.Context, params cloud.UploadParams) (*cloud.UploadResult, error) {
	if params.Size >= n.opts.MultipartThreshold {
		return n.UploadMultipart(ctx, params)
	}
	return n.UploadFile(ctx, params)
}

func (n *Network) runUpload(ctx context.Context, params cloud.UploadParams, run func(context.Context, cloud.UploadParams) (*cloud.UploadResult, error)) (*cloud.UploadResult, error) {
	task := n.queue.Track(internaltransfer.DirectionUpload, params.Name, params.Name, params.BucketID, params.Size)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.queue.Start(task.ID, cancel)

	params.Progress, params.OnRetry = n.observe(task.ID, params.Progress, params.OnRetry)

	result, err := run(ctx, params)
	n.finish(task.ID, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (n *Network) observeDownload(taskID string, params cloud.DownloadParams) cloud.DownloadParams {
	params.Progress, params.OnRetry = n.observe(taskID, params.Progress, params.OnRetry)
	return params
}

// observe routes progress and retries to the queue before the caller's callbacks.
func (n *Network) observe(taskID string, progress cloud.ProgressFunc, onRetry cloud.RetryFunc) (cloud.ProgressFunc, cloud.RetryFunc) {
	return func(total, transferred int64) {
			n.queue.UpdateProgress(taskID, total, transferred)
			progress.Notify(total, transferred)
		}, func(rc ihttp.RetryContext) {
			n.queue.RecordRetry(taskID, rc.Attempt, ihttp.ErrorTypeName(rc.Reason), rc.Delay, rc.Err)
			if onRetry != nil {
				onRetry(rc)
			}
		}
}

// finish records the terminal state of a task.
func (n *Network) finish(taskID string, err error) {
	switch {
	case err == nil:
		n.queue.Complete(taskID)
	case storage.IsAborted(err):
		_ = n.queue.Cancel(taskID)
	default:
		n.queue.Fail(taskID, err)
	}
}

func (n *Network) track(taskID string, rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &trackedStream{rc: rc, done: func(err error) {
		n.finish(taskID, err)
	}, cancel: cancel}
}

// trackedStream reports the end of a download stream to the queue exactly once.
type trackedStream struct {
	rc     io.ReadCloser
	done   func(error)
	cancel context.CancelFunc
	once   sync.Once
}

func (s *trackedStream) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if err == io.EOF {
		s.once.Do(func() { s.done(nil) })
	} else if err != nil {
		s.once.Do(func() { s.done(err) })
	}
	return n, err
}

// Close before EOF cancels the transfer.
func (s *trackedStream) Close() error {
	err := s.rc.Close()
	s.once.Do(func() { s.done(storage.ErrAbortedByUser) })
	s.cancel()
	return err
}
