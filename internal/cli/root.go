// Package cli provides the shardlink command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/transfer"
	"github.com/rescale/shardlink/internal/config"
	"github.com/rescale/shardlink/internal/constants"
	"github.com/rescale/shardlink/internal/events"
	"github.com/rescale/shardlink/internal/logging"
	"github.com/rescale/shardlink/internal/metrics"
	internaltransfer "github.com/rescale/shardlink/internal/transfer"
	"github.com/rescale/shardlink/internal/version"
)

// app holds the state shared by all commands of one invocation.
type app struct {
	// Global flags
	cfgFile      string
	bridgeURL    string
	user         string
	passwordHash string
	shareToken   string
	verbose      bool
	timing       bool
	metricsOut   string

	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	// prompter reads secrets from the terminal. Tests replace it.
	prompter func(label string) (string, error)
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	a := &app{prompter: promptSecret}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shardlink",
		Short: "Encrypted transfers to and from a bridge",
		Long: `shardlink ` + version.Version + ` - Built: ` + version.BuildTime + `
Uploads and downloads files end-to-end encrypted with keys derived from
your mnemonic. The bridge only ever sees ciphertext.

The mnemonic is read from SHARDLINK_MNEMONIC, the mnemonic file
(` + config.DefaultMnemonicPath() + `) or an interactive prompt.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "Configuration file path")
	flags.StringVar(&a.bridgeURL, "bridge-url", "", "Bridge base URL (overrides config)")
	flags.StringVar(&a.user, "user", "", "Bridge user (overrides config)")
	flags.StringVar(&a.passwordHash, "password-hash", "", "Bridge password hash (overrides config)")
	flags.StringVar(&a.shareToken, "share-token", "", "Share token; replaces user credentials")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	flags.BoolVar(&a.timing, "timing", false, "Log transfer phase timings at info level")
	flags.StringVar(&a.metricsOut, "metrics-out", "", "Write transfer metrics in Prometheus text format to this file")

	rootCmd.AddCommand(a.downloadCmd())
	rootCmd.AddCommand(a.uploadCmd())
	rootCmd.AddCommand(a.keysCmd())
	rootCmd.AddCommand(a.configCmd())
	return rootCmd
}

// setup loads configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.logger = logging.NewLogger(logging.FormatConsole, cmd.ErrOrStderr())

	cfg, err := config.LoadConfig(a.cfgFile)
	if err != nil {
		return err
	}
	if a.bridgeURL != "" {
		cfg.BridgeURL = a.bridgeURL
	}
	if a.user != "" {
		cfg.User = a.user
	}
	if a.passwordHash != "" {
		cfg.PasswordHash = a.passwordHash
	}
	if a.shareToken != "" {
		cfg.ShareToken = a.shareToken
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		a.logger.Warn().Err(err).Msg("using info level")
	}
	if a.verbose {
		level = zerolog.DebugLevel
	}
	logging.SetGlobalLevel(level)

	if a.timing {
		os.Setenv("SHARDLINK_TIMING", "1")
	}
	if a.metricsOut != "" {
		a.metrics = metrics.New()
	}
	return nil
}

// credentials picks the credential mode. An explicit share token wins over
// configured user credentials.
func (a *app) credentials() cloud.Credentials {
	if a.shareToken != "" {
		return cloud.Credentials{ShareToken: a.shareToken}
	}
	return cloud.Credentials{
		User:         a.cfg.User,
		PasswordHash: a.cfg.PasswordHash,
		ShareToken:   a.cfg.ShareToken,
	}
}

// session is one configured Network plus the event plumbing feeding the
// progress view and metrics.
type session struct {
	network *transfer.Network
	bus     *events.EventBus
	watch   []chan struct{}
}

// subscribe runs fn on every transfer event until the session closes.
func (s *session) subscribe(fn func(<-chan events.Event)) {
	ch := s.bus.SubscribeAll()
	done := make(chan struct{})
	s.watch = append(s.watch, done)
	go func() {
		defer close(done)
		fn(ch)
	}()
}

// close stops the network and waits for subscribers to drain.
func (s *session) close() {
	s.network.Close()
	s.bus.Close()
	for _, done := range s.watch {
		<-done
	}
}

func (a *app) newSession(transferOpts cloud.TransferOptions) (*session, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if a.cfg.NeedsProxyPassword() {
		pw, err := a.prompter("Proxy password: ")
		if err != nil {
			return nil, err
		}
		a.cfg.ProxyPassword = pw
	}

	bus := events.NewEventBus(constants.EventBusDefaultBuffer).WithLogger(a.logger.Zerolog())
	network, err := transfer.NewNetworkFromConfig(a.cfg, a.credentials(), transfer.Options{
		Transfer: transferOpts,
		Queue:    internaltransfer.NewQueue(bus),
		Metrics:  a.metrics,
		Logger:   a.logger.Zerolog(),
	})
	if err != nil {
		bus.Close()
		return nil, err
	}

	s := &session{network: network, bus: bus}
	if a.metrics != nil {
		a.metrics.WatchEventBus(bus)
		s.subscribe(a.metrics.Consume)
	}
	return s, nil
}

// Execute runs the CLI with a context cancelled on SIGINT or SIGTERM.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		for range sigChan {
			fmt.Fprintf(os.Stderr, "\nCancelling transfers...\n")
			cancel()
		}
	}()

	return NewRootCmd().ExecuteContext(ctx)
}
