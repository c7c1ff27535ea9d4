package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/shardlink/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage shardlink configuration",
		Long: `Configuration management commands for shardlink.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(a.configInitCmd())
	configCmd.AddCommand(a.configShowCmd())
	configCmd.AddCommand(a.configPathCmd())
	return configCmd
}

func (a *app) configPath() string {
	if a.cfgFile != "" {
		return a.cfgFile
	}
	return config.DefaultConfigPath()
}

func (a *app) configInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for shardlink.

The configuration is saved to ` + config.DefaultConfigPath() + ` unless
--config is given. The mnemonic is not part of the configuration; store
it with 'shardlink keys store'.

Use --force to overwrite existing configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := a.configPath()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			fmt.Fprintln(out, "shardlink Configuration Setup")
			fmt.Fprintln(out, "=============================")
			fmt.Fprintln(out)

			reader := bufio.NewReader(cmd.InOrStdin())
			cfg := config.NewConfig()

			cfg.BridgeURL = promptLine(reader, out, "Bridge URL", cfg.BridgeURL)
			cfg.User = promptLine(reader, out, "User (empty for share-token use)", "")
			if cfg.User != "" {
				cfg.PasswordHash = promptLine(reader, out, "Password hash", "")
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Transfer Settings (press Enter for defaults)")
			fmt.Fprintln(out, "--------------------------------------------")
			cfg.DownloadConcurrency = promptInt(reader, out, "Download concurrency", cfg.DownloadConcurrency)
			cfg.UploadConcurrency = promptInt(reader, out, "Upload concurrency", cfg.UploadConcurrency)

			fmt.Fprintln(out)
			answer := strings.ToLower(promptLine(reader, out, "Configure proxy? [y/N]", ""))
			if answer == "y" || answer == "yes" {
				fmt.Fprintln(out, "Proxy modes: no-proxy, system, basic, ntlm")
				cfg.ProxyMode = promptLine(reader, out, "Proxy mode", "system")
				if cfg.ProxyMode == "basic" || cfg.ProxyMode == "ntlm" {
					cfg.ProxyHost = promptLine(reader, out, "Proxy host", "")
					cfg.ProxyPort = promptInt(reader, out, "Proxy port", cfg.ProxyPort)
					cfg.ProxyUser = promptLine(reader, out, "Proxy user", "")
				}
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.SaveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nConfiguration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

func promptInt(r *bufio.Reader, w io.Writer, label string, def int) int {
	v, err := strconv.Atoi(promptLine(r, w, label, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (a *app) configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long:  "Display the effective configuration: file values with environment and flag overrides applied. Secrets are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Current Configuration:")
			fmt.Fprintln(out, "======================")
			fmt.Fprintf(out, "Config file:         %s\n", a.configPath())
			fmt.Fprintf(out, "Bridge URL:          %s\n", cfg.BridgeURL)
			fmt.Fprintf(out, "User:                %s\n", orNotSet(cfg.User))
			fmt.Fprintf(out, "Password hash:       %s\n", mask(cfg.PasswordHash))
			fmt.Fprintf(out, "Share token:         %s\n", mask(cfg.ShareToken))
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Download concurrency: %d\n", cfg.DownloadConcurrency)
			fmt.Fprintf(out, "Upload concurrency:   %d\n", cfg.UploadConcurrency)
			fmt.Fprintf(out, "Chunk size:           %d MiB\n", cfg.ChunkSize/(1024*1024))
			fmt.Fprintf(out, "Chunk max retries:    %d\n", cfg.ChunkMaxRetries)
			fmt.Fprintf(out, "Max retries:          %d\n", cfg.MaxRetries)
			fmt.Fprintf(out, "Multipart threshold:  %d MiB\n", cfg.MultipartThreshold/(1024*1024))
			fmt.Fprintf(out, "Part size:            %d MiB\n", cfg.PartSize/(1024*1024))
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Proxy mode:          %s\n", cfg.ProxyMode)
			if cfg.ProxyHost != "" {
				fmt.Fprintf(out, "Proxy:               %s:%d\n", cfg.ProxyHost, cfg.ProxyPort)
			}
			fmt.Fprintf(out, "Log level:           %s\n", cfg.LogLevel)

			if config.ResolveMnemonic("") != "" {
				fmt.Fprintln(out, "Mnemonic:            available")
			} else {
				fmt.Fprintln(out, "Mnemonic:            not set")
			}
			return nil
		},
	}
}

func (a *app) configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), a.configPath())
		},
	}
}

func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// mask shows only the last four characters of a secret.
func mask(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 4:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
