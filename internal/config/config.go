package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/rescale/shardlink/internal/constants"
)

// Config holds everything the CLI needs to talk to a bridge.
//
// INI format:
//
//	[bridge]
//	url = https://gateway.internxt.com/network
//	user = alice@example.com
//	password_hash = <sha256 hex>
//
//	[transfer]
//	download_concurrency = 6
//	upload_concurrency = 6
//	chunk_size_mb = 50
//	chunk_max_retries = 3
//	max_retries = 5
//	multipart_threshold_mb = 100
//	part_size_mb = 30
//
//	[proxy]
//	mode = no-proxy
//	host =
//	port = 8080
//	user =
//	no_proxy = localhost,10.0.0.0/8
//	warmup = false
//
//	[log]
//	level = info
//
// Every key can be overridden from the environment with SHARDLINK_<SECTION>_<KEY>,
// for example SHARDLINK_BRIDGE_URL or SHARDLINK_PROXY_MODE.
// The share token, proxy password and mnemonic are never written to disk by SaveConfig.
type Config struct {
	// Bridge connection
	BridgeURL    string
	User         string
	PasswordHash string
	ShareToken   string

	// Transfer tuning
	DownloadConcurrency int
	UploadConcurrency   int
	ChunkSize           int64
	ChunkMaxRetries     int
	MaxRetries          int
	MultipartThreshold  int64
	PartSize            int64

	// Proxy settings
	ProxyMode     string // "no-proxy", "system", "basic", "ntlm"
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string // Comma-separated list of hosts to bypass proxy
	ProxyWarmup   bool

	// Logging
	LogLevel string
}

// Validation errors
var (
	ErrMissingBridgeURL     = errors.New("bridge url is required")
	ErrInvalidBridgeURL     = errors.New("bridge url must be an absolute http(s) URL")
	ErrInvalidConcurrency   = errors.New("concurrency must be between 1 and 64")
	ErrInvalidChunkSize     = errors.New("chunk_size_mb must be positive")
	ErrInvalidPartSize      = errors.New("part_size_mb must be at least 5")
	ErrInvalidRetries       = errors.New("retry counts must not be negative")
	ErrInvalidProxyMode     = errors.New("proxy mode must be one of no-proxy, system, basic, ntlm")
	ErrMissingProxyHost     = errors.New("proxy host is required for basic and ntlm modes")
	ErrInvalidMultipartSize = errors.New("multipart_threshold_mb must be positive")
)

const mb = 1024 * 1024

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		BridgeURL:           constants.DefaultBridgeURL,
		DownloadConcurrency: constants.DownloadConcurrency,
		UploadConcurrency:   constants.UploadConcurrency,
		ChunkSize:           constants.DownloadChunkSize,
		ChunkMaxRetries:     constants.ChunkMaxRetries,
		MaxRetries:          constants.MaxRetries,
		MultipartThreshold:  constants.MultipartThreshold,
		PartSize:            constants.UploadPartSize,
		ProxyMode:           "no-proxy",
		ProxyPort:           8080,
		LogLevel:            "info",
	}
}

// LoadConfig loads configuration from an INI file and applies environment overrides.
// A missing file is not an error; defaults are used instead.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		iniFile, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg.applyINI(iniFile)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func (cfg *Config) applyINI(f *ini.File) {
	bridge := f.Section("bridge")
	cfg.BridgeURL = bridge.Key("url").MustString(cfg.BridgeURL)
	cfg.User = bridge.Key("user").MustString(cfg.User)
	cfg.PasswordHash = bridge.Key("password_hash").MustString(cfg.PasswordHash)

	transfer := f.Section("transfer")
	cfg.DownloadConcurrency = transfer.Key("download_concurrency").MustInt(cfg.DownloadConcurrency)
	cfg.UploadConcurrency = transfer.Key("upload_concurrency").MustInt(cfg.UploadConcurrency)
	cfg.ChunkSize = transfer.Key("chunk_size_mb").MustInt64(cfg.ChunkSize/mb) * mb
	cfg.ChunkMaxRetries = transfer.Key("chunk_max_retries").MustInt(cfg.ChunkMaxRetries)
	cfg.MaxRetries = transfer.Key("max_retries").MustInt(cfg.MaxRetries)
	cfg.MultipartThreshold = transfer.Key("multipart_threshold_mb").MustInt64(cfg.MultipartThreshold/mb) * mb
	cfg.PartSize = transfer.Key("part_size_mb").MustInt64(cfg.PartSize/mb) * mb

	proxy := f.Section("proxy")
	cfg.ProxyMode = proxy.Key("mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = proxy.Key("host").MustString(cfg.ProxyHost)
	cfg.ProxyPort = proxy.Key("port").MustInt(cfg.ProxyPort)
	cfg.ProxyUser = proxy.Key("user").MustString(cfg.ProxyUser)
	cfg.NoProxy = proxy.Key("no_proxy").MustString(cfg.NoProxy)
	cfg.ProxyWarmup = proxy.Key("warmup").MustBool(cfg.ProxyWarmup)

	cfg.LogLevel = f.Section("log").Key("level").MustString(cfg.LogLevel)
}

// ApplyEnv overrides fields from SHARDLINK_* variables. getenv is os.Getenv in
// production and a map lookup in tests.
func (cfg *Config) ApplyEnv(getenv func(string) string) {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, err := strconv.Atoi(strings.TrimSpace(getenv(name))); err == nil {
			*dst = v
		}
	}
	size := func(name string, dst *int64) {
		if v, err := strconv.ParseInt(strings.TrimSpace(getenv(name)), 10, 64); err == nil {
			*dst = v * mb
		}
	}

	str("SHARDLINK_BRIDGE_URL", &cfg.BridgeURL)
	str("SHARDLINK_BRIDGE_USER", &cfg.User)
	str("SHARDLINK_BRIDGE_PASSWORD_HASH", &cfg.PasswordHash)
	str("SHARDLINK_SHARE_TOKEN", &cfg.ShareToken)

	num("SHARDLINK_TRANSFER_DOWNLOAD_CONCURRENCY", &cfg.DownloadConcurrency)
	num("SHARDLINK_TRANSFER_UPLOAD_CONCURRENCY", &cfg.UploadConcurrency)
	size("SHARDLINK_TRANSFER_CHUNK_SIZE_MB", &cfg.ChunkSize)
	num("SHARDLINK_TRANSFER_CHUNK_MAX_RETRIES", &cfg.ChunkMaxRetries)
	num("SHARDLINK_TRANSFER_MAX_RETRIES", &cfg.MaxRetries)
	size("SHARDLINK_TRANSFER_MULTIPART_THRESHOLD_MB", &cfg.MultipartThreshold)
	size("SHARDLINK_TRANSFER_PART_SIZE_MB", &cfg.PartSize)

	str("SHARDLINK_PROXY_MODE", &cfg.ProxyMode)
	str("SHARDLINK_PROXY_HOST", &cfg.ProxyHost)
	num("SHARDLINK_PROXY_PORT", &cfg.ProxyPort)
	str("SHARDLINK_PROXY_USER", &cfg.ProxyUser)
	str("SHARDLINK_PROXY_PASSWORD", &cfg.ProxyPassword)
	str("SHARDLINK_PROXY_NO_PROXY", &cfg.NoProxy)
	if v := strings.TrimSpace(getenv("SHARDLINK_PROXY_WARMUP")); v != "" {
		cfg.ProxyWarmup, _ = strconv.ParseBool(v)
	}

	str("SHARDLINK_LOG_LEVEL", &cfg.LogLevel)
}

// SaveConfig saves configuration to an INI file.
// Creates parent directories if they don't exist.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	bridge, err := iniFile.NewSection("bridge")
	if err != nil {
		return fmt.Errorf("failed to create bridge section: %w", err)
	}
	bridge.Key("url").SetValue(cfg.BridgeURL)
	bridge.Key("user").SetValue(cfg.User)
	bridge.Key("password_hash").SetValue(cfg.PasswordHash)

	transfer, err := iniFile.NewSection("transfer")
	if err != nil {
		return fmt.Errorf("failed to create transfer section: %w", err)
	}
	transfer.Key("download_concurrency").SetValue(strconv.Itoa(cfg.DownloadConcurrency))
	transfer.Key("upload_concurrency").SetValue(strconv.Itoa(cfg.UploadConcurrency))
	transfer.Key("chunk_size_mb").SetValue(strconv.FormatInt(cfg.ChunkSize/mb, 10))
	transfer.Key("chunk_max_retries").SetValue(strconv.Itoa(cfg.ChunkMaxRetries))
	transfer.Key("max_retries").SetValue(strconv.Itoa(cfg.MaxRetries))
	transfer.Key("multipart_threshold_mb").SetValue(strconv.FormatInt(cfg.MultipartThreshold/mb, 10))
	transfer.Key("part_size_mb").SetValue(strconv.FormatInt(cfg.PartSize/mb, 10))

	proxy, err := iniFile.NewSection("proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	proxy.Key("mode").SetValue(cfg.ProxyMode)
	proxy.Key("host").SetValue(cfg.ProxyHost)
	proxy.Key("port").SetValue(strconv.Itoa(cfg.ProxyPort))
	proxy.Key("user").SetValue(cfg.ProxyUser)
	proxy.Key("no_proxy").SetValue(cfg.NoProxy)
	proxy.Key("warmup").SetValue(strconv.FormatBool(cfg.ProxyWarmup))

	logSection, err := iniFile.NewSection("log")
	if err != nil {
		return fmt.Errorf("failed to create log section: %w", err)
	}
	logSection.Key("level").SetValue(cfg.LogLevel)

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	// The password hash is sensitive
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is usable.
// Credentials are checked separately, when the transfer mode is known.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.BridgeURL) == "" {
		return ErrMissingBridgeURL
	}
	u, err := url.Parse(cfg.BridgeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidBridgeURL
	}

	if cfg.DownloadConcurrency < 1 || cfg.DownloadConcurrency > 64 ||
		cfg.UploadConcurrency < 1 || cfg.UploadConcurrency > 64 {
		return ErrInvalidConcurrency
	}
	if cfg.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if cfg.PartSize < constants.MinUploadPartSize {
		return ErrInvalidPartSize
	}
	if cfg.MultipartThreshold <= 0 {
		return ErrInvalidMultipartSize
	}
	if cfg.MaxRetries < 0 || cfg.ChunkMaxRetries < 0 {
		return ErrInvalidRetries
	}

	switch strings.ToLower(cfg.ProxyMode) {
	case "", "no-proxy", "system":
	case "basic", "ntlm":
		if strings.TrimSpace(cfg.ProxyHost) == "" {
			return ErrMissingProxyHost
		}
	default:
		return ErrInvalidProxyMode
	}

	return nil
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided. Used by the CLI to decide whether to prompt.
func (cfg *Config) NeedsProxyPassword() bool {
	mode := strings.ToLower(cfg.ProxyMode)
	if mode != "basic" && mode != "ntlm" {
		return false
	}
	return cfg.ProxyUser != "" && cfg.ProxyPassword == ""
}
