package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/shardlink/internal/api/apitest"
	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/config"
	encryption "github.com/rescale/shardlink/internal/crypto"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testBucket   = "0123456789abcdef01234567"
	testUser     = "user@example.com"
	testHash     = "hash"
)

type cliEnv struct {
	t       *testing.T
	dir     string
	cfgPath string
	bridge  *apitest.Bridge
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("SHARDLINK_MNEMONIC", testMnemonic)
	t.Setenv("SHARDLINK_SHARE_TOKEN", "")

	bridge := apitest.NewBridge(t)
	bridge.User = testUser
	bridge.PasswordHash = testHash

	return &cliEnv{t: t, dir: dir, cfgPath: filepath.Join(dir, "shardlink.ini"), bridge: bridge}
}

func (e *cliEnv) run(stdin string, args ...string) (string, string, error) {
	a := &app{prompter: func(string) (string, error) { return "", errNotInteractive }}
	cmd := a.rootCmd()

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// runAsUser runs a bridge command with user credentials.
func (e *cliEnv) runAsUser(args ...string) (string, string, error) {
	base := []string{"--bridge-url", e.bridge.URL(), "--user", testUser, "--password-hash", testHash}
	return e.run("", append(base, args...)...)
}

func (e *cliEnv) writeFile(name string, data []byte) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, data, 0644))
	return path
}

// uploadedIDs parses "<file id>\t<path>" lines.
func uploadedIDs(t *testing.T, stdout string) map[string]string {
	t.Helper()
	ids := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		id, path, ok := strings.Cut(line, "\t")
		require.True(t, ok, "unexpected output line %q", line)
		ids[path] = id
	}
	return ids
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + i/97)
	}
	return b
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := newCLIEnv(t)
	data := testData(3000)
	src := env.writeFile("report.bin", data)

	stdout, _, err := env.runAsUser("upload", "--bucket", testBucket, src)
	require.NoError(t, err)
	fileID := uploadedIDs(t, stdout)[src]
	require.NotEmpty(t, fileID)

	stored, ok := env.bridge.File(fileID)
	require.True(t, ok)
	assert.NotEqual(t, data, stored.Data, "bridge must only see ciphertext")

	dest := filepath.Join(env.dir, "restored.bin")
	_, stderr, err := env.runAsUser("download", "--bucket", testBucket, "--file", fileID, "-o", dest)
	require.NoError(t, err, stderr)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, dest+".partial")
}

func TestDownloadToStdout(t *testing.T) {
	env := newCLIEnv(t)
	data := testData(1234)
	src := env.writeFile("a.txt", data)

	stdout, _, err := env.runAsUser("upload", "--bucket", testBucket, src)
	require.NoError(t, err)
	fileID := uploadedIDs(t, stdout)[src]

	stdout, _, err = env.runAsUser("download", "--bucket", testBucket, "--file", fileID, "-o", "-")
	require.NoError(t, err)
	assert.Equal(t, string(data), stdout)
}

func TestBatchTransfersWithMetrics(t *testing.T) {
	env := newCLIEnv(t)
	first := env.writeFile("first.bin", testData(2000))
	second := env.writeFile("second.bin", testData(5000))

	stdout, _, err := env.runAsUser("upload", "--bucket", testBucket, first, second)
	require.NoError(t, err)
	ids := uploadedIDs(t, stdout)
	require.Len(t, ids, 2)

	outDir := filepath.Join(env.dir, "out")
	metricsPath := filepath.Join(env.dir, "metrics.prom")
	_, stderr, err := env.runAsUser("--metrics-out", metricsPath,
		"download", "--bucket", testBucket, "--file", ids[first], "--file", ids[second], "-o", outDir)
	require.NoError(t, err, stderr)
	assert.Contains(t, stderr, "Downloaded 2 of 2 files")

	for path, id := range ids {
		want, err := os.ReadFile(path)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(outDir, id))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	text, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), `shardlink_transfers_total{direction="download",result="success"} 2`)
	assert.Contains(t, string(text), `shardlink_transfer_bytes_total{direction="download"} 7000`)
}

func TestBatchDownload_OriginalNames(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "a"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "b"), 0755))
	first := env.writeFile(filepath.Join("a", "data.csv"), testData(100))
	second := env.writeFile(filepath.Join("b", "data.csv"), testData(200))
	third := env.writeFile("notes.txt", testData(300))

	stdout, _, err := env.runAsUser("upload", "--bucket", testBucket, first, second, third)
	require.NoError(t, err)
	ids := uploadedIDs(t, stdout)

	outDir := filepath.Join(env.dir, "out")
	_, stderr, err := env.runAsUser("download", "--bucket", testBucket, "--original-names",
		"--file", ids[first], "--file", ids[second], "--file", ids[third], "-o", outDir)
	require.NoError(t, err, stderr)

	got, err := os.ReadFile(filepath.Join(outDir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, testData(300), got)

	// One of the clashing names keeps the plain name, the other gets its ID.
	sizes := make(map[int]bool)
	for _, id := range []string{ids[first], ids[second]} {
		data, err := os.ReadFile(filepath.Join(outDir, "data.csv"))
		require.NoError(t, err)
		sizes[len(data)] = true
		if alt, err := os.ReadFile(filepath.Join(outDir, "data_"+id+".csv")); err == nil {
			sizes[len(alt)] = true
		}
	}
	assert.Equal(t, map[int]bool{100: true, 200: true}, sizes)
}

func TestShareTokenDownload(t *testing.T) {
	env := newCLIEnv(t)
	env.bridge.ShareToken = "share-123"
	data := testData(800)
	src := env.writeFile("shared.bin", data)

	stdout, _, err := env.runAsUser("upload", "--bucket", testBucket, src)
	require.NoError(t, err)
	fileID := uploadedIDs(t, stdout)[src]

	stdout, _, err = env.run("", "--bridge-url", env.bridge.URL(), "--share-token", "share-123",
		"download", "--bucket", testBucket, "--file", fileID, "-o", "-")
	require.NoError(t, err)
	assert.Equal(t, string(data), stdout)

	_, _, err = env.run("", "--bridge-url", env.bridge.URL(), "--share-token", "wrong",
		"download", "--bucket", testBucket, "--file", fileID, "-o", "-")
	require.Error(t, err)
	assert.Equal(t, 401, storage.StatusCode(err))
}

func TestConflictingCredentials(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("SHARDLINK_SHARE_TOKEN", "token")

	_, _, err := env.runAsUser("download", "--bucket", testBucket, "--file", "abc", "-o", "-")
	assert.ErrorIs(t, err, storage.ErrConflictingCredentials)
	assert.Zero(t, env.bridge.Calls("file_info"))
}

func TestDownloadFlagValidation(t *testing.T) {
	env := newCLIEnv(t)

	_, _, err := env.runAsUser("download", "--file", "abc")
	assert.ErrorContains(t, err, "--bucket is required")

	_, _, err = env.runAsUser("download", "--bucket", testBucket, "--file", "a", "--file", "b", "-o", "-")
	assert.ErrorContains(t, err, "stdout")
}

func TestMissingMnemonic(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("SHARDLINK_MNEMONIC", "")

	_, _, err := env.run("", "keys", "check")
	assert.ErrorIs(t, err, storage.ErrEncryptionKeyMissing)
}

func TestKeysCheck_InvalidWordCount(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("SHARDLINK_MNEMONIC", "only three words")

	_, _, err := env.run("", "keys", "check")
	assert.ErrorIs(t, err, encryption.ErrInvalidMnemonic)
}

func TestKeysDerive(t *testing.T) {
	env := newCLIEnv(t)
	index := strings.Repeat("ab", 32)

	stdout, _, err := env.run("", "keys", "derive", "--bucket", testBucket, "--index", index)
	require.NoError(t, err)

	fk, err := encryption.GenerateFileKeyHex(testMnemonic, testBucket, index)
	require.NoError(t, err)
	assert.Equal(t, "key: "+hex.EncodeToString(fk.Key)+"\niv:  "+hex.EncodeToString(fk.IV)+"\n", stdout)
	assert.Equal(t, index[:32], hex.EncodeToString(fk.IV))
}

func TestKeysDecryptName(t *testing.T) {
	env := newCLIEnv(t)
	encrypted, err := encryption.EncryptFilename(testMnemonic, testBucket, "notes.txt")
	require.NoError(t, err)

	stdout, _, err := env.run("", "keys", "decrypt-name", "--bucket", testBucket, encrypted)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt\n", stdout)
}

func TestKeysStore(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(env.dir, "mnemonic")

	a := &app{prompter: func(string) (string, error) { return testMnemonic, nil }}
	cmd := a.rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", env.cfgPath, "keys", "store", "--path", path})
	require.NoError(t, cmd.Execute())

	got, err := config.ReadSecretFile(path)
	require.NoError(t, err)
	assert.Equal(t, testMnemonic, got)
}

func TestConfigInit(t *testing.T) {
	env := newCLIEnv(t)
	answers := strings.Join([]string{
		"http://localhost:9000", // bridge url
		"alice",                 // user
		"deadbeef",              // password hash
		"",                      // download concurrency
		"8",                     // upload concurrency
		"n",                     // proxy
	}, "\n") + "\n"

	stdout, _, err := env.run(answers, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration saved to: "+env.cfgPath)

	cfg, err := config.LoadConfig(env.cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.BridgeURL)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "deadbeef", cfg.PasswordHash)
	assert.Equal(t, config.NewConfig().DownloadConcurrency, cfg.DownloadConcurrency)
	assert.Equal(t, 8, cfg.UploadConcurrency)

	stdout, _, err = env.run("", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration already exists")
}

func TestConfigShowMasksSecrets(t *testing.T) {
	env := newCLIEnv(t)

	stdout, _, err := env.run("", "--password-hash", "secret-hash-1234", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "****1234")
	assert.NotContains(t, stdout, "secret-hash-1234")
	assert.Contains(t, stdout, "Mnemonic:            available")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "(not set)", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "****6789", mask("123456789"))
}
