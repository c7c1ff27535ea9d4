package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/config"
	encryption "github.com/rescale/shardlink/internal/crypto"
)

// errNotInteractive is returned by promptSecret when stdin is not a terminal.
var errNotInteractive = errors.New("stdin is not a terminal")

// promptSecret reads a line from the terminal without echoing it.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNotInteractive
	}
	fmt.Fprint(os.Stderr, label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// promptLine prints label and reads one line from r. def is returned for an
// empty answer.
func promptLine(r *bufio.Reader, w io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(w, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w, "%s: ", label)
	}
	input, _ := r.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

// mnemonic resolves and validates the user's mnemonic. Sources, in order:
// SHARDLINK_MNEMONIC, the mnemonic file, an interactive prompt.
func (a *app) mnemonic() (string, error) {
	m := config.ResolveMnemonic("")
	if m == "" {
		secret, err := a.prompter("Mnemonic: ")
		if err != nil {
			a.logger.Debug().Err(err).Msg("mnemonic prompt unavailable")
			return "", fmt.Errorf("%w: set SHARDLINK_MNEMONIC or store it with 'shardlink keys store'", storage.ErrEncryptionKeyMissing)
		}
		m = secret
	}
	if err := encryption.ValidateMnemonic(m); err != nil {
		return "", err
	}
	return m, nil
}
