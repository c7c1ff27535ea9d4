package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/shardlink/internal/config"
	encryption "github.com/rescale/shardlink/internal/crypto"
)

func (a *app) keysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and manage key material",
		Long: `Commands that work on the mnemonic and the keys derived from it.
None of them contact the bridge.

Commands:
  check        - Validate the mnemonic
  derive       - Print the key and IV of a file
  decrypt-name - Decrypt a stored file name
  store        - Save the mnemonic to the mnemonic file`,
	}

	keysCmd.AddCommand(a.keysCheckCmd())
	keysCmd.AddCommand(a.keysDeriveCmd())
	keysCmd.AddCommand(a.keysDecryptNameCmd())
	keysCmd.AddCommand(a.keysStoreCmd())
	return keysCmd
}

func (a *app) keysCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.mnemonic(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "mnemonic is valid")
			return nil
		},
	}
}

func (a *app) keysDeriveCmd() *cobra.Command {
	var bucketID, indexHex string

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print the key and IV of a file",
		Long: `Derive the AES-256 key and CTR IV of a file from the mnemonic, the
bucket ID and the file index reported by the bridge. Output is hex.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucketID == "" || indexHex == "" {
				return fmt.Errorf("--bucket and --index are required")
			}
			mnemonic, err := a.mnemonic()
			if err != nil {
				return err
			}
			fk, err := encryption.GenerateFileKeyHex(mnemonic, bucketID, indexHex)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key: %s\niv:  %s\n", hex.EncodeToString(fk.Key), hex.EncodeToString(fk.IV))
			return nil
		},
	}

	cmd.Flags().StringVar(&bucketID, "bucket", "", "Bucket ID (hex)")
	cmd.Flags().StringVar(&indexHex, "index", "", "File index (hex)")
	return cmd
}

func (a *app) keysDecryptNameCmd() *cobra.Command {
	var bucketID string

	cmd := &cobra.Command{
		Use:   "decrypt-name <encrypted-name>",
		Short: "Decrypt a stored file name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucketID == "" {
				return fmt.Errorf("--bucket is required")
			}
			mnemonic, err := a.mnemonic()
			if err != nil {
				return err
			}
			name, err := encryption.DecryptFilename(mnemonic, bucketID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucketID, "bucket", "", "Bucket ID (hex)")
	return cmd
}

func (a *app) keysStoreCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Save the mnemonic to the mnemonic file",
		Long: `Prompt for the mnemonic and save it with owner-only permissions.
Later commands read it from there when SHARDLINK_MNEMONIC is not set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := a.prompter("Mnemonic: ")
			if err != nil {
				return err
			}
			if err := encryption.ValidateMnemonic(mnemonic); err != nil {
				return err
			}
			if path == "" {
				path = config.DefaultMnemonicPath()
			}
			if err := config.WriteSecretFile(path, mnemonic); err != nil {
				return err
			}
			a.logger.Info().Str("path", path).Msg("mnemonic saved")
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Mnemonic file (default "+config.DefaultMnemonicPath()+")")
	return cmd
}
