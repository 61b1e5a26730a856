package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/dpopclient/pkg/clierror"
	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
)

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyShowCmd)
	keyCmd.AddCommand(keyImportCmd)
	keyCmd.AddCommand(keyExportCmd)
	keyCmd.AddCommand(keyDeleteCmd)
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the account's DPoP key pair",
	Long: `Manage the EC P-256 key pair that DPoP proofs are signed with.

Each account has exactly one key pair. It is generated on first use and kept
in secure storage until it is replaced by an import or deleted.`,
}

// KeyInfo is the output of key show and key import.
type KeyInfo struct {
	Account    string   `json:"account" yaml:"account"`
	Thumbprint string   `json:"thumbprint" yaml:"thumbprint"`
	JWK        dpop.JWK `json:"jwk" yaml:"jwk"`
}

func keyInfo(kp *dpop.KeyPair) (*KeyInfo, error) {
	jwk, err := kp.PublicJWK()
	if err != nil {
		return nil, clierror.InternalError(err)
	}
	thumbprint, err := kp.Thumbprint()
	if err != nil {
		return nil, clierror.InternalError(err)
	}
	return &KeyInfo{Account: kp.AccountID, Thumbprint: thumbprint, JWK: jwk}, nil
}

func printKeyInfo(w io.Writer, info *KeyInfo) {
	fmt.Fprintf(w, "Account:     %s\n", info.Account)
	fmt.Fprintf(w, "Thumbprint:  %s\n", info.Thumbprint)
	fmt.Fprintf(w, "Key type:    %s %s\n", info.JWK.Kty, info.JWK.Crv)
	fmt.Fprintf(w, "x:           %s\n", dimFmt(info.JWK.X))
	fmt.Fprintf(w, "y:           %s\n", dimFmt(info.JWK.Y))
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the public key and its thumbprint",
	Long: `Show the account's public JWK and its RFC 7638 thumbprint, generating the
key pair if the account has none yet.

Examples:
  dpopctl key show
  dpopctl key show --account alice -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := app.keys.GetOrCreateKeyPair(cmd.Context(), app.cfg.Account)
		if err != nil {
			return clierror.FromError(err)
		}
		info, err := keyInfo(kp)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, info); handled {
			return err
		}
		printKeyInfo(out, info)
		return nil
	},
}

var keyImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a private JWK, replacing the current key",
	Long: `Import an EC P-256 private JWK (kty, crv, x, y, d) as the account's key pair.
Reads from stdin when no file is given or the file is "-".

The public coordinates must belong to d; a mismatched key is rejected and the
current key is left unchanged. Tokens bound to the previous key stop working.

Examples:
  dpopctl key import key.jwk
  dpopctl key export --account old | dpopctl key import --account new`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}

		var jwk dpop.JWK
		if err := json.Unmarshal(data, &jwk); err != nil {
			return clierror.InvalidJWK(fmt.Errorf("not a JSON object: %w", err))
		}
		if err := app.keys.ImportKeyPair(cmd.Context(), app.cfg.Account, jwk); err != nil {
			return clierror.FromError(err)
		}

		kp, err := app.keys.GetOrCreateKeyPair(cmd.Context(), app.cfg.Account)
		if err != nil {
			return clierror.FromError(err)
		}
		info, err := keyInfo(kp)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, info); handled {
			return err
		}
		fmt.Fprintf(out, "%s key for account '%s'\n", okFmt("Imported"), info.Account)
		fmt.Fprintf(out, "Thumbprint:  %s\n", info.Thumbprint)
		return nil
	},
}

var keyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the key pair as a private JWK",
	Long: `Print the account's key pair as a private JWK, including d.

The output is secret key material. Anyone holding it can use tokens bound to
this key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jwk, err := app.keys.ExportJWK(cmd.Context(), app.cfg.Account)
		if err != nil {
			return clierror.FromError(err)
		}

		fmt.Fprintln(cmd.ErrOrStderr(), warnFmt("Warning: output contains the private key"))
		out := cmd.OutOrStdout()
		if outputFormat == "yaml" {
			_, err := formatOutput(out, jwk)
			return err
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(jwk)
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the key pair",
	Long: `Delete the account's key pair from secure storage. A new key is generated
on next use; tokens bound to the deleted key stop working.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.keys.DeleteKeyPair(cmd.Context(), app.cfg.Account); err != nil {
			return clierror.StorageError(err)
		}

		out := cmd.OutOrStdout()
		result := map[string]any{"account": app.cfg.Account, "deleted": true}
		if handled, err := formatOutput(out, result); handled {
			return err
		}
		fmt.Fprintf(out, "%s key for account '%s'\n", okFmt("Deleted"), app.cfg.Account)
		return nil
	},
}

// readInput reads the named file, or stdin for no argument or "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, clierror.InternalError(fmt.Errorf("read stdin: %w", err))
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, clierror.InvalidRequest(err.Error())
	}
	return data, nil
}
