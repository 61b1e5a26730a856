package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/dpopclient/pkg/clierror"
	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
)

var (
	proofMethod      string
	proofAccessToken string
	proofBound       bool
	proofDecode      bool
)

func init() {
	rootCmd.AddCommand(proofCmd)
	proofCmd.Flags().StringVarP(&proofMethod, "method", "X", "GET", "HTTP method the proof is bound to")
	proofCmd.Flags().StringVar(&proofAccessToken, "access-token", "", "Access token to bind with ath")
	proofCmd.Flags().BoolVar(&proofBound, "bound", false, "Bind the stored access token with ath")
	proofCmd.Flags().BoolVar(&proofDecode, "decode", false, "Print the decoded header and claims")
	proofCmd.MarkFlagsMutuallyExclusive("access-token", "bound")
}

// ProofOutput is the output of proof with --decode or -o json/yaml.
type ProofOutput struct {
	Proof  string         `json:"proof" yaml:"proof"`
	Header map[string]any `json:"header" yaml:"header"`
	Claims map[string]any `json:"claims" yaml:"claims"`
}

var proofCmd = &cobra.Command{
	Use:   "proof <url>",
	Short: "Sign a DPoP proof for a request",
	Long: `Sign a DPoP proof JWT for the given method and URL with the account's key.
The query string and fragment are not part of the proof.

Without --access-token or --bound the proof has no ath claim, as used at a
token endpoint.

Examples:
  dpopctl proof https://api.example.com/items
  dpopctl proof -X POST --bound https://api.example.com/items --decode`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := url.Parse(args[0])
		if err != nil || target.Scheme == "" || target.Host == "" {
			return clierror.InvalidRequest(fmt.Sprintf("absolute URL required, got %q", args[0]))
		}

		accessToken := proofAccessToken
		if proofBound {
			ts, err := app.session().CurrentTokens(cmd.Context())
			if err != nil {
				return clierror.StorageError(err)
			}
			if ts == nil {
				return clierror.NoTokens(app.cfg.Account)
			}
			accessToken = ts.AccessToken
		}

		kp, err := app.keys.GetOrCreateKeyPair(cmd.Context(), app.cfg.Account)
		if err != nil {
			return clierror.FromError(err)
		}
		proof, err := dpop.NewProofBuilder(app.nonces).Build(kp, proofMethod, target.String(), accessToken)
		if err != nil {
			return clierror.FromError(err)
		}

		out := cmd.OutOrStdout()
		if !proofDecode && outputFormat == "table" {
			fmt.Fprintln(out, proof)
			return nil
		}

		header, claims, _, err := dpop.ParseProof(proof)
		if err != nil {
			return clierror.InternalError(err)
		}
		result := &ProofOutput{Proof: proof, Header: header, Claims: claims}
		if handled, err := formatOutput(out, result); handled {
			return err
		}

		fmt.Fprintln(out, proof)
		fmt.Fprintln(out)
		fmt.Fprintf(out, "typ:    %v\n", header["typ"])
		fmt.Fprintf(out, "alg:    %v\n", header["alg"])
		for _, name := range []string{"jti", "htm", "htu", "iat", "ath", "nonce"} {
			v, ok := claims[name]
			if !ok {
				continue
			}
			// JSON numbers decode as float64.
			if f, isNum := v.(float64); isNum {
				v = int64(f)
			}
			fmt.Fprintf(out, "%-7s %v\n", name+":", v)
		}
		return nil
	},
}
