package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gobeyondidentity/dpopclient/internal/version"
	"github.com/gobeyondidentity/dpopclient/pkg/clierror"
	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
)

var (
	requestMethod  string
	requestData    string
	requestHeaders []string
	requestInclude bool
)

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringVarP(&requestMethod, "method", "X", "", "HTTP method (default GET, or POST with --data)")
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "Request body; @file reads it from a file")
	requestCmd.Flags().StringArrayVarP(&requestHeaders, "header", "H", nil, "Extra header, 'Name: value' (repeatable)")
	requestCmd.Flags().BoolVarP(&requestInclude, "include", "i", false, "Print the status line and response headers")
}

// RequestOutput is the output of request with -o json/yaml.
type RequestOutput struct {
	Status  int               `json:"status" yaml:"status"`
	Headers map[string]string `json:"headers" yaml:"headers"`
	Body    string            `json:"body" yaml:"body"`
}

var requestCmd = &cobra.Command{
	Use:   "request <url>",
	Short: "Send a DPoP-authenticated request",
	Long: `Send an HTTP request with the account's access token and a fresh DPoP proof.

Expired tokens are refreshed first. When the server answers 401 with a
DPoP-Nonce header the request is retried with the new nonce, up to
max_retries times. Accounts in bearer mode send the request unmodified.

Examples:
  dpopctl request https://api.example.com/items
  dpopctl request -X POST -d '{"name":"x"}' -H 'Content-Type: application/json' https://api.example.com/items`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(cmd, args[0])
		if err != nil {
			return err
		}

		body, resp, err := app.executor().Execute(cmd.Context(), req)
		if err != nil {
			return clierror.FromError(err)
		}

		out := cmd.OutOrStdout()
		result := &RequestOutput{Status: resp.StatusCode, Headers: flattenHeaders(resp.Header), Body: string(body)}
		if handled, err := formatOutput(out, result); handled {
			if err != nil {
				return err
			}
		} else {
			if requestInclude {
				fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
				for _, name := range sortedKeys(result.Headers) {
					fmt.Fprintf(out, "%s: %s\n", name, result.Headers[name])
				}
				fmt.Fprintln(out)
			}
			out.Write(body)
			if len(body) > 0 && body[len(body)-1] != '\n' {
				fmt.Fprintln(out)
			}
		}

		if authErr := dpop.ParseAuthError(resp, body); authErr != nil {
			return clierror.AuthFailed(authErr)
		}
		if resp.StatusCode >= 400 {
			return clierror.RequestFailed(resp.StatusCode)
		}
		return nil
	},
}

func buildRequest(cmd *cobra.Command, rawURL string) (*http.Request, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, clierror.InvalidRequest(fmt.Sprintf("absolute URL required, got %q", rawURL))
	}

	method := strings.ToUpper(requestMethod)
	if method == "" {
		method = http.MethodGet
		if requestData != "" {
			method = http.MethodPost
		}
	}

	var payload []byte
	switch {
	case strings.HasPrefix(requestData, "@"):
		data, err := readInput(cmd, []string{strings.TrimPrefix(requestData, "@")})
		if err != nil {
			return nil, err
		}
		payload = data
	case requestData != "":
		payload = []byte(requestData)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, target.String(), body)
	if err != nil {
		return nil, clierror.InvalidRequest(err.Error())
	}

	req.Header.Set("User-Agent", version.UserAgent("dpopctl"))
	for _, h := range requestHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, clierror.InvalidRequest(fmt.Sprintf("header must be 'Name: value', got %q", h))
		}
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for name, values := range h {
		flat[name] = strings.Join(values, ", ")
	}
	return flat
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
