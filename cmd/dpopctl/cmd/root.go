// Package cmd implements the dpopctl CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gobeyondidentity/dpopclient/internal/config"
	"github.com/gobeyondidentity/dpopclient/internal/version"
	"github.com/gobeyondidentity/dpopclient/pkg/clierror"
	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
	"github.com/gobeyondidentity/dpopclient/pkg/oauth"
	"github.com/gobeyondidentity/dpopclient/pkg/securestore"
)

var (
	// Global flags
	outputFormat string
	configPath   string
	envFile      string
	accountFlag  string
	storageFlag  string
	verbose      bool
	timeout      time.Duration

	// Per-invocation state, set up in PersistentPreRunE
	app *appContext
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// appContext holds what a command needs to talk to storage and servers.
type appContext struct {
	cfg          *config.Config
	logger       *slog.Logger
	storage      securestore.Storage
	closeStorage func() error
	keys         *dpop.KeyStore
	nonces       *dpop.NonceCache
	httpClient   *http.Client
}

// session returns the token session of the configured account.
func (a *appContext) session() *oauth.Session {
	return oauth.NewSession(a.cfg.Account, a.storage, a.keys,
		oauth.WithTokenEndpoint(a.cfg.TokenEndpoint),
		oauth.WithClientID(a.cfg.ClientID),
		oauth.WithRefreshSkew(a.cfg.RefreshSkew),
		oauth.WithNonceCache(a.nonces),
		oauth.WithHTTPClient(a.httpClient),
		oauth.WithLogger(a.logger),
	)
}

// executor returns an Executor for the configured account.
func (a *appContext) executor() *dpop.Executor {
	return dpop.NewExecutor(a.cfg.DPoPAccount(), a.keys, a.session(),
		dpop.HTTPTransport{Client: a.httpClient},
		dpop.WithNonceCache(a.nonces),
		dpop.WithMaxRetries(a.cfg.MaxRetries),
		dpop.WithExecutorLogger(a.logger),
	)
}

var rootCmd = &cobra.Command{
	Use:   "dpopctl",
	Short: "DPoP key, token and request tool",
	Long: `dpopctl manages the DPoP key pair and OAuth tokens of an account and sends
requests authenticated with DPoP-bound access tokens (RFC 9449).

Keys and tokens live in secure storage selected by the config file
(~/.config/dpopctl/config.yaml) or DPOPCTL_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipSetup(cmd) {
			return nil
		}
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

// skipSetup reports whether cmd runs without config or storage.
func skipSetup(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "completion", "help", "version":
			return true
		}
	}
	return false
}

func setup(cmd *cobra.Command) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return clierror.InvalidConfig(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return clierror.InvalidConfig(err.Error())
	}
	if accountFlag != "" {
		cfg.Account = accountFlag
	}
	if storageFlag != "" {
		cfg.Storage.Backend = storageFlag
		if err := cfg.Validate(); err != nil {
			return clierror.InvalidConfig(err.Error())
		}
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	storage, closeStorage, err := cfg.OpenStorage(cmd.Context())
	if err != nil {
		return clierror.StorageError(err)
	}

	app = &appContext{
		cfg:          cfg,
		logger:       logger,
		storage:      storage,
		closeStorage: closeStorage,
		keys:         dpop.NewKeyStore(storage, dpop.WithKeyStoreLogger(logger)),
		nonces:       dpop.NewNonceCache(dpop.WithNonceTTL(cfg.NonceTTL), dpop.WithNonceLogger(logger)),
		httpClient:   &http.Client{Timeout: timeout},
	}
	logger.Debug("dpopctl.setup",
		"account", cfg.Account,
		"auth_mode", cfg.AuthMode,
		"storage", cfg.Storage.Backend,
	)
	return nil
}

func teardown() error {
	if app == nil {
		return nil
	}
	err := app.closeStorage()
	app = nil
	return err
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for dpopctl.

To load completions:

Bash:
  source <(dpopctl completion bash)

Zsh:
  source <(dpopctl completion zsh)

Fish:
  dpopctl completion fish > ~/.config/fish/completions/dpopctl.fish

PowerShell:
  dpopctl completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		default:
			return fmt.Errorf("unknown shell: %s", args[0])
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	flags.StringVar(&configPath, "config", "", "Config file (default: ~/.config/dpopctl/config.yaml)")
	flags.StringVar(&envFile, "env-file", "", "Load environment variables from this file (default: .env if present)")
	flags.StringVarP(&accountFlag, "account", "a", "", "Account to act for (overrides config)")
	flags.StringVar(&storageFlag, "storage", "", "Storage backend: memory, file, sqlite, redis, aws (overrides config)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging to stderr")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "HTTP timeout")
	rootCmd.AddCommand(completionCmd)
	rootCmd.Version = version.String()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// OutputFormat returns the value of the --output flag.
func OutputFormat() string {
	return outputFormat
}

// formatOutput writes data as JSON or YAML. It returns false for table
// output, which each command renders itself.
func formatOutput(w io.Writer, data any) (bool, error) {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	default:
		return false, nil
	}
}
