// DPoP reference server
// Token endpoint plus a DPoP-protected resource, for exercising dpopctl
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gobeyondidentity/dpopclient/internal/authserver"
	"github.com/gobeyondidentity/dpopclient/internal/version"
	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
)

var (
	listenAddr    = flag.String("listen", ":18443", "HTTP listen address")
	nonceInterval = flag.Duration("nonce-interval", 5*time.Minute, "DPoP nonce rotation interval (0 disables rotation)")
	accessTTL     = flag.Duration("access-ttl", authserver.DefaultAccessTTL, "Access token lifetime")
	clientID      = flag.String("client-id", "", "Required client_id for bootstrap refresh tokens")
	debug         = flag.Bool("debug", false, "Enable debug logging")
	subjects      subjectList
)

func init() {
	flag.Var(&subjects, "subject", "Issue a bootstrap refresh token for this subject (repeatable)")
}

// subjectList collects repeated -subject flags.
type subjectList []string

func (s *subjectList) String() string { return strings.Join(*s, ",") }

func (s *subjectList) Set(v string) error {
	if v == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	*s = append(*s, v)
	return nil
}

func main() {
	flag.CommandLine.SetOutput(os.Stdout)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger.Info("dpopd starting", "version", version.String(), "listen", *listenAddr)

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		logger.Error("failed to generate signing key", "error", err)
		os.Exit(1)
	}

	srv := newServer(serverConfig{
		signKey:       signKey,
		nonceInterval: *nonceInterval,
		accessTTL:     *accessTTL,
		logger:        logger,
	})
	defer srv.Close()

	for _, sub := range subjects {
		rt := srv.issuer.NewRefreshToken(sub, *clientID)
		fmt.Printf("refresh token for %s: %s\n", sub, rt)
	}

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           loggingMiddleware(logger, srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
	logger.Info("dpopd stopped")
}

type serverConfig struct {
	signKey       *ecdsa.PrivateKey
	nonceInterval time.Duration
	accessTTL     time.Duration
	logger        *slog.Logger
}

// server wires the token endpoint and the protected routes around one
// issuer, nonce issuer and JTI cache.
type server struct {
	issuer   *authserver.Issuer
	nonces   *dpop.NonceIssuer
	jtiCache *dpop.MemoryJTICache
	mux      *http.ServeMux
}

func newServer(cfg serverConfig) *server {
	jtiCache := dpop.NewMemoryJTICache(
		dpop.WithJTITTL(5*time.Minute),
		dpop.WithMaxEntries(100000),
	)
	nonces := dpop.NewNonceIssuer(cfg.nonceInterval)
	validator := dpop.NewValidator(dpop.DefaultValidatorConfig())
	issuer := authserver.NewIssuer(cfg.signKey,
		authserver.WithAccessTTL(cfg.accessTTL),
		authserver.WithLogger(cfg.logger),
	)

	auth := dpop.NewAuthMiddleware(validator, issuer, jtiCache,
		dpop.WithLogger(cfg.logger),
		dpop.WithNonceIssuer(nonces),
		dpop.WithBypassPaths("/health"),
	)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /health", handleHealth)
	protected.HandleFunc("GET /whoami", handleWhoami)
	protected.HandleFunc("/echo", handleEcho)

	mux := http.NewServeMux()
	mux.Handle("/token", authserver.NewTokenHandler(issuer, validator, jtiCache, nonces, cfg.logger))
	mux.Handle("/", auth.Wrap(protected))

	return &server{issuer: issuer, nonces: nonces, jtiCache: jtiCache, mux: mux}
}

func (s *server) Handler() http.Handler { return s.mux }

func (s *server) Close() error { return s.jtiCache.Close() }

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dpop.IdentityFromContext(r.Context()))
}

// handleEcho returns the method and body of the request.
func handleEcho(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method":     r.Method,
		"thumbprint": dpop.IdentityFromContext(r.Context()).Thumbprint,
		"body":       body,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.statusCode,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}
