package authserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gobeyondidentity/dpopclient/pkg/dpop"
)

// maxFormSize bounds token request bodies.
const maxFormSize = 16 * 1024

// TokenHandler serves the token endpoint.
type TokenHandler struct {
	issuer    *Issuer
	validator *dpop.Validator
	jtiCache  dpop.JTICache
	nonces    *dpop.NonceIssuer
	logger    *slog.Logger
}

// NewTokenHandler creates a token endpoint. nonces may be nil to disable
// nonce enforcement.
func NewTokenHandler(issuer *Issuer, validator *dpop.Validator, jtiCache dpop.JTICache, nonces *dpop.NonceIssuer, logger *slog.Logger) *TokenHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenHandler{
		issuer:    issuer,
		validator: validator,
		jtiCache:  jtiCache,
		nonces:    nonces,
		logger:    logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if h.nonces != nil {
		w.Header().Set(dpop.HeaderDPoPNonce, h.nonces.Current())
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeTokenError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if grant := r.PostForm.Get("grant_type"); grant != "refresh_token" {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "only refresh_token is supported")
		return
	}
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	want := dpop.ProofExpectations{Method: r.Method, URI: dpop.RequestURI(r)}
	if h.nonces != nil {
		want.NonceValid = h.nonces.Valid
	}
	result, err := h.validator.ValidateProof(r.Header.Get(dpop.HeaderDPoP), want)
	if err != nil {
		var dErr *dpop.DPoPError
		if errors.As(err, &dErr) && dErr.Code == dpop.ErrCodeUseNonce {
			writeTokenError(w, http.StatusBadRequest, "use_dpop_nonce", "Authorization server requires nonce in DPoP proof")
			return
		}
		h.logger.Warn("authserver.invalid_proof", "error", err)
		writeTokenError(w, http.StatusBadRequest, "invalid_dpop_proof", "DPoP proof rejected")
		return
	}

	isReplay, err := h.jtiCache.Record(result.Claims.JTI)
	if err != nil || isReplay {
		writeTokenError(w, http.StatusBadRequest, "invalid_dpop_proof", "DPoP proof replayed")
		return
	}

	resp, err := h.issuer.Redeem(refreshToken, r.PostForm.Get("client_id"), result.Thumbprint)
	if err != nil {
		h.logger.Warn("authserver.invalid_grant", "error", err, "jkt", result.Thumbprint)
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
