package mockhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Header names used by DPoP servers.
const (
	headerDPoP      = "DPoP"
	headerDPoPNonce = "DPoP-Nonce"
)

// Handler is a function that handles an HTTP request and returns true if it handled it.
type Handler func(w http.ResponseWriter, r *http.Request) bool

// ServerBuilder builds mock HTTP servers with configurable behavior.
type ServerBuilder struct {
	handlers    []Handler
	useTLS      bool
	defaultCode int
	capture     *Capture
}

// New creates a new ServerBuilder.
func New() *ServerBuilder {
	return &ServerBuilder{
		defaultCode: http.StatusNotFound,
	}
}

// TLS enables TLS for the mock server.
func (b *ServerBuilder) TLS() *ServerBuilder {
	b.useTLS = true
	return b
}

// DefaultStatus sets the status code returned when no handler matches.
func (b *ServerBuilder) DefaultStatus(code int) *ServerBuilder {
	b.defaultCode = code
	return b
}

// Handler adds a custom handler function.
func (b *ServerBuilder) Handler(h Handler) *ServerBuilder {
	b.handlers = append(b.handlers, h)
	return b
}

// JSON returns a 200 JSON response for requests matching path.
func (b *ServerBuilder) JSON(path string, response any) *ServerBuilder {
	return b.JSONWithStatus(path, http.StatusOK, response)
}

// JSONWithStatus returns a JSON response with a specific status code.
func (b *ServerBuilder) JSONWithStatus(path string, code int, response any) *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if !matchPath(r.URL.Path, path) {
			return false
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(response)
		return true
	})
}

// Status returns an empty response with the given status code.
func (b *ServerBuilder) Status(path string, code int) *ServerBuilder {
	return b.StatusWithBody(path, code, "")
}

// StatusWithBody returns a response with the given status code and body.
func (b *ServerBuilder) StatusWithBody(path string, code int, body string) *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if !matchPath(r.URL.Path, path) {
			return false
		}
		w.WriteHeader(code)
		w.Write([]byte(body))
		return true
	})
}

// RequireDPoP rejects requests without a DPoP proof header with a 401 and a
// DPoP WWW-Authenticate challenge.
func (b *ServerBuilder) RequireDPoP() *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get(headerDPoP) != "" {
			return false
		}
		w.Header().Set("WWW-Authenticate", `DPoP algs="ES256", error="invalid_dpop_proof"`)
		w.WriteHeader(http.StatusUnauthorized)
		return true
	})
}

// NonceChallenge answers the first len(nonces) requests to path with a 401
// carrying the next nonce in DPoP-Nonce, then lets later requests fall
// through to the remaining handlers.
func (b *ServerBuilder) NonceChallenge(path string, nonces ...string) *ServerBuilder {
	var mu sync.Mutex
	next := 0
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if !matchPath(r.URL.Path, path) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if next >= len(nonces) {
			return false
		}
		writeNonceChallenge(w, nonces[next])
		next++
		return true
	})
}

// AlwaysChallenge answers every request to path with a 401 nonce challenge.
// Each response carries a new nonce (prefix-1, prefix-2, ...).
func (b *ServerBuilder) AlwaysChallenge(path, prefix string) *ServerBuilder {
	var mu sync.Mutex
	n := 0
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if !matchPath(r.URL.Path, path) {
			return false
		}
		mu.Lock()
		n++
		nonce := fmt.Sprintf("%s-%d", prefix, n)
		mu.Unlock()
		writeNonceChallenge(w, nonce)
		return true
	})
}

func writeNonceChallenge(w http.ResponseWriter, nonce string) {
	w.Header().Set(headerDPoPNonce, nonce)
	w.Header().Set("WWW-Authenticate", `DPoP algs="ES256", error="use_dpop_nonce"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"use_dpop_nonce"}`))
}

// Capture enables request capture for inspection in tests.
// Returns the Capture object for accessing captured requests.
func (b *ServerBuilder) Capture() *Capture {
	if b.capture == nil {
		b.capture = &Capture{}
		// Capture runs before every other handler.
		b.handlers = append([]Handler{func(w http.ResponseWriter, r *http.Request) bool {
			b.capture.record(r)
			return false
		}}, b.handlers...)
	}
	return b.capture
}

// Route adds a handler that matches both method and path.
func (b *ServerBuilder) Route(method, path string, handler http.HandlerFunc) *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != method || !matchPath(r.URL.Path, path) {
			return false
		}
		handler(w, r)
		return true
	})
}

// RouteFunc adds a handler that matches path with a custom response function.
func (b *ServerBuilder) RouteFunc(path string, handler http.HandlerFunc) *ServerBuilder {
	return b.Handler(func(w http.ResponseWriter, r *http.Request) bool {
		if !matchPath(r.URL.Path, path) {
			return false
		}
		handler(w, r)
		return true
	})
}

// Build creates the httptest.Server with all configured handlers.
// Returns the server and the HTTP client to use (important for TLS servers).
func (b *ServerBuilder) Build() (*httptest.Server, *http.Client) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range b.handlers {
			if h(w, r) {
				return
			}
		}
		w.WriteHeader(b.defaultCode)
	})

	var server *httptest.Server
	if b.useTLS {
		server = httptest.NewTLSServer(handler)
	} else {
		server = httptest.NewServer(handler)
	}
	return server, server.Client()
}

// matchPath supports exact match and prefix match with a "*" suffix.
func matchPath(requestPath, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(requestPath, prefix)
	}
	return requestPath == pattern
}

// Capture stores captured HTTP requests for test assertions.
type Capture struct {
	mu       sync.Mutex
	requests []CapturedRequest
}

// CapturedRequest holds data from a captured HTTP request.
type CapturedRequest struct {
	Method        string
	Path          string
	Headers       http.Header
	Body          []byte
	Authorization string
	Proof         string
}

func (c *Capture) record(r *http.Request) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, CapturedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Headers:       r.Header.Clone(),
		Body:          body,
		Authorization: r.Header.Get("Authorization"),
		Proof:         r.Header.Get(headerDPoP),
	})
}

// Count returns the number of captured requests.
func (c *Capture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Last returns the most recent captured request, or nil if none.
func (c *Capture) Last() *CapturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	r := c.requests[len(c.requests)-1]
	return &r
}

// All returns all captured requests.
func (c *Capture) All() []CapturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]CapturedRequest, len(c.requests))
	copy(result, c.requests)
	return result
}

// Proofs returns the DPoP header of every captured request in order.
func (c *Capture) Proofs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	proofs := make([]string, len(c.requests))
	for i, r := range c.requests {
		proofs[i] = r.Proof
	}
	return proofs
}

// BodyJSON decodes the request body as JSON into v.
func (r *CapturedRequest) BodyJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}
