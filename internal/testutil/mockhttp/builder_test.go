package mockhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	t.Log("Testing JSON response handler")

	type response struct {
		Message string `json:"message"`
	}

	server, client := New().
		JSON("/api/test", response{Message: "hello"}).
		Build()
	defer server.Close()

	resp, err := client.Get(server.URL + "/api/test")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var got response
	json.NewDecoder(resp.Body).Decode(&got)
	if got.Message != "hello" {
		t.Errorf("expected message=hello, got %s", got.Message)
	}
}

func TestDefaultStatus(t *testing.T) {
	t.Parallel()
	t.Log("Testing unmatched paths fall back to the default status")

	server, client := New().DefaultStatus(http.StatusTeapot).Build()
	defer server.Close()

	resp, err := client.Get(server.URL + "/nowhere")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("expected 418, got %d", resp.StatusCode)
	}
}

func TestStatusWithBody(t *testing.T) {
	t.Parallel()

	server, client := New().
		StatusWithBody("/error", http.StatusInternalServerError, `{"error":"internal"}`).
		Build()
	defer server.Close()

	resp, err := client.Get(server.URL + "/error")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	if string(body) != `{"error":"internal"}` {
		t.Errorf("unexpected body %q", body)
	}
}

func TestNonceChallenge(t *testing.T) {
	t.Parallel()
	t.Log("Testing NonceChallenge answers the first N requests with 401 + DPoP-Nonce")

	server, client := New().
		NonceChallenge("/api/items", "n1", "n2").
		JSON("/api/items", map[string]string{"ok": "yes"}).
		Build()
	defer server.Close()

	for i, want := range []string{"n1", "n2"} {
		resp, err := client.Get(server.URL + "/api/items")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("request %d: expected 401, got %d", i, resp.StatusCode)
		}
		if got := resp.Header.Get("DPoP-Nonce"); got != want {
			t.Errorf("request %d: expected nonce %q, got %q", i, want, got)
		}
		if !strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
			t.Errorf("request %d: missing use_dpop_nonce challenge", i)
		}
	}

	t.Log("Third request falls through to the JSON handler")
	resp, err := client.Get(server.URL + "/api/items")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after challenges, got %d", resp.StatusCode)
	}
}

func TestAlwaysChallenge(t *testing.T) {
	t.Parallel()

	server, client := New().AlwaysChallenge("/api/*", "rot").Build()
	defer server.Close()

	for i := 1; i <= 3; i++ {
		resp, err := client.Get(server.URL + "/api/x")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
		want := "rot-" + string(rune('0'+i))
		if got := resp.Header.Get("DPoP-Nonce"); got != want {
			t.Errorf("expected nonce %q, got %q", want, got)
		}
	}
}

func TestRequireDPoP(t *testing.T) {
	t.Parallel()
	t.Log("Testing RequireDPoP rejects requests without a proof")

	server, client := New().
		RequireDPoP().
		JSON("/api/items", []string{}).
		Build()
	defer server.Close()

	resp, err := client.Get(server.URL + "/api/items")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without proof, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/items", nil)
	req.Header.Set("DPoP", "a.b.c")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with proof, got %d", resp.StatusCode)
	}
}

func TestCapture(t *testing.T) {
	t.Parallel()
	t.Log("Testing capture records DPoP headers and body, even for challenged requests")

	b := New().
		NonceChallenge("/api/items", "n1").
		JSON("/api/items", map[string]string{})
	capture := b.Capture()
	server, client := b.Build()
	defer server.Close()

	for i, proof := range []string{"p1", "p2"} {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/items", strings.NewReader(`{"n":1}`))
		req.Header.Set("Authorization", "DPoP tok")
		req.Header.Set("DPoP", proof)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
	}

	if capture.Count() != 2 {
		t.Fatalf("expected 2 captured requests, got %d", capture.Count())
	}
	proofs := capture.Proofs()
	if proofs[0] != "p1" || proofs[1] != "p2" {
		t.Errorf("unexpected proofs %v", proofs)
	}

	last := capture.Last()
	if last.Authorization != "DPoP tok" {
		t.Errorf("unexpected Authorization %q", last.Authorization)
	}
	if last.Method != http.MethodPost || last.Path != "/api/items" {
		t.Errorf("unexpected request line %s %s", last.Method, last.Path)
	}
	var body map[string]int
	if err := last.BodyJSON(&body); err != nil || body["n"] != 1 {
		t.Errorf("body not captured: %v %v", body, err)
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()

	server, client := New().
		Route(http.MethodPost, "/token", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}).
		Build()
	defer server.Close()

	resp, err := client.Get(server.URL + "/token")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET should not match POST route, got %d", resp.StatusCode)
	}

	resp, err = client.Post(server.URL+"/token", "text/plain", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
}

func TestTLS(t *testing.T) {
	t.Parallel()

	server, client := New().TLS().JSON("/secure", "ok").Build()
	defer server.Close()

	if !strings.HasPrefix(server.URL, "https://") {
		t.Fatalf("expected https URL, got %s", server.URL)
	}
	resp, err := client.Get(server.URL + "/secure")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		path, pattern string
		want          bool
	}{
		{"/a", "/a", true},
		{"/a/b", "/a", false},
		{"/a/b", "/a/*", true},
		{"/b", "/a/*", false},
	}
	for _, tt := range tests {
		if got := matchPath(tt.path, tt.pattern); got != tt.want {
			t.Errorf("matchPath(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
		}
	}
}
