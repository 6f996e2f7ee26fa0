package gmailhttp

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeCommand(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClientCarriesCredentials(t *testing.T) {
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		key = r.URL.Query().Get("key")
	}))
	defer srv.Close()

	// The program sees the user and the scopes as arguments.
	cmd := writeCommand(t, `echo "tok-$1-$2"`)
	c, err := New(Config{
		TokenCommand: cmd,
		User:         "me@atlas.dev",
		Scopes:       []string{"s1", "s2"},
		APIKey:       "k123",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if want := "Bearer tok-me@atlas.dev-s1 s2"; auth != want {
		t.Errorf("Authorization = %q, want %q", auth, want)
	}
	if key != "k123" {
		t.Errorf("key = %q, want k123", key)
	}
}

func TestTokenCommandFailure(t *testing.T) {
	src := &commandTokenSource{command: writeCommand(t, "echo nope >&2; exit 3"), user: "u"}
	if _, err := src.Token(); err == nil {
		t.Error("Token() from a failing program = nil, want error")
	}
	src = &commandTokenSource{command: writeCommand(t, "true"), user: "u"}
	if _, err := src.Token(); err == nil {
		t.Error("Token() with empty output = nil, want error")
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Config{User: "u"}, nil); err == nil {
		t.Error("New() without a token command = nil, want error")
	}
	if _, err := New(Config{TokenCommand: "x"}, nil); err == nil {
		t.Error("New() without a user = nil, want error")
	}
}
