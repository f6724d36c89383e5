package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"--listen", "127.0.0.1:9999", "-c", "/tmp/x.toml", "--error-status", "typed"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if f.listen != "127.0.0.1:9999" || f.configPath != "/tmp/x.toml" || f.errorStatus != "typed" {
		t.Errorf("unexpected flags: %+v", f)
	}
}

func TestParseFlagsRejectsPositional(t *testing.T) {
	if _, err := parseFlags([]string{"extra"}); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[http]
listen = "127.0.0.1:7000"
greeting = "from file"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(flags{configPath: path, listen: "127.0.0.1:7001", errorStatus: "typed"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Listen != "127.0.0.1:7001" {
		t.Errorf("listen override: got %q", cfg.HTTP.Listen)
	}
	if cfg.HTTP.Greeting != "from file" {
		t.Errorf("greeting from file: got %q", cfg.HTTP.Greeting)
	}
	if cfg.HTTP.ErrorStatus != "typed" {
		t.Errorf("error status override: got %q", cfg.HTTP.ErrorStatus)
	}
}

func TestLoadConfigInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := loadConfig(flags{configPath: path, errorStatus: "loud"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "http.error_status") {
		t.Errorf("error should mention http.error_status: %v", err)
	}
}

func TestParseFlagsHashToken(t *testing.T) {
	f, err := parseFlags([]string{"--hash-token"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !f.hashToken {
		t.Error("hashToken should be set")
	}
}

func TestReadTokenLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"s3cret\n", "s3cret"},
		{"s3cret\r\n", "s3cret"},
		{"no-newline", "no-newline"},
		{"first\nsecond\n", "first"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := readTokenLine(strings.NewReader(tt.in))
		if err != nil {
			t.Fatalf("readTokenLine(%q): %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Errorf("readTokenLine(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadTokenFromPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := w.WriteString("piped-token\n"); err != nil {
		t.Fatal(err)
	}
	w.Close()

	got, err := readToken(r)
	if err != nil {
		t.Fatalf("readToken: %v", err)
	}
	if string(got) != "piped-token" {
		t.Errorf("got %q, want piped-token", got)
	}
}

func TestHashToken(t *testing.T) {
	var out bytes.Buffer
	if err := hashToken([]byte("s3cret"), &out); err != nil {
		t.Fatalf("hashToken: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("printed hash does not verify: %v", err)
	}

	// The printed hash is accepted as a principal's token_hash.
	cfg, err := loadConfig(flags{configPath: writeHashConfig(t, hash)})
	if err != nil {
		t.Fatalf("loadConfig with token_hash: %v", err)
	}
	if cfg.Principals[0].TokenHash != hash {
		t.Errorf("TokenHash: got %q", cfg.Principals[0].TokenHash)
	}
}

func TestHashTokenEmpty(t *testing.T) {
	var out bytes.Buffer
	if err := hashToken(nil, &out); err == nil {
		t.Fatal("expected error for empty token")
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed, got %q", out.String())
	}
}

func writeHashConfig(t *testing.T, hash string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[[principals]]\nname = \"alice\"\ntoken_hash = '" + hash + "'\nbuckets = [\"*\"]\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
