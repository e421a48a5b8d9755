package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type countingProvider struct {
	calls int
	value string
}

func (c *countingProvider) Name() string { return "count" }

func (c *countingProvider) Get(context.Context, string) (string, error) {
	c.calls++
	return c.value, nil
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref          string
		wantProvider string
		wantKey      string
	}{
		{"env:CLICKHOUSE_PASSWORD", "env", "CLICKHOUSE_PASSWORD"},
		{"file:redis/password", "file", "redis/password"},
		{"plain-password", "", "plain-password"},
		{"env:", "", "env:"},
		{":key", "", ":key"},
	}
	for _, tt := range tests {
		p, k := ParseRef(tt.ref)
		if p != tt.wantProvider || k != tt.wantKey {
			t.Errorf("ParseRef(%q) = (%q, %q), want (%q, %q)", tt.ref, p, k, tt.wantProvider, tt.wantKey)
		}
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("KAFKA_SASL_PASSWORD", "s3cret")
	p := NewEnvProvider()

	got, err := p.Get(context.Background(), "kafka/sasl-password")
	if err != nil || got != "s3cret" {
		t.Errorf("Get() = %q, %v, want s3cret", got, err)
	}
	if _, err := p.Get(context.Background(), "RESPONDER_TEST_UNSET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get(unset) error = %v, want ErrSecretNotFound", err)
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "redis_password"), []byte("hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider(dir)

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{"trims newline", "redis_password", "hunter2", false},
		{"missing", "absent", "", true},
		{"escapes base dir", "../etc/passwd", "", true},
		{"absolute", "/etc/passwd", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Get(context.Background(), tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Get(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	t.Setenv("RESPONDER_TEST_SECRET", "from-env")
	r := NewResolver(Config{Dir: t.TempDir()}, nil)

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"env:RESPONDER_TEST_SECRET", "from-env", false},
		{"literal", "literal", false},
		{"localhost:6379", "localhost:6379", false},
		{"file:absent", "", true},
	}
	for _, tt := range tests {
		got, err := r.Resolve(context.Background(), tt.ref)
		if (err != nil) != tt.wantErr {
			t.Errorf("Resolve(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestResolver_Caches(t *testing.T) {
	r := NewResolver(Config{CacheSize: 4, CacheTTL: time.Hour}, nil)
	p := &countingProvider{value: "v"}
	r.Register(p)

	for i := 0; i < 3; i++ {
		if got, err := r.Resolve(context.Background(), "count:key"); err != nil || got != "v" {
			t.Fatalf("Resolve() = %q, %v", got, err)
		}
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}

	r.Purge()
	r.Resolve(context.Background(), "count:key")
	if p.calls != 2 {
		t.Errorf("provider calls after Purge = %d, want 2", p.calls)
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	t.Setenv("RESPONDER_TEST_PASSWORD", "pw")
	r := NewResolver(Config{Dir: t.TempDir()}, nil)

	password, empty, literal := "env:RESPONDER_TEST_PASSWORD", "", "plain"
	if err := r.ResolveAll(context.Background(), &password, &empty, nil, &literal); err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if password != "pw" || empty != "" || literal != "plain" {
		t.Errorf("fields = %q, %q, %q", password, empty, literal)
	}

	missing, after := "file:absent", "env:RESPONDER_TEST_PASSWORD"
	if err := r.ResolveAll(context.Background(), &missing, &after); err == nil {
		t.Fatal("ResolveAll() error = nil, want missing secret")
	}
	if after != "env:RESPONDER_TEST_PASSWORD" {
		t.Errorf("field after the failure was resolved: %q", after)
	}
}
