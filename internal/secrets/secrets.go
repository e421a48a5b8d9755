// Package secrets resolves credential references in configuration values.
//
// A value of the form "env:NAME" is read from the environment and a value
// of the form "file:NAME" is read from a file under the configured secrets
// directory (Docker and Kubernetes mounted secrets). Any other value is
// used literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrSecretNotFound is returned when a referenced secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Provider looks up secrets by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (e *EnvProvider) Name() string { return "env" }

// Get returns the variable named key. Keys are upper-cased and '/', '.'
// and '-' become '_'.
func (e *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := e.lookup(normalizeEnvKey(key))
	if !ok || v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func normalizeEnvKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(key))
}

// FileProvider reads secrets from files in a directory.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a provider rooted at baseDir.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

func (f *FileProvider) Name() string { return "file" }

// Get returns the contents of baseDir/key without trailing newlines. Keys
// may not leave baseDir.
func (f *FileProvider) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Clean(key)
	if name == "." || filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}

	data, err := os.ReadFile(filepath.Join(f.baseDir, name))
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Config holds resolver settings.
type Config struct {
	Dir       string        `yaml:"dir"` // base directory for file: references
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default resolver settings.
func DefaultConfig() Config {
	return Config{
		Dir:       "/run/secrets",
		CacheSize: 128,
		CacheTTL:  5 * time.Minute,
	}
}

// Resolver resolves references against registered providers and caches
// the results.
type Resolver struct {
	providers map[string]Provider
	cache     *expirable.LRU[string, string]
	logger    *slog.Logger
}

// NewResolver creates a resolver with the env and file providers.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		providers: make(map[string]Provider),
		cache:     expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:    logger,
	}
	r.Register(NewEnvProvider())
	r.Register(NewFileProvider(cfg.Dir))
	return r
}

// Register adds or replaces a provider under its name.
func (r *Resolver) Register(p Provider) {
	r.providers[p.Name()] = p
}

// ParseRef splits "provider:key". Values that cannot be a reference
// return an empty provider and the value as key.
func ParseRef(ref string) (provider, key string) {
	name, rest, ok := strings.Cut(ref, ":")
	if !ok || name == "" || rest == "" || strings.ContainsAny(name, "/ ") {
		return "", ref
	}
	return name, rest
}

// Resolve returns the secret for ref, or ref itself when it is not a
// reference to a registered provider.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	name, key := ParseRef(ref)
	if name == "" {
		return ref, nil
	}
	p, ok := r.providers[name]
	if !ok {
		// "host:port" style literals are not references
		return ref, nil
	}

	if v, ok := r.cache.Get(ref); ok {
		return v, nil
	}
	v, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s secret %q: %w", name, key, err)
	}
	r.cache.Add(ref, v)
	r.logger.Debug("resolved secret", "provider", name, "key", key)
	return v, nil
}

// ResolveAll resolves every non-empty field in place. The first failure
// is returned and later fields are left untouched.
func (r *Resolver) ResolveAll(ctx context.Context, fields ...*string) error {
	for _, f := range fields {
		if f == nil || *f == "" {
			continue
		}
		v, err := r.Resolve(ctx, *f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// Purge drops every cached secret.
func (r *Resolver) Purge() {
	r.cache.Purge()
}
