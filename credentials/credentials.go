// Package credentials renders a secrets template and merges the result into
// the nodestore configuration, keeping secrets out of the YAML file.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/wolfeidau/nodestore/config"
)

// maxInputSize bounds both the template and its rendered output.
const maxInputSize = 1 << 20

// Credentials holds secrets resolved from a template file. Non-empty values
// replace the matching fields of the YAML config.
type Credentials struct {
	// AuthToken is the Bearer token required by the node API.
	AuthToken string          `json:"auth_token,omitempty"`
	Primary   *PrimarySecrets `json:"primary,omitempty"`
	Archive   *ArchiveSecrets `json:"archive,omitempty"`
}

// PrimarySecrets holds the primary tier connection string, which usually embeds a password.
type PrimarySecrets struct {
	URL string `json:"url,omitempty"`
}

// ArchiveSecrets holds static credentials for the S3 archive.
type ArchiveSecrets struct {
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// Apply copies every non-empty secret onto cfg.
func (c *Credentials) Apply(cfg *config.Config) {
	if c.AuthToken != "" {
		cfg.Server.AuthToken = c.AuthToken
	}
	if c.Primary != nil && c.Primary.URL != "" {
		cfg.Primary.URL = c.Primary.URL
	}
	if c.Archive != nil {
		if c.Archive.AccessKeyID != "" {
			cfg.Archive.AccessKeyID = c.Archive.AccessKeyID
		}
		if c.Archive.SecretAccessKey != "" {
			cfg.Archive.SecretAccessKey = c.Archive.SecretAccessKey
		}
	}
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template. Besides the registered providers,
// templates can call env, file and json.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver with the built-in functions and opts applied.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r.logger.Debug("resolving credentials", "path", path)
	return r.ResolveReader(ctx, f)
}

// ApplyFile resolves the template at path and merges it into cfg.
func (r *Resolver) ApplyFile(ctx context.Context, path string, cfg *config.Config) error {
	creds, err := r.ResolveFile(ctx, path)
	if err != nil {
		return err
	}
	creds.Apply(cfg)
	return nil
}

// ResolveReader renders the template read from src and decodes the result.
// Unknown keys are rejected so a misspelt secret is not silently dropped.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	text, err := io.ReadAll(io.LimitReader(src, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(text) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	rendered, err := r.render(ctx, string(text))
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(rendered))
	dec.DisallowUnknownFields()
	var creds Credentials
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("decoding rendered credentials: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxInputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxInputSize)
	}
	return buf.Bytes(), nil
}

// funcs returns the template functions for one render. Provider lookups are
// cached for the render so a reference used twice is fetched once.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env":  lookupEnv,
		"file": readSecretFile,
		"json": quoteJSON,
	}

	seen := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := seen[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			r.logger.Debug("secret resolved", "provider", name, "ref", ref)
			seen[key] = val
			return val, nil
		}
	}
	return fm
}

func lookupEnv(key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", key)
	}
	return val, nil
}

// readSecretFile reads a mounted secret, trimming the trailing newline most
// secret stores add.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func quoteJSON(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("quoting value: %w", err)
	}
	return string(b), nil
}
