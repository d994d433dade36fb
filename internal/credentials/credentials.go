// Package credentials resolves exchange API credentials from credential files,
// environment variables or a Vault KV store. Values are never logged.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"powertrader/internal/ports"
)

// Field names shared by every source.
const (
	FieldAPIKey    = "api_key"
	FieldAPISecret = "api_secret"
)

const placeholderPrefix = "PLACEHOLDER"

// Credentials for one exchange. Secret is an HMAC secret, a PEM EC key or a
// base64 Ed25519 seed depending on the exchange.
type Credentials struct {
	APIKey string
	Secret string
}

// Complete reports whether both fields are present.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.Secret != ""
}

// String never reveals values.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{api_key_set=%t, secret_set=%t}", c.APIKey != "", c.Secret != "")
}

// Source yields credentials for an exchange. ok is false when the source has
// nothing (complete) for it.
type Source interface {
	Name() string
	Load(ctx context.Context, exchange string) (creds Credentials, ok bool, err error)
}

// FileSource reads <Dir>/<exchange>_<field>.txt.
type FileSource struct {
	Dir string
}

func (s FileSource) Name() string { return "file" }

func (s FileSource) Load(_ context.Context, exchange string) (Credentials, bool, error) {
	read := func(field string) string {
		b, err := os.ReadFile(filepath.Join(s.Dir, fmt.Sprintf("%s_%s.txt", exchange, field)))
		if err != nil {
			return ""
		}
		return clean(string(b))
	}
	c := Credentials{APIKey: read(FieldAPIKey), Secret: read(FieldAPISecret)}
	return c, c.Complete(), nil
}

// EnvSource reads <EXCHANGE>_API_KEY and <EXCHANGE>_API_SECRET.
type EnvSource struct {
	Lookup func(string) (string, bool)
}

func (s EnvSource) Name() string { return "env" }

func (s EnvSource) Load(_ context.Context, exchange string) (Credentials, bool, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(field string) string {
		v, _ := lookup(strings.ToUpper(exchange + "_" + field))
		return clean(v)
	}
	c := Credentials{APIKey: get(FieldAPIKey), Secret: get(FieldAPISecret)}
	return c, c.Complete(), nil
}

func clean(v string) string {
	v = strings.TrimSpace(strings.TrimPrefix(v, "\ufeff"))
	if strings.HasPrefix(v, placeholderPrefix) {
		return ""
	}
	return v
}

// Loader tries sources in order and returns the first complete set.
type Loader struct {
	sources []Source
	logger  ports.Logger
}

// NewLoader builds a loader over sources.
func NewLoader(logger ports.Logger, sources ...Source) *Loader {
	return &Loader{sources: sources, logger: logger}
}

// Load returns credentials for exchange or an error wrapping ErrConfigurationError.
func (l *Loader) Load(ctx context.Context, exchange string) (Credentials, error) {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	for _, src := range l.sources {
		creds, ok, err := src.Load(ctx, exchange)
		if err != nil {
			l.logger.Warn(ctx, "credential source failed", map[string]interface{}{
				"source": src.Name(), "exchange": exchange, "error": err,
			})
			continue
		}
		if ok {
			l.logger.Info(ctx, "credentials loaded", map[string]interface{}{
				"source": src.Name(), "exchange": exchange,
			})
			return creds, nil
		}
	}
	return Credentials{}, fmt.Errorf("load credentials for %s: %w: no complete credentials found", exchange, ports.ErrConfigurationError)
}
