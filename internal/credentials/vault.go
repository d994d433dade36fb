package credentials

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// VaultConfig locates exchange secrets in a KV v2 engine at
// <MountPath>/data/<SecretPath>/<exchange>.
type VaultConfig struct {
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// VaultSource reads credentials from Vault.
type VaultSource struct {
	client *api.Client
	cfg    VaultConfig
}

// NewVaultSource creates a Vault-backed source.
func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "powertrader"
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultSource{client: client, cfg: cfg}, nil
}

func (s *VaultSource) Name() string { return "vault" }

func (s *VaultSource) Load(ctx context.Context, exchange string) (Credentials, bool, error) {
	path := fmt.Sprintf("%s/data/%s/%s", strings.Trim(s.cfg.MountPath, "/"), strings.Trim(s.cfg.SecretPath, "/"), exchange)
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, false, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, false, fmt.Errorf("invalid secret format")
	}

	c := Credentials{
		APIKey: clean(getString(data, FieldAPIKey)),
		Secret: clean(getString(data, FieldAPISecret)),
	}
	if c.Secret == "" {
		c.Secret = clean(getString(data, "secret_key"))
	}
	return c, c.Complete(), nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
