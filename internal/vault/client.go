package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// DefaultTimeout bounds every Vault request.
const DefaultTimeout = 10 * time.Second

// DefaultMount is the KV v2 mount used when none is configured.
const DefaultMount = "secret"

// Client reads KV v2 secrets with token authentication.
type Client struct {
	api    *vaultapi.Client
	logger observability.Logger
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
	logger  observability.Logger
}

// WithTimeout sets the per request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// New creates a client for the Vault server at address using token.
func New(address, token string, opts ...ClientOption) (*Client, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidConfig)
	}

	o := clientOptions{timeout: DefaultTimeout, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = address
	apiConfig.Timeout = o.timeout

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, NewVaultErrorWithCause("init", "", "failed to create vault client", err)
	}
	api.SetToken(token)

	return &Client{api: api, logger: o.logger}, nil
}

// ReadKV2 returns the data of the latest version of the secret at path in
// the KV v2 engine mounted at mount.
func (c *Client) ReadKV2(ctx context.Context, mount, path string) (map[string]any, error) {
	if path == "" {
		return nil, NewVaultError("kv_read", "", "path is required")
	}
	if mount == "" {
		mount = DefaultMount
	}

	fullPath := strings.Trim(mount, "/") + "/data/" + strings.Trim(path, "/")
	start := time.Now()

	secret, err := c.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		recordRequest("kv_read", "error", time.Since(start))
		return nil, NewVaultErrorWithCause("kv_read", fullPath, "failed to read secret", err)
	}
	if secret == nil || secret.Data == nil {
		recordRequest("kv_read", "not_found", time.Since(start))
		return nil, NewVaultErrorWithCause("kv_read", fullPath, "no data", ErrSecretNotFound)
	}

	// Deleted KV v2 versions answer with data: null.
	data, ok := secret.Data["data"].(map[string]any)
	if !ok || data == nil {
		recordRequest("kv_read", "not_found", time.Since(start))
		return nil, NewVaultErrorWithCause("kv_read", fullPath, "no data", ErrSecretNotFound)
	}

	recordRequest("kv_read", "success", time.Since(start))
	c.logger.Debug("secret read", observability.String("path", fullPath))
	return data, nil
}

// ReadString returns one string value of a KV v2 secret.
func (c *Client) ReadString(ctx context.Context, mount, path, key string) (string, error) {
	data, err := c.ReadKV2(ctx, mount, path)
	if err != nil {
		return "", err
	}
	v, ok := data[key].(string)
	if !ok {
		return "", NewVaultErrorWithCause("kv_read", path, fmt.Sprintf("key %q", key), ErrKeyNotFound)
	}
	return v, nil
}

// ResolvePassword reads the secret src points at. The key defaults to
// "password".
func ResolvePassword(ctx context.Context, src *config.VaultSource, opts ...ClientOption) (string, error) {
	if src == nil {
		return "", fmt.Errorf("%w: no vault source", ErrInvalidConfig)
	}
	client, err := New(src.Address, src.Token, opts...)
	if err != nil {
		return "", err
	}

	key := src.Key
	if key == "" {
		key = "password"
	}
	return client.ReadString(ctx, src.Mount, src.Path, key)
}
