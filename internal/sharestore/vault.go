package sharestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig configures a Vault KV v2 share store.
// Either Token or RoleID and SecretID (AppRole) must be set.
type VaultConfig struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
	// Mount is the KV v2 mount path, "secret" by default
	Mount string
	// Path is the prefix under the mount that holds user records
	Path string
}

func (c VaultConfig) mount() string {
	if c.Mount == "" {
		return "secret"
	}
	return strings.Trim(c.Mount, "/")
}

// LocationURI describes the store target
func (c VaultConfig) LocationURI() string {
	return fmt.Sprintf("vault://%s/%s/%s", strings.TrimSuffix(c.Address, "/"), c.mount(), strings.Trim(c.Path, "/"))
}

// Vault stores share records in a HashiCorp Vault KV v2 engine.
// Record versions are KV v2 secret versions and Update uses check-and-set.
type Vault struct {
	client   *vault.Client
	mount    string
	path     string
	log      *slog.Logger
	location string
}

// NewVaultConnector returns a connector that builds the client and authenticates it
func NewVaultConnector(cfg VaultConfig, log *slog.Logger) Connector {
	return func(ctx context.Context) (Backend, error) {
		return NewVault(ctx, cfg, log)
	}
}

// NewVault creates a Vault backend and authenticates with a token or AppRole
func NewVault(ctx context.Context, cfg VaultConfig, log *slog.Logger) (*Vault, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrConfiguration)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: vault path is required", ErrConfiguration)
	}
	if cfg.Token == "" && (cfg.RoleID == "" || cfg.SecretID == "") {
		return nil, fmt.Errorf("%w: vault token or approle role id and secret id are required", ErrConfiguration)
	}
	if log == nil {
		log = slog.Default()
	}

	config := vault.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}
	config.MaxRetries = 0

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create vault client: %v", ErrConfiguration, err)
	}
	client.ClearNamespace()

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
		if _, err := client.Auth().Token().LookupSelfWithContext(ctx); err != nil {
			return nil, authError("vault token authentication failed", err)
		}
	} else {
		secret, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, authError("vault approle login failed", err)
		}
		if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
			return nil, fmt.Errorf("%w: vault approle login returned no token", ErrConfiguration)
		}
		client.SetToken(secret.Auth.ClientToken)
	}

	return &Vault{
		client:   client,
		mount:    cfg.mount(),
		path:     strings.Trim(cfg.Path, "/"),
		log:      log,
		location: cfg.LocationURI(),
	}, nil
}

// recordKey maps a user id onto a single path segment. Base64url output holds
// no '/', '.' or '%', so no id can leave the configured path or alias another.
func recordKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func (v *Vault) dataPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s", v.mount, v.path, recordKey(userID))
}

func (v *Vault) metadataPath(userID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", v.mount, v.path, recordKey(userID))
}

// authError marks a rejected login as a configuration error. Anything that
// never got a 4xx answer (refused, timed out, 5xx) stays a plain error.
func authError(msg string, err error) error {
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode >= 400 && respErr.StatusCode < 500 {
		return fmt.Errorf("%w: %s: %v", ErrConfiguration, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Save implements Backend
func (v *Vault) Save(ctx context.Context, userID string, value []byte) (int64, error) {
	return v.write(ctx, userID, value, nil)
}

// Get implements Backend
func (v *Vault) Get(ctx context.Context, userID string) (*Record, error) {
	path := v.dataPath(userID)

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Error("failed to read from vault", slog.String("path", path), "error", err)
		return nil, fmt.Errorf("vault read failed: %w", err)
	}
	// Missing and deleted secrets both come back without data
	if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in vault response")
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("value key not found in vault data")
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid value encoding in vault data: %w", err)
	}

	metadata, ok := secret.Data["metadata"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metadata not found in vault response")
	}
	version, err := parseVersion(metadata["version"])
	if err != nil {
		return nil, err
	}

	return &Record{Value: value, Version: version}, nil
}

// Update implements Backend with KV v2 check-and-set
func (v *Vault) Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error) {
	version, err := v.write(ctx, userID, value, map[string]interface{}{"cas": expectedVersion})
	if err == nil {
		return version, nil
	}
	if !isCASMismatch(err) {
		return 0, err
	}

	if _, getErr := v.Get(ctx, userID); getErr != nil {
		return 0, getErr
	}
	return 0, ErrVersionConflict
}

// Delete removes all versions and metadata for userID
func (v *Vault) Delete(ctx context.Context, userID string) error {
	path := v.metadataPath(userID)
	if _, err := v.client.Logical().DeleteWithContext(ctx, path); err != nil {
		v.log.Error("failed to delete from vault", slog.String("path", path), "error", err)
		return fmt.Errorf("vault delete failed: %w", err)
	}
	return nil
}

// LocationURI implements Locator
func (v *Vault) LocationURI() string {
	return v.location
}

func (v *Vault) write(ctx context.Context, userID string, value []byte, options map[string]interface{}) (int64, error) {
	path := v.dataPath(userID)

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	}
	if options != nil {
		body["options"] = options
	}

	secret, err := v.client.Logical().WriteWithContext(ctx, path, body)
	if err != nil {
		if !isCASMismatch(err) {
			v.log.Error("failed to write to vault", slog.String("path", path), "error", err)
		}
		return 0, fmt.Errorf("vault write failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return 0, fmt.Errorf("vault write returned empty response")
	}

	return parseVersion(secret.Data["version"])
}

func isCASMismatch(err error) bool {
	var respErr *vault.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, e := range respErr.Errors {
		if strings.Contains(e, "check-and-set") {
			return true
		}
	}
	return false
}

func parseVersion(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected vault version %v", raw)
	}
}
