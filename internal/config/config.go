package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/better-wallet/share-custody/internal/kms"
	"github.com/better-wallet/share-custody/internal/sharestore"
	"github.com/better-wallet/share-custody/pkg/types"
)

// Config holds service configuration.
// Store credentials are not checked here; each store verifies them on first use.
type Config struct {
	// Server
	Port        int
	CORSOrigins []string

	// Logging
	LogFormat string
	LogLevel  string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     int
	RateLimitBurst   int

	// Custody
	EncryptionPolicy types.EncryptionPolicy

	// Share stores
	Hot  sharestore.StoreConfig
	Cold sharestore.StoreConfig
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnvInt("PORT", 3000),
		CORSOrigins:      getEnvList("CORS_ORIGIN", []string{"*"}),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		LogLevel:         getEnv("LOG_LEVEL", "INFO"),
		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     getEnvInt("RATE_LIMIT_RPS", 10),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 20),
		EncryptionPolicy: types.EncryptionPolicy(getEnv("ENCRYPTION_POLICY", string(types.PolicyEncryptAll))),
		Hot:              loadStore("HOT_", types.SlotHot),
		Cold:             loadStore("COLD_", types.SlotCold),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadStore(prefix string, slot types.Slot) sharestore.StoreConfig {
	vaultAddress := getEnv(prefix+"VAULT_ADDRESS", "")
	vaultToken := getEnv(prefix+"VAULT_TOKEN", "")

	return sharestore.StoreConfig{
		Name:    string(slot),
		Backend: getEnv(prefix+"STORE_BACKEND", types.StoreBackendMemory),
		Vault: sharestore.VaultConfig{
			Address:  vaultAddress,
			Token:    vaultToken,
			RoleID:   getEnv(prefix+"VAULT_ROLE_ID", ""),
			SecretID: getEnv(prefix+"VAULT_SECRET_ID", ""),
			Mount:    getEnv(prefix+"VAULT_MOUNT", "secret"),
			Path:     getEnv(prefix+"VAULT_PATH", "custody/"+string(slot)),
		},
		PostgresDSN: getEnv(prefix+"POSTGRES_DSN", ""),
		Seal: kms.Config{
			Provider:          getEnv(prefix+"SEAL_PROVIDER", types.SealProviderNone),
			LocalMasterKeyHex: getEnv(prefix+"SEAL_LOCAL_MASTER_KEY", ""),
			AWSKMSKeyID:       getEnv(prefix+"SEAL_AWS_KEY_ID", ""),
			AWSKMSRegion:      getEnv(prefix+"SEAL_AWS_REGION", ""),
			VaultAddress:      vaultAddress,
			VaultToken:        vaultToken,
			VaultTransitKey:   getEnv(prefix+"SEAL_VAULT_TRANSIT_KEY", ""),
			VaultMount:        getEnv(prefix+"SEAL_VAULT_MOUNT", "transit"),
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got: %d", c.Port)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'text', got: %s", c.LogFormat)
	}

	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	if !c.EncryptionPolicy.Valid() {
		return fmt.Errorf("ENCRYPTION_POLICY must be '%s' or '%s', got: %s",
			types.PolicyEncryptAll, types.PolicyEncryptColdOnly, c.EncryptionPolicy)
	}

	if err := validateStore("HOT_", c.Hot); err != nil {
		return err
	}
	return validateStore("COLD_", c.Cold)
}

func validateStore(prefix string, s sharestore.StoreConfig) error {
	switch s.Backend {
	case types.StoreBackendMemory, types.StoreBackendVault, types.StoreBackendPostgres:
	default:
		return fmt.Errorf("%sSTORE_BACKEND must be '%s', '%s' or '%s', got: %s", prefix,
			types.StoreBackendMemory, types.StoreBackendVault, types.StoreBackendPostgres, s.Backend)
	}

	switch s.Seal.Provider {
	case types.SealProviderNone, types.SealProviderLocal, types.SealProviderAWSKMS, types.SealProviderVault:
	default:
		return fmt.Errorf("%sSEAL_PROVIDER must be '%s', '%s', '%s' or '%s', got: %s", prefix,
			types.SealProviderNone, types.SealProviderLocal, types.SealProviderAWSKMS, types.SealProviderVault, s.Seal.Provider)
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvList gets a comma separated environment variable with a default value
func getEnvList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
