// Package config loads service settings from the environment with a
// flattened YAML file as fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// ProgramsConfig names the on-chain programs and the margin group every
// service works against.
type ProgramsConfig struct {
	MangoProgramID solana.PublicKey
	MangoGroup     solana.PublicKey
	DexProgramID   solana.PublicKey
}

type KeeperConfig struct {
	Chain               chain.Config
	Programs            ProgramsConfig
	KeypairPath         string
	PollInterval        time.Duration
	BankRefreshInterval time.Duration
	BatchSize           int
	Concurrency         int
	// DBDSN enables the dispatch journal when set.
	DBDSN       string
	MetricsAddr string
	Log         LogConfig
}

type APIServerConfig struct {
	ListenAddr     string
	Chain          chain.Config
	Programs       ProgramsConfig
	WrapRentBuffer uint64
	// KeeperKeypairPath enables a cache refresh before each action when set.
	KeeperKeypairPath   string
	BankRefreshInterval time.Duration
	KeeperBatchSize     int
	KeeperConcurrency   int
	DBDSN               string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	AllowedOrigins      []string
	Log                 LogConfig
}

const (
	defaultMangoProgramID = "mv3ekLzLbnVPNxjSKvqBpU3ZeZXPQdEC3bp5MDEBG68"
	defaultMangoGroup     = "98pjRuQjK3qA6gXts96PqZT4Ze5QmnCmt3QYjhbUSPue"
	defaultDexProgramID   = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

	defaultRentBuffer = 10_000_000
)

func LoadKeeperConfig() (KeeperConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return KeeperConfig{}, err
	}

	chainCfg, err := loadChainConfig("KEEPER")
	if err != nil {
		return KeeperConfig{}, err
	}
	programs, err := loadProgramsConfig()
	if err != nil {
		return KeeperConfig{}, err
	}

	keypairPath, err := loadKeypairPath("KEEPER_KEYPAIR_PATH", "~/.config/solana/id.json")
	if err != nil {
		return KeeperConfig{}, err
	}

	pollInterval, err := envDuration("KEEPER_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}
	bankInterval, err := envDuration("KEEPER_BANK_REFRESH_INTERVAL", 5*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}
	batchSize, err := envInt("KEEPER_BATCH_SIZE", 8)
	if err != nil {
		return KeeperConfig{}, err
	}
	if batchSize > 8 {
		return KeeperConfig{}, fmt.Errorf("invalid KEEPER_BATCH_SIZE: must be <= 8")
	}
	concurrency, err := envInt("KEEPER_CONCURRENCY", 4)
	if err != nil {
		return KeeperConfig{}, err
	}

	return KeeperConfig{
		Chain:               chainCfg,
		Programs:            programs,
		KeypairPath:         keypairPath,
		PollInterval:        pollInterval,
		BankRefreshInterval: bankInterval,
		BatchSize:           batchSize,
		Concurrency:         concurrency,
		DBDSN:               envOrDefault("KEEPER_DB_DSN", ""),
		MetricsAddr:         envOrDefault("KEEPER_METRICS_ADDR", ":9102"),
		Log:                 buildLogConfig("KEEPER", "keeper"),
	}, nil
}

func LoadAPIServerConfig() (APIServerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return APIServerConfig{}, err
	}

	chainCfg, err := loadChainConfig("API_SERVER")
	if err != nil {
		return APIServerConfig{}, err
	}
	programs, err := loadProgramsConfig()
	if err != nil {
		return APIServerConfig{}, err
	}

	var keeperKeypair string
	if raw := envOrDefault("API_SERVER_KEEPER_KEYPAIR_PATH", ""); raw != "" {
		if keeperKeypair, err = expandHomePath(raw); err != nil {
			return APIServerConfig{}, fmt.Errorf("expand keeper keypair path: %w", err)
		}
	}
	bankInterval, err := envDuration("KEEPER_BANK_REFRESH_INTERVAL", 5*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	batchSize, err := envInt("KEEPER_BATCH_SIZE", 8)
	if err != nil {
		return APIServerConfig{}, err
	}
	concurrency, err := envInt("KEEPER_CONCURRENCY", 4)
	if err != nil {
		return APIServerConfig{}, err
	}
	rentBuffer, err := envUint64("WRAP_RENT_BUFFER_LAMPORTS", defaultRentBuffer)
	if err != nil {
		return APIServerConfig{}, err
	}

	readTimeout, err := envDuration("API_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	writeTimeout, err := envDuration("API_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	idleTimeout, err := envDuration("API_SERVER_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}

	allowedOrigins := parseCSVEnv(
		envOrDefault("API_SERVER_ALLOWED_ORIGINS", "*"),
		[]string{"*"},
	)

	return APIServerConfig{
		ListenAddr:          envOrDefault("API_SERVER_LISTEN_ADDR", ":8080"),
		Chain:               chainCfg,
		Programs:            programs,
		WrapRentBuffer:      rentBuffer,
		KeeperKeypairPath:   keeperKeypair,
		BankRefreshInterval: bankInterval,
		KeeperBatchSize:     batchSize,
		KeeperConcurrency:   concurrency,
		DBDSN:               envOrDefault("API_SERVER_DB_DSN", envOrDefault("KEEPER_DB_DSN", "")),
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
		IdleTimeout:         idleTimeout,
		AllowedOrigins:      allowedOrigins,
		Log:                 buildLogConfig("API_SERVER", "api-server"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

// loadChainConfig reads the RPC settings. Service-prefixed keys win over
// the shared SOLANA_* ones.
func loadChainConfig(prefix string) (chain.Config, error) {
	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return chain.Config{}, err
	}
	txTimeout, err := envDuration(prefix+"_TX_TIMEOUT", 30*time.Second)
	if err != nil {
		return chain.Config{}, err
	}
	skipPreflight, err := envBool(prefix+"_SKIP_PREFLIGHT", false)
	if err != nil {
		return chain.Config{}, err
	}
	maxRetries, err := envOptionalUint(prefix + "_MAX_RETRIES")
	if err != nil {
		return chain.Config{}, err
	}
	cuLimit, err := envUint32(prefix+"_COMPUTE_UNIT_LIMIT", 0)
	if err != nil {
		return chain.Config{}, err
	}
	cuPrice, err := envUint64(prefix+"_COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 0)
	if err != nil {
		return chain.Config{}, err
	}
	rps, err := envFloat64("SOLANA_RPC_REQUESTS_PER_SECOND", 0)
	if err != nil {
		return chain.Config{}, err
	}
	burst, err := envInt("SOLANA_RPC_BURST", 1)
	if err != nil {
		return chain.Config{}, err
	}

	return chain.Config{
		RPCURL:                        envOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		Commitment:                    commitment,
		SkipPreflight:                 skipPreflight,
		MaxRetries:                    maxRetries,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
		TxTimeout:                     txTimeout,
		RequestsPerSecond:             rps,
		RequestBurst:                  burst,
	}, nil
}

func loadProgramsConfig() (ProgramsConfig, error) {
	mangoProgram, err := envPubkey("MANGO_PROGRAM_ID", defaultMangoProgramID)
	if err != nil {
		return ProgramsConfig{}, err
	}
	mangoGroup, err := envPubkey("MANGO_GROUP", defaultMangoGroup)
	if err != nil {
		return ProgramsConfig{}, err
	}
	dexProgram, err := envPubkey("SERUM_DEX_PROGRAM_ID", defaultDexProgramID)
	if err != nil {
		return ProgramsConfig{}, err
	}
	return ProgramsConfig{
		MangoProgramID: mangoProgram,
		MangoGroup:     mangoGroup,
		DexProgramID:   dexProgram,
	}, nil
}

func loadKeypairPath(key, fallback string) (string, error) {
	path := envOrDefault(key, envOrDefault("SOLANA_KEYPAIR_PATH", fallback))
	path = maybeUseLocalSecretKeypair(path)
	expanded, err := expandHomePath(path)
	if err != nil {
		return "", fmt.Errorf("expand keypair path: %w", err)
	}
	return expanded, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback string) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		raw = fallback
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envFloat64(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envOptionalUint(key string) (*uint, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	out := uint(v)
	return &out, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}

func maybeUseLocalSecretKeypair(current string) string {
	expandedCurrent, err := expandHomePath(current)
	if err != nil {
		return current
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return current
	}
	defaultHomePath := filepath.Join(homeDir, ".config", "solana", "id.json")
	if filepath.Clean(expandedCurrent) != filepath.Clean(defaultHomePath) {
		return current
	}

	for _, candidate := range []string{
		"../.local/secret/keeper-wallet.json",
		".local/secret/keeper-wallet.json",
	} {
		absoluteCandidate, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(absoluteCandidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		return absoluteCandidate
	}

	return current
}
