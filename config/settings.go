package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Settings holds all runtime configuration, loaded from the environment.
type Settings struct {
	// Environment is "production" or a development value; production
	// tightens the encryption key policy.
	Environment string

	ListenAddr string

	// Database
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string

	// Ledger RPC
	RPCURL          string
	ChainID         int64
	FinalityTimeout time.Duration
	FunderKey       string
	CreatorKey      string
	AdminKey        string

	// Vote casting
	EncryptionKey string
	MinFeeWei     *big.Int
	CodeTTL       time.Duration
	TreeCacheTTL  time.Duration
}

// Production reports whether the production key policy applies.
func (s *Settings) Production() bool {
	return s.Environment == "production"
}

// Load reads settings from the environment, applying development
// defaults with warnings where a value is missing.
func Load() (*Settings, error) {
	s := &Settings{
		Environment:     getEnv("ENVIRONMENT", "development"),
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		DatabaseDriver:  getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "file:voting.db"),
		RPCURL:          getEnv("LEDGER_RPC_URL", "http://localhost:8545"),
		FunderKey:       os.Getenv("FUNDER_KEY"),
		CreatorKey:      os.Getenv("ELECTION_CREATOR_KEY"),
		AdminKey:        os.Getenv("ADMIN_KEY"),
		EncryptionKey:   os.Getenv("ENCRYPTION_KEY"),
		FinalityTimeout: getEnvDuration("LEDGER_FINALITY_TIMEOUT", 2*time.Minute),
		CodeTTL:         getEnvDuration("CODE_TTL", 5*time.Minute),
		TreeCacheTTL:    getEnvDuration("TREE_CACHE_TTL", time.Minute),
	}

	chainID, err := getEnvInt64("LEDGER_CHAIN_ID", 1337)
	if err != nil {
		return nil, err
	}
	s.ChainID = chainID

	minFee := getEnv("MIN_FEE_WEI", "0")
	fee, ok := new(big.Int).SetString(minFee, 10)
	if !ok {
		return nil, fmt.Errorf("MIN_FEE_WEI %q is not a valid integer", minFee)
	}
	s.MinFeeWei = fee

	switch s.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", s.DatabaseDriver)
	}

	if s.Production() && s.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required in production")
	}

	return s, nil
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	log.WithFields(log.Fields{"name": name, "fallback": fallback}).
		Debug("environment variable not set, using fallback")
	return fallback
}

func getEnvDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithFields(log.Fields{"name": name, "value": v, "fallback": fallback}).
			Warn("invalid duration in environment, using fallback")
		return fallback
	}
	return d
}

func getEnvInt64(name string, fallback int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a valid integer", name, v)
	}
	return n, nil
}
