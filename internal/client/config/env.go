package config

import (
	"strconv"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/joho/godotenv"
)

// loadDotEnv reads .env into the process environment. A missing file is not
// an error, and variables already set are not overridden.
func loadDotEnv() {
	_ = godotenv.Load()
}

type lookupFunc func(key string) (string, bool)

// parseEnv overlays cfg with SHOTKEEPER_* variables. Malformed numbers or
// durations panic, like malformed JSON or flags.
func parseEnv(cfg *Config, lookup lookupFunc) {
	str := func(name string, dst *string) {
		if v, ok := lookup(common.EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(common.EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				panic(err)
			}
			*dst = d
		}
	}

	str("BACKEND", &cfg.BackendKind)
	str("SERVER_ADDR", &cfg.ServerEndpointAddr)
	str("ACCESS_TOKEN", &cfg.AccessToken)
	str("USER_ID", &cfg.UserID)
	str("DATABASE_PATH", &cfg.DatabasePath)
	str("FIRESTORE_PROJECT_ID", &cfg.FirestoreProjectID)
	str("FIRESTORE_CREDENTIALS", &cfg.FirestoreCredentialsPath)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	dur("ONLINE_CHECK_INTERVAL", &cfg.OnlineCheckInterval)
	dur("SUBMIT_TIMEOUT", &cfg.SubmitTimeout)

	if v, ok := lookup(common.EnvPrefix + "STORAGE_QUOTA_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			panic(err)
		}
		cfg.StorageQuotaBytes = n
	}
	if v, ok := lookup(common.EnvPrefix + "BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			panic(err)
		}
		cfg.BatchSize = n
	}
	if v, ok := lookup(common.EnvPrefix + "SUBMIT_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			panic(err)
		}
		cfg.SubmitRatePerSecond = f
	}
}
