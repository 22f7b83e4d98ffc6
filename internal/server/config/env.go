package config

import (
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/joho/godotenv"
)

func loadDotEnv() {
	_ = godotenv.Load()
}

type lookupFunc func(key string) (string, bool)

// parseEnv overlays cfg with SHOTKEEPER_* variables. Malformed durations panic.
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

	str("GRPC_ADDR", &cfg.EndpointAddrGRPC)
	str("DATABASE_DSN", &cfg.DatabaseDSN)
	str("SECRET_KEY", &cfg.SecretKey)
	str("S3_ROOT_USER", &cfg.S3RootUser)
	str("S3_ROOT_PASSWORD", &cfg.S3RootPassword)
	str("S3_BUCKET", &cfg.S3Bucket)
	str("S3_REGION", &cfg.S3Region)
	str("S3_BASE_ENDPOINT", &cfg.S3BaseEndpoint)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	dur("ACCESS_TOKEN_VALIDITY", &cfg.AccessTokenValidityDuration)
	dur("ARCHIVE_INTERVAL", &cfg.ArchiveInterval)
}
