package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/shotkeeper/internal/flagx"
	"github.com/dmitrijs2005/shotkeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Only fields present in
// the file override the current values.
type JsonConfig struct {
	BackendKind              *string         `json:"backend"`
	ServerEndpointAddr       *string         `json:"server_endpoint_addr"`
	AccessToken              *string         `json:"access_token"`
	UserID                   *string         `json:"user_id"`
	DatabasePath             *string         `json:"database_path"`
	StorageQuotaBytes        *int64          `json:"storage_quota_bytes"`
	OnlineCheckInterval      *timex.Duration `json:"online_check_interval"`
	SubmitTimeout            *timex.Duration `json:"submit_timeout"`
	BatchSize                *int            `json:"batch_size"`
	SubmitRatePerSecond      *float64        `json:"submit_rate_per_second"`
	FirestoreProjectID       *string         `json:"firestore_project_id"`
	FirestoreCredentialsPath *string         `json:"firestore_credentials_path"`
	LogLevel                 *string         `json:"log_level"`
	LogFormat                *string         `json:"log_format"`
}

// parseJson overlays cfg with the file named by -c/-config in args.
// Panics on read or decode errors.
func parseJson(cfg *Config, args []string) {
	path := flagx.ConfigPath(args)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	set(&cfg.BackendKind, jc.BackendKind)
	set(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	set(&cfg.AccessToken, jc.AccessToken)
	set(&cfg.UserID, jc.UserID)
	set(&cfg.DatabasePath, jc.DatabasePath)
	set(&cfg.StorageQuotaBytes, jc.StorageQuotaBytes)
	set(&cfg.BatchSize, jc.BatchSize)
	set(&cfg.SubmitRatePerSecond, jc.SubmitRatePerSecond)
	set(&cfg.FirestoreProjectID, jc.FirestoreProjectID)
	set(&cfg.FirestoreCredentialsPath, jc.FirestoreCredentialsPath)
	set(&cfg.LogLevel, jc.LogLevel)
	set(&cfg.LogFormat, jc.LogFormat)
	if jc.OnlineCheckInterval != nil {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	if jc.SubmitTimeout != nil {
		cfg.SubmitTimeout = jc.SubmitTimeout.Duration
	}
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
