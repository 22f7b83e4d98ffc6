// Package config loads runtime configuration for the shotkeeper CLI.
//
// Sources, later ones overriding earlier ones:
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Environment variables prefixed with SHOTKEEPER_, after loading an
//     optional .env file from the working directory.
//  3. Optional JSON file selected with -c or -config.
//  4. Command-line flags.
//
// JSON example:
//
//	{
//	  "backend": "grpc",
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "online_check_interval": "3s",
//	  "submit_timeout": "10s"
//	}
package config

import (
	"os"
	"time"
)

const (
	BackendGRPC      = "grpc"
	BackendFirestore = "firestore"
	// BackendMemory keeps all data in the process; useful for demos.
	BackendMemory = "memory"
)

// Config holds the client settings.
type Config struct {
	BackendKind        string
	ServerEndpointAddr string
	AccessToken        string
	UserID             string

	DatabasePath      string
	StorageQuotaBytes int64

	OnlineCheckInterval time.Duration
	SubmitTimeout       time.Duration
	BatchSize           int
	SubmitRatePerSecond float64

	FirestoreProjectID       string
	FirestoreCredentialsPath string

	LogLevel  string
	LogFormat string
}

// LoadDefaults populates c with development defaults.
func (c *Config) LoadDefaults() {
	c.BackendKind = BackendGRPC
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.DatabasePath = "shotkeeper.db"
	c.StorageQuotaBytes = 5 << 20
	c.OnlineCheckInterval = 3 * time.Second
	c.SubmitTimeout = 10 * time.Second
	c.BatchSize = 50
	c.SubmitRatePerSecond = 10
	c.LogLevel = "info"
	c.LogFormat = "json"
}

// LoadConfig builds a Config from defaults, environment, JSON and flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	loadDotEnv()
	parseEnv(cfg, os.LookupEnv)
	parseJson(cfg, os.Args[1:])
	parseFlags(cfg, os.Args[1:])
	return cfg
}
