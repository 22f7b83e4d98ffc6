package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/flagx"
)

// parseFlags overlays cfg with command-line flags.
//
//	-a string   backend gRPC address
//	-i int      online check interval, seconds
//	-b string   backend kind: grpc, firestore or memory
//	-u string   user id to act as
//	-t string   access token
//	-d string   local database path
//	-l string   log level
//
// Unknown flags are filtered out first, so other components can define
// their own. A malformed value panics.
func parseFlags(cfg *Config, args []string) {
	args = flagx.FilterArgs(args, []string{"-a", "-i", "-b", "-u", "-t", "-d", "-l"})

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port of the backend")
	interval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	fs.StringVar(&cfg.BackendKind, "b", cfg.BackendKind, "backend kind (grpc|firestore|memory)")
	fs.StringVar(&cfg.UserID, "u", cfg.UserID, "user id")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "local database path")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*interval) * time.Second
}
