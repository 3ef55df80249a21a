// Package config declares the engine's kong-parsed CLI/environment
// configuration (SPEC_FULL.md "Configuration"), modeled directly on
// the teacher's own CLI struct (nar-bridge/cmd/nar-bridge-http,
// nar-bridge/cmd/nar_bridge): kong struct tags with `env:"..."`
// overrides, parsed once at process startup by cmd/pants / cmd/pantsd.
package config

import (
	"fmt"
	"runtime"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"
)

// Config is the engine's full runtime configuration (spec.md §6:
// cache root, parallelism, remote store/exec addresses, auth token
// path, platform constraints).
type Config struct {
	LogLevel string `enum:"trace,debug,info,warn,error,fatal,panic" help:"The log level to log with" env:"PANTS_LOG_LEVEL" default:"info"` //nolint:lll

	CacheRoot   string `name:"cache-root" help:"Root directory of the local content store and process cache" env:"PANTS_CACHE_ROOT" default:"~/.cache/corengine"`                     //nolint:lll
	QuotaBytes  int64  `name:"cache-quota-bytes" help:"Soft quota enforced by LRU eviction over the local store" env:"PANTS_CACHE_QUOTA_BYTES" default:"10737418240"`                 //nolint:lll
	Parallelism int64  `name:"parallelism" help:"Maximum concurrent process executions and node-graph workers" env:"PANTS_PARALLELISM" default:"0"`                                   //nolint:lll
	SandboxRoot string `name:"sandbox-root" help:"Root directory process sandboxes are materialized under" env:"PANTS_SANDBOX_ROOT" default:"~/.cache/corengine/sandboxes"`           //nolint:lll
	WatchRoot   string `name:"watch-root" help:"Root directory watched for source changes, empty to disable pantsd's filesystem watcher" env:"PANTS_WATCH_ROOT" default:""`         //nolint:lll

	RemoteStoreAddr string `name:"remote-store-addr" help:"gRPC address of a remote CAS mirror, empty to disable" env:"PANTS_REMOTE_STORE_ADDR" default:""`       //nolint:lll
	RemoteExecAddr  string `name:"remote-exec-addr" help:"gRPC address of a remote execution service, empty to disable" env:"PANTS_REMOTE_EXEC_ADDR" default:""` //nolint:lll
	AuthTokenPath   string `name:"auth-token-path" help:"Path to a bearer token attached to remote store/exec requests" env:"PANTS_AUTH_TOKEN_PATH" default:""`  //nolint:lll

	Platform string `name:"platform" help:"Platform constraint advertised to rule resolution and remote execution" env:"PANTS_PLATFORM" default:"linux_x86_64"` //nolint:lll

	DebugListenAddr string `name:"debug-listen-addr" help:"Address for the debug HTTP surface (/healthz, /metrics, timeline)" env:"PANTS_DEBUG_LISTEN_ADDR" default:"127.0.0.1:9792"` //nolint:lll
}

// ResolvedParallelism returns Parallelism, or GOMAXPROCS when unset
// (zero), matching spec.md §5's "bounded by configured parallelism,
// default to the host's available concurrency" guidance.
func (c Config) ResolvedParallelism() int64 {
	if c.Parallelism > 0 {
		return c.Parallelism
	}
	return int64(runtime.GOMAXPROCS(0))
}

// Parse parses args (typically os.Args[1:]) into a Config via kong,
// setting logrus's level as a side effect (matching the teacher's own
// main() sequence in nar-bridge/cmd/nar-bridge-http).
func Parse(name, description string, args []string) (Config, error) {
	var cfg Config
	parser, err := kong.New(&cfg, kong.Name(name), kong.Description(description))
	if err != nil {
		return Config{}, fmt.Errorf("building CLI parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parsing CLI arguments: %w", err)
	}
	if err := ApplyLogLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseInto parses args into target, a caller-defined CLI struct that
// embeds Config (`config.Config \`embed:""\``) alongside its own
// positional arguments or subcommands — cmd/pants uses this to add a
// positional source-file argument that a bare Config has no field for.
// Unlike Parse, it does not set the log level itself, since target's
// embedded Config field isn't addressable by name here; call
// ApplyLogLevel explicitly with the embedded field's value.
func ParseInto(target any, name, description string, args []string) error {
	parser, err := kong.New(target, kong.Name(name), kong.Description(description))
	if err != nil {
		return fmt.Errorf("building CLI parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return fmt.Errorf("parsing CLI arguments: %w", err)
	}
	return nil
}

// ApplyLogLevel sets logrus's global level from a parsed LogLevel
// field.
func ApplyLogLevel(levelName string) error {
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	log.SetLevel(level)
	return nil
}
