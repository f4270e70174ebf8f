// Package sphynx wires the handshake, encryption, transport, and worker
// packages together into a running server or connecting client. See
// SPEC_FULL.md §8.
package sphynx

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the settings needed to run a Server or dial a Client. The env
// struct tag contains the environment variable name and the default value if
// missing, or empty (if not ?=), the same convention pkg/atlas/config.go
// uses.
type Config struct {
	// The address to listen on (server) or bind from (client). If the port
	// is 0, a random one is chosen.
	Addr netip.AddrPort `env:"SPHYNX_ADDR=:0"`

	// Path to the long-lived keypair files: KeyPath+".key" holds the 32-byte
	// private scalar, KeyPath+".pub" the 64-byte public point. Used by the
	// server; the client does not read it (Connect takes the server's
	// public key as an argument).
	KeyPath string `env:"SPHYNX_KEY_PATH=sphynx"`

	// Maximum simultaneous connections the connection map has room for.
	// Rounded up to a power of two.
	MaxConnections int `env:"SPHYNX_MAX_CONNECTIONS=4096"`

	// Per-source-IP connection attempts allowed before new attempts from
	// that IP are refused at the handshake with an ERROR (server full), per spec.md's
	// CONNECTION_FLOOD_THRESHOLD.
	FloodThreshold int `env:"SPHYNX_FLOOD_THRESHOLD=16"`

	// Number of worker goroutines owning connections and firing ticks.
	Workers int `env:"SPHYNX_WORKERS=4"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"SPHYNX_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"SPHYNX_LOG_STDOUT=true"`

	// Whether to use pretty (non-JSON) logs on stdout.
	LogStdoutPretty bool `env:"SPHYNX_LOG_STDOUT_PRETTY=true"`

	// How often each worker drains its queue and ticks its Connexions.
	WorkerTickInterval time.Duration `env:"SPHYNX_WORKER_TICK_MS=20ms"`

	// How often a client resends a pending handshake packet while awaiting
	// the next stage's response.
	HandshakeTickInterval time.Duration `env:"SPHYNX_HANDSHAKE_TICK_MS=100ms"`

	// Delay before the client's first HELLO retransmit if no COOKIE has
	// arrived yet.
	InitialHelloPost time.Duration `env:"SPHYNX_INITIAL_HELLO_POST_MS=200ms"`

	// Overall ceiling on completing the handshake before the client gives up
	// and reports on_connect_fail.
	ConnectTimeout time.Duration `env:"SPHYNX_CONNECT_TIMEOUT_MS=6000ms"`

	// How often an established Connexion probes for a larger path MTU.
	MTUProbeInterval time.Duration `env:"SPHYNX_MTU_PROBE_INTERVAL_MS=8000ms"`

	// Silence period after which a Connexion sends an unprompted keep-alive.
	SilenceLimit time.Duration `env:"SPHYNX_SILENCE_LIMIT_MS=4357ms"`

	// Silence period after which a Connexion is declared dead and torn down.
	SilenceTimeout time.Duration `env:"SPHYNX_SILENCE_TIMEOUT_MS=15000ms"`

	// Floor and ceiling, in bytes/sec, the flow-control estimator clamps
	// its bandwidth estimate to. BandwidthHighLimit of 0 leaves it uncapped.
	BandwidthLowLimit  float64 `env:"SPHYNX_BANDWIDTH_LOW_LIMIT=8192"`
	BandwidthHighLimit float64 `env:"SPHYNX_BANDWIDTH_HIGH_LIMIT=0"`
}

// UnmarshalEnv unmarshals an array of KEY=VALUE environment variables into
// c, setting default values as appropriate, the way
// pkg/atlas/config.go.UnmarshalEnv does for Atlas's own Config.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "SPHYNX_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case float64:
			if val == "" {
				cvf.SetFloat(0)
			} else if v, err := strconv.ParseFloat(val, 64); err == nil {
				cvf.SetFloat(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// configureLogging builds the Logger a Server or Client runs with, the way
// pkg/atlas/server.go's configureLogging assembles Atlas's multi-sink
// logger, trimmed to the single stdout sink Sphynx's Config exposes.
func (c *Config) configureLogging() zerolog.Logger {
	var out io.Writer = io.Discard
	if c.LogStdout {
		if c.LogStdoutPretty {
			out = zerolog.ConsoleWriter{Out: os.Stdout}
		} else {
			out = os.Stdout
		}
	}
	return zerolog.New(out).Level(c.LogLevel).With().Timestamp().Logger()
}
