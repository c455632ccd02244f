// Package bridge wires together the HTTP signaling endpoint, the UDP
// connection supervisor, and the ambient logging/config/metrics plumbing
// into a runnable server.
package bridge

import (
	"fmt"
	"io/fs"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the bridge's configuration. The env struct tag contains
// the environment variable name and the default value if missing, or empty
// (if not ?=). String arrays are comma-separated.
type Config struct {
	// The addresses to listen on for the HTTP signaling endpoint and metrics.
	Addr []string `env:"BRIDGE_ADDR?=:8080"`

	// A UDP bind address. It is parsed but not used: each connection opens
	// its own UDP socket on an ephemeral port on all interfaces.
	AddrUDP netip.AddrPort `env:"BRIDGE_ADDR_UDP=:0"`

	// The ICE rendezvous server to query for a domain's public/local sockets.
	ICEServerAddr netip.AddrPort `env:"BRIDGE_ICE_SERVER_ADDR"`

	// The STUN server used to discover the bridge's own server-reflexive
	// address for handshake packets, as a host:port (resolved at startup,
	// since STUN servers are conventionally named by hostname).
	STUNServerAddr string `env:"BRIDGE_STUN_SERVER_ADDR=stun.l.google.com:19302"`

	// The STUN server URL offered to browser peers for their own ICE
	// candidate gathering.
	BrowserSTUNServer string `env:"BRIDGE_BROWSER_STUN_SERVER=stun:stun3.l.google.com:19302"`

	// The sqlite3 database file for the connection audit log. If empty, no
	// audit log is kept.
	ConnLogPath string `env:"BRIDGE_CONNLOG_PATH"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"BRIDGE_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"BRIDGE_LOG_STDOUT=true"`

	// Whether to use pretty (console) logs on stdout.
	LogStdoutPretty bool `env:"BRIDGE_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"BRIDGE_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"BRIDGE_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"BRIDGE_LOG_FILE_LEVEL=info"`

	// Secret token for accessing /metrics. If empty, /metrics requires no
	// authentication.
	MetricsSecret string `env:"BRIDGE_METRICS_SECRET"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables ("KEY=value"
// strings, as from os.Environ) into c, setting default values as
// appropriate. If incremental is true, default values will not be set for
// missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "BRIDGE_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
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
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
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
		case fs.FileMode:
			if val == "" {
				cvf.Set(reflect.ValueOf(fs.FileMode(0)))
			} else if v, err := strconv.ParseUint(val, 8, 32); err == nil {
				cvf.Set(reflect.ValueOf(fs.FileMode(v)))
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
