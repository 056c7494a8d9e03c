package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultConfigName = "config"
	envPrefix         = "TS"
)

type Client struct {
	Endpoint string
	Protocol string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// CallTimeout of 0 leaves calls pending until the channel closes.
	CallTimeout time.Duration

	Prime   []int64
	ActorID int64
	GMMode  bool
}

type Server struct {
	Addr      string
	Path      string
	Protocol  string
	SeedPath  string
	GMUsers   []int64
	SendQueue int
}

type Config struct {
	Client Client
	Server Server

	// FrameLogPath enables NDJSON frame telemetry when set.
	FrameLogPath string
}

// flag name -> config key
var flagKeys = map[string]string{
	"endpoint":     "client.endpoint",
	"protocol":     "client.protocol",
	"prime":        "client.prime",
	"actor":        "client.actor_id",
	"gm":           "client.gm_mode",
	"call-timeout": "client.call_timeout",
	"addr":         "server.addr",
	"seed":         "server.seed_path",
}

func ClientFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tokensync", pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.String("endpoint", "", "websocket endpoint")
	fs.String("protocol", "", "websocket subprotocol")
	fs.IntSlice("prime", nil, "token ids to prime at startup")
	fs.Int64("actor", 0, "actor id of this client")
	fs.Bool("gm", false, "start in GM mode")
	fs.Duration("call-timeout", 0, "per-call timeout (0 disables)")
	return fs
}

func ServerFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tokenserver", pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.String("addr", "", "listen address")
	fs.String("seed", "", "YAML token seed file")
	return fs
}

// Load reads configuration. flags may be nil; only flags the user set override
// other sources.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("client.endpoint", "ws://127.0.0.1:8750/token")
	v.SetDefault("client.protocol", "token-protocol")
	v.SetDefault("client.handshake_timeout", 5*time.Second)
	v.SetDefault("client.write_timeout", 5*time.Second)
	v.SetDefault("client.call_timeout", 10*time.Second)
	v.SetDefault("client.prime", []int{})
	v.SetDefault("client.actor_id", 0)
	v.SetDefault("client.gm_mode", false)

	v.SetDefault("server.addr", ":8750")
	v.SetDefault("server.path", "/token")
	v.SetDefault("server.protocol", "token-protocol")
	v.SetDefault("server.seed_path", "")
	v.SetDefault("server.gm_users", []int{})
	v.SetDefault("server.send_queue", 256)

	v.SetDefault("telemetry.frame_ndjson_path", "")

	explicit := ""
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := flags.Lookup("config"); f != nil {
			explicit = strings.TrimSpace(f.Value.String())
		}
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", explicit, err)
		}
	} else {
		// Config file is optional; env-only is fine.
		_ = v.ReadInConfig()
	}

	prime, err := int64List(v.Get("client.prime"))
	if err != nil {
		return Config{}, fmt.Errorf("client.prime: %w", err)
	}
	gmUsers, err := int64List(v.Get("server.gm_users"))
	if err != nil {
		return Config{}, fmt.Errorf("server.gm_users: %w", err)
	}

	cfg := Config{
		Client: Client{
			Endpoint:         strings.TrimSpace(v.GetString("client.endpoint")),
			Protocol:         strings.TrimSpace(v.GetString("client.protocol")),
			HandshakeTimeout: v.GetDuration("client.handshake_timeout"),
			WriteTimeout:     v.GetDuration("client.write_timeout"),
			CallTimeout:      v.GetDuration("client.call_timeout"),
			Prime:            prime,
			ActorID:          v.GetInt64("client.actor_id"),
			GMMode:           v.GetBool("client.gm_mode"),
		},
		Server: Server{
			Addr:      strings.TrimSpace(v.GetString("server.addr")),
			Path:      strings.TrimSpace(v.GetString("server.path")),
			Protocol:  strings.TrimSpace(v.GetString("server.protocol")),
			SeedPath:  strings.TrimSpace(v.GetString("server.seed_path")),
			GMUsers:   gmUsers,
			SendQueue: v.GetInt("server.send_queue"),
		},
		FrameLogPath: strings.TrimSpace(v.GetString("telemetry.frame_ndjson_path")),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.FrameLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FrameLogPath), 0o755); err != nil {
			return Config{}, fmt.Errorf("create telemetry dir: %w", err)
		}
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.Client.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid client.endpoint %q: want ws:// or wss://", c.Client.Endpoint)
	}
	for key, d := range map[string]time.Duration{
		"client.handshake_timeout": c.Client.HandshakeTimeout,
		"client.write_timeout":     c.Client.WriteTimeout,
		"client.call_timeout":      c.Client.CallTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("invalid %s %s", key, d)
		}
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("invalid server.path %q: must start with /", c.Server.Path)
	}
	if c.Server.SendQueue <= 0 {
		return fmt.Errorf("invalid server.send_queue %d", c.Server.SendQueue)
	}
	return nil
}

// int64List accepts a YAML list, a bound int slice flag or a comma/space
// separated env string.
func int64List(raw any) ([]int64, error) {
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case []int:
		out := make([]int64, 0, len(x))
		for _, n := range x {
			out = append(out, int64(n))
		}
		return out, nil
	case []any:
		out := make([]int64, 0, len(x))
		for _, e := range x {
			n, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(e)), 10, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case string:
		s := strings.Trim(strings.TrimSpace(x), "[]")
		fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
		out := make([]int64, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported list %T", raw)
	}
}
