package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/powerslides/globals"
)

const (
	envPrefix = "POWERSLIDES"

	defaultPort           = 4001
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 64
	defaultMessageRate    = 20.0
	defaultMessageBurst   = 40
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 10 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultSessionTTL     = 12 * time.Hour
	defaultDedupSize      = 512
	defaultLoadingTimeout = 3 * time.Second
)

// Config is the configuration shared by the relay and the peer CLI. It is
// filled from (in increasing order of precedence) defaults, the TOML
// configuration, the environment and command line flags.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	// WebsocketURL is the relay endpoint the peers dial. There is no default.
	WebsocketURL string `mapstructure:"websocket_url"`

	Relay     RelayConfig     `mapstructure:"relay"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Presenter PresenterConfig `mapstructure:"presenter"`
	Remote    RemoteConfig    `mapstructure:"remote"`
}

// RelayConfig tunes the relay's connection handling.
type RelayConfig struct {
	MaxMessageSize int64   `mapstructure:"max_message_size"`
	SendBufferSize int     `mapstructure:"send_buffer_size"`
	MessageRate    float64 `mapstructure:"message_rate"` // inbound messages per second per connection
	MessageBurst   int     `mapstructure:"message_burst"`
	// AllowedOrigins restricts websocket upgrades by Origin header. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// PresenterConfig configures the publishing agent. SessionPath points to the
// BuntDB file the current session is kept in (":memory:" disables it across
// restarts), CommandFilter is an optional expression that every inbound
// command must satisfy.
type PresenterConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SessionPath   string        `mapstructure:"session_path"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	DedupSize     int           `mapstructure:"dedup_size"`
	CommandFilter string        `mapstructure:"command_filter"`
}

type RemoteConfig struct {
	From           string        `mapstructure:"from"`
	LoadingTimeout time.Duration `mapstructure:"loading_timeout"`
}

// Addr returns the listen address of the relay.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("host", "", "interface the relay listens on")
	flagSet.IntP("port", "p", defaultPort, "port the relay listens on")
	flagSet.StringP("log-level", "l", "", "log level (trace, debug, info, warn, error)")
	flagSet.StringP("websocket-url", "u", "", "relay websocket endpoint, f.e. ws://localhost:4001/ws")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", defaultPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("relay.max_message_size", defaultMaxMessageSize)
	v.SetDefault("relay.send_buffer_size", defaultSendBuffer)
	v.SetDefault("relay.message_rate", defaultMessageRate)
	v.SetDefault("relay.message_burst", defaultMessageBurst)
	v.SetDefault("relay.allowed_origins", []string{})
	v.SetDefault("reconnect.base_delay", defaultBaseDelay)
	v.SetDefault("reconnect.max_delay", defaultMaxDelay)
	v.SetDefault("reconnect.dial_timeout", defaultDialTimeout)
	v.SetDefault("presenter.poll_interval", defaultPollInterval)
	v.SetDefault("presenter.session_path", ":memory:")
	v.SetDefault("presenter.session_ttl", defaultSessionTTL)
	v.SetDefault("presenter.dedup_size", defaultDedupSize)
	v.SetDefault("presenter.command_filter", "")
	v.SetDefault("remote.from", "")
	v.SetDefault("remote.loading_timeout", defaultLoadingTimeout)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. flagSet may be nil.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		err := v.BindPFlags(flagSet)
		if err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// hosting platforms hand the port in as PORT
	if err := v.BindEnv("port", envPrefix+"_PORT", "PORT"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("websocket_url"); err != nil {
		return nil, err
	}
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("invalid reconnect delays %s/%s", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Presenter.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %s", c.Presenter.PollInterval)
	}
	if c.Presenter.DedupSize <= 0 {
		return fmt.Errorf("invalid dedup size %d", c.Presenter.DedupSize)
	}
	return nil
}
