package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Engine   EngineConfig   `mapstructure:"engine" toml:"engine"`
	Pool     PoolConfig     `mapstructure:"pool" toml:"pool"`
	Encoders EncodersConfig `mapstructure:"encoders" toml:"encoders"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	NATS     NATSConfig     `mapstructure:"nats" toml:"nats"`
	LogLevel string         `mapstructure:"log_level" toml:"log_level"`
}

type EngineConfig struct {
	Backend    string   `mapstructure:"backend" toml:"backend"`
	LibPath    string   `mapstructure:"lib_path" toml:"lib_path"`
	DataPath   string   `mapstructure:"data_path" toml:"data_path"`
	ConfigPath string   `mapstructure:"config_path" toml:"config_path"`
	Resources  []string `mapstructure:"resources" toml:"resources"`
	// Command is the command line of the "command" backend.
	Command    string `mapstructure:"command" toml:"command"`
	SampleRate int    `mapstructure:"sample_rate" toml:"sample_rate"`
}

type PoolConfig struct {
	// Workers wins over Threaded when positive.
	Workers int `mapstructure:"workers" toml:"workers"`
	// Threaded is "true" (one worker per CPU), "false" or a count.
	Threaded string `mapstructure:"threaded" toml:"threaded"`
	Mode     string `mapstructure:"mode" toml:"mode"`
	// ForceProcess is true/yes/enable or false/no/disable; anything else
	// leaves Mode alone.
	ForceProcess    string        `mapstructure:"force_process" toml:"force_process"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" toml:"dispatch_timeout"`
	ReleaseInterval time.Duration `mapstructure:"release_interval" toml:"release_interval"`
	StartTimeout    time.Duration `mapstructure:"start_timeout" toml:"start_timeout"`
}

type EncodersConfig struct {
	LamePath    string `mapstructure:"lame_path" toml:"lame_path"`
	OpusencPath string `mapstructure:"opusenc_path" toml:"opusenc_path"`
	FlacPath    string `mapstructure:"flac_path" toml:"flac_path"`
	Stream      bool   `mapstructure:"stream" toml:"stream"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr" toml:"listen_addr"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes" toml:"max_text_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout" toml:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
	ChunkSize       int    `mapstructure:"chunk_size" toml:"chunk_size"`
	SentenceChars   int    `mapstructure:"sentence_chars" toml:"sentence_chars"`
}

type NATSConfig struct {
	URL      string `mapstructure:"url" toml:"url"`
	Embedded bool   `mapstructure:"embedded" toml:"embedded"`
	Port     int    `mapstructure:"port" toml:"port"`
	StoreDir string `mapstructure:"store_dir" toml:"store_dir"`
	Prefix   string `mapstructure:"prefix" toml:"prefix"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			Backend:    BackendRHVoice,
			DataPath:   "/usr/local/share/RHVoice",
			ConfigPath: "/usr/local/etc/RHVoice",
			Command:    "RHVoice-test -p {voice_profile} -o -",
			SampleRate: 24000,
		},
		Pool: PoolConfig{
			Threaded:        "1",
			Mode:            ModeAuto,
			DispatchTimeout: 30 * time.Second,
			ReleaseInterval: 3 * time.Second,
			StartTimeout:    time.Hour,
		},
		Encoders: EncodersConfig{
			Stream: true,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MaxTextBytes:    65536,
			RequestTimeout:  600,
			ShutdownTimeout: 30,
			ChunkSize:       0,
			SentenceChars:   0,
		},
		NATS: NATSConfig{
			Embedded: true,
			Port:     -1,
			Prefix:   "rhvoice",
		},
		LogLevel: "info",
	}
}

// keys lists every config key. The matching flag name replaces dots and
// underscores with dashes.
var keys = []string{
	"engine.backend",
	"engine.lib_path",
	"engine.data_path",
	"engine.config_path",
	"engine.resources",
	"engine.command",
	"engine.sample_rate",
	"pool.workers",
	"pool.threaded",
	"pool.mode",
	"pool.force_process",
	"pool.dispatch_timeout",
	"pool.release_interval",
	"pool.start_timeout",
	"encoders.lame_path",
	"encoders.opusenc_path",
	"encoders.flac_path",
	"encoders.stream",
	"server.listen_addr",
	"server.max_text_bytes",
	"server.request_timeout",
	"server.shutdown_timeout",
	"server.chunk_size",
	"server.sentence_chars",
	"nats.url",
	"nats.embedded",
	"nats.port",
	"nats.store_dir",
	"nats.prefix",
	"log_level",
}

// envAliases are the environment variables understood besides RHVOICE_*.
var envAliases = map[string][]string{
	"engine.lib_path":       {"RHVOICELIBPATH"},
	"engine.data_path":      {"RHVOICEDATAPATH"},
	"engine.resources":      {"RHVOICERESOURCES"},
	"encoders.lame_path":    {"LAMEPATH"},
	"encoders.opusenc_path": {"OPUSENCPATH"},
	"encoders.flac_path":    {"FLACPATH"},
	"pool.threaded":         {"THREADED"},
	"pool.force_process":    {"PROCESSES_MODE"},
}

var flagReplacer = strings.NewReplacer(".", "-", "_", "-")

// FlagName returns the command-line flag bound to a config key.
func FlagName(key string) string { return flagReplacer.Replace(key) }

func envName(key string) string {
	return "RHVOICE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("engine-backend", defaults.Engine.Backend, "Synthesis backend (rhvoice|command)")
	fs.String("engine-lib-path", defaults.Engine.LibPath, "Path to the RHVoice shared library")
	fs.String("engine-data-path", defaults.Engine.DataPath, "RHVoice data directory")
	fs.String("engine-config-path", defaults.Engine.ConfigPath, "RHVoice config directory")
	fs.StringSlice("engine-resources", defaults.Engine.Resources, "Extra RHVoice resource paths")
	fs.String("engine-command", defaults.Engine.Command, "Command line of the command backend")
	fs.Int("engine-sample-rate", defaults.Engine.SampleRate, "Sample rate assumed for headerless command output")
	fs.Int("pool-workers", defaults.Pool.Workers, "Number of workers (overrides --pool-threaded)")
	fs.String("pool-threaded", defaults.Pool.Threaded, "Worker count, or true for one per CPU")
	fs.String("pool-mode", defaults.Pool.Mode, "Worker mode (thread|process|auto)")
	fs.String("pool-force-process", defaults.Pool.ForceProcess, "Force process workers on or off (yes|no)")
	fs.Duration("pool-dispatch-timeout", defaults.Pool.DispatchTimeout, "How long a request waits for a free worker")
	fs.Duration("pool-release-interval", defaults.Pool.ReleaseInterval, "Idle reader check interval")
	fs.Duration("pool-start-timeout", defaults.Pool.StartTimeout, "How long to wait for synthesis to start")
	fs.String("encoders-lame-path", defaults.Encoders.LamePath, "lame executable or command line")
	fs.String("encoders-opusenc-path", defaults.Encoders.OpusencPath, "opusenc executable or command line")
	fs.String("encoders-flac-path", defaults.Encoders.FlacPath, "flac executable or command line")
	fs.Bool("encoders-stream", defaults.Encoders.Stream, "Feed encoders while synthesizing instead of at the end")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-max-text-bytes", defaults.Server.MaxTextBytes, "Maximum request text size in bytes")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Int("server-chunk-size", defaults.Server.ChunkSize, "Response chunk size in bytes (0 = as produced)")
	fs.Int("server-sentence-chars", defaults.Server.SentenceChars, "Split text into segments of about this many characters (0 = off)")
	fs.String("nats-url", defaults.NATS.URL, "NATS server for process workers (empty = embedded)")
	fs.Bool("nats-embedded", defaults.NATS.Embedded, "Start an embedded NATS server in process mode")
	fs.Int("nats-port", defaults.NATS.Port, "Embedded NATS port (-1 = random)")
	fs.String("nats-store-dir", defaults.NATS.StoreDir, "Embedded NATS JetStream directory (empty = temporary)")
	fs.String("nats-prefix", defaults.NATS.Prefix, "Subject prefix for worker traffic")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for _, key := range keys {
			if f := fs.Lookup(FlagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	v.SetEnvPrefix("RHVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key, envName(key)}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("rhvoice")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("engine.backend", c.Engine.Backend)
	v.SetDefault("engine.lib_path", c.Engine.LibPath)
	v.SetDefault("engine.data_path", c.Engine.DataPath)
	v.SetDefault("engine.config_path", c.Engine.ConfigPath)
	v.SetDefault("engine.resources", c.Engine.Resources)
	v.SetDefault("engine.command", c.Engine.Command)
	v.SetDefault("engine.sample_rate", c.Engine.SampleRate)
	v.SetDefault("pool.workers", c.Pool.Workers)
	v.SetDefault("pool.threaded", c.Pool.Threaded)
	v.SetDefault("pool.mode", c.Pool.Mode)
	v.SetDefault("pool.force_process", c.Pool.ForceProcess)
	v.SetDefault("pool.dispatch_timeout", c.Pool.DispatchTimeout)
	v.SetDefault("pool.release_interval", c.Pool.ReleaseInterval)
	v.SetDefault("pool.start_timeout", c.Pool.StartTimeout)
	v.SetDefault("encoders.lame_path", c.Encoders.LamePath)
	v.SetDefault("encoders.opusenc_path", c.Encoders.OpusencPath)
	v.SetDefault("encoders.flac_path", c.Encoders.FlacPath)
	v.SetDefault("encoders.stream", c.Encoders.Stream)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.chunk_size", c.Server.ChunkSize)
	v.SetDefault("server.sentence_chars", c.Server.SentenceChars)
	v.SetDefault("nats.url", c.NATS.URL)
	v.SetDefault("nats.embedded", c.NATS.Embedded)
	v.SetDefault("nats.port", c.NATS.Port)
	v.SetDefault("nats.store_dir", c.NATS.StoreDir)
	v.SetDefault("nats.prefix", c.NATS.Prefix)
	v.SetDefault("log_level", c.LogLevel)
}

// WriteTOML writes cfg in a form Load can read back.
func WriteTOML(w io.Writer, cfg Config) error {
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}
