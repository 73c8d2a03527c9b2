// Package config loads hyponome settings from defaults, an optional config
// file, a .env file and HYPONOME_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"edu/hyponome/internal/codec"
	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/hashes"
)

const EnvPrefix = "HYPONOME"

const (
	KeyListen         = "listen"
	KeyNetwork        = "network"
	KeyHTTPAddr       = "http_addr"
	KeyAlgorithm      = "algorithm"
	KeyMaxPayload     = "max_payload"
	KeyChunkSize      = "chunk_size"
	KeyWorkers        = "workers"
	KeyQueueDepth     = "queue_depth"
	KeyHexResult      = "hex_result"
	KeyLogLevel       = "log_level"
	KeyLogDevelopment = "log_development"
)

type Config struct {
	Listen         string
	Network        string
	HTTPAddr       string
	Algorithm      string
	MaxPayload     int
	ChunkSize      int
	Workers        int
	QueueDepth     int
	HexResult      bool
	LogLevel       string
	LogDevelopment bool
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListen, "127.0.0.1:7420")
	v.SetDefault(KeyNetwork, "tcp")
	v.SetDefault(KeyHTTPAddr, "")
	v.SetDefault(KeyAlgorithm, "sha256")
	v.SetDefault(KeyMaxPayload, "16MiB")
	v.SetDefault(KeyChunkSize, "64KiB")
	v.SetDefault(KeyWorkers, runtime.NumCPU())
	v.SetDefault(KeyQueueDepth, 0)
	v.SetDefault(KeyHexResult, true)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogDevelopment, false)
}

// Load reads the configuration into v and returns it validated. file may
// be empty; envFile is skipped if it does not exist.
func Load(v *viper.Viper, file, envFile string) (Config, error) {
	if envFile != "" {
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	maxPayload, err := size(v, KeyMaxPayload)
	if err != nil {
		return Config{}, err
	}
	chunkSize, err := size(v, KeyChunkSize)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Listen:         v.GetString(KeyListen),
		Network:        v.GetString(KeyNetwork),
		HTTPAddr:       v.GetString(KeyHTTPAddr),
		Algorithm:      strings.ToLower(strings.TrimSpace(v.GetString(KeyAlgorithm))),
		MaxPayload:     maxPayload,
		ChunkSize:      chunkSize,
		Workers:        v.GetInt(KeyWorkers),
		QueueDepth:     v.GetInt(KeyQueueDepth),
		HexResult:      v.GetBool(KeyHexResult),
		LogLevel:       v.GetString(KeyLogLevel),
		LogDevelopment: v.GetBool(KeyLogDevelopment),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// size parses a byte count such as 1048576, "16MiB" or "64 kB".
func size(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%s: %s exceeds %s", key, raw, humanize.IBytes(math.MaxInt32))
	}
	return int(n), nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported network %q", KeyNetwork, c.Network))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("%s: must not be empty", KeyListen))
	}
	if _, err := hashes.Get(c.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyAlgorithm, err))
	}
	if c.MaxPayload <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be positive", KeyMaxPayload))
	} else if c.MaxPayload > codec.MaxPayloadSize {
		errs = append(errs, fmt.Errorf("%s: %s exceeds the wire limit of %s", KeyMaxPayload,
			humanize.IBytes(uint64(c.MaxPayload)), humanize.IBytes(codec.MaxPayloadSize)))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be positive", KeyChunkSize))
	} else if c.MaxPayload > 0 && c.ChunkSize > c.MaxPayload {
		errs = append(errs, fmt.Errorf("%s: %s exceeds %s %s", KeyChunkSize,
			humanize.IBytes(uint64(c.ChunkSize)), KeyMaxPayload, humanize.IBytes(uint64(c.MaxPayload))))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be positive", KeyWorkers))
	}
	if c.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("%s: must not be negative", KeyQueueDepth))
	}
	return errors.Join(errs...)
}

func (c Config) Hasher() hasher.Config {
	return hasher.Config{
		Algorithm:  c.Algorithm,
		MaxPayload: c.MaxPayload,
		ChunkSize:  c.ChunkSize,
		Workers:    c.Workers,
		QueueDepth: c.QueueDepth,
		HexResult:  c.HexResult,
	}
}
