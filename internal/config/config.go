package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.heartline/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	Backend        Backend  `toml:"backend"`
	Identity       Identity `toml:"identity"`
	Realtime       Realtime `toml:"realtime"`
	Chat           Chat     `toml:"chat"`
	Call           Call     `toml:"call"`
	Metrics        Metrics  `toml:"metrics"`
}

type Backend struct {
	BaseURL        string   `toml:"base_url"`
	ChannelURL     string   `toml:"channel_url"`
	ConferenceURL  string   `toml:"conference_url"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Identity names the user to log in as on daemon start. The credential is
// never stored here; see Credential.
type Identity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

type Realtime struct {
	MaxAttempts      int      `toml:"max_attempts"`
	MinDelay         Duration `toml:"min_delay"`
	MaxDelay         Duration `toml:"max_delay"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

type Chat struct {
	RefreshInterval Duration `toml:"refresh_interval"`
	PageSize        int      `toml:"page_size"`
	MaxPages        int      `toml:"max_pages"`
	RefetchBurst    int      `toml:"refetch_burst"`
	RefetchInterval Duration `toml:"refetch_interval"`
}

type Call struct {
	RingTimeout      Duration `toml:"ring_timeout"`
	ConnectTimeout   Duration `toml:"connect_timeout"`
	SignalTimeout    Duration `toml:"signal_timeout"`
	PermissionProber string   `toml:"permission_prober"`
}

// Metrics.Listen is the prometheus listen address. Empty disables the
// endpoint.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Defaults returns the configuration used for anything config.toml leaves
// out.
func Defaults() Config {
	return Config{
		Backend: Backend{
			RequestTimeout: Duration{15 * time.Second},
		},
		Realtime: Realtime{
			MaxAttempts:      3,
			MinDelay:         Duration{time.Second},
			MaxDelay:         Duration{5 * time.Second},
			HandshakeTimeout: Duration{10 * time.Second},
		},
		Chat: Chat{
			RefreshInterval: Duration{60 * time.Second},
			PageSize:        50,
			MaxPages:        20,
			RefetchBurst:    1,
			RefetchInterval: Duration{5 * time.Second},
		},
		Call: Call{
			RingTimeout:      Duration{45 * time.Second},
			ConnectTimeout:   Duration{20 * time.Second},
			SignalTimeout:    Duration{10 * time.Second},
			PermissionProber: "device",
		},
	}
}

// Load reads config from the given path over Defaults. Returns nil config
// and error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load that treats a missing file as empty.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		d := Defaults()
		return &d, nil
	}
	return cfg, err
}

// Validate reports settings the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.ChannelURL == "" {
		errs = append(errs, errors.New("backend.channel_url is required"))
	}
	if c.Realtime.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("realtime.max_attempts must be positive, got %d", c.Realtime.MaxAttempts))
	}
	if c.Realtime.MaxDelay.Duration < c.Realtime.MinDelay.Duration {
		errs = append(errs, errors.New("realtime.max_delay is shorter than realtime.min_delay"))
	}
	switch c.Call.PermissionProber {
	case "", "device", "none":
	default:
		errs = append(errs, fmt.Errorf("call.permission_prober %q is not device or none", c.Call.PermissionProber))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
