package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "1500ms" into a time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type fileConfig struct {
	SourcesFile       string   `toml:"sources_file"`
	LabelParam        string   `toml:"label_param"`
	DetailURLTemplate string   `toml:"detail_url_template"`
	Backend           string   `toml:"backend"`
	PoolSize          int      `toml:"pool_size"`
	FanOut            int      `toml:"fan_out"`
	Delay             Duration `toml:"delay"`
	RandomDelay       Duration `toml:"random_delay"`
	Timeout           Duration `toml:"timeout"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBackoff      Duration `toml:"retry_backoff"`
	RetryBackoffMax   Duration `toml:"retry_backoff_max"`
	LandmarkTimeout   Duration `toml:"landmark_timeout"`
	HarvestTimeout    Duration `toml:"harvest_timeout"`
	PageSizeTimeout   Duration `toml:"page_size_timeout"`
	AdvanceTimeout    Duration `toml:"advance_timeout"`
	AdvanceAttempts   int      `toml:"advance_attempts"`
	PollInterval      Duration `toml:"poll_interval"`
	SettleDelay       Duration `toml:"settle_delay"`
	DedupeMaxSize     int      `toml:"dedupe_max_size"`
	OutputFile        string   `toml:"output_file"`
	OutputFormat      string   `toml:"output_format"`
	UserAgent         string   `toml:"user_agent"`
	Headless          bool     `toml:"headless"`
	BrowserBin        string   `toml:"browser_bin"`
	MetricsAddr       string   `toml:"metrics_addr"`
	Verbose           bool     `toml:"verbose"`
	Layout            Layout   `toml:"layout"`
}

// LoadFile overlays the TOML document at path onto DefaultConfig. Keys absent
// from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse overlays a TOML document onto DefaultConfig.
func Parse(data []byte) (*Config, error) {
	fc := toFile(DefaultConfig())
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return fc.config(), nil
}

func toFile(c *Config) fileConfig {
	return fileConfig{
		SourcesFile:       c.SourcesFile,
		LabelParam:        c.LabelParam,
		DetailURLTemplate: c.DetailURLTemplate,
		Backend:           c.Backend,
		PoolSize:          c.PoolSize,
		FanOut:            c.FanOut,
		Delay:             Duration{c.Delay},
		RandomDelay:       Duration{c.RandomDelay},
		Timeout:           Duration{c.Timeout},
		MaxRetries:        c.MaxRetries,
		RetryBackoff:      Duration{c.RetryBackoff},
		RetryBackoffMax:   Duration{c.RetryBackoffMax},
		LandmarkTimeout:   Duration{c.LandmarkTimeout},
		HarvestTimeout:    Duration{c.HarvestTimeout},
		PageSizeTimeout:   Duration{c.PageSizeTimeout},
		AdvanceTimeout:    Duration{c.AdvanceTimeout},
		AdvanceAttempts:   c.AdvanceAttempts,
		PollInterval:      Duration{c.PollInterval},
		SettleDelay:       Duration{c.SettleDelay},
		DedupeMaxSize:     c.DedupeMaxSize,
		OutputFile:        c.OutputFile,
		OutputFormat:      c.OutputFormat,
		UserAgent:         c.UserAgent,
		Headless:          c.Headless,
		BrowserBin:        c.BrowserBin,
		MetricsAddr:       c.MetricsAddr,
		Verbose:           c.Verbose,
		Layout:            c.Layout,
	}
}

func (fc fileConfig) config() *Config {
	return &Config{
		SourcesFile:       fc.SourcesFile,
		LabelParam:        fc.LabelParam,
		DetailURLTemplate: fc.DetailURLTemplate,
		Backend:           fc.Backend,
		PoolSize:          fc.PoolSize,
		FanOut:            fc.FanOut,
		Delay:             fc.Delay.Duration,
		RandomDelay:       fc.RandomDelay.Duration,
		Timeout:           fc.Timeout.Duration,
		MaxRetries:        fc.MaxRetries,
		RetryBackoff:      fc.RetryBackoff.Duration,
		RetryBackoffMax:   fc.RetryBackoffMax.Duration,
		LandmarkTimeout:   fc.LandmarkTimeout.Duration,
		HarvestTimeout:    fc.HarvestTimeout.Duration,
		PageSizeTimeout:   fc.PageSizeTimeout.Duration,
		AdvanceTimeout:    fc.AdvanceTimeout.Duration,
		AdvanceAttempts:   fc.AdvanceAttempts,
		PollInterval:      fc.PollInterval.Duration,
		SettleDelay:       fc.SettleDelay.Duration,
		DedupeMaxSize:     fc.DedupeMaxSize,
		OutputFile:        fc.OutputFile,
		OutputFormat:      fc.OutputFormat,
		UserAgent:         fc.UserAgent,
		Headless:          fc.Headless,
		BrowserBin:        fc.BrowserBin,
		MetricsAddr:       fc.MetricsAddr,
		Verbose:           fc.Verbose,
		Layout:            fc.Layout,
	}
}
