package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds harvester configuration.
type Config struct {
	SourcesFile       string
	LabelParam        string
	DetailURLTemplate string
	Backend           string // http or browser
	PoolSize          int
	FanOut            int
	Delay             time.Duration
	RandomDelay       time.Duration
	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	LandmarkTimeout   time.Duration
	HarvestTimeout    time.Duration
	PageSizeTimeout   time.Duration
	AdvanceTimeout    time.Duration
	AdvanceAttempts   int
	PollInterval      time.Duration
	SettleDelay       time.Duration
	DedupeMaxSize     int
	OutputFile        string
	OutputFormat      string // csv, json, dual, or sqlite
	UserAgent         string
	Headless          bool
	BrowserBin        string
	MetricsAddr       string
	Verbose           bool
	Layout            Layout
}

// Layout names the selectors the harvester reads from listing and detail pages.
type Layout struct {
	ListingAnchor    string `toml:"listing_anchor"`
	IdentifierMarker string `toml:"identifier_marker"`
	// PageControl is a format string receiving the target page number.
	PageControl    string `toml:"page_control"`
	PageSize       string `toml:"page_size"`
	Landmark       string `toml:"landmark"`
	ProductName    string `toml:"product_name"`
	Manufacturer   string `toml:"manufacturer"`
	PartNumber     string `toml:"part_number"`
	UNSPSC         string `toml:"unspsc"`
	UPC            string `toml:"upc"`
	Image          string `toml:"image"`
	ImageAttribute string `toml:"image_attribute"`
	NoPictureURL   string `toml:"no_picture_url"`
	Description    string `toml:"description"`
	Specifications string `toml:"specifications"`
	SpecsTable     string `toml:"specs_table"`
	Breadcrumb     string `toml:"breadcrumb"`
	BackToResults  string `toml:"back_to_results"`
}

// DefaultLayout returns the selectors of the reference catalog.
func DefaultLayout() Layout {
	return Layout{
		ListingAnchor:    "a[href*='/Products/overview/']",
		IdentifierMarker: "/Products/overview/",
		PageControl:      "a[href*='navigateToPage(%d)']",
		PageSize:         "#number-results-50",
		Landmark:         "#body-main > div.product-view > div:nth-child(1) > div:nth-child(1) > div",
		ProductName:      "#body-main > div.product-view > div:nth-child(1) > div:nth-child(1) > div",
		Manufacturer:     "div#mfr.readonly-text",
		PartNumber:       "div#partnum.readonly-text",
		UNSPSC:           "div#unspsc.readonly-text",
		UPC:              "div#upc.readonly-text",
		Image:            "div#product-first-img.product-img",
		ImageAttribute:   "style",
		NoPictureURL:     "https://www.atnetworks.com/images/nopicture.gif",
		Description:      "div.ccs-ds-textMkt",
		Specifications:   "div#tab-specs",
		SpecsTable:       "div#product-specs > table.costandard",
		Breadcrumb:       "ol.breadcrumb",
		BackToResults:    "Back to Results",
	}
}

// DefaultConfig returns conservative defaults for the reference catalog.
func DefaultConfig() *Config {
	return &Config{
		SourcesFile:       "categories.txt",
		LabelParam:        "cn1",
		DetailURLTemplate: "https://www.atnetworks.com/Products/overview/%s",
		Backend:           "http",
		PoolSize:          9,
		FanOut:            9,
		Delay:             0,
		RandomDelay:       0,
		Timeout:           15 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
		RetryBackoffMax:   10 * time.Second,
		LandmarkTimeout:   5 * time.Second,
		HarvestTimeout:    15 * time.Second,
		PageSizeTimeout:   10 * time.Second,
		AdvanceTimeout:    10 * time.Second,
		AdvanceAttempts:   3,
		PollInterval:      250 * time.Millisecond,
		SettleDelay:       time.Second,
		DedupeMaxSize:     100000,
		OutputFile:        "output/products.csv",
		OutputFormat:      "csv",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Headless:          true,
		Verbose:           false,
		Layout:            DefaultLayout(),
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.SourcesFile == "" {
		return fmt.Errorf("sources file cannot be empty")
	}
	if c.DetailURLTemplate == "" {
		return fmt.Errorf("detail URL template cannot be empty")
	}
	if !strings.Contains(c.DetailURLTemplate, "%s") {
		return fmt.Errorf("detail URL template must contain %%s")
	}
	parsedURL, err := url.Parse(strings.ReplaceAll(c.DetailURLTemplate, "%s", "sku"))
	if err != nil {
		return fmt.Errorf("invalid detail URL template: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("detail URL template must include a host")
	}

	if c.Backend != "http" && c.Backend != "browser" {
		return fmt.Errorf("backend must be http or browser")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	if c.FanOut <= 0 {
		return fmt.Errorf("fan-out must be positive")
	}
	if c.PoolSize > c.FanOut {
		return fmt.Errorf("pool size (%d) cannot exceed fan-out (%d)", c.PoolSize, c.FanOut)
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.LandmarkTimeout <= 0 {
		return fmt.Errorf("landmark timeout must be positive")
	}
	if c.HarvestTimeout <= 0 {
		return fmt.Errorf("harvest timeout must be positive")
	}
	if c.AdvanceTimeout <= 0 {
		return fmt.Errorf("advance timeout must be positive")
	}
	if c.AdvanceAttempts < 1 {
		return fmt.Errorf("advance attempts must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "sqlite":
	default:
		return fmt.Errorf("output format must be csv, json, dual, or sqlite")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return c.Layout.Validate()
}

// Validate ensures the selectors the core depends on are set.
func (l Layout) Validate() error {
	if l.ListingAnchor == "" {
		return fmt.Errorf("layout: listing anchor selector cannot be empty")
	}
	if l.PageControl == "" || !strings.Contains(l.PageControl, "%d") {
		return fmt.Errorf("layout: page control selector must contain %%d")
	}
	if l.Landmark == "" {
		return fmt.Errorf("layout: landmark selector cannot be empty")
	}
	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when it is set.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key as a time.Duration when it is set.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}
