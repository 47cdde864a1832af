// Package config loads and validates Penny's TOML configuration file (spec
// §6): top-level daemon settings plus one table per configured app, and
// watches the file for changes so a running process can be told to reload.
package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/pennyhq/penny/internal/appspec"
)

// TLS holds the [tls] table.
type TLS struct {
	Enabled                   bool   `mapstructure:"enabled"`
	AcmeEmail                 string `mapstructure:"acme_email"`
	Staging                   bool   `mapstructure:"staging"`
	CertsDir                  string `mapstructure:"certs_dir"`
	RenewalDays               int    `mapstructure:"renewal_days"`
	RenewalCheckIntervalHours int    `mapstructure:"renewal_check_interval_hours"`
}

// Config is the fully decoded, validated configuration: daemon-wide settings
// plus every configured app.
type Config struct {
	APIAddress  string
	APIDomain   string
	DatabaseURL string
	TLS         TLS
	Apps        []appspec.App
}

func defaultConfig() *Config {
	return &Config{
		APIAddress:  "127.0.0.1:9990",
		DatabaseURL: "sqlite://penny.db",
		TLS: TLS{
			CertsDir:                 "./certs",
			RenewalDays:               30,
			RenewalCheckIntervalHours: 12,
		},
	}
}

// rawApp mirrors one app's TOML table before conversion to appspec.App.
type rawApp struct {
	Address           string      `mapstructure:"address"`
	Command           interface{} `mapstructure:"command"`
	HealthCheckPath   string      `mapstructure:"health_check_path"`
	InitialBackoffMs  int         `mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs    int         `mapstructure:"max_backoff_secs"`
	StartTimeout      string      `mapstructure:"start_timeout"`
	StopTimeout       string      `mapstructure:"stop_timeout"`
	AdaptiveWait      bool        `mapstructure:"adaptive_wait"`
	WaitPeriod        string      `mapstructure:"wait_period"`
	MinWait           string      `mapstructure:"min_wait"`
	MaxWait           string      `mapstructure:"max_wait"`
	LowRate           float64     `mapstructure:"low_rate"`
	HighRate          float64     `mapstructure:"high_rate"`
	ColdStartPagePath string      `mapstructure:"cold_start_page_path"`
	AlsoWarm          []string    `mapstructure:"also_warm"`
}

var reservedTopLevelKeys = map[string]bool{
	"api_address": true,
	"api_domain":  true,
	"database_url": true,
	"tls":         true,
}

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// Load reads path (a TOML file), decodes it into a Config, and validates it.
// onChange, if non-nil, is invoked (debounced) whenever the file changes on
// disk. `serve` passes nil, so a running daemon does not reload its apps.
func Load(path string, onChange func()) (*Config, error) {
	// Hostnames are dotted ("app.example.com") and used as top-level TOML
	// table keys; viper's default key delimiter is also "." and would
	// misparse them as nested paths, so it's rebound to something that
	// never appears in a hostname.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if onChange != nil {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now
			onChange()
		})
	}

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := defaultConfig()

	cfg.APIAddress = v.GetString("api_address")
	if cfg.APIAddress == "" {
		cfg.APIAddress = defaultConfig().APIAddress
	}
	cfg.APIDomain = v.GetString("api_domain")
	if dbURL := v.GetString("database_url"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	if v.IsSet("tls") {
		if err := v.UnmarshalKey("tls", &cfg.TLS); err != nil {
			return nil, fmt.Errorf("decoding [tls]: %w", err)
		}
		if cfg.TLS.CertsDir == "" {
			cfg.TLS.CertsDir = defaultConfig().TLS.CertsDir
		}
		if cfg.TLS.RenewalDays == 0 {
			cfg.TLS.RenewalDays = defaultConfig().TLS.RenewalDays
		}
		if cfg.TLS.RenewalCheckIntervalHours == 0 {
			cfg.TLS.RenewalCheckIntervalHours = defaultConfig().TLS.RenewalCheckIntervalHours
		}
		if cfg.TLS.Enabled && cfg.TLS.AcmeEmail == "" {
			return nil, fmt.Errorf("[tls]: acme_email is required when enabled = true")
		}
	}

	hostnames := make([]string, 0)
	for _, key := range v.AllKeys() {
		// AllKeys returns "::"-joined paths; a table's top-level key is the
		// first segment. Skip anything that belongs to a reserved section.
		top := strings.SplitN(key, "::", 2)[0]
		if reservedTopLevelKeys[top] {
			continue
		}
		hostnames = append(hostnames, top)
	}
	hostnames = dedupe(hostnames)
	sort.Strings(hostnames)

	apps := make([]appspec.App, 0, len(hostnames))
	for _, host := range hostnames {
		var raw rawApp
		if err := v.UnmarshalKey(host, &raw); err != nil {
			return nil, fmt.Errorf("decoding app %q: %w", host, err)
		}
		app, err := toAppSpec(host, raw)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	cfg.Apps = apps

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func toAppSpec(host string, raw rawApp) (appspec.App, error) {
	command, err := parseCommand(host, raw.Command)
	if err != nil {
		return appspec.App{}, err
	}

	startTimeout, err := parseDuration(host, "start_timeout", raw.StartTimeout, 30*time.Second)
	if err != nil {
		return appspec.App{}, err
	}
	stopTimeout, err := parseDuration(host, "stop_timeout", raw.StopTimeout, 10*time.Second)
	if err != nil {
		return appspec.App{}, err
	}
	waitPeriod, err := parseDuration(host, "wait_period", raw.WaitPeriod, 10*time.Minute)
	if err != nil {
		return appspec.App{}, err
	}
	minWait, err := parseDuration(host, "min_wait", raw.MinWait, 5*time.Minute)
	if err != nil {
		return appspec.App{}, err
	}
	maxWait, err := parseDuration(host, "max_wait", raw.MaxWait, 30*time.Minute)
	if err != nil {
		return appspec.App{}, err
	}

	initialMillis := raw.InitialBackoffMs
	if initialMillis == 0 {
		initialMillis = 250
	}
	maxBackoffSecs := raw.MaxBackoffSecs
	if maxBackoffSecs == 0 {
		maxBackoffSecs = 5
	}

	app := appspec.App{
		Hostname:          host,
		Address:           raw.Address,
		Command:           command,
		HealthCheckPath:   raw.HealthCheckPath,
		HealthBackoff:     appspec.HealthBackoff{InitialMillis: initialMillis, MaxSeconds: maxBackoffSecs},
		StartTimeout:      startTimeout,
		StopTimeout:       stopTimeout,
		AdaptiveWait:      raw.AdaptiveWait,
		WaitPeriod:        waitPeriod,
		MinWait:           minWait,
		MaxWait:           maxWait,
		LowRate:           raw.LowRate,
		HighRate:          raw.HighRate,
		ColdStartPagePath: raw.ColdStartPagePath,
		AlsoWarm:          raw.AlsoWarm,
	}

	if err := app.Validate(); err != nil {
		return appspec.App{}, err
	}
	return app, nil
}

func parseCommand(host string, v interface{}) (appspec.Command, error) {
	switch val := v.(type) {
	case string:
		return appspec.Command{Start: val}, nil
	case map[string]interface{}:
		start, _ := val["start"].(string)
		end, _ := val["end"].(string)
		if start == "" {
			return appspec.Command{}, fmt.Errorf("app %q: command.start is required", host)
		}
		return appspec.Command{Start: start, End: end}, nil
	case nil:
		return appspec.Command{}, fmt.Errorf("app %q: command is required", host)
	default:
		return appspec.Command{}, fmt.Errorf("app %q: command must be a string or a {start, end} table", host)
	}
}

func parseDuration(host, field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("app %q: invalid duration for %s: %w", host, field, err)
	}
	return d, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// validate enforces the cross-app invariants §7 requires be caught at
// startup: duplicate normalized hostnames and also_warm references to
// hostnames that aren't configured at all.
func validate(cfg *Config) error {
	seen := make(map[string]string, len(cfg.Apps))
	for _, app := range cfg.Apps {
		norm := appspec.NormalizeHost(app.Hostname)
		if other, ok := seen[norm]; ok {
			return fmt.Errorf("duplicate hostname %q (conflicts with %q)", app.Hostname, other)
		}
		seen[norm] = app.Hostname
	}

	for _, app := range cfg.Apps {
		for _, warm := range app.AlsoWarm {
			if _, ok := seen[appspec.NormalizeHost(warm)]; !ok {
				return fmt.Errorf("app %q: also_warm references unconfigured hostname %q", app.Hostname, warm)
			}
		}
	}
	return nil
}
