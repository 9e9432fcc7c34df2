// Package config loads pgsync settings.
//
// Settings come from a TOML file with four sections:
//
//	[postgres]       content database connection
//	[elasticsearch]  cluster, index names and batch sizes
//	[app]            polling, checkpoint files, logging, dashboard
//	[backoff]        retry policy for every network call
//
// Every key can be overridden from the environment as PGSYNC_<SECTION>_<KEY>,
// for example PGSYNC_POSTGRES_PASSWORD or PGSYNC_APP_POLL_INTERVAL. Durations
// are written as Go duration strings ("10s", "250ms").
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// DefaultFile is the config file looked up in the working directory when no
// path is given.
const DefaultFile = "pgsync.toml"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "PGSYNC"

// Duration is a time.Duration that reads and writes as "10s" in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Postgres holds the content database settings.
type Postgres struct {
	// Driver is "pgx", "postgres" (lib/pq) or "sqlite3".
	Driver   string `mapstructure:"driver" toml:"driver"`
	Host     string `mapstructure:"host" toml:"host"`
	Port     int    `mapstructure:"port" toml:"port"`
	Database string `mapstructure:"database" toml:"database"`
	User     string `mapstructure:"user" toml:"user"`
	Password string `mapstructure:"password" toml:"password"`
	SSLMode  string `mapstructure:"sslmode" toml:"sslmode"`

	// Options is sent as the libpq "options" startup parameter.
	Options string `mapstructure:"options" toml:"options"`

	// DSN replaces the connection settings above when set. Required for
	// sqlite3, where it is the database file path.
	DSN string `mapstructure:"dsn" toml:"dsn"`

	Schema       string   `mapstructure:"schema" toml:"schema"`
	QueryTimeout Duration `mapstructure:"query_timeout" toml:"query_timeout"`
	MaxOpenConns int      `mapstructure:"max_open_conns" toml:"max_open_conns"`
}

// Elasticsearch holds the cluster and index settings.
type Elasticsearch struct {
	Addresses []string `mapstructure:"addresses" toml:"addresses"`
	Username  string   `mapstructure:"username" toml:"username"`
	Password  string   `mapstructure:"password" toml:"password"`
	Timeout   Duration `mapstructure:"timeout" toml:"timeout"`

	MoviesIndex  string `mapstructure:"movies_index" toml:"movies_index"`
	PersonsIndex string `mapstructure:"persons_index" toml:"persons_index"`
	GenresIndex  string `mapstructure:"genres_index" toml:"genres_index"`

	// BulkSize is both the bulk batch size and the change detection page.
	BulkSize int `mapstructure:"bulk_size" toml:"bulk_size"`

	// ItemRetries bounds resubmission rounds for rejected documents.
	ItemRetries int `mapstructure:"item_retries" toml:"item_retries"`

	BulkRate  float64 `mapstructure:"bulk_rate" toml:"bulk_rate"`
	BulkBurst int     `mapstructure:"bulk_burst" toml:"bulk_burst"`

	// SchemaDir holds <kind>.json files overriding the built-in mappings.
	SchemaDir string `mapstructure:"schema_dir" toml:"schema_dir"`

	// HealthStatus is the cluster status awaited before syncing; empty
	// skips the wait.
	HealthStatus string `mapstructure:"health_status" toml:"health_status"`
}

// App holds daemon settings.
type App struct {
	PollInterval  Duration `mapstructure:"poll_interval" toml:"poll_interval"`
	StateFile     string   `mapstructure:"state_file" toml:"state_file"`
	SideStateFile string   `mapstructure:"side_state_file" toml:"side_state_file"`
	SideIndexes   bool     `mapstructure:"side_indexes" toml:"side_indexes"`
	FixturesDir   string   `mapstructure:"fixtures_dir" toml:"fixtures_dir"`
	DashboardPort int      `mapstructure:"dashboard_port" toml:"dashboard_port"`

	LogFile       string `mapstructure:"log_file" toml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" toml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" toml:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days" toml:"log_max_age_days"`
}

// Backoff holds the retry policy.
type Backoff struct {
	Initial Duration `mapstructure:"initial" toml:"initial"`
	Factor  float64  `mapstructure:"factor" toml:"factor"`
	Max     Duration `mapstructure:"max" toml:"max"`

	// MaxAttempts of zero retries forever.
	MaxAttempts int `mapstructure:"max_attempts" toml:"max_attempts"`
}

// Config is the full settings tree.
type Config struct {
	Postgres      Postgres      `mapstructure:"postgres" toml:"postgres"`
	Elasticsearch Elasticsearch `mapstructure:"elasticsearch" toml:"elasticsearch"`
	App           App           `mapstructure:"app" toml:"app"`
	Backoff       Backoff       `mapstructure:"backoff" toml:"backoff"`

	// File is the path the settings were read from; empty when no file
	// was found.
	File string `mapstructure:"-" toml:"-"`
}

// Default returns the settings used for keys missing from the file.
func Default() *Config {
	return &Config{
		Postgres: Postgres{
			Driver:       "pgx",
			Host:         "localhost",
			Port:         5432,
			Database:     "movies_database",
			User:         "app",
			SSLMode:      "disable",
			Schema:       "content",
			QueryTimeout: Duration(30 * time.Second),
			MaxOpenConns: 4,
		},
		Elasticsearch: Elasticsearch{
			Addresses:    []string{"http://localhost:9200"},
			Timeout:      Duration(30 * time.Second),
			MoviesIndex:  "movies",
			PersonsIndex: "persons",
			GenresIndex:  "genres",
			BulkSize:     100,
			ItemRetries:  3,
			BulkRate:     20,
			BulkBurst:    1,
			HealthStatus: "yellow",
		},
		App: App{
			PollInterval:  Duration(10 * time.Second),
			StateFile:     "state.json",
			SideStateFile: "side_state.json",
			SideIndexes:   true,
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
			LogMaxAgeDays: 28,
		},
		Backoff: Backoff{
			Initial: Duration(100 * time.Millisecond),
			Factor:  1,
			Max:     Duration(10 * time.Second),
		},
	}
}

// Load reads path (or DefaultFile when path is empty), applies environment
// overrides and validates the result. A missing DefaultFile is not an error;
// a missing explicit path is.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".toml"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload reads the file c was loaded from again.
func (c *Config) Reload() (*Config, error) {
	return Load(c.File)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so that AutomaticEnv sees it during
	// Unmarshal.
	d := Default()
	set := func(section string, values map[string]any) {
		for k, val := range values {
			v.SetDefault(section+"."+k, val)
		}
	}
	set("postgres", map[string]any{
		"driver":         d.Postgres.Driver,
		"host":           d.Postgres.Host,
		"port":           d.Postgres.Port,
		"database":       d.Postgres.Database,
		"user":           d.Postgres.User,
		"password":       d.Postgres.Password,
		"sslmode":        d.Postgres.SSLMode,
		"options":        d.Postgres.Options,
		"dsn":            d.Postgres.DSN,
		"schema":         d.Postgres.Schema,
		"query_timeout":  d.Postgres.QueryTimeout,
		"max_open_conns": d.Postgres.MaxOpenConns,
	})
	set("elasticsearch", map[string]any{
		"addresses":     d.Elasticsearch.Addresses,
		"username":      d.Elasticsearch.Username,
		"password":      d.Elasticsearch.Password,
		"timeout":       d.Elasticsearch.Timeout,
		"movies_index":  d.Elasticsearch.MoviesIndex,
		"persons_index": d.Elasticsearch.PersonsIndex,
		"genres_index":  d.Elasticsearch.GenresIndex,
		"bulk_size":     d.Elasticsearch.BulkSize,
		"item_retries":  d.Elasticsearch.ItemRetries,
		"bulk_rate":     d.Elasticsearch.BulkRate,
		"bulk_burst":    d.Elasticsearch.BulkBurst,
		"schema_dir":    d.Elasticsearch.SchemaDir,
		"health_status": d.Elasticsearch.HealthStatus,
	})
	set("app", map[string]any{
		"poll_interval":    d.App.PollInterval,
		"state_file":       d.App.StateFile,
		"side_state_file":  d.App.SideStateFile,
		"side_indexes":     d.App.SideIndexes,
		"fixtures_dir":     d.App.FixturesDir,
		"dashboard_port":   d.App.DashboardPort,
		"log_file":         d.App.LogFile,
		"log_max_size_mb":  d.App.LogMaxSizeMB,
		"log_max_backups":  d.App.LogMaxBackups,
		"log_max_age_days": d.App.LogMaxAgeDays,
	})
	set("backoff", map[string]any{
		"initial":      d.Backoff.Initial,
		"factor":       d.Backoff.Factor,
		"max":          d.Backoff.Max,
		"max_attempts": d.Backoff.MaxAttempts,
	})
	return v
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Postgres.Driver {
	case "pgx", "postgres":
		if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "") {
			bad("postgres: host and database are required without a dsn")
		}
	case "sqlite3":
		if c.Postgres.DSN == "" {
			bad("postgres: the sqlite3 driver needs dsn set to a database file")
		}
	default:
		bad("postgres.driver: unsupported driver %q", c.Postgres.Driver)
	}
	if c.Postgres.Port < 0 || c.Postgres.Port > 65535 {
		bad("postgres.port: %d out of range", c.Postgres.Port)
	}
	if c.Postgres.QueryTimeout <= 0 {
		bad("postgres.query_timeout must be positive")
	}

	es := c.Elasticsearch
	if len(es.Addresses) == 0 {
		bad("elasticsearch.addresses: at least one address is required")
	}
	for _, a := range es.Addresses {
		if u, err := url.Parse(a); err != nil || u.Scheme == "" || u.Host == "" {
			bad("elasticsearch.addresses: %q is not a URL", a)
		}
	}
	names := map[string]string{
		"movies_index":  es.MoviesIndex,
		"persons_index": es.PersonsIndex,
		"genres_index":  es.GenresIndex,
	}
	seen := make(map[string]string)
	for _, key := range []string{"movies_index", "persons_index", "genres_index"} {
		name := names[key]
		if name == "" {
			bad("elasticsearch.%s is required", key)
			continue
		}
		if other, ok := seen[name]; ok {
			bad("elasticsearch.%s and %s both name index %q", other, key, name)
		}
		seen[name] = key
	}
	if es.BulkSize <= 0 {
		bad("elasticsearch.bulk_size must be positive")
	}
	if es.ItemRetries < 0 {
		bad("elasticsearch.item_retries must not be negative")
	}
	if es.BulkRate < 0 {
		bad("elasticsearch.bulk_rate must not be negative")
	}
	if es.Timeout <= 0 {
		bad("elasticsearch.timeout must be positive")
	}
	switch es.HealthStatus {
	case "", "green", "yellow", "red":
	default:
		bad("elasticsearch.health_status: %q is not green, yellow or red", es.HealthStatus)
	}

	if c.App.PollInterval <= 0 {
		bad("app.poll_interval must be positive")
	}
	if c.App.StateFile == "" {
		bad("app.state_file is required")
	}
	if c.App.SideIndexes && c.App.SideStateFile == "" {
		bad("app.side_state_file is required when side_indexes is on")
	}
	if c.App.SideStateFile != "" && c.App.SideStateFile == c.App.StateFile {
		bad("app.side_state_file must differ from app.state_file")
	}
	if c.App.DashboardPort < 0 || c.App.DashboardPort > 65535 {
		bad("app.dashboard_port: %d out of range", c.App.DashboardPort)
	}

	if c.Backoff.Initial <= 0 {
		bad("backoff.initial must be positive")
	}
	if c.Backoff.Factor <= 0 {
		bad("backoff.factor must be positive")
	}
	if c.Backoff.Max < c.Backoff.Initial {
		bad("backoff.max must not be below backoff.initial")
	}
	if c.Backoff.MaxAttempts < 0 {
		bad("backoff.max_attempts must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ConnString returns the DSN, or a postgres:// URL built from the
// individual settings.
func (p Postgres) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	if p.Options != "" {
		q.Set("options", p.Options)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
