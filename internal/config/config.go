package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key in the environment and
// in envfiles.
const EnvPrefix = "AWG_EXPORTER"

const (
	ModeHTTP        = "http"
	ModeMetricsFile = "metrics_file"
	ModeOneshot     = "oneshot"
	ModePush        = "push"
)

const (
	SourceCommand = "command"
	SourceUAPI    = "uapi"
)

const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	OpsMode         string
	ScrapeInterval  time.Duration
	ScrapeTimeout   time.Duration
	OnlineThreshold time.Duration

	HTTPListenAddr string
	HTTPPort       int
	MetricsFile    string

	Source      string
	AwgShowExec string
	UAPISocket  string

	ClientsTable ClientsTableConfig
	Ledger       LedgerConfig
	Redis        RedisConfig
	Push         PushConfig
	Telegram     TelegramConfig

	ExtraLabels map[string]string
	LogLevel    string
	LogFormat   string
}

type ClientsTableConfig struct {
	Enabled bool
	File    string
	Watch   bool
}

type LedgerConfig struct {
	Backend       string
	RetentionDays int
	// StatsDBFile enables persisted traffic totals; the sqlite backend
	// keeps its activity records in the same file.
	StatsDBFile string
}

type RedisConfig struct {
	Host      string
	Port      int
	DB        int
	Password  string
	KeyPrefix string
}

type PushConfig struct {
	URL      string
	Token    string
	Job      string
	Instance string
}

type TelegramConfig struct {
	Token  string
	ChatID int64

	// AllowedUsers may query the bot from private chats. Members of ChatID
	// are always allowed.
	AllowedUsers []int64
}

var defaults = map[string]any{
	"ops_mode":               ModeHTTP,
	"scrape_interval":        60,
	"scrape_timeout":         10,
	"online_threshold":       180,
	"http_listen_addr":       "",
	"http_port":              9351,
	"metrics_file":           "/tmp/prometheus/awg.prom",
	"source":                 SourceCommand,
	"awg_show_exec":          "awg show",
	"uapi_socket":            "/var/run/amneziawg/awg0.sock",
	"clients_table_enabled":  false,
	"clients_table_file":     "./clientsTable",
	"clients_table_watch":    false,
	"ledger_backend":         BackendRedis,
	"ledger_retention_days":  400,
	"stats_db_file":          "",
	"redis_host":             "localhost",
	"redis_port":             6379,
	"redis_db":               0,
	"redis_password":         "",
	"redis_key_prefix":       "awg_exporter",
	"push_url":               "",
	"push_token":             "",
	"push_job":               "awg_exporter",
	"push_instance":          "",
	"extra_labels":           "",
	"log_level":              "info",
	"log_format":             "text",
	"telegram_token":         "",
	"telegram_chat_id":       0,
	"telegram_allowed_users": "",
}

// Load reads the configuration from the environment. When envfile is set,
// its AWG_EXPORTER_* entries fill in whatever the process environment does
// not define. Every invalid value is reported in the returned error.
func Load(envfile string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if host, err := os.Hostname(); err == nil {
		v.SetDefault("push_instance", host)
	}

	if envfile != "" {
		if err := readEnvfile(v, envfile); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	var errs *multierror.Error
	cfg := &Config{
		OpsMode:        strings.ToLower(v.GetString("ops_mode")),
		HTTPListenAddr: v.GetString("http_listen_addr"),
		MetricsFile:    v.GetString("metrics_file"),
		Source:         strings.ToLower(v.GetString("source")),
		AwgShowExec:    v.GetString("awg_show_exec"),
		UAPISocket:     v.GetString("uapi_socket"),
		ClientsTable: ClientsTableConfig{
			File: v.GetString("clients_table_file"),
		},
		Ledger: LedgerConfig{
			Backend:     strings.ToLower(v.GetString("ledger_backend")),
			StatsDBFile: v.GetString("stats_db_file"),
		},
		Redis: RedisConfig{
			Host:      v.GetString("redis_host"),
			Password:  v.GetString("redis_password"),
			KeyPrefix: v.GetString("redis_key_prefix"),
		},
		Push: PushConfig{
			URL:      v.GetString("push_url"),
			Token:    v.GetString("push_token"),
			Job:      v.GetString("push_job"),
			Instance: v.GetString("push_instance"),
		},
		Telegram: TelegramConfig{
			Token: v.GetString("telegram_token"),
		},
		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),
	}

	cfg.ScrapeInterval = seconds(v, "scrape_interval", &errs)
	cfg.ScrapeTimeout = seconds(v, "scrape_timeout", &errs)
	cfg.OnlineThreshold = seconds(v, "online_threshold", &errs)
	cfg.HTTPPort = integer(v, "http_port", &errs)
	cfg.Ledger.RetentionDays = integer(v, "ledger_retention_days", &errs)
	cfg.Redis.Port = integer(v, "redis_port", &errs)
	cfg.Redis.DB = integer(v, "redis_db", &errs)
	cfg.ClientsTable.Enabled = boolean(v, "clients_table_enabled", &errs)
	cfg.ClientsTable.Watch = boolean(v, "clients_table_watch", &errs)

	chatID, err := cast.ToInt64E(v.Get("telegram_chat_id"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: not an integer: %v", envName("telegram_chat_id"), v.Get("telegram_chat_id")))
	}
	cfg.Telegram.ChatID = chatID

	users, err := ParseUserIDs(v.GetString("telegram_allowed_users"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", envName("telegram_allowed_users"), err))
	}
	cfg.Telegram.AllowedUsers = users

	labels, err := ParseLabels(v.GetString("extra_labels"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", envName("extra_labels"), err))
	}
	cfg.ExtraLabels = labels

	if err := cfg.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func readEnvfile(v *viper.Viper, path string) error {
	f := viper.New()
	f.SetConfigFile(path)
	f.SetConfigType("env")
	if err := f.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading envfile %s: %w", path, err)
	}
	prefix := strings.ToLower(EnvPrefix) + "_"
	for _, key := range f.AllKeys() {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			v.SetDefault(name, f.Get(key))
		}
	}
	return nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// seconds accepts a plain number of seconds or a Go duration string.
func seconds(v *viper.Viper, key string, errs **multierror.Error) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("%s: not a number of seconds or a duration: %q", envName(key), raw))
	}
	return d
}

func integer(v *viper.Viper, key string, errs **multierror.Error) int {
	n, err := cast.ToIntE(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("%s: not an integer: %q", envName(key), v.GetString(key)))
	}
	return n
}

func boolean(v *viper.Viper, key string, errs **multierror.Error) bool {
	b, err := cast.ToBoolE(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("%s: not a boolean: %q", envName(key), v.GetString(key)))
	}
	return b
}

var labelName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// reservedLabels are set per series and cannot be used as static labels.
var reservedLabels = map[string]bool{"peer": true, "client_name": true}

// ParseLabels parses "k=v,k2=v2" into a label map.
func ParseLabels(s string) (map[string]string, error) {
	labels := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return labels, nil
	}
	var errs *multierror.Error
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		switch {
		case !ok:
			errs = multierror.Append(errs, fmt.Errorf("label %q: expected key=value", pair))
		case !labelName.MatchString(k) || strings.HasPrefix(k, "__"):
			errs = multierror.Append(errs, fmt.Errorf("label %q: invalid label name", k))
		case reservedLabels[k]:
			errs = multierror.Append(errs, fmt.Errorf("label %q: reserved for per-peer series", k))
		default:
			if _, dup := labels[k]; dup {
				errs = multierror.Append(errs, fmt.Errorf("label %q: set more than once", k))
			}
			labels[k] = strings.TrimSpace(val)
		}
	}
	return labels, errs.ErrorOrNil()
}

// Validate checks the cross-field rules that single-value parsing cannot.
// ParseUserIDs parses a comma-separated list of Telegram user IDs.
func ParseUserIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := cast.ToInt64E(part)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	switch c.OpsMode {
	case ModeHTTP, ModeMetricsFile, ModeOneshot, ModePush:
	default:
		add("%s: unknown mode %q", envName("ops_mode"), c.OpsMode)
	}
	switch c.Source {
	case SourceCommand:
		if strings.TrimSpace(c.AwgShowExec) == "" {
			add("%s: must not be empty", envName("awg_show_exec"))
		}
	case SourceUAPI:
		if c.UAPISocket == "" {
			add("%s: must not be empty", envName("uapi_socket"))
		}
	default:
		add("%s: unknown source %q", envName("source"), c.Source)
	}
	switch c.Ledger.Backend {
	case BackendRedis, BackendMemory:
	case BackendSQLite:
		if c.Ledger.StatsDBFile == "" {
			add("%s: required by the sqlite ledger backend", envName("stats_db_file"))
		}
	default:
		add("%s: unknown backend %q", envName("ledger_backend"), c.Ledger.Backend)
	}

	if c.ScrapeInterval <= 0 {
		add("%s: must be positive", envName("scrape_interval"))
	}
	if c.ScrapeTimeout <= 0 {
		add("%s: must be positive", envName("scrape_timeout"))
	}
	if c.OnlineThreshold <= 0 {
		add("%s: must be positive", envName("online_threshold"))
	}
	if c.Ledger.RetentionDays < 62 {
		// MAU needs at least the current and previous month of records.
		add("%s: must be at least 62", envName("ledger_retention_days"))
	}

	if c.OpsMode == ModeHTTP && (c.HTTPPort < 1 || c.HTTPPort > 65535) {
		add("%s: %d out of range", envName("http_port"), c.HTTPPort)
	}
	if (c.OpsMode == ModeMetricsFile || c.OpsMode == ModeOneshot) && c.MetricsFile == "" {
		add("%s: required in %s mode", envName("metrics_file"), c.OpsMode)
	}
	if c.OpsMode == ModePush {
		if c.Push.URL == "" {
			add("%s: required in push mode", envName("push_url"))
		}
		if c.Push.Job == "" {
			add("%s: required in push mode", envName("push_job"))
		}
		for _, k := range []string{"job", "instance"} {
			if _, ok := c.ExtraLabels[k]; ok {
				add("%s: label %q is set by the push grouping key", envName("extra_labels"), k)
			}
		}
	}
	if c.Ledger.Backend == BackendRedis && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		add("%s: %d out of range", envName("redis_port"), c.Redis.Port)
	}
	if c.ClientsTable.Enabled && c.ClientsTable.File == "" {
		add("%s: required when the clients table is enabled", envName("clients_table_file"))
	}
	if c.Telegram.ChatID != 0 && c.Telegram.Token == "" {
		add("%s: required when a chat id is set", envName("telegram_token"))
	}
	if len(c.Telegram.AllowedUsers) > 0 && c.Telegram.Token == "" {
		add("%s: required when allowed users are set", envName("telegram_token"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("%s: unknown level %q", envName("log_level"), c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		add("%s: unknown format %q", envName("log_format"), c.LogFormat)
	}
	return errs.ErrorOrNil()
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HTTPAddr is the listen address of the pull endpoint.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPListenAddr, strconv.Itoa(c.HTTPPort))
}

func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

// Redact hides a secret, keeping only whether it was set.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// RedactURL hides userinfo in a URL, e.g. "https://user:pw@host/" becomes
// "https://***@host/".
func RedactURL(uri string) string {
	if at := strings.LastIndex(uri, "@"); at != -1 {
		if i := strings.Index(uri, "//"); i != -1 && i < at {
			return uri[:i+2] + "***" + uri[at:]
		}
	}
	return uri
}

// LogValue renders the configuration for the startup log with secrets hidden.
func (c *Config) LogValue() slog.Value {
	labels := make([]string, 0, len(c.ExtraLabels))
	for k, v := range c.ExtraLabels {
		labels = append(labels, k+"="+v)
	}
	sort.Strings(labels)

	return slog.GroupValue(
		slog.String("ops_mode", c.OpsMode),
		slog.Duration("scrape_interval", c.ScrapeInterval),
		slog.Duration("scrape_timeout", c.ScrapeTimeout),
		slog.Duration("online_threshold", c.OnlineThreshold),
		slog.String("http_addr", c.HTTPAddr()),
		slog.String("metrics_file", c.MetricsFile),
		slog.String("source", c.Source),
		slog.String("awg_show_exec", c.AwgShowExec),
		slog.String("uapi_socket", c.UAPISocket),
		slog.Bool("clients_table_enabled", c.ClientsTable.Enabled),
		slog.String("clients_table_file", c.ClientsTable.File),
		slog.String("ledger_backend", c.Ledger.Backend),
		slog.Int("ledger_retention_days", c.Ledger.RetentionDays),
		slog.String("stats_db_file", c.Ledger.StatsDBFile),
		slog.String("redis_addr", c.RedisAddr()),
		slog.Int("redis_db", c.Redis.DB),
		slog.String("redis_password", Redact(c.Redis.Password)),
		slog.String("push_url", RedactURL(c.Push.URL)),
		slog.String("push_token", Redact(c.Push.Token)),
		slog.String("push_job", c.Push.Job),
		slog.String("push_instance", c.Push.Instance),
		slog.String("extra_labels", strings.Join(labels, ",")),
		slog.String("telegram_token", Redact(c.Telegram.Token)),
		slog.Int64("telegram_chat_id", c.Telegram.ChatID),
		slog.Any("telegram_allowed_users", c.Telegram.AllowedUsers),
		slog.String("log_level", c.LogLevel),
		slog.String("log_format", c.LogFormat),
	)
}
