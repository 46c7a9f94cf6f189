// Package config loads the declarative alert configuration: databases,
// credentials, the SMTP transport, and the alert list. A single invalid
// alert never invalidates the whole set; per-alert errors are reported and
// the valid subset is returned.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/notify"
)

// DaemonConfig is the daemon-level settings block.
type DaemonConfig struct {
	Listen       string        `yaml:"listen"` // metrics/health address; empty disables the server
	Workers      int           `yaml:"workers"`
	DataDir      string        `yaml:"data_dir"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
}

// Credential is one entry in the credentials table, referenced from the
// databases section as "@name". Fields are per-kind.
type Credential struct {
	Kind string `yaml:"kind"` // postgres | bigquery

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	Project         string `yaml:"project"`
	Location        string `yaml:"location"`
	CredentialsFile string `yaml:"credentials_file"`
}

// SMTPSection configures the shared mail transport.
type SMTPSection struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// TargetSection is one entry of an alert's notify list.
type TargetSection struct {
	Channel string `yaml:"channel"` // email | slack | webhook

	Recipients []string `yaml:"recipients"`
	Subject    string   `yaml:"subject"`

	WebhookURL   string `yaml:"webhook_url"`
	SlackChannel string `yaml:"slack_channel"`
	Username     string `yaml:"username"`

	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
}

// AlertSection is one declared alert as written by the operator.
type AlertSection struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Enabled     *bool           `yaml:"enabled"` // default true
	Query       string          `yaml:"query"`
	Schedule    string          `yaml:"schedule"`
	Timezone    string          `yaml:"timezone"`
	Timeout     time.Duration   `yaml:"timeout"`
	Database    string          `yaml:"database"`
	Notify      []TargetSection `yaml:"notify"`
}

// File is the on-disk document shape.
type File struct {
	Daemon      DaemonConfig          `yaml:"daemon"`
	Databases   map[string]string     `yaml:"databases"`
	Credentials map[string]Credential `yaml:"credentials"`
	SMTP        SMTPSection           `yaml:"smtp"`
	Alerts      []AlertSection        `yaml:"alerts"`
}

// Config is the loaded and resolved configuration. Database values are
// concrete connection strings and must never be logged.
type Config struct {
	Daemon    DaemonConfig
	Databases map[string]string
	SMTP      notify.SMTPConfig
	Alerts    []*alerting.Definition
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references. An unset or empty variable is a
// hard error so that a missing secret is caught at load time.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variable %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Load reads and validates the configuration. Fatal problems (unreadable
// file, bad YAML) return a nil Config; per-alert and per-database problems
// are returned alongside the valid subset.
func Load(path string) (*Config, []error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{fmt.Errorf("read config: %w", err)}
	}

	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, []error{fmt.Errorf("parse config: %w", err)}
	}

	var errs []error
	cfg := &Config{
		Daemon:    file.Daemon,
		Databases: make(map[string]string, len(file.Databases)),
	}

	smtp, err := resolveSMTP(file.SMTP)
	if err != nil {
		errs = append(errs, fmt.Errorf("smtp: %w", err))
	} else {
		cfg.SMTP = smtp
	}

	for _, ref := range sortedKeys(file.Databases) {
		connString, err := resolveDatabase(file.Databases[ref], file.Credentials)
		if err != nil {
			errs = append(errs, fmt.Errorf("database %q: %w", ref, err))
			continue
		}
		cfg.Databases[ref] = connString
	}

	seen := make(map[string]bool, len(file.Alerts))
	for i, section := range file.Alerts {
		def, err := resolveAlert(section, cfg.Databases)
		if err != nil {
			label := section.Name
			if label == "" {
				label = fmt.Sprintf("#%d", i+1)
			}
			errs = append(errs, fmt.Errorf("alert %s: %w", label, err))
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("alert %s: duplicate name", def.Name))
			continue
		}
		seen[def.Name] = true
		cfg.Alerts = append(cfg.Alerts, def)
	}

	return cfg, errs
}

// resolveDatabase turns a connection-string expression into a concrete
// string: a literal is used as-is, ${VAR} is taken from the environment,
// and @name is assembled from the credentials table.
func resolveDatabase(expr string, credentials map[string]Credential) (string, error) {
	if name, ok := strings.CutPrefix(expr, "@"); ok {
		cred, ok := credentials[name]
		if !ok {
			return "", fmt.Errorf("unknown credential reference %q", name)
		}
		return buildConnString(name, cred)
	}
	return expandEnv(expr)
}

func buildConnString(name string, cred Credential) (string, error) {
	expanded, err := expandCredential(cred)
	if err != nil {
		return "", fmt.Errorf("credential %q: %w", name, err)
	}
	cred = expanded

	switch cred.Kind {
	case "postgres":
		if cred.Host == "" || cred.DBName == "" {
			return "", fmt.Errorf("credential %q: postgres needs host and dbname", name)
		}
		port := cred.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   cred.Host + ":" + strconv.Itoa(port),
			Path:   "/" + cred.DBName,
		}
		if cred.User != "" {
			u.User = url.UserPassword(cred.User, cred.Password)
		}
		if cred.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {cred.SSLMode}}.Encode()
		}
		return u.String(), nil

	case "bigquery":
		if cred.Project == "" {
			return "", fmt.Errorf("credential %q: bigquery needs project", name)
		}
		q := url.Values{}
		if cred.Location != "" {
			q.Set("location", cred.Location)
		}
		if cred.CredentialsFile != "" {
			q.Set("credentials", cred.CredentialsFile)
		}
		u := url.URL{Scheme: "bigquery", Host: cred.Project, RawQuery: q.Encode()}
		return u.String(), nil

	default:
		return "", fmt.Errorf("credential %q: unknown kind %q", name, cred.Kind)
	}
}

func expandCredential(cred Credential) (Credential, error) {
	var err error
	for _, field := range []*string{
		&cred.Host, &cred.User, &cred.Password, &cred.DBName, &cred.SSLMode,
		&cred.Project, &cred.Location, &cred.CredentialsFile,
	} {
		if *field, err = expandEnv(*field); err != nil {
			return cred, err
		}
	}
	return cred, nil
}

func resolveSMTP(section SMTPSection) (notify.SMTPConfig, error) {
	out := notify.SMTPConfig{Port: section.Port}
	var err error
	for dst, src := range map[*string]string{
		&out.Host:     section.Host,
		&out.Username: section.Username,
		&out.Password: section.Password,
		&out.From:     section.From,
	} {
		if *dst, err = expandEnv(src); err != nil {
			return notify.SMTPConfig{}, err
		}
	}
	if out.Host != "" && out.Port == 0 {
		out.Port = 587
	}
	return out, nil
}

// resolveAlert validates one alert section and expands its string fields.
func resolveAlert(section AlertSection, databases map[string]string) (*alerting.Definition, error) {
	if section.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if strings.TrimSpace(section.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if section.Schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}

	spec := section.Schedule
	if section.Timezone != "" {
		if _, err := time.LoadLocation(section.Timezone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q", section.Timezone)
		}
		spec = "CRON_TZ=" + section.Timezone + " " + spec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", section.Schedule, err)
	}

	if _, ok := databases[section.Database]; !ok {
		return nil, fmt.Errorf("unknown database ref %q", section.Database)
	}

	enabled := section.Enabled == nil || *section.Enabled

	query, err := expandEnv(section.Query)
	if err != nil {
		return nil, err
	}

	if enabled && len(section.Notify) == 0 {
		return nil, fmt.Errorf("an enabled alert needs at least one notification target")
	}

	targets := make([]alerting.Target, 0, len(section.Notify))
	for i, ts := range section.Notify {
		target, err := resolveTarget(ts)
		if err != nil {
			return nil, fmt.Errorf("notify[%d]: %w", i, err)
		}
		targets = append(targets, target)
	}

	return &alerting.Definition{
		Name:        section.Name,
		Description: section.Description,
		Enabled:     enabled,
		Query:       query,
		Schedule:    section.Schedule,
		Timezone:    section.Timezone,
		Timeout:     section.Timeout,
		DatabaseRef: section.Database,
		Targets:     targets,
	}, nil
}

func resolveTarget(ts TargetSection) (alerting.Target, error) {
	switch alerting.Channel(ts.Channel) {
	case alerting.ChannelEmail:
		if len(ts.Recipients) == 0 {
			return alerting.Target{}, fmt.Errorf("email target needs recipients")
		}
		return alerting.Target{
			Channel: alerting.ChannelEmail,
			Email: &alerting.EmailTarget{
				Recipients:      ts.Recipients,
				SubjectTemplate: ts.Subject,
			},
		}, nil

	case alerting.ChannelSlack:
		webhookURL, err := expandEnv(ts.WebhookURL)
		if err != nil {
			return alerting.Target{}, err
		}
		if webhookURL == "" {
			return alerting.Target{}, fmt.Errorf("slack target needs webhook_url")
		}
		return alerting.Target{
			Channel: alerting.ChannelSlack,
			Slack: &alerting.SlackTarget{
				WebhookURL: webhookURL,
				Channel:    ts.SlackChannel,
				Username:   ts.Username,
			},
		}, nil

	case alerting.ChannelWebhook:
		rawURL, err := expandEnv(ts.URL)
		if err != nil {
			return alerting.Target{}, err
		}
		if rawURL == "" {
			return alerting.Target{}, fmt.Errorf("webhook target needs url")
		}
		method := strings.ToUpper(ts.Method)
		switch method {
		case "", "GET", "POST", "PUT", "PATCH":
		default:
			return alerting.Target{}, fmt.Errorf("unsupported webhook method %q", ts.Method)
		}
		headers := make(map[string]string, len(ts.Headers))
		for k, v := range ts.Headers {
			if headers[k], err = expandEnv(v); err != nil {
				return alerting.Target{}, err
			}
		}
		return alerting.Target{
			Channel: alerting.ChannelWebhook,
			Webhook: &alerting.WebhookTarget{URL: rawURL, Method: method, Headers: headers},
		}, nil

	default:
		return alerting.Target{}, fmt.Errorf("unknown channel %q", ts.Channel)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
