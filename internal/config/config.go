// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon's settings from a YAML file, an
// optional .env file and the environment, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mxzinke/atlas/internal/homedir"
)

const (
	// DefaultPath is used when ATLAS_CONFIG is unset.
	DefaultPath = "/atlas/workspace/config.yml"

	DefaultDataDir = "/atlas/workspace/inbox"
	DefaultTrigger = "/atlas/app/triggers/trigger.sh"

	ProviderIMAP  = "imap"
	ProviderGmail = "gmail"
)

// Config is the whole configuration.
type Config struct {
	// DataDir holds the account stores, the unified inbox, the wake
	// marker and the raw archive.
	DataDir string `yaml:"data_dir"`

	// InboxDB, WakeFile and ArchiveDir default to files under DataDir.
	InboxDB    string `yaml:"inbox_db"`
	WakeFile   string `yaml:"wake_file"`
	ArchiveDir string `yaml:"archive_dir"`

	LogLevel string `yaml:"log_level"`

	// Listen is the admin HTTP address for serve.
	Listen string `yaml:"listen"`

	Dispatch Dispatch `yaml:"dispatch"`
	Email    Email    `yaml:"email"`
	Signal   Signal   `yaml:"signal"`
	Legacy   Legacy   `yaml:"legacy"`
}

// Dispatch configures handler launches.
type Dispatch struct {
	// Trigger is run as <trigger> <handler> <payload> <conversation id>.
	// Empty disables process launches.
	Trigger    string   `yaml:"trigger"`
	Timeout    Interval `yaml:"timeout"`
	MaxRunning int      `yaml:"max_running"`

	// NATSURL additionally publishes every unit when set.
	NATSURL    string `yaml:"nats_url"`
	NATSPrefix string `yaml:"nats_prefix"`
}

// Email configures the email account.
type Email struct {
	// Provider is "imap" or "gmail".
	Provider string `yaml:"provider"`

	IMAPHost     string `yaml:"imap_host"`
	IMAPPort     int    `yaml:"imap_port"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPSecurity string `yaml:"smtp_security"`

	Username     string `yaml:"username"`
	Password     string `yaml:"-"`
	PasswordFile string `yaml:"password_file"`

	// From defaults to Username.
	From string `yaml:"from"`

	Folder    string   `yaml:"folder"`
	Whitelist []string `yaml:"whitelist"`
	MarkRead  *bool    `yaml:"mark_read"`

	// IMAPPlaintext connects to IMAP without TLS.
	IMAPPlaintext bool `yaml:"imap_plaintext"`

	// SkipVerify accepts any server certificate.
	SkipVerify bool `yaml:"tls_skip_verify"`

	PollInterval Interval `yaml:"poll_interval"`
	Handler      string   `yaml:"handler"`

	// Gmail is used when Provider is "gmail".
	Gmail Gmail `yaml:"gmail"`
}

// Gmail names the OAuth token program for the Gmail API.
type Gmail struct {
	TokenCommand string `yaml:"token_command"`
	APIKey       string `yaml:"api_key"`
}

// Signal configures the relay account.
type Signal struct {
	Number       string   `yaml:"number"`
	Whitelist    []string `yaml:"whitelist"`
	Command      string   `yaml:"command"`
	PollInterval Interval `yaml:"poll_interval"`
	Handler      string   `yaml:"handler"`
}

// Legacy points at the pre-database email state.
type Legacy struct {
	ThreadsDir  string `yaml:"threads_dir"`
	LastUIDFile string `yaml:"last_uid_file"`
}

// Enabled reports whether an email account is configured.
func (e *Email) Enabled() bool {
	if e.Provider == ProviderGmail {
		return e.Username != "" && e.Gmail.TokenCommand != ""
	}
	return e.IMAPHost != "" && e.Username != ""
}

// ShouldMarkRead reports whether fetched mail is flagged as read.
func (e *Email) ShouldMarkRead() bool {
	return e.MarkRead == nil || *e.MarkRead
}

// Enabled reports whether a relay account is configured.
func (s *Signal) Enabled() bool {
	return s.Number != ""
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("ATLAS_CONFIG"); p != "" {
		return homedir.Expand(p)
	}
	return DefaultPath
}

// Load reads path, which may be missing, then applies .env and the
// environment.  envFile is optional.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "loading %s", envFile)
		}
	}

	cfg := &Config{}
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrapf(err, "reading %s", path)
	default:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.readSecrets(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = n
		return nil
	}
	interval := func(key string, dst *Interval) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		d, err := ParseInterval(v)
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = Interval(d)
		return nil
	}

	str("ATLAS_DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("ATLAS_LISTEN", &c.Listen)
	str("ATLAS_TRIGGER", &c.Dispatch.Trigger)
	str("NATS_URL", &c.Dispatch.NATSURL)

	str("EMAIL_PROVIDER", &c.Email.Provider)
	str("EMAIL_IMAP_HOST", &c.Email.IMAPHost)
	str("EMAIL_SMTP_HOST", &c.Email.SMTPHost)
	str("EMAIL_USERNAME", &c.Email.Username)
	str("EMAIL_PASSWORD", &c.Email.Password)
	str("EMAIL_FOLDER", &c.Email.Folder)
	str("EMAIL_FROM", &c.Email.From)
	str("GMAIL_TOKEN_COMMAND", &c.Email.Gmail.TokenCommand)
	str("SIGNAL_NUMBER", &c.Signal.Number)
	str("SIGNAL_CLI", &c.Signal.Command)

	for _, f := range []func() error{
		func() error { return num("EMAIL_IMAP_PORT", &c.Email.IMAPPort) },
		func() error { return num("EMAIL_SMTP_PORT", &c.Email.SMTPPort) },
		func() error { return interval("EMAIL_POLL_INTERVAL", &c.Email.PollInterval) },
		func() error { return interval("SIGNAL_POLL_INTERVAL", &c.Signal.PollInterval) },
	} {
		if err := f(); err != nil {
			return errors.Wrap(err, "invalid environment")
		}
	}
	return nil
}

// readSecrets fills the email password from its file when the
// environment did not provide one.  A missing file leaves it empty.
func (c *Config) readSecrets() error {
	if c.Email.Password != "" || c.Email.PasswordFile == "" {
		return nil
	}
	b, err := os.ReadFile(homedir.Expand(c.Email.PasswordFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading email password file")
	}
	c.Email.Password = strings.TrimSpace(string(b))
	return nil
}

func (c *Config) applyDefaults() {
	def := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	def(&c.DataDir, DefaultDataDir)
	c.DataDir = homedir.Expand(c.DataDir)
	def(&c.InboxDB, filepath.Join(c.DataDir, "atlas.db"))
	def(&c.WakeFile, filepath.Join(c.DataDir, ".wake"))
	def(&c.ArchiveDir, filepath.Join(c.DataDir, "raw"))
	def(&c.LogLevel, "info")
	def(&c.Listen, "127.0.0.1:8087")

	def(&c.Dispatch.NATSPrefix, "atlas.dispatch")
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = Interval(30 * time.Minute)
	}

	def(&c.Email.Provider, ProviderIMAP)
	if c.Email.IMAPPort == 0 {
		c.Email.IMAPPort = 993
	}
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	def(&c.Email.SMTPSecurity, "starttls")
	def(&c.Email.Folder, "INBOX")
	def(&c.Email.From, c.Email.Username)
	def(&c.Email.Handler, "email-handler")
	if c.Email.PollInterval == 0 {
		c.Email.PollInterval = Interval(120 * time.Second)
	}

	def(&c.Signal.Handler, "signal-handler")
	if c.Signal.PollInterval == 0 {
		c.Signal.PollInterval = Interval(5 * time.Second)
	}

	def(&c.Legacy.ThreadsDir, filepath.Join(c.DataDir, "email-threads"))
	def(&c.Legacy.LastUIDFile, filepath.Join(c.DataDir, ".email-last-uid"))
}

func (c *Config) validate() error {
	switch c.Email.Provider {
	case ProviderIMAP, ProviderGmail:
	default:
		return errors.Errorf("unknown email provider %q", c.Email.Provider)
	}
	switch c.Email.SMTPSecurity {
	case "starttls", "tls", "none":
	default:
		return errors.Errorf("unknown smtp_security %q", c.Email.SMTPSecurity)
	}
	if c.Email.PollInterval < 0 || c.Signal.PollInterval < 0 {
		return errors.New("poll intervals must be positive")
	}
	return nil
}

// Interval is a duration written as "2m" or as a number of seconds.
type Interval time.Duration

func (i *Interval) UnmarshalYAML(n *yaml.Node) error {
	d, err := ParseInterval(n.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", n.Line)
	}
	*i = Interval(d)
	return nil
}

func (i Interval) Duration() time.Duration { return time.Duration(i) }

// ParseInterval accepts a Go duration ("2m") or a number of seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

var (
	emailAccountChars  = regexp.MustCompile(`[^a-zA-Z0-9@._-]`)
	signalAccountChars = regexp.MustCompile(`[^0-9+]`)
)

// AccountDB returns the store path for an account of channel.
func (c *Config) AccountDB(channel, account string) string {
	var name string
	switch channel {
	case "signal":
		name = signalAccountChars.ReplaceAllString(account, "")
	default:
		name = emailAccountChars.ReplaceAllString(account, "_")
	}
	if name == "" {
		name = "default"
	}
	return filepath.Join(c.DataDir, channel, name+".db")
}
