package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ATLAS_DATA_DIR", "LOG_LEVEL", "ATLAS_LISTEN", "ATLAS_TRIGGER", "NATS_URL",
		"EMAIL_PROVIDER", "EMAIL_IMAP_HOST", "EMAIL_USERNAME",
		"EMAIL_PASSWORD", "EMAIL_FOLDER", "EMAIL_FROM", "GMAIL_TOKEN_COMMAND",
		"SIGNAL_NUMBER", "SIGNAL_CLI", "EMAIL_IMAP_PORT", "EMAIL_SMTP_PORT",
		"EMAIL_POLL_INTERVAL", "SIGNAL_POLL_INTERVAL",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"), "")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.DataDir != DefaultDataDir || cfg.InboxDB != "/atlas/workspace/inbox/atlas.db" {
		t.Errorf("paths = %q, %q", cfg.DataDir, cfg.InboxDB)
	}
	if cfg.Email.IMAPPort != 993 || cfg.Email.SMTPPort != 587 || cfg.Email.Folder != "INBOX" {
		t.Errorf("email defaults = %+v", cfg.Email)
	}
	if !cfg.Email.ShouldMarkRead() {
		t.Error("mark_read defaults to false, want true")
	}
	if cfg.Email.PollInterval.Duration() != 120*time.Second || cfg.Signal.PollInterval.Duration() != 5*time.Second {
		t.Errorf("intervals = %v, %v", cfg.Email.PollInterval.Duration(), cfg.Signal.PollInterval.Duration())
	}
	if cfg.Email.Enabled() || cfg.Signal.Enabled() {
		t.Error("accounts enabled without configuration")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	secret := writeFile(t, dir, "password", "s3cret\n")
	path := writeFile(t, dir, "config.yml", `
data_dir: `+dir+`
email:
  imap_host: imap.example.com
  username: atlas@example.com
  password_file: `+secret+`
  whitelist: ["@example.com", "boss@corp.com"]
  mark_read: false
  poll_interval: 2m
signal:
  number: "+4917600000000"
  whitelist: ["+4917611111111"]
  poll_interval: 10
`)
	t.Setenv("EMAIL_IMAP_HOST", "imap.override.com")
	t.Setenv("SIGNAL_POLL_INTERVAL", "3")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	want := Email{
		Provider:     ProviderIMAP,
		IMAPHost:     "imap.override.com",
		IMAPPort:     993,
		SMTPPort:     587,
		SMTPSecurity: "starttls",
		Username:     "atlas@example.com",
		Password:     "s3cret",
		PasswordFile: secret,
		From:         "atlas@example.com",
		Folder:       "INBOX",
		Whitelist:    []string{"@example.com", "boss@corp.com"},
		MarkRead:     cfg.Email.MarkRead,
		PollInterval: Interval(2 * time.Minute),
		Handler:      "email-handler",
	}
	if diff := cmp.Diff(want, cfg.Email); diff != "" {
		t.Errorf("email mismatch (-want +got):\n%s", diff)
	}
	if cfg.Email.ShouldMarkRead() {
		t.Error("mark_read: false was ignored")
	}
	if cfg.Signal.PollInterval.Duration() != 3*time.Second {
		t.Errorf("signal interval = %v, want the environment's 3s", cfg.Signal.PollInterval.Duration())
	}
	if !cfg.Email.Enabled() || !cfg.Signal.Enabled() {
		t.Error("configured accounts are not enabled")
	}
	if cfg.WakeFile != filepath.Join(dir, ".wake") {
		t.Errorf("WakeFile = %q", cfg.WakeFile)
	}
}

func TestLoadEnvPasswordWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", "email:\n  password_file: "+writeFile(t, dir, "pw", "file")+"\n")
	t.Setenv("EMAIL_PASSWORD", "env")
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Email.Password != "env" {
		t.Errorf("Password = %q, want the environment's", cfg.Email.Password)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	t.Cleanup(func() { os.Unsetenv("EMAIL_SMTP_HOST") })
	env := writeFile(t, t.TempDir(), ".env", "EMAIL_SMTP_HOST=smtp.example.com\n")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"), env)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Email.SMTPHost != "smtp.example.com" {
		t.Errorf("SMTPHost = %q, want the .env value", cfg.Email.SMTPHost)
	}
}

func TestLoadInvalid(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	for name, content := range map[string]string{
		"provider": "email:\n  provider: pop3\n",
		"interval": "email:\n  poll_interval: soon\n",
		"yaml":     "email: [\n",
	} {
		if _, err := Load(writeFile(t, dir, name+".yml", content), ""); err == nil {
			t.Errorf("Load(%s) = nil, want error", name)
		}
	}
	t.Setenv("EMAIL_IMAP_PORT", "imaps")
	if _, err := Load(filepath.Join(dir, "missing.yml"), ""); err == nil {
		t.Error("Load() with a non-numeric port = nil, want error")
	}
}

func TestParseInterval(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want time.Duration
	}{
		{"120", 120 * time.Second},
		{" 5 ", 5 * time.Second},
		{"1m30s", 90 * time.Second},
		{"250ms", 250 * time.Millisecond},
	} {
		got, err := ParseInterval(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestAccountDB(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	for _, tc := range []struct{ channel, account, want string }{
		{"email", "atlas@example.com", "/data/email/atlas@example.com.db"},
		{"email", "we ird/name", "/data/email/we_ird_name.db"},
		{"signal", "+49 176 000", "/data/signal/+49176000.db"},
		{"signal", "", "/data/signal/default.db"},
	} {
		if got := cfg.AccountDB(tc.channel, tc.account); got != tc.want {
			t.Errorf("AccountDB(%q, %q) = %q, want %q", tc.channel, tc.account, got, tc.want)
		}
	}
}
