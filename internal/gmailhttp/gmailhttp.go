/*
Package gmailhttp builds the HTTP client used to reach the Gmail API.

OAuth 2.0 tokens are acquired by running an external program, given the
account address and the space separated scopes as arguments, which
prints an access token on stdout.  The program should behave like the
one used by https://github.com/google/oauth2l (see
https://github.com/google/oauth2l/blob/master/util/sso.go).

An API key is added to every request when configured.

BUGS:

The token program does not report an expiry, so tokens are treated as
valid for five minutes and re-fetched after that.  The server may still
reject a token before then; such calls fail and the next poll retries.
*/
package gmailhttp

import (
	"bytes"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi/transport"
)

// tokenLifetime is how long a fetched token is reused.
const tokenLifetime = 5 * time.Minute

// Config names the token program and the account.
type Config struct {
	// TokenCommand is the token program.
	TokenCommand string

	// User is the account address the token is for.
	User string

	Scopes []string

	// APIKey is optional.
	APIKey string
}

// commandTokenSource runs an external program to retrieve an OAuth 2.0
// bearer token for a given user and set of scopes.
type commandTokenSource struct {
	command string
	user    string
	scope   string
	now     func() time.Time
}

// Token returns a new token by executing the program.  Satisfies
// oauth2.TokenSource.
func (s *commandTokenSource) Token() (*oauth2.Token, error) {
	cmd := exec.Command(s.command, s.user, s.scope)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "token command %s: %s", s.command, strings.TrimSpace(stderr.String()))
	}

	accessToken := strings.TrimSpace(out.String())
	if accessToken == "" {
		return nil, errors.Errorf("token command %s printed no token", s.command)
	}
	return &oauth2.Token{
		AccessToken: accessToken,
		Expiry:      s.now().Add(tokenLifetime),
	}, nil
}

// New returns an HTTP client carrying the configured credentials.
// Requests go through base, or http.DefaultTransport when base is nil.
func New(cfg Config, base http.RoundTripper) (*http.Client, error) {
	if cfg.TokenCommand == "" {
		return nil, errors.New("gmail: no token command configured")
	}
	if cfg.User == "" {
		return nil, errors.New("gmail: no account configured")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.APIKey != "" {
		base = &transport.APIKey{Key: cfg.APIKey, Transport: base}
	}
	src := &commandTokenSource{
		command: cfg.TokenCommand,
		user:    cfg.User,
		scope:   strings.Join(cfg.Scopes, " "),
		now:     time.Now,
	}
	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}
	return &http.Client{Transport: trans}, nil
}
