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

package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"github.com/mxzinke/atlas/internal/reply"
)

// Security selects how the submission connection is protected.
type Security string

const (
	StartTLS    Security = "starttls"
	ImplicitTLS Security = "tls"

	// Plain is for local relays only.
	Plain Security = "none"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPSender submits drafts to a mail server.  It implements
// reply.Sender.
type SMTPSender struct {
	Host     string
	Port     int
	Security Security

	Username string
	Password string

	// From defaults to Username.
	From string

	TLSConfig *tls.Config
	Timeout   time.Duration

	// now stamps the Date header; tests replace it.
	now func() time.Time
}

func (s *SMTPSender) from() string {
	if s.From != "" {
		return s.From
	}
	return s.Username
}

func (s *SMTPSender) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	cfg := s.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: s.Host}
	}
	switch s.Security {
	case ImplicitTLS:
		return smtp.DialTLS(addr, cfg)
	case Plain:
		return smtp.Dial(addr)
	default:
		return smtp.DialStartTLS(addr, cfg)
	}
}

// Send builds and submits d, returning its Message-ID.
func (s *SMTPSender) Send(ctx context.Context, d *reply.Draft) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	from := s.from()
	id, raw, err := Build(d, from, now())
	if err != nil {
		return "", err
	}

	c, err := s.dial()
	if err != nil {
		return "", errors.Wrapf(err, "connecting to %s", s.Host)
	}
	defer c.Close()
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout

	if s.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.Username, s.Password)); err != nil {
			return "", errors.Wrap(err, "smtp login")
		}
	}
	to := address(d.To)[0].Address
	envFrom := address(from)[0].Address
	if err := c.SendMail(envFrom, []string{to}, bytes.NewReader(raw)); err != nil {
		return "", errors.Wrapf(err, "submitting message to %s", to)
	}
	if err := c.Quit(); err != nil {
		return "", errors.Wrap(err, "smtp quit")
	}
	return id, nil
}
