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

package dispatch

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/logger"
)

// Header names set on published messages.
const (
	HeaderConversation = "Atlas-Conversation-Id"
	HeaderChannel      = "Atlas-Channel"
)

// NATS launches handlers by publishing each unit's payload to
// <Prefix>.<handler>.  Subscribers are the handlers.  Publish only
// buffers the message, so a launch never waits on a consumer.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS connects to url and returns a dispatcher publishing under
// prefix.
func ConnectNATS(url, prefix string, log *logger.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("atlas-inbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	return NewNATS(nc, prefix), nil
}

func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = "atlas.dispatch"
	}
	return &NATS{conn: nc, prefix: prefix}
}

// Subject returns the subject a unit for handler is published to.
func (n *NATS) Subject(handler string) string {
	return n.prefix + "." + handler
}

func (n *NATS) Launch(_ context.Context, u Unit) error {
	msg := nats.NewMsg(n.Subject(u.Handler))
	msg.Data = u.Payload
	msg.Header.Set(HeaderConversation, u.ConversationID)
	msg.Header.Set(HeaderChannel, u.Channel)
	if err := n.conn.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publishing to %s", msg.Subject)
	}
	return nil
}

// Close drains buffered messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
