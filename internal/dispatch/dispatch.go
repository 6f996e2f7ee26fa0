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

// Package dispatch launches downstream handlers for newly ingested
// messages, one launch per message, without waiting for any of them.
package dispatch

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/metrics"
)

// ErrQueueFull is returned by a Dispatcher that refuses a launch because
// too many handlers are already running.
var ErrQueueFull = errors.New("dispatch queue full")

// Unit is one pending handler launch.  It lives only between the end of
// an ingestion pass and the launch.
type Unit struct {
	// Handler names the downstream handler ("email-handler").
	Handler string

	// ConversationID keys the handler session.  The collaborator
	// serializes work per conversation.
	ConversationID string

	Channel string

	// Payload is a JSON object describing the message.
	Payload []byte
}

// Dispatcher starts a handler for u and returns as soon as it has been
// started.  Implementations must never wait for the handler to finish.
type Dispatcher interface {
	Launch(ctx context.Context, u Unit) error
}

// Fanout launches queued units through a Dispatcher.
type Fanout struct {
	d   Dispatcher
	log *logger.Logger
}

func NewFanout(d Dispatcher, log *logger.Logger) *Fanout {
	return &Fanout{d: d, log: log}
}

// Fire launches every unit.  A failed launch is logged and counted; it
// is not retried because the inbox entry and the liveness marker are
// already durable.  Fire returns the number of successful launches.
func (f *Fanout) Fire(ctx context.Context, units []Unit) int {
	launched := 0
	for _, u := range units {
		log := f.log.With(
			zap.String("handler", u.Handler),
			zap.String("conversation_id", u.ConversationID),
		)
		if err := f.d.Launch(ctx, u); err != nil {
			metrics.DispatchTotal.WithLabelValues(u.Handler, "failed").Inc()
			log.Warn("handler launch failed", zap.Error(err))
			continue
		}
		metrics.DispatchTotal.WithLabelValues(u.Handler, "launched").Inc()
		log.Info("handler launched")
		launched++
	}
	return launched
}

// Multi launches each unit through every dispatcher in turn.  The launch
// fails if any of them fails.
type Multi []Dispatcher

func (m Multi) Launch(ctx context.Context, u Unit) error {
	var first error
	for _, d := range m {
		if err := d.Launch(ctx, u); err != nil && first == nil {
			first = err
		}
	}
	return first
}
