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
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mxzinke/atlas/internal/logger"
	"github.com/mxzinke/atlas/internal/metrics"
)

// Exec launches handlers by running a trigger program as
//
//	<Program> <handler> <payload> <conversation id>
//
// with standard output and error discarded.  Each child is reaped by
// its own goroutine, which kills it once Timeout has passed.
type Exec struct {
	Program string

	// Timeout bounds a handler's run time.  Zero means no bound.
	Timeout time.Duration

	// MaxRunning bounds the number of unreaped children.  Launches
	// beyond it fail with ErrQueueFull.  Zero means no bound.
	MaxRunning int

	Log *logger.Logger

	running int64
}

func (e *Exec) Launch(_ context.Context, u Unit) error {
	// Reserve a slot first so concurrent launches cannot pass the bound.
	if n := atomic.AddInt64(&e.running, 1); e.MaxRunning > 0 && n > int64(e.MaxRunning) {
		atomic.AddInt64(&e.running, -1)
		return ErrQueueFull
	}

	// The child outlives the pass that launched it, so it must not
	// be bound to the pass context.
	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if e.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
	}
	cmd := exec.CommandContext(ctx, e.Program, u.Handler, string(u.Payload), u.ConversationID)
	if err := cmd.Start(); err != nil {
		atomic.AddInt64(&e.running, -1)
		cancel()
		return errors.Wrapf(err, "starting %s", e.Program)
	}

	metrics.HandlersRunning.Inc()
	go func() {
		defer cancel()
		err := cmd.Wait()
		atomic.AddInt64(&e.running, -1)
		metrics.HandlersRunning.Dec()
		if e.Log == nil {
			return
		}
		log := e.Log.With(
			zap.String("handler", u.Handler),
			zap.String("conversation_id", u.ConversationID),
		)
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			log.Warn("handler killed after timeout", zap.Duration("timeout", e.Timeout))
		case err != nil:
			log.Warn("handler exited with error", zap.Error(err))
		default:
			log.Debug("handler finished")
		}
	}()
	return nil
}

// Running returns the number of children not yet reaped.
func (e *Exec) Running() int {
	return int(atomic.LoadInt64(&e.running))
}
