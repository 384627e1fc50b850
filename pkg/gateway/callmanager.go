// Copyright 2024 Voicebridge, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/stats"
)

// FallbackRunner executes a task outside the pool. Used for hangups when the
// pool is saturated or broken, cleanup must never be silently dropped.
type FallbackRunner func(name string, task func())

func detachedRunner(_ string, task func()) {
	go task()
}

// CallManager runs blocking call operations (answer, hangup, merge, dial)
// off the transport delivery threads on a bounded worker pool. Workers are
// grown lazily from one up to the configured cap. A rejected submission
// latches the manager unhealthy until the pool is restarted.
type CallManager struct {
	log      logger.Logger
	mon      *stats.Monitor
	max      int
	fallback FallbackRunner

	healthy atomic.Bool

	mu      sync.Mutex
	queue   chan func()
	poolGen int
	workers int
	busy    int
	stopped bool
	wg      sync.WaitGroup
}

func NewCallManager(log logger.Logger, mon *stats.Monitor, maxWorkers int, fallback FallbackRunner) *CallManager {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if fallback == nil {
		fallback = detachedRunner
	}
	m := &CallManager{
		log:      log,
		mon:      mon,
		max:      maxWorkers,
		fallback: fallback,
	}
	m.initPool()
	m.healthy.Store(true)
	return m
}

func (m *CallManager) initPool() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = make(chan func(), m.max)
	m.poolGen++
	m.workers = 0
	m.busy = 0
	m.stopped = false
	m.spawnLocked()
}

func (m *CallManager) spawnLocked() {
	m.workers++
	m.wg.Add(1)
	queue := m.queue
	gen := m.poolGen
	go func() {
		defer m.wg.Done()
		for task := range queue {
			// The generation guard keeps a worker that outlived a pool
			// restart from corrupting the replacement pool's counters.
			m.mu.Lock()
			if gen == m.poolGen {
				m.busy++
			}
			m.mu.Unlock()
			task()
			m.mu.Lock()
			if gen == m.poolGen {
				m.busy--
			}
			m.mu.Unlock()
		}
	}()
}

// Healthy reports whether the pool has rejected work since the last restart.
func (m *CallManager) Healthy() bool {
	return m.healthy.Load()
}

func (m *CallManager) markUnhealthy(name string) {
	if m.healthy.CompareAndSwap(true, false) {
		m.log.Errorw("call task pool saturated, marking unhealthy", nil, "task", name)
	}
	if m.mon != nil {
		m.mon.TaskRejected()
		m.mon.SetHealthy(false)
	}
}

// Submit enqueues a task. It fails instead of blocking: callers are on
// transport delivery threads.
func (m *CallManager) Submit(name string, task func()) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.markUnhealthy(name)
		return errors.ErrPoolStopped
	}
	if m.busy >= m.workers && m.workers < m.max {
		m.spawnLocked()
	}
	queue := m.queue
	m.mu.Unlock()

	select {
	case queue <- task:
		return nil
	default:
		m.markUnhealthy(name)
		return errors.ErrPoolSaturated
	}
}

// AcceptCall answers the call on the pool. A submission failure is returned
// synchronously, the caller must know the call was not accepted.
func (m *CallManager) AcceptCall(call Call) error {
	return m.Submit("accept", func() {
		if err := call.Answer(); err != nil {
			m.log.Errorw("failed to answer call", err, "callID", call.ID())
		}
	})
}

// HangupCall requests a hangup. When the pool is unhealthy or rejects the
// task, the hangup runs on the fallback runner instead, cleanup proceeds
// even when the shared pool is broken.
func (m *CallManager) HangupCall(call Call, code int, reason string) {
	task := func() {
		if err := call.Hangup(code, reason); err != nil {
			m.log.Infow("hangup failed", "error", err, "callID", call.ID())
		}
	}
	if !m.Healthy() {
		m.fallback("hangup", task)
		return
	}
	if err := m.Submit("hangup", task); err != nil {
		m.fallback("hangup", task)
	}
}

// MergeCalls joins the telephony call into the conference call's mix.
func (m *CallManager) MergeCalls(conference, other Call) error {
	return m.Submit("merge", func() {
		if err := conference.Merge(other); err != nil {
			m.log.Errorw("failed to merge calls", err,
				"callID", conference.ID(), "otherID", other.ID())
		}
	})
}

// RestartPool drains the current pool and replaces it, resetting health.
// Returns ctx.Err when workers do not drain before the context expires.
func (m *CallManager) RestartPool(ctx context.Context) error {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.queue)
	}
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		m.log.Errorw("call task pool did not drain", err)
	}

	m.initPool()
	m.healthy.Store(true)
	if m.mon != nil {
		m.mon.SetHealthy(true)
	}
	return err
}

// Stop closes the pool. Pending tasks still run.
func (m *CallManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.queue)
}
