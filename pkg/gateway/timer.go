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
	"sync"
	"time"
)

// DelayedTask runs a function once after a delay. Schedule replaces any
// pending run. Cancel joins a run that is still waiting on its timer, and
// the timer goroutine reconfirms the generation under the task lock before
// firing, so a cancelled run almost never executes. One window stays open:
// a callback that already passed the generation check has detached and may
// run after Cancel returns. Callers must tolerate a single late fire. The
// detach is also what keeps Cancel safe to call from inside the callback
// itself.
type DelayedTask struct {
	mu     sync.Mutex
	gen    uint64
	cancel chan struct{}
	done   chan struct{}
}

// Schedule arms the task. A previously scheduled run is cancelled and
// joined first.
func (t *DelayedTask) Schedule(d time.Duration, fn func()) {
	t.Cancel()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	cancel := make(chan struct{})
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-cancel:
			return
		case <-timer.C:
		}
		t.mu.Lock()
		live := gen == t.gen
		if live {
			// Detach before running so the callback may Cancel or
			// Schedule this task without deadlocking on itself.
			t.cancel, t.done = nil, nil
		}
		t.mu.Unlock()
		if live {
			fn()
		}
	}()
}

// Cancel disarms a pending run and waits for the timer goroutine to exit.
// Safe to call when nothing is scheduled. Must not be called while holding a
// lock the callback may take.
func (t *DelayedTask) Cancel() {
	t.mu.Lock()
	t.gen++
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

// Armed reports whether a run is currently pending.
func (t *DelayedTask) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}
