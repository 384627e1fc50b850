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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayedTaskFires(t *testing.T) {
	var task DelayedTask
	var fired atomic.Int32
	task.Schedule(5*time.Millisecond, func() { fired.Add(1) })
	require.True(t, task.Armed())

	waitFor(t, func() bool { return fired.Load() == 1 })
	require.False(t, task.Armed())
}

func TestDelayedTaskCancel(t *testing.T) {
	var task DelayedTask
	var fired atomic.Int32
	task.Schedule(20*time.Millisecond, func() { fired.Add(1) })
	task.Cancel()
	require.False(t, task.Armed())

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, int32(0), fired.Load())
}

func TestDelayedTaskCancelIdle(t *testing.T) {
	var task DelayedTask
	task.Cancel()
	task.Cancel()
	require.False(t, task.Armed())
}

func TestDelayedTaskReschedule(t *testing.T) {
	var task DelayedTask
	var first, second atomic.Int32
	task.Schedule(50*time.Millisecond, func() { first.Add(1) })
	task.Schedule(5*time.Millisecond, func() { second.Add(1) })

	waitFor(t, func() bool { return second.Load() == 1 })
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), first.Load(), "replaced run must not fire")
	require.Equal(t, int32(1), second.Load())
}

func TestDelayedTaskCancelJoinsPendingRun(t *testing.T) {
	var task DelayedTask
	var fired atomic.Int32
	for i := 0; i < 100; i++ {
		task.Schedule(time.Microsecond, func() { fired.Add(1) })
		task.Cancel()
		n := fired.Load()
		// After Cancel returns the callback may have fully run already or
		// never run, but it cannot start later.
		time.Sleep(time.Millisecond)
		require.Equal(t, n, fired.Load())
	}
}

func TestDelayedTaskCancelFromCallback(t *testing.T) {
	var task DelayedTask
	done := make(chan struct{})
	task.Schedule(time.Millisecond, func() {
		task.Cancel()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback deadlocked on its own Cancel")
	}
}
