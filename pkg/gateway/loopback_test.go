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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/gateway/pkg/config"
)

type loopbackEvents struct {
	mu       sync.Mutex
	regState RegistrationState
	calls    chan Call
	joined   []string
	left     []string
	updated  []Member
}

func newLoopbackEvents() *loopbackEvents {
	return &loopbackEvents{calls: make(chan Call, 1)}
}

func (e *loopbackEvents) OnRegistrationChanged(state RegistrationState, err error) {
	e.mu.Lock()
	e.regState = state
	e.mu.Unlock()
}

func (e *loopbackEvents) OnIncomingCall(call Call) {
	e.calls <- call
}

func (e *loopbackEvents) OnMemberJoined(m Member) {
	e.mu.Lock()
	e.joined = append(e.joined, m.Resource)
	e.mu.Unlock()
}

func (e *loopbackEvents) OnMemberUpdated(m Member) {
	e.mu.Lock()
	e.updated = append(e.updated, m)
	e.mu.Unlock()
}

func (e *loopbackEvents) OnMemberLeft(m Member) {
	e.mu.Lock()
	e.left = append(e.left, m.Resource)
	e.mu.Unlock()
}

func (e *loopbackEvents) OnKicked() {}

func loopbackConf() *config.Config {
	return &config.Config{FocusName: "focus"}
}

func TestLoopbackFocusCallsJoiner(t *testing.T) {
	p := NewLoopbackProvisioner(loopbackConf())

	cctx := NewCallContext(nil)
	acc, err := p.Provision(cctx)
	require.NoError(t, err)

	ev := newLoopbackEvents()
	require.NoError(t, acc.Register(ev))
	require.Equal(t, Registered, ev.regState)

	room, err := acc.JoinRoom("orbit", "caller1", "", ev)
	require.NoError(t, err)

	var call Call
	select {
	case call = <-ev.calls:
	case <-time.After(time.Second):
		t.Fatal("focus never called")
	}
	require.Equal(t, "focus", call.RemoteResource())

	require.NoError(t, call.Answer())
	require.Equal(t, CallInProgress, call.State())
	require.False(t, call.LastMediaReceived().IsZero())

	require.NoError(t, call.Hangup(0, "done"))
	require.Equal(t, CallEnded, call.State())
	require.True(t, call.LastMediaReceived().IsZero())

	require.NoError(t, room.Leave("done"))
	require.NoError(t, p.Release(acc))
}

func TestLoopbackPresencePropagates(t *testing.T) {
	p := NewLoopbackProvisioner(loopbackConf())

	accA, err := p.Provision(NewCallContext(nil))
	require.NoError(t, err)
	accB, err := p.Provision(NewCallContext(nil))
	require.NoError(t, err)

	evA := newLoopbackEvents()
	evB := newLoopbackEvents()
	require.NoError(t, accA.Register(evA))
	require.NoError(t, accB.Register(evB))

	roomA, err := accA.JoinRoom("orbit", "a", "", evA)
	require.NoError(t, err)
	roomB, err := accB.JoinRoom("orbit", "b", "", evB)
	require.NoError(t, err)

	require.Contains(t, evA.joined, "b")
	require.Contains(t, evB.joined, "a")

	require.NoError(t, roomA.SetPresenceStatus("muted"))
	require.Len(t, evB.updated, 1)
	require.Equal(t, Member{Resource: "a", Status: "muted"}, evB.updated[0])

	members := roomB.Members()
	resources := make([]string, 0, len(members))
	for _, m := range members {
		resources = append(resources, m.Resource)
	}
	require.Contains(t, resources, "focus")
	require.Contains(t, resources, "a")
	require.Contains(t, resources, "b")

	require.NoError(t, roomA.Leave("bye"))
	require.Contains(t, evB.left, "a")
	require.NoError(t, roomB.Leave("bye"))
}
