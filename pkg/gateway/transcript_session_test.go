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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/gateway/pkg/errors"
)

func newTranscriptEnv(t *testing.T) (*TranscriptGateway, *fakeProvisioner, *fakeSink) {
	t.Helper()
	prov := newFakeProvisioner()
	gw, err := NewTranscriptGateway(GatewayParams{
		Log:         testLog(),
		Conf:        newTestConfig(t),
		Monitor:     newTestMonitor(t),
		Provisioner: prov,
	})
	require.NoError(t, err)
	t.Cleanup(gw.Stop)
	gw.Start()
	return gw, prov, &fakeSink{}
}

func TestTranscriptSessionJoinsAndWrites(t *testing.T) {
	gw, prov, sink := newTranscriptEnv(t)
	s, err := gw.CreateSession(newTestContext(), sink)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	room := prov.acc.joinedRoom()
	require.NotNil(t, room)
	require.Equal(t, statusTranscribing, room.presence())

	room.join(Member{Resource: "alice-1", Status: "Alice"})
	require.NoError(t, s.Write(context.Background(), TranscriptEntry{
		Participant: s.MemberName("alice-1"),
		Text:        "hello everyone",
		Final:       true,
	}))

	sink.mu.Lock()
	require.Len(t, sink.entries, 1)
	require.Equal(t, "Alice", sink.entries[0].Participant)
	require.False(t, sink.entries[0].Timestamp.IsZero())
	sink.mu.Unlock()
}

func TestTranscriptSessionMemberNameFallsBackToResource(t *testing.T) {
	gw, _, sink := newTranscriptEnv(t)
	s, err := gw.CreateSession(newTestContext(), sink)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Equal(t, "ghost-1", s.MemberName("ghost-1"))
}

func TestTranscriptSessionEndsWhenRoomEmpties(t *testing.T) {
	gw, prov, sink := newTranscriptEnv(t)
	ctx := newTestContext()
	s, err := gw.CreateSession(ctx, sink)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	room := prov.acc.joinedRoom()
	room.join(Member{Resource: "focus"})
	room.join(Member{Resource: "alice-1", Status: "Alice"})
	room.join(Member{Resource: "bob-1", Status: "Bob"})
	require.Equal(t, 1, gw.ActiveSessionCount())

	room.leave(Member{Resource: "alice-1"})
	require.Equal(t, 1, gw.ActiveSessionCount(), "Bob is still being transcribed")

	room.leave(Member{Resource: "bob-1"})
	waitFor(t, func() bool { return gw.ActiveSessionCount() == 0 })
	require.True(t, sink.isClosed())
	require.EqualValues(t, 3, s.ParticipantsSeen())
}

func TestTranscriptSessionNoResume(t *testing.T) {
	gw, prov, sink := newTranscriptEnv(t)
	s, err := gw.CreateSession(newTestContext(), sink)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	call := newFakeCall("conf-1", "focus")
	prov.acc.handler().OnIncomingCall(call)
	waitFor(t, func() bool { return call.State() == CallInProgress })

	// Without resume support the conference ends with the media call.
	call.fire(CallStateEvent{State: CallEnded, Code: 200, Reason: "hangup"})
	waitFor(t, func() bool { return gw.ActiveSessionCount() == 0 })
	require.True(t, sink.isClosed())
}

func TestTranscriptSessionMuteRefused(t *testing.T) {
	gw, _, sink := newTranscriptEnv(t)
	s, err := gw.CreateSession(newTestContext(), sink)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.ErrorIs(t, s.Mute(true), errors.ErrMuteUnsupported)
}
