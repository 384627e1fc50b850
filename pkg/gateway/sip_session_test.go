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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/gateway/pkg/config"
)

type sipEnv struct {
	conf *config.Config
	gw   *SIPGateway
	prov *fakeProvisioner
	tel  *fakeTelephony
}

func newSIPEnv(t *testing.T) *sipEnv {
	t.Helper()
	conf := newTestConfig(t)
	conf.HangupVisibleDelay = 0
	prov := newFakeProvisioner()
	tel := &fakeTelephony{}
	gw, err := NewSIPGateway(GatewayParams{
		Log:         testLog(),
		Conf:        conf,
		Monitor:     newTestMonitor(t),
		Provisioner: prov,
		Telephony:   tel,
	})
	require.NoError(t, err)
	t.Cleanup(gw.Stop)
	gw.Start()
	return &sipEnv{conf: conf, gw: gw, prov: prov, tel: tel}
}

// inviteConferenceCall plays the focus: it invites the media call and brings
// it up.
func (e *sipEnv) inviteConferenceCall(t *testing.T, id string) *fakeCall {
	t.Helper()
	call := newFakeCall(id, e.conf.FocusName)
	e.prov.acc.handler().OnIncomingCall(call)
	waitFor(t, func() bool { return call.State() == CallInProgress })
	return call
}

func TestSIPSessionInboundBridges(t *testing.T) {
	e := newSIPEnv(t)
	inbound := newFakeCall("tel-in", "+15550100")
	ctx := newTestContext()

	s, err := e.gw.CreateSession(ctx, inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	conf := e.inviteConferenceCall(t, "conf-1")

	// The telephony call is answered only once the conference leg is up.
	waitFor(t, func() bool { return inbound.State() == CallInProgress })
	waitFor(t, func() bool {
		conf.mu.Lock()
		defer conf.mu.Unlock()
		return conf.merged == Call(inbound)
	})
	require.Equal(t, statusInCall, e.prov.acc.joinedRoom().presence())
}

func TestSIPSessionOutboundDialsAfterConferenceStarts(t *testing.T) {
	e := newSIPEnv(t)
	ctx := newTestContext()
	ctx.SetDestination("+15550123")
	ctx.AddHeader("X-Tenant", "acme")

	s, err := e.gw.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.Equal(t, 0, e.tel.dialCount(), "must not ring before the conference is up")

	conf := e.inviteConferenceCall(t, "conf-1")
	waitFor(t, func() bool { return e.tel.dialCount() == 1 })

	e.tel.mu.Lock()
	dial := e.tel.dialed[0]
	dialed := e.tel.call
	e.tel.mu.Unlock()
	require.Equal(t, "+15550123", dial.destination)
	require.Equal(t, "acme", dial.headers["X-Tenant"])

	waitFor(t, func() bool {
		conf.mu.Lock()
		defer conf.mu.Unlock()
		return conf.merged == Call(dialed)
	})
}

func TestSIPSessionOutboundWithoutDestinationFails(t *testing.T) {
	e := newSIPEnv(t)
	s, err := e.gw.CreateSession(newTestContext(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	e.inviteConferenceCall(t, "conf-1")
	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 0 })
	require.Equal(t, 0, e.tel.dialCount())
}

func TestSIPSessionTelephonyHangupEndsEverything(t *testing.T) {
	e := newSIPEnv(t)
	inbound := newFakeCall("tel-in", "+15550100")
	ctx := newTestContext()
	s, err := e.gw.CreateSession(ctx, inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	conf := e.inviteConferenceCall(t, "conf-1")
	waitFor(t, func() bool { return inbound.State() == CallInProgress })

	inbound.fire(CallStateEvent{State: CallEnded, Code: 200, Reason: "bye"})

	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 0 })
	waitFor(t, func() bool {
		hung, _, _ := conf.wasHungup()
		return hung
	})
	left, _ := e.prov.acc.joinedRoom().hasLeft()
	require.True(t, left)

	reason, ok := e.gw.EndedReason(ctx.ID())
	require.True(t, ok)
	require.Equal(t, "bye", reason.Text)
}

func TestSIPSessionBusyPeer(t *testing.T) {
	e := newSIPEnv(t)
	inbound := newFakeCall("tel-in", "+15550100")
	s, err := e.gw.CreateSession(newTestContext(), inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	inbound.fire(CallStateEvent{State: CallBusy})
	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 0 })

	reason, ok := e.gw.EndedReason(s.Context().ID())
	require.True(t, ok)
	require.Equal(t, ReasonBusy, reason)
}

func TestSIPSessionHangUpIdempotent(t *testing.T) {
	e := newSIPEnv(t)
	inbound := newFakeCall("tel-in", "+15550100")
	s, err := e.gw.CreateSession(newTestContext(), inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	s.HangUp()
	s.HangUp()
	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 0 })

	waitFor(t, func() bool {
		hung, _, _ := inbound.wasHungup()
		return hung
	})
	_, code, _ := inbound.wasHungup()
	require.Equal(t, ReasonHangup.Code, code)
}

func TestSIPSessionMediaDropHangsUp(t *testing.T) {
	e := newSIPEnv(t)
	e.conf.HangupOnMediaDrop = true
	inbound := newFakeCall("tel-in", "+15550100")
	ctx := newTestContext()
	s, err := e.gw.CreateSession(ctx, inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	conf := e.inviteConferenceCall(t, "conf-1")
	conf.setLastMedia(time.Now().Add(-time.Second))

	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 0 })
	reason, ok := e.gw.EndedReason(ctx.ID())
	require.True(t, ok)
	require.Equal(t, ReasonMediaDropped, reason)
}

func TestSIPSessionDelayedTelephonyTeardown(t *testing.T) {
	e := newSIPEnv(t)
	e.conf.HangupVisibleDelay = 50 * time.Millisecond
	inbound := newFakeCall("tel-in", "+15550100")
	s, err := e.gw.CreateSession(newTestContext(), inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	e.inviteConferenceCall(t, "conf-1")
	waitFor(t, func() bool { return inbound.State() == CallInProgress })

	s.HangUp()
	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 0 })

	hung, _, _ := inbound.wasHungup()
	require.False(t, hung, "telephony leg outlives the conference briefly")
	waitFor(t, func() bool {
		hung, _, _ := inbound.wasHungup()
		return hung
	})
}

func TestSIPSessionResumeNotifiesListeners(t *testing.T) {
	e := newSIPEnv(t)
	inbound := newFakeCall("tel-in", "+15550100")
	s, err := e.gw.CreateSession(newTestContext(), inbound)
	require.NoError(t, err)

	var rec recListener
	s.AddListener(&rec)
	require.NoError(t, s.Start())

	first := e.inviteConferenceCall(t, "conf-1")
	first.fire(CallStateEvent{State: CallEnded, Code: 200, Reason: "bridge restart"})
	e.inviteConferenceCall(t, "conf-2")

	waitFor(t, func() bool {
		for _, k := range rec.kinds() {
			if k == EventResumed {
				return true
			}
		}
		return false
	})

	s.HangUp()
	waitFor(t, func() bool {
		kinds := rec.kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == EventStopped
	})
}

func TestSIPSessionMute(t *testing.T) {
	e := newSIPEnv(t)
	inbound := newFakeCall("tel-in", "+15550100")
	s, err := e.gw.CreateSession(newTestContext(), inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Error(t, s.Mute(true), "no conference call bound yet")

	conf := e.inviteConferenceCall(t, "conf-1")
	require.NoError(t, s.Mute(true))
	conf.mu.Lock()
	muted := conf.muted
	conf.mu.Unlock()
	require.True(t, muted)
}

func TestSIPSessionRegistersAfterRoomJoin(t *testing.T) {
	e := newSIPEnv(t)
	e.prov.acc.autoRegister = false
	inbound := newFakeCall("tel-in", "+15550100")
	ctx := newTestContext()

	s, err := e.gw.CreateSession(ctx, inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	// No room membership yet, so the session is reserved, not active.
	require.Equal(t, 0, e.gw.ActiveSessionCount())
	got, ok := e.gw.GetSession(ctx.ID())
	require.True(t, ok, "reserved session stays reachable for hangups")
	require.Equal(t, Session(s), got)

	e.prov.acc.handler().OnRegistrationChanged(Registered, nil)
	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 1 })
}

func TestSIPSessionMediaDropLatchesWithoutHangup(t *testing.T) {
	e := newSIPEnv(t)
	inbound := newFakeCall("tel-in", "+15550100")
	s, err := e.gw.CreateSession(newTestContext(), inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	conf := e.inviteConferenceCall(t, "conf-1")
	require.False(t, s.MediaDropped())
	conf.setLastMedia(time.Now().Add(-time.Second))

	waitFor(t, func() bool { return s.MediaDropped() })
	// Without HangupOnMediaDrop the stall is only recorded.
	require.Equal(t, 1, e.gw.ActiveSessionCount())
}

func TestSIPSessionReasonedHangupDelaysTeardown(t *testing.T) {
	e := newSIPEnv(t)
	e.conf.HangupVisibleDelay = 50 * time.Millisecond
	inbound := newFakeCall("tel-in", "+15550100")
	ctx := newTestContext()
	s, err := e.gw.CreateSession(ctx, inbound)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	e.inviteConferenceCall(t, "conf-1")
	waitFor(t, func() bool { return inbound.State() == CallInProgress })

	inbound.fire(CallStateEvent{State: CallEnded, Code: 200, Reason: "bye"})

	// The membership lingers with the hangup reason visible to the room.
	require.Equal(t, 1, e.gw.ActiveSessionCount())
	require.Equal(t, "bye", e.prov.acc.joinedRoom().presence())

	waitFor(t, func() bool { return e.gw.ActiveSessionCount() == 0 })
	left, _ := e.prov.acc.joinedRoom().hasLeft()
	require.True(t, left)
	reason, ok := e.gw.EndedReason(ctx.ID())
	require.True(t, ok)
	require.Equal(t, "bye", reason.Text)
}

func TestSIPSessionsShareRoomIndependently(t *testing.T) {
	conf := newTestConfig(t)
	conf.InviteTimeout = time.Minute
	prov := &multiProvisioner{}
	gw, err := NewSIPGateway(GatewayParams{
		Log:         testLog(),
		Conf:        conf,
		Monitor:     newTestMonitor(t),
		Provisioner: prov,
		Telephony:   &fakeTelephony{},
	})
	require.NoError(t, err)
	t.Cleanup(gw.Stop)
	gw.Start()

	var sessions []*SIPSession
	for i := 0; i < 3; i++ {
		inbound := newFakeCall(fmt.Sprintf("tel-%d", i+1), fmt.Sprintf("+1555010%d", i))
		s, err := gw.CreateSession(newTestContext(), inbound)
		require.NoError(t, err)
		require.NoError(t, s.Start())
		sessions = append(sessions, s)
	}
	require.Equal(t, 3, gw.ActiveSessionCount())

	// Every session holds its own membership in the same room.
	first := prov.account(0).lastJoin().room
	for i := 1; i < 3; i++ {
		require.Equal(t, first, prov.account(i).lastJoin().room)
	}

	// One hangup leaves the other memberships untouched.
	sessions[1].HangUp()
	waitFor(t, func() bool { return gw.ActiveSessionCount() == 2 })
	left, _ := prov.account(1).joinedRoom().hasLeft()
	require.True(t, left)
	for _, i := range []int{0, 2} {
		left, _ := prov.account(i).joinedRoom().hasLeft()
		require.False(t, left)
	}

	sessions[0].HangUp()
	sessions[2].HangUp()
	waitFor(t, func() bool { return gw.ActiveSessionCount() == 0 })
}
