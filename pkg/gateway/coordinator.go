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
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/gateway/pkg/config"
	"github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/stats"
)

const focusInviteWait = 5 * time.Second

// CoordinatorParams wires a ConferenceCoordinator.
type CoordinatorParams struct {
	Log         logger.Logger
	Conf        *config.Config
	Monitor     *stats.Monitor
	Session     Session
	Context     *CallContext
	Provisioner IdentityProvisioner
	CallManager *CallManager
}

// ConferenceCoordinator owns the lifecycle of one conference room
// membership: it provisions a transport account, joins the MUC, invites the
// focus, waits for the focus to invite the media call, binds that call and
// unwinds everything on any leg's failure.
//
// States: created -> started (no room) -> room joined (no call) ->
// call bound -> (call unbound -> room joined | stopped). The invite wait
// timer and the bound call are mutually exclusive: whenever the call is
// bound the timer is disarmed, whenever it unbinds while still started the
// timer is rearmed.
type ConferenceCoordinator struct {
	log     logger.Logger
	conf    *config.Config
	mon     *stats.Monitor
	session Session
	ctx     *CallContext
	prov    IdentityProvisioner
	callMgr *CallManager

	inviteTimer DelayedTask

	mu             sync.Mutex
	started        bool
	account        Account
	room           Room
	call           Call
	presence       string
	endReason      EndReason
	connFailedSeen bool
}

func NewConferenceCoordinator(p CoordinatorParams) *ConferenceCoordinator {
	return &ConferenceCoordinator{
		log:     p.Log.WithValues("callID", p.Context.ID()),
		conf:    p.Conf,
		mon:     p.Monitor,
		session: p.Session,
		ctx:     p.Context,
		prov:    p.Provisioner,
		callMgr: p.CallManager,
	}
}

func (c *ConferenceCoordinator) Context() *CallContext {
	return c.ctx
}

func (c *ConferenceCoordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// BoundCall returns the conference media call, nil until the focus invite
// was accepted.
func (c *ConferenceCoordinator) BoundCall() Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

func (c *ConferenceCoordinator) Room() Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// InviteWaitArmed reports whether the invite/resume wait timer is pending.
func (c *ConferenceCoordinator) InviteWaitArmed() bool {
	return c.inviteTimer.Armed()
}

func (c *ConferenceCoordinator) EndReason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Start provisions the transport account and begins registration. The room
// join happens either synchronously, when registration completes inline, or
// from the registration callback.
func (c *ConferenceCoordinator) Start() error {
	if c.ctx.Domain() == "" {
		c.log.Errorw("cannot start conference without a domain", nil)
		return errors.ErrMissingDomain
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.log.Errorw("conference already started", nil)
		return errors.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	_, span := Tracer.Start(context.Background(), "ConferenceCoordinator.Start")
	defer span.End()

	acc, err := c.prov.Provision(c.ctx)
	if err != nil {
		c.log.Errorw("failed to provision transport account", err)
		c.session.OnSessionFailed(err)
		_ = c.StopWithReason(ReasonConnectionFailed)
		return err
	}
	c.mu.Lock()
	c.account = acc
	c.mu.Unlock()

	// Register may call back synchronously when the transport is already
	// connected, in which case the room join runs before this returns.
	if err := acc.Register(c); err != nil {
		c.log.Errorw("transport registration failed", err)
		c.session.OnSessionFailed(err)
		_ = c.StopWithReason(ReasonConnectionFailed)
		return err
	}
	return nil
}

// OnRegistrationChanged implements AccountHandler.
func (c *ConferenceCoordinator) OnRegistrationChanged(state RegistrationState, err error) {
	switch state {
	case Registered:
		c.mu.Lock()
		join := c.started && c.room == nil
		c.mu.Unlock()
		if join {
			c.joinRoom()
		}
	case RegistrationFailed:
		c.log.Errorw("transport registration failed", err)
		c.session.OnSessionFailed(err)
		_ = c.StopWithReason(ReasonConnectionFailed)
	case ConnectionFailed:
		c.onConnectionFailed(err)
	}
}

// onConnectionFailed drops the room membership and the bound call but keeps
// the coordinator started: a later re-registration rejoins the same room.
// The call resource is rotated so the rejoin does not collide with a stale
// server side session.
func (c *ConferenceCoordinator) onConnectionFailed(err error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	first := !c.connFailedSeen
	c.connFailedSeen = true
	room, call := c.room, c.call
	c.room, c.call = nil, nil
	c.mu.Unlock()

	c.log.Warnw("transport connection failed, waiting for reconnect", err)
	if first && c.mon != nil {
		c.mon.ConnectionFailed()
	}

	c.inviteTimer.Cancel()
	if room != nil {
		if lerr := room.Leave(ReasonConnectionFailed.Text); lerr != nil {
			c.log.Infow("failed to leave room after connection failure", "error", lerr)
		}
	}
	c.ctx.RotateCallResource()
	if call != nil {
		c.callMgr.HangupCall(call, ReasonConnectionFailed.Code, ReasonConnectionFailed.Text)
	}
}

// roomAddress appends the MUC domain when the configured room is bare.
func (c *ConferenceCoordinator) roomAddress() string {
	room := c.ctx.RoomName()
	if strings.Contains(room, "@") {
		return room
	}
	return room + "@" + c.conf.MucDomainPrefix + "." + c.ctx.Domain()
}

func (c *ConferenceCoordinator) features() []string {
	f := []string{"urn:xmpp:jingle:1", "urn:xmpp:jingle:apps:rtp:audio"}
	if c.conf.Features.Mute {
		f = append(f, "http://jitsi.org/protocol/audio-mute")
	}
	if c.conf.Features.DTMF {
		f = append(f, "urn:xmpp:jingle:dtmf:0")
	}
	if c.conf.Features.ICE {
		f = append(f, "urn:xmpp:jingle:transports:ice-udp:1")
		if c.conf.Features.Bundle {
			f = append(f, "urn:ietf:rfc:5761", "urn:ietf:rfc:5888")
		}
	}
	return f
}

func (c *ConferenceCoordinator) mucResource() string {
	if c.conf.ResourceFromAddress {
		if dst := c.ctx.Destination(); dst != "" {
			return dst
		}
	}
	return c.ctx.CallResource()
}

func (c *ConferenceCoordinator) joinRoom() {
	c.mu.Lock()
	acc := c.account
	c.mu.Unlock()
	if acc == nil {
		return
	}

	if err := acc.AdvertiseFeatures(c.features()); err != nil {
		c.log.Infow("failed to advertise features", "error", err)
	}

	roomAddr := c.roomAddress()
	log := c.log.WithValues("room", roomAddr)

	// Ask the focus to join first, mirroring the web client's join order.
	// No reply is not fatal, the focus may already be in the room.
	focusAddr := c.conf.FocusName + "." + c.ctx.Domain()
	ictx, cancel := context.WithTimeout(context.Background(), focusInviteWait)
	if err := acc.InviteFocus(ictx, focusAddr, roomAddr); err != nil {
		log.Infow("conference focus invite got no reply", "error", err)
	}
	cancel()

	// Armed before the join attempt so a conference where no invite ever
	// arrives is still bounded.
	c.armInviteWait(ReasonInviteTimeout)

	room, err := acc.JoinRoom(roomAddr, c.mucResource(), c.ctx.Password(), c)
	if err != nil {
		if stderrors.Is(err, errors.ErrLobbyWait) {
			// Held in the room's lobby. The wait timer stays armed so the
			// wait is bounded; admission arrives as a fresh registration
			// callback, which retries the join.
			log.Infow("waiting in conference lobby")
			c.session.OnLobbyWait()
			return
		}
		c.inviteTimer.Cancel()
		if stderrors.Is(err, errors.ErrRoomFull) {
			log.Infow("conference room is full")
			c.session.OnMaxOccupantsReached()
			_ = c.StopWithReason(ReasonMaxOccupants)
			return
		}
		log.Errorw("failed to join conference room", err)
		c.session.OnSessionFailed(err)
		_ = c.StopWithReason(ReasonRoomJoinFailed)
		return
	}

	c.mu.Lock()
	if !c.started {
		// Stopped while joining, unwind the membership we just created.
		c.mu.Unlock()
		_ = room.Leave(ReasonHangup.Text)
		return
	}
	c.room = room
	c.mu.Unlock()

	log.Infow("joined conference room")
	if status := c.session.DefaultInitStatus(); status != "" {
		c.setPresence(room, status)
	}
	c.session.OnRoomJoined(room)
}

func (c *ConferenceCoordinator) armInviteWait(reason EndReason) {
	d := c.conf.InviteTimeout
	if d <= 0 {
		return
	}
	c.inviteTimer.Schedule(d, func() {
		c.log.Infow("conference wait timed out", "reason", reason.Text, "timeout", d)
		if c.mon != nil {
			c.mon.InviteTimeout()
		}
		_ = c.StopWithReason(reason)
	})
}

// OnIncomingCall implements AccountHandler. Only the focus may invite the
// media call, and only one call may be bound at a time.
func (c *ConferenceCoordinator) OnIncomingCall(call Call) {
	if call.RemoteResource() != c.conf.FocusName {
		c.log.Infow("rejecting call from non-focus party",
			"from", call.RemoteResource())
		c.callMgr.HangupCall(call, ReasonOnlyFocusAllowed.Code, ReasonOnlyFocusAllowed.Text)
		return
	}
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		c.callMgr.HangupCall(call, ReasonHangup.Code, ReasonHangup.Text)
		return
	}
	if c.call != nil {
		c.mu.Unlock()
		c.log.Infow("duplicate focus invite, rejecting", "callID", call.ID())
		c.callMgr.HangupCall(call, ReasonCompletedElsewhere.Code, ReasonCompletedElsewhere.Text)
		return
	}
	c.call = call
	c.mu.Unlock()

	c.inviteTimer.Cancel()
	call.SetHolePunchingEnabled(false)
	call.SetStateHandler(func(ev CallStateEvent) {
		c.onConferenceCallState(call, ev)
	})
	c.log.Infow("focus invited conference call", "callID", call.ID())
	c.session.OnConferenceCallInvited(call)
}

func (c *ConferenceCoordinator) onConferenceCallState(call Call, ev CallStateEvent) {
	switch ev.State {
	case CallInProgress:
		if err := c.session.OnConferenceCallStarted(call); err != nil {
			c.log.Errorw("session failed to accept conference call", err)
			_ = c.StopWithReason(EndReason{Code: 500, Text: err.Error()})
		}
	case CallEnded:
		c.onConferenceCallEnded(call, ev)
	}
}

func (c *ConferenceCoordinator) onConferenceCallEnded(call Call, ev CallStateEvent) {
	c.mu.Lock()
	if c.call != call {
		c.mu.Unlock()
		return
	}
	c.call = nil
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}

	reason := EndReason{Code: ev.Code, Text: ev.Reason}
	if reason.IsZero() {
		reason = ReasonHangup
	}
	resume := c.session.HasCallResumeSupport() && c.conf.CallResume && c.conf.InviteTimeout > 0
	if !resume {
		c.log.Infow("conference call ended", "reason", reason.Text)
		_ = c.StopWithReason(reason)
		return
	}
	// The focus may tear down and recreate the media call without us
	// leaving the room (conference restart, bridge migration). Keep the
	// membership and wait for a new invite, bounded by the same timer.
	c.log.Infow("conference call ended, waiting for resume", "reason", reason.Text)
	c.session.OnConferenceCallEnded(reason)
	c.armInviteWait(ReasonResumeTimeout)
}

// Room presence handlers.

func (c *ConferenceCoordinator) OnMemberJoined(m Member) {
	c.session.OnMemberJoined(m)
}

func (c *ConferenceCoordinator) OnMemberUpdated(m Member) {
	c.session.OnMemberUpdated(m)
}

func (c *ConferenceCoordinator) OnMemberLeft(m Member) {
	c.session.OnMemberLeft(m)
	if m.Resource == c.conf.FocusName {
		// The conference cannot continue without a focus, resume support
		// does not matter here.
		c.log.Infow("focus left the conference room")
		_ = c.StopWithReason(ReasonFocusLeft)
	}
}

func (c *ConferenceCoordinator) OnKicked() {
	c.log.Infow("kicked from conference room")
	_ = c.StopWithReason(ReasonKicked)
}

// SetPresenceStatus updates the presence status shown to other room
// occupants, reflecting the other leg's state.
func (c *ConferenceCoordinator) SetPresenceStatus(status string) {
	c.mu.Lock()
	room := c.room
	same := c.presence == status
	c.mu.Unlock()
	if room == nil || same {
		return
	}
	c.setPresence(room, status)
}

func (c *ConferenceCoordinator) setPresence(room Room, status string) {
	c.mu.Lock()
	c.presence = status
	c.mu.Unlock()
	if err := room.SetPresenceStatus(status); err != nil {
		c.log.Infow("failed to update presence status", "error", err)
	}
}

func (c *ConferenceCoordinator) PresenceStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

func (c *ConferenceCoordinator) setEndReasonLocked(r EndReason) {
	if c.endReason.IsZero() {
		c.endReason = r
	}
}

// Stop tears the conference down with a normal hangup reason.
func (c *ConferenceCoordinator) Stop() error {
	return c.StopWithReason(ReasonHangup)
}

// StopWithReason unwinds the conference membership. Safe to call from any
// termination path (timeout, focus left, transport failure, external
// hangup); the first caller wins, later calls log an error and do nothing.
// Every unwind step is best effort, a failure in one does not block the
// next. The session is notified before the room is left (OnConferenceWillStop)
// and again after the unwind (OnConferenceStopped).
func (c *ConferenceCoordinator) StopWithReason(r EndReason) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		c.log.Errorw("stop requested for a conference that is not started", nil)
		return errors.ErrNotStarted
	}
	c.started = false
	c.setEndReasonLocked(r)
	reason := c.endReason
	room, call, acc := c.room, c.call, c.account
	c.room, c.call, c.account = nil, nil, nil
	c.mu.Unlock()

	// Join the pending wait timer so it cannot fire into a stopped
	// coordinator after we return.
	c.inviteTimer.Cancel()

	c.log.Infow("stopping conference", "reason", reason.Text, "code", reason.Code)
	c.session.OnConferenceWillStop(reason)

	if room != nil {
		if err := room.Leave(reason.Text); err != nil {
			c.log.Infow("failed to leave conference room", "error", err)
		}
	}
	if call != nil {
		c.callMgr.HangupCall(call, reason.Code, reason.Text)
	}
	if acc != nil {
		if err := acc.Unregister(); err != nil {
			c.log.Infow("failed to unregister account", "error", err)
		}
		if err := c.prov.Release(acc); err != nil {
			c.log.Infow("failed to release account", "error", err)
		}
	}

	c.session.OnConferenceStopped(reason)
	return nil
}
