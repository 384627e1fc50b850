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
	"time"

	"github.com/frostbyte73/core"

	"github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/stats"
)

// Presence statuses mirrored to the conference room so occupants can see
// the telephony leg's state.
const (
	statusInitializing = "initializing call"
	statusRinging      = "ringing"
	statusInCall       = "in a call"
	statusOnHold       = "on hold"
)

const telephonyDialTimeout = 30 * time.Second

// SIPSession bridges one telephony call with one conference membership.
// Inbound sessions carry the telephony call from the start; outbound
// sessions dial it once the conference media call is up, so a failed join
// never rings the remote party.
type SIPSession struct {
	baseSession

	smon     *stats.SessionMonitor
	joinDone func() time.Duration
	sessDone func() time.Duration

	inbound bool
	ended   core.Fuse

	// waitingResume is set between a conference call ending and the focus
	// inviting its replacement.
	waitingResume atomic.Bool

	// mediaDropped latches the first time inbound media stalls past the
	// configured threshold. It never resets for the session's lifetime.
	mediaDropped atomic.Bool

	mu        sync.Mutex
	telCall   Call
	telEnded  bool
	watchStop chan struct{}

	teardown DelayedTask
}

func newSIPSession(g *SIPGateway, cctx *CallContext, inbound Call) *SIPSession {
	dir := stats.Outbound
	if inbound != nil {
		dir = stats.Inbound
	}
	s := &SIPSession{
		inbound: inbound != nil,
		telCall: inbound,
		smon:    g.mon.NewSession(cctx.Domain(), dir),
	}
	s.log = g.log.WithValues("callID", cctx.ID(), "dir", dir.String())
	s.gw = g.Gateway
	s.ctx = cctx
	s.coor = NewConferenceCoordinator(CoordinatorParams{
		Log:         s.log,
		Conf:        g.conf,
		Monitor:     g.mon,
		Session:     s,
		Context:     cctx,
		Provisioner: g.prov,
		CallManager: g.callMgr,
	})
	return s
}

// Start begins the conference join. For inbound sessions the telephony call
// keeps ringing until the conference media call is up.
func (s *SIPSession) Start() error {
	s.smon.SessionStart()
	s.joinDone = s.smon.JoinDur()
	s.sessDone = s.smon.SessionDur()

	s.mu.Lock()
	tel := s.telCall
	s.mu.Unlock()
	if tel != nil {
		tel.SetStateHandler(s.onTelephonyState)
	}
	return s.coor.Start()
}

// HangUp ends the session from the outside. Calling it twice, or after the
// session already ended, is a no-op.
func (s *SIPSession) HangUp() {
	if s.ended.IsBroken() {
		return
	}
	_ = s.coor.Stop()
}

func (s *SIPSession) DisplayName() string {
	if s.inbound {
		if name := s.ctx.Header("X-Caller-Name"); name != "" {
			return name
		}
		return s.ctx.CallResource()
	}
	return s.ctx.Destination()
}

func (s *SIPSession) DefaultInitStatus() string { return statusInitializing }
func (s *SIPSession) TranslatorSupported() bool { return false }

func (s *SIPSession) HasCallResumeSupport() bool { return true }

// Mute mutes the conference leg's audio toward the room.
func (s *SIPSession) Mute(muted bool) error {
	call := s.coor.BoundCall()
	if call == nil {
		return errors.ErrNotStarted
	}
	return call.Mute(muted)
}

// Telephony leg state.

func (s *SIPSession) bindTelephony(tel Call) {
	s.mu.Lock()
	s.telCall = tel
	s.mu.Unlock()
	tel.SetStateHandler(s.onTelephonyState)
}

func (s *SIPSession) onTelephonyState(ev CallStateEvent) {
	switch ev.State {
	case CallRinging:
		s.coor.SetPresenceStatus(statusRinging)
	case CallInProgress:
		s.coor.SetPresenceStatus(statusInCall)
	case CallBusy:
		s.log.Infow("telephony peer is busy")
		_ = s.coor.StopWithReason(ReasonBusy)
	case CallEnded:
		s.mu.Lock()
		s.telEnded = true
		s.mu.Unlock()
		if s.ended.IsBroken() {
			return
		}
		reason := EndReason{Code: ev.Code, Text: ev.Reason}
		if reason.IsZero() {
			reason = ReasonHangup
		}
		s.log.Infow("telephony call ended", "reason", reason.Text)
		if d := s.gw.conf.HangupVisibleDelay; ev.Reason != "" && d > 0 && s.coor.Room() != nil {
			// Keep the membership briefly so room occupants see why the
			// telephony side hung up.
			s.coor.SetPresenceStatus(ev.Reason)
			s.log.Infow("delaying conference teardown", "delay", d)
			s.teardown.Schedule(d, func() {
				_ = s.coor.StopWithReason(reason)
			})
			return
		}
		_ = s.coor.StopWithReason(reason)
	}
}

// Conference leg events, invoked by the coordinator.

func (s *SIPSession) OnRoomJoined(room Room) {
	if done := s.joinDone; done != nil {
		done()
	}
	s.gw.ActivateSession(s)
	s.notify(SessionEvent{Kind: EventRoomJoined, Session: s})
}

func (s *SIPSession) OnLobbyWait() {
	s.log.Infow("held in conference lobby")
	s.notify(SessionEvent{Kind: EventLobbyWait, Session: s})
}

func (s *SIPSession) OnMemberJoined(m Member) {
	s.participants.Add(1)
	s.notify(SessionEvent{Kind: EventMemberJoined, Session: s, Member: m})
}

func (s *SIPSession) OnMemberUpdated(m Member) {
	s.notify(SessionEvent{Kind: EventMemberUpdated, Session: s, Member: m})
}

func (s *SIPSession) OnMemberLeft(m Member) {
	s.notify(SessionEvent{Kind: EventMemberLeft, Session: s, Member: m})
}

func (s *SIPSession) OnConferenceCallInvited(call Call) {
	kind := EventCallInvited
	if s.waitingResume.Swap(false) {
		kind = EventResumed
		s.log.Infow("conference call resumed")
	}
	s.notify(SessionEvent{Kind: kind, Session: s})
	if err := s.gw.callMgr.AcceptCall(call); err != nil {
		s.log.Errorw("failed to accept conference call", err)
		_ = s.coor.StopWithReason(ReasonConnectionFailed)
	}
}

// OnConferenceCallStarted bridges the two legs. Inbound: answer the waiting
// telephony call. Outbound: dial the destination now. Either way the legs
// are merged and the media watcher starts.
func (s *SIPSession) OnConferenceCallStarted(confCall Call) error {
	s.mu.Lock()
	tel := s.telCall
	s.mu.Unlock()

	if tel == nil {
		dst := s.ctx.Destination()
		if dst == "" {
			return errors.ErrMissingDestination
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), telephonyDialTimeout)
		defer cancel()
		s.log.Infow("dialing telephony destination", "destination", dst)
		dialed, err := s.gw.tel.Dial(dialCtx, dst, s.ctx.Headers())
		if err != nil {
			s.log.Errorw("telephony dial failed", err)
			return err
		}
		s.bindTelephony(dialed)
		tel = dialed
	} else if s.inbound && tel.State() != CallInProgress {
		if err := tel.Answer(); err != nil {
			s.log.Errorw("failed to answer telephony call", err)
			return err
		}
	}

	if err := s.gw.callMgr.MergeCalls(confCall, tel); err != nil {
		return err
	}
	s.coor.SetPresenceStatus(statusInCall)
	s.startMediaWatch(confCall)
	return nil
}

func (s *SIPSession) OnConferenceCallEnded(reason EndReason) {
	s.waitingResume.Store(true)
	s.stopMediaWatch()
	s.coor.SetPresenceStatus(statusOnHold)
	s.notify(SessionEvent{Kind: EventCallEnded, Session: s, Reason: reason})
}

func (s *SIPSession) OnConferenceWillStop(reason EndReason) {
	s.notify(SessionEvent{Kind: EventWillStop, Session: s, Reason: reason})
}

func (s *SIPSession) OnConferenceStopped(reason EndReason) {
	s.ended.Once(func() {
		s.stopMediaWatch()
		// A reasoned-hangup teardown may still be pending when the stop came
		// from another path. Cancel is safe from inside its own callback.
		s.teardown.Cancel()
		if done := s.sessDone; done != nil {
			done()
		}
		s.smon.SessionEnd(reason.Text)

		s.mu.Lock()
		tel := s.telCall
		telEnded := s.telEnded
		s.mu.Unlock()
		if tel != nil && !telEnded {
			s.hangupTelephony(tel, reason)
		}

		s.gw.RemoveSession(s, reason)
		s.notify(SessionEvent{Kind: EventStopped, Session: s, Reason: reason})
	})
}

// hangupTelephony ends the telephony leg, optionally after a short delay so
// the caller can hear the far end's closing announcement.
func (s *SIPSession) hangupTelephony(tel Call, reason EndReason) {
	hang := func() {
		s.gw.callMgr.HangupCall(tel, reason.Code, reason.Text)
	}
	if d := s.gw.conf.HangupVisibleDelay; d > 0 {
		s.log.Infow("delaying telephony hangup", "delay", d)
		s.teardown.Schedule(d, hang)
		return
	}
	hang()
}

func (s *SIPSession) OnMaxOccupantsReached() {
	s.notify(SessionEvent{Kind: EventMaxOccupants, Session: s})
}

func (s *SIPSession) OnSessionFailed(err error) {
	s.smon.SessionFailed("session")
	s.gw.SessionFailed(s, err)
	s.notify(SessionEvent{Kind: EventFailed, Session: s, Err: err})
}

// Media drop watcher.

// MediaDropped reports whether inbound media ever stalled past the
// threshold.
func (s *SIPSession) MediaDropped() bool {
	return s.mediaDropped.Load()
}

func (s *SIPSession) startMediaWatch(call Call) {
	conf := s.gw.conf
	if conf.MediaDropThreshold <= 0 {
		return
	}
	s.mu.Lock()
	if s.watchStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.watchStop = stop
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(conf.MediaWatchInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.ended.Watch():
				return
			case <-t.C:
				last := call.LastMediaReceived()
				if last.IsZero() {
					continue
				}
				if since := time.Since(last); since > conf.MediaDropThreshold {
					if !s.mediaDropped.Swap(true) {
						s.log.Warnw("no media received from conference", nil, "since", since)
						s.gw.mon.MediaDropped()
					}
					if conf.HangupOnMediaDrop {
						_ = s.coor.StopWithReason(ReasonMediaDropped)
						return
					}
				}
			}
		}
	}()
}

func (s *SIPSession) stopMediaWatch() {
	s.mu.Lock()
	stop := s.watchStop
	s.watchStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
