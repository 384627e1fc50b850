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
	"time"

	"github.com/frostbyte73/core"

	"github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/stats"
)

const statusTranscribing = "transcribing"

// TranscriptEntry is one attributed line of transcription output.
type TranscriptEntry struct {
	Participant string
	Text        string
	Language    string
	Timestamp   time.Time
	Final       bool
}

// TranscriptSink receives transcript entries and the end-of-conference
// marker. Implementations deliver to storage, chat, or a live feed.
type TranscriptSink interface {
	WriteTranscript(ctx context.Context, entry TranscriptEntry) error
	Close() error
}

// TranscriptSession joins a conference as a transcriber participant. It has
// no telephony leg: it binds the conference media call and forwards
// attributed output to its sink. The session ends itself once every real
// participant has left the room.
type TranscriptSession struct {
	baseSession

	smon     *stats.SessionMonitor
	joinDone func() time.Duration
	sessDone func() time.Duration

	sink  TranscriptSink
	ended core.Fuse

	mu      sync.Mutex
	present map[string]Member
}

func newTranscriptSession(g *TranscriptGateway, cctx *CallContext, sink TranscriptSink) *TranscriptSession {
	s := &TranscriptSession{
		sink:    sink,
		present: make(map[string]Member),
	}
	s.log = g.log.WithValues("callID", cctx.ID(), "leg", "transcript")
	s.gw = g.Gateway
	s.ctx = cctx
	s.smon = g.mon.NewSession(cctx.Domain(), stats.Inbound)
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

func (s *TranscriptSession) Start() error {
	s.smon.SessionStart()
	s.joinDone = s.smon.JoinDur()
	s.sessDone = s.smon.SessionDur()
	return s.coor.Start()
}

func (s *TranscriptSession) HangUp() {
	if s.ended.IsBroken() {
		return
	}
	_ = s.coor.Stop()
}

func (s *TranscriptSession) DisplayName() string        { return "Transcriber" }
func (s *TranscriptSession) DefaultInitStatus() string  { return statusTranscribing }
func (s *TranscriptSession) TranslatorSupported() bool  { return true }
func (s *TranscriptSession) HasCallResumeSupport() bool { return false }

// Mute is refused, muting the transcriber would silently lose transcript
// coverage.
func (s *TranscriptSession) Mute(bool) error {
	return errors.ErrMuteUnsupported
}

// Write forwards one transcript entry to the sink.
func (s *TranscriptSession) Write(ctx context.Context, entry TranscriptEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.sink.WriteTranscript(ctx, entry)
}

// MemberName resolves a room resource to the display status recorded at
// join time, for transcript attribution.
func (s *TranscriptSession) MemberName(resource string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.present[resource]; ok && m.Status != "" {
		return m.Status
	}
	return resource
}

// Conference leg events.

func (s *TranscriptSession) OnRoomJoined(room Room) {
	if done := s.joinDone; done != nil {
		done()
	}
	s.mu.Lock()
	for _, m := range room.Members() {
		s.present[m.Resource] = m
	}
	s.mu.Unlock()
	s.gw.ActivateSession(s)
	s.notify(SessionEvent{Kind: EventRoomJoined, Session: s})
}

func (s *TranscriptSession) OnLobbyWait() {
	s.log.Infow("held in conference lobby")
	s.notify(SessionEvent{Kind: EventLobbyWait, Session: s})
}

func (s *TranscriptSession) OnMemberJoined(m Member) {
	s.participants.Add(1)
	s.mu.Lock()
	s.present[m.Resource] = m
	s.mu.Unlock()
	s.notify(SessionEvent{Kind: EventMemberJoined, Session: s, Member: m})
}

func (s *TranscriptSession) OnMemberUpdated(m Member) {
	s.mu.Lock()
	s.present[m.Resource] = m
	s.mu.Unlock()
	s.notify(SessionEvent{Kind: EventMemberUpdated, Session: s, Member: m})
}

func (s *TranscriptSession) OnMemberLeft(m Member) {
	s.mu.Lock()
	delete(s.present, m.Resource)
	empty := true
	for res := range s.present {
		if res != s.gw.conf.FocusName && res != s.ctx.CallResource() {
			empty = false
			break
		}
	}
	s.mu.Unlock()
	s.notify(SessionEvent{Kind: EventMemberLeft, Session: s, Member: m})

	// Nobody left to transcribe.
	if empty && m.Resource != s.gw.conf.FocusName {
		s.log.Infow("all participants left, ending transcription")
		_ = s.coor.StopWithReason(ReasonHangup)
	}
}

func (s *TranscriptSession) OnConferenceCallInvited(call Call) {
	s.notify(SessionEvent{Kind: EventCallInvited, Session: s})
	if err := s.gw.callMgr.AcceptCall(call); err != nil {
		s.log.Errorw("failed to accept conference call", err)
		_ = s.coor.StopWithReason(ReasonConnectionFailed)
	}
}

func (s *TranscriptSession) OnConferenceCallStarted(confCall Call) error {
	s.coor.SetPresenceStatus(statusTranscribing)
	return nil
}

func (s *TranscriptSession) OnConferenceCallEnded(reason EndReason) {
	s.notify(SessionEvent{Kind: EventCallEnded, Session: s, Reason: reason})
}

func (s *TranscriptSession) OnConferenceWillStop(reason EndReason) {
	s.notify(SessionEvent{Kind: EventWillStop, Session: s, Reason: reason})
}

func (s *TranscriptSession) OnConferenceStopped(reason EndReason) {
	s.ended.Once(func() {
		if done := s.sessDone; done != nil {
			done()
		}
		s.smon.SessionEnd(reason.Text)
		if err := s.sink.Close(); err != nil {
			s.log.Infow("failed to close transcript sink", "error", err)
		}
		s.gw.RemoveSession(s, reason)
		s.notify(SessionEvent{Kind: EventStopped, Session: s, Reason: reason})
	})
}

func (s *TranscriptSession) OnMaxOccupantsReached() {
	s.notify(SessionEvent{Kind: EventMaxOccupants, Session: s})
}

func (s *TranscriptSession) OnSessionFailed(err error) {
	s.smon.SessionFailed("session")
	s.gw.SessionFailed(s, err)
	s.notify(SessionEvent{Kind: EventFailed, Session: s, Err: err})
}
