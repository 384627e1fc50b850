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
	"sync/atomic"

	"github.com/livekit/protocol/logger"
)

// SessionEventHandler is the coordinator-to-session callback surface. A
// session implements it for its leg type; the coordinator never knows which
// leg it is driving.
type SessionEventHandler interface {
	// OnRoomJoined fires once the conference room membership is
	// established, before any call invite.
	OnRoomJoined(room Room)
	// OnLobbyWait fires when the join is held in the room's lobby. The
	// coordinator retries the join once admission re-registers the account.
	OnLobbyWait()
	OnMemberJoined(m Member)
	OnMemberUpdated(m Member)
	OnMemberLeft(m Member)
	// OnConferenceCallInvited fires when the focus invited the media call.
	// Outgoing sessions place the outward dial here.
	OnConferenceCallInvited(call Call)
	// OnConferenceCallStarted finalizes acceptance of the other leg once the
	// media leg is live. A returned error makes the coordinator stop.
	OnConferenceCallStarted(call Call) error
	// OnConferenceCallEnded is the soft notification when the media call
	// ended but the room membership is kept for a possible resume.
	OnConferenceCallEnded(reason EndReason)
	// OnConferenceWillStop runs before the room is left and the media call
	// is hung up, while the coordinator's resources are still intact.
	OnConferenceWillStop(reason EndReason)
	// OnConferenceStopped is the final notification after unwind.
	OnConferenceStopped(reason EndReason)
	OnMaxOccupantsReached()
	OnSessionFailed(err error)
}

// Session is one bridged call attempt: a conference leg owned by a
// ConferenceCoordinator plus the leg specific policy.
type Session interface {
	SessionEventHandler

	Context() *CallContext
	// HangUp tears down the session from the outside (hangup request).
	HangUp()

	// Leg specific policy, consulted by the coordinator.
	DisplayName() string
	DefaultInitStatus() string
	TranslatorSupported() bool
	HasCallResumeSupport() bool
	Mute(muted bool) error
}

// baseSession carries the state shared by all leg types.
type baseSession struct {
	log  logger.Logger
	gw   *Gateway
	ctx  *CallContext
	coor *ConferenceCoordinator

	// participants counts members ever seen in the conference. It is never
	// decremented so the final count reports total attendance.
	participants atomic.Int64

	lmu       sync.Mutex
	listeners []SessionListener
}

func (s *baseSession) Context() *CallContext {
	return s.ctx
}

func (s *baseSession) Coordinator() *ConferenceCoordinator {
	return s.coor
}

func (s *baseSession) ParticipantsSeen() int64 {
	return s.participants.Load()
}

func (s *baseSession) AddListener(l SessionListener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *baseSession) RemoveListener(l SessionListener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// notify copies the listener list and dispatches outside the lock so a
// callback may add or remove listeners without deadlocking.
func (s *baseSession) notify(ev SessionEvent) {
	s.lmu.Lock()
	list := make([]SessionListener, len(s.listeners))
	copy(list, s.listeners)
	s.lmu.Unlock()
	for _, l := range list {
		l.OnSessionEvent(ev)
	}
}
