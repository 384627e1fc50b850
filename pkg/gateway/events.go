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

// EndReason describes why a conference membership ended. The code is the
// SIP-equivalent status forwarded to the telephony leg on hangup.
type EndReason struct {
	Code int
	Text string
}

func (r EndReason) IsZero() bool {
	return r.Code == 0 && r.Text == ""
}

func (r EndReason) String() string {
	return r.Text
}

var (
	ReasonHangup             = EndReason{Code: 200, Text: "normal hangup"}
	ReasonCompletedElsewhere = EndReason{Code: 200, Text: "call completed elsewhere"}
	ReasonOnlyFocusAllowed   = EndReason{Code: 403, Text: "only calls from the focus are allowed"}
	ReasonInviteTimeout      = EndReason{Code: 408, Text: "no conference call invite received"}
	ReasonResumeTimeout      = EndReason{Code: 408, Text: "conference call was not resumed"}
	ReasonFocusLeft          = EndReason{Code: 410, Text: "focus left the conference"}
	ReasonKicked             = EndReason{Code: 410, Text: "removed from the conference room"}
	ReasonNoRoom             = EndReason{Code: 486, Text: "no conference room provided"}
	ReasonBusy               = EndReason{Code: 486, Text: "peer is busy"}
	ReasonMaxOccupants       = EndReason{Code: 503, Text: "conference is at capacity"}
	ReasonConnectionFailed   = EndReason{Code: 503, Text: "signaling connection failed"}
	ReasonMediaDropped       = EndReason{Code: 503, Text: "no media received"}
	ReasonRoomJoinFailed     = EndReason{Code: 503, Text: "could not join conference room"}
)

// SessionEventKind enumerates session lifecycle notifications exposed to
// external observers.
type SessionEventKind int

const (
	EventRoomJoined SessionEventKind = iota + 1
	EventMemberJoined
	EventMemberUpdated
	EventMemberLeft
	EventCallInvited
	EventCallEnded
	EventWillStop
	EventStopped
	EventResumed
	EventMaxOccupants
	EventFailed
	EventLobbyWait
)

func (k SessionEventKind) String() string {
	switch k {
	case EventRoomJoined:
		return "room-joined"
	case EventMemberJoined:
		return "member-joined"
	case EventMemberUpdated:
		return "member-updated"
	case EventMemberLeft:
		return "member-left"
	case EventCallInvited:
		return "call-invited"
	case EventCallEnded:
		return "call-ended"
	case EventWillStop:
		return "will-stop"
	case EventStopped:
		return "stopped"
	case EventResumed:
		return "resumed"
	case EventMaxOccupants:
		return "max-occupants"
	case EventFailed:
		return "failed"
	case EventLobbyWait:
		return "lobby-wait"
	default:
		return "unknown"
	}
}

// SessionEvent is delivered to SessionListeners. Member is set for member
// events, Reason for end-of-life events.
type SessionEvent struct {
	Kind    SessionEventKind
	Session Session
	Member  Member
	Reason  EndReason
	Err     error
}

type SessionListener interface {
	OnSessionEvent(ev SessionEvent)
}

type GatewayEventKind int

const (
	EventSessionAdded GatewayEventKind = iota + 1
	EventSessionRemoved
	EventSessionFailed
	EventGatewayReady
)

func (k GatewayEventKind) String() string {
	switch k {
	case EventSessionAdded:
		return "session-added"
	case EventSessionRemoved:
		return "session-removed"
	case EventSessionFailed:
		return "session-failed"
	case EventGatewayReady:
		return "gateway-ready"
	default:
		return "unknown"
	}
}

type GatewayEvent struct {
	Kind    GatewayEventKind
	Session Session
}

type GatewayListener interface {
	OnGatewayEvent(ev GatewayEvent)
}
