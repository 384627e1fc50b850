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

	"github.com/voicebridge/gateway/pkg/config"
	"github.com/voicebridge/gateway/pkg/errors"
)

// The conference transport (XMPP account, MUC, media engine) and the
// telephony stack are external collaborators. The coordinator only sees the
// narrow interfaces below; concrete bindings register as drivers.

// RegistrationState reports the transport account registration lifecycle.
type RegistrationState int

const (
	RegistrationNone RegistrationState = iota
	Registering
	Registered
	RegistrationFailed
	ConnectionFailed
)

func (s RegistrationState) String() string {
	switch s {
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case RegistrationFailed:
		return "registration-failed"
	case ConnectionFailed:
		return "connection-failed"
	default:
		return "none"
	}
}

// CallState is the coarse state of either leg's call.
type CallState int

const (
	CallNew CallState = iota
	CallRinging
	CallBusy
	CallInProgress
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallBusy:
		return "busy"
	case CallInProgress:
		return "in-progress"
	case CallEnded:
		return "ended"
	default:
		return "new"
	}
}

// CallStateEvent is delivered by a call's state handler. Code and Reason are
// set on CallEnded when the remote side supplied them.
type CallStateEvent struct {
	State  CallState
	Code   int
	Reason string
}

// Call is one media-bearing call leg, conference or telephony side.
type Call interface {
	ID() string
	// RemoteResource identifies the remote party. For conference calls this
	// is the inviter's room resource, used to enforce the focus-only policy.
	RemoteResource() string
	State() CallState
	SetStateHandler(h func(CallStateEvent))
	Answer() error
	Hangup(code int, reason string) error
	// Merge joins another call into this call's conference mix.
	Merge(other Call) error
	Mute(muted bool) error
	// SetHolePunchingEnabled toggles the transport's connectivity shortcut.
	// Disabled on conference legs, the bridge handles connectivity itself.
	SetHolePunchingEnabled(enabled bool)
	// LastMediaReceived is the wall-clock time of the last inbound media,
	// used by the media drop watcher.
	LastMediaReceived() time.Time
}

// Member is a conference room occupant, identified by its room resource.
type Member struct {
	Resource string
	Status   string
}

// RoomHandler receives room presence events.
type RoomHandler interface {
	OnMemberJoined(m Member)
	OnMemberUpdated(m Member)
	OnMemberLeft(m Member)
	OnKicked()
}

// Room is a joined conference room membership.
type Room interface {
	Name() string
	Members() []Member
	SetPresenceStatus(status string) error
	Leave(reason string) error
}

// AccountHandler receives transport account events.
type AccountHandler interface {
	OnRegistrationChanged(state RegistrationState, err error)
	OnIncomingCall(call Call)
}

// Account is a dynamically provisioned signaling identity scoped to one call
// context.
type Account interface {
	ID() string
	// Register starts (re)registration. The handler may be invoked
	// synchronously when the transport is already connected.
	Register(h AccountHandler) error
	Unregister() error
	// AdvertiseFeatures sets the capability features carried in presence.
	AdvertiseFeatures(features []string) error
	// InviteFocus sends a directed conference request to the focus component
	// and waits briefly for a reply. An error here is advisory only.
	InviteFocus(ctx context.Context, focusAddr, room string) error
	JoinRoom(room, resource, password string, h RoomHandler) (Room, error)
}

// IdentityProvisioner creates and releases per-call transport accounts.
// Deployment policies like credential stripping belong to implementations,
// not to the coordinator.
type IdentityProvisioner interface {
	Provision(ctx *CallContext) (Account, error)
	Release(acc Account) error
}

// TelephonyPort places outward telephony calls.
type TelephonyPort interface {
	Dial(ctx context.Context, destination string, headers map[string]string) (Call, error)
}

// DriverFunc builds an IdentityProvisioner for a concrete conference
// transport binding.
type DriverFunc func(conf *config.Config) (IdentityProvisioner, error)

var (
	driversMu sync.Mutex
	drivers   = make(map[string]DriverFunc)
)

// RegisterDriver registers a conference transport binding by name. Bindings
// register from their package init, the config selects one by name.
func RegisterDriver(name string, fn DriverFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = fn
}

func OpenDriver(name string, conf *config.Config) (IdentityProvisioner, error) {
	driversMu.Lock()
	fn := drivers[name]
	driversMu.Unlock()
	if fn == nil {
		return nil, errors.ErrUnknownConferenceDriver(name)
	}
	return fn(conf)
}
