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

	"github.com/google/uuid"

	"github.com/voicebridge/gateway/pkg/config"
)

// LoopbackDriver hosts conference rooms in-process: every joined account
// sees a focus occupant that immediately invites a media call. It needs no
// external conference deployment, which makes it the driver for local runs
// and smoke tests. Real deployments register their own transport binding.
const LoopbackDriver = "loopback"

func init() {
	RegisterDriver(LoopbackDriver, func(conf *config.Config) (IdentityProvisioner, error) {
		return NewLoopbackProvisioner(conf), nil
	})
}

type LoopbackProvisioner struct {
	conf *config.Config

	mu    sync.Mutex
	rooms map[string]*loopbackRoomState
}

func NewLoopbackProvisioner(conf *config.Config) *LoopbackProvisioner {
	return &LoopbackProvisioner{
		conf:  conf,
		rooms: make(map[string]*loopbackRoomState),
	}
}

func (p *LoopbackProvisioner) Provision(ctx *CallContext) (Account, error) {
	return &loopbackAccount{p: p, id: "loopback-" + ctx.ID()}, nil
}

func (p *LoopbackProvisioner) Release(acc Account) error {
	return nil
}

func (p *LoopbackProvisioner) room(name string) *loopbackRoomState {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.rooms[name]
	if r == nil {
		r = &loopbackRoomState{
			name:    name,
			focus:   p.conf.FocusName,
			members: make(map[string]*loopbackRoom),
		}
		p.rooms[name] = r
	}
	return r
}

type loopbackAccount struct {
	p       *LoopbackProvisioner
	id      string
	handler AccountHandler
}

func (a *loopbackAccount) ID() string {
	return a.id
}

func (a *loopbackAccount) Register(h AccountHandler) error {
	a.handler = h
	h.OnRegistrationChanged(Registered, nil)
	return nil
}

func (a *loopbackAccount) Unregister() error {
	return nil
}

func (a *loopbackAccount) AdvertiseFeatures(features []string) error {
	return nil
}

// InviteFocus is a no-op: the loopback focus is always present and calls
// every joiner on its own.
func (a *loopbackAccount) InviteFocus(ctx context.Context, focusAddr, room string) error {
	return nil
}

func (a *loopbackAccount) JoinRoom(room, resource, password string, h RoomHandler) (Room, error) {
	st := a.p.room(room)
	m := st.join(resource, h)

	// The focus picks the new occupant up shortly after the join settles.
	go func() {
		time.Sleep(10 * time.Millisecond)
		if handler := a.handler; handler != nil && !m.left.Load() {
			handler.OnIncomingCall(newLoopbackCall(st.focus))
		}
	}()
	return m, nil
}

// loopbackRoomState is the shared occupancy of one room.
type loopbackRoomState struct {
	name  string
	focus string

	mu      sync.Mutex
	members map[string]*loopbackRoom
}

func (st *loopbackRoomState) join(resource string, h RoomHandler) *loopbackRoom {
	m := &loopbackRoom{st: st, resource: resource, handler: h}
	st.mu.Lock()
	others := make([]*loopbackRoom, 0, len(st.members))
	for _, o := range st.members {
		others = append(others, o)
	}
	st.members[resource] = m
	st.mu.Unlock()

	for _, o := range others {
		o.handler.OnMemberJoined(Member{Resource: resource})
		h.OnMemberJoined(Member{Resource: o.resource, Status: o.status()})
	}
	return m
}

func (st *loopbackRoomState) leave(m *loopbackRoom) {
	st.mu.Lock()
	if st.members[m.resource] != m {
		st.mu.Unlock()
		return
	}
	delete(st.members, m.resource)
	others := make([]*loopbackRoom, 0, len(st.members))
	for _, o := range st.members {
		others = append(others, o)
	}
	st.mu.Unlock()

	for _, o := range others {
		o.handler.OnMemberLeft(Member{Resource: m.resource})
	}
}

func (st *loopbackRoomState) update(m *loopbackRoom) {
	st.mu.Lock()
	others := make([]*loopbackRoom, 0, len(st.members))
	for _, o := range st.members {
		if o != m {
			others = append(others, o)
		}
	}
	st.mu.Unlock()

	for _, o := range others {
		o.handler.OnMemberUpdated(Member{Resource: m.resource, Status: m.status()})
	}
}

// loopbackRoom is one membership in a loopback room.
type loopbackRoom struct {
	st       *loopbackRoomState
	resource string
	handler  RoomHandler

	mu       sync.Mutex
	presence string
	left     atomic.Bool
}

func (r *loopbackRoom) Name() string {
	return r.st.name
}

func (r *loopbackRoom) Members() []Member {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []Member{{Resource: r.st.focus}}
	for _, m := range r.st.members {
		out = append(out, Member{Resource: m.resource, Status: m.status()})
	}
	return out
}

func (r *loopbackRoom) status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence
}

func (r *loopbackRoom) SetPresenceStatus(status string) error {
	r.mu.Lock()
	r.presence = status
	r.mu.Unlock()
	r.st.update(r)
	return nil
}

func (r *loopbackRoom) Leave(reason string) error {
	if r.left.Swap(true) {
		return nil
	}
	r.st.leave(r)
	return nil
}

// loopbackCall is the media leg the loopback focus offers. It stays "live"
// from the media watcher's point of view for as long as it is in progress.
type loopbackCall struct {
	id     string
	remote string

	mu      sync.Mutex
	state   CallState
	handler func(CallStateEvent)
	muted   bool
}

var _ Call = (*loopbackCall)(nil)

func newLoopbackCall(focus string) *loopbackCall {
	return &loopbackCall{
		id:     uuid.NewString(),
		remote: focus,
		state:  CallNew,
	}
}

func (c *loopbackCall) ID() string {
	return c.id
}

func (c *loopbackCall) RemoteResource() string {
	return c.remote
}

func (c *loopbackCall) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *loopbackCall) SetStateHandler(h func(CallStateEvent)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *loopbackCall) fire(state CallState, code int, reason string) {
	c.mu.Lock()
	if c.state == CallEnded {
		c.mu.Unlock()
		return
	}
	c.state = state
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(CallStateEvent{State: state, Code: code, Reason: reason})
	}
}

func (c *loopbackCall) Answer() error {
	c.fire(CallInProgress, 0, "")
	return nil
}

func (c *loopbackCall) Hangup(code int, reason string) error {
	c.fire(CallEnded, code, reason)
	return nil
}

func (c *loopbackCall) Merge(other Call) error {
	return nil
}

func (c *loopbackCall) Mute(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

func (c *loopbackCall) SetHolePunchingEnabled(enabled bool) {}

func (c *loopbackCall) LastMediaReceived() time.Time {
	if c.State() == CallInProgress {
		return time.Now()
	}
	return time.Time{}
}
