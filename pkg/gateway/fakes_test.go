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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/gateway/pkg/config"
	"github.com/voicebridge/gateway/pkg/stats"
)

func newTestConfig(t testing.TB) *config.Config {
	t.Helper()
	conf := &config.Config{
		Domain:             "meet.example.com",
		MucDomainPrefix:    config.DefaultMucDomainPrefix,
		FocusName:          config.DefaultFocusName,
		InviteTimeout:      200 * time.Millisecond,
		CallResume:         true,
		MediaDropThreshold: 100 * time.Millisecond,
		MediaWatchInterval: 10 * time.Millisecond,
		MaxCallWorkers:     4,
		ServiceName:        "gateway",
		NodeID:             "GW_test",
	}
	return conf
}

func newTestMonitor(t testing.TB) *stats.Monitor {
	t.Helper()
	m, err := stats.NewMonitor(newTestConfig(t))
	require.NoError(t, err)
	return m
}

type fakeCall struct {
	mu        sync.Mutex
	id        string
	remote    string
	state     CallState
	handler   func(CallStateEvent)
	answered  bool
	muted     bool
	hungup    bool
	hangCode  int
	hangText  string
	merged    Call
	holePunch bool
	lastMedia time.Time
	answerErr error
	mergeErr  error
}

func newFakeCall(id, remote string) *fakeCall {
	return &fakeCall{id: id, remote: remote, holePunch: true}
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) RemoteResource() string { return c.remote }

func (c *fakeCall) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCall) SetStateHandler(h func(CallStateEvent)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// fire moves the call to a new state and runs the handler inline, the way a
// transport callback would.
func (c *fakeCall) fire(ev CallStateEvent) {
	c.mu.Lock()
	c.state = ev.State
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *fakeCall) Answer() error {
	c.mu.Lock()
	err := c.answerErr
	if err == nil {
		c.answered = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.fire(CallStateEvent{State: CallInProgress})
	return nil
}

func (c *fakeCall) Hangup(code int, reason string) error {
	c.mu.Lock()
	c.hungup = true
	c.hangCode = code
	c.hangText = reason
	c.mu.Unlock()
	c.fire(CallStateEvent{State: CallEnded, Code: code, Reason: reason})
	return nil
}

func (c *fakeCall) Merge(other Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mergeErr != nil {
		return c.mergeErr
	}
	c.merged = other
	return nil
}

func (c *fakeCall) Mute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	return nil
}

func (c *fakeCall) SetHolePunchingEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holePunch = enabled
}

func (c *fakeCall) LastMediaReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMedia
}

func (c *fakeCall) setLastMedia(t time.Time) {
	c.mu.Lock()
	c.lastMedia = t
	c.mu.Unlock()
}

func (c *fakeCall) wasHungup() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungup, c.hangCode, c.hangText
}

type fakeRoom struct {
	mu      sync.Mutex
	name    string
	h       RoomHandler
	members []Member
	status  string
	left    bool
	leftWhy string
}

func (r *fakeRoom) Name() string { return r.name }

func (r *fakeRoom) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

func (r *fakeRoom) SetPresenceStatus(status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	return nil
}

func (r *fakeRoom) Leave(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
	r.leftWhy = reason
	return nil
}

func (r *fakeRoom) join(m Member) {
	r.mu.Lock()
	r.members = append(r.members, m)
	h := r.h
	r.mu.Unlock()
	h.OnMemberJoined(m)
}

func (r *fakeRoom) leave(m Member) {
	r.mu.Lock()
	for i, cur := range r.members {
		if cur.Resource == m.Resource {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	h := r.h
	r.mu.Unlock()
	h.OnMemberLeft(m)
}

func (r *fakeRoom) presence() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *fakeRoom) hasLeft() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left, r.leftWhy
}

type joinAttempt struct {
	room     string
	resource string
	password string
}

type fakeAccount struct {
	mu           sync.Mutex
	id           string
	h            AccountHandler
	registered   bool
	unregistered bool
	features     []string
	focusInvites []string
	joins        []joinAttempt
	joinErr      error
	room         *fakeRoom

	// autoRegister invokes the Registered callback from Register itself.
	autoRegister bool
}

func (a *fakeAccount) ID() string { return a.id }

func (a *fakeAccount) Register(h AccountHandler) error {
	a.mu.Lock()
	a.h = h
	a.registered = true
	auto := a.autoRegister
	a.mu.Unlock()
	if auto {
		h.OnRegistrationChanged(Registered, nil)
	}
	return nil
}

func (a *fakeAccount) Unregister() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unregistered = true
	return nil
}

func (a *fakeAccount) AdvertiseFeatures(features []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.features = features
	return nil
}

func (a *fakeAccount) InviteFocus(_ context.Context, focusAddr, room string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.focusInvites = append(a.focusInvites, focusAddr+" "+room)
	return nil
}

func (a *fakeAccount) JoinRoom(room, resource, password string, h RoomHandler) (Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joins = append(a.joins, joinAttempt{room: room, resource: resource, password: password})
	if a.joinErr != nil {
		return nil, a.joinErr
	}
	a.room = &fakeRoom{name: room, h: h}
	return a.room, nil
}

func (a *fakeAccount) handler() AccountHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.h
}

func (a *fakeAccount) joinedRoom() *fakeRoom {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room
}

func (a *fakeAccount) lastJoin() joinAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.joins) == 0 {
		return joinAttempt{}
	}
	return a.joins[len(a.joins)-1]
}

type fakeProvisioner struct {
	mu          sync.Mutex
	acc         *fakeAccount
	err         error
	provisioned int
	released    int
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		acc: &fakeAccount{id: "acc-1", autoRegister: true},
	}
}

func (p *fakeProvisioner) Provision(ctx *CallContext) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.provisioned++
	return p.acc, nil
}

func (p *fakeProvisioner) Release(acc Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func (p *fakeProvisioner) releaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// multiProvisioner hands every session its own account, the way a real
// transport does for concurrent calls.
type multiProvisioner struct {
	mu   sync.Mutex
	accs []*fakeAccount
}

func (p *multiProvisioner) Provision(*CallContext) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := &fakeAccount{id: fmt.Sprintf("acc-%d", len(p.accs)+1), autoRegister: true}
	p.accs = append(p.accs, acc)
	return acc, nil
}

func (p *multiProvisioner) Release(Account) error { return nil }

func (p *multiProvisioner) account(i int) *fakeAccount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accs[i]
}

type dialAttempt struct {
	destination string
	headers     map[string]string
}

type fakeTelephony struct {
	mu     sync.Mutex
	dialed []dialAttempt
	call   *fakeCall
	err    error
}

func (p *fakeTelephony) Dial(_ context.Context, destination string, headers map[string]string) (Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialed = append(p.dialed, dialAttempt{destination: destination, headers: headers})
	if p.err != nil {
		return nil, p.err
	}
	if p.call == nil {
		p.call = newFakeCall("tel-1", destination)
	}
	return p.call, nil
}

func (p *fakeTelephony) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dialed)
}

type fakeSink struct {
	mu      sync.Mutex
	entries []TranscriptEntry
	closed  bool
}

func (s *fakeSink) WriteTranscript(_ context.Context, entry TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recListener records session events for assertions.
type recListener struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (l *recListener) OnSessionEvent(ev SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recListener) kinds() []SessionEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SessionEventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *recListener) last() (SessionEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return SessionEvent{}, false
	}
	return l.events[len(l.events)-1], true
}

type recGatewayListener struct {
	mu     sync.Mutex
	events []GatewayEvent
}

func (l *recGatewayListener) OnGatewayEvent(ev GatewayEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recGatewayListener) kinds() []GatewayEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]GatewayEventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testLog() logger.Logger {
	return logger.GetLogger()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before deadline")
}
