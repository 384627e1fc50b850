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

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/gateway/pkg/config"
	"github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/stats"
)

// endedCacheSize bounds the recently-ended reason cache. Old entries are
// evicted silently, a miss just means the call ended long ago.
const endedCacheSize = 512

// GatewayParams wires a Gateway.
type GatewayParams struct {
	Log         logger.Logger
	Conf        *config.Config
	Monitor     *stats.Monitor
	Provisioner IdentityProvisioner
	Telephony   TelephonyPort
}

// Gateway is the session registry for one leg flavor. It enforces at most
// one active session per call context, keeps a short memory of ended
// sessions and owns the shared call task pool.
type Gateway struct {
	log     logger.Logger
	conf    *config.Config
	mon     *stats.Monitor
	prov    IdentityProvisioner
	tel     TelephonyPort
	callMgr *CallManager

	mu       sync.Mutex
	ready    bool
	reserved map[string]Session
	sessions map[string]Session
	ended    *lru.Cache[string, EndReason]

	lmu       sync.Mutex
	listeners []GatewayListener
}

func NewGateway(p GatewayParams) (*Gateway, error) {
	ended, err := lru.New[string, EndReason](endedCacheSize)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		log:      p.Log,
		conf:     p.Conf,
		mon:      p.Monitor,
		prov:     p.Provisioner,
		tel:      p.Telephony,
		reserved: make(map[string]Session),
		sessions: make(map[string]Session),
		ended:    ended,
	}
	g.callMgr = NewCallManager(p.Log, p.Monitor, p.Conf.MaxCallWorkers, nil)
	return g, nil
}

func (g *Gateway) CallManager() *CallManager {
	return g.callMgr
}

func (g *Gateway) Provisioner() IdentityProvisioner {
	return g.prov
}

func (g *Gateway) Telephony() TelephonyPort {
	return g.tel
}

func (g *Gateway) Monitor() *stats.Monitor {
	return g.mon
}

// Start marks the gateway ready to accept sessions.
func (g *Gateway) Start() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	g.ready = true
	g.mu.Unlock()
	g.log.Infow("gateway ready")
	g.notify(GatewayEvent{Kind: EventGatewayReady})
}

func (g *Gateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// ReserveSession claims the call context for a session that has not joined
// its room yet. The reservation enforces at most one session per call
// context; the session only counts as active once ActivateSession promotes
// it after the room join.
func (g *Gateway) ReserveSession(s Session) error {
	id := s.Context().ID()
	g.mu.Lock()
	if !g.ready {
		g.mu.Unlock()
		return errors.ErrGatewayNotReady
	}
	_, dup := g.reserved[id]
	if !dup {
		_, dup = g.sessions[id]
	}
	if dup {
		g.mu.Unlock()
		g.log.Warnw("session already exists for call", nil, "callID", id)
		return errors.ErrSessionExists
	}
	g.reserved[id] = s
	g.mu.Unlock()

	g.log.Infow("session reserved", "callID", id)
	return nil
}

// ActivateSession moves a reserved session into the active registry once
// its room join completed. Activating an already active session is a no-op,
// a session rejoins its room after a conference connection failure.
func (g *Gateway) ActivateSession(s Session) {
	id := s.Context().ID()
	g.mu.Lock()
	if cur, ok := g.sessions[id]; ok && cur == s {
		g.mu.Unlock()
		return
	}
	if cur, ok := g.reserved[id]; !ok || cur != s {
		g.mu.Unlock()
		g.log.Errorw("activating session without a reservation", nil, "callID", id)
		return
	}
	delete(g.reserved, id)
	g.sessions[id] = s
	count := len(g.sessions)
	g.mu.Unlock()

	g.log.Infow("session added", "callID", id, "activeSessions", count)
	g.notify(GatewayEvent{Kind: EventSessionAdded, Session: s})
}

// RemoveSession unregisters a session and records its end reason. A session
// that never joined its room releases its reservation without having emitted
// EventSessionAdded. Removing a session the registry does not know is an
// error, the caller double-removed or holds a stale session.
func (g *Gateway) RemoveSession(s Session, reason EndReason) {
	id := s.Context().ID()
	g.mu.Lock()
	if cur, ok := g.reserved[id]; ok && cur == s {
		delete(g.reserved, id)
		g.ended.Add(id, reason)
		g.mu.Unlock()
		g.log.Infow("reserved session released before join", "callID", id,
			"reason", reason.Text)
		return
	}
	cur, ok := g.sessions[id]
	if !ok || cur != s {
		g.mu.Unlock()
		g.log.Errorw("removing session that is not registered", nil, "callID", id)
		return
	}
	delete(g.sessions, id)
	g.ended.Add(id, reason)
	count := len(g.sessions)
	g.mu.Unlock()

	g.log.Infow("session removed", "callID", id, "reason", reason.Text,
		"activeSessions", count)
	g.notify(GatewayEvent{Kind: EventSessionRemoved, Session: s})
}

// SessionFailed reports a session that never reached the registry or died
// before it could be bridged.
func (g *Gateway) SessionFailed(s Session, err error) {
	g.log.Warnw("session failed", err, "callID", s.Context().ID())
	g.notify(GatewayEvent{Kind: EventSessionFailed, Session: s})
}

// GetSession finds a session by call ID, active or still reserved. Reserved
// sessions are findable so they can be hung up before the join completes.
func (g *Gateway) GetSession(id string) (Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[id]; ok {
		return s, true
	}
	s, ok := g.reserved[id]
	return s, ok
}

// EndedReason reports why a recently ended call finished. The second return
// is false for unknown or long-ago calls.
func (g *Gateway) EndedReason(id string) (EndReason, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended.Get(id)
}

func (g *Gateway) ActiveSessions() []Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

func (g *Gateway) ActiveSessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) AddListener(l GatewayListener) {
	g.lmu.Lock()
	defer g.lmu.Unlock()
	g.listeners = append(g.listeners, l)
}

func (g *Gateway) RemoveListener(l GatewayListener) {
	g.lmu.Lock()
	defer g.lmu.Unlock()
	for i, cur := range g.listeners {
		if cur == l {
			g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
			return
		}
	}
}

func (g *Gateway) notify(ev GatewayEvent) {
	g.lmu.Lock()
	list := make([]GatewayListener, len(g.listeners))
	copy(list, g.listeners)
	g.lmu.Unlock()
	for _, l := range list {
		l.OnGatewayEvent(ev)
	}
}

// Stop refuses new sessions, hangs up everything active or reserved and
// drains the task pool.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.ready = false
	pending := make([]Session, 0, len(g.reserved))
	for _, s := range g.reserved {
		pending = append(pending, s)
	}
	g.mu.Unlock()

	for _, s := range pending {
		s.HangUp()
	}
	for _, s := range g.ActiveSessions() {
		s.HangUp()
	}
	g.callMgr.Stop()
	g.log.Infow("gateway stopped")
}

// SIPGateway bridges inbound and outbound telephony calls into conference
// rooms.
type SIPGateway struct {
	*Gateway
}

func NewSIPGateway(p GatewayParams) (*SIPGateway, error) {
	g, err := NewGateway(p)
	if err != nil {
		return nil, err
	}
	return &SIPGateway{Gateway: g}, nil
}

// CreateSession builds a SIP session for the context. When inbound is nil
// the telephony leg is dialed after the conference call starts.
func (g *SIPGateway) CreateSession(cctx *CallContext, inbound Call) (*SIPSession, error) {
	s := newSIPSession(g, cctx, inbound)
	if err := g.ReserveSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

// TranscriptGateway joins transcription sessions into conference rooms.
type TranscriptGateway struct {
	*Gateway
}

func NewTranscriptGateway(p GatewayParams) (*TranscriptGateway, error) {
	g, err := NewGateway(p)
	if err != nil {
		return nil, err
	}
	return &TranscriptGateway{Gateway: g}, nil
}

func (g *TranscriptGateway) CreateSession(cctx *CallContext, sink TranscriptSink) (*TranscriptSession, error) {
	s := newTranscriptSession(g, cctx, sink)
	if err := g.ReserveSession(s); err != nil {
		return nil, err
	}
	return s, nil
}
