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

package sip

import (
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/gateway/pkg/gateway"
)

// sipCall is a single SIP dialog wearing the gateway.Call interface. The
// dialog mechanics (answer, hangup) differ between the UAS and UAC sides, so
// they are injected as hooks by whichever side created the call.
type sipCall struct {
	id     string
	remote string
	from   string
	log    logger.Logger

	answerFn func() error
	hangupFn func(code int, reason string) error

	mu        sync.Mutex
	state     gateway.CallState
	handler   func(gateway.CallStateEvent)
	peer      gateway.Call
	muted     bool
	lastMedia time.Time
	localSDP  []byte
	remoteEP  MediaEndpoint
}

var _ gateway.Call = (*sipCall)(nil)

func newSIPCall(log logger.Logger, callID, remote, from string) *sipCall {
	return &sipCall{
		id:     callID,
		remote: remote,
		from:   from,
		log:    log.WithValues("sipCallID", callID),
		state:  gateway.CallNew,
	}
}

func (c *sipCall) ID() string {
	return c.id
}

func (c *sipCall) RemoteResource() string {
	return c.remote
}

// FromUser is the caller's SIP user part, used for display attribution.
func (c *sipCall) FromUser() string {
	return c.from
}

func (c *sipCall) State() gateway.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *sipCall) SetStateHandler(h func(gateway.CallStateEvent)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// setState advances the call state and fires the handler. Transitions after
// CallEnded are dropped, a BYE racing a local hangup must not re-end the
// call.
func (c *sipCall) setState(state gateway.CallState, code int, reason string) {
	c.mu.Lock()
	if c.state == gateway.CallEnded {
		c.mu.Unlock()
		return
	}
	c.state = state
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(gateway.CallStateEvent{State: state, Code: code, Reason: reason})
	}
}

func (c *sipCall) Answer() error {
	if c.answerFn == nil {
		return nil
	}
	if err := c.answerFn(); err != nil {
		return err
	}
	c.setState(gateway.CallInProgress, 0, "")
	return nil
}

func (c *sipCall) Hangup(code int, reason string) error {
	c.mu.Lock()
	if c.state == gateway.CallEnded {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var err error
	if c.hangupFn != nil {
		err = c.hangupFn(code, reason)
	}
	c.setState(gateway.CallEnded, code, reason)
	return err
}

// remoteEnded marks the call ended by the far side, no signaling is sent.
func (c *sipCall) remoteEnded(code int, reason string) {
	c.setState(gateway.CallEnded, code, reason)
}

func (c *sipCall) Merge(other gateway.Call) error {
	c.mu.Lock()
	c.peer = other
	c.mu.Unlock()
	c.log.Infow("merged call legs", "peerCallID", other.ID())
	return nil
}

func (c *sipCall) Mute(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

func (c *sipCall) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// SetHolePunchingEnabled is meaningless on the SIP side, media addresses are
// explicit in SDP.
func (c *sipCall) SetHolePunchingEnabled(enabled bool) {}

func (c *sipCall) LastMediaReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMedia
}

// MarkMediaReceived is called by the media engine on inbound RTP. The drop
// watcher compares this timestamp against its threshold.
func (c *sipCall) MarkMediaReceived(at time.Time) {
	c.mu.Lock()
	c.lastMedia = at
	c.mu.Unlock()
}

func (c *sipCall) setRemoteEndpoint(ep MediaEndpoint) {
	c.mu.Lock()
	c.remoteEP = ep
	c.mu.Unlock()
}

// RemoteEndpoint is the peer's RTP address from its SDP, zero until the
// offer/answer exchange completes.
func (c *sipCall) RemoteEndpoint() MediaEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteEP
}
