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
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/voicebridge/gateway/pkg/gateway"
)

// At most this many INVITEs may sit in the digest challenge handshake.
const digestLimit = 500

const callerNameHeader = "X-Caller-Name"

type inProgressInvite struct {
	from      string
	challenge digest.Challenge
}

// Server accepts inbound calls: digest auth, room discovery, then hands the
// call to the gateway. Answering is deferred until the conference is up.
type Server struct {
	log     logger.Logger
	svc     *Service
	handler Handler

	mu                sync.Mutex
	inProgressInvites []*inProgressInvite
	pendingRooms      map[string]chan string
}

func newServer(svc *Service) *Server {
	return &Server{
		log:          svc.log.WithValues("component", "sip-server"),
		svc:          svc,
		pendingRooms: make(map[string]chan string),
	}
}

func (s *Server) handleInviteAuth(req *sip.Request, tx sip.ServerTransaction, from, username, password string) (ok bool) {
	if username == "" || password == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var inviteState *inProgressInvite
	for i := range s.inProgressInvites {
		if s.inProgressInvites[i].from == from {
			inviteState = s.inProgressInvites[i]
		}
	}
	if inviteState == nil {
		if len(s.inProgressInvites) >= digestLimit {
			s.inProgressInvites = s.inProgressInvites[1:]
		}
		inviteState = &inProgressInvite{from: from}
		s.inProgressInvites = append(s.inProgressInvites, inviteState)
	}

	h := req.GetHeader("Proxy-Authorization")
	if h == nil {
		inviteState.challenge = digest.Challenge{
			Realm:     UserAgent,
			Nonce:     fmt.Sprintf("%d", time.Now().UnixMicro()),
			Algorithm: "MD5",
		}
		res := sip.NewResponseFromRequest(req, 407, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate", inviteState.challenge.String()))
		_ = tx.Respond(res)
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 401, "Bad credentials", nil))
		return false
	}
	digCred, err := digest.Digest(&inviteState.challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil || cred.Response != digCred.Response {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 401, "Unauthorized", nil))
		return false
	}
	return true
}

func (s *Server) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	from := req.From()
	if from == nil || req.To() == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	log := s.log.WithValues("sipCallID", callID, "fromUser", from.Address.User)

	if s.handler == nil || !s.svc.mon.CanAccept() {
		log.Warnw("rejecting invite, gateway cannot accept calls", nil)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		return
	}
	if !s.handleInviteAuth(req, tx, from.Address.User, s.svc.conf.SIP.User, s.svc.conf.SIP.Pass) {
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))

	cctx := s.newCallContext(req, from)
	room := s.resolveRoom(req, callID, func() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
	})
	if room == "" {
		log.Infow("rejecting invite, no room provided")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 486, "No Room Provided", nil))
		return
	}
	cctx.SetRoomName(room)
	log.Infow("accepting inbound call", "room", cctx.BareRoomName(), "callID", cctx.ID())

	dlg, err := s.svc.dua.ReadInvite(req, tx)
	if err != nil {
		log.Errorw("failed to create dialog", err)
		return
	}

	answer, err := buildAnswer(s.svc.LocalMedia(), req.Body())
	if err != nil {
		log.Errorw("failed to build sdp answer", err)
		_ = dlg.Respond(488, "Not Acceptable Here", nil)
		_ = dlg.Close()
		return
	}

	call := newSIPCall(log, callID, from.Address.User, from.Address.User)
	if ep, err := parseRemoteEndpoint(req.Body()); err == nil {
		call.setRemoteEndpoint(ep)
	}

	d := &inboundDialog{svc: s.svc, dlg: dlg, call: call}
	call.answerFn = func() error {
		if err := dlg.RespondSDP(answer); err != nil {
			return errors.Wrap(err, "answer call")
		}
		d.answered.Store(true)
		return nil
	}
	call.hangupFn = d.hangup
	s.svc.registerDialog(callID, d)

	s.handler.OnInboundCall(cctx, call)
}

// newCallContext seeds a call context from an INVITE: configured domains,
// all X- headers and the caller's display name.
func (s *Server) newCallContext(req *sip.Request, from *sip.FromHeader) *gateway.CallContext {
	conf := s.svc.conf
	cctx := gateway.NewCallContext(req)
	cctx.SetDomain(conf.Domain)
	cctx.SetMucPrefix(conf.MucDomainPrefix)
	cctx.SetBaseURL(conf.BaseURLTemplate)
	for _, h := range req.Headers() {
		if strings.HasPrefix(h.Name(), "X-") {
			cctx.AddHeader(h.Name(), h.Value())
		}
	}
	if from.DisplayName != "" {
		cctx.AddHeader(callerNameHeader, from.DisplayName)
	}
	return cctx
}

// resolveRoom finds the conference room for an invite. The room header may
// lag the INVITE and arrive in an INFO, so absence is ringed out for a
// bounded wait before falling back to the default room.
func (s *Server) resolveRoom(req *sip.Request, callID string, ringing func()) string {
	conf := s.svc.conf
	headerName := conf.SIP.RoomHeader
	if headerName == "" {
		return conf.DefaultRoom
	}
	if h := req.GetHeader(headerName); h != nil && h.Value() != "" {
		return h.Value()
	}
	if conf.RoomHeaderWait <= 0 {
		return conf.DefaultRoom
	}
	return s.waitForRoom(callID, ringing)
}

// waitForRoom rings the caller and blocks until an INFO delivers the room
// or the wait elapses. The channel is registered before ringing so an INFO
// racing the 180 is not lost.
func (s *Server) waitForRoom(callID string, ringing func()) string {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.pendingRooms[callID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingRooms, callID)
		s.mu.Unlock()
	}()

	ringing()
	select {
	case room := <-ch:
		return room
	case <-time.After(s.svc.conf.RoomHeaderWait):
		return s.svc.conf.DefaultRoom
	}
}

// deliverRoom hands a late room header to a waiting invite. Delivery to an
// unknown or already satisfied call is dropped.
func (s *Server) deliverRoom(callID, room string) {
	s.mu.Lock()
	ch := s.pendingRooms[callID]
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- room:
		default:
		}
	}
}

func (s *Server) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if d, ok := s.svc.dialog(requestCallID(req)).(*inboundDialog); ok {
		if err := d.dlg.ReadAck(req, tx); err != nil {
			d.call.log.Infow("failed to read ack", "error", err)
		}
	}
}

func (s *Server) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	d, ok := s.svc.dialog(callID).(*inboundDialog)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	s.svc.unregisterDialog(callID)
	d.cancel()
}

// onInfo delivers a late room header to a waiting invite.
func (s *Server) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	if headerName := s.svc.conf.SIP.RoomHeader; headerName != "" {
		if h := req.GetHeader(headerName); h != nil && h.Value() != "" {
			s.deliverRoom(requestCallID(req), h.Value())
		}
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

// inboundDialog is the UAS side of one active call.
type inboundDialog struct {
	svc      *Service
	dlg      *sipgo.DialogServerSession
	call     *sipCall
	answered atomic.Bool
}

func (d *inboundDialog) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := d.dlg.ReadBye(req, tx); err != nil {
		d.call.log.Infow("failed to read bye", "error", err)
	}
	d.call.remoteEnded(200, "bye")
}

// hangup ends the call from our side: BYE once answered, a final status
// response while still ringing.
func (d *inboundDialog) hangup(code int, reason string) error {
	d.svc.unregisterDialog(d.call.id)
	if !d.answered.Load() {
		if code < 400 || code > 699 {
			code, reason = 486, "Busy Here"
		}
		if err := d.dlg.Respond(sip.StatusCode(code), reason, nil); err != nil {
			return errors.Wrap(err, "reject call")
		}
		return d.dlg.Close()
	}
	byeCtx, cancelFn := context.WithTimeout(context.Background(), byeTimeout)
	defer cancelFn()
	if err := d.dlg.Bye(byeCtx); err != nil {
		return errors.Wrap(err, "send bye")
	}
	return nil
}

// cancel tears down a dialog whose caller gave up before the answer.
func (d *inboundDialog) cancel() {
	if !d.answered.Load() {
		_ = d.dlg.Respond(487, "Request Terminated", nil)
		_ = d.dlg.Close()
	}
	d.call.remoteEnded(487, "cancelled")
}
