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
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/voicebridge/gateway/pkg/config"
	"github.com/voicebridge/gateway/pkg/gateway"
	"github.com/voicebridge/gateway/pkg/stats"
)

// UserAgent is sent in SIP requests and used as the digest auth realm.
const UserAgent = "voicebridge-gateway"

// Handler receives fully assembled inbound calls. The gateway implements it.
type Handler interface {
	OnInboundCall(cctx *gateway.CallContext, call gateway.Call)
}

// dialogHandle routes in-dialog requests for one active call. The UAS and
// UAC sides provide their own implementations.
type dialogHandle interface {
	handleBye(req *sip.Request, tx sip.ServerTransaction)
}

// Service owns the shared SIP user agent and fans incoming requests out to
// the server (new dialogs) and to active dialogs by Call-ID.
type Service struct {
	log  logger.Logger
	conf *config.Config
	mon  *stats.Monitor

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	cli *sipgo.Client
	dua *sipgo.DialogUA

	client *Client
	server *Server

	closed core.Fuse

	mu     sync.Mutex
	active map[string]dialogHandle
}

func NewService(conf *config.Config, log logger.Logger, mon *stats.Monitor) (*Service, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "create user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "create server")
	}
	cli, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "create client")
	}

	s := &Service{
		log:    log,
		conf:   conf,
		mon:    mon,
		ua:     ua,
		srv:    srv,
		cli:    cli,
		active: make(map[string]dialogHandle),
	}
	s.dua = &sipgo.DialogUA{
		Client: cli,
		ContactHDR: sip.ContactHeader{
			Address: sip.Uri{
				Scheme: "sip",
				User:   "gateway",
				Host:   conf.SIP.SignalingIP,
				Port:   conf.SIP.Port,
			},
		},
	}
	s.client = newClient(s)
	s.server = newServer(s)

	srv.OnInvite(s.server.onInvite)
	srv.OnBye(s.onBye)
	srv.OnAck(s.server.onAck)
	srv.OnCancel(s.server.onCancel)
	srv.OnInfo(s.server.onInfo)

	return s, nil
}

// SetHandler installs the inbound call sink. Must be called before Start.
func (s *Service) SetHandler(h Handler) {
	s.server.handler = h
}

// Telephony exposes the outbound dialer.
func (s *Service) Telephony() gateway.TelephonyPort {
	return s.client
}

// LocalMedia is the RTP endpoint advertised in our SDP. The media engine
// binds the socket, signaling only announces it.
func (s *Service) LocalMedia() MediaEndpoint {
	addr := s.conf.SIP.SignalingIP
	if addr == "" {
		addr = s.conf.SIP.ListenIP
	}
	return MediaEndpoint{Addr: addr, Port: s.conf.SIP.MediaPort}
}

// Start begins serving SIP on the configured address. It blocks until the
// context is canceled or the listener fails.
func (s *Service) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.SIP.ListenIP, s.conf.SIP.Port)
	s.log.Infow("starting sip service", "addr", addr)
	if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil && !s.closed.IsBroken() {
		return errors.Wrap(err, "sip listener")
	}
	return nil
}

func (s *Service) Stop() {
	s.closed.Once(func() {
		s.log.Infow("stopping sip service")
		_ = s.srv.Close()
		_ = s.cli.Close()
		_ = s.ua.Close()
	})
}

func (s *Service) registerDialog(callID string, h dialogHandle) {
	s.mu.Lock()
	s.active[callID] = h
	s.mu.Unlock()
}

func (s *Service) unregisterDialog(callID string) {
	s.mu.Lock()
	delete(s.active, callID)
	s.mu.Unlock()
}

func (s *Service) dialog(callID string) dialogHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[callID]
}

func (s *Service) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// onBye routes a BYE to whichever side owns the dialog. 481 for dialogs we
// no longer know about.
func (s *Service) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	if h := s.dialog(callID); h != nil {
		h.handleBye(req, tx)
		s.unregisterDialog(callID)
		return
	}
	s.log.Infow("bye for unknown dialog", "sipCallID", callID)
	_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
}

func requestCallID(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return string(*id)
	}
	return ""
}
