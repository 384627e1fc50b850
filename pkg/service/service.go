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

package service

import (
	"context"
	"time"

	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/voicebridge/gateway/pkg/config"
	gwerrors "github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/gateway"
	"github.com/voicebridge/gateway/pkg/sip"
	"github.com/voicebridge/gateway/pkg/stats"
)

// resourceCacheSize bounds the call-resource index. It only needs to cover
// active sessions plus a tail of recently ended ones for late hangups.
const resourceCacheSize = 1024

// Service wires the SIP adapter, the gateways and the HTTP API into one
// process.
type Service struct {
	conf *config.Config
	log  logger.Logger
	mon  *stats.Monitor

	sipSvc *sip.Service
	sipGW  *gateway.SIPGateway
	trGW   *gateway.TranscriptGateway

	// resources maps external call resources to call context ids, kept past
	// session end so late hangup requests get a precise answer.
	resources *lru.Cache[string, string]

	// sinks keeps transcripts retrievable past session end, aged out by the
	// same retention as the resource index.
	sinks *lru.Cache[string, *memorySink]

	closed core.Fuse
}

func NewService(conf *config.Config, log logger.Logger) (*Service, error) {
	mon, err := stats.NewMonitor(conf)
	if err != nil {
		return nil, err
	}
	prov, err := gateway.OpenDriver(conf.ConferenceDriver, conf)
	if err != nil {
		return nil, err
	}
	sipSvc, err := sip.NewService(conf, log, mon)
	if err != nil {
		return nil, err
	}
	sipGW, err := gateway.NewSIPGateway(gateway.GatewayParams{
		Log:         log,
		Conf:        conf,
		Monitor:     mon,
		Provisioner: prov,
		Telephony:   sipSvc.Telephony(),
	})
	if err != nil {
		return nil, err
	}
	trGW, err := gateway.NewTranscriptGateway(gateway.GatewayParams{
		Log:         log,
		Conf:        conf,
		Monitor:     mon,
		Provisioner: prov,
	})
	if err != nil {
		return nil, err
	}

	resources, err := lru.New[string, string](resourceCacheSize)
	if err != nil {
		return nil, err
	}
	sinks, err := lru.New[string, *memorySink](resourceCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Service{
		conf:      conf,
		log:       log,
		mon:       mon,
		sipSvc:    sipSvc,
		sipGW:     sipGW,
		trGW:      trGW,
		resources: resources,
		sinks:     sinks,
	}
	sipSvc.SetHandler(s)
	return s, nil
}

// Run starts everything and blocks until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.mon.Start(s.conf); err != nil {
		return errors.Wrap(err, "start monitor")
	}
	s.sipGW.Start()
	s.trGW.Start()

	sipErr := make(chan error, 1)
	go func() {
		sipErr <- s.sipSvc.Start(ctx)
	}()
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.serveHTTP(ctx)
	}()

	select {
	case <-ctx.Done():
		s.Stop(false)
		return nil
	case err := <-sipErr:
		s.Stop(false)
		return err
	case err := <-httpErr:
		s.Stop(false)
		return err
	}
}

// drainTimeout bounds how long a graceful shutdown waits for active calls
// to finish their teardown.
const drainTimeout = 10 * time.Second

// Stop shuts the service down. When kill is set, active calls are dropped
// instead of drained.
func (s *Service) Stop(kill bool) {
	s.closed.Once(func() {
		s.log.Infow("shutting down", "kill", kill)
		if !kill {
			s.drainSessions(drainTimeout)
		}
		s.sipGW.Stop()
		s.trGW.Stop()
		s.sipSvc.Stop()
		s.mon.Stop()
	})
}

// drainSessions hangs up every active session and waits for the teardowns,
// including delayed ones, to unregister them.
func (s *Service) drainSessions(timeout time.Duration) {
	for _, sess := range s.sipGW.ActiveSessions() {
		sess.HangUp()
	}
	for _, sess := range s.trGW.ActiveSessions() {
		sess.HangUp()
	}
	deadline := time.Now().Add(timeout)
	for s.sipGW.ActiveSessionCount() > 0 || s.trGW.ActiveSessionCount() > 0 {
		if time.Now().After(deadline) {
			s.log.Warnw("shutdown drain timed out", nil,
				"sipSessions", s.sipGW.ActiveSessionCount(),
				"transcriptSessions", s.trGW.ActiveSessionCount())
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// OnInboundCall bridges a freshly accepted SIP call into a conference
// session.
func (s *Service) OnInboundCall(cctx *gateway.CallContext, call gateway.Call) {
	log := s.log.WithValues("callID", cctx.ID(), "room", cctx.BareRoomName())
	sess, err := s.sipGW.CreateSession(cctx, call)
	if err != nil {
		log.Errorw("failed to create session for inbound call", err)
		_ = call.Hangup(503, "session setup failed")
		return
	}
	s.resources.Add(cctx.CallResource(), cctx.ID())
	if err := sess.Start(); err != nil {
		log.Errorw("failed to start session for inbound call", err)
		_ = call.Hangup(503, "conference join failed")
	}
}

// CreateOutgoingCall builds a call context from an external dial request and
// starts an outbound session. The returned call resource identifies the
// session for later hangup requests.
func (s *Service) CreateOutgoingCall(req DialRequest) (string, error) {
	if req.Room == "" {
		return "", gwerrors.ErrMissingRoom
	}
	if req.Destination == "" {
		return "", gwerrors.ErrMissingDestination
	}
	cctx := gateway.NewCallContext(req)
	cctx.SetDomain(s.conf.Domain)
	cctx.SetMucPrefix(s.conf.MucDomainPrefix)
	cctx.SetBaseURL(s.conf.BaseURLTemplate)
	cctx.SetRoomName(req.Room)
	cctx.SetPassword(req.Password)
	cctx.SetDestination(req.Destination)
	for k, v := range req.Headers {
		cctx.AddHeader(k, v)
	}

	sess, err := s.sipGW.CreateSession(cctx, nil)
	if err != nil {
		return "", err
	}
	s.resources.Add(cctx.CallResource(), cctx.ID())
	if err := sess.Start(); err != nil {
		return "", err
	}
	return cctx.CallResource(), nil
}

// CreateTranscriptSession joins a conference as a transcription participant.
// Collected entries stay retrievable under the call resource until the
// session ages out of the resource cache.
func (s *Service) CreateTranscriptSession(req TranscribeRequest) (string, error) {
	if req.Room == "" {
		return "", gwerrors.ErrMissingRoom
	}
	cctx := gateway.NewCallContext(req)
	cctx.SetDomain(s.conf.Domain)
	cctx.SetMucPrefix(s.conf.MucDomainPrefix)
	cctx.SetBaseURL(s.conf.BaseURLTemplate)
	cctx.SetRoomName(req.Room)
	cctx.SetPassword(req.Password)

	sink := newMemorySink()
	sess, err := s.trGW.CreateSession(cctx, sink)
	if err != nil {
		return "", err
	}
	s.resources.Add(cctx.CallResource(), cctx.ID())
	s.sinks.Add(cctx.ID(), sink)

	if err := sess.Start(); err != nil {
		s.sinks.Remove(cctx.ID())
		return "", err
	}
	return cctx.CallResource(), nil
}

// HangupCall ends the session identified by a call resource. For recently
// ended sessions the original end reason is reported.
func (s *Service) HangupCall(callResource string) error {
	id, ok := s.resources.Get(callResource)
	if !ok {
		return gwerrors.ErrSessionNotFound
	}
	if sess, ok := s.sipGW.GetSession(id); ok {
		sess.HangUp()
		return nil
	}
	if sess, ok := s.trGW.GetSession(id); ok {
		sess.HangUp()
		return nil
	}
	if reason, ok := s.sipGW.EndedReason(id); ok {
		return gwerrors.ErrSessionEnded(reason.Text)
	}
	if reason, ok := s.trGW.EndedReason(id); ok {
		return gwerrors.ErrSessionEnded(reason.Text)
	}
	return gwerrors.ErrSessionNotFound
}

// Transcripts returns the entries collected for a transcript session.
func (s *Service) Transcripts(callResource string) ([]gateway.TranscriptEntry, error) {
	id, ok := s.resources.Get(callResource)
	if !ok {
		return nil, gwerrors.ErrSessionNotFound
	}
	sink, ok := s.sinks.Get(id)
	if !ok {
		return nil, gwerrors.ErrSessionNotFound
	}
	return sink.Entries(), nil
}

// Healthy reports whether the service should receive new calls.
func (s *Service) Healthy() bool {
	return s.mon.Healthy() && s.sipGW.Ready() && s.trGW.Ready()
}
