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
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/livekit/psrpc"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const httpShutdownTimeout = 5 * time.Second

// DialRequest asks for an outbound call bridged into a conference room.
type DialRequest struct {
	Destination string            `json:"destination"`
	Room        string            `json:"room"`
	Password    string            `json:"password,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TranscribeRequest asks for a transcription participant in a room.
type TranscribeRequest struct {
	Room     string `json:"room"`
	Password string `json:"password,omitempty"`
}

type HangupRequest struct {
	CallResource string `json:"call_resource"`
}

type CallResponse struct {
	CallResource string `json:"call_resource"`
}

type TranscriptsResponse struct {
	Entries []TranscriptEntryResponse `json:"entries"`
}

type TranscriptEntryResponse struct {
	Participant string `json:"participant"`
	Text        string `json:"text"`
	Language    string `json:"language,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Service) httpRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/call", s.handleDial)
	r.POST("/v1/transcribe", s.handleTranscribe)
	r.POST("/v1/hangup", s.handleHangup)
	r.GET("/v1/transcripts/:resource", s.handleTranscripts)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Service) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.conf.HTTPPort),
		Handler: s.httpRouter(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	s.log.Infow("starting http api", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Service) handleDial(c *gin.Context) {
	var req DialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	res, err := s.CreateOutgoingCall(req)
	if err != nil {
		s.log.Warnw("dial request failed", err, "room", req.Room)
		c.JSON(errorStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, CallResponse{CallResource: res})
}

func (s *Service) handleTranscribe(c *gin.Context) {
	var req TranscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	res, err := s.CreateTranscriptSession(req)
	if err != nil {
		s.log.Warnw("transcribe request failed", err, "room", req.Room)
		c.JSON(errorStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, CallResponse{CallResource: res})
}

func (s *Service) handleHangup(c *gin.Context) {
	var req HangupRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallResource == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := s.HangupCall(req.CallResource); err != nil {
		c.JSON(errorStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Service) handleTranscripts(c *gin.Context) {
	entries, err := s.Transcripts(c.Param("resource"))
	if err != nil {
		c.JSON(errorStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	resp := TranscriptsResponse{Entries: make([]TranscriptEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, TranscriptEntryResponse{
			Participant: e.Participant,
			Text:        e.Text,
			Language:    e.Language,
			Timestamp:   e.Timestamp.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) handleHealth(c *gin.Context) {
	if !s.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_calls": s.activeCalls()})
}

func (s *Service) activeCalls() int {
	return s.sipGW.ActiveSessionCount() + s.trGW.ActiveSessionCount()
}

// errorStatus maps service errors onto HTTP statuses via their psrpc codes.
func errorStatus(err error) int {
	var pe psrpc.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Code() {
	case psrpc.InvalidArgument:
		return http.StatusBadRequest
	case psrpc.NotFound:
		return http.StatusNotFound
	case psrpc.FailedPrecondition:
		return http.StatusPreconditionFailed
	case psrpc.ResourceExhausted:
		return http.StatusTooManyRequests
	case psrpc.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
