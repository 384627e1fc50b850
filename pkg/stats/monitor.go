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

package stats

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/voicebridge/gateway/pkg/config"
)

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for short operations like a room join.
	durBucketsOp = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 3 * 60,
	}
	// durBucketsLong lists histogram buckets for session durations.
	durBucketsLong = []float64{
		1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600, 12 * 3600, 24 * 3600,
	}
)

type CallDir bool

func (d CallDir) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

const (
	Inbound  = CallDir(false)
	Outbound = CallDir(true)
)

type Monitor struct {
	nodeID string

	sessionsActive   *prometheus.GaugeVec
	sessionsStarted  *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	sessionFailures  *prometheus.CounterVec
	inviteTimeouts   prometheus.Counter
	connectionFailed prometheus.Counter
	mediaDrops       prometheus.Counter
	tasksRejected    prometheus.Counter
	poolHealthy      prometheus.GaugeFunc
	durJoin          *prometheus.HistogramVec
	durSession       *prometheus.HistogramVec

	healthy atomic.Bool

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(conf *config.Config) (*Monitor, error) {
	m := &Monitor{
		nodeID: conf.NodeID,
	}
	m.healthy.Store(true)
	return m, nil
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start(conf *config.Config) error {
	prometheus.Unregister(collectors.NewGoCollector())
	mustRegister(m, collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	m.sessionsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "sessions_active",
		Help:        "Number of currently active gateway sessions",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"gateway", "dir"}))

	m.sessionsStarted = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "sessions_started",
		Help:        "Number of gateway sessions started",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"gateway", "dir"}))

	m.sessionsEnded = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "sessions_ended",
		Help:        "Number of gateway sessions ended, by end reason",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"gateway", "dir", "reason"}))

	m.sessionFailures = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "session_failures",
		Help:        "Number of sessions that failed before both legs connected",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"gateway", "reason"}))

	m.inviteTimeouts = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "invite_timeouts",
		Help:        "Number of conferences abandoned waiting for the focus call invite",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.connectionFailed = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "connection_failures",
		Help:        "Number of signaling transport connection failures",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.mediaDrops = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "media_drops",
		Help:        "Number of telephony legs that crossed the media drop threshold",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.tasksRejected = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "call_tasks_rejected",
		Help:        "Number of call operations rejected by the task pool",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.poolHealthy = mustRegister(m, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "healthy",
		Help:        "Whether the call task pool is healthy",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, func() float64 {
		if m.healthy.Load() {
			return 1
		}
		return 0
	}))

	m.durJoin = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "dur_join_sec",
		Help:        "Conference join duration (from session start to room joined)",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
		Buckets:     durBucketsOp,
	}, []string{"gateway"}))

	m.durSession = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "voicebridge",
		Subsystem:   "gateway",
		Name:        "dur_session_sec",
		Help:        "Session duration (from session start to stopped)",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
		Buckets:     durBucketsLong,
	}, []string{"gateway"}))

	m.started.Break()

	return nil
}

func (m *Monitor) Shutdown() {
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CanAccept() bool {
	return m.started.IsBroken() && !m.shutdown.IsBroken()
}

// SetHealthy reflects the call pool health into metrics and health checks.
func (m *Monitor) SetHealthy(v bool) {
	m.healthy.Store(v)
}

func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

func (m *Monitor) InviteTimeout() {
	if m.started.IsBroken() {
		m.inviteTimeouts.Inc()
	}
}

func (m *Monitor) ConnectionFailed() {
	if m.started.IsBroken() {
		m.connectionFailed.Inc()
	}
}

func (m *Monitor) MediaDropped() {
	if m.started.IsBroken() {
		m.mediaDrops.Inc()
	}
}

func (m *Monitor) TaskRejected() {
	if m.started.IsBroken() {
		m.tasksRejected.Inc()
	}
}

func (m *Monitor) NewSession(gateway string, dir CallDir) *SessionMonitor {
	return &SessionMonitor{
		m:       m,
		gateway: gateway,
		dir:     dir,
	}
}

// SessionMonitor tracks one gateway session.
type SessionMonitor struct {
	m       *Monitor
	gateway string
	dir     CallDir
	started atomic.Bool
	ended   atomic.Bool
}

func (s *SessionMonitor) labels(l prometheus.Labels) prometheus.Labels {
	out := prometheus.Labels{"gateway": s.gateway, "dir": s.dir.String()}
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (s *SessionMonitor) SessionStart() {
	if s == nil || !s.m.started.IsBroken() {
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.m.sessionsStarted.With(s.labels(nil)).Inc()
	s.m.sessionsActive.With(s.labels(nil)).Inc()
}

func (s *SessionMonitor) SessionEnd(reason string) {
	if s == nil || !s.m.started.IsBroken() {
		return
	}
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.m.sessionsActive.With(s.labels(nil)).Dec()
	if s.ended.CompareAndSwap(false, true) {
		s.m.sessionsEnded.With(s.labels(prometheus.Labels{"reason": reason})).Inc()
	}
}

func (s *SessionMonitor) SessionFailed(reason string) {
	if s == nil || !s.m.started.IsBroken() {
		return
	}
	s.m.sessionFailures.With(prometheus.Labels{"gateway": s.gateway, "reason": reason}).Inc()
}

func (s *SessionMonitor) JoinDur() func() time.Duration {
	if s == nil || !s.m.started.IsBroken() {
		return func() time.Duration { return 0 }
	}
	return prometheus.NewTimer(s.m.durJoin.WithLabelValues(s.gateway)).ObserveDuration
}

func (s *SessionMonitor) SessionDur() func() time.Duration {
	if s == nil || !s.m.started.IsBroken() {
		return func() time.Duration { return 0 }
	}
	return prometheus.NewTimer(s.m.durSession.WithLabelValues(s.gateway)).ObserveDuration
}
