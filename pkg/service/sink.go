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
	"sync"

	"github.com/voicebridge/gateway/pkg/gateway"
)

// memorySink buffers final transcript entries for retrieval over the API.
// Interim results are dropped, only finalized text is kept.
type memorySink struct {
	mu      sync.Mutex
	entries []gateway.TranscriptEntry
	closed  bool
}

var _ gateway.TranscriptSink = (*memorySink)(nil)

func newMemorySink() *memorySink {
	return &memorySink{}
}

func (s *memorySink) WriteTranscript(_ context.Context, entry gateway.TranscriptEntry) error {
	if !entry.Final {
		return nil
	}
	s.mu.Lock()
	if !s.closed {
		s.entries = append(s.entries, entry)
	}
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Entries() []gateway.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.TranscriptEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
