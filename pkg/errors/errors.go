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

package errors

import (
	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig           = psrpc.NewErrorf(psrpc.InvalidArgument, "no config provided")
	ErrMissingDomain      = psrpc.NewErrorf(psrpc.InvalidArgument, "conference domain is required")
	ErrMissingDestination = psrpc.NewErrorf(psrpc.InvalidArgument, "missing call destination")
	ErrMissingRoom        = psrpc.NewErrorf(psrpc.InvalidArgument, "missing conference room name")
	ErrSessionNotFound    = psrpc.NewErrorf(psrpc.NotFound, "no session for call resource")
	ErrSessionExists      = psrpc.NewErrorf(psrpc.FailedPrecondition, "session already active for call context")
	ErrAlreadyStarted     = psrpc.NewErrorf(psrpc.FailedPrecondition, "conference already started")
	ErrNotStarted         = psrpc.NewErrorf(psrpc.FailedPrecondition, "conference not started")
	ErrRoomFull           = psrpc.NewErrorf(psrpc.ResourceExhausted, "conference room is full")
	ErrLobbyWait          = psrpc.NewErrorf(psrpc.FailedPrecondition, "held in conference lobby pending admission")
	ErrMuteUnsupported    = psrpc.NewErrorf(psrpc.FailedPrecondition, "session does not support muting")
	ErrPoolSaturated      = psrpc.NewErrorf(psrpc.Unavailable, "call task pool saturated")
	ErrPoolStopped        = psrpc.NewErrorf(psrpc.Unavailable, "call task pool stopped")
	ErrGatewayNotReady    = psrpc.NewErrorf(psrpc.Unavailable, "gateway not ready")
	ErrPeerBusy           = psrpc.NewErrorf(psrpc.Unavailable, "peer is busy")
	ErrNoOutboundTrunk    = psrpc.NewErrorf(psrpc.FailedPrecondition, "no outbound trunk host configured")
)

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}

func ErrUnknownConferenceDriver(name string) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "unknown conference driver: %q", name)
}

func ErrSessionEnded(reason string) psrpc.Error {
	return psrpc.NewErrorf(psrpc.NotFound, "session already ended: %s", reason)
}
