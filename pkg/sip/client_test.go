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
	"testing"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/gateway/pkg/config"
	gwerrors "github.com/voicebridge/gateway/pkg/errors"
)

func newTestClient(outboundHost string) *Client {
	conf := &config.Config{}
	conf.SIP.OutboundHost = outboundHost
	return &Client{
		log: logger.GetLogger(),
		svc: &Service{conf: conf},
	}
}

func TestParseDestination(t *testing.T) {
	c := newTestClient("trunk.example.com")

	uri, err := c.parseDestination("+15551234567")
	require.NoError(t, err)
	require.Equal(t, "+15551234567", uri.User)
	require.Equal(t, "trunk.example.com", uri.Host)

	uri, err = c.parseDestination("bob@pbx.example.com")
	require.NoError(t, err)
	require.Equal(t, "bob", uri.User)
	require.Equal(t, "pbx.example.com", uri.Host)

	uri, err = c.parseDestination("sip:carol@proxy.example.com:5070")
	require.NoError(t, err)
	require.Equal(t, "carol", uri.User)
	require.Equal(t, "proxy.example.com", uri.Host)
	require.Equal(t, 5070, uri.Port)
}

func TestParseDestinationErrors(t *testing.T) {
	c := newTestClient("")

	_, err := c.parseDestination("")
	require.ErrorIs(t, err, gwerrors.ErrMissingDestination)

	_, err = c.parseDestination("5551234567")
	require.ErrorIs(t, err, gwerrors.ErrNoOutboundTrunk)
}

func TestHeaderList(t *testing.T) {
	require.Nil(t, headerList(nil))

	hdrs := headerList(map[string]string{
		"X-Room-Name":   "standup",
		"X-Caller-Name": "Alice",
	})
	require.Len(t, hdrs, 2)
	require.Equal(t, "X-Caller-Name", hdrs[0].Name())
	require.Equal(t, "Alice", hdrs[0].Value())
	require.Equal(t, "X-Room-Name", hdrs[1].Name())
}
