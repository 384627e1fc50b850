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
	"fmt"
	"math/rand/v2"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// MediaEndpoint is one side's RTP address, taken from or advertised in SDP.
// The media engine owns the socket, this package only signals it.
type MediaEndpoint struct {
	Addr string
	Port int
}

func (e MediaEndpoint) IsZero() bool {
	return e.Addr == "" || e.Port == 0
}

func (e MediaEndpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Audio-only offer: G.711 both flavors plus RFC 4733 telephone events for
// DTMF.
var audioFormats = []string{"0", "8", "101"}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

func mediaAttributes(formats []string) []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(formats)+2)
	for _, f := range formats {
		if m, ok := rtpmaps[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + m})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: "101 0-16"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

// sdpDescription builds an audio session rooted at the given endpoint. Used
// for both offers and answers, the formats differ.
func sdpDescription(local MediaEndpoint, formats []string) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      rand.Uint64() & 0x7fffffff,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: local.Addr,
		},
		SessionName: "Voicebridge Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: local.Addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: local.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: mediaAttributes(formats),
			},
		},
	}
	return desc.Marshal()
}

func buildOffer(local MediaEndpoint) ([]byte, error) {
	return sdpDescription(local, audioFormats)
}

// buildAnswer echoes the first offered format we support.
func buildAnswer(local MediaEndpoint, offer []byte) ([]byte, error) {
	formats := []string{"0"}
	if offer != nil {
		desc := &sdp.SessionDescription{}
		if err := desc.Unmarshal(offer); err == nil && len(desc.MediaDescriptions) > 0 {
			for _, f := range desc.MediaDescriptions[0].MediaName.Formats {
				if _, ok := rtpmaps[f]; ok && f != "101" {
					formats[0] = f
					break
				}
			}
		}
	}
	return sdpDescription(local, append(formats, "101"))
}

// parseRemoteEndpoint extracts the peer's RTP endpoint from an SDP body,
// preferring the media-level connection line over the session-level one.
func parseRemoteEndpoint(body []byte) (MediaEndpoint, error) {
	if len(body) == 0 {
		return MediaEndpoint{}, errors.New("no sdp body")
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return MediaEndpoint{}, errors.Wrap(err, "parse sdp")
	}
	if len(desc.MediaDescriptions) == 0 {
		return MediaEndpoint{}, errors.New("no media in sdp")
	}
	m := desc.MediaDescriptions[0]
	ep := MediaEndpoint{Port: m.MediaName.Port.Value}
	if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
		ep.Addr = m.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		ep.Addr = desc.ConnectionInformation.Address.Address
	}
	if ep.IsZero() {
		return MediaEndpoint{}, errors.New("no usable endpoint in sdp")
	}
	return ep, nil
}
