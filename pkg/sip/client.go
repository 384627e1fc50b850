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
	"sort"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	gwerrors "github.com/voicebridge/gateway/pkg/errors"
	"github.com/voicebridge/gateway/pkg/gateway"
)

const byeTimeout = 5 * time.Second

// Client places outbound calls. One INVITE dialog per call, digest auth
// handled during the answer wait.
type Client struct {
	log logger.Logger
	svc *Service
}

var _ gateway.TelephonyPort = (*Client)(nil)

func newClient(svc *Service) *Client {
	return &Client{
		log: svc.log.WithValues("component", "sip-client"),
		svc: svc,
	}
}

// outboundDialog routes remote BYEs back into an outbound call.
type outboundDialog struct {
	dlg  *sipgo.DialogClientSession
	call *sipCall
}

func (d *outboundDialog) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := d.dlg.ReadBye(req, tx); err != nil {
		d.call.log.Infow("failed to read bye", "error", err)
	}
	d.call.remoteEnded(200, "bye")
}

// Dial sends an INVITE to the destination and waits for the answer. The
// returned call is already in progress.
func (c *Client) Dial(ctx context.Context, destination string, headers map[string]string) (gateway.Call, error) {
	to, err := c.parseDestination(destination)
	if err != nil {
		return nil, err
	}
	offer, err := buildOffer(c.svc.LocalMedia())
	if err != nil {
		return nil, errors.Wrap(err, "build sdp offer")
	}

	log := c.log.WithValues("toUser", to.User, "toHost", to.Host)
	log.Infow("sending invite")

	dlg, err := c.svc.dua.Invite(ctx, to, offer, headerList(headers)...)
	if err != nil {
		return nil, errors.Wrap(err, "send invite")
	}

	callID := requestCallID(dlg.InviteRequest)
	call := newSIPCall(log, callID, to.User, "")

	err = dlg.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: c.svc.conf.SIP.User,
		Password: c.svc.conf.SIP.Pass,
		OnResponse: func(res *sip.Response) error {
			switch res.StatusCode {
			case 180, 183:
				call.setState(gateway.CallRinging, 0, "")
			}
			return nil
		},
	})
	if err != nil {
		_ = dlg.Close()
		var dres *sipgo.ErrDialogResponse
		if errors.As(err, &dres) {
			log.Infow("invite rejected", "status", dres.Res.StatusCode)
			if dres.Res.StatusCode == 486 || dres.Res.StatusCode == 600 {
				call.setState(gateway.CallBusy, int(dres.Res.StatusCode), "busy")
				return nil, gwerrors.ErrPeerBusy
			}
		}
		return nil, errors.Wrap(err, "await answer")
	}
	if err := dlg.Ack(ctx); err != nil {
		_ = dlg.Close()
		return nil, errors.Wrap(err, "send ack")
	}

	if dlg.InviteResponse != nil {
		if ep, err := parseRemoteEndpoint(dlg.InviteResponse.Body()); err == nil {
			call.setRemoteEndpoint(ep)
			log.Infow("remote media negotiated", "endpoint", ep.String())
		}
	}

	call.hangupFn = func(code int, reason string) error {
		c.svc.unregisterDialog(callID)
		byeCtx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		if err := dlg.Bye(byeCtx); err != nil {
			return errors.Wrap(err, "send bye")
		}
		return nil
	}
	c.svc.registerDialog(callID, &outboundDialog{dlg: dlg, call: call})
	call.setState(gateway.CallInProgress, 0, "")
	log.Infow("outbound call answered", "sipCallID", callID)
	return call, nil
}

// parseDestination turns a dial string into a SIP URI. Bare numbers are
// routed through the configured outbound trunk host.
func (c *Client) parseDestination(destination string) (sip.Uri, error) {
	dst := strings.TrimSpace(destination)
	if dst == "" {
		return sip.Uri{}, gwerrors.ErrMissingDestination
	}
	if !strings.HasPrefix(dst, "sip:") && !strings.HasPrefix(dst, "sips:") {
		if !strings.Contains(dst, "@") {
			host := c.svc.conf.SIP.OutboundHost
			if host == "" {
				return sip.Uri{}, gwerrors.ErrNoOutboundTrunk
			}
			dst += "@" + host
		}
		dst = "sip:" + dst
	}
	var uri sip.Uri
	if err := sip.ParseUri(dst, &uri); err != nil {
		return sip.Uri{}, errors.Wrap(err, "parse destination")
	}
	return uri, nil
}

// headerList converts extra headers to SIP headers in a stable order.
func headerList(headers map[string]string) []sip.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]sip.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, sip.NewHeader(k, headers[k]))
	}
	return out
}
