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

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/voicebridge/gateway/pkg/errors"
)

const (
	DefaultFocusName       = "focus"
	DefaultMucDomainPrefix = "conference"

	defaultInviteTimeout      = 30 * time.Second
	defaultRoomHeaderWait     = time.Second
	defaultHangupVisibleDelay = 5 * time.Second
	defaultMediaDropThreshold = 10 * time.Second
	defaultMediaWatchInterval = 2 * time.Second
	defaultMaxCallWorkers     = 20
	defaultHTTPPort           = 8080
	defaultSIPPort            = 5060
)

// Features controls capabilities advertised in conference presence.
type Features struct {
	Mute bool `yaml:"mute"`
	DTMF bool `yaml:"dtmf"`
	ICE  bool `yaml:"ice"`
	// Bundle advertises RTP bundling together with ICE.
	Bundle bool `yaml:"bundle"`
}

// SIPConfig configures the telephony leg adapter.
type SIPConfig struct {
	ListenIP    string `yaml:"listen_ip"`
	SignalingIP string `yaml:"signaling_ip"` // advertised in Contact and SDP
	Port        int    `yaml:"port"`
	MediaPort   int    `yaml:"media_port"` // advertised RTP port, the media engine owns the socket
	User        string `yaml:"user"`
	Pass        string `yaml:"pass"`
	// OutboundHost is the trunk host dialed when a destination carries no
	// host of its own.
	OutboundHost string `yaml:"outbound_host"`
	// RoomHeader is the SIP header the room name arrives in on inbound calls.
	RoomHeader string `yaml:"room_header"`
}

type Config struct {
	// Conference side.
	Domain           string `yaml:"domain"` // required (env GATEWAY_DOMAIN)
	MucDomainPrefix  string `yaml:"muc_domain_prefix"`
	FocusName        string `yaml:"focus_name"`
	ConferenceDriver string `yaml:"conference_driver"`
	// BaseURLTemplate resolves the externally reachable signaling endpoint,
	// e.g. "https://{host}/{subdomain}http-bind".
	BaseURLTemplate string `yaml:"base_url_template"`
	DefaultRoom     string `yaml:"default_room"`

	// Lifecycle policy.
	InviteTimeout time.Duration `yaml:"invite_timeout"` // <=0 disables
	CallResume    bool          `yaml:"call_resume"`
	// ResourceFromAddress derives the MUC resource from the peer address
	// instead of the generated call resource.
	ResourceFromAddress bool          `yaml:"resource_from_address"`
	RoomHeaderWait      time.Duration `yaml:"room_header_wait"`
	HangupVisibleDelay  time.Duration `yaml:"hangup_visible_delay"`
	Features            Features      `yaml:"features"`

	// Media drop detection on the telephony leg.
	MediaDropThreshold time.Duration `yaml:"media_drop_threshold"`
	MediaWatchInterval time.Duration `yaml:"media_watch_interval"`
	HangupOnMediaDrop  bool          `yaml:"hangup_on_media_drop"`

	MaxCallWorkers int `yaml:"max_call_workers"`

	SIP      SIPConfig `yaml:"sip"`
	HTTPPort int       `yaml:"http_port"`

	Logging logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		Domain:      os.Getenv("GATEWAY_DOMAIN"),
		ServiceName: "gateway",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	if conf.Domain == "" {
		return nil, errors.ErrMissingDomain
	}
	return conf, nil
}

func (conf *Config) Init() error {
	conf.NodeID = utils.NewGuid("GW_")

	if conf.FocusName == "" {
		conf.FocusName = DefaultFocusName
	}
	if conf.MucDomainPrefix == "" {
		conf.MucDomainPrefix = DefaultMucDomainPrefix
	}
	if conf.ConferenceDriver == "" {
		conf.ConferenceDriver = "loopback"
	}
	if conf.InviteTimeout == 0 {
		conf.InviteTimeout = defaultInviteTimeout
	}
	if conf.RoomHeaderWait == 0 {
		conf.RoomHeaderWait = defaultRoomHeaderWait
	}
	if conf.HangupVisibleDelay == 0 {
		conf.HangupVisibleDelay = defaultHangupVisibleDelay
	}
	if conf.MediaDropThreshold == 0 {
		conf.MediaDropThreshold = defaultMediaDropThreshold
	}
	if conf.MediaWatchInterval == 0 {
		conf.MediaWatchInterval = defaultMediaWatchInterval
	}
	if conf.MaxCallWorkers == 0 {
		conf.MaxCallWorkers = defaultMaxCallWorkers
	}
	if conf.HTTPPort == 0 {
		conf.HTTPPort = defaultHTTPPort
	}
	if conf.SIP.Port == 0 {
		conf.SIP.Port = defaultSIPPort
	}
	if conf.SIP.RoomHeader == "" {
		conf.SIP.RoomHeader = "X-Room-Name"
	}

	return conf.InitLogger()
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	logger.SetLogger(zl.WithValues(values...), c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}
