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

package gateway

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallContext carries the identity of one call attempt: the room to join,
// the domains involved and the generated call resource used to correlate
// external dial/hangup requests with a session. It is mutated during early
// setup while headers are still being discovered and is effectively frozen
// once the conference join starts.
type CallContext struct {
	mu sync.Mutex

	id      string
	source  any
	created time.Time

	roomName    string
	domain      string
	subDomain   string
	password    string
	destination string

	// baseURL is the signaling endpoint template, resolvedURL the template
	// with {host} and {subdomain} substituted.
	baseURL     string
	resolvedURL string
	// mucPrefix is the configured MUC domain prefix ("conference"), used to
	// extract a tenant sub-domain from fully qualified room names.
	mucPrefix string

	callResource   string
	customResource bool

	headerOrder []string
	headers     map[string]string
}

func NewCallContext(source any) *CallContext {
	return &CallContext{
		id:      uuid.NewString(),
		source:  source,
		created: time.Now(),
		headers: make(map[string]string),
	}
}

// ID is a stable opaque identifier for logging.
func (c *CallContext) ID() string {
	return c.id
}

func (c *CallContext) Source() any {
	return c.source
}

func (c *CallContext) Created() time.Time {
	return c.created
}

func (c *CallContext) RoomName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomName
}

// BareRoomName is the room name without any MUC domain suffix.
func (c *CallContext) BareRoomName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bareRoom(c.roomName)
}

func bareRoom(room string) string {
	if i := strings.Index(room, "@"); i >= 0 {
		return room[:i]
	}
	return room
}

func (c *CallContext) SetRoomName(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomName = room
	c.extractSubDomainLocked()
	c.updateCallResourceLocked()
	c.updateLocked()
}

func (c *CallContext) Domain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domain
}

func (c *CallContext) SetDomain(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domain = domain
	c.updateCallResourceLocked()
	c.updateLocked()
}

func (c *CallContext) SubDomain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subDomain
}

func (c *CallContext) SetSubDomain(sub string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subDomain = sub
	c.updateCallResourceLocked()
	c.updateLocked()
}

func (c *CallContext) Password() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password
}

func (c *CallContext) SetPassword(pass string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = pass
}

func (c *CallContext) Destination() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destination
}

func (c *CallContext) SetDestination(dest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destination = dest
}

func (c *CallContext) SetBaseURL(tpl string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = tpl
	c.updateLocked()
}

func (c *CallContext) SetMucPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mucPrefix = prefix
	c.extractSubDomainLocked()
	c.updateLocked()
}

// CallResource returns the opaque per-call identifier, generating it on
// first use when a domain is known.
func (c *CallContext) CallResource() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callResource == "" {
		c.updateCallResourceLocked()
	}
	return c.callResource
}

// SetCustomCallResource pins an externally chosen call resource. Once
// pinned, room or domain changes no longer regenerate it.
func (c *CallContext) SetCustomCallResource(res string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callResource = res
	c.customResource = true
}

// RotateCallResource forces a fresh call resource, used on reconnect so the
// rejoin does not collide with a stale server side session. Pinned resources
// are left alone.
func (c *CallContext) RotateCallResource() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCallResourceLocked()
}

func (c *CallContext) updateCallResourceLocked() {
	if c.customResource || c.domain == "" {
		return
	}
	host := c.domain
	if c.subDomain != "" {
		host = c.subDomain + "." + host
	}
	c.callResource = fmt.Sprintf("%08x@%s", rand.Uint32(), host)
}

// extractSubDomainLocked pulls the tenant segment out of room names of the
// form "room@<prefix>.<tenant>.<domain>".
func (c *CallContext) extractSubDomainLocked() {
	if c.mucPrefix == "" || c.domain == "" {
		return
	}
	i := strings.Index(c.roomName, "@")
	if i < 0 {
		return
	}
	mucDomain := c.roomName[i+1:]
	prefix := c.mucPrefix + "."
	suffix := "." + c.domain
	if !strings.HasPrefix(mucDomain, prefix) || !strings.HasSuffix(mucDomain, suffix) {
		return
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(mucDomain, prefix), suffix)
	if mid != "" && !strings.Contains(mid, ".") {
		c.subDomain = mid
	}
}

func (c *CallContext) updateLocked() {
	if c.baseURL == "" || c.domain == "" {
		return
	}
	url := strings.ReplaceAll(c.baseURL, "{host}", c.domain)
	sub := ""
	if c.subDomain != "" {
		sub = c.subDomain + "/"
	}
	c.resolvedURL = strings.ReplaceAll(url, "{subdomain}", sub)
}

// SignalingURL is the resolved transport endpoint, empty until both the
// template and domain are known.
func (c *CallContext) SignalingURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolvedURL
}

// MeetingURL is the user facing conference URL, empty until the signaling
// URL and room name are resolved.
func (c *CallContext) MeetingURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolvedURL == "" || c.roomName == "" {
		return ""
	}
	return strings.TrimSuffix(c.resolvedURL, "/") + "/" + bareRoom(c.roomName)
}

// AddHeader records an extra protocol header. The first write for a key
// wins, later writes are ignored.
func (c *CallContext) AddHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.headers[key]; ok {
		return
	}
	c.headers[key] = value
	c.headerOrder = append(c.headerOrder, key)
}

func (c *CallContext) Header(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[key]
}

// Headers returns the extra headers in insertion order.
func (c *CallContext) Headers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.headers))
	for _, k := range c.headerOrder {
		out[k] = c.headers[k]
	}
	return out
}

func (c *CallContext) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("CallContext{id: %s, room: %s, domain: %s, resource: %s}",
		c.id, c.roomName, c.domain, c.callResource)
}
