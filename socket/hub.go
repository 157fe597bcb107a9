// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package socket is the push channel towards connected reviewers. Each
// dispatcher process runs a Hub owning its local websocket sessions, and the
// hubs relay events to each other over a pub/sub channel so that any process
// can address any session or room in the fleet.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codepr/reviewd/store"
)

// DefaultChannel carries the inter-hub relay frames.
const DefaultChannel = "reviewd.events"

// Envelope frames every message crossing a reviewer socket, in both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler consumes an inbound event from session sid. A non-nil error is
// reported through the error callback, it never kills the session.
type Handler func(ctx context.Context, sid string, data json.RawMessage) error

// Relay ops between hubs.
const (
	opEmit      = "emit"
	opBroadcast = "broadcast"
	opClose     = "close"
)

// frame is the relay format. Origin marks the publishing hub, which skips
// its own frames on receipt since local delivery already happened.
type frame struct {
	Origin string          `json:"origin"`
	Op     string          `json:"op"`
	Sid    string          `json:"sid,omitempty"`
	Room   string          `json:"room,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Hub upgrades reviewer connections, routes their inbound events to the
// registered handlers and pushes outbound events to sessions and rooms,
// local or not.
type Hub struct {
	id       string
	kv       *store.Client
	log      *zap.Logger
	channel  string
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	ctx      context.Context
	sessions map[string]*session
	rooms    map[string]map[string]struct{}

	handlers      map[string]Handler
	connectFns    []func(ctx context.Context, sid string)
	disconnectFns []func(ctx context.Context, sid string)
	errFn         func(sid string, err error)
}

type HubOption func(*Hub)

// WithAllowedOrigins restricts which browser origins may upgrade. "*" admits
// everyone, requests without an Origin header always pass.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = originChecker(origins) }
}

// WithChannel overrides the relay channel name.
func WithChannel(channel string) HubOption {
	return func(h *Hub) { h.channel = channel }
}

func NewHub(kv *store.Client, logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		id:      uuid.NewString(),
		kv:      kv,
		log:     logger,
		channel: DefaultChannel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker([]string{"*"}),
		},
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]struct{}),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[strings.ToLower(origin)]
	}
}

// OnConnect registers fn to run right after a session is established.
func (h *Hub) OnConnect(fn func(ctx context.Context, sid string)) {
	h.connectFns = append(h.connectFns, fn)
}

// OnDisconnect registers fn to run once a session is gone.
func (h *Hub) OnDisconnect(fn func(ctx context.Context, sid string)) {
	h.disconnectFns = append(h.disconnectFns, fn)
}

// OnEvent routes inbound envelopes carrying event to fn.
func (h *Hub) OnEvent(event string, fn Handler) {
	h.handlers[event] = fn
}

// OnError registers the sink for handler failures, malformed envelopes and
// unknown events.
func (h *Hub) OnError(fn func(sid string, err error)) {
	h.errFn = fn
}

// ServeHTTP upgrades the request and serves the session until the peer goes
// away. Registrations must all be in place before the server starts
// accepting.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade refused", zap.Error(err))
		return
	}
	sid := uuid.NewString()
	s := newSession(sid, conn, h)
	h.mu.Lock()
	h.sessions[sid] = s
	h.mu.Unlock()
	h.log.Info("client connected", zap.String("sid", sid))

	go s.writePump()
	ctx := h.context()
	for _, fn := range h.connectFns {
		fn(ctx, sid)
	}
	s.readPump(ctx)
}

// Run relays frames published by the other hubs until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	sub := h.kv.Subscribe(ctx, h.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	h.log.Info("relaying events", zap.String("channel", h.channel))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handleFrame(msg.Payload)
		}
	}
}

// Emit pushes an event to one session, wherever it lives.
func (h *Hub) Emit(ctx context.Context, sid, event string, payload any) {
	env, data, err := encodeEnvelope(event, payload)
	if err != nil {
		h.log.Error("envelope encoding failed", zap.String("event", event), zap.Error(err))
		return
	}
	if h.deliver(sid, env) {
		return
	}
	h.forward(ctx, frame{Op: opEmit, Sid: sid, Event: event, Data: data})
}

// Broadcast pushes an event to every member of room across the fleet.
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload any) {
	env, data, err := encodeEnvelope(event, payload)
	if err != nil {
		h.log.Error("envelope encoding failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.broadcastLocal(room, env)
	h.forward(ctx, frame{Op: opBroadcast, Room: room, Event: event, Data: data})
}

// Join adds a local session to room.
func (h *Hub) Join(sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sid]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[sid] = struct{}{}
}

// Leave removes a local session from room. Remote memberships die with their
// session on close.
func (h *Hub) Leave(sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Disconnect closes a session, forwarding the order to its owner when it is
// not a local one.
func (h *Hub) Disconnect(ctx context.Context, sid string) {
	if h.closeLocal(sid) {
		return
	}
	h.forward(ctx, frame{Op: opClose, Sid: sid})
}

// Count returns the number of sessions owned by this hub.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) context() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ctx != nil {
		return h.ctx
	}
	return context.Background()
}

func (h *Hub) dispatch(ctx context.Context, sid string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.handlerError(sid, fmt.Errorf("malformed envelope: %w", err))
		return
	}
	fn, ok := h.handlers[env.Event]
	if !ok {
		h.handlerError(sid, fmt.Errorf("unknown event %q", env.Event))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.handlerError(sid, fmt.Errorf("event %q panicked: %v", env.Event, r))
		}
	}()
	if err := fn(ctx, sid, env.Data); err != nil {
		h.handlerError(sid, fmt.Errorf("event %q: %w", env.Event, err))
	}
}

func (h *Hub) handlerError(sid string, err error) {
	h.log.Error("event handling failed", zap.String("sid", sid), zap.Error(err))
	if h.errFn != nil {
		h.errFn(sid, err)
	}
}

func (h *Hub) deliver(sid string, msg []byte) bool {
	h.mu.RLock()
	s, ok := h.sessions[sid]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	s.enqueue(msg)
	return true
}

func (h *Hub) broadcastLocal(room string, msg []byte) {
	h.mu.RLock()
	members := make([]*session, 0, len(h.rooms[room]))
	for sid := range h.rooms[room] {
		if s, ok := h.sessions[sid]; ok {
			members = append(members, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range members {
		s.enqueue(msg)
	}
}

func (h *Hub) closeLocal(sid string) bool {
	h.mu.RLock()
	s, ok := h.sessions[sid]
	h.mu.RUnlock()
	if ok {
		s.close()
	}
	return ok
}

func (h *Hub) drop(s *session) {
	s.close()
	h.mu.Lock()
	delete(h.sessions, s.id)
	for room, members := range h.rooms {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	h.log.Info("client disconnected", zap.String("sid", s.id))
	ctx := h.context()
	for _, fn := range h.disconnectFns {
		fn(ctx, s.id)
	}
}

func (h *Hub) forward(ctx context.Context, f frame) {
	f.Origin = h.id
	raw, err := json.Marshal(f)
	if err != nil {
		h.log.Error("frame encoding failed", zap.Error(err))
		return
	}
	if err := h.kv.Publish(ctx, h.channel, string(raw)); err != nil {
		h.log.Warn("event fan-out failed", zap.String("op", f.Op), zap.Error(err))
	}
}

func (h *Hub) handleFrame(payload string) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		h.log.Warn("dropping malformed relay frame", zap.Error(err))
		return
	}
	if f.Origin == h.id {
		return
	}
	switch f.Op {
	case opEmit:
		env, err := json.Marshal(Envelope{Event: f.Event, Data: f.Data})
		if err != nil {
			return
		}
		h.deliver(f.Sid, env)
	case opBroadcast:
		env, err := json.Marshal(Envelope{Event: f.Event, Data: f.Data})
		if err != nil {
			return
		}
		h.broadcastLocal(f.Room, env)
	case opClose:
		h.closeLocal(f.Sid)
	default:
		h.log.Warn("dropping relay frame with unknown op", zap.String("op", f.Op))
	}
}

func encodeEnvelope(event string, payload any) ([]byte, json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
		data = b
	}
	env, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, nil, err
	}
	return env, data, nil
}
