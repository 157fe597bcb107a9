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

package controller

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/codepr/reviewd/model"
)

// ConnectionController owns the session lifecycle: joining, heartbeating and
// the periodic sweep of sessions that stopped pinging.
type ConnectionController struct {
	connections   *model.Connections
	conversations *model.Conversations
	emitter       Emitter
	log           *zap.Logger
}

func NewConnectionController(connections *model.Connections, conversations *model.Conversations, emitter Emitter, logger *zap.Logger) *ConnectionController {
	return &ConnectionController{
		connections:   connections,
		conversations: conversations,
		emitter:       emitter,
		log:           logger,
	}
}

// Connect registers the fresh session, seats it in the scorer room and
// broadcasts the new status.
func (c *ConnectionController) Connect(ctx context.Context, sid string) error {
	count, err := c.connections.Increment(ctx, sid)
	if err != nil {
		return err
	}
	c.emitter.Join(sid, model.RoomScorer)
	c.log.Info("reviewer joined", zap.String("sid", sid), zap.Int64("sessions", count))
	queue, err := c.conversations.Queue(ctx)
	if err != nil {
		return err
	}
	broadcastStatus(ctx, c.emitter, count, queue)
	return nil
}

// Heartbeat refreshes the session liveness and answers with the seconds left
// on the reviewer's active review, zero without one.
func (c *ConnectionController) Heartbeat(ctx context.Context, sid string) error {
	if err := c.connections.Extend(ctx, sid); err != nil {
		return err
	}
	remaining, err := c.conversations.RemainingTime(ctx, sid)
	if err != nil {
		return err
	}
	c.emitter.Emit(ctx, sid, model.EventTimeUpdate, strconv.FormatInt(remaining, 10))
	return nil
}

// ActivitySignal grants the activity bonus and answers with the new
// remaining seconds.
func (c *ConnectionController) ActivitySignal(ctx context.Context, sid string) error {
	remaining, err := c.conversations.EarnBonus(ctx, sid)
	if err != nil {
		return err
	}
	c.emitter.Emit(ctx, sid, model.EventTimeUpdate, strconv.FormatInt(remaining, 10))
	return nil
}

// DeadConnections sweeps sessions whose heartbeat expired, unseating them
// from the scorer room and closing whatever is left of their sockets.
// Returns the swept sids, the conversation side of the sweep picks them up
// from there.
func (c *ConnectionController) DeadConnections(ctx context.Context) ([]string, error) {
	removed, count, err := c.connections.Integrity(ctx)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}
	c.log.Info("swept dead sessions", zap.Strings("sids", removed), zap.Int64("sessions", count))
	for _, sid := range removed {
		c.emitter.Leave(sid, model.RoomScorer)
		c.emitter.Disconnect(ctx, sid)
	}
	return removed, nil
}
