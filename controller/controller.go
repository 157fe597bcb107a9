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

// Package controller implements the dispatch flows on top of the models:
// reviewers joining and heartbeating, conversations queued, assigned, scored
// and reclaimed. Controllers push their effects to reviewers through an
// Emitter and report verdicts upstream through the callback client.
package controller

import (
	"context"

	"github.com/codepr/reviewd/metrics"
	"github.com/codepr/reviewd/model"
)

// Emitter is the slice of the socket hub the controllers drive. Emissions
// are best effort, delivery problems are the hub's to log.
type Emitter interface {
	Emit(ctx context.Context, sid, event string, payload any)
	Broadcast(ctx context.Context, room, event string, payload any)
	Join(sid, room string)
	Leave(sid, room string)
	Disconnect(ctx context.Context, sid string)
}

// broadcastStatus pushes a full snapshot to the scorer room and refreshes
// the gauges along the way.
func broadcastStatus(ctx context.Context, emitter Emitter, count int64, queue []model.ConversationStatus) {
	views := make([]model.StatusView, 0, len(queue))
	for _, status := range queue {
		views = append(views, status.View())
	}
	metrics.Sessions.Set(float64(count))
	metrics.QueueDepth.Set(float64(len(queue)))
	emitter.Broadcast(ctx, model.RoomScorer, model.EventStatusUpdate, model.StatusUpdate{
		SessionCount:      count,
		ConversationQueue: views,
	})
}
