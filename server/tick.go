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

package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codepr/reviewd/controller"
	"github.com/codepr/reviewd/store"
)

// Tick is the periodic reclaim loop. Every dispatcher process runs one but
// only the sweep leader acts, expired reviews go back to the queue first so
// a reviewer freed in the same pass can pick them up.
type Tick struct {
	lock  *store.Lock
	conn  *controller.ConnectionController
	conv  *controller.ConversationController
	every time.Duration
	log   *zap.Logger
}

func NewTick(lock *store.Lock, connCtrl *controller.ConnectionController,
	convCtrl *controller.ConversationController, every time.Duration, logger *zap.Logger) *Tick {
	return &Tick{
		lock:  lock,
		conn:  connCtrl,
		conv:  convCtrl,
		every: every,
		log:   logger,
	}
}

func (t *Tick) Run(ctx context.Context) {
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.lock.Leading() {
				continue
			}
			t.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim pass: expired reviews, then sessions whose
// heartbeat lapsed, then the reviews those sessions were holding.
func (t *Tick) Sweep(ctx context.Context) {
	if err := t.conv.DeadReviews(ctx); err != nil {
		t.log.Error("expired review sweep failed", zap.Error(err))
	}
	removed, err := t.conn.DeadConnections(ctx)
	if err != nil {
		t.log.Error("dead session sweep failed", zap.Error(err))
		return
	}
	if err := t.conv.DeadConnections(ctx, removed); err != nil {
		t.log.Error("orphaned review sweep failed", zap.Error(err))
	}
}
