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

package model

import (
	"context"
	"strconv"
	"time"

	"github.com/codepr/reviewd/store"
)

// HeartbeatTTL is how long a session stays alive without a ping.
const HeartbeatTTL = 7 * time.Second

// Connections tracks the reviewer sessions. A session is alive while its
// liveness key keeps getting refreshed, idle reviewers additionally sit in
// the pool waiting to be handed a conversation.
type Connections struct {
	kv  *store.Client
	ttl time.Duration
}

type ConnectionsOption func(*Connections)

func WithHeartbeatTTL(d time.Duration) ConnectionsOption {
	return func(c *Connections) { c.ttl = d }
}

func NewConnections(kv *store.Client, opts ...ConnectionsOption) *Connections {
	c := &Connections{kv: kv, ttl: HeartbeatTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Increment registers sid as a live idle session and returns the updated
// session counter.
func (c *Connections) Increment(ctx context.Context, sid string) (int64, error) {
	var count *store.IntResult
	err := c.kv.Tx(ctx, func(tx *store.Tx) {
		count = tx.Incr(keyConnectionCount)
		tx.Set(connectionKey(sid), "1", c.ttl)
		tx.HSet(keyConnectionSet, sid, "1")
		tx.LPush(keyConnectionPool, sid)
	})
	if err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// Extend refreshes sid's liveness for another heartbeat interval.
func (c *Connections) Extend(ctx context.Context, sid string) error {
	return c.kv.Tx(ctx, func(tx *store.Tx) {
		tx.Set(connectionKey(sid), "1", c.ttl)
		tx.HSet(keyConnectionSet, sid, "1")
	})
}

// IsAlive reports whether sid's heartbeat has not expired yet.
func (c *Connections) IsAlive(ctx context.Context, sid string) (bool, error) {
	_, found, err := c.kv.Get(ctx, connectionKey(sid))
	return found, err
}

// Count returns the session counter, zero when nobody ever connected.
func (c *Connections) Count(ctx context.Context) (int64, error) {
	raw, found, err := c.kv.Get(ctx, keyConnectionCount)
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// PopFromPool takes the reviewer waiting the longest out of the pool.
func (c *Connections) PopFromPool(ctx context.Context) (string, bool, error) {
	return c.kv.RPop(ctx, keyConnectionPool)
}

// AddToPool queues sid behind every reviewer already waiting.
func (c *Connections) AddToPool(ctx context.Context, sid string) error {
	return c.kv.LPush(ctx, keyConnectionPool, sid)
}

// AddToPoolFront puts sid where the next pop will find it, giving back a
// slot that was taken without anything to assign.
func (c *Connections) AddToPoolFront(ctx context.Context, sid string) error {
	return c.kv.RPush(ctx, keyConnectionPool, sid)
}

// Integrity reconciles the session set against the liveness keys. Sessions
// whose heartbeat expired are dropped from the set and the pool, and the
// counter is rewritten to the number of survivors. Returns the dropped sids
// and the new counter value.
func (c *Connections) Integrity(ctx context.Context) ([]string, int64, error) {
	set, err := c.kv.HGetAll(ctx, keyConnectionSet)
	if err != nil {
		return nil, 0, err
	}
	if len(set) == 0 {
		if err := c.kv.Set(ctx, keyConnectionCount, "0", 0); err != nil {
			return nil, 0, err
		}
		return nil, 0, nil
	}
	var removed []string
	count := int64(len(set))
	for sid := range set {
		alive, err := c.IsAlive(ctx, sid)
		if err != nil {
			return nil, 0, err
		}
		if alive {
			continue
		}
		err = c.kv.Tx(ctx, func(tx *store.Tx) {
			tx.HDel(keyConnectionSet, sid)
			tx.LRem(keyConnectionPool, sid)
		})
		if err != nil {
			return nil, 0, err
		}
		removed = append(removed, sid)
		count--
	}
	if err := c.kv.Set(ctx, keyConnectionCount, strconv.FormatInt(count, 10), 0); err != nil {
		return nil, 0, err
	}
	return removed, count, nil
}
