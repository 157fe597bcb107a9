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
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/codepr/reviewd/store"
)

const (
	// AssignTTL is the time a reviewer gets to complete a review.
	AssignTTL = 60 * time.Second
	// ActivityBonus is the extension granted per activity signal.
	ActivityBonus = 6 * time.Second
)

// Conversations is the review queue. Entries arrive over HTTP, get assigned
// to pooled reviewers and leave once scored or reclaimed. Mutations hold the
// distributed lock for their whole read-modify-write, single-command reads
// and the atomic counter do not need it.
type Conversations struct {
	kv        *store.Client
	lock      *store.Lock
	log       *zap.Logger
	assignTTL time.Duration
	bonus     time.Duration
}

type ConversationsOption func(*Conversations)

func WithAssignTTL(d time.Duration) ConversationsOption {
	return func(c *Conversations) { c.assignTTL = d }
}

func WithActivityBonus(d time.Duration) ConversationsOption {
	return func(c *Conversations) { c.bonus = d }
}

func NewConversations(kv *store.Client, lock *store.Lock, logger *zap.Logger, opts ...ConversationsOption) *Conversations {
	c := &Conversations{
		kv:        kv,
		lock:      lock,
		log:       logger,
		assignTTL: AssignTTL,
		bonus:     ActivityBonus,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conversations) withLock(ctx context.Context, fn func() error) error {
	if err := c.lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		// release must go through even when the request context died
		if err := c.lock.Release(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("queue lock release failed", zap.Error(err))
		}
	}()
	return fn()
}

// Push appends a fresh queue entry, stamping it with the next sequence id.
func (c *Conversations) Push(ctx context.Context, status *ConversationStatus) error {
	return c.withLock(ctx, func() error {
		id, err := c.kv.Incr(ctx, keyConversationCount)
		if err != nil {
			return err
		}
		status.ID = id
		raw, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return c.kv.RPush(ctx, keyConversationQueue, string(raw))
	})
}

// Add stores the full review request under its conversation guid.
func (c *Conversations) Add(ctx context.Context, req *ReviewRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.withLock(ctx, func() error {
		return c.kv.Set(ctx, conversationKey(req.ConversationID), string(raw), 0)
	})
}

// Conversation fetches the stored review request, nil when unknown.
func (c *Conversations) Conversation(ctx context.Context, guid string) (*ReviewRequest, error) {
	raw, found, err := c.kv.Get(ctx, conversationKey(guid))
	if err != nil || !found {
		return nil, err
	}
	var req ReviewRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Queue returns a snapshot of the review queue in arrival order.
func (c *Conversations) Queue(ctx context.Context) ([]ConversationStatus, error) {
	items, err := c.kv.LRange(ctx, keyConversationQueue)
	if err != nil {
		return nil, err
	}
	queue := make([]ConversationStatus, 0, len(items))
	for _, raw := range items {
		var status ConversationStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, err
		}
		queue = append(queue, status)
	}
	return queue, nil
}

// AssignFree hands the oldest unassigned conversation to sid, recording the
// assignment and arming the review countdown. Returns the conversation guid,
// empty when nothing in the queue is up for grabs.
func (c *Conversations) AssignFree(ctx context.Context, sid string) (string, error) {
	var guid string
	err := c.withLock(ctx, func() error {
		items, err := c.kv.LRange(ctx, keyConversationQueue)
		if err != nil {
			return err
		}
		for i, raw := range items {
			var status ConversationStatus
			if err := json.Unmarshal([]byte(raw), &status); err != nil {
				return err
			}
			if status.AssignedTo != "" {
				continue
			}
			status.AssignedTo = sid
			updated, err := json.Marshal(status)
			if err != nil {
				return err
			}
			guid = status.GUID
			return c.kv.Tx(ctx, func(tx *store.Tx) {
				tx.LSet(keyConversationQueue, int64(i), string(updated))
				tx.HSet(keyConversationAssignment, sid, status.GUID)
				tx.Set(reviewTTLKey(sid), status.GUID, c.assignTTL)
			})
		}
		return nil
	})
	return guid, err
}

// Assignment returns the guid currently assigned to sid, if any.
func (c *Conversations) Assignment(ctx context.Context, sid string) (string, bool, error) {
	return c.kv.HGet(ctx, keyConversationAssignment, sid)
}

// RemainingTime reports the seconds left on sid's active review, zero when
// no countdown is armed.
func (c *Conversations) RemainingTime(ctx context.Context, sid string) (int64, error) {
	ttl, err := c.kv.TTL(ctx, reviewTTLKey(sid))
	if err != nil {
		return 0, err
	}
	return int64(ttl / time.Second), nil
}

// EarnBonus extends sid's review countdown by the activity bonus, never past
// the full assignment TTL. Returns the new remaining seconds, zero when no
// countdown was armed in the first place.
func (c *Conversations) EarnBonus(ctx context.Context, sid string) (int64, error) {
	var remaining int64
	err := c.withLock(ctx, func() error {
		key := reviewTTLKey(sid)
		ttl, err := c.kv.TTL(ctx, key)
		if err != nil {
			return err
		}
		if ttl <= 0 {
			return nil
		}
		next := ttl + c.bonus
		if next > c.assignTTL {
			next = c.assignTTL
		}
		if err := c.kv.Expire(ctx, key, next); err != nil {
			return err
		}
		remaining = int64(next / time.Second)
		return nil
	})
	return remaining, err
}

// UnassignReview releases every queue entry held by the given sids, clearing
// the assignment bookkeeping so the entries are up for grabs again.
func (c *Conversations) UnassignReview(ctx context.Context, sids []string) error {
	if len(sids) == 0 {
		return nil
	}
	owned := make(map[string]bool, len(sids))
	for _, sid := range sids {
		owned[sid] = true
	}
	return c.withLock(ctx, func() error {
		items, err := c.kv.LRange(ctx, keyConversationQueue)
		if err != nil {
			return err
		}
		for i, raw := range items {
			var status ConversationStatus
			if err := json.Unmarshal([]byte(raw), &status); err != nil {
				return err
			}
			if status.AssignedTo == "" || !owned[status.AssignedTo] {
				continue
			}
			sid := status.AssignedTo
			status.AssignedTo = ""
			updated, err := json.Marshal(status)
			if err != nil {
				return err
			}
			err = c.kv.Tx(ctx, func(tx *store.Tx) {
				tx.LSet(keyConversationQueue, int64(i), string(updated))
				tx.HDel(keyConversationAssignment, sid)
				tx.Del(reviewTTLKey(sid))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UnassignExpired releases every queue entry whose review countdown ran out
// and returns the sids that lost their assignment.
func (c *Conversations) UnassignExpired(ctx context.Context) ([]string, error) {
	var expired []string
	err := c.withLock(ctx, func() error {
		items, err := c.kv.LRange(ctx, keyConversationQueue)
		if err != nil {
			return err
		}
		for i, raw := range items {
			var status ConversationStatus
			if err := json.Unmarshal([]byte(raw), &status); err != nil {
				return err
			}
			if status.AssignedTo == "" {
				continue
			}
			ttl, err := c.kv.TTL(ctx, reviewTTLKey(status.AssignedTo))
			if err != nil {
				return err
			}
			if ttl > 0 {
				continue
			}
			sid := status.AssignedTo
			status.AssignedTo = ""
			updated, err := json.Marshal(status)
			if err != nil {
				return err
			}
			err = c.kv.Tx(ctx, func(tx *store.Tx) {
				tx.LSet(keyConversationQueue, int64(i), string(updated))
				tx.HDel(keyConversationAssignment, sid)
				tx.Del(reviewTTLKey(sid))
			})
			if err != nil {
				return err
			}
			expired = append(expired, sid)
		}
		return nil
	})
	return expired, err
}

// Remove deletes the queue entry for guid together with its stored request,
// the reviewer's assignment row and review countdown.
func (c *Conversations) Remove(ctx context.Context, guid, sid string) error {
	return c.withLock(ctx, func() error {
		items, err := c.kv.LRange(ctx, keyConversationQueue)
		if err != nil {
			return err
		}
		for _, raw := range items {
			var status ConversationStatus
			if err := json.Unmarshal([]byte(raw), &status); err != nil {
				return err
			}
			if status.GUID != guid {
				continue
			}
			return c.kv.Tx(ctx, func(tx *store.Tx) {
				tx.LRem(keyConversationQueue, raw)
				tx.Del(conversationKey(guid))
				tx.HDel(keyConversationAssignment, sid)
				tx.Del(reviewTTLKey(sid))
			})
		}
		return nil
	})
}
