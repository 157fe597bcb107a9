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

package store

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLockName is the key guarding the review queue.
const DefaultLockName = "lock"

const (
	defaultMutexTTL      = 10 * time.Second
	defaultLeaderTTL     = 15 * time.Second
	defaultLeaderEvery   = 5 * time.Second
	acquireRetryBase     = 50 * time.Millisecond
	acquireRetryJitter   = 100 * time.Millisecond
	releaseDrainDeadline = time.Second
)

// ErrNotHeld is returned by Release when the lock key holds someone else's
// token, or nothing at all. A critical section that outlived the mutex TTL
// ends up here.
var ErrNotHeld = errors.New("store: lock not held")

// Compare-and-delete, frees the key only for the token that set it.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// Lock is a redis-backed lock with two distinct roles. As a mutex it
// serializes queue mutations across every dispatcher process: Acquire blocks,
// retrying with jitter, until the caller holds the key, and the TTL acts as a
// backstop against a crashed holder wedging the queue forever. As a leader
// latch it elects the single process that runs the periodic sweep, renewing a
// longer-lived key in the background and exposing the verdict through Leading.
//
// One token identifies the whole process, so a Lock must not be shared by
// goroutines expecting reentrancy. Mutual exclusion between goroutines of the
// same process still holds, SETNX admits one holder at a time regardless of
// who owns the token.
type Lock struct {
	kv    *Client
	name  string
	token string
	log   *zap.Logger

	mutexTTL    time.Duration
	leaderTTL   time.Duration
	leaderEvery time.Duration

	leading atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// LockOption customizes timing, mostly useful to speed tests up.
type LockOption func(*Lock)

func WithMutexTTL(d time.Duration) LockOption {
	return func(l *Lock) { l.mutexTTL = d }
}

func WithLeaderTTL(d time.Duration) LockOption {
	return func(l *Lock) { l.leaderTTL = d }
}

func WithLeaderInterval(d time.Duration) LockOption {
	return func(l *Lock) { l.leaderEvery = d }
}

// NewLock builds a lock over kv identified by name. Every process minting its
// own Lock gets a fresh random token.
func NewLock(kv *Client, name string, logger *zap.Logger, opts ...LockOption) *Lock {
	l := &Lock{
		kv:          kv,
		name:        name,
		token:       uuid.NewString(),
		log:         logger,
		mutexTTL:    defaultMutexTTL,
		leaderTTL:   defaultLeaderTTL,
		leaderEvery: defaultLeaderEvery,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lock) mutexKey() string   { return l.name }
func (l *Lock) leaderKey() string  { return l.name + ".leader" }
func (l *Lock) workersKey() string { return l.name + ".workers" }

// Acquire blocks until the mutex is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	for {
		ok, err := l.kv.SetNX(ctx, l.mutexKey(), l.token, l.mutexTTL)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		delay := acquireRetryBase + time.Duration(rand.Int63n(int64(acquireRetryJitter)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the mutex, but only if this process still holds it.
func (l *Lock) Release(ctx context.Context) error {
	res, err := l.kv.Eval(ctx, releaseScript, []string{l.mutexKey()}, l.token)
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Start launches the leadership renewal loop and registers this process in
// the worker registry together with its concurrency hint. The loop stops when
// ctx is done or Stop is called.
func (l *Lock) Start(ctx context.Context, concurrency int) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, concurrency)
}

// Stop halts the renewal loop, resigns leadership if held and deregisters the
// worker. It blocks until the loop has exited.
func (l *Lock) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Leading reports whether this process currently owns the sweep.
func (l *Lock) Leading() bool { return l.leading.Load() }

// Workers returns the registered dispatcher processes keyed by token, values
// are their concurrency hints.
func (l *Lock) Workers(ctx context.Context) (map[string]int, error) {
	raw, err := l.kv.HGetAll(ctx, l.workersKey())
	if err != nil {
		return nil, err
	}
	workers := make(map[string]int, len(raw))
	for token, hint := range raw {
		n, err := strconv.Atoi(hint)
		if err != nil {
			continue
		}
		workers[token] = n
	}
	return workers, nil
}

func (l *Lock) run(ctx context.Context, concurrency int) {
	defer close(l.done)
	l.register(ctx, concurrency)
	l.tryLead(ctx)
	ticker := time.NewTicker(l.leaderEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.resign()
			return
		case <-ticker.C:
			l.register(ctx, concurrency)
			l.tryLead(ctx)
		}
	}
}

func (l *Lock) register(ctx context.Context, concurrency int) {
	if err := l.kv.HSet(ctx, l.workersKey(), l.token, strconv.Itoa(concurrency)); err != nil {
		l.log.Warn("worker registration failed", zap.Error(err))
		return
	}
	// the registry dies with the last worker refreshing it
	_ = l.kv.Expire(ctx, l.workersKey(), 2*l.leaderTTL)
}

func (l *Lock) tryLead(ctx context.Context) {
	ok, err := l.kv.SetNX(ctx, l.leaderKey(), l.token, l.leaderTTL)
	if err != nil {
		l.demote()
		l.log.Warn("leadership check failed", zap.Error(err))
		return
	}
	if ok {
		if !l.leading.Swap(true) {
			l.log.Info("took over the periodic sweep", zap.String("token", l.token))
		}
		return
	}
	holder, found, err := l.kv.Get(ctx, l.leaderKey())
	if err != nil {
		l.demote()
		return
	}
	if found && holder == l.token {
		if err := l.kv.Expire(ctx, l.leaderKey(), l.leaderTTL); err != nil {
			l.demote()
			return
		}
		l.leading.Store(true)
		return
	}
	l.demote()
}

func (l *Lock) demote() {
	if l.leading.Swap(false) {
		l.log.Info("stepped down from the periodic sweep", zap.String("token", l.token))
	}
}

func (l *Lock) resign() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseDrainDeadline)
	defer cancel()
	if l.leading.Swap(false) {
		_, _ = l.kv.Eval(ctx, releaseScript, []string{l.leaderKey()}, l.token)
	}
	_ = l.kv.HDel(ctx, l.workersKey(), l.token)
}
