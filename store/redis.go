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

// Package store wraps the redis client behind the handful of typed operations
// the dispatcher actually uses. Every piece of shared state (session liveness,
// the review queue, assignments) lives in redis so that any number of
// dispatcher processes can serve the same pool of reviewers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a thin facade over a redis connection pool.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to the redis instance at url, e.g.
// redis://localhost:6379/0.
func NewClient(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewClientFromRedis wraps an already configured go-redis client, used by
// tests to point the store at an in-process instance.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error { return c.rdb.Close() }

// Ping verifies the connection is usable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Incr atomically increments the integer at key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

// Get returns the string at key, the second return reports whether the key
// exists at all.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores val at key, expiring after ttl. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

// SetNX stores val at key only if the key does not exist yet, returning
// whether the write happened.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, val, ttl).Result()
}

// Del removes the given keys, missing ones are ignored.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// TTL returns the remaining lifetime of key. Missing keys and keys without
// an expiry both report zero.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis maps the -2/-1 sentinel replies to negative durations
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Expire resets the lifetime of key to ttl. A no-op if the key is missing.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// HSet stores field=val in the hash at key.
func (c *Client) HSet(ctx context.Context, key, field, val string) error {
	return c.rdb.HSet(ctx, key, field, val).Err()
}

// HGet returns the value of field in the hash at key, the second return
// reports whether the field exists.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// HGetAll returns the full hash at key, empty map if the key is missing.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel removes fields from the hash at key.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// LPush prepends val to the list at key.
func (c *Client) LPush(ctx context.Context, key, val string) error {
	return c.rdb.LPush(ctx, key, val).Err()
}

// RPush appends val to the list at key.
func (c *Client) RPush(ctx context.Context, key, val string) error {
	return c.rdb.RPush(ctx, key, val).Err()
}

// RPop removes and returns the last element of the list at key, the second
// return reports whether the list had any element left.
func (c *Client) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// LSet overwrites the element at index in the list at key.
func (c *Client) LSet(ctx context.Context, key string, index int64, val string) error {
	return c.rdb.LSet(ctx, key, index, val).Err()
}

// LRem removes every element equal to val from the list at key.
func (c *Client) LRem(ctx context.Context, key, val string) error {
	return c.rdb.LRem(ctx, key, 0, val).Err()
}

// LRange returns the full list at key, oldest append first.
func (c *Client) LRange(ctx context.Context, key string) ([]string, error) {
	return c.rdb.LRange(ctx, key, 0, -1).Result()
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// Publish fans payload out to every subscriber of channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on channel. The caller owns the returned
// handle and must Close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// Eval runs a lua script with the given keys and args.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.rdb.Eval(ctx, script, keys, args...).Result()
}

// Tx queues commands inside fn and runs them as a single MULTI/EXEC block.
// Results become readable only after Tx returns without error.
func (c *Client) Tx(ctx context.Context, fn func(tx *Tx)) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&Tx{ctx: ctx, pipe: pipe})
		return nil
	})
	return err
}

// Tx records commands for a transactional pipeline. The mutating subset of
// Client is mirrored here, reads stay on Client where they belong.
type Tx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

// IntResult is the deferred reply of a queued counter command.
type IntResult struct {
	cmd *redis.IntCmd
}

// Val returns the reply, valid only once the enclosing Tx has committed.
func (r *IntResult) Val() int64 { return r.cmd.Val() }

func (t *Tx) Incr(key string) *IntResult {
	return &IntResult{cmd: t.pipe.Incr(t.ctx, key)}
}

func (t *Tx) Set(key, val string, ttl time.Duration) {
	t.pipe.Set(t.ctx, key, val, ttl)
}

func (t *Tx) Del(keys ...string) {
	t.pipe.Del(t.ctx, keys...)
}

func (t *Tx) HSet(key, field, val string) {
	t.pipe.HSet(t.ctx, key, field, val)
}

func (t *Tx) HDel(key string, fields ...string) {
	t.pipe.HDel(t.ctx, key, fields...)
}

func (t *Tx) LPush(key, val string) {
	t.pipe.LPush(t.ctx, key, val)
}

func (t *Tx) RPush(key, val string) {
	t.pipe.RPush(t.ctx, key, val)
}

func (t *Tx) LSet(key string, index int64, val string) {
	t.pipe.LSet(t.ctx, key, index, val)
}

func (t *Tx) LRem(key, val string) {
	t.pipe.LRem(t.ctx, key, 0, val)
}
