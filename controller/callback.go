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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/codepr/reviewd/model"
)

const (
	defaultCallbackTimeout  = 10 * time.Second
	defaultCallbackAttempts = 3
	callbackRetryDelay      = 200 * time.Millisecond
)

// ScoreResult is the verdict delivered to a conversation's answer endpoint.
type ScoreResult struct {
	Passed        bool   `json:"passed"`
	CustomMessage string `json:"custom_message"`
}

// CallbackClient posts verdicts back to the platform that submitted the
// conversation, signing each request with the shared scoring key.
type CallbackClient struct {
	httpc    *http.Client
	key      string
	attempts uint
	log      *zap.Logger
}

type CallbackOption func(*CallbackClient)

// WithCallbackTimeout bounds a single delivery attempt.
func WithCallbackTimeout(d time.Duration) CallbackOption {
	return func(c *CallbackClient) { c.httpc.Timeout = d }
}

// WithCallbackAttempts sets how many times a delivery is tried.
func WithCallbackAttempts(n int) CallbackOption {
	return func(c *CallbackClient) { c.attempts = uint(n) }
}

func NewCallbackClient(key string, logger *zap.Logger, opts ...CallbackOption) *CallbackClient {
	c := &CallbackClient{
		httpc:    &http.Client{Timeout: defaultCallbackTimeout},
		key:      key,
		attempts: defaultCallbackAttempts,
		log:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts the verdict to uri, retrying transient failures with
// backoff. Anything but a 2xx reply counts as a failure.
func (c *CallbackClient) Deliver(ctx context.Context, uri string, result ScoreResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error { return c.post(ctx, uri, body) },
		retry.Attempts(c.attempts),
		retry.Delay(callbackRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("scoring callback retry",
				zap.String("uri", uri), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

func (c *CallbackClient) post(ctx context.Context, uri string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(model.HeaderScoringKey, c.key)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("callback to %s: unexpected status %s", uri, resp.Status)
	}
	return nil
}
