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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepr/reviewd/model"
	"github.com/codepr/reviewd/socket"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForEvent reads frames until one matches event, skipping any others the
// server pushed in between.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env socket.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Data
		}
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env := socket.Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Data = raw
	}
	require.NoError(t, conn.WriteJSON(env))
}

func TestReviewerFlowOverWebsocket(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env.ts)

	// Connecting announces the session to the scorer room.
	data := waitForEvent(t, conn, model.EventStatusUpdate)
	var status model.StatusUpdate
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, int64(1), status.SessionCount)

	resp := env.postJSON(t, testScoringKey, env.submission("g1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The submission lands on the connected reviewer right away.
	data = waitForEvent(t, conn, model.EventReviewUpdate)
	var detail model.ReviewDetail
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, "g1", detail.GUID)
	assert.Equal(t, "prompt exfiltration", detail.Title)
	assert.Len(t, detail.Conversation, 2)

	data = waitForEvent(t, conn, model.EventStatusUpdate)
	require.NoError(t, json.Unmarshal(data, &status))
	require.Len(t, status.ConversationQueue, 1)
	assert.True(t, status.ConversationQueue[0].InReview)

	sendEvent(t, conn, model.EventPing, nil)
	data = waitForEvent(t, conn, model.EventTimeUpdate)
	var remaining string
	require.NoError(t, json.Unmarshal(data, &remaining))
	assert.Equal(t, "60", remaining)

	sendEvent(t, conn, model.EventScoreConversation,
		map[string]any{"conversation_id": "g1", "passed": true, "custom_message": "nice catch"})

	data = waitForEvent(t, conn, model.EventReviewDone)
	var done model.ReviewDone
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, model.ReviewOutcomeDone, done.Status)

	data = waitForEvent(t, conn, model.EventStatusUpdate)
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Empty(t, status.ConversationQueue)

	require.Eventually(t, func() bool {
		return len(env.callbackHits()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	hit := env.callbackHits()[0]
	assert.True(t, hit.Passed)
	assert.Equal(t, "nice catch", hit.CustomMessage)
}

func TestVerdictValidationOverWebsocket(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env.ts)
	waitForEvent(t, conn, model.EventStatusUpdate)

	sendEvent(t, conn, model.EventScoreConversation, map[string]any{"passed": true})

	data := waitForEvent(t, conn, model.EventServerError)
	var serr model.ServerError
	require.NoError(t, json.Unmarshal(data, &serr))
	assert.Contains(t, serr.ErrorMsg, "invalid verdict")
}

func TestSweepReclaimsExpiredReview(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env.ts)
	waitForEvent(t, conn, model.EventStatusUpdate)

	resp := env.postJSON(t, testScoringKey, env.submission("g1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitForEvent(t, conn, model.EventReviewUpdate)

	// Kill the countdown while the heartbeat is still fresh, the review is
	// abandoned but the reviewer is not.
	var killed bool
	for _, key := range env.s.Keys() {
		if strings.HasPrefix(key, "conversation.key.ttl.") {
			env.s.Del(key)
			killed = true
		}
	}
	require.True(t, killed)

	tick := NewTick(env.lock, env.connCtrl, env.convCtrl, time.Second, zap.NewNop())
	tick.Sweep(context.Background())

	data := waitForEvent(t, conn, model.EventReviewDone)
	var done model.ReviewDone
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, model.ReviewOutcomeExpired, done.Status)

	// Same conversation, fresh countdown, same reviewer.
	data = waitForEvent(t, conn, model.EventReviewUpdate)
	var detail model.ReviewDetail
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, "g1", detail.GUID)
}
