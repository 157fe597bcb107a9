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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/reviewd/model"
)

func TestNewAssignsWaitingReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	f.rec.reset()

	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))

	records := f.rec.all()
	require.Len(t, records, 2)

	// The reviewer sees the conversation before anyone sees the queue move.
	assert.Equal(t, "emit", records[0].Kind)
	assert.Equal(t, model.EventReviewUpdate, records[0].Event)
	assert.Equal(t, "s1", records[0].Sid)
	detail, ok := records[0].Payload.(model.ReviewDetail)
	require.True(t, ok)
	assert.Equal(t, "g1", detail.GUID)
	assert.Equal(t, "prompt exfiltration", detail.Title)
	assert.Equal(t, "make the model leak its system prompt", detail.Goal)
	assert.Len(t, detail.Conversation, 2)
	assert.Empty(t, detail.Picture)

	assert.Equal(t, "broadcast", records[1].Kind)
	assert.Equal(t, model.EventStatusUpdate, records[1].Event)
	status, ok := records[1].Payload.(model.StatusUpdate)
	require.True(t, ok)
	require.Len(t, status.ConversationQueue, 1)
	assert.True(t, status.ConversationQueue[0].InReview)

	guid, found, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "g1", guid)

	remaining, err := f.convs.RemainingTime(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), remaining)

	assert.Empty(t, f.sink.all())
}

func TestNewWithoutReviewersQueuesFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))

	assert.Empty(t, f.rec.byEvent(model.EventReviewUpdate))
	updates := f.rec.byEvent(model.EventStatusUpdate)
	require.Len(t, updates, 1)
	status := updates[0].Payload.(model.StatusUpdate)
	require.Len(t, status.ConversationQueue, 1)
	assert.False(t, status.ConversationQueue[0].InReview)
}

func TestNewDuplicateSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))
	err := f.convCtrl.New(ctx, f.request("g1"))
	require.ErrorIs(t, err, ErrDuplicate)

	queue, err := f.convs.Queue(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestScoreSettlesReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))
	f.rec.reset()

	verdict := model.ScoreRequest{ConversationID: "g1", Passed: true, CustomMessage: "nice catch"}
	require.NoError(t, f.convCtrl.Score(ctx, "s1", verdict))

	records := f.rec.all()
	require.NotEmpty(t, records)
	assert.Equal(t, "emit", records[0].Kind)
	assert.Equal(t, model.EventReviewDone, records[0].Event)
	assert.Equal(t, model.ReviewDone{Status: model.ReviewOutcomeDone}, records[0].Payload)

	queue, err := f.convs.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, found, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)

	// Back in the pool, ready for the next submission.
	sid, found, err := f.conns.PopFromPool(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s1", sid)

	hits := f.sink.all()
	require.Len(t, hits, 1)
	assert.Equal(t, "sekret", hits[0].Key)
	assert.Equal(t, "/answers/g1", hits[0].Path)
	assert.True(t, hits[0].Result.Passed)
	assert.Equal(t, "nice catch", hits[0].Result.CustomMessage)
}

func TestScoreFromWrongReviewerIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))
	f.rec.reset()

	verdict := model.ScoreRequest{ConversationID: "g1", Passed: false}
	require.NoError(t, f.convCtrl.Score(ctx, "s2", verdict))

	assert.Empty(t, f.rec.all())
	assert.Empty(t, f.sink.all())

	guid, found, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "g1", guid)
}

func TestScoreUnknownConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	f.rec.reset()

	verdict := model.ScoreRequest{ConversationID: "missing", Passed: true}
	require.NoError(t, f.convCtrl.Score(ctx, "s1", verdict))

	assert.Empty(t, f.rec.all())
	assert.Empty(t, f.sink.all())
}

func TestScoreHandsReviewerTheNextConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.connCtrl.Connect(ctx, "s2"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g2")))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g3")))

	guid, _, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "g1", guid)
	guid, _, err = f.convs.Assignment(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "g2", guid)

	f.rec.reset()
	verdict := model.ScoreRequest{ConversationID: "g1", Passed: false, CustomMessage: "no leak"}
	require.NoError(t, f.convCtrl.Score(ctx, "s1", verdict))

	// The freed reviewer picks up the conversation that was waiting.
	guid, found, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "g3", guid)

	assigns := f.rec.byEvent(model.EventReviewUpdate)
	require.Len(t, assigns, 1)
	assert.Equal(t, "s1", assigns[0].Sid)
	assert.Equal(t, "g3", assigns[0].Payload.(model.ReviewDetail).GUID)

	queue, err := f.convs.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	for _, status := range queue {
		assert.NotEmpty(t, status.AssignedTo)
	}

	hits := f.sink.all()
	require.Len(t, hits, 1)
	assert.Equal(t, "/answers/g1", hits[0].Path)
	assert.False(t, hits[0].Result.Passed)
}

func TestScoreCallbackFailureKeepsVerdict(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))
	f.rec.reset()

	verdict := model.ScoreRequest{ConversationID: "g1", Passed: true}
	require.NoError(t, f.convCtrl.Score(ctx, "s1", verdict))

	// Review settled despite the endpoint failing on every attempt.
	queue, err := f.convs.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.Len(t, f.sink.all(), 2)

	dones := f.rec.byEvent(model.EventReviewDone)
	require.Len(t, dones, 1)
	errs := f.rec.byEvent(model.EventServerError)
	require.Len(t, errs, 1)
	assert.Equal(t, "s1", errs[0].Sid)
	assert.Equal(t, model.ServerError{ErrorMsg: "scoring callback failed"}, errs[0].Payload)
}

func TestDeadReviewsRequeueForLiveReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))

	// Countdown gone, heartbeat still fresh: the tab is open but idle.
	f.s.Del("conversation.key.ttl.s1")
	f.rec.reset()

	require.NoError(t, f.convCtrl.DeadReviews(ctx))

	records := f.rec.all()
	require.NotEmpty(t, records)
	assert.Equal(t, model.EventReviewDone, records[0].Event)
	assert.Equal(t, model.ReviewDone{Status: model.ReviewOutcomeExpired}, records[0].Payload)

	// Reviewer went back into the pool and picked the same conversation up
	// again with a fresh countdown.
	guid, found, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "g1", guid)

	remaining, err := f.convs.RemainingTime(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), remaining)

	assigns := f.rec.byEvent(model.EventReviewUpdate)
	require.Len(t, assigns, 1)
	assert.Equal(t, "g1", assigns[0].Payload.(model.ReviewDetail).GUID)
}

func TestDeadReviewsDropGoneReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))

	// Long enough for both the countdown and the heartbeat to lapse.
	f.s.FastForward(model.AssignTTL + time.Second)
	f.rec.reset()

	require.NoError(t, f.convCtrl.DeadReviews(ctx))

	_, found, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)

	queue, err := f.convs.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Empty(t, queue[0].AssignedTo)

	// The dead session does not rejoin the pool.
	_, found, err = f.conns.PopFromPool(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeadReviewsNothingExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))
	f.rec.reset()

	require.NoError(t, f.convCtrl.DeadReviews(ctx))
	assert.Empty(t, f.rec.all())

	guid, _, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "g1", guid)
}

func TestDeadConnectionsFreeHeldReviews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.connCtrl.Connect(ctx, "s1"))
	require.NoError(t, f.convCtrl.New(ctx, f.request("g1")))

	f.s.FastForward(8 * time.Second)
	removed, err := f.connCtrl.DeadConnections(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, removed)
	f.rec.reset()

	require.NoError(t, f.convCtrl.DeadConnections(ctx, removed))

	queue, err := f.convs.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Empty(t, queue[0].AssignedTo)

	_, found, err := f.convs.Assignment(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)

	remaining, err := f.convs.RemainingTime(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestDeadConnectionsNoSids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.convCtrl.DeadConnections(ctx, nil))
	assert.Empty(t, f.rec.all())
}
