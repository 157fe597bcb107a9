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
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codepr/reviewd/metrics"
	"github.com/codepr/reviewd/model"
)

// ErrDuplicate flags a submission for a conversation that is already queued.
// Every conversation gets reviewed exactly once.
var ErrDuplicate = errors.New("controller: conversation already queued")

// ConversationController owns the review lifecycle: submissions entering the
// queue, assignments to pooled reviewers, verdicts leaving through the
// scoring callback and reclaims of abandoned reviews.
type ConversationController struct {
	conversations *model.Conversations
	connections   *model.Connections
	emitter       Emitter
	callback      *CallbackClient
	log           *zap.Logger
}

func NewConversationController(conversations *model.Conversations, connections *model.Connections, emitter Emitter, callback *CallbackClient, logger *zap.Logger) *ConversationController {
	return &ConversationController{
		conversations: conversations,
		connections:   connections,
		emitter:       emitter,
		callback:      callback,
		log:           logger,
	}
}

// New queues a submission and immediately tries to hand it out.
func (c *ConversationController) New(ctx context.Context, req *model.ReviewRequest) error {
	existing, err := c.conversations.Conversation(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	if existing != nil {
		c.log.Warn("duplicate submission", zap.String("guid", req.ConversationID))
		return ErrDuplicate
	}
	status := req.Status()
	if err := c.conversations.Push(ctx, &status); err != nil {
		return err
	}
	req.ID = status.ID
	if err := c.conversations.Add(ctx, req); err != nil {
		return err
	}
	c.log.Info("conversation queued",
		zap.String("guid", req.ConversationID),
		zap.Int64("id", req.ID),
		zap.Int("challenge", req.ChallengeID))
	return c.Pick(ctx)
}

// Pick matches the longest-waiting reviewer with the oldest free
// conversation and pushes the review to them. A reviewer popped with nothing
// to take goes back to the front of the pool. Either way the scorer room
// gets a fresh status snapshot.
func (c *ConversationController) Pick(ctx context.Context) error {
	sid, found, err := c.connections.PopFromPool(ctx)
	if err != nil {
		return err
	}
	if !found {
		c.log.Info("no reviewers waiting")
		return c.status(ctx)
	}
	guid, err := c.conversations.AssignFree(ctx, sid)
	if err != nil {
		return err
	}
	if guid == "" {
		if err := c.connections.AddToPoolFront(ctx, sid); err != nil {
			return err
		}
		return c.status(ctx)
	}
	req, err := c.conversations.Conversation(ctx, guid)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("assigned conversation %s has no stored request", guid)
	}
	c.log.Info("conversation assigned", zap.String("guid", guid), zap.String("sid", sid))
	metrics.Assignments.Inc()
	c.emitter.Emit(ctx, sid, model.EventReviewUpdate, req.Review())
	return c.status(ctx)
}

// Score settles a review. The entry leaves the queue, the reviewer goes back
// into the pool and the verdict is forwarded to the answer endpoint once all
// of that is done, a callback failure never unwinds a settled review.
// Verdicts for conversations the reviewer does not hold are dropped.
func (c *ConversationController) Score(ctx context.Context, sid string, verdict model.ScoreRequest) error {
	req, err := c.conversations.Conversation(ctx, verdict.ConversationID)
	if err != nil {
		return err
	}
	if req == nil {
		c.log.Warn("verdict for unknown conversation",
			zap.String("guid", verdict.ConversationID), zap.String("sid", sid))
		return nil
	}
	assigned, found, err := c.conversations.Assignment(ctx, sid)
	if err != nil {
		return err
	}
	if !found || assigned != verdict.ConversationID {
		c.log.Warn("verdict from a reviewer not holding the conversation",
			zap.String("guid", verdict.ConversationID), zap.String("sid", sid))
		return nil
	}
	if err := c.conversations.Remove(ctx, verdict.ConversationID, sid); err != nil {
		return err
	}
	metrics.Reviews.WithLabelValues(model.ReviewOutcomeDone).Inc()
	c.emitter.Emit(ctx, sid, model.EventReviewDone, model.ReviewDone{Status: model.ReviewOutcomeDone})
	if err := c.connections.AddToPool(ctx, sid); err != nil {
		return err
	}
	if err := c.Pick(ctx); err != nil {
		return err
	}
	c.log.Info("conversation scored",
		zap.String("guid", verdict.ConversationID),
		zap.String("sid", sid),
		zap.Bool("passed", verdict.Passed))
	result := ScoreResult{Passed: verdict.Passed, CustomMessage: verdict.CustomMessage}
	if err := c.callback.Deliver(ctx, req.AnswerURI, result); err != nil {
		metrics.CallbackFailures.Inc()
		c.log.Error("scoring callback failed",
			zap.String("guid", verdict.ConversationID),
			zap.String("uri", req.AnswerURI),
			zap.Error(err))
		c.emitter.Emit(ctx, sid, model.EventServerError, model.ServerError{ErrorMsg: "scoring callback failed"})
	}
	return nil
}

// DeadConnections releases the reviews held by swept sessions and hands the
// freed conversations out again.
func (c *ConversationController) DeadConnections(ctx context.Context, sids []string) error {
	if len(sids) == 0 {
		return nil
	}
	if err := c.conversations.UnassignReview(ctx, sids); err != nil {
		return err
	}
	if err := c.status(ctx); err != nil {
		return err
	}
	return c.Pick(ctx)
}

// DeadReviews reclaims conversations whose review countdown ran out. Each
// losing reviewer is told, goes back into the pool while its session is
// still alive, and a fresh assignment round runs for every reclaimed entry.
func (c *ConversationController) DeadReviews(ctx context.Context) error {
	expired, err := c.conversations.UnassignExpired(ctx)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	c.log.Info("reviews expired", zap.Strings("sids", expired))
	for _, sid := range expired {
		metrics.Reviews.WithLabelValues(model.ReviewOutcomeExpired).Inc()
		c.emitter.Emit(ctx, sid, model.EventReviewDone, model.ReviewDone{Status: model.ReviewOutcomeExpired})
		alive, err := c.connections.IsAlive(ctx, sid)
		if err != nil {
			return err
		}
		if alive {
			if err := c.connections.AddToPool(ctx, sid); err != nil {
				return err
			}
		}
		if err := c.Pick(ctx); err != nil {
			return err
		}
	}
	return c.status(ctx)
}

func (c *ConversationController) status(ctx context.Context) error {
	count, err := c.connections.Count(ctx)
	if err != nil {
		return err
	}
	queue, err := c.conversations.Queue(ctx)
	if err != nil {
		return err
	}
	broadcastStatus(ctx, c.emitter, count, queue)
	return nil
}
