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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/codepr/reviewd/controller"
	"github.com/codepr/reviewd/metrics"
	"github.com/codepr/reviewd/model"
)

var validate = validator.New()

// reviewSubmission is the POST /api/score payload. A submission carries
// either a conversation transcript or a picture, never both, text challenges
// bring the grading document along.
type reviewSubmission struct {
	ChallengeID    int                 `json:"challenge_id" validate:"required"`
	ChallengeGoal  string              `json:"challenge_goal" validate:"required"`
	ChallengeTitle string              `json:"challenge_title" validate:"required"`
	Conversation   []model.ChatMessage `json:"conversation" validate:"required_without=Picture,excluded_with=Picture"`
	Picture        string              `json:"picture" validate:"required_without=Conversation,excluded_with=Conversation"`
	Timestamp      string              `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	ConversationID string              `json:"conversation_id" validate:"required"`
	Document       string              `json:"document" validate:"required_with=Conversation"`
	AnswerURI      string              `json:"answer_uri" validate:"required,url"`
}

func (sub reviewSubmission) request() *model.ReviewRequest {
	req := &model.ReviewRequest{
		ChallengeID:    sub.ChallengeID,
		ChallengeGoal:  sub.ChallengeGoal,
		ChallengeTitle: sub.ChallengeTitle,
		Conversation:   sub.Conversation,
		Picture:        sub.Picture,
		Timestamp:      sub.Timestamp,
		ConversationID: sub.ConversationID,
		Document:       sub.Document,
		AnswerURI:      sub.AnswerURI,
	}
	// Picture reviews have nothing to grade against.
	if sub.Picture != "" {
		req.Document = ""
	}
	return req
}

// requireScoringKey guards an endpoint with the shared secret.
func requireScoringKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(model.HeaderScoringKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				metrics.Submissions.WithLabelValues(metrics.SubmissionUnauthorized).Inc()
				http.Error(w, "invalid scoring key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleSubmission() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub reviewSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			metrics.Submissions.WithLabelValues(metrics.SubmissionInvalid).Inc()
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(sub); err != nil {
			metrics.Submissions.WithLabelValues(metrics.SubmissionInvalid).Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err := s.conv.New(r.Context(), sub.request())
		switch {
		case errors.Is(err, controller.ErrDuplicate):
			metrics.Submissions.WithLabelValues(metrics.SubmissionDuplicate).Inc()
			http.Error(w, "conversation already queued", http.StatusConflict)
		case err != nil:
			metrics.Submissions.WithLabelValues(metrics.SubmissionError).Inc()
			s.log.Error("submission failed",
				zap.String("guid", sub.ConversationID), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		default:
			metrics.Submissions.WithLabelValues(metrics.SubmissionAccepted).Inc()
			w.Write([]byte("OK"))
		}
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.kv.Ping(r.Context()); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	}
}
