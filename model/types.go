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

// Package model holds the state of the dispatcher, reviewer sessions on one
// side and the queue of conversations waiting for a human verdict on the
// other. All of it lives in the KV store, these types are its wire format.
package model

// Events flowing over the reviewer sockets. The client_ prefixed ones are
// pushed by the server, the rest are sent by reviewers.
const (
	EventPing              = "ping"
	EventActivitySignal    = "activity_signal"
	EventScoreConversation = "score_conversation"

	EventStatusUpdate = "client_status_update"
	EventReviewUpdate = "client_review_update"
	EventReviewDone   = "client_review_done"
	EventTimeUpdate   = "client_time_update"
	EventServerError  = "client_server_error"
)

// RoomScorer is the room every reviewer joins on connect, status broadcasts
// go there.
const RoomScorer = "scorer"

// HeaderScoringKey carries the shared secret, inbound on submissions and
// outbound on result callbacks.
const HeaderScoringKey = "x-scoring-key"

// Terminal review outcomes pushed with EventReviewDone.
const (
	ReviewOutcomeDone    = "done"
	ReviewOutcomeExpired = "expired"
)

// ChatMessage is a single turn of the conversation under review. Role 0 is
// the system prompt, odd roles the attacker, even ones the target model.
type ChatMessage struct {
	Role    int    `json:"role"`
	Message string `json:"message"`
}

// ConversationStatus is a queue entry. AssignedTo names the reviewer
// currently holding it, empty while it waits for one.
type ConversationStatus struct {
	ID          int64  `json:"id"`
	GUID        string `json:"guid"`
	ChallengeID int    `json:"challenge_id"`
	AssignedTo  string `json:"assigned_to"`
}

// View projects the entry for status broadcasts, hiding the reviewer
// identity.
func (s ConversationStatus) View() StatusView {
	return StatusView{
		ID:          s.ID,
		GUID:        s.GUID,
		ChallengeID: s.ChallengeID,
		InReview:    s.AssignedTo != "",
	}
}

// StatusView is the public projection of a queue entry.
type StatusView struct {
	ID          int64  `json:"id"`
	GUID        string `json:"guid"`
	ChallengeID int    `json:"challenge_id"`
	InReview    bool   `json:"in_review"`
}

// ReviewRequest is everything known about a conversation submitted for
// review. Exactly one of Conversation and Picture is set, text challenges
// carry the former plus the document, image challenges only the latter.
type ReviewRequest struct {
	ID             int64         `json:"id"`
	ChallengeID    int           `json:"challenge_id"`
	ChallengeGoal  string        `json:"challenge_goal"`
	ChallengeTitle string        `json:"challenge_title"`
	Conversation   []ChatMessage `json:"conversation,omitempty"`
	Picture        string        `json:"picture,omitempty"`
	Timestamp      string        `json:"timestamp"`
	ConversationID string        `json:"conversation_id"`
	Document       string        `json:"document"`
	AnswerURI      string        `json:"answer_uri"`
}

// Status derives the queue entry for this request.
func (r *ReviewRequest) Status() ConversationStatus {
	return ConversationStatus{
		ID:          r.ID,
		GUID:        r.ConversationID,
		ChallengeID: r.ChallengeID,
	}
}

// Review derives the payload pushed to the reviewer taking this
// conversation.
func (r *ReviewRequest) Review() ReviewDetail {
	return ReviewDetail{
		ID:           r.ID,
		GUID:         r.ConversationID,
		Title:        r.ChallengeTitle,
		Goal:         r.ChallengeGoal,
		Document:     r.Document,
		Conversation: r.Conversation,
		Picture:      r.Picture,
	}
}

// ReviewDetail is the EventReviewUpdate payload.
type ReviewDetail struct {
	ID           int64         `json:"id"`
	GUID         string        `json:"guid"`
	Title        string        `json:"title"`
	Goal         string        `json:"goal"`
	Document     string        `json:"document"`
	Conversation []ChatMessage `json:"conversation,omitempty"`
	Picture      string        `json:"picture,omitempty"`
}

// StatusUpdate is the EventStatusUpdate payload, a full snapshot of the
// session count and the queue.
type StatusUpdate struct {
	SessionCount      int64        `json:"session_count"`
	ConversationQueue []StatusView `json:"conversation_queue"`
}

// ScoreRequest is the EventScoreConversation payload sent by a reviewer
// delivering a verdict.
type ScoreRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Passed         bool   `json:"passed"`
	CustomMessage  string `json:"custom_message"`
}

// ReviewDone is the EventReviewDone payload.
type ReviewDone struct {
	Status string `json:"status"`
}

// ServerError is the EventServerError payload.
type ServerError struct {
	ErrorMsg string `json:"error_msg"`
}
