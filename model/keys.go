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

// Key layout of the shared state. Every dispatcher process reads and writes
// the same keys, the distributed lock serializes the queue mutations.
const (
	keyConnectionCount        = "connection.count"
	keyConnectionSet          = "connection.set"
	keyConnectionPool         = "connection.pool"
	keyConversationQueue      = "conversation.queue"
	keyConversationCount      = "conversation.count"
	keyConversationAssignment = "conversation.assignment"
)

// connectionKey holds the liveness marker of a session, expiring heartbeats
// away.
func connectionKey(sid string) string { return "connection." + sid }

// conversationKey holds the full review request of a queued conversation.
func conversationKey(guid string) string { return "conversation." + guid }

// reviewTTLKey is the countdown of an active review, its expiry frees the
// assignment.
func reviewTTLKey(sid string) string { return "conversation.key.ttl." + sid }
