// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/element-hq/spire/matrix"
)

// StreamPosition represents the offset in the sync stream a client is at.
type StreamPosition int64

// StreamingToken is the top-of-stream token handed to clients as next_batch.
type StreamingToken struct {
	PDUPosition     StreamPosition
	TypingPosition  StreamPosition
	ReceiptPosition StreamPosition
}

// String turns the token into the wire form, e.g. "s11_22_33".
func (t StreamingToken) String() string {
	return fmt.Sprintf("s%d_%d_%d", t.PDUPosition, t.TypingPosition, t.ReceiptPosition)
}

// IsAfter returns true if any stream in this token is ahead of the other.
func (t StreamingToken) IsAfter(other StreamingToken) bool {
	return t.PDUPosition > other.PDUPosition ||
		t.TypingPosition > other.TypingPosition ||
		t.ReceiptPosition > other.ReceiptPosition
}

// NewStreamTokenFromString parses a "s11_22_33" form token. An empty string
// is position zero on every stream.
func NewStreamTokenFromString(in string) (StreamingToken, error) {
	var t StreamingToken
	if in == "" {
		return t, nil
	}
	if !strings.HasPrefix(in, "s") {
		return t, fmt.Errorf("syncapi: invalid sync token %q", in)
	}
	parts := strings.Split(in[1:], "_")
	positions := make([]StreamPosition, 3)
	for i, part := range parts {
		if i >= len(positions) {
			break
		}
		pos, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return t, fmt.Errorf("syncapi: invalid sync token %q", in)
		}
		positions[i] = StreamPosition(pos)
	}
	t.PDUPosition = positions[0]
	t.TypingPosition = positions[1]
	t.ReceiptPosition = positions[2]
	return t, nil
}

// OutputEvent is an event stored in the sync stream.
type OutputEvent struct {
	Position StreamPosition
	RoomID   string
	EventID  string
	Type     string
	Sender   string
	JSON     json.RawMessage
}

// Response is the /sync response shape.
type Response struct {
	NextBatch   string `json:"next_batch"`
	AccountData struct {
		Events []json.RawMessage `json:"events"`
	} `json:"account_data"`
	Rooms struct {
		Join   map[string]JoinResponse   `json:"join"`
		Invite map[string]InviteResponse `json:"invite"`
		Knock  map[string]KnockResponse  `json:"knock"`
		Leave  map[string]LeaveResponse  `json:"leave"`
	} `json:"rooms"`
}

// NewResponse creates an empty response with initialised maps.
func NewResponse(token StreamingToken) *Response {
	res := Response{NextBatch: token.String()}
	res.Rooms.Join = make(map[string]JoinResponse)
	res.Rooms.Invite = make(map[string]InviteResponse)
	res.Rooms.Knock = make(map[string]KnockResponse)
	res.Rooms.Leave = make(map[string]LeaveResponse)
	res.AccountData.Events = []json.RawMessage{}
	return &res
}

// JoinResponse represents a /sync response for a room which is under the
// 'join' key.
type JoinResponse struct {
	State struct {
		Events []json.RawMessage `json:"events"`
	} `json:"state"`
	Timeline struct {
		Events    []json.RawMessage `json:"events"`
		Limited   bool              `json:"limited"`
		PrevBatch string            `json:"prev_batch"`
	} `json:"timeline"`
	Ephemeral struct {
		Events []json.RawMessage `json:"events"`
	} `json:"ephemeral"`
	UnreadNotifications struct {
		HighlightCount    int `json:"highlight_count"`
		NotificationCount int `json:"notification_count"`
	} `json:"unread_notifications"`
}

// InviteResponse represents a /sync response for a room which is under the
// 'invite' key.
type InviteResponse struct {
	InviteState struct {
		Events []json.RawMessage `json:"events"`
	} `json:"invite_state"`
}

// KnockResponse represents a /sync response for a room which is under the
// 'knock' key.
type KnockResponse struct {
	KnockState struct {
		Events []json.RawMessage `json:"events"`
	} `json:"knock_state"`
}

// LeaveResponse represents a /sync response for a room which is under the
// 'leave' key.
type LeaveResponse struct {
	Timeline struct {
		Events []json.RawMessage `json:"events"`
	} `json:"timeline"`
}

// TypingNotification is an ephemeral typing signal for a room.
type TypingNotification struct {
	RoomID string
	UserID string
	Typing bool
}

// Receipt is a read receipt for a room.
type Receipt struct {
	RoomID    string
	UserID    string
	EventID   string
	Type      string
	Timestamp matrix.Timestamp
}
