// Copyright 2017 Vector Creations Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/element-hq/spire/syncapi/types"
)

// Notifier wakes long-polling /sync requests when something relevant to
// their user happens. It keeps the latest stream token and a wait channel
// per user.
type Notifier struct {
	lock         sync.Mutex
	currentToken types.StreamingToken
	userStreams  map[string]chan struct{}
	// Ephemeral typing state per room: user -> expiry.
	typing map[string]map[string]time.Time
}

// NewNotifier creates the notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		userStreams: map[string]chan struct{}{},
		typing:      map[string]map[string]time.Time{},
	}
}

// CurrentToken returns the latest stream token.
func (n *Notifier) CurrentToken() types.StreamingToken {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.currentToken
}

// OnNewEvent advances the PDU position and wakes the given users.
func (n *Notifier) OnNewEvent(pos types.StreamPosition, userIDs []string) {
	n.lock.Lock()
	if pos > n.currentToken.PDUPosition {
		n.currentToken.PDUPosition = pos
	}
	n.wakeLocked(userIDs)
	n.lock.Unlock()
}

// OnNewTyping records a typing notification and wakes the given users.
func (n *Notifier) OnNewTyping(roomID, userID string, typing bool, userIDs []string) {
	n.lock.Lock()
	if n.typing[roomID] == nil {
		n.typing[roomID] = map[string]time.Time{}
	}
	if typing {
		n.typing[roomID][userID] = time.Now().Add(30 * time.Second)
	} else {
		delete(n.typing[roomID], userID)
	}
	n.currentToken.TypingPosition++
	n.wakeLocked(userIDs)
	n.lock.Unlock()
}

// OnNewReceipt advances the receipt position and wakes the given users.
func (n *Notifier) OnNewReceipt(userIDs []string) {
	n.lock.Lock()
	n.currentToken.ReceiptPosition++
	n.wakeLocked(userIDs)
	n.lock.Unlock()
}

// TypingUsers returns the users currently typing in a room.
func (n *Notifier) TypingUsers(roomID string) []string {
	n.lock.Lock()
	defer n.lock.Unlock()
	now := time.Now()
	var users []string
	for userID, expiry := range n.typing[roomID] {
		if expiry.After(now) {
			users = append(users, userID)
		} else {
			delete(n.typing[roomID], userID)
		}
	}
	return users
}

func (n *Notifier) wakeLocked(userIDs []string) {
	for _, userID := range userIDs {
		if stream, ok := n.userStreams[userID]; ok {
			close(stream)
			delete(n.userStreams, userID)
		}
	}
}

// WaitForEvents blocks until there is new activity for the user beyond the
// since token, or the timeout elapses, or the request is cancelled. Returns
// the latest token.
func (n *Notifier) WaitForEvents(ctx context.Context, userID string, since types.StreamingToken, timeout time.Duration) types.StreamingToken {
	n.lock.Lock()
	if n.currentToken.IsAfter(since) {
		token := n.currentToken
		n.lock.Unlock()
		return token
	}
	stream, ok := n.userStreams[userID]
	if !ok {
		stream = make(chan struct{})
		n.userStreams[userID] = stream
	}
	n.lock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-stream:
	case <-timer.C:
	case <-ctx.Done():
	}
	return n.CurrentToken()
}
