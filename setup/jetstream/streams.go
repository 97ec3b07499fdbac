// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"time"

	natsclient "github.com/nats-io/nats.go"
)

// Stream names. These get prefixed with the configured topic prefix.
const (
	OutputRoomEvent    = "OutputRoomEvent"
	OutputSendToDevice = "OutputSendToDevice"
	OutputTypingEvent  = "OutputTypingEvent"
	OutputReceiptEvent = "OutputReceiptEvent"
	RequestPush        = "RequestPush"
)

// Header names used on stream messages.
const (
	RoomID  = "room_id"
	UserID  = "user_id"
	EventID = "event_id"
)

var streams = []*natsclient.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: natsclient.InterestPolicy,
		Storage:   natsclient.FileStorage,
	},
	{
		Name:      OutputSendToDevice,
		Retention: natsclient.InterestPolicy,
		Storage:   natsclient.FileStorage,
	},
	{
		Name:      OutputTypingEvent,
		Retention: natsclient.InterestPolicy,
		Storage:   natsclient.MemoryStorage,
		MaxAge:    time.Second * 60,
	},
	{
		Name:      OutputReceiptEvent,
		Retention: natsclient.InterestPolicy,
		Storage:   natsclient.FileStorage,
	},
	{
		Name:      RequestPush,
		Retention: natsclient.InterestPolicy,
		Storage:   natsclient.FileStorage,
	},
}
