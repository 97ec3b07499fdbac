// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/spire/internal/fulltext"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/syncapi/notifier"
	"github.com/element-hq/spire/syncapi/storage"
)

// OutputRoomEventConsumer consumes the roomserver output stream and feeds
// the sync stream, the notifier and the fulltext index. Soft-failed events
// never reach this consumer: the roomserver does not emit them.
type OutputRoomEventConsumer struct {
	ctx      context.Context
	js       natsclient.JetStreamContext
	topic    string
	db       *storage.Database
	notifier *notifier.Notifier
	rsAPI    api.RoomserverInternalAPI
	fts      *fulltext.Search
}

// NewOutputRoomEventConsumer creates the consumer. Call Start to begin.
func NewOutputRoomEventConsumer(
	ctx context.Context,
	js natsclient.JetStreamContext,
	topic string,
	db *storage.Database,
	n *notifier.Notifier,
	rsAPI api.RoomserverInternalAPI,
	fts *fulltext.Search,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:      ctx,
		js:       js,
		topic:    topic,
		db:       db,
		notifier: n,
		rsAPI:    rsAPI,
		fts:      fts,
	}
}

// Start subscribing to the output stream.
func (s *OutputRoomEventConsumer) Start() error {
	_, err := s.js.Subscribe(
		s.topic,
		func(msg *natsclient.Msg) {
			if s.onMessage(msg) {
				_ = msg.Ack()
			} else {
				_ = msg.Nak()
			}
		},
		natsclient.Durable("SyncAPIRoomServerConsumer"),
		natsclient.ManualAck(),
	)
	return err
}

func (s *OutputRoomEventConsumer) onMessage(msg *natsclient.Msg) bool {
	var output api.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		logrus.WithError(err).Error("syncapi: message parse failure")
		return true
	}
	switch output.Type {
	case api.OutputTypeNewRoomEvent:
		return s.onNewRoomEvent(output.NewRoomEvent)
	case api.OutputTypeRedactedEvent:
		// Redactions are applied on read; drop the redacted event from the
		// search index so its old content stops matching.
		if s.fts != nil && output.RedactedEvent != nil {
			_ = s.fts.Delete(output.RedactedEvent.RedactedEventID)
		}
		return true
	default:
		return true
	}
}

func (s *OutputRoomEventConsumer) onNewRoomEvent(ev *api.OutputNewRoomEvent) bool {
	if ev == nil {
		return true
	}
	pos, err := s.db.WriteEvent(s.ctx, ev.RoomID, ev.EventID, ev.Type, ev.Sender, ev.Event)
	if err != nil {
		logrus.WithError(err).Error("syncapi: failed to write event")
		return false
	}

	if s.fts != nil {
		element := fulltext.IndexElement{
			EventID:        ev.EventID,
			RoomID:         ev.RoomID,
			StreamPosition: int64(pos),
		}
		element.SetContentType(ev.Type)
		if element.ContentType != "" {
			content := gjson.GetBytes(ev.Event, "content.body")
			if !content.Exists() {
				content = gjson.GetBytes(ev.Event, "content.name")
			}
			if !content.Exists() {
				content = gjson.GetBytes(ev.Event, "content.topic")
			}
			if content.Exists() {
				element.Content = content.String()
				if err := s.fts.Index(element); err != nil {
					logrus.WithError(err).Error("syncapi: failed to index event")
				}
			}
		}
	}

	s.notifier.OnNewEvent(pos, s.interestedUsers(ev.RoomID))
	return true
}

// interestedUsers are the local users who should wake for activity in a
// room: joined members, plus invited and knocking users who see their own
// membership transitions.
func (s *OutputRoomEventConsumer) interestedUsers(roomID string) []string {
	res := api.QueryMembershipsForRoomResponse{}
	if err := s.rsAPI.QueryMembershipsForRoom(s.ctx, &api.QueryMembershipsForRoomRequest{
		RoomID: roomID,
	}, &res); err != nil {
		logrus.WithError(err).Error("syncapi: failed to get room members")
		return nil
	}
	var users []string
	for _, membership := range res.Memberships {
		switch membership.Membership {
		case matrix.Join, matrix.Invite, matrix.Knock:
			users = append(users, membership.UserID)
		}
	}
	return users
}
