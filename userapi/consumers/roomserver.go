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

	"github.com/element-hq/spire/internal/pushrules"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/userapi/storage"
)

// OutputRoomEventConsumer is the push engine: it evaluates each accepted
// event against every local recipient's push rules and produces
// notifications for their pushers. Soft-failed events never reach this
// consumer.
type OutputRoomEventConsumer struct {
	ctx        context.Context
	js         natsclient.JetStreamContext
	topic      string
	pushTopic  string
	db         *storage.Database
	rsAPI      api.RoomserverInternalAPI
	serverName matrix.ServerName
}

// NewOutputRoomEventConsumer creates the push engine consumer.
func NewOutputRoomEventConsumer(
	ctx context.Context,
	js natsclient.JetStreamContext,
	topic, pushTopic string,
	db *storage.Database,
	rsAPI api.RoomserverInternalAPI,
	serverName matrix.ServerName,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:        ctx,
		js:         js,
		topic:      topic,
		pushTopic:  pushTopic,
		db:         db,
		rsAPI:      rsAPI,
		serverName: serverName,
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
		natsclient.Durable("UserAPIRoomServerConsumer"),
		natsclient.ManualAck(),
	)
	return err
}

func (s *OutputRoomEventConsumer) onMessage(msg *natsclient.Msg) bool {
	var output api.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		logrus.WithError(err).Error("userapi: message parse failure")
		return true
	}
	if output.Type != api.OutputTypeNewRoomEvent || output.NewRoomEvent == nil {
		return true
	}
	ev := output.NewRoomEvent

	event, err := matrix.NewEventFromTrustedJSON(ev.Event, false, ev.RoomVersion)
	if err != nil {
		logrus.WithError(err).Error("userapi: failed to parse event")
		return true
	}

	members := api.QueryMembershipsForRoomResponse{}
	if err := s.rsAPI.QueryMembershipsForRoom(s.ctx, &api.QueryMembershipsForRoomRequest{
		RoomID:     ev.RoomID,
		JoinedOnly: true,
	}, &members); err != nil {
		logrus.WithError(err).Error("userapi: failed to get members")
		return false
	}

	for _, membership := range members.Memberships {
		// You never get notified about your own events.
		if membership.UserID == ev.Sender {
			continue
		}
		localpart, domain, err := matrix.SplitID('@', membership.UserID)
		if err != nil || domain != s.serverName {
			continue
		}
		if err := s.notifyLocal(event, localpart, membership.DisplayName, len(members.Memberships)); err != nil {
			logrus.WithError(err).WithField("localpart", localpart).Error("userapi: failed to evaluate push rules")
		}
	}
	return true
}

// notifyLocal evaluates the recipient's rule set against the event and, on
// a notify outcome, records a notification and emits a push request for
// each of the recipient's pushers.
func (s *OutputRoomEventConsumer) notifyLocal(event *matrix.Event, localpart, displayName string, memberCount int) error {
	ruleSets, err := s.db.PushRules(s.ctx, localpart)
	if err != nil {
		return err
	}

	ec := &evaluationContext{
		consumer:    s,
		event:       event,
		displayName: displayName,
		memberCount: memberCount,
	}
	rule, err := pushrules.NewRuleSetEvaluator(ec, &ruleSets.Global).MatchEvent(event)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}
	notify, sound, highlight := pushrules.ActionsToNotification(rule.Actions)
	if !notify {
		return nil
	}

	if err := s.db.InsertNotification(s.ctx, localpart, event.RoomID(), event.EventID(), highlight); err != nil {
		return err
	}

	pushers, err := s.db.Pushers(s.ctx, localpart)
	if err != nil {
		return err
	}
	for _, pusher := range pushers {
		payload, err := json.Marshal(map[string]interface{}{
			"localpart": localpart,
			"app_id":    pusher.AppID,
			"pushkey":   pusher.PushKey,
			"event_id":  event.EventID(),
			"room_id":   event.RoomID(),
			"sound":     sound,
			"highlight": highlight,
		})
		if err != nil {
			return err
		}
		// The push gateway layer consumes this topic and reports delivery
		// outcomes back via PerformPushReceipt.
		if s.js != nil {
			if _, err := s.js.Publish(s.pushTopic, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluationContext exposes the room context the rule conditions need.
type evaluationContext struct {
	consumer    *OutputRoomEventConsumer
	event       *matrix.Event
	displayName string
	memberCount int
}

func (ec *evaluationContext) UserDisplayName() string { return ec.displayName }

func (ec *evaluationContext) RoomMemberCount() (int, error) { return ec.memberCount, nil }

func (ec *evaluationContext) HasPowerLevel(senderID, levelKey string) (bool, error) {
	stateRes := api.QueryLatestEventsAndStateResponse{}
	if err := ec.consumer.rsAPI.QueryLatestEventsAndState(ec.consumer.ctx, &api.QueryLatestEventsAndStateRequest{
		RoomID: ec.event.RoomID(),
		StateToFetch: []matrix.StateKeyTuple{
			{EventType: matrix.MRoomPowerLevels, StateKey: ""},
		},
	}, &stateRes); err != nil {
		return false, err
	}
	for _, stateEvent := range stateRes.StateEvents {
		pls, err := matrix.NewPowerLevelContentFromEvent(stateEvent)
		if err != nil {
			return false, err
		}
		// The "room" notification level defaults to 50.
		required := int64(50)
		if level, ok := pls.EventLevels()["notifications."+levelKey]; ok {
			required = level
		}
		return pls.UserLevel(senderID) >= required, nil
	}
	return false, nil
}
