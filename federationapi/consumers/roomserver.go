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

	"github.com/element-hq/spire/federationapi/queue"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
)

// OutputRoomEventConsumer consumes the roomserver output stream and feeds
// accepted events into the outbound federation queues for every server with
// a user in the room.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream natsclient.JetStreamContext
	durable   string
	topic     string
	queues    *queue.OutgoingQueues
	rsAPI     api.RoomserverInternalAPI
	origin    matrix.ServerName
}

// NewOutputRoomEventConsumer creates the consumer. Call Start to begin.
func NewOutputRoomEventConsumer(
	ctx context.Context,
	js natsclient.JetStreamContext,
	topic string,
	queues *queue.OutgoingQueues,
	rsAPI api.RoomserverInternalAPI,
	origin matrix.ServerName,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       ctx,
		jetstream: js,
		durable:   "FederationAPIRoomServerConsumer",
		topic:     topic,
		queues:    queues,
		rsAPI:     rsAPI,
		origin:    origin,
	}
}

// Start subscribing to the output stream.
func (s *OutputRoomEventConsumer) Start() error {
	_, err := s.jetstream.Subscribe(
		s.topic,
		func(msg *natsclient.Msg) {
			if s.onMessage(msg) {
				_ = msg.Ack()
			} else {
				_ = msg.Nak()
			}
		},
		natsclient.Durable(s.durable),
		natsclient.ManualAck(),
	)
	return err
}

func (s *OutputRoomEventConsumer) onMessage(msg *natsclient.Msg) bool {
	var output api.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next
		// message in the stream.
		logrus.WithError(err).Errorf("roomserver output log: message parse failure")
		return true
	}
	if output.Type != api.OutputTypeNewRoomEvent || output.NewRoomEvent == nil {
		return true
	}
	ev := output.NewRoomEvent
	if ev.SendAsServer == api.DoNotSendToOtherServers {
		// The event came in over federation; the origin distributes it.
		return true
	}

	res := api.QueryMembershipsForRoomResponse{}
	if err := s.rsAPI.QueryMembershipsForRoom(s.ctx, &api.QueryMembershipsForRoomRequest{
		RoomID:     ev.RoomID,
		JoinedOnly: true,
	}, &res); err != nil {
		logrus.WithError(err).Error("roomserver output log: failed to get joined members")
		return false
	}

	var destinations []matrix.ServerName
	for _, membership := range res.Memberships {
		_, domain, err := matrix.SplitID('@', membership.UserID)
		if err != nil {
			continue
		}
		destinations = append(destinations, domain)
	}
	if len(destinations) == 0 {
		return true
	}

	if err := s.queues.SendEvent(json.RawMessage(ev.Event), matrix.ServerName(ev.SendAsServer), destinations); err != nil {
		logrus.WithError(err).Error("roomserver output log: failed to queue event for federation")
		return false
	}
	return true
}
