// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/syncapi/notifier"
)

// EDUProducer feeds typing and receipt EDUs into the sync notifier. It is
// handed to the federation receiver.
type EDUProducer struct {
	Notifier *notifier.Notifier
	RSAPI    api.RoomserverInternalAPI
}

// SendTyping implements the federation receiver's EDU producer contract.
func (p *EDUProducer) SendTyping(ctx context.Context, userID, roomID string, typing bool, timeoutMS int64) error {
	p.Notifier.OnNewTyping(roomID, userID, typing, p.joinedUsers(ctx, roomID))
	return nil
}

// SendReceipt implements the federation receiver's EDU producer contract.
func (p *EDUProducer) SendReceipt(ctx context.Context, userID, roomID, eventID, receiptType string, timestamp matrix.Timestamp) error {
	p.Notifier.OnNewReceipt(p.joinedUsers(ctx, roomID))
	return nil
}

func (p *EDUProducer) joinedUsers(ctx context.Context, roomID string) []string {
	res := api.QueryMembershipsForRoomResponse{}
	if err := p.RSAPI.QueryMembershipsForRoom(ctx, &api.QueryMembershipsForRoomRequest{
		RoomID:     roomID,
		JoinedOnly: true,
	}, &res); err != nil {
		return nil
	}
	users := make([]string, 0, len(res.Memberships))
	for _, membership := range res.Memberships {
		users = append(users, membership.UserID)
	}
	return users
}
