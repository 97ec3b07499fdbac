// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"

	natsclient "github.com/nats-io/nats.go"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/internalapi/input"
	"github.com/element-hq/spire/roomserver/internalapi/perform"
	"github.com/element-hq/spire/roomserver/storage"
	"github.com/element-hq/spire/roomserver/types"
	"github.com/element-hq/spire/setup/config"
)

// RoomserverInternalAPI is the concrete implementation of the roomserver
// API: the input pipeline, the perform operations and the queries, sharing
// one database.
type RoomserverInternalAPI struct {
	*input.Inputer
	*perform.Performer
	DB  storage.Database
	Cfg *config.Spire
}

// NewRoomserverAPI creates the roomserver component.
func NewRoomserverAPI(
	cfg *config.Spire,
	db storage.Database,
	keys matrix.JSONVerifier,
	fedClient *matrix.FederationClient,
	js natsclient.JetStreamContext,
) *RoomserverInternalAPI {
	inputer := input.NewInputer(
		&cfg.RoomServer, db, keys, fedClient, js,
		cfg.Global.JetStream.Prefixed("OutputRoomEvent"),
	)
	performer := &perform.Performer{
		Cfg:       &cfg.Global,
		DB:        db,
		Inputer:   inputer,
		FedClient: fedClient,
	}
	return &RoomserverInternalAPI{
		Inputer:   inputer,
		Performer: performer,
		DB:        db,
		Cfg:       cfg,
	}
}

// QueryLatestEventsAndState implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) QueryLatestEventsAndState(
	ctx context.Context,
	req *api.QueryLatestEventsAndStateRequest,
	res *api.QueryLatestEventsAndStateResponse,
) error {
	info, err := r.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		res.RoomExists = false
		return nil
	}
	res.RoomExists = true
	res.RoomVersion = info.RoomVersion
	latest, depth, err := r.DB.LatestEventIDs(ctx, req.RoomID)
	if err != nil {
		return err
	}
	res.LatestEventIDs = latest
	res.Depth = depth + 1
	res.StateEvents, err = r.DB.CurrentState(ctx, req.RoomID, req.StateToFetch)
	return err
}

// QueryEventsByID implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) QueryEventsByID(
	ctx context.Context,
	req *api.QueryEventsByIDRequest,
	res *api.QueryEventsByIDResponse,
) error {
	events, err := r.DB.Events(ctx, req.EventIDs)
	if err != nil {
		return err
	}
	res.Events = events
	return nil
}

// QueryRoomVersionForRoom implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) QueryRoomVersionForRoom(
	ctx context.Context,
	req *api.QueryRoomVersionForRoomRequest,
	res *api.QueryRoomVersionForRoomResponse,
) error {
	info, err := r.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNoExists
	}
	res.RoomVersion = info.RoomVersion
	return nil
}

// QueryMembershipForUser implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) QueryMembershipForUser(
	ctx context.Context,
	req *api.QueryMembershipForUserRequest,
	res *api.QueryMembershipForUserResponse,
) error {
	info, err := r.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	res.RoomExists = info != nil
	membership, err := r.DB.Membership(ctx, req.RoomID, req.UserID)
	if err != nil {
		return err
	}
	if membership == nil {
		return nil
	}
	res.Membership = membership.Membership
	res.EventID = membership.EventID
	res.IsInRoom = membership.Membership == matrix.Join
	return nil
}

// QueryMembershipsForRoom implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) QueryMembershipsForRoom(
	ctx context.Context,
	req *api.QueryMembershipsForRoomRequest,
	res *api.QueryMembershipsForRoomResponse,
) error {
	memberships, err := r.DB.MembershipsForRoom(ctx, req.RoomID, req.JoinedOnly)
	if err != nil {
		return err
	}
	res.Memberships = memberships
	return nil
}

// QueryRoomsForUser implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) QueryRoomsForUser(
	ctx context.Context,
	req *api.QueryRoomsForUserRequest,
	res *api.QueryRoomsForUserResponse,
) error {
	roomIDs, err := r.DB.RoomsForUser(ctx, req.UserID, req.WantMembership)
	if err != nil {
		return err
	}
	res.RoomIDs = roomIDs
	return nil
}

// QueryPublishedRooms implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) QueryPublishedRooms(
	ctx context.Context,
	req *api.QueryPublishedRoomsRequest,
	res *api.QueryPublishedRoomsResponse,
) error {
	roomIDs, err := r.DB.PublishedRooms(ctx)
	if err != nil {
		return err
	}
	res.RoomIDs = roomIDs
	return nil
}

// QueryBackfill implements api.RoomserverInternalAPI. Soft-failed events
// are returned here: backfill is the one read path where they surface.
func (r *RoomserverInternalAPI) QueryBackfill(
	ctx context.Context,
	req *api.QueryBackfillRequest,
	res *api.QueryBackfillResponse,
) error {
	events, err := r.DB.BackfillEvents(ctx, req.RoomID, req.PrevEventIDs, req.Limit)
	if err != nil {
		return err
	}
	res.Events = events
	return nil
}

// UpsertFederatedInvite implements api.RoomserverInternalAPI. It records an
// invite for a local user in a room whose state is not resolved locally, so
// that the invite is visible in the membership index and to /sync.
func (r *RoomserverInternalAPI) UpsertFederatedInvite(ctx context.Context, event *matrix.Event) error {
	if event.StateKey() == nil {
		return types.RejectedError("invite event must have a state key")
	}
	content, err := matrix.NewMemberContentFromEvent(event)
	if err != nil {
		return err
	}
	entry := types.MembershipEntry{
		RoomID:      event.RoomID(),
		UserID:      *event.StateKey(),
		Membership:  content.Membership,
		DisplayName: content.DisplayName,
		AvatarURL:   content.AvatarURL,
		Reason:      content.Reason,
		IsDirect:    content.IsDirect,
		InvitedBy:   event.Sender(),
		EventID:     event.EventID(),
		UpdatedAt:   event.OriginServerTS(),
	}
	if content.ThirdPartyInvite != nil {
		entry.ThirdPartyInviteToken = content.ThirdPartyInvite.Signed.Token
	}
	return r.DB.UpsertMembership(ctx, entry)
}

// GetRoomIDForAlias implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) GetRoomIDForAlias(ctx context.Context, alias string) (string, error) {
	return r.DB.RoomIDForAlias(ctx, alias)
}

// GetAliasesForRoomID implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) GetAliasesForRoomID(ctx context.Context, roomID string) ([]string, error) {
	return r.DB.AliasesForRoomID(ctx, roomID)
}

// SetRoomAlias implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) SetRoomAlias(ctx context.Context, alias, roomID, userID string) error {
	return r.Performer.SetRoomAlias(ctx, alias, roomID, userID)
}

// RemoveRoomAlias implements api.RoomserverInternalAPI.
func (r *RoomserverInternalAPI) RemoveRoomAlias(ctx context.Context, alias, userID string) error {
	return r.Performer.RemoveRoomAlias(ctx, alias, userID)
}
