// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
)

// CreateRoomRequest is the information needed to create a room.
type CreateRoomRequest struct {
	Creator       string
	RoomVersion   matrix.RoomVersion
	Name          string
	Topic         string
	RoomAliasName string
	IsPublic      bool
	Invites       []string
	IsDirect      bool
	// Extra initial state events: {type, state_key} -> content.
	InitialState map[matrix.StateKeyTuple]interface{}
	// The power level content override from the client, if any.
	PowerLevelContentOverride map[string]interface{}
}

// CreateRoom creates a room: the create event, the creator's join, the
// power levels, the join rules, then any name/topic/initial state, then the
// invites. The creator gets power level 100.
func (p *Performer) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*types.RoomInfo, error) {
	roomVersion := req.RoomVersion
	if roomVersion == "" {
		roomVersion = matrix.DefaultRoomVersion
	}
	if !roomVersion.Supported() {
		return nil, matrix.UnsupportedRoomVersionError{Version: roomVersion}
	}
	roomID := fmt.Sprintf("!%s:%s", util.RandomString(16), p.Cfg.ServerName)

	visibility := types.VisibilityPrivate
	joinRule := matrix.JoinRuleInvite
	if req.IsPublic {
		visibility = types.VisibilityPublic
		joinRule = matrix.JoinRulePublic
	}

	info := types.RoomInfo{
		RoomID:      roomID,
		RoomVersion: roomVersion,
		Creator:     req.Creator,
		Visibility:  visibility,
		CreatedAt:   matrix.AsTimestamp(time.Now()),
	}
	if err := p.DB.InsertRoomInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("p.DB.InsertRoomInfo: %w", err)
	}
	if req.IsPublic {
		if err := p.DB.PublishRoom(ctx, roomID, true); err != nil {
			return nil, fmt.Errorf("p.DB.PublishRoom: %w", err)
		}
	}

	// The creation events are built strictly in order; each one selects
	// its auth events from the state accumulated so far.
	type stateToBuild struct {
		eventType string
		stateKey  string
		content   interface{}
	}
	builds := []stateToBuild{
		{matrix.MRoomCreate, "", map[string]interface{}{
			"creator":      req.Creator,
			"room_version": string(roomVersion),
		}},
		{matrix.MRoomMember, req.Creator, map[string]interface{}{
			"membership": matrix.Join,
		}},
		{matrix.MRoomPowerLevels, "", p.powerLevelsContent(req)},
		{matrix.MRoomJoinRules, "", map[string]interface{}{
			"join_rule": joinRule,
		}},
	}
	if req.Name != "" {
		builds = append(builds, stateToBuild{matrix.MRoomName, "", map[string]interface{}{
			"name": req.Name,
		}})
	}
	if req.Topic != "" {
		builds = append(builds, stateToBuild{matrix.MRoomTopic, "", map[string]interface{}{
			"topic": req.Topic,
		}})
	}
	for tuple, content := range req.InitialState {
		builds = append(builds, stateToBuild{tuple.EventType, tuple.StateKey, content})
	}

	for _, b := range builds {
		builder := &matrix.EventBuilder{
			Sender:   req.Creator,
			RoomID:   roomID,
			Type:     b.eventType,
			StateKey: strPtr(b.stateKey),
		}
		if err := builder.SetContent(b.content); err != nil {
			return nil, err
		}
		if _, err := p.buildAndSend(ctx, builder); err != nil {
			return nil, fmt.Errorf("creating %s: %w", b.eventType, err)
		}
	}

	if req.RoomAliasName != "" {
		alias := fmt.Sprintf("#%s:%s", req.RoomAliasName, p.Cfg.ServerName)
		if err := p.DB.SetRoomAlias(ctx, alias, roomID, req.Creator); err != nil {
			return nil, err
		}
		builder := &matrix.EventBuilder{
			Sender:   req.Creator,
			RoomID:   roomID,
			Type:     matrix.MRoomCanonicalAlias,
			StateKey: strPtr(""),
		}
		if err := builder.SetContent(map[string]interface{}{"alias": alias}); err != nil {
			return nil, err
		}
		if _, err := p.buildAndSend(ctx, builder); err != nil {
			return nil, err
		}
	}

	for _, invitee := range req.Invites {
		if err := p.Invite(ctx, &InviteRequest{
			RoomID:   roomID,
			Inviter:  req.Creator,
			Invitee:  invitee,
			IsDirect: req.IsDirect,
		}); err != nil {
			// A failed invite does not undo the room creation.
			util.GetLogger(ctx).WithError(err).WithField("invitee", invitee).Warn("Failed to invite user to new room")
		}
	}

	created, err := p.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (p *Performer) powerLevelsContent(req *CreateRoomRequest) map[string]interface{} {
	if req.PowerLevelContentOverride != nil {
		if _, ok := req.PowerLevelContentOverride["users"]; !ok {
			req.PowerLevelContentOverride["users"] = map[string]interface{}{req.Creator: 100}
		}
		return req.PowerLevelContentOverride
	}
	return map[string]interface{}{
		"users":          map[string]interface{}{req.Creator: 100},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
		"events": map[string]interface{}{
			matrix.MRoomName:              50,
			matrix.MRoomPowerLevels:       100,
			matrix.MRoomHistoryVisibility: 100,
			matrix.MRoomCanonicalAlias:    50,
		},
	}
}
