// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"fmt"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
)

// SetRoomAlias creates a local alias for a room.
func (p *Performer) SetRoomAlias(ctx context.Context, alias, roomID, userID string) error {
	_, domain, err := matrix.SplitID('#', alias)
	if err != nil {
		return err
	}
	if domain != p.Cfg.ServerName {
		return types.RejectedError(fmt.Sprintf("alias %q does not belong to this server", alias))
	}
	info, err := p.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNoExists
	}
	return p.DB.SetRoomAlias(ctx, alias, roomID, userID)
}

// RemoveRoomAlias deletes a local alias. Only the creator of the alias or
// a user who could redact in the room may remove it.
func (p *Performer) RemoveRoomAlias(ctx context.Context, alias, userID string) error {
	creator, err := p.DB.CreatorForAlias(ctx, alias)
	if err != nil {
		return err
	}
	if creator == "" {
		return types.ErrRoomNoExists
	}
	if creator != userID {
		roomID, err := p.DB.RoomIDForAlias(ctx, alias)
		if err != nil {
			return err
		}
		allowed, err := p.userCanRedact(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if !allowed {
			return types.RejectedError(fmt.Sprintf("%q is not allowed to remove alias %q", userID, alias))
		}
	}
	return p.DB.RemoveRoomAlias(ctx, alias)
}

// SetCanonicalAlias emits the m.room.canonical_alias state event for the
// room, which the auth rules gate on the sender's power level.
func (p *Performer) SetCanonicalAlias(ctx context.Context, roomID, userID, alias string) error {
	existing, err := p.DB.RoomIDForAlias(ctx, alias)
	if err != nil {
		return err
	}
	if existing != roomID {
		return types.RejectedError(fmt.Sprintf("alias %q does not point at room %q", alias, roomID))
	}
	builder := &matrix.EventBuilder{
		Sender:   userID,
		RoomID:   roomID,
		Type:     matrix.MRoomCanonicalAlias,
		StateKey: strPtr(""),
	}
	if err := builder.SetContent(map[string]interface{}{"alias": alias}); err != nil {
		return err
	}
	_, err = p.buildAndSend(ctx, builder)
	return err
}

func (p *Performer) userCanRedact(ctx context.Context, roomID, userID string) (bool, error) {
	plEvent, err := p.DB.CurrentStateEvent(ctx, roomID, matrix.MRoomPowerLevels, "")
	if err != nil || plEvent == nil {
		return false, err
	}
	pls, err := matrix.NewPowerLevelContentFromEvent(plEvent)
	if err != nil {
		return false, err
	}
	return pls.UserLevel(userID) >= pls.RedactLevel(), nil
}
