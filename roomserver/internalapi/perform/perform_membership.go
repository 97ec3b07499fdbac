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

// InviteRequest is a request to invite a user to a room.
type InviteRequest struct {
	RoomID   string
	Inviter  string
	Invitee  string
	Reason   string
	IsDirect bool
	// Filled in for invites completing a third-party invite.
	ThirdPartyInvite *matrix.MemberThirdPartyInvite
}

// Invite invites a user to a room. If the invitee is on a remote server,
// the invite event is sent to that server for countersigning before being
// accepted into the DAG.
func (p *Performer) Invite(ctx context.Context, req *InviteRequest) error {
	content := map[string]interface{}{
		"membership": matrix.Invite,
	}
	if req.Reason != "" {
		content["reason"] = req.Reason
	}
	if req.IsDirect {
		content["is_direct"] = true
	}
	if req.ThirdPartyInvite != nil {
		content["third_party_invite"] = req.ThirdPartyInvite
	}

	builder := &matrix.EventBuilder{
		Sender:   req.Inviter,
		RoomID:   req.RoomID,
		Type:     matrix.MRoomMember,
		StateKey: strPtr(req.Invitee),
	}
	if err := builder.SetContent(content); err != nil {
		return err
	}

	event, err := p.buildEvent(ctx, builder)
	if err != nil {
		return err
	}

	_, inviteeDomain, err := matrix.SplitID('@', req.Invitee)
	if err != nil {
		return err
	}
	if inviteeDomain != p.Cfg.ServerName && p.FedClient != nil {
		// The invitee's server must countersign the invite so that the
		// invitee can prove it was really invited.
		res, err := p.FedClient.SendInvite(ctx, inviteeDomain, event.RoomID(), event.EventID(), map[string]interface{}{
			"event":             matrix.RawJSON(event.JSON()),
			"room_version":      event.Version(),
			"invite_room_state": []struct{}{},
		})
		if err != nil {
			return fmt.Errorf("SendInvite: %w", err)
		}
		signed, err := matrix.NewEventFromUntrustedJSON(res.Event, event.Version())
		if err != nil {
			return fmt.Errorf("invalid countersigned invite: %w", err)
		}
		event = signed
	}

	return p.sendEvents(ctx, []*matrix.Event{event}, "")
}

// MembershipRequest is a request for a simple membership transition.
type MembershipRequest struct {
	RoomID string
	// The user performing the change.
	Sender string
	// The user whose membership changes.
	Target string
	Reason string
}

// Leave makes the sender leave the room, either by rejecting an invite,
// retracting a knock or leaving outright.
func (p *Performer) Leave(ctx context.Context, req *MembershipRequest) error {
	return p.memberEvent(ctx, req.RoomID, req.Sender, req.Sender, matrix.Leave, req.Reason)
}

// Kick removes the target from the room. The auth rules enforce the kick
// power level.
func (p *Performer) Kick(ctx context.Context, req *MembershipRequest) error {
	return p.memberEvent(ctx, req.RoomID, req.Sender, req.Target, matrix.Leave, req.Reason)
}

// Ban bans the target from the room.
func (p *Performer) Ban(ctx context.Context, req *MembershipRequest) error {
	return p.memberEvent(ctx, req.RoomID, req.Sender, req.Target, matrix.Ban, req.Reason)
}

// Unban lifts a ban, leaving the target in the leave state.
func (p *Performer) Unban(ctx context.Context, req *MembershipRequest) error {
	membership, err := p.DB.Membership(ctx, req.RoomID, req.Target)
	if err != nil {
		return err
	}
	if membership == nil || membership.Membership != matrix.Ban {
		return types.RejectedError(fmt.Sprintf("%q is not banned from %q", req.Target, req.RoomID))
	}
	return p.memberEvent(ctx, req.RoomID, req.Sender, req.Target, matrix.Leave, req.Reason)
}

// Join makes the sender join a local room. Remote joins go through the
// federated join handshake instead.
func (p *Performer) Join(ctx context.Context, req *MembershipRequest) error {
	info, err := p.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNoExists
	}
	return p.memberEvent(ctx, req.RoomID, req.Sender, req.Sender, matrix.Join, req.Reason)
}

// Knock makes the sender knock on a room with join rule "knock". The
// knock surfaces to the room's moderators, who can then invite.
func (p *Performer) Knock(ctx context.Context, req *MembershipRequest) error {
	info, err := p.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if info == nil {
		return types.ErrRoomNoExists
	}
	allowed, err := info.RoomVersion.AllowKnocking()
	if err != nil {
		return err
	}
	if !allowed {
		return types.RejectedError(fmt.Sprintf("room version %q does not support knocking", info.RoomVersion))
	}
	return p.memberEvent(ctx, req.RoomID, req.Sender, req.Sender, matrix.Knock, req.Reason)
}

func (p *Performer) memberEvent(ctx context.Context, roomID, sender, target, membership, reason string) error {
	content := map[string]interface{}{
		"membership": membership,
	}
	if reason != "" {
		content["reason"] = reason
	}
	builder := &matrix.EventBuilder{
		Sender:   sender,
		RoomID:   roomID,
		Type:     matrix.MRoomMember,
		StateKey: strPtr(target),
	}
	if err := builder.SetContent(content); err != nil {
		return err
	}
	_, err := p.buildAndSend(ctx, builder)
	return err
}
