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

package input

import (
	"context"
	"fmt"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
)

// updateMembership refreshes the membership index after an accepted
// m.room.member event. The index carries the *resolved current* membership
// for the (user, room); historical transitions stay in the DAG.
func (r *Inputer) updateMembership(ctx context.Context, event *matrix.Event) error {
	targetUserID := *event.StateKey()

	// The index follows the resolved state, not the event itself: if the
	// room is forked, state resolution may have picked a different member
	// event for this slot.
	current, err := r.DB.CurrentStateEvent(ctx, event.RoomID(), matrix.MRoomMember, targetUserID)
	if err != nil {
		return fmt.Errorf("r.DB.CurrentStateEvent: %w", err)
	}
	if current == nil {
		// The event did not survive state resolution, so the index is
		// already correct.
		return nil
	}

	content, err := matrix.NewMemberContentFromEvent(current)
	if err != nil {
		return fmt.Errorf("matrix.NewMemberContentFromEvent: %w", err)
	}

	entry := types.MembershipEntry{
		RoomID:        current.RoomID(),
		UserID:        targetUserID,
		Membership:    content.Membership,
		DisplayName:   content.DisplayName,
		AvatarURL:     content.AvatarURL,
		Reason:        content.Reason,
		IsDirect:      content.IsDirect,
		AuthorisedVia: content.AuthorisedVia,
		EventID:       current.EventID(),
		UpdatedAt:     current.OriginServerTS(),
	}
	if content.Membership == matrix.Invite {
		entry.InvitedBy = current.Sender()
	}
	if content.ThirdPartyInvite != nil {
		entry.ThirdPartyInviteToken = content.ThirdPartyInvite.Signed.Token
	}

	return r.DB.UpsertMembership(ctx, entry)
}
