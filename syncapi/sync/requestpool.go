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

package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/syncapi/notifier"
	"github.com/element-hq/spire/syncapi/storage"
	"github.com/element-hq/spire/syncapi/types"
	userapi "github.com/element-hq/spire/userapi/api"
)

// RequestPool handles /sync requests.
type RequestPool struct {
	DB       *storage.Database
	Notifier *notifier.Notifier
	RSAPI    api.RoomserverInternalAPI
}

const defaultTimelineLimit = 20

// OnIncomingSyncRequest implements GET /_matrix/client/v3/sync
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	since, err := types.NewStreamTokenFromString(req.URL.Query().Get("since"))
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidArgumentValue(err.Error()),
		}
	}

	timeout := time.Duration(0)
	if timeoutStr := req.URL.Query().Get("timeout"); timeoutStr != "" {
		timeoutMS, err := strconv.ParseInt(timeoutStr, 10, 64)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: jsonerror.InvalidArgumentValue("timeout must be an integer"),
			}
		}
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	// Long-poll: wait for activity unless the notifier already has
	// something newer than the since token.
	currentToken := rp.Notifier.CurrentToken()
	if timeout > 0 && !currentToken.IsAfter(since) {
		currentToken = rp.Notifier.WaitForEvents(req.Context(), device.UserID, since, timeout)
	}

	res, err := rp.buildResponse(req, device, since, currentToken)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Failed to build sync response")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func (rp *RequestPool) buildResponse(
	req *http.Request,
	device *userapi.Device,
	since, current types.StreamingToken,
) (*types.Response, error) {
	ctx := req.Context()
	res := types.NewResponse(current)

	// Joined rooms get their timeline delta.
	joinedRes := api.QueryRoomsForUserResponse{}
	if err := rp.RSAPI.QueryRoomsForUser(ctx, &api.QueryRoomsForUserRequest{
		UserID:         device.UserID,
		WantMembership: matrix.Join,
	}, &joinedRes); err != nil {
		return nil, err
	}
	for _, roomID := range joinedRes.RoomIDs {
		join := types.JoinResponse{}
		join.State.Events = []json.RawMessage{}
		join.Timeline.Events = []json.RawMessage{}

		var events []types.OutputEvent
		var err error
		if since.PDUPosition == 0 {
			// Initial sync: current state plus recent timeline.
			stateRes := api.QueryLatestEventsAndStateResponse{}
			if err = rp.RSAPI.QueryLatestEventsAndState(ctx, &api.QueryLatestEventsAndStateRequest{
				RoomID: roomID,
			}, &stateRes); err != nil {
				return nil, err
			}
			for _, stateEvent := range stateRes.StateEvents {
				join.State.Events = append(join.State.Events, stateEvent.JSON())
			}
			events, err = rp.DB.RecentEvents(ctx, roomID, current.PDUPosition, defaultTimelineLimit)
		} else {
			events, err = rp.DB.EventsInRange(ctx, roomID, since.PDUPosition, current.PDUPosition)
		}
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			join.Timeline.Events = append(join.Timeline.Events, event.JSON)
		}
		join.Timeline.PrevBatch = since.String()

		// Ephemeral typing state for the room.
		if typingUsers := rp.Notifier.TypingUsers(roomID); len(typingUsers) > 0 {
			content, err := json.Marshal(map[string]interface{}{
				"type":    "m.typing",
				"content": map[string]interface{}{"user_ids": typingUsers},
			})
			if err == nil {
				join.Ephemeral.Events = append(join.Ephemeral.Events, content)
			}
		}

		if len(join.Timeline.Events) > 0 || len(join.State.Events) > 0 || len(join.Ephemeral.Events) > 0 {
			res.Rooms.Join[roomID] = join
		}
	}

	// Invites surface the stripped membership event.
	if err := rp.addMembershipSection(ctx, device.UserID, matrix.Invite, res); err != nil {
		return nil, err
	}
	// The user's own knocks surface similarly so the client can show the
	// pending state.
	if err := rp.addMembershipSection(ctx, device.UserID, matrix.Knock, res); err != nil {
		return nil, err
	}

	return res, nil
}

// addMembershipSection fills the invite/knock sections of the response with
// the user's pending memberships and a little stripped state for context.
func (rp *RequestPool) addMembershipSection(ctx context.Context, userID, membership string, res *types.Response) error {
	roomsRes := api.QueryRoomsForUserResponse{}
	if err := rp.RSAPI.QueryRoomsForUser(ctx, &api.QueryRoomsForUserRequest{
		UserID:         userID,
		WantMembership: membership,
	}, &roomsRes); err != nil {
		return err
	}
	for _, roomID := range roomsRes.RoomIDs {
		memberRes := api.QueryMembershipForUserResponse{}
		if err := rp.RSAPI.QueryMembershipForUser(ctx, &api.QueryMembershipForUserRequest{
			RoomID: roomID,
			UserID: userID,
		}, &memberRes); err != nil {
			return err
		}
		eventsRes := api.QueryEventsByIDResponse{}
		if err := rp.RSAPI.QueryEventsByID(ctx, &api.QueryEventsByIDRequest{
			EventIDs: []string{memberRes.EventID},
		}, &eventsRes); err != nil {
			return err
		}
		var stripped []json.RawMessage
		for _, event := range eventsRes.Events {
			stripped = append(stripped, event.JSON())
		}
		switch membership {
		case matrix.Invite:
			invite := types.InviteResponse{}
			invite.InviteState.Events = stripped
			res.Rooms.Invite[roomID] = invite
		case matrix.Knock:
			knock := types.KnockResponse{}
			knock.KnockState.Events = stripped
			res.Rooms.Knock[roomID] = knock
		}
	}
	return nil
}
