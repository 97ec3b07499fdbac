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

package routing

import (
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/internalapi/perform"
	"github.com/element-hq/spire/roomserver/types"
	userapi "github.com/element-hq/spire/userapi/api"
)

type membershipRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// SendMembership implements:
//
//	POST /_matrix/client/v3/rooms/{roomID}/invite
//	POST /_matrix/client/v3/rooms/{roomID}/kick
//	POST /_matrix/client/v3/rooms/{roomID}/ban
//	POST /_matrix/client/v3/rooms/{roomID}/unban
//	POST /_matrix/client/v3/rooms/{roomID}/leave
//	POST /_matrix/client/v3/rooms/{roomID}/forget (accepted as leave)
func SendMembership(
	req *http.Request,
	device *userapi.Device,
	roomID, membership string,
	performer *perform.Performer,
) util.JSONResponse {
	var body membershipRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}

	if membership != "leave" && body.UserID == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("'user_id' must be supplied."),
		}
	}

	var err error
	switch membership {
	case "invite":
		err = performer.Invite(req.Context(), &perform.InviteRequest{
			RoomID:  roomID,
			Inviter: device.UserID,
			Invitee: body.UserID,
			Reason:  body.Reason,
		})
	case "kick":
		err = performer.Kick(req.Context(), &perform.MembershipRequest{
			RoomID: roomID,
			Sender: device.UserID,
			Target: body.UserID,
			Reason: body.Reason,
		})
	case "ban":
		err = performer.Ban(req.Context(), &perform.MembershipRequest{
			RoomID: roomID,
			Sender: device.UserID,
			Target: body.UserID,
			Reason: body.Reason,
		})
	case "unban":
		err = performer.Unban(req.Context(), &perform.MembershipRequest{
			RoomID: roomID,
			Sender: device.UserID,
			Target: body.UserID,
			Reason: body.Reason,
		})
	case "leave":
		err = performer.Leave(req.Context(), &perform.MembershipRequest{
			RoomID: roomID,
			Sender: device.UserID,
			Reason: body.Reason,
		})
	default:
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Unknown membership change"),
		}
	}
	if err != nil {
		return *membershipError(req, err)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

// JoinRoomByIDOrAlias implements POST /_matrix/client/v3/join/{roomIDOrAlias}
func JoinRoomByIDOrAlias(
	req *http.Request,
	device *userapi.Device,
	roomIDOrAlias string,
	rsAPI api.RoomserverInternalAPI,
	performer *perform.Performer,
) util.JSONResponse {
	roomID, resErr := resolveRoomIDOrAlias(req, roomIDOrAlias, rsAPI)
	if resErr != nil {
		return *resErr
	}

	var body membershipRequest
	// The join endpoint has an optional body carrying a reason.
	_ = httputil.UnmarshalJSONRequest(req, &body)

	if err := performer.Join(req.Context(), &perform.MembershipRequest{
		RoomID: roomID,
		Sender: device.UserID,
		Reason: body.Reason,
	}); err != nil {
		return *membershipError(req, err)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			RoomID string `json:"room_id"`
		}{roomID},
	}
}

// KnockRoomByIDOrAlias implements POST /_matrix/client/v3/knock/{roomIDOrAlias}
func KnockRoomByIDOrAlias(
	req *http.Request,
	device *userapi.Device,
	roomIDOrAlias string,
	rsAPI api.RoomserverInternalAPI,
	performer *perform.Performer,
) util.JSONResponse {
	roomID, resErr := resolveRoomIDOrAlias(req, roomIDOrAlias, rsAPI)
	if resErr != nil {
		return *resErr
	}

	var body membershipRequest
	_ = httputil.UnmarshalJSONRequest(req, &body)

	if err := performer.Knock(req.Context(), &perform.MembershipRequest{
		RoomID: roomID,
		Sender: device.UserID,
		Reason: body.Reason,
	}); err != nil {
		return *membershipError(req, err)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			RoomID string `json:"room_id"`
		}{roomID},
	}
}

func resolveRoomIDOrAlias(req *http.Request, roomIDOrAlias string, rsAPI api.RoomserverInternalAPI) (string, *util.JSONResponse) {
	if len(roomIDOrAlias) == 0 {
		return "", &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("Invalid room ID or alias"),
		}
	}
	switch roomIDOrAlias[0] {
	case '!':
		return roomIDOrAlias, nil
	case '#':
		roomID, err := rsAPI.GetRoomIDForAlias(req.Context(), roomIDOrAlias)
		if err != nil {
			util.GetLogger(req.Context()).WithError(err).Error("GetRoomIDForAlias failed")
			resp := jsonerror.InternalServerError()
			return "", &resp
		}
		if roomID == "" {
			return "", &util.JSONResponse{
				Code: http.StatusNotFound,
				JSON: jsonerror.NotFound("Room alias not found"),
			}
		}
		return roomID, nil
	default:
		return "", &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("Invalid room ID or alias"),
		}
	}
}

func membershipError(req *http.Request, err error) *util.JSONResponse {
	switch err.(type) {
	case types.RejectedError, *matrix.NotAllowed:
		return &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden(err.Error()),
		}
	}
	if err == types.ErrRoomNoExists {
		return &util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}
	util.GetLogger(req.Context()).WithError(err).Error("Membership change failed")
	resp := jsonerror.InternalServerError()
	return &resp
}
