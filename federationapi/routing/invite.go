// Copyright 2018 New Vector Ltd
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
	"encoding/json"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/setup/config"
)

// InviteV2 implements PUT /_matrix/federation/v2/invite/{roomID}/{eventID}
// and the v1 variant. A remote server is asking us to countersign an invite
// for one of our users.
func InviteV2(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID, eventID string,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
	keys matrix.JSONVerifier,
) util.JSONResponse {
	var inviteReq struct {
		Event       json.RawMessage    `json:"event"`
		RoomVersion matrix.RoomVersion `json:"room_version"`
	}
	if err := json.Unmarshal(request.Content(), &inviteReq); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.NotJSON("The request body could not be decoded into an invite request. " + err.Error()),
		}
	}
	if inviteReq.RoomVersion == "" {
		inviteReq.RoomVersion = matrix.DefaultRoomVersion
	}
	if !inviteReq.RoomVersion.Supported() {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.UnsupportedRoomVersion("Room version not supported"),
		}
	}

	event, err := matrix.NewEventFromUntrustedJSON(inviteReq.Event, inviteReq.RoomVersion)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The invite event is invalid: " + err.Error()),
		}
	}

	// Check that the event is signed by the server sending the request.
	if err = matrix.VerifyAllEventSignatures(httpReq.Context(), []*matrix.Event{event}, keys); err != nil {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The invite must be signed by the server it originated on"),
		}
	}

	// Sanity check the event against the URL parameters.
	if event.RoomID() != roomID || event.EventID() != eventID {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The room ID or event ID in the request path must match the event"),
		}
	}
	if event.Type() != matrix.MRoomMember || event.StateKey() == nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The invite event must be an m.room.member event with a state key"),
		}
	}
	if membership, merr := event.Membership(); merr != nil || membership != matrix.Invite {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The invite event must have membership 'invite'"),
		}
	}
	_, domain, err := matrix.SplitID('@', *event.StateKey())
	if err != nil || domain != cfg.ServerName {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidParam("The invited user is not from this server"),
		}
	}

	// Countersign the event with our key so that the invited user can prove
	// they were invited.
	signedEvent := event.Sign(string(cfg.ServerName), cfg.KeyID, cfg.PrivateKey)

	// Record the invite. The membership index is refreshed so that the
	// invite shows up for the invited user; resubmitting the same invite is
	// idempotent because the pipeline drops already-stored events.
	res := api.InputRoomEventsResponse{}
	rsAPI.InputRoomEvents(httpReq.Context(), &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind:   api.KindOutlier,
			Event:  signedEvent,
			Origin: request.Origin(),
		}},
	}, &res)
	if err := res.Err(); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("InputRoomEvents failed for invite")
		return jsonerror.InternalServerError()
	}

	// The membership index must reflect the invite for the local user even
	// though the room's state is not resolved locally.
	if err := rsAPI.UpsertFederatedInvite(httpReq.Context(), signedEvent); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("UpsertFederatedInvite failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespInvite{Event: signedEvent.JSON()},
	}
}
