// Copyright 2019 Alex Chen
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

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/setup/config"
)

// MakeLeave implements GET /_matrix/federation/v1/make_leave/{roomID}/{userID}
func MakeLeave(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID, userID string,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	_, domain, err := matrix.SplitID('@', userID)
	if err != nil || domain != request.Origin() {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The leave must be requested by the user's server"),
		}
	}

	verRes := api.QueryRoomVersionForRoomResponse{}
	if err := rsAPI.QueryRoomVersionForRoom(httpReq.Context(), &api.QueryRoomVersionForRoomRequest{RoomID: roomID}, &verRes); err != nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}

	stateRes := api.QueryLatestEventsAndStateResponse{}
	if err := rsAPI.QueryLatestEventsAndState(httpReq.Context(), &api.QueryLatestEventsAndStateRequest{
		RoomID: roomID,
	}, &stateRes); err != nil || !stateRes.RoomExists {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}

	builder := matrix.EventBuilder{
		Sender:     userID,
		RoomID:     roomID,
		Type:       matrix.MRoomMember,
		StateKey:   &userID,
		PrevEvents: stateRes.LatestEventIDs,
		Depth:      stateRes.Depth,
	}
	if err := builder.SetContent(map[string]interface{}{"membership": matrix.Leave}); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("builder.SetContent failed")
		return jsonerror.InternalServerError()
	}
	needed, err := matrix.StateNeededForEventBuilder(&builder)
	if err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("StateNeededForEventBuilder failed")
		return jsonerror.InternalServerError()
	}
	var authEventIDs []string
	for _, tuple := range needed.Tuples() {
		for _, stateEvent := range stateRes.StateEvents {
			if stateEvent.Type() == tuple.EventType && stateEvent.StateKeyEquals(tuple.StateKey) {
				authEventIDs = append(authEventIDs, stateEvent.EventID())
			}
		}
	}
	builder.AuthEvents = authEventIDs

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespMakeLeave{
			LeaveEvent:  builder,
			RoomVersion: verRes.RoomVersion,
		},
	}
}

// SendLeave implements PUT /_matrix/federation/v2/send_leave/{roomID}/{eventID}
func SendLeave(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID, eventID string,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
	keys matrix.JSONVerifier,
) util.JSONResponse {
	verRes := api.QueryRoomVersionForRoomResponse{}
	if err := rsAPI.QueryRoomVersionForRoom(httpReq.Context(), &api.QueryRoomVersionForRoomRequest{RoomID: roomID}, &verRes); err != nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}

	event, err := matrix.NewEventFromUntrustedJSON(request.Content(), verRes.RoomVersion)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The leave event is invalid: " + err.Error()),
		}
	}
	if event.RoomID() != roomID || event.EventID() != eventID {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The room ID or event ID in the request path must match the event"),
		}
	}
	if membership, merr := event.Membership(); merr != nil || membership != matrix.Leave {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The event must be a leave m.room.member event"),
		}
	}
	if event.StateKey() == nil || *event.StateKey() != event.Sender() {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The state key must match the sender"),
		}
	}
	if err = matrix.VerifyAllEventSignatures(httpReq.Context(), []*matrix.Event{event}, keys); err != nil {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The leave must be signed by the leaving server"),
		}
	}

	signedEvent := event.Sign(string(cfg.ServerName), cfg.KeyID, cfg.PrivateKey)

	res := api.InputRoomEventsResponse{}
	rsAPI.InputRoomEvents(httpReq.Context(), &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind:         api.KindNew,
			Event:        signedEvent,
			Origin:       request.Origin(),
			SendAsServer: string(cfg.ServerName),
		}},
	}, &res)
	if err := res.Err(); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Warn("Rejected federated leave")
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The leave was not allowed: " + err.Error()),
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
