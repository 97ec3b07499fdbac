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
	"encoding/json"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/setup/config"
)

// MakeJoin implements GET /_matrix/federation/v1/make_join/{roomID}/{userID}
func MakeJoin(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID, userID string,
	remoteVersions []matrix.RoomVersion,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	verRes := api.QueryRoomVersionForRoomResponse{}
	if err := rsAPI.QueryRoomVersionForRoom(httpReq.Context(), &api.QueryRoomVersionForRoomRequest{RoomID: roomID}, &verRes); err != nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}

	// Check that the room version is supported by the remote server, or it
	// will not be able to validate the event we give it.
	remoteSupports := false
	for _, v := range remoteVersions {
		if v == verRes.RoomVersion {
			remoteSupports = true
			break
		}
	}
	if !remoteSupports {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.IncompatibleRoomVersion(string(verRes.RoomVersion)),
		}
	}

	_, domain, err := matrix.SplitID('@', userID)
	if err != nil || domain != request.Origin() {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The join must be requested by the user's server"),
		}
	}

	// Build a template join event at the current tips of the room.
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
	if err := builder.SetContent(map[string]interface{}{"membership": matrix.Join}); err != nil {
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
		JSON: matrix.RespMakeJoin{
			JoinEvent:   builder,
			RoomVersion: verRes.RoomVersion,
		},
	}
}

// SendJoin implements PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}
func SendJoin(
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
			JSON: jsonerror.BadJSON("The join event is invalid: " + err.Error()),
		}
	}
	if event.RoomID() != roomID || event.EventID() != eventID {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The room ID or event ID in the request path must match the event"),
		}
	}
	if membership, merr := event.Membership(); merr != nil || membership != matrix.Join {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The event must be a join m.room.member event"),
		}
	}
	if err = matrix.VerifyAllEventSignatures(httpReq.Context(), []*matrix.Event{event}, keys); err != nil {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The join must be signed by the joining server"),
		}
	}

	// Sign the event with our key as the resident server before accepting
	// it into the DAG.
	signedEvent := event.Sign(string(cfg.ServerName), cfg.KeyID, cfg.PrivateKey)

	// Collect the state and auth chain to hand back before we accept the
	// join, so that the response reflects the state before the event.
	stateRes := api.QueryLatestEventsAndStateResponse{}
	if err := rsAPI.QueryLatestEventsAndState(httpReq.Context(), &api.QueryLatestEventsAndStateRequest{
		RoomID: roomID,
	}, &stateRes); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("QueryLatestEventsAndState failed")
		return jsonerror.InternalServerError()
	}
	stateEvents := make([]json.RawMessage, 0, len(stateRes.StateEvents))
	var authChainIDs []string
	for _, stateEvent := range stateRes.StateEvents {
		stateEvents = append(stateEvents, stateEvent.JSON())
		authChainIDs = append(authChainIDs, stateEvent.AuthEventIDs()...)
	}
	authChain := collectAuthChain(httpReq, rsAPI, authChainIDs)

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
		util.GetLogger(httpReq.Context()).WithError(err).Warn("Rejected federated join")
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The join was not allowed: " + err.Error()),
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespSendJoin{
			StateEvents: stateEvents,
			AuthEvents:  authChain,
			Event:       signedEvent.JSON(),
			Origin:      cfg.ServerName,
		},
	}
}

// collectAuthChain expands the given event IDs into the full auth chain as
// raw JSON events.
func collectAuthChain(httpReq *http.Request, rsAPI api.RoomserverInternalAPI, seedIDs []string) []json.RawMessage {
	visited := map[string]bool{}
	var chain []json.RawMessage
	frontier := seedIDs
	for len(frontier) > 0 {
		res := api.QueryEventsByIDResponse{}
		if err := rsAPI.QueryEventsByID(httpReq.Context(), &api.QueryEventsByIDRequest{EventIDs: frontier}, &res); err != nil {
			return chain
		}
		frontier = nil
		for _, event := range res.Events {
			if visited[event.EventID()] {
				continue
			}
			visited[event.EventID()] = true
			chain = append(chain, event.JSON())
			frontier = append(frontier, event.AuthEventIDs()...)
		}
	}
	return chain
}
