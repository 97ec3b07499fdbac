// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/internal/fulltext"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	userapi "github.com/element-hq/spire/userapi/api"
)

type searchRequest struct {
	SearchCategories struct {
		RoomEvents struct {
			SearchTerm string   `json:"search_term"`
			Keys       []string `json:"keys"`
			Filter     struct {
				Rooms []string `json:"rooms"`
				Limit int      `json:"limit"`
			} `json:"filter"`
			OrderBy string `json:"order_by"`
		} `json:"room_events"`
	} `json:"search_categories"`
}

type searchResult struct {
	Rank   float64        `json:"rank"`
	Result matrix.RawJSON `json:"result"`
}

type searchResponse struct {
	SearchCategories struct {
		RoomEvents struct {
			Count   int            `json:"count"`
			Results []searchResult `json:"results"`
		} `json:"room_events"`
	} `json:"search_categories"`
}

// Search implements POST /_matrix/client/v3/search
func Search(
	req *http.Request,
	device *userapi.Device,
	fts *fulltext.Search,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	if fts == nil {
		return util.JSONResponse{
			Code: http.StatusNotImplemented,
			JSON: jsonerror.Unrecognized("Search has been disabled by the server administrator."),
		}
	}

	var body searchRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}
	roomEvents := body.SearchCategories.RoomEvents
	if roomEvents.SearchTerm == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("Missing search term"),
		}
	}

	// Only search rooms the user is joined to.
	joinedRes := api.QueryRoomsForUserResponse{}
	if err := rsAPI.QueryRoomsForUser(req.Context(), &api.QueryRoomsForUserRequest{
		UserID:         device.UserID,
		WantMembership: matrix.Join,
	}, &joinedRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryRoomsForUser failed")
		return jsonerror.InternalServerError()
	}
	joined := map[string]bool{}
	for _, roomID := range joinedRes.RoomIDs {
		joined[roomID] = true
	}
	searchRooms := roomEvents.Filter.Rooms
	if len(searchRooms) == 0 {
		searchRooms = joinedRes.RoomIDs
	} else {
		filtered := searchRooms[:0]
		for _, roomID := range searchRooms {
			if joined[roomID] {
				filtered = append(filtered, roomID)
			}
		}
		searchRooms = filtered
	}

	limit := roomEvents.Filter.Limit
	if limit == 0 {
		limit = 10
	}

	result, err := fts.Search(
		roomEvents.SearchTerm, searchRooms, roomEvents.Keys,
		limit, 0, roomEvents.OrderBy == "recent",
	)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("fulltext search failed")
		return jsonerror.InternalServerError()
	}

	var eventIDs []string
	rank := map[string]float64{}
	for _, hit := range result.Hits {
		eventIDs = append(eventIDs, hit.ID)
		rank[hit.ID] = hit.Score
	}
	eventsRes := api.QueryEventsByIDResponse{}
	if err := rsAPI.QueryEventsByID(req.Context(), &api.QueryEventsByIDRequest{EventIDs: eventIDs}, &eventsRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryEventsByID failed")
		return jsonerror.InternalServerError()
	}

	res := searchResponse{}
	res.SearchCategories.RoomEvents.Results = []searchResult{}
	for _, event := range eventsRes.Events {
		res.SearchCategories.RoomEvents.Results = append(res.SearchCategories.RoomEvents.Results, searchResult{
			Rank:   rank[event.EventID()],
			Result: matrix.RawJSON(event.JSON()),
		})
	}
	res.SearchCategories.RoomEvents.Count = int(result.Total)

	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}
