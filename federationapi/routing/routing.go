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

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/spire/internal/httputil"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/setup/config"
)

// Setup registers the federation API HTTP routes on the given router.
func Setup(
	fedMux, keyMux *mux.Router,
	cfg *config.Spire,
	rsAPI api.RoomserverInternalAPI,
	eduProducer EDUProducer,
	keys matrix.JSONVerifier,
) {
	v1fedmux := fedMux.PathPrefix("/v1").Subrouter()
	v2fedmux := fedMux.PathPrefix("/v2").Subrouter()

	serverName := cfg.Global.ServerName

	v1fedmux.Handle("/send/{txnID}", httputil.MakeFedAPI(
		"federation_send", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return Send(httpReq, request, matrix.TransactionID(vars["txnID"]), &cfg.FederationAPI, rsAPI, eduProducer, keys)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v1fedmux.Handle("/invite/{roomID}/{eventID}", httputil.MakeFedAPI(
		"federation_invite", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return InviteV2(httpReq, request, vars["roomID"], vars["eventID"], &cfg.Global, rsAPI, keys)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v2fedmux.Handle("/invite/{roomID}/{eventID}", httputil.MakeFedAPI(
		"federation_invite_v2", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return InviteV2(httpReq, request, vars["roomID"], vars["eventID"], &cfg.Global, rsAPI, keys)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v1fedmux.Handle("/make_join/{roomID}/{userID}", httputil.MakeFedAPI(
		"federation_make_join", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			var remoteVersions []matrix.RoomVersion
			for _, v := range httpReq.URL.Query()["ver"] {
				remoteVersions = append(remoteVersions, matrix.RoomVersion(v))
			}
			if len(remoteVersions) == 0 {
				// If no version is supplied, the request is from a server
				// that predates room versions entirely.
				remoteVersions = []matrix.RoomVersion{"1"}
			}
			return MakeJoin(httpReq, request, vars["roomID"], vars["userID"], remoteVersions, &cfg.Global, rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	joinHandler := httputil.MakeFedAPI(
		"federation_send_join", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return SendJoin(httpReq, request, vars["roomID"], vars["eventID"], &cfg.Global, rsAPI, keys)
		},
	)
	v1fedmux.Handle("/send_join/{roomID}/{eventID}", joinHandler).Methods(http.MethodPut, http.MethodOptions)
	v2fedmux.Handle("/send_join/{roomID}/{eventID}", joinHandler).Methods(http.MethodPut, http.MethodOptions)

	v1fedmux.Handle("/make_leave/{roomID}/{userID}", httputil.MakeFedAPI(
		"federation_make_leave", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return MakeLeave(httpReq, request, vars["roomID"], vars["userID"], &cfg.Global, rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	leaveHandler := httputil.MakeFedAPI(
		"federation_send_leave", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return SendLeave(httpReq, request, vars["roomID"], vars["eventID"], &cfg.Global, rsAPI, keys)
		},
	)
	v1fedmux.Handle("/send_leave/{roomID}/{eventID}", leaveHandler).Methods(http.MethodPut, http.MethodOptions)
	v2fedmux.Handle("/send_leave/{roomID}/{eventID}", leaveHandler).Methods(http.MethodPut, http.MethodOptions)

	v1fedmux.Handle("/make_knock/{roomID}/{userID}", httputil.MakeFedAPI(
		"federation_make_knock", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			var remoteVersions []matrix.RoomVersion
			for _, v := range httpReq.URL.Query()["ver"] {
				remoteVersions = append(remoteVersions, matrix.RoomVersion(v))
			}
			return MakeKnock(httpReq, request, vars["roomID"], vars["userID"], remoteVersions, &cfg.Global, rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v1fedmux.Handle("/send_knock/{roomID}/{eventID}", httputil.MakeFedAPI(
		"federation_send_knock", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return SendKnock(httpReq, request, vars["roomID"], vars["eventID"], &cfg.Global, rsAPI, keys)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v1fedmux.Handle("/state/{roomID}", httputil.MakeFedAPI(
		"federation_state", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return GetState(httpReq, request, vars["roomID"], rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v1fedmux.Handle("/event/{eventID}", httputil.MakeFedAPI(
		"federation_event", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return GetEvent(httpReq, request, vars["eventID"], &cfg.Global, rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v1fedmux.Handle("/event_auth/{roomID}/{eventID}", httputil.MakeFedAPI(
		"federation_event_auth", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return GetEventAuth(httpReq, request, vars["roomID"], vars["eventID"], rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v1fedmux.Handle("/backfill/{roomID}", httputil.MakeFedAPI(
		"federation_backfill", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			vars := mux.Vars(httpReq)
			return Backfill(httpReq, request, vars["roomID"], &cfg.Global, rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v1fedmux.Handle("/query/directory", httputil.MakeFedAPI(
		"federation_query_room_alias", serverName, keys,
		func(httpReq *http.Request, request *matrix.FederationRequest) util.JSONResponse {
			return RoomAliasToID(httpReq, &cfg.Global, rsAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v1fedmux.Handle("/media/download/{mediaId}", DownloadMedia(&cfg.Global, keys, true)).Methods(http.MethodGet, http.MethodOptions)

	keyMux.Handle("/server", httputil.MakeExternalAPI("localkeys", func(req *http.Request) util.JSONResponse {
		return LocalKeys(req, &cfg.Global)
	})).Methods(http.MethodGet, http.MethodOptions)

	keyMux.Handle("/server/{keyID}", httputil.MakeExternalAPI("localkeys", func(req *http.Request) util.JSONResponse {
		return LocalKeys(req, &cfg.Global)
	})).Methods(http.MethodGet, http.MethodOptions)
}
