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

	"github.com/element-hq/spire/clientapi/auth"
	"github.com/element-hq/spire/internal/fulltext"
	"github.com/element-hq/spire/internal/httputil"
	"github.com/element-hq/spire/internal/transactions"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/internalapi/perform"
	"github.com/element-hq/spire/setup/config"
	"github.com/element-hq/spire/syncapi/sync"
	userapi "github.com/element-hq/spire/userapi/api"
)

// Setup registers the client API HTTP routes on the given router.
func Setup(
	publicAPIMux *mux.Router,
	cfg *config.Spire,
	rsAPI api.RoomserverInternalAPI,
	performer *perform.Performer,
	userAPI userapi.UserInternalAPI,
	syncPool *sync.RequestPool,
	fedClient *matrix.FederationClient,
	fts *fulltext.Search,
	transactionsCache *transactions.Cache,
	rateLimits *httputil.RateLimits,
) {
	v3mux := publicAPIMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()
	userInteractive := auth.NewUserInteractive(userAPI)

	v3mux.Handle("/register", httputil.MakeExternalAPI("register", func(req *http.Request) util.JSONResponse {
		if r := rateLimits.Limit(req, "register"); r != nil {
			return *r
		}
		return Register(req, userAPI, &cfg.ClientAPI)
	})).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/login", httputil.MakeExternalAPI("login", func(req *http.Request) util.JSONResponse {
		if r := rateLimits.Limit(req, "login"); r != nil {
			return *r
		}
		return Login(req, userAPI, &cfg.ClientAPI)
	})).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)

	v3mux.Handle("/capabilities", httputil.MakeAuthAPI("capabilities", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return GetCapabilities()
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/createRoom", httputil.MakeAuthAPI("createRoom", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return CreateRoom(req, device, performer)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/rooms/{roomID}/send/{eventType}/{txnID}", httputil.MakeAuthAPI("send_message", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			txnID := vars["txnID"]
			return SendEvent(req, device, vars["roomID"], vars["eventType"], &txnID, nil, performer, transactionsCache)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v3mux.Handle("/rooms/{roomID}/state/{eventType}", httputil.MakeAuthAPI("send_state", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			emptyStateKey := ""
			return SendEvent(req, device, vars["roomID"], vars["eventType"], nil, &emptyStateKey, performer, transactionsCache)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v3mux.Handle("/rooms/{roomID}/state/{eventType}/{stateKey}", httputil.MakeAuthAPI("send_state", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			stateKey := vars["stateKey"]
			return SendEvent(req, device, vars["roomID"], vars["eventType"], nil, &stateKey, performer, transactionsCache)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v3mux.Handle("/join/{roomIDOrAlias}", httputil.MakeAuthAPI("join", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if r := rateLimits.Limit(req, "join"); r != nil {
				return *r
			}
			vars := mux.Vars(req)
			return JoinRoomByIDOrAlias(req, device, vars["roomIDOrAlias"], rsAPI, performer)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/knock/{roomIDOrAlias}", httputil.MakeAuthAPI("knock", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if r := rateLimits.Limit(req, "knock"); r != nil {
				return *r
			}
			vars := mux.Vars(req)
			return KnockRoomByIDOrAlias(req, device, vars["roomIDOrAlias"], rsAPI, performer)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	for _, membership := range []string{"invite", "kick", "ban", "unban", "leave", "forget"} {
		membership := membership
		v3mux.Handle("/rooms/{roomID}/"+membership, httputil.MakeAuthAPI("membership", userAPI,
			func(req *http.Request, device *userapi.Device) util.JSONResponse {
				vars := mux.Vars(req)
				m := membership
				if m == "forget" {
					m = "leave"
				}
				return SendMembership(req, device, vars["roomID"], m, performer)
			},
		)).Methods(http.MethodPost, http.MethodOptions)
	}

	v3mux.Handle("/rooms/{roomID}/threepid/invite", httputil.MakeAuthAPI("threepid_invite", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			return SendThreePIDInvite(req, device, vars["roomID"], &cfg.ClientAPI, performer)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/directory/room/{roomAlias}", httputil.MakeExternalAPI("directory_room", func(req *http.Request) util.JSONResponse {
		vars := mux.Vars(req)
		return DirectoryRoom(req, vars["roomAlias"], &cfg.Global, rsAPI, fedClient)
	})).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/directory/room/{roomAlias}", httputil.MakeAuthAPI("directory_room_put", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			return SetLocalAlias(req, device, vars["roomAlias"], performer)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v3mux.Handle("/directory/room/{roomAlias}", httputil.MakeAuthAPI("directory_room_delete", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			return RemoveLocalAlias(req, device, vars["roomAlias"], performer)
		},
	)).Methods(http.MethodDelete, http.MethodOptions)

	v3mux.Handle("/devices", httputil.MakeAuthAPI("get_devices", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return GetDevices(req, device, userAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/devices/{deviceID}", httputil.MakeAuthAPI("get_device", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			return GetDeviceByID(req, device, vars["deviceID"], userAPI)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/devices/{deviceID}", httputil.MakeAuthAPI("update_device", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			return UpdateDeviceByID(req, device, vars["deviceID"], userAPI)
		},
	)).Methods(http.MethodPut, http.MethodOptions)

	v3mux.Handle("/devices/{deviceID}", httputil.MakeAuthAPI("delete_device", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars := mux.Vars(req)
			return DeleteDeviceByID(req, device, vars["deviceID"], userAPI, userInteractive)
		},
	)).Methods(http.MethodDelete, http.MethodOptions)

	v3mux.Handle("/keys/upload", httputil.MakeAuthAPI("keys_upload", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return UploadKeys(req, device, userAPI)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/keys/query", httputil.MakeAuthAPI("keys_query", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return QueryKeys(req, device, userAPI)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/keys/claim", httputil.MakeAuthAPI("keys_claim", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return ClaimKeys(req, device, userAPI)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/keys/device_signing/upload", httputil.MakeAuthAPI("keys_device_signing", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return UploadCrossSigningKeys(req, device, userAPI, userInteractive)
		},
	)).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/sync", httputil.MakeAuthAPI("sync", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return syncPool.OnIncomingSyncRequest(req, device)
		},
	)).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/search", httputil.MakeAuthAPI("search", userAPI,
		func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if r := rateLimits.Limit(req, "search"); r != nil {
				return *r
			}
			return Search(req, device, fts, rsAPI)
		},
	)).Methods(http.MethodPost, http.MethodOptions)
}
