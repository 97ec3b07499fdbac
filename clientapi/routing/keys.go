// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/auth"
	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	userapi "github.com/element-hq/spire/userapi/api"
)

// UploadKeys implements POST /_matrix/client/v3/keys/upload
func UploadKeys(
	req *http.Request, device *userapi.Device, userAPI userapi.UserInternalAPI,
) util.JSONResponse {
	var body struct {
		DeviceKeys   json.RawMessage            `json:"device_keys"`
		OneTimeKeys  map[string]json.RawMessage `json:"one_time_keys"`
		FallbackKeys map[string]json.RawMessage `json:"fallback_keys"`
	}
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}

	uploadReq := &userapi.PerformUploadKeysRequest{
		UserID:   device.UserID,
		DeviceID: device.ID,
	}
	if len(body.DeviceKeys) > 0 {
		uploadReq.DeviceKeys = &userapi.DeviceKeys{
			UserID:   device.UserID,
			DeviceID: device.ID,
			KeyJSON:  body.DeviceKeys,
		}
	}
	if len(body.OneTimeKeys) > 0 {
		uploadReq.OneTimeKeys = &userapi.OneTimeKeys{
			UserID:   device.UserID,
			DeviceID: device.ID,
			KeyJSON:  body.OneTimeKeys,
		}
	}
	if len(body.FallbackKeys) > 0 {
		uploadReq.FallbackKeys = &userapi.OneTimeKeys{
			UserID:   device.UserID,
			DeviceID: device.ID,
			KeyJSON:  body.FallbackKeys,
		}
	}

	uploadRes := userapi.PerformUploadKeysResponse{}
	if err := userAPI.PerformUploadKeys(req.Context(), uploadReq, &uploadRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformUploadKeys failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
		}{uploadRes.OneTimeKeyCounts},
	}
}

// QueryKeys implements POST /_matrix/client/v3/keys/query
func QueryKeys(
	req *http.Request, device *userapi.Device, userAPI userapi.UserInternalAPI,
) util.JSONResponse {
	var body struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}

	queryRes := userapi.QueryKeysResponse{}
	if err := userAPI.QueryKeys(req.Context(), &userapi.QueryKeysRequest{
		UserToDevices: body.DeviceKeys,
	}, &queryRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryKeys failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			DeviceKeys      map[string]map[string]json.RawMessage `json:"device_keys"`
			MasterKeys      map[string]userapi.CrossSigningKey    `json:"master_keys,omitempty"`
			SelfSigningKeys map[string]userapi.CrossSigningKey    `json:"self_signing_keys,omitempty"`
			UserSigningKeys map[string]userapi.CrossSigningKey    `json:"user_signing_keys,omitempty"`
		}{
			DeviceKeys:      queryRes.DeviceKeys,
			MasterKeys:      queryRes.MasterKeys,
			SelfSigningKeys: queryRes.SelfSigningKeys,
			UserSigningKeys: queryRes.UserSigningKeys,
		},
	}
}

// ClaimKeys implements POST /_matrix/client/v3/keys/claim
func ClaimKeys(
	req *http.Request, device *userapi.Device, userAPI userapi.UserInternalAPI,
) util.JSONResponse {
	var body struct {
		OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	}
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}

	claimRes := userapi.PerformClaimKeysResponse{}
	if err := userAPI.PerformClaimKeys(req.Context(), &userapi.PerformClaimKeysRequest{
		OneTimeKeys: body.OneTimeKeys,
	}, &claimRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformClaimKeys failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
		}{claimRes.OneTimeKeys},
	}
}

// UploadCrossSigningKeys implements POST /_matrix/client/v3/keys/device_signing/upload
//
// Replacing cross-signing keys requires user-interactive auth, the same as
// deleting a device.
func UploadCrossSigningKeys(
	req *http.Request, device *userapi.Device, userAPI userapi.UserInternalAPI,
	userInteractive *auth.UserInteractive,
) util.JSONResponse {
	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return jsonerror.InternalServerError()
	}
	if resErr := userInteractive.Verify(req.Context(), bodyBytes, device); resErr != nil {
		return *resErr
	}

	var body struct {
		MasterKey      *userapi.CrossSigningKey `json:"master_key"`
		SelfSigningKey *userapi.CrossSigningKey `json:"self_signing_key"`
		UserSigningKey *userapi.CrossSigningKey `json:"user_signing_key"`
	}
	if resErr := httputil.UnmarshalJSON(bodyBytes, &body); resErr != nil {
		return *resErr
	}

	if err := userAPI.PerformUploadCrossSigningKeys(req.Context(), &userapi.PerformUploadCrossSigningKeysRequest{
		UserID:         device.UserID,
		MasterKey:      body.MasterKey,
		SelfSigningKey: body.SelfSigningKey,
		UserSigningKey: body.UserSigningKey,
	}); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformUploadCrossSigningKeys failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
