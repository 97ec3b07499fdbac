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
	"io"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/auth"
	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	userapi "github.com/element-hq/spire/userapi/api"
)

type deviceJSON struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	LastSeenIP  string `json:"last_seen_ip,omitempty"`
	LastSeenTS  int64  `json:"last_seen_ts,omitempty"`
}

type devicesJSON struct {
	Devices []deviceJSON `json:"devices"`
}

// GetDevices implements GET /_matrix/client/v3/devices
func GetDevices(
	req *http.Request, device *userapi.Device, userAPI userapi.UserInternalAPI,
) util.JSONResponse {
	var queryRes userapi.QueryDevicesResponse
	if err := userAPI.QueryDevices(req.Context(), &userapi.QueryDevicesRequest{
		UserID: device.UserID,
	}, &queryRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryDevices failed")
		return jsonerror.InternalServerError()
	}

	res := devicesJSON{Devices: []deviceJSON{}}
	for _, dev := range queryRes.Devices {
		res.Devices = append(res.Devices, deviceJSON{
			DeviceID:    dev.ID,
			DisplayName: dev.DisplayName,
			LastSeenIP:  dev.LastSeenIP,
			LastSeenTS:  dev.LastSeenTS,
		})
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

// GetDeviceByID implements GET /_matrix/client/v3/devices/{deviceID}
func GetDeviceByID(
	req *http.Request, device *userapi.Device, deviceID string, userAPI userapi.UserInternalAPI,
) util.JSONResponse {
	var queryRes userapi.QueryDevicesResponse
	if err := userAPI.QueryDevices(req.Context(), &userapi.QueryDevicesRequest{
		UserID: device.UserID,
	}, &queryRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryDevices failed")
		return jsonerror.InternalServerError()
	}
	for _, dev := range queryRes.Devices {
		if dev.ID == deviceID {
			return util.JSONResponse{
				Code: http.StatusOK,
				JSON: deviceJSON{
					DeviceID:    dev.ID,
					DisplayName: dev.DisplayName,
					LastSeenIP:  dev.LastSeenIP,
					LastSeenTS:  dev.LastSeenTS,
				},
			}
		}
	}
	return util.JSONResponse{
		Code: http.StatusNotFound,
		JSON: jsonerror.NotFound("Unknown device"),
	}
}

// UpdateDeviceByID implements PUT /_matrix/client/v3/devices/{deviceID}
func UpdateDeviceByID(
	req *http.Request, device *userapi.Device, deviceID string, userAPI userapi.UserInternalAPI,
) util.JSONResponse {
	var body struct {
		DisplayName *string `json:"display_name"`
	}
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}
	if body.DisplayName == nil {
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	}

	// Only the owner of a device can rename it; the device creation API is
	// reused for the rename because it upserts.
	var queryRes userapi.QueryDevicesResponse
	if err := userAPI.QueryDevices(req.Context(), &userapi.QueryDevicesRequest{UserID: device.UserID}, &queryRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryDevices failed")
		return jsonerror.InternalServerError()
	}
	found := false
	for _, dev := range queryRes.Devices {
		if dev.ID == deviceID {
			found = true
		}
	}
	if !found {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Unknown device"),
		}
	}

	localpart, _, _ := matrix.SplitID('@', device.UserID)
	devRes := userapi.PerformDeviceCreationResponse{}
	if err := userAPI.PerformDeviceCreation(req.Context(), &userapi.PerformDeviceCreationRequest{
		Localpart:   localpart,
		DeviceID:    deviceID,
		DisplayName: *body.DisplayName,
	}, &devRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformDeviceCreation failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// DeleteDeviceByID implements DELETE /_matrix/client/v3/devices/{deviceID}
//
// Deleting a device requires user-interactive auth: the first request gets
// a 401 with the flows and a session; resubmitting with valid password auth
// completes the deletion and invalidates the device's access token. The
// currently used device cannot delete itself this way.
func DeleteDeviceByID(
	req *http.Request, device *userapi.Device, deviceID string,
	userAPI userapi.UserInternalAPI, userInteractive *auth.UserInteractive,
) util.JSONResponse {
	if device.ID == deviceID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("You cannot delete the device you are currently using"),
		}
	}

	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return jsonerror.InternalServerError()
	}

	if resErr := userInteractive.Verify(req.Context(), bodyBytes, device); resErr != nil {
		return *resErr
	}

	var res userapi.PerformDeviceDeletionResponse
	if err := userAPI.PerformDeviceDeletion(req.Context(), &userapi.PerformDeviceDeletionRequest{
		UserID:    device.UserID,
		DeviceIDs: []string{deviceID},
	}, &res); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformDeviceDeletion failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
