// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/element-hq/spire/matrix"
)

// AccountType is an enum representing the kind of account.
type AccountType int

const (
	// AccountTypeUser indicates this is a user account
	AccountTypeUser AccountType = iota + 1
	// AccountTypeGuest indicates this is a guest account
	AccountTypeGuest
	// AccountTypeAdmin indicates this is an admin account
	AccountTypeAdmin
)

// Account represents a Matrix account on this home server.
type Account struct {
	UserID       string
	Localpart    string
	ServerName   matrix.ServerName
	AppServiceID string
	AccountType  AccountType
}

// Device represents a client's device (mobile, web, etc)
type Device struct {
	ID     string
	UserID string
	// The access_token granted to this device.
	// This uniquely identifies the device from all other devices and clients.
	AccessToken string
	// The unique ID of the session identified by the access token.
	SessionID int64
	// The display name of the device.
	DisplayName string
	LastSeenTS  int64
	LastSeenIP  string
}

// ErrorForbidden is returned when a caller is not allowed to act on a
// resource.
type ErrorForbidden struct {
	Message string
}

func (e *ErrorForbidden) Error() string {
	return "forbidden: " + e.Message
}

// ErrorConflict is returned when a request clashes with existing state, e.g.
// registering a username that is taken.
type ErrorConflict struct {
	Message string
}

func (e *ErrorConflict) Error() string {
	return "conflict: " + e.Message
}

// QueryAccessTokenRequest queries the device for a given access token.
type QueryAccessTokenRequest struct {
	AccessToken string
}

// QueryAccessTokenResponse contains the device for the token, if any.
type QueryAccessTokenResponse struct {
	Device *Device
	Err    string
}

// QueryAcccessTokenAPI is the subset of the user API needed to authenticate
// client requests. It is kept deliberately small so that HTTP wrappers can
// depend on it without dragging in the whole user API.
type QueryAcccessTokenAPI interface {
	QueryAccessToken(ctx context.Context, req *QueryAccessTokenRequest, res *QueryAccessTokenResponse) error
}

// PerformAccountCreationRequest creates a new account.
type PerformAccountCreationRequest struct {
	Localpart   string
	Password    string
	AccountType AccountType
}

// PerformAccountCreationResponse is the response to PerformAccountCreation.
type PerformAccountCreationResponse struct {
	AccountCreated bool
	Account        *Account
}

// PerformDeviceCreationRequest creates a new device and access token.
type PerformDeviceCreationRequest struct {
	Localpart   string
	DeviceID    string
	DisplayName string
	IPAddr      string
	UserAgent   string
}

// PerformDeviceCreationResponse is the response to PerformDeviceCreation.
type PerformDeviceCreationResponse struct {
	Device *Device
}

// PerformDeviceDeletionRequest deletes devices and invalidates their access
// tokens.
type PerformDeviceDeletionRequest struct {
	UserID    string
	DeviceIDs []string
}

// PerformDeviceDeletionResponse is the response to PerformDeviceDeletion.
type PerformDeviceDeletionResponse struct{}

// QueryDevicesRequest lists the devices for a user.
type QueryDevicesRequest struct {
	UserID string
}

// QueryDevicesResponse is the response to QueryDevices.
type QueryDevicesResponse struct {
	UserExists bool
	Devices    []Device
}

// QueryAccountByPasswordRequest looks up an account by password.
type QueryAccountByPasswordRequest struct {
	Localpart string
	Password  string
}

// QueryAccountByPasswordResponse is the response to QueryAccountByPassword.
type QueryAccountByPasswordResponse struct {
	Account *Account
	Exists  bool
}

// DeviceKeys carries a signed long-term device key set.
type DeviceKeys struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	KeyJSON  json.RawMessage `json:"key_json"`
}

// OneTimeKeys carries claimable one-time keys for a device.
type OneTimeKeys struct {
	UserID   string
	DeviceID string
	// A map of algorithm:key_id -> key JSON
	KeyJSON map[string]json.RawMessage
}

// OneTimeKeysCount returns the number of unclaimed one-time keys by
// algorithm.
type OneTimeKeysCount struct {
	UserID   string
	DeviceID string
	KeyCount map[string]int
}

// CrossSigningKeyPurpose tags the three cross-signing keys.
type CrossSigningKeyPurpose string

const (
	CrossSigningKeyPurposeMaster      CrossSigningKeyPurpose = "master"
	CrossSigningKeyPurposeSelfSigning CrossSigningKeyPurpose = "self_signing"
	CrossSigningKeyPurposeUserSigning CrossSigningKeyPurpose = "user_signing"
)

// CrossSigningKey is one of a user's cross-signing keys.
type CrossSigningKey struct {
	UserID     string                                    `json:"user_id"`
	Usage      []string                                  `json:"usage"`
	Keys       map[string]matrix.Base64String            `json:"keys"`
	Signatures map[string]map[string]matrix.Base64String `json:"signatures,omitempty"`
}

// PerformUploadKeysRequest uploads device keys, one-time keys and fallback
// keys.
type PerformUploadKeysRequest struct {
	UserID       string
	DeviceID     string
	DeviceKeys   *DeviceKeys
	OneTimeKeys  *OneTimeKeys
	FallbackKeys *OneTimeKeys
}

// PerformUploadKeysResponse is the response to PerformUploadKeys.
type PerformUploadKeysResponse struct {
	OneTimeKeyCounts map[string]int
}

// PerformClaimKeysRequest claims one-time keys for devices.
type PerformClaimKeysRequest struct {
	// Map of user ID -> device ID -> algorithm.
	OneTimeKeys map[string]map[string]string
}

// PerformClaimKeysResponse is the response to PerformClaimKeys.
type PerformClaimKeysResponse struct {
	// Map of user ID -> device ID -> algorithm:key_id -> key JSON.
	OneTimeKeys map[string]map[string]map[string]json.RawMessage
}

// PerformUploadCrossSigningKeysRequest uploads cross-signing keys.
type PerformUploadCrossSigningKeysRequest struct {
	UserID         string
	MasterKey      *CrossSigningKey
	SelfSigningKey *CrossSigningKey
	UserSigningKey *CrossSigningKey
}

// QueryKeysRequest queries device and cross-signing keys for users.
type QueryKeysRequest struct {
	UserToDevices map[string][]string
}

// QueryKeysResponse is the response to QueryKeys.
type QueryKeysResponse struct {
	// Map of user ID -> device ID -> device key JSON.
	DeviceKeys map[string]map[string]json.RawMessage
	// Cross-signing keys by user and purpose.
	MasterKeys      map[string]CrossSigningKey
	SelfSigningKeys map[string]CrossSigningKey
	UserSigningKeys map[string]CrossSigningKey
}

// An OpenIDToken is a token issued for federation identity assertions.
type OpenIDToken struct {
	Token     string
	UserID    string
	ExpiresAt int64
}

// OpenIDTokenLifetime is how long an OpenID token remains valid.
const OpenIDTokenLifetime = time.Hour

// UserInternalAPI is the internal API surface of the user API component.
type UserInternalAPI interface {
	QueryAcccessTokenAPI

	PerformAccountCreation(ctx context.Context, req *PerformAccountCreationRequest, res *PerformAccountCreationResponse) error
	PerformDeviceCreation(ctx context.Context, req *PerformDeviceCreationRequest, res *PerformDeviceCreationResponse) error
	PerformDeviceDeletion(ctx context.Context, req *PerformDeviceDeletionRequest, res *PerformDeviceDeletionResponse) error
	QueryDevices(ctx context.Context, req *QueryDevicesRequest, res *QueryDevicesResponse) error
	QueryAccountByPassword(ctx context.Context, req *QueryAccountByPasswordRequest, res *QueryAccountByPasswordResponse) error

	PerformUploadKeys(ctx context.Context, req *PerformUploadKeysRequest, res *PerformUploadKeysResponse) error
	PerformClaimKeys(ctx context.Context, req *PerformClaimKeysRequest, res *PerformClaimKeysResponse) error
	PerformUploadCrossSigningKeys(ctx context.Context, req *PerformUploadCrossSigningKeysRequest) error
	QueryKeys(ctx context.Context, req *QueryKeysRequest, res *QueryKeysResponse) error
}
