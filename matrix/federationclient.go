/* Copyright 2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package matrix

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// A FederationClient makes signed requests to the federation listeners of
// other matrix homeservers.
type FederationClient struct {
	client     http.Client
	serverName ServerName
	keyID      KeyID
	privateKey ed25519.PrivateKey
}

// NewFederationClient makes a new FederationClient that signs requests as the
// given server with the given key.
func NewFederationClient(
	serverName ServerName, keyID KeyID, privateKey ed25519.PrivateKey,
	timeout time.Duration, skipVerify bool,
) *FederationClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tripper := &federationTripper{
		transport: &http.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				rawconn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					host = addr
				}
				conn := tls.Client(rawconn, &tls.Config{
					ServerName:         host,
					InsecureSkipVerify: skipVerify, // nolint: gosec
				})
				if err := conn.HandshakeContext(ctx); err != nil {
					rawconn.Close() // nolint: errcheck
					return nil, err
				}
				return conn, nil
			},
		},
	}
	return &FederationClient{
		client:     http.Client{Transport: tripper, Timeout: timeout},
		serverName: serverName,
		keyID:      keyID,
		privateKey: privateKey,
	}
}

// A federationTripper resolves "matrix://" URLs to the federation port of the
// target server before handing the request to the underlying transport.
type federationTripper struct {
	transport http.RoundTripper
}

func (f *federationTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	host := r.URL.Host
	resolved := resolveServer(host)
	u := *r.URL
	u.Scheme = "https"
	u.Host = resolved
	r.URL = &u
	return f.transport.RoundTrip(r)
}

// resolveServer works out the host:port to connect to for a matrix server
// name. Server names without an explicit port default to 8448.
func resolveServer(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "8448")
}

// DoRequestAndParseResponse signs the request, sends it and parses the
// response JSON into the result.
func (ac *FederationClient) DoRequestAndParseResponse(
	ctx context.Context, request FederationRequest, result interface{},
) error {
	if err := request.Sign(ac.serverName, ac.keyID, ac.privateKey); err != nil {
		return err
	}

	httpReq, err := request.HTTPRequest()
	if err != nil {
		return err
	}
	httpReq = httpReq.WithContext(ctx)

	response, err := ac.client.Do(httpReq)
	if response != nil {
		defer response.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return err
	}
	if response.StatusCode/100 != 2 {
		var errorOutput []byte
		if errorOutput, err = io.ReadAll(response.Body); err != nil {
			return err
		}
		return FederationGatewayError{
			Code:    response.StatusCode,
			Message: string(errorOutput),
		}
	}
	if result != nil {
		if err = json.NewDecoder(response.Body).Decode(result); err != nil {
			return err
		}
	}
	return nil
}

// A FederationGatewayError is returned when a remote server returns a
// non-2xx response.
type FederationGatewayError struct {
	Code    int
	Message string
}

func (e FederationGatewayError) Error() string {
	return fmt.Sprintf("matrix: remote server returned HTTP %d: %s", e.Code, e.Message)
}

// IsUnrecognised returns true if the remote server replied with
// M_UNRECOGNIZED, meaning the endpoint is unknown to it.
func (e FederationGatewayError) IsUnrecognised() bool {
	var body struct {
		ErrCode string `json:"errcode"`
	}
	if err := json.Unmarshal([]byte(e.Message), &body); err != nil {
		return false
	}
	return body.ErrCode == "M_UNRECOGNIZED"
}

// SendTransaction sends a transaction to a remote server.
func (ac *FederationClient) SendTransaction(
	ctx context.Context, t Transaction,
) (res RespSend, err error) {
	path := "/_matrix/federation/v1/send/" + string(t.TransactionID)
	req := NewFederationRequest("PUT", ac.serverName, t.Destination, path)
	if err = req.SetContent(t); err != nil {
		return
	}
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// GetServerKeys fetches the signing keys for a remote server from its
// /_matrix/key/v2/server endpoint. The response is self-signed; the caller
// must check the signature before trusting the keys.
func (ac *FederationClient) GetServerKeys(
	ctx context.Context, matrixServer ServerName,
) (keys ServerKeys, err error) {
	urlStr := fmt.Sprintf("matrix://%s/_matrix/key/v2/server", matrixServer)
	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return
	}
	response, err := ac.client.Do(req)
	if response != nil {
		defer response.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return
	}
	if response.StatusCode != 200 {
		var errorOutput []byte
		if errorOutput, err = io.ReadAll(response.Body); err != nil {
			return
		}
		err = fmt.Errorf("matrix: HTTP %d: %s", response.StatusCode, errorOutput)
		return
	}
	err = json.NewDecoder(response.Body).Decode(&keys)
	return
}

// FetchKeys implements KeyFetcher using the server's /key/v2/server endpoint.
func (ac *FederationClient) FetchKeys(ctx context.Context, serverName ServerName) (*ServerKeys, error) {
	keys, err := ac.GetServerKeys(ctx, serverName)
	if err != nil {
		return nil, err
	}
	return &keys, nil
}

// LookupState retrieves the room state for a room at an event from a
// remote matrix server as full matrix events.
func (ac *FederationClient) LookupState(
	ctx context.Context, s ServerName, roomID, eventID string,
) (res RespState, err error) {
	path := federationPathPrefix + "/state/" + url.PathEscape(roomID) +
		"?event_id=" + url.QueryEscape(eventID)
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// LookupStateIDs retrieves the room state for a room at an event from a
// remote matrix server as lists of event IDs.
func (ac *FederationClient) LookupStateIDs(
	ctx context.Context, s ServerName, roomID, eventID string,
) (res RespStateIDs, err error) {
	path := federationPathPrefix + "/state_ids/" + url.PathEscape(roomID) +
		"?event_id=" + url.QueryEscape(eventID)
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// GetEvent retrieves a single event from a remote server.
func (ac *FederationClient) GetEvent(
	ctx context.Context, s ServerName, eventID string,
) (res Transaction, err error) {
	path := federationPathPrefix + "/event/" + url.PathEscape(eventID)
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// GetEventAuth retrieves the auth chain for an event from a remote server.
func (ac *FederationClient) GetEventAuth(
	ctx context.Context, s ServerName, roomID, eventID string,
) (res RespEventAuth, err error) {
	path := federationPathPrefix + "/event_auth/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// LookupMissingEvents asks a remote server for missing events within a
// given bracket.
func (ac *FederationClient) LookupMissingEvents(
	ctx context.Context, s ServerName, roomID string, missing MissingEvents,
) (res RespMissingEvents, err error) {
	path := federationPathPrefix + "/get_missing_events/" + url.PathEscape(roomID)
	req := NewFederationRequest("POST", ac.serverName, s, path)
	if err = req.SetContent(missing); err != nil {
		return
	}
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// Backfill asks a remote server to backfill the room history for a room.
func (ac *FederationClient) Backfill(
	ctx context.Context, s ServerName, roomID string, limit int, eventIDs []string,
) (res RespBackfill, err error) {
	v := url.Values{}
	for _, eventID := range eventIDs {
		v.Add("v", eventID)
	}
	v.Add("limit", fmt.Sprintf("%d", limit))
	path := federationPathPrefix + "/backfill/" + url.PathEscape(roomID) + "?" + v.Encode()
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// SendInvite sends an invite m.room.member event to an invited server to be
// signed by it. This is used to invite a user that is not on the local server.
func (ac *FederationClient) SendInvite(
	ctx context.Context, s ServerName, roomID, eventID string, content interface{},
) (res RespInvite, err error) {
	path := "/_matrix/federation/v2/invite/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	req := NewFederationRequest("PUT", ac.serverName, s, path)
	if err = req.SetContent(content); err != nil {
		return
	}
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// MakeJoin makes a join m.room.member event for a room on a remote server.
func (ac *FederationClient) MakeJoin(
	ctx context.Context, s ServerName, roomID, userID string, roomVersions []RoomVersion,
) (res RespMakeJoin, err error) {
	v := url.Values{}
	for _, roomVersion := range roomVersions {
		v.Add("ver", string(roomVersion))
	}
	path := federationPathPrefix + "/make_join/" + url.PathEscape(roomID) + "/" +
		url.PathEscape(userID) + "?" + v.Encode()
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// SendJoin sends a join m.room.member event obtained using MakeJoin to a
// remote server.
func (ac *FederationClient) SendJoin(
	ctx context.Context, s ServerName, event *Event,
) (res RespSendJoin, err error) {
	path := "/_matrix/federation/v2/send_join/" + url.PathEscape(event.RoomID()) + "/" + url.PathEscape(event.EventID())
	req := NewFederationRequest("PUT", ac.serverName, s, path)
	if err = req.SetContent(event); err != nil {
		return
	}
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// MakeLeave makes a leave m.room.member event for a room on a remote server.
func (ac *FederationClient) MakeLeave(
	ctx context.Context, s ServerName, roomID, userID string,
) (res RespMakeLeave, err error) {
	path := federationPathPrefix + "/make_leave/" + url.PathEscape(roomID) + "/" + url.PathEscape(userID)
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// SendLeave sends a leave m.room.member event obtained using MakeLeave to a
// remote server.
func (ac *FederationClient) SendLeave(
	ctx context.Context, s ServerName, event *Event,
) (err error) {
	path := "/_matrix/federation/v2/send_leave/" + url.PathEscape(event.RoomID()) + "/" + url.PathEscape(event.EventID())
	req := NewFederationRequest("PUT", ac.serverName, s, path)
	if err = req.SetContent(event); err != nil {
		return
	}
	res := struct{}{}
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// MakeKnock makes a knock m.room.member event for a room on a remote server.
func (ac *FederationClient) MakeKnock(
	ctx context.Context, s ServerName, roomID, userID string, roomVersions []RoomVersion,
) (res RespMakeKnock, err error) {
	v := url.Values{}
	for _, roomVersion := range roomVersions {
		v.Add("ver", string(roomVersion))
	}
	path := federationPathPrefix + "/make_knock/" + url.PathEscape(roomID) + "/" +
		url.PathEscape(userID) + "?" + v.Encode()
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// SendKnock sends a knock m.room.member event obtained using MakeKnock to a
// remote server.
func (ac *FederationClient) SendKnock(
	ctx context.Context, s ServerName, event *Event,
) (res RespSendKnock, err error) {
	path := federationPathPrefix + "/send_knock/" + url.PathEscape(event.RoomID()) + "/" + url.PathEscape(event.EventID())
	req := NewFederationRequest("PUT", ac.serverName, s, path)
	if err = req.SetContent(event); err != nil {
		return
	}
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// LookupRoomAlias looks up a room alias hosted on the remote server.
func (ac *FederationClient) LookupRoomAlias(
	ctx context.Context, s ServerName, roomAlias string,
) (res RespDirectory, err error) {
	path := federationPathPrefix + "/query/directory?room_alias=" + url.QueryEscape(roomAlias)
	req := NewFederationRequest("GET", ac.serverName, s, path)
	err = ac.DoRequestAndParseResponse(ctx, req, &res)
	return
}

// DownloadMedia downloads media over the authenticated federation endpoint,
// falling back to the legacy media endpoint if the remote server does not
// recognise it.
func (ac *FederationClient) DownloadMedia(
	ctx context.Context, s ServerName, mediaID string,
) (body []byte, contentType string, err error) {
	path := federationPathPrefix + "/media/download/" + url.PathEscape(mediaID)
	body, contentType, err = ac.downloadRaw(ctx, s, path)
	if err != nil {
		var gateway FederationGatewayError
		if errors.As(err, &gateway) && gateway.IsUnrecognised() {
			// Fall back to the legacy endpoint for servers that predate
			// authenticated media.
			legacy := "/_matrix/media/v3/download/" + url.PathEscape(string(s)) + "/" +
				url.PathEscape(mediaID) + "?allow_remote=false"
			return ac.downloadRaw(ctx, s, legacy)
		}
	}
	return
}

func (ac *FederationClient) downloadRaw(
	ctx context.Context, s ServerName, path string,
) (body []byte, contentType string, err error) {
	req := NewFederationRequest("GET", ac.serverName, s, path)
	if err = req.Sign(ac.serverName, ac.keyID, ac.privateKey); err != nil {
		return
	}
	httpReq, err := req.HTTPRequest()
	if err != nil {
		return
	}
	httpReq = httpReq.WithContext(ctx)
	response, err := ac.client.Do(httpReq)
	if response != nil {
		defer response.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return
	}
	if response.StatusCode/100 != 2 {
		var errorOutput []byte
		if errorOutput, err = io.ReadAll(response.Body); err != nil {
			return
		}
		err = FederationGatewayError{Code: response.StatusCode, Message: string(errorOutput)}
		return
	}
	contentType = response.Header.Get("Content-Type")
	body, err = io.ReadAll(response.Body)
	return
}

const federationPathPrefix = "/_matrix/federation/v1"
