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
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// A FederationRequest is a request to send to a remote server or a request
// received from a remote server.
// Federation requests are signed by building a JSON object and signing it.
type FederationRequest struct {
	// fields implement the JSON format needed for signing
	// specified in https://matrix.org/docs/spec/server_server/unstable.html#request-authentication
	fields struct {
		Content     RawJSON    `json:"content,omitempty"`
		Destination ServerName `json:"destination"`
		Method      string     `json:"method"`
		Origin      ServerName `json:"origin"`
		RequestURI  string     `json:"uri"`
		Signatures  RawJSON    `json:"signatures,omitempty"`
	}
}

// NewFederationRequest creates a matrix request. Takes an HTTP method, a
// destination homeserver and a request path which can have a query string.
// The destination is the name of a matrix homeserver.
// The request path must begin with a slash.
func NewFederationRequest(method string, origin, destination ServerName, requestURI string) FederationRequest {
	var r FederationRequest
	r.fields.Destination = destination
	r.fields.Method = strings.ToUpper(method)
	r.fields.Origin = origin
	r.fields.RequestURI = requestURI
	return r
}

// SetContent sets the JSON content for the request.
// Returns an error if there already is JSON content present on the request.
func (r *FederationRequest) SetContent(content interface{}) error {
	if r.fields.Content != nil {
		return fmt.Errorf("matrix: content already set on the request")
	}
	if r.fields.Signatures != nil {
		return fmt.Errorf("matrix: the request is signed and cannot be modified")
	}
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	r.fields.Content = RawJSON(data)
	return nil
}

// Method returns the JSON method for the request.
func (r *FederationRequest) Method() string { return r.fields.Method }

// Content returns the JSON content for the request.
func (r *FederationRequest) Content() []byte { return []byte(r.fields.Content) }

// Origin returns the server that the request originated on.
func (r *FederationRequest) Origin() ServerName { return r.fields.Origin }

// Destination returns the server that the request is supposed to reach.
func (r *FederationRequest) Destination() ServerName { return r.fields.Destination }

// RequestURI returns the path and query sections of the HTTP request URL.
func (r *FederationRequest) RequestURI() string { return r.fields.RequestURI }

// Sign the request and add the signature to the request.
// Returns an error if the request's origin is already set to a different
// server.
func (r *FederationRequest) Sign(serverName ServerName, keyID KeyID, privateKey ed25519.PrivateKey) error {
	if r.fields.Origin != "" && r.fields.Origin != serverName {
		return fmt.Errorf("matrix: the request is already signed by a different server")
	}
	r.fields.Origin = serverName
	// The request fields are already in the form required by the specification
	// So we can just serialise the request fields using the default marshaller
	data, err := json.Marshal(r.fields)
	if err != nil {
		return err
	}
	signedData, err := SignJSON(string(serverName), keyID, privateKey, data)
	if err != nil {
		return err
	}
	return json.Unmarshal(signedData, &r.fields)
}

// HTTPRequest constructs an net/http.Request for this matrix request.
// The request can be passed to net/http.Client.Do.
func (r *FederationRequest) HTTPRequest() (*http.Request, error) {
	urlStr := fmt.Sprintf("matrix://%s%s", r.fields.Destination, r.fields.RequestURI)

	var content io.Reader
	if r.fields.Content != nil {
		content = strings.NewReader(string(r.fields.Content))
	}

	httpReq, err := http.NewRequest(r.fields.Method, urlStr, content)
	if err != nil {
		return nil, err
	}

	if r.fields.Content != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Sign the request against the fields that get serialised into the
	// signing JSON.
	var sigs struct {
		Signatures map[string]map[KeyID]string `json:"signatures"`
	}
	if err := json.Unmarshal(r.fields.Signatures, &sigs); err != nil {
		return nil, fmt.Errorf("matrix: unable to sign request: %w", err)
	}
	for keyID, sig := range sigs.Signatures[string(r.fields.Origin)] {
		httpReq.Header.Add("Authorization", fmt.Sprintf(
			"X-Matrix origin=\"%s\",key=\"%s\",sig=\"%s\",destination=\"%s\"",
			r.fields.Origin, keyID, sig, r.fields.Destination,
		))
	}

	return httpReq, nil
}

// VerifyHTTPRequest extracts and verifies the contents of a net/http.Request.
// It consumes the body of the request.
// The JSONVerifier is used to check that the request is signed by an
// appropriate ed25519 key for the origin server.
// The origin server can be accessed using FederationRequest.Origin().
// Returns an error, along with a nil request, if there was a problem
// verifying the request.
func VerifyHTTPRequest(
	req *http.Request, now time.Time, destination ServerName, keys JSONVerifier,
) (*FederationRequest, error) {
	request, err := readHTTPRequest(req)
	if err != nil {
		return nil, err
	}
	request.fields.Destination = destination

	if request.Origin() == "" {
		return nil, fmt.Errorf("matrix: missing X-Matrix Authorization header")
	}

	toVerify, err := json.Marshal(request.fields)
	if err != nil {
		return nil, err
	}

	results, err := keys.VerifyJSONs(req.Context(), []VerifyJSONRequest{{
		ServerName: request.Origin(),
		AtTS:       AsTimestamp(now),
		Message:    toVerify,
	}})
	if err != nil {
		return nil, err
	}
	if results[0].Error != nil {
		return nil, results[0].Error
	}

	return request, nil
}

// Returns an error if there was a problem reading the content of the request
func readHTTPRequest(req *http.Request) (*FederationRequest, error) {
	var result FederationRequest

	result.fields.Method = req.Method
	result.fields.RequestURI = req.URL.RequestURI()

	content, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}

	if len(content) != 0 {
		if req.Header.Get("Content-Type") != "application/json" {
			return nil, fmt.Errorf(
				"matrix: unsupported Content-Type %q", req.Header.Get("Content-Type"),
			)
		}
		result.fields.Content = RawJSON(content)
	}

	for _, authorization := range req.Header["Authorization"] {
		scheme, origin, keyID, sig := ParseAuthorization(authorization)
		if scheme != "X-Matrix" {
			// Check if the header is a different scheme
			continue
		}
		if origin == "" || keyID == "" || sig == "" {
			return nil, fmt.Errorf("matrix: incomplete X-Matrix Authorization header")
		}
		if result.fields.Origin != "" && result.fields.Origin != origin {
			return nil, fmt.Errorf("matrix: different origins in X-Matrix Authorization headers")
		}
		result.fields.Origin = origin
		var signatures map[string]map[KeyID]string
		if result.fields.Signatures == nil {
			signatures = map[string]map[KeyID]string{string(origin): {keyID: sig}}
		} else {
			if err := json.Unmarshal(result.fields.Signatures, &signatures); err != nil {
				return nil, err
			}
			signatures[string(origin)][keyID] = sig
		}
		signaturesJSON, err := json.Marshal(signatures)
		if err != nil {
			return nil, err
		}
		result.fields.Signatures = RawJSON(signaturesJSON)
	}

	return &result, nil
}

// ParseAuthorization parses an Authorization header. The parser is tolerant
// of parameters it does not recognise so that additions to the scheme do not
// break older servers, but the caller must check that origin, key and sig are
// all present.
func ParseAuthorization(header string) (scheme string, origin ServerName, keyID KeyID, sig string) {
	parts := strings.SplitN(header, " ", 2)
	scheme = parts[0]
	if scheme != "X-Matrix" || len(parts) != 2 {
		return
	}
	for _, data := range strings.Split(parts[1], ",") {
		pair := strings.SplitN(strings.TrimSpace(data), "=", 2)
		if len(pair) != 2 {
			continue
		}
		name := pair[0]
		value := strings.Trim(pair[1], "\"")
		switch name {
		case "origin":
			origin = ServerName(value)
		case "key":
			keyID = KeyID(value)
		case "sig":
			sig = value
		default:
			// Unknown parameters are ignored for forwards compatibility.
		}
	}
	return
}
