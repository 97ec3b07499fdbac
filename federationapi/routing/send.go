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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/types"
	"github.com/element-hq/spire/setup/config"
)

// A producer is where the receiver hands EDUs for the sync and push
// components.
type EDUProducer interface {
	SendTyping(ctx context.Context, userID, roomID string, typing bool, timeoutMS int64) error
	SendReceipt(ctx context.Context, userID, roomID, eventID, receiptType string, timestamp matrix.Timestamp) error
}

// txnResults remembers the result map of recently processed transactions so
// that a replayed transaction ID returns the same results without
// reprocessing. Entries are bounded; replaying truly ancient transactions
// reprocesses them, which is safe because the pipeline itself is idempotent.
type txnResults struct {
	mu      sync.Mutex
	results map[string]*matrix.RespSend
	order   []string
}

const maxRememberedTransactions = 1024

func (t *txnResults) get(key string) *matrix.RespSend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.results[key]
}

func (t *txnResults) set(key string, res *matrix.RespSend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.results == nil {
		t.results = map[string]*matrix.RespSend{}
	}
	if _, ok := t.results[key]; !ok {
		t.order = append(t.order, key)
		if len(t.order) > maxRememberedTransactions {
			delete(t.results, t.order[0])
			t.order = t.order[1:]
		}
	}
	t.results[key] = res
}

var recentTransactions txnResults

// Send implements PUT /_matrix/federation/v1/send/{txnID}
func Send(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	txnID matrix.TransactionID,
	cfg *config.FederationAPI,
	rsAPI api.RoomserverInternalAPI,
	eduProducer EDUProducer,
	keys matrix.JSONVerifier,
) util.JSONResponse {
	t := txnReq{
		context:     httpReq.Context(),
		rsAPI:       rsAPI,
		eduProducer: eduProducer,
		keys:        keys,
	}

	var txnEvents struct {
		PDUs []json.RawMessage `json:"pdus"`
		EDUs []matrix.EDU      `json:"edus"`
	}

	if err := json.Unmarshal(request.Content(), &txnEvents); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.NotJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	if len(txnEvents.PDUs) > matrix.MaxPDUsPerTransaction || len(txnEvents.EDUs) > matrix.MaxEDUsPerTransaction {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("Transaction exceeds PDU or EDU limits"),
		}
	}

	t.PDUs = txnEvents.PDUs
	t.EDUs = txnEvents.EDUs
	t.Origin = request.Origin()
	t.TransactionID = txnID

	// Replaying a transaction produces the same per-event result map and no
	// duplicated events.
	txnKey := string(request.Origin()) + "\x00" + string(txnID)
	if resp := recentTransactions.get(txnKey); resp != nil {
		return util.JSONResponse{Code: http.StatusOK, JSON: resp}
	}

	util.GetLogger(httpReq.Context()).Infof("Received transaction %q from %q containing %d PDUs, %d EDUs", txnID, request.Origin(), len(t.PDUs), len(t.EDUs))

	resp, err := t.processTransaction()
	switch err.(type) {
	// No error? Great! Send back a 200.
	case nil:
		recentTransactions.set(txnKey, resp)
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: resp,
		}
	// Handle known error cases as we will return a 400 error for these.
	case roomNotFoundError:
	case unmarshalError:
	case verifySigError:
	// Handle unknown error cases. Sending 500 errors back should be a last
	// resort as this can make other homeservers back off sending federation
	// events.
	default:
		util.GetLogger(httpReq.Context()).WithError(err).Error("t.processTransaction failed")
		return jsonerror.InternalServerError()
	}
	// Return a 400 error for bad requests as fallen through from above.
	return util.JSONResponse{
		Code: http.StatusBadRequest,
		JSON: jsonerror.BadJSON(err.Error()),
	}
}

type txnReq struct {
	PDUs          []json.RawMessage
	EDUs          []matrix.EDU
	Origin        matrix.ServerName
	TransactionID matrix.TransactionID
	context       context.Context
	rsAPI         api.RoomserverInternalAPI
	eduProducer   EDUProducer
	keys          matrix.JSONVerifier
}

type roomNotFoundError struct {
	roomID string
}
type unmarshalError struct {
	err error
}
type verifySigError struct {
	eventID string
	err     error
}

func (e roomNotFoundError) Error() string { return fmt.Sprintf("room %q not found", e.roomID) }
func (e unmarshalError) Error() string    { return fmt.Sprintf("unable to parse event: %s", e.err) }
func (e verifySigError) Error() string {
	return fmt.Sprintf("unable to verify signature of event %q: %s", e.eventID, e.err)
}

func (t *txnReq) processTransaction() (*matrix.RespSend, error) {
	results := make(map[string]matrix.PDUResult)

	// PDUs are validated strictly in received order; their acceptance order
	// is therefore the validated order too.
	var pdus []*matrix.Event
	for _, pdu := range t.PDUs {
		var header struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(pdu, &header); err != nil {
			util.GetLogger(t.context).WithError(err).Warn("Transaction: Failed to extract room ID from event")
			return nil, unmarshalError{err}
		}
		verReq := api.QueryRoomVersionForRoomRequest{RoomID: header.RoomID}
		verRes := api.QueryRoomVersionForRoomResponse{}
		if err := t.rsAPI.QueryRoomVersionForRoom(t.context, &verReq, &verRes); err != nil {
			// We don't know the room, so we can't know the version, so we
			// can't parse the event. Skip this PDU alone; without an event
			// ID it gets no entry in the result map.
			util.GetLogger(t.context).WithField("room_id", header.RoomID).Warn("Transaction: event for unknown room")
			continue
		}
		event, err := matrix.NewEventFromUntrustedJSON(pdu, verRes.RoomVersion)
		if err != nil {
			util.GetLogger(t.context).WithError(err).Warn("Transaction: Failed to parse event JSON")
			continue
		}
		if err := matrix.VerifyAllEventSignatures(t.context, []*matrix.Event{event}, t.keys); err != nil {
			util.GetLogger(t.context).WithError(err).Warnf("Transaction: Couldn't validate signature of event %q", event.EventID())
			results[event.EventID()] = matrix.PDUResult{Error: err.Error()}
			continue
		}
		pdus = append(pdus, event)
	}

	// Process the events.
	for _, e := range pdus {
		if err := t.processEvent(e); err != nil {
			// If the error is due to the event itself being bad then we skip
			// it and move onto the next event. We report an error so that the
			// sender knows that we have skipped processing it.
			//
			// However if the event is due to a temporary failure in our server
			// such as a database being unavailable then we should bail, and
			// hope that the sender will retry when we are feeling better.
			switch err.(type) {
			case roomNotFoundError:
			case *matrix.NotAllowed:
			case types.RejectedError:
			case types.MissingStateError:
			case types.MissingAuthEventsError:
			case types.MissingPrevEventsError:
			default:
				// Any other error should be the result of a temporary error in
				// our server so we should bail processing the transaction entirely.
				return nil, err
			}
			results[e.EventID()] = matrix.PDUResult{
				Error: err.Error(),
			}
			util.GetLogger(t.context).WithError(err).WithField("event_id", e.EventID()).Warn("Failed to process incoming federation event, skipping it.")
		} else {
			results[e.EventID()] = matrix.PDUResult{}
		}
	}

	t.processEDUs(t.EDUs)
	util.GetLogger(t.context).Infof("Processed %d PDUs from transaction %q", len(results), t.TransactionID)
	return &matrix.RespSend{PDUs: results}, nil
}

func (t *txnReq) processEvent(e *matrix.Event) error {
	verRes := api.QueryRoomVersionForRoomResponse{}
	if err := t.rsAPI.QueryRoomVersionForRoom(t.context, &api.QueryRoomVersionForRoomRequest{RoomID: e.RoomID()}, &verRes); err != nil {
		return roomNotFoundError{e.RoomID()}
	}

	// Pass the event to the roomserver. Stages 4-6 of the pipeline happen
	// there, serialized per room.
	res := api.InputRoomEventsResponse{}
	t.rsAPI.InputRoomEvents(t.context, &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind:         api.KindNew,
			Event:        e,
			Origin:       t.Origin,
			SendAsServer: api.DoNotSendToOtherServers,
		}},
	}, &res)
	return res.Err()
}

func (t *txnReq) processEDUs(edus []matrix.EDU) {
	for _, e := range edus {
		switch e.Type {
		case matrix.MTyping:
			// https://matrix.org/docs/spec/server_server/latest#typing-notifications
			var typingPayload struct {
				RoomID string `json:"room_id"`
				UserID string `json:"user_id"`
				Typing bool   `json:"typing"`
			}
			if err := json.Unmarshal(e.Content, &typingPayload); err != nil {
				util.GetLogger(t.context).WithError(err).Error("Failed to unmarshal typing event")
				continue
			}
			if t.eduProducer == nil {
				continue
			}
			if err := t.eduProducer.SendTyping(t.context, typingPayload.UserID, typingPayload.RoomID, typingPayload.Typing, 30*1000); err != nil {
				util.GetLogger(t.context).WithError(err).Error("Failed to send typing event to sync")
			}
		case matrix.MReceipt:
			// https://matrix.org/docs/spec/server_server/latest#receipts
			payload := map[string]struct {
				Read map[string]struct {
					Data struct {
						TS matrix.Timestamp `json:"ts"`
					} `json:"data"`
					EventIDs []string `json:"event_ids"`
				} `json:"m.read"`
			}{}
			if err := json.Unmarshal(e.Content, &payload); err != nil {
				util.GetLogger(t.context).WithError(err).Error("Failed to unmarshal receipt event")
				continue
			}
			if t.eduProducer == nil {
				continue
			}
			for roomID, receipt := range payload {
				for userID, content := range receipt.Read {
					for _, eventID := range content.EventIDs {
						if err := t.eduProducer.SendReceipt(t.context, userID, roomID, eventID, "m.read", content.Data.TS); err != nil {
							util.GetLogger(t.context).WithError(err).Error("Failed to send receipt to sync")
						}
					}
				}
			}
		default:
			util.GetLogger(t.context).WithField("type", e.Type).Warn("unhandled edu")
		}
	}
}
