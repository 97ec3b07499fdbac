// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Arceliar/phony"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/state"
	"github.com/element-hq/spire/roomserver/storage"
	"github.com/element-hq/spire/setup/config"
	"github.com/element-hq/spire/setup/jetstream"
)

// A missingEventFetcher is the subset of the federation client that the
// input pipeline needs to close gaps in the DAG. It is an interface so that
// tests can supply a fake.
type missingEventFetcher interface {
	GetEvent(ctx context.Context, s matrix.ServerName, eventID string) (matrix.Transaction, error)
	GetEventAuth(ctx context.Context, s matrix.ServerName, roomID, eventID string) (matrix.RespEventAuth, error)
}

// Inputer runs the six-stage ingestion pipeline over incoming room events.
//
// Events for different rooms process concurrently, but stages 4-6 for a
// single room must serialize: each room gets a phony actor (a goroutine-free
// inbox) and all of that room's input runs through it in order.
type Inputer struct {
	Cfg       *config.RoomServer
	DB        storage.Database
	Keys      matrix.JSONVerifier
	Fetcher   missingEventFetcher
	Resolver  *state.Resolver
	JetStream natsclient.JetStreamContext
	// OutputTopic is the prefixed stream name for output events.
	OutputTopic string

	workers sync.Map // room ID -> *worker
}

type worker struct {
	phony.Inbox
}

// NewInputer creates the input pipeline.
func NewInputer(
	cfg *config.RoomServer,
	db storage.Database,
	keys matrix.JSONVerifier,
	fetcher missingEventFetcher,
	js natsclient.JetStreamContext,
	outputTopic string,
) *Inputer {
	return &Inputer{
		Cfg:         cfg,
		DB:          db,
		Keys:        keys,
		Fetcher:     fetcher,
		Resolver:    state.NewResolver(db),
		JetStream:   js,
		OutputTopic: outputTopic,
	}
}

// InputRoomEvents runs the given events through the pipeline. Events for
// the same room are processed strictly in the order given; events for
// different rooms may interleave. The call blocks until every event has
// been processed, and the first hard failure is reported in the response.
func (r *Inputer) InputRoomEvents(ctx context.Context, req *api.InputRoomEventsRequest, res *api.InputRoomEventsResponse) {
	outcomes := make(chan error, len(req.InputRoomEvents))
	for i := range req.InputRoomEvents {
		input := &req.InputRoomEvents[i]
		w := r.workerForRoom(input.Event.RoomID())
		w.Act(nil, func() {
			outcomes <- r.processRoomEvent(ctx, input)
		})
	}
	for range req.InputRoomEvents {
		if err := <-outcomes; err != nil {
			if res.ErrMsg == "" {
				res.ErrMsg = err.Error()
				_, res.NotAllowed = err.(rejectionError)
			}
			logrus.WithError(err).Warn("Roomserver failed to process event")
		}
	}
}

func (r *Inputer) workerForRoom(roomID string) *worker {
	value, _ := r.workers.LoadOrStore(roomID, &worker{})
	return value.(*worker)
}

// WriteOutputEvents publishes output events for consumers (sync, push,
// federation sender).
func (r *Inputer) WriteOutputEvents(roomID string, outputs []api.OutputEvent) error {
	if r.JetStream == nil {
		return nil
	}
	for _, output := range outputs {
		payload, err := json.Marshal(output)
		if err != nil {
			return err
		}
		msg := natsclient.NewMsg(r.OutputTopic)
		msg.Header.Set(jetstream.RoomID, roomID)
		if output.NewRoomEvent != nil {
			msg.Header.Set(jetstream.EventID, output.NewRoomEvent.EventID)
		}
		msg.Data = payload
		if _, err = r.JetStream.PublishMsg(msg); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id": roomID,
				"type":    output.Type,
			}).Error("Failed to produce to topic")
			return err
		}
	}
	return nil
}
