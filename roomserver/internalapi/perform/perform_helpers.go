// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/internalapi/input"
	"github.com/element-hq/spire/roomserver/storage"
	"github.com/element-hq/spire/roomserver/types"
	"github.com/element-hq/spire/setup/config"
)

// maxPrevEvents caps how many forward extremities a locally built event
// will reference.
const maxPrevEvents = 20

// A Performer executes high-level room operations: each builds one or more
// events, runs them through the validator pipeline and updates indices.
type Performer struct {
	Cfg       *config.Global
	DB        storage.Database
	Inputer   *input.Inputer
	FedClient *matrix.FederationClient
}

// buildEvent constructs, hashes and signs an event extending the current
// forward extremities of the room, selecting auth events from the resolved
// current state per the auth-selection rules.
func (p *Performer) buildEvent(ctx context.Context, builder *matrix.EventBuilder) (*matrix.Event, error) {
	latest, depth, err := p.DB.LatestEventIDs(ctx, builder.RoomID)
	if err != nil {
		return nil, fmt.Errorf("p.DB.LatestEventIDs: %w", err)
	}
	if len(latest) == 0 && builder.Type != matrix.MRoomCreate {
		return nil, types.ErrRoomNoExists
	}
	if len(latest) > maxPrevEvents {
		latest = latest[:maxPrevEvents]
	}
	builder.PrevEvents = latest
	builder.Depth = depth + 1

	needed, err := matrix.StateNeededForEventBuilder(builder)
	if err != nil {
		return nil, err
	}
	if tuples := needed.Tuples(); len(tuples) > 0 {
		stateEvents, err := p.DB.CurrentState(ctx, builder.RoomID, tuples)
		if err != nil {
			return nil, fmt.Errorf("p.DB.CurrentState: %w", err)
		}
		authEventIDs := make([]string, 0, len(stateEvents))
		for _, stateEvent := range stateEvents {
			authEventIDs = append(authEventIDs, stateEvent.EventID())
		}
		sort.Strings(authEventIDs)
		builder.AuthEvents = authEventIDs
	}

	roomVersion := matrix.DefaultRoomVersion
	if builder.Type != matrix.MRoomCreate {
		info, err := p.DB.RoomInfo(ctx, builder.RoomID)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, types.ErrRoomNoExists
		}
		roomVersion = info.RoomVersion
	}

	return builder.Build(
		time.Now(), p.Cfg.ServerName, p.Cfg.KeyID, p.Cfg.PrivateKey, roomVersion,
	)
}

// sendEvents runs locally built events through the validator pipeline.
func (p *Performer) sendEvents(ctx context.Context, events []*matrix.Event, txnID string) error {
	inputs := make([]api.InputRoomEvent, 0, len(events))
	for _, event := range events {
		inputs = append(inputs, api.InputRoomEvent{
			Kind:          api.KindNew,
			Event:         event,
			SendAsServer:  string(p.Cfg.ServerName),
			TransactionID: txnID,
		})
	}
	var res api.InputRoomEventsResponse
	p.Inputer.InputRoomEvents(ctx, &api.InputRoomEventsRequest{InputRoomEvents: inputs}, &res)
	return res.Err()
}

// BuildAndSendEvent builds an event from the builder, runs it through the
// validator pipeline and returns it. This is the path client-sent events
// take into the room.
func (p *Performer) BuildAndSendEvent(ctx context.Context, builder *matrix.EventBuilder) (*matrix.Event, error) {
	return p.buildAndSend(ctx, builder)
}

// buildAndSend is the common path: one event, built and submitted.
func (p *Performer) buildAndSend(ctx context.Context, builder *matrix.EventBuilder) (*matrix.Event, error) {
	event, err := p.buildEvent(ctx, builder)
	if err != nil {
		return nil, err
	}
	if err = p.sendEvents(ctx, []*matrix.Event{event}, ""); err != nil {
		return nil, err
	}
	return event, nil
}

func strPtr(s string) *string { return &s }
