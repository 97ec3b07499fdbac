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

package queue

import (
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/spire/federationapi/statistics"
	"github.com/element-hq/spire/matrix"
)

var destinationQueueTotal = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "spire",
		Subsystem: "federationsender",
		Name:      "destination_queues_running",
		Help:      "The number of destination queues currently running",
	},
)

// OutgoingQueues is a collection of queues for sending transactions to
// other matrix servers.
type OutgoingQueues struct {
	origin      matrix.ServerName
	client      *matrix.FederationClient
	statistics  *statistics.Statistics
	queuesMutex sync.Mutex
	queues      map[matrix.ServerName]*destinationQueue
}

// NewOutgoingQueues makes a new OutgoingQueues.
func NewOutgoingQueues(
	origin matrix.ServerName,
	client *matrix.FederationClient,
	stats *statistics.Statistics,
) *OutgoingQueues {
	return &OutgoingQueues{
		origin:     origin,
		client:     client,
		statistics: stats,
		queues:     map[matrix.ServerName]*destinationQueue{},
	}
}

func (oqs *OutgoingQueues) getQueue(destination matrix.ServerName) *destinationQueue {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	oq, ok := oqs.queues[destination]
	if !ok {
		oq = &destinationQueue{
			queues:           oqs,
			origin:           oqs.origin,
			destination:      destination,
			client:           oqs.client,
			statistics:       oqs.statistics.ForServer(destination),
			notify:           make(chan struct{}, 1),
			interruptBackoff: make(chan bool),
		}
		oqs.queues[destination] = oq
		destinationQueueTotal.Inc()
	}
	return oq
}

// SendEvent sends an event to the destinations.
func (oqs *OutgoingQueues) SendEvent(
	ev json.RawMessage, origin matrix.ServerName, destinations []matrix.ServerName,
) error {
	if origin != oqs.origin {
		// TODO: Support virtual hosting; the origin shouldn't be hardcoded.
		logrus.WithField("origin", origin).Error("Cannot send event with an origin not equal to the local server")
		return nil
	}
	for _, destination := range deduplicateDestinations(destinations, oqs.origin) {
		oqs.getQueue(destination).sendEvent(ev)
	}
	return nil
}

// SendEDU sends an ephemeral event to the destinations.
func (oqs *OutgoingQueues) SendEDU(
	edu *matrix.EDU, origin matrix.ServerName, destinations []matrix.ServerName,
) error {
	if origin != oqs.origin {
		logrus.WithField("origin", origin).Error("Cannot send EDU with an origin not equal to the local server")
		return nil
	}
	for _, destination := range deduplicateDestinations(destinations, oqs.origin) {
		oqs.getQueue(destination).sendEDU(edu)
	}
	return nil
}

// deduplicateDestinations removes duplicates and the local server from the
// destination list.
func deduplicateDestinations(destinations []matrix.ServerName, local matrix.ServerName) []matrix.ServerName {
	seen := make(map[matrix.ServerName]bool, len(destinations))
	result := make([]matrix.ServerName, 0, len(destinations))
	for _, destination := range destinations {
		if destination == local || seen[destination] {
			continue
		}
		seen[destination] = true
		result = append(result, destination)
	}
	return result
}
