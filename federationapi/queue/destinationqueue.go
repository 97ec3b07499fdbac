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
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/spire/federationapi/statistics"
	"github.com/element-hq/spire/matrix"
)

// A destinationQueue maintains the ordered outbound queue of PDUs and EDUs
// for a single destination. Sends to a destination are strictly FIFO;
// queues for different destinations are fully independent.
type destinationQueue struct {
	queues      *OutgoingQueues
	origin      matrix.ServerName
	destination matrix.ServerName
	client      *matrix.FederationClient
	statistics  *statistics.ServerStatistics

	running          atomic.Bool
	notify           chan struct{}
	interruptBackoff chan bool

	mutex       sync.Mutex
	pendingPDUs []*queuedPDU
	pendingEDUs []*queuedEDU
}

type queuedPDU struct {
	pdu json.RawMessage
}

type queuedEDU struct {
	edu *matrix.EDU
}

// sendEvent adds a PDU to the queue and wakes the worker.
func (oq *destinationQueue) sendEvent(event json.RawMessage) {
	oq.mutex.Lock()
	oq.pendingPDUs = append(oq.pendingPDUs, &queuedPDU{pdu: event})
	oq.mutex.Unlock()
	oq.wakeQueueIfNeeded()
}

// sendEDU adds an EDU to the queue and wakes the worker.
func (oq *destinationQueue) sendEDU(edu *matrix.EDU) {
	oq.mutex.Lock()
	oq.pendingEDUs = append(oq.pendingEDUs, &queuedEDU{edu: edu})
	oq.mutex.Unlock()
	oq.wakeQueueIfNeeded()
}

// wakeQueueIfNeeded starts the worker goroutine if it is not already
// running, and interrupts any backoff in progress so new events go out
// promptly.
func (oq *destinationQueue) wakeQueueIfNeeded() {
	select {
	case oq.interruptBackoff <- true:
	default:
	}
	if oq.running.CompareAndSwap(false, true) {
		go oq.backgroundSend()
	}
	select {
	case oq.notify <- struct{}{}:
	default:
	}
}

// backgroundSend is the worker goroutine for the queue.
func (oq *destinationQueue) backgroundSend() {
	defer oq.running.Store(false)
	idleTimeout := time.NewTimer(queueIdleTimeout)
	defer idleTimeout.Stop()

	for {
		oq.mutex.Lock()
		pending := len(oq.pendingPDUs) + len(oq.pendingEDUs)
		oq.mutex.Unlock()

		if pending == 0 {
			// Wait for more work or for the idle timeout.
			if !idleTimeout.Stop() {
				select {
				case <-idleTimeout.C:
				default:
				}
			}
			idleTimeout.Reset(queueIdleTimeout)
			select {
			case <-oq.notify:
			case <-idleTimeout.C:
				return
			}
			continue
		}

		// If we are backing off this destination then wait out the backoff
		// first. New inbound work interrupts the wait but the transaction
		// still goes out as one batch.
		oq.statistics.BackoffIfRequired(oq.interruptBackoff)

		if err := oq.nextTransaction(); err != nil {
			until, degraded := oq.statistics.Failure()
			logrus.WithError(err).WithFields(logrus.Fields{
				"destination": oq.destination,
				"retry_at":    until,
				"degraded":    degraded,
			}).Warn("Failed to send transaction to remote server")
		} else {
			oq.statistics.Success()
		}
	}
}

const queueIdleTimeout = time.Minute * 5

// nextTransaction assembles and sends the next batch of PDUs and EDUs,
// honouring the protocol's per-transaction limits. The queued events are
// only removed once the destination acknowledged the transaction.
func (oq *destinationQueue) nextTransaction() error {
	oq.mutex.Lock()
	pduCount := len(oq.pendingPDUs)
	if pduCount > matrix.MaxPDUsPerTransaction {
		pduCount = matrix.MaxPDUsPerTransaction
	}
	eduCount := len(oq.pendingEDUs)
	if eduCount > matrix.MaxEDUsPerTransaction {
		eduCount = matrix.MaxEDUsPerTransaction
	}
	pdus := oq.pendingPDUs[:pduCount]
	edus := oq.pendingEDUs[:eduCount]
	oq.mutex.Unlock()

	if pduCount == 0 && eduCount == 0 {
		return nil
	}

	t := matrix.Transaction{
		Origin:         oq.origin,
		Destination:    oq.destination,
		TransactionID:  matrix.TransactionID(uuid.NewString()),
		OriginServerTS: matrix.AsTimestamp(time.Now()),
		PDUs:           make([]json.RawMessage, 0, pduCount),
		EDUs:           make([]matrix.EDU, 0, eduCount),
	}
	for _, pdu := range pdus {
		t.PDUs = append(t.PDUs, pdu.pdu)
	}
	for _, edu := range edus {
		t.EDUs = append(t.EDUs, *edu.edu)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	_, err := oq.client.SendTransaction(ctx, t)
	if err != nil {
		return err
	}

	// The transaction was acknowledged: drop the sent events.
	oq.mutex.Lock()
	oq.pendingPDUs = oq.pendingPDUs[pduCount:]
	oq.pendingEDUs = oq.pendingEDUs[eduCount:]
	oq.mutex.Unlock()
	return nil
}
