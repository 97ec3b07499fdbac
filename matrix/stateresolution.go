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
	"container/heap"
	"encoding/json"
	"sort"

	"golang.org/x/exp/maps"
)

type stateResolverV2 struct {
	authEventMap              map[string]*Event
	powerLevelMainline        []*Event
	conflictedPowerLevels     []*Event
	conflictedOthers          []*Event
	resolvedCreate            *Event
	resolvedPowerLevels       *Event
	resolvedJoinRules         *Event
	resolvedThirdPartyInvites map[string]*Event
	resolvedMembers           map[string]*Event
	resolvedOthers            map[StateKeyTuple]*Event
	result                    []*Event
}

func (r *stateResolverV2) Create() (*Event, error) {
	return r.resolvedCreate, nil
}

func (r *stateResolverV2) PowerLevels() (*Event, error) {
	return r.resolvedPowerLevels, nil
}

func (r *stateResolverV2) JoinRules() (*Event, error) {
	return r.resolvedJoinRules, nil
}

func (r *stateResolverV2) ThirdPartyInvite(key string) (*Event, error) {
	return r.resolvedThirdPartyInvites[key], nil
}

func (r *stateResolverV2) Member(key string) (*Event, error) {
	return r.resolvedMembers[key], nil
}

// ResolveStateConflictsV2 takes a list of state events with conflicting state
// keys and works out which event should be used for each state event. The
// result is a pure function of the inputs: tie-breaks are fully specified by
// effective power level, origin_server_ts and event ID so the output is
// bit-identical across runs and input permutations.
func ResolveStateConflictsV2(conflicted, unconflicted, authEvents []*Event) []*Event {
	r := stateResolverV2{
		authEventMap:              eventMapFromEvents(authEvents),
		resolvedThirdPartyInvites: make(map[string]*Event),
		resolvedMembers:           make(map[string]*Event),
		resolvedOthers:            make(map[StateKeyTuple]*Event),
	}

	// Separate out power events from the rest of the events. This is
	// necessary because we perform topological ordering of the power events
	// separately, and then the mainline ordering of all other events depends
	// on that power level ordering.
	for _, p := range conflicted {
		if isPowerEvent(p) {
			r.conflictedPowerLevels = append(r.conflictedPowerLevels, p)
		} else {
			r.conflictedOthers = append(r.conflictedOthers, p)
		}
	}

	// Start with the unconflicted events. They are agreed across all of the
	// forward extremity ancestries so they form the initial partial state
	// without further auth checks.
	r.applyEvents(unconflicted)

	// Then order the conflicted power events topologically and then also
	// auth those too. The successfully authed events will be layered on top of
	// the partial state.
	r.conflictedPowerLevels = r.reverseTopologicalOrdering(r.conflictedPowerLevels)
	r.authAndApplyEvents(r.conflictedPowerLevels)

	// Then generate the mainline of power level events, order the remaining state
	// events based on the mainline ordering and auth those too. The successfully
	// authed events are also layered on top of the partial state.
	r.powerLevelMainline = r.createPowerLevelMainline()
	r.authAndApplyEvents(r.mainlineOrdering(r.conflictedOthers))

	// Finally we will reapply the original set of unconflicted events onto the
	// partial state, just in case any of these were overwritten by pulling in
	// auth events in the previous two steps, and that gives us our final resolved
	// state.
	r.applyEvents(unconflicted)

	// Now that we have our final state, populate the result array with the
	// resolved state and return it. The result lists the create, join rules
	// and power levels events, then members and third-party invites sorted by
	// state key, then all other state sorted by type and state key, so that
	// the output ordering is deterministic too.
	if r.resolvedCreate != nil {
		r.result = append(r.result, r.resolvedCreate)
	}
	if r.resolvedJoinRules != nil {
		r.result = append(r.result, r.resolvedJoinRules)
	}
	if r.resolvedPowerLevels != nil {
		r.result = append(r.result, r.resolvedPowerLevels)
	}
	for _, key := range sortedKeys(r.resolvedMembers) {
		r.result = append(r.result, r.resolvedMembers[key])
	}
	for _, key := range sortedKeys(r.resolvedThirdPartyInvites) {
		r.result = append(r.result, r.resolvedThirdPartyInvites[key])
	}
	otherKeys := maps.Keys(r.resolvedOthers)
	sort.Slice(otherKeys, func(i, j int) bool {
		if otherKeys[i].EventType != otherKeys[j].EventType {
			return otherKeys[i].EventType < otherKeys[j].EventType
		}
		return otherKeys[i].StateKey < otherKeys[j].StateKey
	})
	for _, key := range otherKeys {
		r.result = append(r.result, r.resolvedOthers[key])
	}
	return r.result
}

func sortedKeys(m map[string]*Event) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}

// isPowerEvent returns true if the event is a power event: the create event,
// the power levels, the join rules, or a membership event that removes
// someone else from the room.
func isPowerEvent(event *Event) bool {
	switch event.Type() {
	case MRoomCreate, MRoomPowerLevels, MRoomJoinRules:
		return event.StateKeyEquals("")
	case MRoomMember:
		if membership, err := event.Membership(); err == nil {
			if membership == Leave || membership == Ban {
				return event.Sender() != *event.StateKey()
			}
		}
	}
	return false
}

// AuthDifference returns the auth difference of the given auth chains: the
// events that appear in some of the chains but not in all of them.
func AuthDifference(authChains ...map[string]*Event) []*Event {
	counts := map[string]int{}
	events := map[string]*Event{}
	for _, chain := range authChains {
		for eventID, event := range chain {
			counts[eventID]++
			events[eventID] = event
		}
	}
	var difference []*Event
	for _, eventID := range func() []string {
		keys := maps.Keys(counts)
		sort.Strings(keys)
		return keys
	}() {
		if counts[eventID] != len(authChains) {
			difference = append(difference, events[eventID])
		}
	}
	return difference
}

// createPowerLevelMainline generates the mainline of power level events,
// starting at the currently resolved power level event from the topological
// ordering and working our way back to the room creation. Note that we populate
// the result here in reverse, so that the room creation is at the beginning of
// the list, rather than the end.
func (r *stateResolverV2) createPowerLevelMainline() []*Event {
	var mainline []*Event

	// Define our iterator function.
	var iter func(event *Event)
	iter = func(event *Event) {
		// Append this event to the beginning of the mainline.
		mainline = append([]*Event{event}, mainline...)
		// Work through all of the auth event IDs that this event refers to.
		for _, authEventID := range event.AuthEventIDs() {
			// Check that we actually have the auth event in our map - we need this so
			// that we can look up the event type.
			if authEvent, ok := r.authEventMap[authEventID]; ok {
				// Is the event a power level event?
				if authEvent.Type() == MRoomPowerLevels {
					// We found a power level event in the event's auth events - start
					// the iterator from this new event.
					iter(authEvent)
				}
			}
		}
	}

	// Begin the sequence from the currently resolved power level event from the
	// topological ordering.
	if r.resolvedPowerLevels != nil {
		iter(r.resolvedPowerLevels)
	}

	return mainline
}

// getFirstPowerLevelMainlineEvent iteratively steps through the auth events of
// the given event until it finds an event that exists in the mainline. Note
// that for this function to work, you must have first called
// createPowerLevelMainline.
func (r *stateResolverV2) getFirstPowerLevelMainlineEvent(event *Event) (
	mainlineEvent *Event, mainlinePosition int, steps int,
) {
	isInMainline := func(searchEvent *Event) (bool, int) {
		for pos, mainline := range r.powerLevelMainline {
			if mainline.EventID() == searchEvent.EventID() {
				return true, pos
			}
		}
		return false, 0
	}

	var iter func(event *Event)
	iter = func(event *Event) {
		// In much the same way as we do in createPowerLevelMainline, we loop
		// through the event's auth events, checking that it exists in our supplied
		// auth event map and finding power level events.
		for _, authEventID := range event.AuthEventIDs() {
			if authEvent, ok := r.authEventMap[authEventID]; ok {
				if authEvent.Type() == MRoomPowerLevels {
					if isIn, pos := isInMainline(authEvent); isIn {
						// It is - take a note of the event and position and stop the
						// iterator from running any further.
						mainlineEvent = authEvent
						mainlinePosition = pos
						return
					}
					// It isn't - increase the step count and then run the iterator again
					// from the found auth event.
					steps++
					iter(authEvent)
				}
			}
		}
	}

	iter(event)

	return
}

// authAndApplyEvents iterates through the supplied list of events and auths
// them against the current partial state. If they pass the auth checks then we
// also apply them on top of the partial state.
func (r *stateResolverV2) authAndApplyEvents(events []*Event) {
	for _, event := range events {
		// Check if the event is allowed based on the current partial state. If the
		// event isn't allowed then simply ignore it and process the next one.
		if err := Allowed(event, r); err != nil {
			continue
		}
		r.applyEvent(event)
	}
}

// applyEvents applies the events on top of the partial state without futher
// auth checks.
func (r *stateResolverV2) applyEvents(events []*Event) {
	for _, event := range events {
		r.applyEvent(event)
	}
}

func (r *stateResolverV2) applyEvent(event *Event) {
	// Work out what the type is and apply it to the partial state based on type.
	switch event.Type() {
	case MRoomCreate:
		// Room creation events are only valid with an empty state key.
		if event.StateKeyEquals("") {
			r.resolvedCreate = event
		}
	case MRoomPowerLevels:
		// Power level events are only valid with an empty state key.
		if event.StateKeyEquals("") {
			r.resolvedPowerLevels = event
		}
	case MRoomJoinRules:
		// Join rule events are only valid with an empty state key.
		if event.StateKeyEquals("") {
			r.resolvedJoinRules = event
		}
	case MRoomThirdPartyInvite:
		// Third party invite events are only valid with a non-empty state key.
		if event.StateKey() != nil && *event.StateKey() != "" {
			r.resolvedThirdPartyInvites[*event.StateKey()] = event
		}
	case MRoomMember:
		// Membership events are only valid with a non-empty state key.
		if event.StateKey() != nil && *event.StateKey() != "" {
			r.resolvedMembers[*event.StateKey()] = event
		}
	default:
		if event.StateKey() != nil {
			r.resolvedOthers[StateKeyTuple{event.Type(), *event.StateKey()}] = event
		}
	}
}

// eventMapFromEvents takes a list of events and returns a map, where the key
// for each value is the event ID.
func eventMapFromEvents(events []*Event) map[string]*Event {
	r := make(map[string]*Event, len(events))
	for _, e := range events {
		r[e.EventID()] = e
	}
	return r
}

// SeparateStateConflicts takes a list of state events and works out which
// events are conflicted and which are unconflicted. An event is conflicted if
// there is more than one entry for its (type, state key) tuple.
func SeparateStateConflicts(events []*Event) (conflicted, unconflicted []*Event) {
	// The stack maps (event type, state key) -> list of state events.
	stack := make(map[StateKeyTuple][]*Event)
	for _, event := range events {
		if event.StateKey() == nil {
			continue
		}
		tuple := StateKeyTuple{event.Type(), *event.StateKey()}
		stack[tuple] = append(stack[tuple], event)
	}
	// Sort the tuples so that the output ordering is deterministic.
	tuples := maps.Keys(stack)
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].EventType != tuples[j].EventType {
			return tuples[i].EventType < tuples[j].EventType
		}
		return tuples[i].StateKey < tuples[j].StateKey
	})
	for _, tuple := range tuples {
		eventsOfTuple := stack[tuple]
		if len(eventsOfTuple) > 1 {
			conflicted = append(conflicted, eventsOfTuple...)
		} else {
			unconflicted = append(unconflicted, eventsOfTuple[0])
		}
	}
	return
}

// A stateResV2ConflictedPowerLevel carries the information needed to sort
// power events ahead of the topological ordering.
type stateResV2ConflictedPowerLevel struct {
	powerLevel     int64
	originServerTS int64
	eventID        string
	event          *Event
}

// A stateResV2ConflictedOther carries the information needed to sort
// non-power events by mainline position.
type stateResV2ConflictedOther struct {
	mainlinePosition int
	steps            int
	originServerTS   int64
	eventID          string
	event            *Event
}

// prepareConflictedEvents takes the input power events and wraps them in
// stateResV2ConflictedPowerLevel structs so that we have the necessary
// information pre-calculated ahead of sorting.
func (r *stateResolverV2) prepareConflictedEvents(events []*Event) []stateResV2ConflictedPowerLevel {
	block := make([]stateResV2ConflictedPowerLevel, len(events))
	for i, event := range events {
		block[i] = stateResV2ConflictedPowerLevel{
			powerLevel:     r.getPowerLevelFromAuthEvents(event),
			originServerTS: int64(event.OriginServerTS()),
			eventID:        event.EventID(),
			event:          event,
		}
	}
	return block
}

// prepareOtherEvents takes the input non-power events and wraps them in
// stateResV2ConflictedOther structs so that we have the necessary
// information pre-calculated ahead of sorting.
func (r *stateResolverV2) prepareOtherEvents(events []*Event) []stateResV2ConflictedOther {
	block := make([]stateResV2ConflictedOther, len(events))
	for i, event := range events {
		_, pos, steps := r.getFirstPowerLevelMainlineEvent(event)
		block[i] = stateResV2ConflictedOther{
			mainlinePosition: pos,
			steps:            steps,
			originServerTS:   int64(event.OriginServerTS()),
			eventID:          event.EventID(),
			event:            event,
		}
	}
	return block
}

// reverseTopologicalOrdering takes a set of input events, prepares them using
// prepareConflictedEvents and then starts Kahn's algorithm in order to
// topologically sort them. The result that is returned is correctly ordered.
func (r *stateResolverV2) reverseTopologicalOrdering(events []*Event) (result []*Event) {
	block := r.prepareConflictedEvents(events)
	sorted := kahnsAlgorithmUsingAuthEvents(block)
	for _, s := range sorted {
		result = append(result, s.event)
	}
	return
}

// mainlineOrdering takes a set of input events, prepares them using
// prepareOtherEvents and then sorts them based on mainline ordering. The result
// that is returned is correctly ordered.
func (r *stateResolverV2) mainlineOrdering(events []*Event) (result []*Event) {
	block := r.prepareOtherEvents(events)
	sort.Sort(stateResV2ConflictedOtherHeap(block))
	for _, s := range block {
		result = append(result, s.event)
	}
	return
}

// getPowerLevelFromAuthEvents tries to determine the effective power level of
// the sender at the time of the given event, based on the auth events.
// This is used in the Kahn's algorithm tiebreak.
func (r *stateResolverV2) getPowerLevelFromAuthEvents(event *Event) (pl int64) {
	for _, authID := range event.AuthEventIDs() {
		// First check and see if we have the auth event in the auth map, if not
		// then we cannot deduce the real effective power level.
		authEvent, ok := r.authEventMap[authID]
		if !ok {
			return 0
		}

		// Ignore the auth event if it isn't a power level event.
		if authEvent.Type() != MRoomPowerLevels || !authEvent.StateKeyEquals("") {
			continue
		}

		// Try and parse the content of the event.
		var content struct {
			UsersDefault levelJSONValue            `json:"users_default"`
			Users        map[string]levelJSONValue `json:"users"`
		}
		if err := json.Unmarshal(authEvent.Content(), &content); err != nil {
			return 0
		}

		// First of all see if there's a default user power level. We'll use
		// that for now as a fallback.
		content.UsersDefault.assignIfExists(&pl)

		// Is there a level that matches the sender?
		if level, ok := content.Users[event.Sender()]; ok {
			level.assignIfExists(&pl)
		}
	}

	return
}

// kahnsAlgorithmUsingAuthEvents is, predictably, an implementation of Kahn's
// algorithm that uses auth events to topologically sort the input list of
// events. This works through each event, counting how many incoming auth event
// dependencies it has, and then adding them into the graph as the dependencies
// are resolved.
func kahnsAlgorithmUsingAuthEvents(events []stateResV2ConflictedPowerLevel) (graph []stateResV2ConflictedPowerLevel) {
	eventMap := make(map[string]stateResV2ConflictedPowerLevel)
	inDegree := make(map[string]int)

	for _, event := range events {
		// For each event that we have been given, add it to the event map so that we
		// can easily refer back to it by event ID later.
		eventMap[event.eventID] = event

		// If we haven't encountered this event ID yet, also start with a zero count
		// of incoming auth event dependencies.
		if _, ok := inDegree[event.eventID]; !ok {
			inDegree[event.eventID] = 0
		}

		// Find each of the auth events that this event depends on and make a note
		// for each auth event that there's an additional incoming dependency.
		for _, auth := range event.event.AuthEventIDs() {
			if _, ok := inDegree[auth]; !ok {
				// We don't know about this event yet - set an initial value.
				inDegree[auth] = 1
			} else {
				// We've already encountered this event so increment instead.
				inDegree[auth]++
			}
		}
	}

	// Now we need to work out which events don't have any incoming auth event
	// dependencies. These will be placed into the graph first. Remove the event
	// from the event map as this prevents us from processing it a second time.
	var noIncoming stateResV2ConflictedPowerLevelHeap
	heap.Init(&noIncoming)
	for eventID, count := range inDegree {
		if count == 0 {
			if event, ok := eventMap[eventID]; ok {
				heap.Push(&noIncoming, event)
				delete(eventMap, eventID)
			}
		}
	}

	var event stateResV2ConflictedPowerLevel
	for noIncoming.Len() > 0 {
		// Pop the first event ID off the list of events which have no incoming
		// auth event dependencies.
		event = heap.Pop(&noIncoming).(stateResV2ConflictedPowerLevel)

		// Since there are no incoming dependencies to resolve, we can now add this
		// event into the graph.
		graph = append([]stateResV2ConflictedPowerLevel{event}, graph...)

		// Now we should look at the outgoing auth dependencies that this event has.
		// Since this event is now in the graph, the event's outgoing auth
		// dependencies are no longer valid - those map to incoming dependencies on
		// the auth events, so let's update those.
		for _, auth := range event.event.AuthEventIDs() {
			inDegree[auth]--

			// If we see, by updating the incoming dependencies, that the auth event
			// no longer has any incoming dependencies, then it should also be added
			// into the graph on the next pass. In turn, this will also mean that we
			// process the outgoing dependencies of this auth event.
			if inDegree[auth] == 0 {
				if _, ok := eventMap[auth]; ok {
					heap.Push(&noIncoming, eventMap[auth])
					delete(eventMap, auth)
				}
			}
		}
	}

	// The graph is complete at this point!
	return graph
}

// A stateResV2ConflictedPowerLevelHeap is a min-heap of conflicted power
// events, ordered by effective power level descending, then by
// origin_server_ts ascending, then by event ID ascending.
type stateResV2ConflictedPowerLevelHeap []stateResV2ConflictedPowerLevel

func (s stateResV2ConflictedPowerLevelHeap) Len() int { return len(s) }
func (s stateResV2ConflictedPowerLevelHeap) Less(i, j int) bool {
	if s[i].powerLevel != s[j].powerLevel {
		return s[i].powerLevel > s[j].powerLevel
	}
	if s[i].originServerTS != s[j].originServerTS {
		return s[i].originServerTS < s[j].originServerTS
	}
	return s[i].eventID < s[j].eventID
}
func (s stateResV2ConflictedPowerLevelHeap) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s *stateResV2ConflictedPowerLevelHeap) Push(x interface{}) {
	*s = append(*s, x.(stateResV2ConflictedPowerLevel))
}
func (s *stateResV2ConflictedPowerLevelHeap) Pop() (x interface{}) {
	old := *s
	n := len(old)
	x = old[n-1]
	*s = old[:n-1]
	return
}

// A stateResV2ConflictedOtherHeap sorts the remaining conflicted events by
// mainline position, then by steps from the mainline, then by
// origin_server_ts, then by event ID.
type stateResV2ConflictedOtherHeap []stateResV2ConflictedOther

func (s stateResV2ConflictedOtherHeap) Len() int { return len(s) }
func (s stateResV2ConflictedOtherHeap) Less(i, j int) bool {
	if s[i].mainlinePosition != s[j].mainlinePosition {
		return s[i].mainlinePosition < s[j].mainlinePosition
	}
	if s[i].steps != s[j].steps {
		return s[i].steps < s[j].steps
	}
	if s[i].originServerTS != s[j].originServerTS {
		return s[i].originServerTS < s[j].originServerTS
	}
	return s[i].eventID < s[j].eventID
}
func (s stateResV2ConflictedOtherHeap) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
