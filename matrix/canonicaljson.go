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
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// Limits applied while canonicalising hostile input. Deeply nested or
// enormous documents fail with a typed error instead of exhausting the
// stack or the heap.
const (
	// canonicalMaxDepth is the maximum permitted nesting depth.
	canonicalMaxDepth = 1000
	// canonicalMaxEntries is the maximum permitted number of entries in a
	// single object or array.
	canonicalMaxEntries = 10000
)

// CanonicalJSONErrorKind classifies the failure modes of the canonical
// JSON encoder.
type CanonicalJSONErrorKind int

const (
	// CanonicalInvalidJSON means the input was not valid JSON.
	CanonicalInvalidJSON CanonicalJSONErrorKind = iota
	// CanonicalRecursiveStructure means the input exceeded the nesting
	// depth limit, or a cycle was detected while marshalling a value.
	CanonicalRecursiveStructure
	// CanonicalMemoryExhausted means a single container exceeded the
	// entry limit.
	CanonicalMemoryExhausted
)

// A CanonicalJSONError is returned when JSON cannot be canonicalised.
type CanonicalJSONError struct {
	Kind    CanonicalJSONErrorKind
	Message string
}

func (e CanonicalJSONError) Error() string {
	return "matrix: " + e.Message
}

func canonicalError(kind CanonicalJSONErrorKind, format string, args ...interface{}) error {
	return CanonicalJSONError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible encoding using integer values with sorted object keys.
// https://matrix.org/docs/spec/server_server/unstable.html#canonical-json
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.Valid(string(input)) {
		return nil, canonicalError(CanonicalInvalidJSON, "invalid JSON")
	}
	return canonicalJSON(input)
}

// CanonicalJSONValue marshals an arbitrary value and canonicalises the
// result. Cyclic values are reported as CanonicalRecursiveStructure rather
// than propagating encoding/json's untyped error.
func CanonicalJSONValue(value interface{}) ([]byte, error) {
	marshalled, err := json.Marshal(value)
	if err != nil {
		if _, ok := err.(*json.UnsupportedValueError); ok {
			return nil, canonicalError(CanonicalRecursiveStructure, "cycle detected while marshalling value")
		}
		return nil, canonicalError(CanonicalInvalidJSON, "unable to marshal value: %v", err)
	}
	return canonicalJSON(marshalled)
}

// CanonicalJSONAssumeValid is the same as CanonicalJSON but assumes the
// input is valid JSON within the structural limits.
func CanonicalJSONAssumeValid(input []byte) []byte {
	input = rawJSONFromResult(gjson.ParseBytes(input), input)
	output, _ := sortJSON(gjson.ParseBytes(input), make([]byte, 0, len(input)), 0)
	return output
}

func canonicalJSON(input []byte) ([]byte, error) {
	parsed := gjson.ParseBytes(rawJSONFromResult(gjson.ParseBytes(input), input))
	return sortJSON(parsed, make([]byte, 0, len(input)), 0)
}

// sortJSON reencodes the JSON with the object keys sorted by lexicographically
// by codepoint. The input must be valid JSON.
func sortJSON(input gjson.Result, output []byte, depth int) ([]byte, error) {
	if depth >= canonicalMaxDepth {
		return nil, canonicalError(
			CanonicalRecursiveStructure, "input exceeds maximum nesting depth of %d", canonicalMaxDepth,
		)
	}

	if input.IsArray() {
		output = append(output, '[')
		sep := false
		var entries int
		var innerErr error
		input.ForEach(func(_, value gjson.Result) bool {
			if entries++; entries > canonicalMaxEntries {
				innerErr = canonicalError(
					CanonicalMemoryExhausted, "array exceeds maximum of %d entries", canonicalMaxEntries,
				)
				return false
			}
			if sep {
				output = append(output, ',')
			}
			sep = true
			output, innerErr = sortJSON(value, output, depth+1)
			return innerErr == nil
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return append(output, ']'), nil
	}

	if input.IsObject() {
		type entry struct {
			key   string
			value gjson.Result
		}
		var entries []entry
		var innerErr error
		input.ForEach(func(key, value gjson.Result) bool {
			if key.Str == "" {
				innerErr = canonicalError(CanonicalInvalidJSON, "object has empty key")
				return false
			}
			if len(entries) >= canonicalMaxEntries {
				innerErr = canonicalError(
					CanonicalMemoryExhausted, "object exceeds maximum of %d entries", canonicalMaxEntries,
				)
				return false
			}
			entries = append(entries, entry{key: key.Str, value: value})
			return true
		})
		if innerErr != nil {
			return nil, innerErr
		}
		sort.Slice(entries, func(a, b int) bool {
			return entries[a].key < entries[b].key
		})
		output = append(output, '{')
		for i, e := range entries {
			if i > 0 {
				output = append(output, ',')
			}
			output = appendCanonicalString(output, e.key)
			output = append(output, ':')
			if output, innerErr = sortJSON(e.value, output, depth+1); innerErr != nil {
				return nil, innerErr
			}
		}
		return append(output, '}'), nil
	}

	switch input.Type {
	case gjson.String:
		return appendCanonicalString(output, input.Str), nil
	case gjson.Number:
		// Numbers must be integers in their shortest form.
		return strconv.AppendInt(output, int64(input.Num), 10), nil
	default:
		// true, false and null are already in canonical form.
		return append(output, input.Raw...), nil
	}
}

// appendCanonicalString appends a JSON string in the canonical encoding, which
// escapes only the characters JSON requires to be escaped and emits everything
// else as literal UTF-8.
func appendCanonicalString(output []byte, s string) []byte {
	output = append(output, '"')
	for _, r := range s {
		switch r {
		case '"':
			output = append(output, '\\', '"')
		case '\\':
			output = append(output, '\\', '\\')
		case '\b':
			output = append(output, '\\', 'b')
		case '\f':
			output = append(output, '\\', 'f')
		case '\n':
			output = append(output, '\\', 'n')
		case '\r':
			output = append(output, '\\', 'r')
		case '\t':
			output = append(output, '\\', 't')
		default:
			if r < 0x20 {
				output = append(output, fmt.Sprintf("\\u%04x", r)...)
			} else {
				output = append(output, string(r)...)
			}
		}
	}
	return append(output, '"')
}

// rawJSONFromResult extracts the raw JSON bytes pointed to by result.
// input must be the json bytes that were used to generate result.
func rawJSONFromResult(result gjson.Result, input []byte) (rawJSON []byte) {
	// This is lifted from gjson README. Basically, result.Raw is a copy of
	// the bytes we want, but its more efficient to take a slice.
	// If Index is 0 then for some reason we can't extract it from the original
	// JSON bytes.
	if result.Index > 0 {
		rawJSON = input[result.Index : result.Index+len(result.Raw)]
	} else {
		rawJSON = []byte(result.Raw)
	}
	return
}
