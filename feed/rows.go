// Copyright 2022 The blotterfeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientIDToken topic / body placeholder replaced with a per-connection id
const ClientIDToken = "{clientId}"

// newClientID per connection attempt unique client id
func newClientID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// ResolveClientID substitute every clientId placeholder in the template
func ResolveClientID(template, clientID string) string {
	return strings.ReplaceAll(template, ClientIDToken, clientID)
}

// IsSnapshotEnd whether the message body is the end of snapshot marker.
//
// Matches when the body contains the token (case-insensitive), or the body is a
// JSON object whose "status" or "snapshotToken" field equals the token.
func IsSnapshotEnd(body []byte, token string) bool {
	if token == "" {
		return false
	}
	if bytes.Contains(bytes.ToLower(body), []byte(strings.ToLower(token))) {
		return true
	}
	var marker struct {
		Status        interface{} `json:"status"`
		SnapshotToken interface{} `json:"snapshotToken"`
	}
	if err := json.Unmarshal(body, &marker); err != nil {
		return false
	}
	for _, field := range []interface{}{marker.Status, marker.SnapshotToken} {
		if value, ok := field.(string); ok && strings.EqualFold(value, token) {
			return true
		}
	}
	return false
}

// decodeJSON parse a body keeping numbers in their textual form
func decodeJSON(body []byte) (interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var parsed interface{}
	if err := decoder.Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// toRows keep the object entries of a JSON array, and count the other entries
func toRows(entries []interface{}) ([]Row, int) {
	rows := make([]Row, 0, len(entries))
	invalid := 0
	for _, entry := range entries {
		if obj, ok := entry.(map[string]interface{}); ok {
			rows = append(rows, Row(obj))
		} else {
			invalid++
		}
	}
	return rows, invalid
}

// ExtractRows parse a broker message body into rows.
//
// The variants are tried in order:
//   - a JSON array
//   - an object with a "rows" array
//   - an object with a "data" array
//   - a plain object without a "status" field, taken as one row
//
// Anything else yields no rows. Array entries which are not objects are not rows,
// and are counted as invalid. A body which is not JSON is an error.
func ExtractRows(body []byte) ([]Row, int, error) {
	parsed, err := decodeJSON(body)
	if err != nil {
		return nil, 0, err
	}
	switch value := parsed.(type) {
	case []interface{}:
		rows, invalid := toRows(value)
		return rows, invalid, nil
	case map[string]interface{}:
		if entries, ok := value["rows"].([]interface{}); ok {
			rows, invalid := toRows(entries)
			return rows, invalid, nil
		}
		if entries, ok := value["data"].([]interface{}); ok {
			rows, invalid := toRows(entries)
			return rows, invalid, nil
		}
		if _, ok := value["status"]; !ok {
			return []Row{Row(value)}, 0, nil
		}
		return []Row{}, 0, nil
	default:
		return []Row{}, 0, nil
	}
}
