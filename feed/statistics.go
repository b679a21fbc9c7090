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

// EngineState connection engine lifecycle state
type EngineState string

// Engine states
const (
	StateIdle       EngineState = "idle"
	StateConnecting EngineState = "connecting"
	StateSnapshot   EngineState = "snapshot"
	StateRealtime   EngineState = "realtime"
	StateError      EngineState = "error"
	StateStopped    EngineState = "stopped"
)

// Statistics engine counters and current state
type Statistics struct {
	State              EngineState `json:"state"`
	IsConnected        bool        `json:"isConnected"`
	SnapshotComplete   bool        `json:"snapshotComplete"`
	SnapshotRowCount   int64       `json:"snapshotRowCount"`
	UpdateRowCount     int64       `json:"updateRowCount"`
	RejectedRowCount   int64       `json:"rejectedRowCount"`
	CacheSize          int         `json:"cacheSize"`
	ConnectionAttempts int         `json:"connectionAttempts"`
	LastError          string      `json:"lastError,omitempty"`
	// ConnectedAt is unix epoch in ms of the last successful connect
	ConnectedAt int64 `json:"connectedAt,omitempty"`
	// LastMessageAt is unix epoch in ms of the last broker message
	LastMessageAt int64 `json:"lastMessageAt,omitempty"`
}
