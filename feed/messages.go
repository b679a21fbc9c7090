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

import "time"

// Row is one JSON shaped record
type Row map[string]interface{}

// Copy shallow copy of the row
func (r Row) Copy() Row {
	dup := make(Row, len(r))
	for k, v := range r {
		dup[k] = v
	}
	return dup
}

// ResponseType response message discriminant
type ResponseType string

// Response types sent to subscribers
const (
	ResponseSubscribed       ResponseType = "subscribed"
	ResponseUnsubscribed     ResponseType = "unsubscribed"
	ResponseSnapshot         ResponseType = "snapshot"
	ResponseUpdate           ResponseType = "update"
	ResponseSnapshotComplete ResponseType = "snapshot-complete"
	ResponseStatus           ResponseType = "status"
	ResponseError            ResponseType = "error"
)

// Response message delivered to a subscriber
type Response struct {
	Type       ResponseType `json:"type"`
	ProviderID string       `json:"providerId"`
	RequestID  string       `json:"requestId,omitempty"`
	Data       []Row        `json:"data,omitempty"`
	Statistics *Statistics  `json:"statistics,omitempty"`
	Error      string       `json:"error,omitempty"`
	// Timestamp is unix epoch in ms
	Timestamp int64 `json:"timestamp"`
}

// NewResponse define a new response stamped with the current time
func NewResponse(respType ResponseType, providerID string) Response {
	return Response{
		Type:       respType,
		ProviderID: providerID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// NewErrorResponse define a new error response
func NewErrorResponse(providerID, requestID string, err error) Response {
	resp := NewResponse(ResponseError, providerID)
	resp.RequestID = requestID
	resp.Error = err.Error()
	return resp
}

// Broadcaster fan-out of engine events to the subscribers of a provider
type Broadcaster interface {
	// Broadcast deliver a message to every subscriber of the provider
	Broadcast(providerID string, msg Response)
	// MarkLiveSnapshot flag every current subscriber of the provider as having
	// received the live snapshot stream
	MarkLiveSnapshot(providerID string)
	// HasLiveSnapshot whether the subscriber received the live snapshot stream
	HasLiveSnapshot(providerID string, portID string) bool
}
