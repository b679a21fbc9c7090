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

package subscription

import (
	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/feed"
)

// RequestType subscriber request discriminant
type RequestType string

// Subscriber request types
const (
	RequestSubscribe   RequestType = "subscribe"
	RequestUnsubscribe RequestType = "unsubscribe"
	RequestGetSnapshot RequestType = "getSnapshot"
	RequestGetStatus   RequestType = "getStatus"
)

// Request message from a subscriber
type Request struct {
	Type       RequestType `json:"type"`
	ProviderID string      `json:"providerId"`
	PortID     string      `json:"portId"`
	RequestID  string      `json:"requestId,omitempty"`
	// Config is the provider config. Required by subscribe.
	Config *common.ProviderRecord `json:"config,omitempty"`
}

// Channel communication channel to one subscriber port
type Channel interface {
	// Send deliver a message to the subscriber. An error marks the channel as dead.
	Send(msg feed.Response) error
}
