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

package core

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// BrokerMessage one message received from the broker
type BrokerMessage struct {
	// Destination is the topic the message arrived on
	Destination string
	// Body is the raw message body
	Body []byte
}

// MessageHandlerCB callback used to forward broker messages to the next stage.
//
// Messages of one subscription are delivered one at a time, in broker order.
type MessageHandlerCB func(msg BrokerMessage)

// AlertOnErrorCB callback used to expose transport errors to an outer context
type AlertOnErrorCB func(err error)

// BrokerSubscription an active topic subscription
type BrokerSubscription interface {
	// Unsubscribe stop receiving messages on the topic
	Unsubscribe() error
}

// BrokerClient one live connection to a message broker
type BrokerClient interface {
	// Subscribe start receiving messages published on a topic
	Subscribe(topic string, handler MessageHandlerCB) (BrokerSubscription, error)
	// Publish send a message to a topic
	Publish(ctxt context.Context, topic string, body []byte) error
	// Close disconnect from the broker. Safe to call more than once.
	Close() error
}

// BrokerConnectParams broker connection parameters
type BrokerConnectParams struct {
	// URL is the broker URL
	URL string `validate:"required,url"`
	// Login is the optional broker login
	Login string
	// Passcode is the optional broker passcode
	Passcode string
	// Host is the optional virtual host
	Host string
	// HeartBeat is the heart-beat interval. Zero disables heart-beats.
	HeartBeat time.Duration
	// OnError is called once when the connection fails after being established
	OnError AlertOnErrorCB
}

// BrokerDialer establishes a broker connection. The dial is bounded by ctxt.
type BrokerDialer func(ctxt context.Context, params BrokerConnectParams) (BrokerClient, error)

// DialBroker connect to a broker, selecting the transport by URL scheme
func DialBroker(ctxt context.Context, params BrokerConnectParams) (BrokerClient, error) {
	parsed, err := url.Parse(params.URL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
		client, err := DialStompOverWebsocket(ctxt, params)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "nats", "tls":
		client, err := DialNats(ctxt, params)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported broker URL scheme '%s'", parsed.Scheme)
	}
}
