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
	"context"
	"errors"
	"sync"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/core"
	"github.com/alwitt/blotterfeed/feed"
)

type recordingChannel struct {
	lock     sync.Mutex
	fail     bool
	messages []feed.Response
}

func (c *recordingChannel) Send(msg feed.Response) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.fail {
		return errors.New("channel closed")
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *recordingChannel) setFail(fail bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.fail = fail
}

func (c *recordingChannel) received() []feed.Response {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]feed.Response, len(c.messages))
	copy(result, c.messages)
	return result
}

func (c *recordingChannel) clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.messages = nil
}

type fakeSubscription struct{}

func (s fakeSubscription) Unsubscribe() error {
	return nil
}

type fakeBrokerClient struct {
	params  core.BrokerConnectParams
	lock    sync.Mutex
	handler core.MessageHandlerCB
	closed  bool
}

func (c *fakeBrokerClient) Subscribe(
	topic string, handler core.MessageHandlerCB,
) (core.BrokerSubscription, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handler = handler
	return fakeSubscription{}, nil
}

func (c *fakeBrokerClient) Publish(ctxt context.Context, topic string, body []byte) error {
	return nil
}

func (c *fakeBrokerClient) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *fakeBrokerClient) deliver(body string) {
	c.lock.Lock()
	handler, closed := c.handler, c.closed
	c.lock.Unlock()
	if handler != nil && !closed {
		handler(core.BrokerMessage{Body: []byte(body)})
	}
}

type fakeBroker struct {
	lock    sync.Mutex
	fail    error
	clients []*fakeBrokerClient
}

func (b *fakeBroker) dial(ctxt context.Context, params core.BrokerConnectParams) (core.BrokerClient, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	client := &fakeBrokerClient{params: params}
	b.clients = append(b.clients, client)
	return client, nil
}

func (b *fakeBroker) setFail(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.fail = err
}

func (b *fakeBroker) dialCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.clients)
}

func (b *fakeBroker) latest() *fakeBrokerClient {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.clients[len(b.clients)-1]
}

func testProviderRecord(providerID string) *common.ProviderRecord {
	return &common.ProviderRecord{
		ProviderID: providerID,
		Name:       providerID,
		Config: common.ProviderConfig{
			WebsocketURL:  "ws://127.0.0.1:8080/stomp",
			ListenerTopic: "/topic/" + providerID,
			KeyColumn:     "id",
			TimeoutMs:     500,
		},
	}
}

func testEngineFactory(ctxt context.Context, wg *sync.WaitGroup, broker *fakeBroker) EngineFactory {
	return DefaultEngineFactory(
		ctxt, wg, common.EngineConfig{MaxReconnectAttempts: 0, MaxReconnectDelay: 1000}, broker.dial,
	)
}
