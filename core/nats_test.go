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
	"testing"
	"time"

	"github.com/apex/log"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNatsPubSub(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	connErrors := make(chan error, 2)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	uut, err := DialBroker(ctxt, BrokerConnectParams{
		URL:       srv.ClientURL(),
		HeartBeat: time.Second,
		OnError: func(err error) {
			connErrors <- err
		},
	})
	assert.Nil(err)
	assert.IsType(&NatsClient{}, uut)

	received := make(chan BrokerMessage, 8)
	sub, err := uut.Subscribe("rows.prices", func(msg BrokerMessage) {
		received <- msg
	})
	assert.Nil(err)

	// Case 0: messages are delivered in order
	for i := 0; i < 3; i++ {
		assert.Nil(uut.Publish(ctxt, "rows.prices", []byte(fmt.Sprintf(`[{"id":%d}]`, i))))
	}
	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			assert.Equal(fmt.Sprintf(`[{"id":%d}]`, i), string(msg.Body))
			assert.Equal("rows.prices", msg.Destination)
		case <-ctxt.Done():
			assert.FailNow("message not received")
		}
	}

	// Case 1: nothing after unsubscribe
	assert.Nil(sub.Unsubscribe())
	assert.Nil(uut.Publish(ctxt, "rows.prices", []byte(`[{"id":9}]`)))
	time.Sleep(time.Millisecond * 50)
	assert.Len(received, 0)

	// Case 2: client close is not a connection failure
	assert.Nil(uut.Close())
	assert.Nil(uut.Close())
	time.Sleep(time.Millisecond * 50)
	assert.Len(connErrors, 0)
}

func TestNatsSlowConsumer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	connErrors := make(chan error, 2)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	uut, err := DialNats(ctxt, BrokerConnectParams{
		URL: srv.ClientURL(),
		OnError: func(err error) {
			connErrors <- err
		},
	})
	assert.Nil(err)
	defer uut.Close()

	blocked := make(chan struct{})
	received := make(chan BrokerMessage, 64)
	sub, err := uut.Subscribe("rows.prices", func(msg BrokerMessage) {
		<-blocked
		received <- msg
	})
	assert.Nil(err)
	natsSub, ok := sub.(*nats.Subscription)
	assert.True(ok)
	assert.Nil(natsSub.SetPendingLimits(1, -1))

	// Overflow the pending queue while the handler is blocked
	for i := 0; i < 20; i++ {
		assert.Nil(uut.Publish(ctxt, "rows.prices", []byte(`[{"id":1}]`)))
	}
	time.Sleep(time.Millisecond * 100)
	close(blocked)

	// Dropped messages do not fail the connection
	assert.Len(connErrors, 0)
	assert.True(uut.nc.IsConnected())
	select {
	case <-received:
	case <-ctxt.Done():
		assert.FailNow("no message received")
	}
}

func TestNatsServerLost(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natsserver.RunRandClientPortServer()

	connErrors := make(chan error, 2)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	uut, err := DialNats(ctxt, BrokerConnectParams{
		URL: srv.ClientURL(),
		OnError: func(err error) {
			connErrors <- err
		},
	})
	assert.Nil(err)

	srv.Shutdown()
	select {
	case err := <-connErrors:
		assert.NotNil(err)
	case <-ctxt.Done():
		assert.FailNow("server loss not reported")
	}

	// Reported only once
	_ = uut.Close()
	time.Sleep(time.Millisecond * 50)
	assert.Len(connErrors, 0)
}
