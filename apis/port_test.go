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

package apis

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/blotterfeed/feed"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestSubscriberPortQueueFull(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := testWebsocketConfig()
	config.SendQueueLength = 1

	ports := make(chan *subscriberPort, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// No write loop, so the queue is never drained
		ports <- newSubscriberPort("port-0", conn, config, log.Fields{"port": "port-0"})
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http"), nil,
	)
	assert.Nil(err)
	defer client.Close()

	var port *subscriberPort
	select {
	case port = <-ports:
	case <-time.After(time.Second * 5):
		assert.FailNow("port not created")
	}

	assert.Nil(port.Send(feed.NewResponse(feed.ResponseStatus, "prices")))

	// Queue full, the port is closed
	err = port.Send(feed.NewResponse(feed.ResponseStatus, "prices"))
	assert.NotNil(err)
	select {
	case <-port.closed:
	default:
		assert.Fail("port still open after failed send")
	}
	assert.Equal(errPortClosed, port.Send(feed.NewResponse(feed.ResponseStatus, "prices")))

	// The subscriber sees the disconnect
	_ = client.SetReadDeadline(time.Now().Add(time.Second * 5))
	_, _, err = client.ReadMessage()
	assert.NotNil(err)
	if netErr, ok := err.(interface{ Timeout() bool }); ok {
		assert.False(netErr.Timeout())
	}
}
