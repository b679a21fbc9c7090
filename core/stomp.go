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
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/apex/log"
	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
)

// stompSubprotocols websocket subprotocols offered to the broker
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// disconnectGracePeriod max time to wait for the broker to acknowledge a DISCONNECT
const disconnectGracePeriod = time.Second * 2

// StompClient STOMP over websocket broker client
type StompClient struct {
	common.Component
	conn      *stomp.Conn
	transport *websocketConn
	onError   AlertOnErrorCB
	closing   int32
	errorOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialStompOverWebsocket connect to a STOMP broker over websocket
func DialStompOverWebsocket(ctxt context.Context, params BrokerConnectParams) (*StompClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "stomp-client",
		"instance":  params.URL,
	}
	parsed, err := url.Parse(params.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse broker URL")
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:        http.ProxyFromEnvironment,
		Subprotocols: stompSubprotocols,
	}
	wsConn, _, err := dialer.DialContext(ctxt, params.URL, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Websocket dial failed")
		return nil, err
	}
	transport := newWebsocketConn(wsConn)

	host := params.Host
	if host == "" {
		host = parsed.Hostname()
	}
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(host),
		stomp.ConnOpt.HeartBeat(params.HeartBeat, params.HeartBeat),
	}
	if params.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(params.Login, params.Passcode))
	}

	// The STOMP CONNECT handshake is bounded by the same context as the dial
	type connectResult struct {
		conn *stomp.Conn
		err  error
	}
	result := make(chan connectResult, 1)
	go func() {
		conn, err := stomp.Connect(transport, opts...)
		result <- connectResult{conn: conn, err: err}
	}()
	select {
	case r := <-result:
		if r.err != nil {
			log.WithError(r.err).WithFields(logTags).Error("STOMP connect failed")
			_ = transport.Close()
			return nil, r.err
		}
		log.WithFields(logTags).Info("Connected to STOMP broker")
		return &StompClient{
			Component: common.Component{LogTags: logTags},
			conn:      r.conn,
			transport: transport,
			onError:   params.OnError,
		}, nil
	case <-ctxt.Done():
		_ = transport.Close()
		log.WithError(ctxt.Err()).WithFields(logTags).Error("STOMP connect timed out")
		return nil, ctxt.Err()
	}
}

// raiseError report a connection failure once, unless the client is closing
func (c *StompClient) raiseError(err error) {
	if atomic.LoadInt32(&c.closing) == 1 {
		return
	}
	c.errorOnce.Do(func() {
		log.WithError(err).WithFields(c.LogTags).Error("STOMP connection failure")
		if c.onError != nil {
			c.onError(err)
		}
	})
}

// stompSubscription implements BrokerSubscription
type stompSubscription struct {
	sub          *stomp.Subscription
	unsubscribed int32
}

// Unsubscribe stop receiving messages on the topic
func (s *stompSubscription) Unsubscribe() error {
	if !atomic.CompareAndSwapInt32(&s.unsubscribed, 0, 1) {
		return nil
	}
	if !s.sub.Active() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Subscribe start receiving messages published on a topic
func (c *StompClient) Subscribe(topic string, handler MessageHandlerCB) (BrokerSubscription, error) {
	sub, err := c.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", topic)
		return nil, err
	}
	wrapped := &stompSubscription{sub: sub}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer log.WithFields(c.LogTags).Debugf("Stopped reading %s", topic)
		for msg := range sub.C {
			if msg == nil {
				continue
			}
			if msg.Err != nil {
				if atomic.LoadInt32(&wrapped.unsubscribed) == 0 {
					c.raiseError(msg.Err)
				}
				return
			}
			handler(BrokerMessage{Destination: msg.Destination, Body: msg.Body})
		}
		// Channel closed without an explicit unsubscribe means the connection is gone
		if atomic.LoadInt32(&wrapped.unsubscribed) == 0 {
			c.raiseError(fmt.Errorf("subscription to %s closed by broker", topic))
		}
	}()
	log.WithFields(c.LogTags).Infof("Subscribed to %s", topic)
	return wrapped, nil
}

// Publish send a message to a topic
func (c *StompClient) Publish(ctxt context.Context, topic string, body []byte) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := c.conn.Send(topic, "text/plain", body); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to publish to %s", topic)
		return err
	}
	log.WithFields(c.LogTags).Debugf("Published %dB to %s", len(body), topic)
	return nil
}

// Close disconnect from the broker
func (c *StompClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closing, 1)
		disconnected := make(chan error, 1)
		go func() {
			disconnected <- c.conn.Disconnect()
		}()
		select {
		case err = <-disconnected:
		case <-time.After(disconnectGracePeriod):
			err = c.conn.MustDisconnect()
		}
		_ = c.transport.Close()
		c.wg.Wait()
		log.WithFields(c.LogTags).Info("Closed STOMP client")
	})
	return err
}
