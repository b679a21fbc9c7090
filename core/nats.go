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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// defaultNatsConnectTimeout used when the dial context carries no deadline
const defaultNatsConnectTimeout = time.Second * 30

// errNatsConnectionClosed the connection closed without a reported disconnect error
var errNatsConnectionClosed = errors.New("NATS connection closed")

// NatsClient NATS core pub/sub broker client
//
// Reconnect is left to the connection engine, so the NATS library reconnect is disabled.
type NatsClient struct {
	common.Component
	nc        *nats.Conn
	onError   AlertOnErrorCB
	closing   int32
	errorOnce sync.Once
	closeOnce sync.Once
}

// DialNats connect to a NATS server
func DialNats(ctxt context.Context, params BrokerConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  params.URL,
	}
	timeout := defaultNatsConnectTimeout
	if deadline, ok := ctxt.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := ctxt.Err(); err != nil {
		return nil, err
	}

	instance := &NatsClient{
		Component: common.Component{LogTags: logTags},
		onError:   params.OnError,
	}
	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, e error) {
			if e != nil {
				instance.raiseError(e)
			}
		}),
		// Async errors, such as a slow consumer, leave the connection usable
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, e error) {
			if e == nil {
				return
			}
			if sub != nil {
				log.WithError(e).WithFields(logTags).Warnf("NATS async error on %s", sub.Subject)
			} else {
				log.WithError(e).WithFields(logTags).Warn("NATS async error")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS client closed connection")
			instance.raiseError(errNatsConnectionClosed)
		}),
	}
	if params.Login != "" {
		opts = append(opts, nats.UserInfo(params.Login, params.Passcode))
	}
	if params.HeartBeat > 0 {
		opts = append(opts, nats.PingInterval(params.HeartBeat))
	}

	nc, err := nats.Connect(params.URL, opts...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	instance.nc = nc
	log.WithFields(logTags).Info("Connected to NATS server")
	return instance, nil
}

// raiseError report a connection failure once, unless the client is closing
func (c *NatsClient) raiseError(err error) {
	if atomic.LoadInt32(&c.closing) == 1 {
		return
	}
	c.errorOnce.Do(func() {
		log.WithError(err).WithFields(c.LogTags).Error("NATS connection failure")
		if c.onError != nil {
			c.onError(err)
		}
	})
}

// Subscribe start receiving messages published on a topic
func (c *NatsClient) Subscribe(topic string, handler MessageHandlerCB) (BrokerSubscription, error) {
	sub, err := c.nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(BrokerMessage{Destination: msg.Subject, Body: msg.Data})
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", topic)
		return nil, err
	}
	log.WithFields(c.LogTags).Infof("Subscribed to %s", topic)
	return sub, nil
}

// Publish send a message to a topic
func (c *NatsClient) Publish(ctxt context.Context, topic string, body []byte) error {
	if err := c.nc.Publish(topic, body); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to publish to %s", topic)
		return err
	}
	if _, ok := ctxt.Deadline(); !ok {
		return c.nc.Flush()
	}
	return c.nc.FlushWithContext(ctxt)
}

// Close flush and close the NATS connection
func (c *NatsClient) Close() error {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closing, 1)
		ctxt, cancel := context.WithTimeout(context.Background(), disconnectGracePeriod)
		defer cancel()
		if err := c.nc.FlushWithContext(ctxt); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
		}
		c.nc.Close()
		log.WithFields(c.LogTags).Infof("Close NATS client")
	})
	return nil
}
