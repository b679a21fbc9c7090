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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/feed"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// errPortClosed send on a closed port
var errPortClosed = errors.New("subscriber port closed")

const portWriteTimeout = time.Second * 10

// subscriberPort one websocket connection, as a subscriber channel
type subscriberPort struct {
	common.Component
	portID       string
	conn         *websocket.Conn
	sendQueue    chan feed.Response
	pingInterval time.Duration
	closed       chan struct{}
	closeOnce    sync.Once
}

func newSubscriberPort(
	portID string, conn *websocket.Conn, config common.SubscriberWebsocketConfig, logTags log.Fields,
) *subscriberPort {
	conn.SetReadLimit(config.MaxMessageSize)
	return &subscriberPort{
		Component:    common.Component{LogTags: logTags},
		portID:       portID,
		conn:         conn,
		sendQueue:    make(chan feed.Response, config.SendQueueLength),
		pingInterval: time.Second * time.Duration(config.PingInterval),
		closed:       make(chan struct{}),
	}
}

// Send queue a message for the port. A full queue fails the send and closes the port,
// so the subscriber sees the disconnect.
func (p *subscriberPort) Send(msg feed.Response) error {
	select {
	case <-p.closed:
		return errPortClosed
	default:
	}
	select {
	case p.sendQueue <- msg:
		return nil
	case <-p.closed:
		return errPortClosed
	default:
		log.WithFields(p.LogTags).Error("Send queue full, closing port")
		p.close()
		return fmt.Errorf("port %s send queue full", p.portID)
	}
}

// readDeadline the connection is dead if nothing, not even a pong, arrives by then
func (p *subscriberPort) readDeadline() time.Time {
	return time.Now().Add(p.pingInterval * 2)
}

// close stop the port. Safe to call more than once.
func (p *subscriberPort) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

// writeLoop deliver queued messages, and ping the peer
func (p *subscriberPort) writeLoop() {
	defer log.WithFields(p.LogTags).Debug("Port write loop exiting")
	defer p.close()
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			// Best effort closing handshake
			_ = p.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		case msg := <-p.sendQueue:
			_ = p.conn.SetWriteDeadline(time.Now().Add(portWriteTimeout))
			if err := p.conn.WriteJSON(&msg); err != nil {
				log.WithError(err).WithFields(p.LogTags).Error("Failed to write to port")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(portWriteTimeout),
			); err != nil {
				log.WithError(err).WithFields(p.LogTags).Error("Failed to ping port")
				return
			}
		}
	}
}
