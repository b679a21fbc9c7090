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
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketConn presents a websocket as a byte stream.
//
// Every Write is sent as one text message; Read concatenates inbound messages.
type websocketConn struct {
	conn      *websocket.Conn
	reader    io.Reader
	writeLock sync.Mutex
	closeOnce sync.Once
}

// newWebsocketConn wrap a websocket connection
func newWebsocketConn(conn *websocket.Conn) *websocketConn {
	return &websocketConn{conn: conn}
}

// Read read from the current inbound message, moving on to the next one when exhausted
func (c *websocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, reader, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = reader
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write send p as one websocket text message
func (c *websocketConn) Write(p []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close send a close frame and close the underlying connection
func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}
