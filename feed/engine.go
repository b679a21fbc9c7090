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

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Engine owns the broker connection and row cache of one provider
type Engine interface {
	// ProviderID the provider this engine serves
	ProviderID() string

	/*
		Start connect to the broker, subscribe to the listener topic, and publish the
		snapshot request if one is configured. Blocks until connected, or the connect
		timeout expires.

		 @param ctxt context.Context - the caller context
	*/
	Start(ctxt context.Context) error

	// Stop disconnect from the broker and clear the cache. No broadcast occurs afterwards.
	Stop() error

	/*
		GetSnapshotForSubscriber get the catch-up snapshot for a subscriber

		Returns nil if the snapshot phase is not complete, or the subscriber already
		received the live snapshot stream. Otherwise, returns the full cache content.

		 @param portID string - the subscriber port ID
	*/
	GetSnapshotForSubscriber(portID string) []Row

	// GetSnapshotCache get all cached rows
	GetSnapshotCache() []Row

	// GetCacheSize number of cached rows
	GetCacheSize() int

	// GetKeyColumn the row identity column
	GetKeyColumn() string

	// GetStatistics current engine statistics
	GetStatistics() Statistics
}

// EngineParams engine construction parameters
type EngineParams struct {
	// ProviderID is the provider ID
	ProviderID string `validate:"required"`
	// Config is the provider connection config
	Config common.ProviderConfig `validate:"-"`
	// Broadcaster is the subscriber fan-out
	Broadcaster Broadcaster `validate:"required"`
	// Dial opens broker connections. Defaults to core.DialBroker.
	Dial core.BrokerDialer
	// MaxReconnectAttempts is the max number of consecutive reconnects. Negative is unlimited.
	MaxReconnectAttempts int
	// MaxReconnectDelay caps the reconnect backoff. Zero means no cap.
	MaxReconnectDelay time.Duration
}

// connectionEngine implements Engine
type connectionEngine struct {
	common.Component
	providerID           string
	config               common.ProviderConfig
	broadcaster          Broadcaster
	dial                 core.BrokerDialer
	maxReconnectAttempts int
	maxReconnectDelay    time.Duration

	rootCtxt       context.Context
	wg             *sync.WaitGroup
	reconnectTimer common.IntervalTimer

	lock sync.Mutex
	// generation increments with every connection attempt and on stop. Broker
	// callbacks carrying an older generation are ignored.
	generation       uint64
	state            EngineState
	cache            *RowCache
	stats            Statistics
	reconnectAttempt int
	client           core.BrokerClient
	subscription     core.BrokerSubscription
}

/*
GetConnectionEngineInstance define a new connection engine

	@param ctxt context.Context - the engine root context
	@param wg *sync.WaitGroup - wait group for engine goroutines
	@param params EngineParams - engine parameters
	@return new engine instance
*/
func GetConnectionEngineInstance(
	ctxt context.Context, wg *sync.WaitGroup, params EngineParams,
) (Engine, error) {
	logTags := log.Fields{
		"module": "feed", "component": "connection-engine", "provider": params.ProviderID,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid engine parameters")
		return nil, err
	}
	config := params.Config.WithDefaults()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid provider config")
		return nil, fmt.Errorf("%w: %s", ErrConfigRequired, err.Error())
	}
	if params.Dial == nil {
		params.Dial = core.DialBroker
	}
	timer, err := common.GetIntervalTimerInstance(
		ctxt, wg, fmt.Sprintf("%s-reconnect", params.ProviderID),
	)
	if err != nil {
		return nil, err
	}
	return &connectionEngine{
		Component:            common.Component{LogTags: logTags},
		providerID:           params.ProviderID,
		config:               config,
		broadcaster:          params.Broadcaster,
		dial:                 params.Dial,
		maxReconnectAttempts: params.MaxReconnectAttempts,
		maxReconnectDelay:    params.MaxReconnectDelay,
		rootCtxt:             ctxt,
		wg:                   wg,
		reconnectTimer:       timer,
		state:                StateIdle,
		cache:                NewRowCache(config.KeyColumn, logTags),
	}, nil
}

func (e *connectionEngine) ProviderID() string {
	return e.providerID
}

func (e *connectionEngine) GetKeyColumn() string {
	return e.config.KeyColumn
}

func (e *connectionEngine) GetSnapshotCache() []Row {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.cache.GetAll()
}

func (e *connectionEngine) GetCacheSize() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.cache.Size()
}

func (e *connectionEngine) GetStatistics() Statistics {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.statistics()
}

// statistics must hold the engine lock
func (e *connectionEngine) statistics() Statistics {
	stats := e.stats
	stats.State = e.state
	stats.CacheSize = e.cache.Size()
	return stats
}

func (e *connectionEngine) GetSnapshotForSubscriber(portID string) []Row {
	e.lock.Lock()
	defer e.lock.Unlock()
	if !e.stats.SnapshotComplete {
		return nil
	}
	if e.broadcaster.HasLiveSnapshot(e.providerID, portID) {
		return nil
	}
	return e.cache.GetAll()
}

func (e *connectionEngine) Start(ctxt context.Context) error {
	e.lock.Lock()
	switch e.state {
	case StateStopped:
		e.lock.Unlock()
		return ErrEngineStopped
	case StateIdle, StateError:
	default:
		e.lock.Unlock()
		return nil
	}
	e.state = StateConnecting
	e.generation++
	gen := e.generation
	e.lock.Unlock()

	// A manual start replaces any pending reconnect
	_ = e.reconnectTimer.Stop()

	log.WithFields(e.LogTags).Infof("Connecting to %s", e.config.WebsocketURL)
	if err := e.connect(ctxt, gen); err != nil {
		e.failConnection(gen, err, false)
		return err
	}
	return nil
}

/*
connect open the broker connection, subscribe, and request the snapshot.

The client is closed on failure.
*/
func (e *connectionEngine) connect(ctxt context.Context, gen uint64) error {
	clientID := newClientID()
	logTags := e.CopyLogTags()
	logTags["client-id"] = clientID

	connCtxt, cancel := context.WithTimeout(ctxt, e.config.ConnectTimeout())
	defer cancel()
	client, err := e.dial(connCtxt, core.BrokerConnectParams{
		URL:       e.config.WebsocketURL,
		Login:     e.config.Login,
		Passcode:  e.config.Passcode,
		Host:      e.config.VirtualHost,
		HeartBeat: e.config.HeartBeat(),
		OnError: func(err error) {
			e.failConnection(gen, err, true)
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(connCtxt.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %s", ErrConnectTimeout, e.config.ConnectTimeout(), err.Error())
		}
		log.WithError(err).WithFields(logTags).Error("Broker connect failed")
		return err
	}

	e.lock.Lock()
	if gen != e.generation || e.state != StateConnecting {
		e.lock.Unlock()
		log.WithFields(logTags).Info("Connection superseded, dropping it")
		e.closeClient(client, nil)
		if e.isStopped() {
			return ErrEngineStopped
		}
		return fmt.Errorf("connection attempt superseded")
	}
	e.client = client
	e.state = StateSnapshot
	e.reconnectAttempt = 0
	e.stats.SnapshotComplete = false
	e.stats.ConnectionAttempts++
	e.stats.IsConnected = true
	e.stats.ConnectedAt = time.Now().UnixMilli()
	e.lock.Unlock()
	log.WithFields(logTags).Info("Connected to broker")

	topic := ResolveClientID(e.config.ListenerTopic, clientID)
	sub, err := client.Subscribe(topic, func(msg core.BrokerMessage) {
		e.handleMessage(gen, msg.Body)
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", topic)
		return err
	}
	e.lock.Lock()
	if gen == e.generation {
		e.subscription = sub
	} else {
		_ = sub.Unsubscribe()
	}
	e.lock.Unlock()

	if e.config.HasSnapshotRequest() {
		requestTopic := ResolveClientID(e.config.RequestMessage, clientID)
		requestBody := ResolveClientID(e.config.RequestBody, clientID)
		if err := client.Publish(connCtxt, requestTopic, []byte(requestBody)); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to request snapshot on %s", requestTopic)
			return err
		}
		log.WithFields(logTags).Debugf("Requested snapshot on %s", requestTopic)
	}
	return nil
}

func (e *connectionEngine) isStopped() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state == StateStopped
}

// closeClient disconnect in the background. Broker callbacks may be on the call stack.
func (e *connectionEngine) closeClient(client core.BrokerClient, sub core.BrokerSubscription) {
	if client == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(e.LogTags).Debug("Unsubscribe failed")
			}
		}
		if err := client.Close(); err != nil {
			log.WithError(err).WithFields(e.LogTags).Debug("Client close failed")
		}
	}()
}

/*
failConnection move to error and release the connection. Only the first failure
of a connection generation has effect.

A failure of Start is returned to its caller, so it is neither broadcast nor retried.
Background failures are broadcast, and a reconnect is scheduled if enabled.

	@param gen uint64 - the connection generation which failed
	@param err error - the failure
	@param background bool - whether the failure occurred outside of Start
*/
func (e *connectionEngine) failConnection(gen uint64, err error, background bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if gen != e.generation || e.state == StateError || e.state == StateStopped {
		return
	}
	log.WithError(err).WithFields(e.LogTags).Errorf("Connection failed in state %s", e.state)
	e.state = StateError
	e.stats.IsConnected = false
	e.stats.LastError = err.Error()

	client, sub := e.client, e.subscription
	e.client, e.subscription = nil, nil
	e.closeClient(client, sub)

	if !background {
		return
	}
	resp := NewErrorResponse(e.providerID, "", err)
	stats := e.statistics()
	resp.Statistics = &stats
	e.broadcaster.Broadcast(e.providerID, resp)
	if e.config.ReconnectEnabled() {
		e.scheduleReconnect()
	}
}

// scheduleReconnect must hold the engine lock
func (e *connectionEngine) scheduleReconnect() {
	if e.maxReconnectAttempts >= 0 && e.reconnectAttempt >= e.maxReconnectAttempts {
		log.WithFields(e.LogTags).Errorf(
			"Giving up after %d reconnect attempts", e.reconnectAttempt,
		)
		return
	}
	delay := e.config.ReconnectDelay()
	for i := 0; i < e.reconnectAttempt; i++ {
		delay *= 2
		if e.maxReconnectDelay > 0 && delay >= e.maxReconnectDelay {
			break
		}
	}
	if e.maxReconnectDelay > 0 && delay > e.maxReconnectDelay {
		delay = e.maxReconnectDelay
	}
	e.reconnectAttempt++
	gen := e.generation
	log.WithFields(e.LogTags).Infof("Reconnect attempt %d in %s", e.reconnectAttempt, delay)
	if err := e.reconnectTimer.Start(delay, func() error {
		return e.reconnect(gen)
	}, true); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to schedule reconnect")
	}
}

// reconnect error -> connecting. The cache is kept.
func (e *connectionEngine) reconnect(gen uint64) error {
	e.lock.Lock()
	if gen != e.generation || e.state != StateError {
		e.lock.Unlock()
		return nil
	}
	e.generation++
	newGen := e.generation
	e.state = StateConnecting
	e.lock.Unlock()

	log.WithFields(e.LogTags).Infof("Reconnecting to %s", e.config.WebsocketURL)
	if err := e.connect(e.rootCtxt, newGen); err != nil {
		e.failConnection(newGen, err, true)
		return err
	}
	return nil
}

// handleMessage classify and process one broker message
func (e *connectionEngine) handleMessage(gen uint64, body []byte) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if gen != e.generation || (e.state != StateSnapshot && e.state != StateRealtime) {
		return
	}
	e.stats.LastMessageAt = time.Now().UnixMilli()

	if !e.stats.SnapshotComplete && IsSnapshotEnd(body, e.config.SnapshotEndToken) {
		e.completeSnapshot()
		return
	}

	rows, invalid, err := ExtractRows(body)
	if err != nil {
		log.WithFields(e.LogTags).Debugf("Discarding non-JSON message of %dB", len(body))
		return
	}
	if invalid > 0 {
		e.stats.RejectedRowCount += int64(invalid)
		log.WithFields(e.LogTags).Warnf("Dropping %d row entries which are not objects", invalid)
	}
	if len(rows) == 0 {
		return
	}
	accepted, rejected := e.cache.Upsert(rows)
	e.stats.RejectedRowCount += int64(rejected)
	if len(accepted) == 0 {
		return
	}

	respType := ResponseUpdate
	if e.state == StateSnapshot {
		respType = ResponseSnapshot
		e.stats.SnapshotRowCount += int64(len(accepted))
	} else {
		e.stats.UpdateRowCount += int64(len(accepted))
	}
	resp := NewResponse(respType, e.providerID)
	resp.Data = accepted
	stats := e.statistics()
	resp.Statistics = &stats
	e.broadcaster.Broadcast(e.providerID, resp)
}

// completeSnapshot snapshot -> realtime. Must hold the engine lock.
func (e *connectionEngine) completeSnapshot() {
	e.state = StateRealtime
	e.stats.SnapshotComplete = true
	log.WithFields(e.LogTags).Infof("Snapshot complete with %d cached rows", e.cache.Size())
	e.broadcaster.MarkLiveSnapshot(e.providerID)
	resp := NewResponse(ResponseSnapshotComplete, e.providerID)
	stats := e.statistics()
	resp.Statistics = &stats
	e.broadcaster.Broadcast(e.providerID, resp)
}

func (e *connectionEngine) Stop() error {
	e.lock.Lock()
	if e.state == StateStopped {
		e.lock.Unlock()
		return nil
	}
	e.state = StateStopped
	e.generation++
	e.cache.Clear()
	e.stats.SnapshotComplete = false
	e.stats.IsConnected = false
	client, sub := e.client, e.subscription
	e.client, e.subscription = nil, nil
	e.lock.Unlock()

	_ = e.reconnectTimer.Stop()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(e.LogTags).Warn("Unsubscribe failed")
		}
	}
	var err error
	if client != nil {
		err = client.Close()
	}
	log.WithFields(e.LogTags).Info("Stopped")
	return err
}
