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
	"testing"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/feed"
	"github.com/stretchr/testify/assert"
)

type fakeEngine struct {
	providerID string
	startErr   error
	lock       sync.Mutex
	started    int
	stopped    int
	state      feed.EngineState
}

func (e *fakeEngine) ProviderID() string { return e.providerID }

func (e *fakeEngine) Start(ctxt context.Context) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.started++
	if e.startErr != nil {
		e.state = feed.StateError
		return e.startErr
	}
	e.state = feed.StateSnapshot
	return nil
}

func (e *fakeEngine) Stop() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.stopped++
	return errors.New("stop is noisy")
}

func (e *fakeEngine) GetSnapshotForSubscriber(portID string) []feed.Row { return nil }
func (e *fakeEngine) GetSnapshotCache() []feed.Row                      { return nil }
func (e *fakeEngine) GetCacheSize() int                                 { return 0 }
func (e *fakeEngine) GetKeyColumn() string                              { return "id" }

func (e *fakeEngine) GetStatistics() feed.Statistics {
	e.lock.Lock()
	defer e.lock.Unlock()
	return feed.Statistics{State: e.state}
}

func (e *fakeEngine) setState(state feed.EngineState) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.state = state
}

func TestSessionRegistry(t *testing.T) {
	assert := assert.New(t)

	lock := sync.Mutex{}
	built := map[string][]*fakeEngine{}
	failStart := map[string]bool{"broken": true}
	factory := func(
		providerID string, config common.ProviderConfig, broadcaster feed.Broadcaster,
	) (feed.Engine, error) {
		lock.Lock()
		defer lock.Unlock()
		engine := &fakeEngine{providerID: providerID}
		if failStart[providerID] {
			engine.startErr = errors.New("connect refused")
		}
		// creation is slow enough for callers to overlap
		time.Sleep(time.Millisecond * 10)
		built[providerID] = append(built[providerID], engine)
		return engine, nil
	}
	uut := GetSessionRegistryInstance(factory, GetBroadcastRegistryInstance(nil))
	ctxt := context.Background()

	// Case 0: concurrent creation yields one engine
	wg := sync.WaitGroup{}
	engines := make([]feed.Engine, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			engine, err := uut.GetOrCreate(ctxt, "prices", common.ProviderConfig{})
			assert.Nil(err)
			engines[idx] = engine
		}(i)
	}
	wg.Wait()
	assert.Len(built["prices"], 1)
	assert.Equal(1, built["prices"][0].started)
	for _, engine := range engines {
		assert.Equal(engines[0], engine)
	}

	// Case 1: start failure is not registered
	_, err := uut.GetOrCreate(ctxt, "broken", common.ProviderConfig{})
	assert.NotNil(err)
	_, ok := uut.Get("broken")
	assert.False(ok)
	assert.Equal(1, built["broken"][0].stopped)

	// Case 2: stop removes regardless of stop error
	_, err = uut.GetOrCreate(ctxt, "trades", common.ProviderConfig{})
	assert.Nil(err)
	assert.Equal([]string{"prices", "trades"}, uut.ActiveProviders())
	uut.Stop("trades")
	_, ok = uut.Get("trades")
	assert.False(ok)
	assert.Equal(1, built["trades"][0].stopped)
	uut.Stop("trades")
	assert.Equal(1, built["trades"][0].stopped)

	// Case 3: an engine in error is restarted instead of rebuilt
	prices := built["prices"][0]
	prices.setState(feed.StateError)
	engine, err := uut.GetOrCreate(ctxt, "prices", common.ProviderConfig{})
	assert.Nil(err)
	assert.Equal(feed.Engine(prices), engine)
	assert.Len(built["prices"], 1)
	assert.Equal(2, prices.started)
	assert.Equal(feed.StateSnapshot, prices.GetStatistics().State)

	// Case 4: stop all
	uut.StopAll()
	assert.Len(uut.ActiveProviders(), 0)
	assert.Equal(1, built["prices"][0].stopped)
}
