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
	"sort"
	"sync"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/core"
	"github.com/alwitt/blotterfeed/feed"
	"github.com/apex/log"
)

// EngineFactory build a connection engine for a provider
type EngineFactory func(
	providerID string, config common.ProviderConfig, broadcaster feed.Broadcaster,
) (feed.Engine, error)

/*
DefaultEngineFactory engine factory building feed connection engines

	@param ctxt context.Context - root context of the engines
	@param wg *sync.WaitGroup - wait group for engine goroutines
	@param engineCfg common.EngineConfig - service wide engine settings
	@param dial core.BrokerDialer - broker dialer. nil uses core.DialBroker.
*/
func DefaultEngineFactory(
	ctxt context.Context, wg *sync.WaitGroup, engineCfg common.EngineConfig, dial core.BrokerDialer,
) EngineFactory {
	return func(
		providerID string, config common.ProviderConfig, broadcaster feed.Broadcaster,
	) (feed.Engine, error) {
		return feed.GetConnectionEngineInstance(ctxt, wg, feed.EngineParams{
			ProviderID:           providerID,
			Config:               config,
			Broadcaster:          broadcaster,
			Dial:                 dial,
			MaxReconnectAttempts: engineCfg.MaxReconnectAttempts,
			MaxReconnectDelay:    time.Millisecond * time.Duration(engineCfg.MaxReconnectDelay),
		})
	}
}

// SessionRegistry at most one connection engine per provider
type SessionRegistry interface {
	/*
		GetOrCreate get the provider's engine, or build and start a new one.

		A new engine is registered only if it started. An existing engine in error,
		with no reconnect pending or left, is restarted.

		 @param ctxt context.Context - bounds the engine start
		 @param providerID string - the provider ID
		 @param config common.ProviderConfig - config used if a new engine is needed
	*/
	GetOrCreate(ctxt context.Context, providerID string, config common.ProviderConfig) (feed.Engine, error)

	// Get the provider's engine if present
	Get(providerID string) (feed.Engine, bool)

	// Stop stop and remove the provider's engine. Stop errors are logged only.
	Stop(providerID string)

	// StopAll stop and remove all engines
	StopAll()

	// ActiveProviders IDs of providers with an engine, sorted
	ActiveProviders() []string
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	factory     EngineFactory
	broadcaster feed.Broadcaster
	createLock  sync.Mutex
	lock        sync.RWMutex
	engines     map[string]feed.Engine
}

// GetSessionRegistryInstance define a new session registry
func GetSessionRegistryInstance(
	factory EngineFactory, broadcaster feed.Broadcaster,
) SessionRegistry {
	return &sessionRegistryImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "subscription", "component": "session-registry"},
		},
		factory:     factory,
		broadcaster: broadcaster,
		engines:     make(map[string]feed.Engine),
	}
}

func (r *sessionRegistryImpl) GetOrCreate(
	ctxt context.Context, providerID string, config common.ProviderConfig,
) (feed.Engine, error) {
	// Serialize creation so one provider never gets two engines
	r.createLock.Lock()
	defer r.createLock.Unlock()

	if engine, ok := r.Get(providerID); ok {
		if engine.GetStatistics().State != feed.StateError {
			return engine, nil
		}
		log.WithFields(r.LogTags).Infof("Restarting failed engine for %s", providerID)
		if err := engine.Start(ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Engine for %s failed to restart", providerID)
			return nil, err
		}
		return engine, nil
	}

	engine, err := r.factory(providerID, config, r.broadcaster)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to define engine for %s", providerID)
		return nil, err
	}
	if err := engine.Start(ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Engine for %s failed to start", providerID)
		if err := engine.Stop(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf("Failed engine %s stop error", providerID)
		}
		return nil, err
	}

	r.lock.Lock()
	r.engines[providerID] = engine
	r.lock.Unlock()
	log.WithFields(r.LogTags).Infof("Started engine for %s", providerID)
	return engine, nil
}

func (r *sessionRegistryImpl) Get(providerID string) (feed.Engine, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	engine, ok := r.engines[providerID]
	return engine, ok
}

func (r *sessionRegistryImpl) Stop(providerID string) {
	r.lock.Lock()
	engine, ok := r.engines[providerID]
	delete(r.engines, providerID)
	r.lock.Unlock()
	if !ok {
		return
	}
	if err := engine.Stop(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf("Engine %s stop error", providerID)
	}
	log.WithFields(r.LogTags).Infof("Removed engine for %s", providerID)
}

func (r *sessionRegistryImpl) StopAll() {
	for _, providerID := range r.ActiveProviders() {
		r.Stop(providerID)
	}
}

func (r *sessionRegistryImpl) ActiveProviders() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.engines))
	for providerID := range r.engines {
		result = append(result, providerID)
	}
	sort.Strings(result)
	return result
}
