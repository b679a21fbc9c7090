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
	"sync"

	"github.com/alwitt/blotterfeed/common"
	"github.com/alwitt/blotterfeed/feed"
	"github.com/apex/log"
)

// IdleSourceHandler called when pruning dead channels leaves a provider without subscribers
type IdleSourceHandler func(providerID string)

// BroadcastRegistry subscriber channels per provider
type BroadcastRegistry interface {
	feed.Broadcaster

	/*
		AddSubscriber register a subscriber channel for a provider. Re-adding a port
		replaces its channel.

		 @param providerID string - the provider ID
		 @param portID string - the subscriber port ID
		 @param channel Channel - the subscriber channel
	*/
	AddSubscriber(providerID string, portID string, channel Channel)

	/*
		RemoveSubscriber deregister a subscriber

		 @param providerID string - the provider ID
		 @param portID string - the subscriber port ID
		 @return whether the provider has no subscribers left
	*/
	RemoveSubscriber(providerID string, portID string) bool

	// CountSubscribers number of subscribers of a provider
	CountSubscribers(providerID string) int

	// HasSubscriber whether the port subscribes to the provider
	HasSubscriber(providerID string, portID string) bool
}

type subscriber struct {
	channel      Channel
	liveSnapshot bool
}

// broadcastRegistryImpl implements BroadcastRegistry
type broadcastRegistryImpl struct {
	common.Component
	lock    sync.Mutex
	sources map[string]map[string]*subscriber
	onIdle  IdleSourceHandler
}

/*
GetBroadcastRegistryInstance define a new broadcast registry

	@param onIdle IdleSourceHandler - optional, called when dead channel pruning
	    empties a provider. Called outside of the registry lock.
*/
func GetBroadcastRegistryInstance(onIdle IdleSourceHandler) BroadcastRegistry {
	return &broadcastRegistryImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "subscription", "component": "broadcast-registry"},
		},
		sources: make(map[string]map[string]*subscriber),
		onIdle:  onIdle,
	}
}

func (r *broadcastRegistryImpl) AddSubscriber(providerID string, portID string, channel Channel) {
	r.lock.Lock()
	defer r.lock.Unlock()
	subscribers, ok := r.sources[providerID]
	if !ok {
		subscribers = make(map[string]*subscriber)
		r.sources[providerID] = subscribers
	}
	if existing, ok := subscribers[portID]; ok {
		existing.channel = channel
		return
	}
	subscribers[portID] = &subscriber{channel: channel}
	log.WithFields(r.LogTags).Debugf("Port %s joined %s", portID, providerID)
}

func (r *broadcastRegistryImpl) RemoveSubscriber(providerID string, portID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	subscribers, ok := r.sources[providerID]
	if !ok {
		return true
	}
	delete(subscribers, portID)
	if len(subscribers) == 0 {
		delete(r.sources, providerID)
		return true
	}
	return false
}

func (r *broadcastRegistryImpl) CountSubscribers(providerID string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sources[providerID])
}

func (r *broadcastRegistryImpl) HasSubscriber(providerID string, portID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.sources[providerID][portID]
	return ok
}

func (r *broadcastRegistryImpl) Broadcast(providerID string, msg feed.Response) {
	emptied := false
	func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		subscribers, ok := r.sources[providerID]
		if !ok {
			return
		}
		for portID, sub := range subscribers {
			if err := sub.channel.Send(msg); err != nil {
				log.WithError(err).WithFields(r.LogTags).Warnf(
					"Dropping port %s of %s after send failure", portID, providerID,
				)
				delete(subscribers, portID)
			}
		}
		if len(subscribers) == 0 {
			delete(r.sources, providerID)
			emptied = true
		}
	}()
	if emptied && r.onIdle != nil {
		r.onIdle(providerID)
	}
}

func (r *broadcastRegistryImpl) MarkLiveSnapshot(providerID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, sub := range r.sources[providerID] {
		sub.liveSnapshot = true
	}
}

func (r *broadcastRegistryImpl) HasLiveSnapshot(providerID string, portID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	sub, ok := r.sources[providerID][portID]
	return ok && sub.liveSnapshot
}
