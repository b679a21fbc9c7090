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

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/blotterfeed/common"
)

// ErrNotFound provider is not in the store
var ErrNotFound = errors.New("provider config not found")

// ProviderStore read access to provider configurations
type ProviderStore interface {
	/*
		GetProvider fetch one provider config

		 @param ctxt context.Context - the call context
		 @param providerID string - the provider ID
	*/
	GetProvider(ctxt context.Context, providerID string) (common.ProviderRecord, error)

	// ListProviders fetch all provider configs, ordered by provider ID
	ListProviders(ctxt context.Context) ([]common.ProviderRecord, error)

	// Close release the store
	Close() error
}

/*
GetProviderStore define the provider store selected by the config

	@param ctxt context.Context - bounds connecting to the store backend
	@param config common.ProviderStoreConfig - the store config
*/
func GetProviderStore(ctxt context.Context, config common.ProviderStoreConfig) (ProviderStore, error) {
	switch config.Type {
	case "static":
		return GetStaticProviderStore(config.Providers)
	case "redis":
		if config.Redis == nil {
			return nil, fmt.Errorf("redis provider store requires redis parameters")
		}
		store, err := GetRedisProviderStore(
			ctxt,
			config.Redis.ServerAddr,
			config.Redis.Password,
			config.Redis.DB,
			config.Redis.KeyPrefix,
			time.Second*time.Duration(config.Redis.Timeout),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown provider store type '%s'", config.Type)
	}
}
