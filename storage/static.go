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
	"fmt"
	"sort"

	"github.com/alwitt/blotterfeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// staticProviderStore provider configs fixed at startup
type staticProviderStore struct {
	common.Component
	providers map[string]common.ProviderRecord
}

// GetStaticProviderStore define a provider store holding a fixed set of providers
func GetStaticProviderStore(records []common.ProviderRecord) (ProviderStore, error) {
	logTags := log.Fields{"module": "storage", "component": "static-store"}
	validate := validator.New()
	providers := make(map[string]common.ProviderRecord)
	for _, record := range records {
		if err := record.Validate(validate); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Provider '%s' is not valid", record.ProviderID)
			return nil, err
		}
		if _, ok := providers[record.ProviderID]; ok {
			return nil, fmt.Errorf("provider '%s' defined more than once", record.ProviderID)
		}
		providers[record.ProviderID] = record
	}
	log.WithFields(logTags).Infof("Loaded %d providers", len(providers))
	return &staticProviderStore{
		Component: common.Component{LogTags: logTags},
		providers: providers,
	}, nil
}

func (s *staticProviderStore) GetProvider(
	ctxt context.Context, providerID string,
) (common.ProviderRecord, error) {
	record, ok := s.providers[providerID]
	if !ok {
		return common.ProviderRecord{}, fmt.Errorf("%w: '%s'", ErrNotFound, providerID)
	}
	return record, nil
}

func (s *staticProviderStore) ListProviders(ctxt context.Context) ([]common.ProviderRecord, error) {
	result := make([]common.ProviderRecord, 0, len(s.providers))
	for _, record := range s.providers {
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ProviderID < result[j].ProviderID
	})
	return result, nil
}

func (s *staticProviderStore) Close() error {
	return nil
}
