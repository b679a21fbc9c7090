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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/blotterfeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// RedisProviderStore provider configs kept in redis.
//
// Each provider is a JSON document at "<prefix>/<provider ID>". The set at
// "<prefix>" lists the known provider IDs.
type RedisProviderStore struct {
	common.Component
	client      *redis.Client
	keyPrefix   string
	callTimeout time.Duration
	validate    *validator.Validate
}

/*
GetRedisProviderStore define a redis backed provider store

	@param ctxt context.Context - bounds the initial PING
	@param addr string - redis server host:port
	@param password string - optional password
	@param db int - redis DB index
	@param keyPrefix string - prefix of the provider keys
	@param callTimeout time.Duration - timeout of each redis call
*/
func GetRedisProviderStore(
	ctxt context.Context,
	addr string,
	password string,
	db int,
	keyPrefix string,
	callTimeout time.Duration,
) (*RedisProviderStore, error) {
	logTags := log.Fields{"module": "storage", "component": "redis-store", "instance": addr}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtxt, cancel := context.WithTimeout(ctxt, callTimeout)
	defer cancel()
	if err := client.Ping(pingCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach redis")
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	log.WithFields(logTags).Infof("Connected with redis DB %d", db)
	return &RedisProviderStore{
		Component:   common.Component{LogTags: logTags},
		client:      client,
		keyPrefix:   keyPrefix,
		callTimeout: callTimeout,
		validate:    validator.New(),
	}, nil
}

func (s *RedisProviderStore) key(providerID string) string {
	return fmt.Sprintf("%s/%s", s.keyPrefix, providerID)
}

func (s *RedisProviderStore) GetProvider(
	ctxt context.Context, providerID string,
) (common.ProviderRecord, error) {
	useCtxt, cancel := context.WithTimeout(ctxt, s.callTimeout)
	defer cancel()
	data, err := s.client.Get(useCtxt, s.key(providerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return common.ProviderRecord{}, fmt.Errorf("%w: '%s'", ErrNotFound, providerID)
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to GET %s", s.key(providerID))
		return common.ProviderRecord{}, err
	}
	var record common.ProviderRecord
	if err := json.Unmarshal(data, &record); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Provider %s is not valid JSON", providerID)
		return common.ProviderRecord{}, err
	}
	if err := record.Validate(s.validate); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Provider %s is not valid", providerID)
		return common.ProviderRecord{}, err
	}
	return record, nil
}

func (s *RedisProviderStore) ListProviders(ctxt context.Context) ([]common.ProviderRecord, error) {
	useCtxt, cancel := context.WithTimeout(ctxt, s.callTimeout)
	providerIDs, err := s.client.SMembers(useCtxt, s.keyPrefix).Result()
	cancel()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SMEMBERS %s", s.keyPrefix)
		return nil, err
	}
	sort.Strings(providerIDs)
	result := make([]common.ProviderRecord, 0, len(providerIDs))
	for _, providerID := range providerIDs {
		record, err := s.GetProvider(ctxt, providerID)
		if err != nil {
			// Listed but removed since
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, record)
	}
	return result, nil
}

// PutProvider record a provider config
func (s *RedisProviderStore) PutProvider(ctxt context.Context, record common.ProviderRecord) error {
	if err := record.Validate(s.validate); err != nil {
		return err
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	useCtxt, cancel := context.WithTimeout(ctxt, s.callTimeout)
	defer cancel()
	_, err = s.client.TxPipelined(useCtxt, func(pipe redis.Pipeliner) error {
		pipe.Set(useCtxt, s.key(record.ProviderID), data, 0)
		pipe.SAdd(useCtxt, s.keyPrefix, record.ProviderID)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to store provider %s", record.ProviderID)
		return err
	}
	log.WithFields(s.LogTags).Debugf("Stored provider %s", record.ProviderID)
	return nil
}

// DeleteProvider remove a provider config
func (s *RedisProviderStore) DeleteProvider(ctxt context.Context, providerID string) error {
	useCtxt, cancel := context.WithTimeout(ctxt, s.callTimeout)
	defer cancel()
	_, err := s.client.TxPipelined(useCtxt, func(pipe redis.Pipeliner) error {
		pipe.Del(useCtxt, s.key(providerID))
		pipe.SRem(useCtxt, s.keyPrefix, providerID)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to delete provider %s", providerID)
	}
	return err
}

func (s *RedisProviderStore) Close() error {
	return s.client.Close()
}
