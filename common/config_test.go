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

package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		viper.Reset()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("static", cfg.ProviderStore.Type)
		assert.Equal(-1, cfg.FeedServer.Engine.MaxReconnectAttempts)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
feed_server:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: redis store without redis parameters
	{
		config := []byte(`---
provider_store:
  type: redis`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: static providers
	{
		config := []byte(`---
provider_store:
  type: static
  providers:
    - provider_id: fx-rates
      name: FX Rates
      config:
        websocket_url: ws://127.0.0.1:15674/ws
        listener_topic: /topic/fx.{clientId}
        request_message: /app/fx/snapshot
        request_body: '{"client":"{clientId}"}'
        key_column: ccyPair
        auto_reconnect: false`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Len(cfg.ProviderStore.Providers, 1)
		provider := cfg.ProviderStore.Providers[0]
		assert.Equal("fx-rates", provider.ProviderID)
		assert.Equal("ccyPair", provider.Config.KeyColumn)
		assert.True(provider.Config.HasSnapshotRequest())
		assert.False(provider.Config.ReconnectEnabled())
	}
	viper.Reset()
}

func TestProviderConfigDefaults(t *testing.T) {
	assert := assert.New(t)

	validate := validator.New()

	// Case 0: missing required fields
	{
		record := ProviderRecord{ProviderID: "p1"}
		assert.NotNil(record.Validate(validate))
	}

	// Case 1: defaults
	{
		record := ProviderRecord{
			ProviderID: "p1",
			Config: ProviderConfig{
				WebsocketURL:  "ws://localhost:8080/stomp",
				ListenerTopic: "/topic/rows",
				KeyColumn:     "id",
			},
		}
		assert.Nil(record.Validate(validate))
		cfg := record.Config.WithDefaults()
		assert.Equal(DefaultSnapshotEndToken, cfg.SnapshotEndToken)
		assert.Equal(time.Second*30, cfg.ConnectTimeout())
		assert.Equal(time.Second*4, cfg.HeartBeat())
		assert.Equal(time.Second*5, cfg.ReconnectDelay())
		assert.True(cfg.ReconnectEnabled())
		assert.False(cfg.HasSnapshotRequest())
		// original untouched
		assert.Equal("", record.Config.SnapshotEndToken)
	}

	// Case 2: explicit values survive
	{
		disabled := false
		cfg := ProviderConfig{
			SnapshotEndToken: "END",
			TimeoutMs:        100,
			AutoReconnect:    &disabled,
		}.WithDefaults()
		assert.Equal("END", cfg.SnapshotEndToken)
		assert.Equal(time.Millisecond*100, cfg.ConnectTimeout())
		assert.False(cfg.ReconnectEnabled())
	}
}
