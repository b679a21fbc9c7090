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
	"time"

	"github.com/go-playground/validator/v10"
)

// Provider config default values
const (
	DefaultSnapshotEndToken = "Success"
	DefaultTimeoutMs        = 30000
	DefaultHeartbeatMs      = 4000
	DefaultReconnectDelayMs = 5000
)

// ProviderConfig defines one logical data source: where to connect, what to
// subscribe to, and how rows are keyed.
type ProviderConfig struct {
	// WebsocketURL is the broker URL. ws:// and wss:// use STOMP over websocket, nats:// uses NATS
	WebsocketURL string `mapstructure:"websocket_url" json:"websocketUrl" validate:"required,url"`
	// ListenerTopic is the topic data rows arrive on
	ListenerTopic string `mapstructure:"listener_topic" json:"listenerTopic" validate:"required"`
	// RequestMessage is the optional topic the snapshot request is published to
	RequestMessage string `mapstructure:"request_message" json:"requestMessage,omitempty"`
	// RequestBody is the optional snapshot request body
	RequestBody string `mapstructure:"request_body" json:"requestBody,omitempty"`
	// SnapshotEndToken marks the end of the initial snapshot
	SnapshotEndToken string `mapstructure:"snapshot_end_token" json:"snapshotEndToken,omitempty"`
	// KeyColumn is the row field used as row identity
	KeyColumn string `mapstructure:"key_column" json:"keyColumn" validate:"required"`
	// TimeoutMs is the max duration for establishing the broker connection
	TimeoutMs int `mapstructure:"timeout_ms" json:"timeoutMs,omitempty" validate:"gte=0"`
	// HeartbeatMs is the broker heart-beat interval
	HeartbeatMs int `mapstructure:"heartbeat_ms" json:"heartbeatMs,omitempty" validate:"gte=0"`
	// AutoReconnect whether to reconnect after a connection error
	AutoReconnect *bool `mapstructure:"auto_reconnect" json:"autoReconnect,omitempty"`
	// ReconnectDelayMs is the initial delay before reconnecting
	ReconnectDelayMs int `mapstructure:"reconnect_delay_ms" json:"reconnectDelayMs,omitempty" validate:"gte=0"`
	// Login is the optional broker login
	Login string `mapstructure:"login" json:"login,omitempty"`
	// Passcode is the optional broker passcode
	Passcode string `mapstructure:"passcode" json:"passcode,omitempty"`
	// VirtualHost is the optional STOMP host header
	VirtualHost string `mapstructure:"virtual_host" json:"virtualHost,omitempty"`
}

// WithDefaults return a copy of the config with unset optional fields filled in
func (c ProviderConfig) WithDefaults() ProviderConfig {
	if c.SnapshotEndToken == "" {
		c.SnapshotEndToken = DefaultSnapshotEndToken
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.HeartbeatMs == 0 {
		c.HeartbeatMs = DefaultHeartbeatMs
	}
	if c.AutoReconnect == nil {
		enabled := true
		c.AutoReconnect = &enabled
	}
	if c.ReconnectDelayMs == 0 {
		c.ReconnectDelayMs = DefaultReconnectDelayMs
	}
	return c
}

// ConnectTimeout the connect timeout as a duration
func (c ProviderConfig) ConnectTimeout() time.Duration {
	return time.Millisecond * time.Duration(c.TimeoutMs)
}

// HeartBeat the heart-beat interval as a duration
func (c ProviderConfig) HeartBeat() time.Duration {
	return time.Millisecond * time.Duration(c.HeartbeatMs)
}

// ReconnectDelay the initial reconnect delay as a duration
func (c ProviderConfig) ReconnectDelay() time.Duration {
	return time.Millisecond * time.Duration(c.ReconnectDelayMs)
}

// ReconnectEnabled whether auto reconnect is enabled
func (c ProviderConfig) ReconnectEnabled() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

// HasSnapshotRequest whether a snapshot request should be published on connect
func (c ProviderConfig) HasSnapshotRequest() bool {
	return c.RequestMessage != ""
}

// ProviderRecord a named provider configuration, as kept by the configuration store
type ProviderRecord struct {
	// ProviderID is the provider identifier
	ProviderID string `mapstructure:"provider_id" json:"providerId" validate:"required"`
	// Name is the display name of the provider
	Name string `mapstructure:"name" json:"name"`
	// Config is the provider connection config
	Config ProviderConfig `mapstructure:"config" json:"config"`
}

// Validate validate the record content
func (r ProviderRecord) Validate(validate *validator.Validate) error {
	return validate.Struct(&r)
}
