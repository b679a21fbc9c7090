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

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// ===============================================================================
// Feed Server Related Config

// FeedEndpointConfig defines feed API endpoint config
type FeedEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the feed APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// SubscriberWebsocketConfig defines the subscriber facing websocket parameters
type SubscriberWebsocketConfig struct {
	// ReadBufferSize is the websocket read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_bytes" json:"read_buffer_bytes" validate:"gte=0"`
	// WriteBufferSize is the websocket write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_bytes" json:"write_buffer_bytes" validate:"gte=0"`
	// MaxMessageSize is the max size of one subscriber request in bytes
	MaxMessageSize int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=512"`
	// SendQueueLength is the number of outbound messages buffered per subscriber port.
	// A port whose queue is full is treated as dead.
	SendQueueLength int `mapstructure:"send_queue_length" json:"send_queue_length" validate:"gte=1"`
	// PingInterval is the interval between keep-alive pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
}

// EngineConfig defines service wide connection engine parameters
type EngineConfig struct {
	// MaxReconnectAttempts is the max number of consecutive reconnect attempts (-1 is unlimited)
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=-1"`
	// MaxReconnectDelay caps the exponential reconnect backoff in milliseconds
	MaxReconnectDelay int `mapstructure:"max_reconnect_delay_ms" json:"max_reconnect_delay_ms" validate:"gte=0"`
	// RequestTimeout is the max duration for processing one subscriber request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// FeedServerConfig defines configuration for the feed server
type FeedServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the feed server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server"`
	// Endpoints is the API endpoint config parameters for the feed server
	Endpoints FeedEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config"`
	// Websocket is the subscriber websocket parameters
	Websocket SubscriberWebsocketConfig `mapstructure:"websocket" json:"websocket"`
	// Engine is the connection engine parameters
	Engine EngineConfig `mapstructure:"engine" json:"engine"`
}

// ===============================================================================
// Provider Store Related Config

// RedisStoreConfig defines parameters for the redis backed provider store
type RedisStoreConfig struct {
	// ServerAddr is the redis server address as host:port
	ServerAddr string `mapstructure:"server_addr" json:"server_addr" validate:"required,hostname_port"`
	// Password is the optional redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the redis DB index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is the prefix for all provider keys
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
	// Timeout is the redis call timeout in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
}

// ProviderStoreConfig defines where provider configurations are fetched from
type ProviderStoreConfig struct {
	// Type is the store type
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=static redis"`
	// Providers are the statically defined providers
	Providers []ProviderRecord `mapstructure:"providers" json:"providers,omitempty" validate:"omitempty,dive"`
	// Redis are the redis store parameters. Required when Type is "redis".
	Redis *RedisStoreConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"required_if=Type redis"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// FeedServer are the feed server configs
	FeedServer FeedServerConfig `mapstructure:"feed_server" json:"feed_server"`
	// ProviderStore are the provider store configs
	ProviderStore ProviderStoreConfig `mapstructure:"provider_store" json:"provider_store"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default feed server settings
	viper.SetDefault("feed_server.endpoint_config.path_prefix", "/")
	viper.SetDefault("feed_server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("feed_server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("feed_server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("feed_server.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("feed_server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"feed_server.api_server.logging_config.request_id_header", "Blotterfeed-Request-ID",
	)
	viper.SetDefault(
		"feed_server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("feed_server.websocket.read_buffer_bytes", 4096)
	viper.SetDefault("feed_server.websocket.write_buffer_bytes", 4096)
	viper.SetDefault("feed_server.websocket.max_message_bytes", 65536)
	viper.SetDefault("feed_server.websocket.send_queue_length", 1024)
	viper.SetDefault("feed_server.websocket.ping_interval_sec", 30)
	viper.SetDefault("feed_server.engine.max_reconnect_attempts", -1)
	viper.SetDefault("feed_server.engine.max_reconnect_delay_ms", 60000)
	viper.SetDefault("feed_server.engine.request_timeout_sec", 60)

	// Default provider store settings
	viper.SetDefault("provider_store.type", "static")
}
