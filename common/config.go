// Copyright 2023-2024 The avlbroker Authors
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
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Postgres Related Config

// PostgresConfig defines parameters for connecting to the subscription database
type PostgresConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host" validate:"required"`
	// Port is the database port
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0"`
	// Database is the database name
	Database string `mapstructure:"database" json:"database" validate:"required"`
	// User is the database user
	User string `mapstructure:"user" json:"user" validate:"required"`
	// Password is the database user password
	Password string `mapstructure:"password" json:"-"`
	// SSLMode is the libpq sslmode parameter
	SSLMode string `mapstructure:"ssl_mode" json:"ssl_mode" validate:"required,oneof=disable allow prefer require verify-ca verify-full"`
	// MaxConnections is the max size of the connection pool
	MaxConnections int32 `mapstructure:"max_connections" json:"max_connections" validate:"gte=1"`
	// MigrationsTable is the table golang-migrate uses to track schema versions
	MigrationsTable string `mapstructure:"migrations_table" json:"migrations_table" validate:"required"`
}

// ===============================================================================
// Delivery Infrastructure Provisioning Config

// CapacityAlarmConfig defines the capacity alarm placed on every consumer queue
type CapacityAlarmConfig struct {
	// Threshold is the queue backlog depth which breaches the alarm
	Threshold uint64 `mapstructure:"threshold" json:"threshold" validate:"gte=1"`
	// EvaluationPeriod is the alarm evaluation window in seconds
	EvaluationPeriod int `mapstructure:"evaluation_period_sec" json:"evaluation_period_sec" validate:"gte=1"`
	// EvaluationPeriods is the number of consecutive breaching windows before alarming
	EvaluationPeriods int `mapstructure:"evaluation_periods" json:"evaluation_periods" validate:"gte=1"`
	// AlarmSubject is the channel notified when the alarm enters the ALARM state
	AlarmSubject string `mapstructure:"alarm_subject" json:"alarm_subject" validate:"required"`
	// OKSubject is the channel notified when the alarm returns to the OK state
	OKSubject string `mapstructure:"ok_subject" json:"ok_subject" validate:"required"`
}

// ProvisioningConfig defines the shape of the delivery infrastructure created per subscription
type ProvisioningConfig struct {
	// QueueSubjectPrefix is the NATS subject prefix of the per-subscription queues
	QueueSubjectPrefix string `mapstructure:"queue_subject_prefix" json:"queue_subject_prefix" validate:"required"`
	// VisibilityTimeout is the queue message visibility window in seconds
	VisibilityTimeout int `mapstructure:"visibility_timeout_sec" json:"visibility_timeout_sec" validate:"gte=1"`
	// MessageRetention is how long queued records are kept in seconds
	MessageRetention int `mapstructure:"message_retention_sec" json:"message_retention_sec" validate:"gte=1"`
	// QueueNameReuseCooldown is how long a deleted queue name stays unusable in seconds
	QueueNameReuseCooldown int `mapstructure:"queue_name_reuse_cooldown_sec" json:"queue_name_reuse_cooldown_sec" validate:"gte=1"`
	// Alarm defines the capacity alarm parameters
	Alarm CapacityAlarmConfig `mapstructure:"alarm" json:"alarm" validate:"required"`
	// DataSenderSubject is the subject the data-sender function receives queued records on
	DataSenderSubject string `mapstructure:"data_sender_subject" json:"data_sender_subject" validate:"required"`
	// DataSenderGroup is the delivery group shared by data-sender instances
	DataSenderGroup string `mapstructure:"data_sender_group" json:"data_sender_group" validate:"required"`
	// DataSenderMaxInflight is the max number of un-ACKed records per consumer wiring
	DataSenderMaxInflight int `mapstructure:"data_sender_max_inflight" json:"data_sender_max_inflight" validate:"gte=1"`
	// PollerSubject is the subject the data-poller function is triggered on
	PollerSubject string `mapstructure:"poller_subject" json:"poller_subject" validate:"required"`
	// PollInterval is the cadence of the recurring poll trigger in seconds
	PollInterval int `mapstructure:"poll_interval_sec" json:"poll_interval_sec" validate:"gte=1"`
	// APIRateLimit is the max provider API calls per second
	APIRateLimit float64 `mapstructure:"api_rate_limit" json:"api_rate_limit" validate:"gt=0"`
	// APIRateBurst is the provider API call burst allowance
	APIRateBurst int `mapstructure:"api_rate_burst" json:"api_rate_burst" validate:"gte=1"`
	// APICallTimeout is the max duration of one provider API call in seconds
	APICallTimeout int `mapstructure:"api_call_timeout_sec" json:"api_call_timeout_sec" validate:"gte=1"`
	// AlarmBucket is the KV bucket holding capacity alarm definitions
	AlarmBucket string `mapstructure:"alarm_bucket" json:"alarm_bucket" validate:"required"`
	// ScheduleBucket is the KV bucket holding recurring trigger definitions
	ScheduleBucket string `mapstructure:"schedule_bucket" json:"schedule_bucket" validate:"required"`
	// TombstoneBucket is the KV bucket recording recently deleted queue names
	TombstoneBucket string `mapstructure:"tombstone_bucket" json:"tombstone_bucket" validate:"required"`
}

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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// API Server Related Config

// APIEndpointConfig defines the consumer subscription API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the subscription APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the consumer subscription API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// AllowedAPIKeys is the static set of accepted consumer API keys. Empty accepts any key.
	AllowedAPIKeys []string `mapstructure:"allowed_api_keys" json:"-"`
}

// ===============================================================================
// Scheduler Related Config

// SchedulerConfig defines configuration for the trigger runner and alarm evaluator
type SchedulerConfig struct {
	// TickInterval is how often the trigger runner checks for due schedules in seconds
	TickInterval int `mapstructure:"tick_interval_sec" json:"tick_interval_sec" validate:"gte=1"`
	// RegistryRefreshInterval is how often the schedule and alarm registries are re-read in seconds
	RegistryRefreshInterval int `mapstructure:"registry_refresh_interval_sec" json:"registry_refresh_interval_sec" validate:"gte=1"`
	// PublishTimeout is the max duration to wait for a publish ACK in seconds
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=1"`
	// EventStream is the stream capturing poll triggers and alarm notifications
	EventStream string `mapstructure:"event_stream" json:"event_stream" validate:"required"`
	// EventRetention is how long an unconsumed trigger or notification is kept in seconds
	EventRetention int `mapstructure:"event_retention_sec" json:"event_retention_sec" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Postgres are the subscription database config parameters
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres" validate:"required"`
	// Provisioning are the delivery infrastructure config parameters
	Provisioning ProvisioningConfig `mapstructure:"provisioning" json:"provisioning" validate:"required"`
	// API are the consumer subscription API server configs
	API *APIServerConfig `mapstructure:"api,omitempty" json:"api,omitempty" validate:"omitempty"`
	// Scheduler are the trigger runner and alarm evaluator configs
	Scheduler *SchedulerConfig `mapstructure:"scheduler,omitempty" json:"scheduler,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Postgres settings
	viper.SetDefault("postgres.host", "127.0.0.1")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.database", "avlbroker")
	viper.SetDefault("postgres.user", "avlbroker")
	viper.SetDefault("postgres.password", "")
	viper.SetDefault("postgres.ssl_mode", "disable")
	viper.SetDefault("postgres.max_connections", 8)
	viper.SetDefault("postgres.migrations_table", "schema_migrations")

	// Default provisioning settings
	viper.SetDefault("provisioning.queue_subject_prefix", "avl.consumer")
	viper.SetDefault("provisioning.visibility_timeout_sec", 60)
	viper.SetDefault("provisioning.message_retention_sec", 345600)
	viper.SetDefault("provisioning.queue_name_reuse_cooldown_sec", 60)
	viper.SetDefault("provisioning.alarm.threshold", 25)
	viper.SetDefault("provisioning.alarm.evaluation_period_sec", 60)
	viper.SetDefault("provisioning.alarm.evaluation_periods", 1)
	viper.SetDefault("provisioning.alarm.alarm_subject", "avl.alarms.queue-capacity")
	viper.SetDefault("provisioning.alarm.ok_subject", "avl.alarms.queue-capacity-ok")
	viper.SetDefault("provisioning.data_sender_subject", "avl.data-sender")
	viper.SetDefault("provisioning.data_sender_group", "data-sender")
	viper.SetDefault("provisioning.data_sender_max_inflight", 10)
	viper.SetDefault("provisioning.poller_subject", "avl.data-poller")
	viper.SetDefault("provisioning.poll_interval_sec", 60)
	viper.SetDefault("provisioning.api_rate_limit", 20.0)
	viper.SetDefault("provisioning.api_rate_burst", 40)
	viper.SetDefault("provisioning.api_call_timeout_sec", 10)
	viper.SetDefault("provisioning.alarm_bucket", "capacity-alarms")
	viper.SetDefault("provisioning.schedule_bucket", "poll-schedules")
	viper.SetDefault("provisioning.tombstone_bucket", "queue-tombstones")

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api.api_server.logging_config.request_id_header", "Avlbroker-Request-ID")
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"X-Api-Key",
		},
	)
	viper.SetDefault("api.allowed_api_keys", []string{})

	// Default scheduler settings
	viper.SetDefault("scheduler.tick_interval_sec", 5)
	viper.SetDefault("scheduler.registry_refresh_interval_sec", 30)
	viper.SetDefault("scheduler.publish_timeout_sec", 10)
	viper.SetDefault("scheduler.event_stream", "avl-scheduler-events")
	viper.SetDefault("scheduler.event_retention_sec", 3600)
}
