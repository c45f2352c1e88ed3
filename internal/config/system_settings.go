package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const DATABASE_TYPE = "WF_DATABASE_TYPE"
const DATABASE_URL = "WF_DATABASE_URL"
const DATABASE_SQLITE_FILE_NAME = "WF_DATABASE_SQLITE_FILE_NAME"
const ENGINE_SERVER_WEB_PORT = "WF_ENGINE_SERVER_WEB_PORT"
const ENGINE_CHECK_DB_INTERVAL = "WF_ENGINE_CHECK_DB_INTERVAL"
const ENGINE_STUCK_EXECUTIONS_INTERVAL = "WF_ENGINE_STUCK_EXECUTIONS_INTERVAL"
const ENGINE_STUCK_EXECUTIONS_REPAIR_AFTER_MINUTES = "WF_ENGINE_STUCK_EXECUTIONS_REPAIR_AFTER_MINUTES"
const ENGINE_HEARTBEAT_INTERVAL = "WF_ENGINE_HEARTBEAT_INTERVAL"
const ENGINE_BATCH_SIZE = "WF_ENGINE_BATCH_SIZE"         //number of executions to claim from the database at a time
const ENGINE_EXECUTOR_GROUP = "WF_ENGINE_EXECUTOR_GROUP" //the group of executors sharing the same database
const ENGINE_EXECUTOR_SIZE = "WF_ENGINE_EXECUTOR_SIZE"   //number of workers advancing executions in parallel
const ENGINE_EXECUTOR_NAME = "WF_ENGINE_EXECUTOR_NAME"
const ENGINE_MAX_STEPS_PER_RUN = "WF_ENGINE_MAX_STEPS_PER_RUN" //steps a worker advances before yielding the execution
const EVENTS_QUEUE_SIZE = "WF_EVENTS_QUEUE_SIZE"
const EVENTS_DRAIN_TIMEOUT = "WF_EVENTS_DRAIN_TIMEOUT" //how long queued events are still dispatched on shutdown
const RETRY_MAX_ATTEMPTS = "WF_RETRY_MAX_ATTEMPTS"
const RETRY_BASE_DELAY = "WF_RETRY_BASE_DELAY"
const RETRY_MULTIPLIER = "WF_RETRY_MULTIPLIER"
const RETRY_MAX_DELAY = "WF_RETRY_MAX_DELAY"
const WAIT_MAX_DURATION = "WF_WAIT_MAX_DURATION"
const WEBHOOK_TIMEOUT = "WF_WEBHOOK_TIMEOUT"
const WEBHOOK_MAX_TIMEOUT = "WF_WEBHOOK_MAX_TIMEOUT"
const MESSAGING_SERVICE_URL = "WF_MESSAGING_SERVICE_URL" //empty means messages are only logged
const DATA_SERVICE_URL = "WF_DATA_SERVICE_URL"           //empty is only accepted with WF_DEV_MODE, entities and tasks are then kept in memory
const SERVICE_TOKEN = "WF_SERVICE_TOKEN"
const TRIGGER_CACHE_TTL = "WF_TRIGGER_CACHE_TTL"
const API_KEY_CACHE_TTL = "WF_API_KEY_CACHE_TTL" //how long a verified api key skips bcrypt
const API_KEY_CACHE_SIZE = "WF_API_KEY_CACHE_SIZE"
const TRIGGER_CACHE_SIZE = "WF_TRIGGER_CACHE_SIZE"
const REDIS_URL = "WF_REDIS_URL"
const REDIS_WAKEUP_CHANNEL = "WF_REDIS_WAKEUP_CHANNEL"
const KAFKA_BROKERS = "WF_KAFKA_BROKERS"
const KAFKA_TOPIC = "WF_KAFKA_TOPIC"
const KAFKA_GROUP_ID = "WF_KAFKA_GROUP_ID"
const SCHEDULER_ENABLED = "WF_SCHEDULER_ENABLED"
const STATSD_ADDRESS = "WF_STATSD_ADDRESS"
const LOG_LEVEL = "WF_LOG_LEVEL"
const DEV_MODE = "WF_DEV_MODE" //allows running without the data service

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLITE = "SQLITE"

var (
	settings     *viper.Viper
	settingsOnce sync.Once
)

func store() *viper.Viper {
	settingsOnce.Do(func() {
		v := viper.New()
		v.AutomaticEnv()
		v.SetDefault(DATABASE_TYPE, DATABASE_TYPE_SQLITE)
		v.SetDefault(DATABASE_SQLITE_FILE_NAME, "./automatisations.db")
		v.SetDefault(ENGINE_SERVER_WEB_PORT, "8080")
		v.SetDefault(ENGINE_CHECK_DB_INTERVAL, "3s")
		v.SetDefault(ENGINE_STUCK_EXECUTIONS_INTERVAL, "60s")
		v.SetDefault(ENGINE_STUCK_EXECUTIONS_REPAIR_AFTER_MINUTES, "5")
		v.SetDefault(ENGINE_HEARTBEAT_INTERVAL, "30s")
		v.SetDefault(ENGINE_BATCH_SIZE, "10")
		v.SetDefault(ENGINE_EXECUTOR_GROUP, "default")
		v.SetDefault(ENGINE_EXECUTOR_SIZE, "5")
		v.SetDefault(ENGINE_MAX_STEPS_PER_RUN, "50")
		v.SetDefault(EVENTS_QUEUE_SIZE, "1000")
		v.SetDefault(EVENTS_DRAIN_TIMEOUT, "10s")
		v.SetDefault(RETRY_MAX_ATTEMPTS, "3")
		v.SetDefault(RETRY_BASE_DELAY, "30s")
		v.SetDefault(RETRY_MULTIPLIER, "2")
		v.SetDefault(RETRY_MAX_DELAY, "1h")
		v.SetDefault(WAIT_MAX_DURATION, "2160h") // 90 days
		v.SetDefault(WEBHOOK_TIMEOUT, "10s")
		v.SetDefault(WEBHOOK_MAX_TIMEOUT, "60s")
		v.SetDefault(TRIGGER_CACHE_TTL, "5m")
		v.SetDefault(TRIGGER_CACHE_SIZE, "10000")
		v.SetDefault(API_KEY_CACHE_TTL, "5m")
		v.SetDefault(API_KEY_CACHE_SIZE, "10000")
		v.SetDefault(REDIS_WAKEUP_CHANNEL, "automatisations:wakeup")
		v.SetDefault(KAFKA_GROUP_ID, "automatisations")
		v.SetDefault(SCHEDULER_ENABLED, "true")
		v.SetDefault(LOG_LEVEL, "info")
		v.SetDefault(DEV_MODE, "false")
		settings = v
	})
	return settings
}

// LoadFile merges an optional YAML/JSON/TOML settings file. Environment
// variables still take precedence over values from the file.
func LoadFile(path string) error {
	if path == "" {
		return nil
	}
	v := store()
	v.SetConfigFile(path)
	return v.ReadInConfig()
}

func GetSystemSettingString(settingKey string) string {
	return strings.TrimSpace(store().GetString(settingKey))
}

func GetSystemSettingInteger(settingKey string) int {
	return store().GetInt(settingKey)
}

func GetSystemSettingFloat(settingKey string) float64 {
	return store().GetFloat64(settingKey)
}

func GetSystemSettingBool(settingKey string) bool {
	return store().GetBool(settingKey)
}

// GetSystemSettingDuration parses Go duration strings ("3s", "1h").
// Unparseable values fall back to zero.
func GetSystemSettingDuration(settingKey string) time.Duration {
	return store().GetDuration(settingKey)
}

// SetSystemSetting overrides a setting for the life of the process.
func SetSystemSetting(settingKey string, value any) {
	store().Set(settingKey, value)
}
