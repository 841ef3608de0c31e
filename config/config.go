/*
Copyright 2025 PurchaseKit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

const (
	DEFAULT_PRODUCT_TTL_SECONDS    = 300
	DEFAULT_VALIDATION_TTL_SECONDS = 300
	DEFAULT_CACHE_SIZE             = 128000
	DEFAULT_MAX_RETRIES            = 3
	DEFAULT_BASE_DELAY_MS          = 1000
	DEFAULT_MAX_DELAY_MS           = 30000
	DEFAULT_ORDER_TTL_HOURS        = 24
	DEFAULT_PAIRING_WINDOW_SECONDS = 3600
	DEFAULT_SYNC_BATCH_SIZE        = 50
	DEFAULT_RECOVERY_WORKERS       = 5
	DEFAULT_LOCK_DURATION_MINUTES  = 10
	DEFAULT_CLOCK_SKEW_SECONDS     = 300
)

const (
	ValidationModeLocal  = "local"
	ValidationModeRemote = "remote"
	ValidationModeHybrid = "hybrid"
)

const (
	RetryStrategyFixed       = "fixed"
	RetryStrategyLinear      = "linear"
	RetryStrategyExponential = "exponential"
	RetryStrategyCustom      = "custom"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PURCHASEKIT_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PURCHASEKIT_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PURCHASEKIT_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PURCHASEKIT_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"PURCHASEKIT_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"PURCHASEKIT_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns    string `json:"dns" envconfig:"PURCHASEKIT_DATA_SOURCE_DNS"`
	Driver string `json:"driver" envconfig:"PURCHASEKIT_DATA_SOURCE_DRIVER"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PURCHASEKIT_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PURCHASEKIT_REDIS_SKIP_TLS_VERIFY"`
}

type TypeSenseConfig struct {
	Dns string `json:"dns" envconfig:"PURCHASEKIT_TYPESENSE_DNS"`
}

// PurchaseConfig controls how purchases behave once the store answers.
type PurchaseConfig struct {
	BundleID              string `json:"bundle_id" envconfig:"PURCHASEKIT_PURCHASE_BUNDLE_ID"`
	AppVersion            string `json:"app_version" envconfig:"PURCHASEKIT_PURCHASE_APP_VERSION"`
	AutoFinishConsumables *bool  `json:"auto_finish_consumables" envconfig:"PURCHASEKIT_PURCHASE_AUTO_FINISH_CONSUMABLES"`
	MaxClockSkewSec       int    `json:"max_clock_skew_sec" envconfig:"PURCHASEKIT_PURCHASE_MAX_CLOCK_SKEW_SEC"`
}

// ValidationConfig selects the receipt validation mode and the remote
// endpoint used by the remote and hybrid modes.
type ValidationConfig struct {
	Mode           string `json:"mode" envconfig:"PURCHASEKIT_VALIDATION_MODE"`
	EndpointURL    string `json:"endpoint_url" envconfig:"PURCHASEKIT_VALIDATION_ENDPOINT_URL"`
	SharedSecret   string `json:"shared_secret" envconfig:"PURCHASEKIT_VALIDATION_SHARED_SECRET"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"PURCHASEKIT_VALIDATION_TIMEOUT_SEC"`
}

type CacheConfig struct {
	ProductTTLSeconds    int `json:"product_ttl_seconds" envconfig:"PURCHASEKIT_CACHE_PRODUCT_TTL_SEC"`
	ValidationTTLSeconds int `json:"validation_ttl_seconds" envconfig:"PURCHASEKIT_CACHE_VALIDATION_TTL_SEC"`
	CacheSize            int `json:"cache_size" envconfig:"PURCHASEKIT_CACHE_SIZE"`
}

type RetryConfig struct {
	Strategy    string  `json:"strategy" envconfig:"PURCHASEKIT_RETRY_STRATEGY"`
	MaxRetries  *int    `json:"max_retries" envconfig:"PURCHASEKIT_RETRY_MAX_RETRIES"`
	BaseDelayMs *int    `json:"base_delay_ms" envconfig:"PURCHASEKIT_RETRY_BASE_DELAY_MS"`
	MaxDelayMs  int     `json:"max_delay_ms" envconfig:"PURCHASEKIT_RETRY_MAX_DELAY_MS"`
	Multiplier  float64 `json:"multiplier" envconfig:"PURCHASEKIT_RETRY_MULTIPLIER"`
}

type OrderConfig struct {
	TTLHours         int `json:"ttl_hours" envconfig:"PURCHASEKIT_ORDER_TTL_HOURS"`
	PairingWindowSec int `json:"pairing_window_sec" envconfig:"PURCHASEKIT_ORDER_PAIRING_WINDOW_SEC"`
	SyncBatchSize    int `json:"sync_batch_size" envconfig:"PURCHASEKIT_ORDER_SYNC_BATCH_SIZE"`
}

type RecoveryConfig struct {
	AutoRecover     *bool  `json:"auto_recover" envconfig:"PURCHASEKIT_RECOVERY_AUTO_RECOVER"`
	MaxWorkers      int    `json:"max_workers" envconfig:"PURCHASEKIT_RECOVERY_MAX_WORKERS"`
	LockDurationMin int    `json:"lock_duration_min" envconfig:"PURCHASEKIT_RECOVERY_LOCK_DURATION_MIN"`
	ScheduleCron    string `json:"schedule_cron" envconfig:"PURCHASEKIT_RECOVERY_SCHEDULE_CRON"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"PURCHASEKIT_QUEUE_WEBHOOK"`
	IndexQueue     string `json:"index_queue" envconfig:"PURCHASEKIT_QUEUE_INDEX"`
	FinishQueue    string `json:"finish_queue" envconfig:"PURCHASEKIT_QUEUE_FINISH"`
	RecoveryQueue  string `json:"recovery_queue" envconfig:"PURCHASEKIT_QUEUE_RECOVERY"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"PURCHASEKIT_NUMBER_OF_QUEUES"`
	MonitoringPort string `json:"monitoring_port" envconfig:"PURCHASEKIT_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PURCHASEKIT_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PURCHASEKIT_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PURCHASEKIT_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type OtelGrafanaCloud struct {
	OtelExporterOtlpProtocol string `json:"otel_exporter_otlp_protocol" envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtelExporterOtlpEndpoint string `json:"otel_exporter_otlp_endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpHeaders  string `json:"otel_exporter_otlp_headers" envconfig:"OTEL_EXPORTER_OTLP_HEADERS"`
}

type Configuration struct {
	ProjectName        string           `json:"project_name" envconfig:"PURCHASEKIT_PROJECT_NAME"`
	BackupDir          string           `json:"backup_dir" envconfig:"PURCHASEKIT_BACKUP_DIR"`
	AwsAccessKeyId     string           `json:"aws_access_key_id"`
	S3Endpoint         string           `json:"s3_endpoint"`
	AwsSecretAccessKey string           `json:"aws_secret_access_key"`
	S3BucketName       string           `json:"s3_bucket_name"`
	S3Region           string           `json:"s3_region"`
	EnableTelemetry    bool             `json:"enable_telemetry" envconfig:"PURCHASEKIT_ENABLE_TELEMETRY"`
	Server             ServerConfig     `json:"server"`
	DataSource         DataSourceConfig `json:"data_source"`
	Redis              RedisConfig      `json:"redis"`
	TypeSense          TypeSenseConfig  `json:"typesense"`
	TypeSenseKey       string           `json:"type_sense_key" envconfig:"PURCHASEKIT_TYPESENSE_KEY"`
	Purchase           PurchaseConfig   `json:"purchase"`
	Validation         ValidationConfig `json:"validation"`
	Cache              CacheConfig      `json:"cache"`
	Retry              RetryConfig      `json:"retry"`
	Orders             OrderConfig      `json:"orders"`
	Recovery           RecoveryConfig   `json:"recovery"`
	Queue              QueueConfig      `json:"queue"`
	Notification       Notification     `json:"notification"`
	RateLimit          RateLimitConfig  `json:"rate_limit"`
	OtelGrafanaCloud   OtelGrafanaCloud `json:"otel_grafana_cloud"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("purchasekit", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called purchasekit.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "PurchaseKit Server"
	}

	if cnf.TypeSense.Dns == "" {
		cnf.TypeSense.Dns = "http://typesense:8108"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.DataSource.Driver == "" {
		cnf.DataSource.Driver = "postgres"
	}
	switch cnf.DataSource.Driver {
	case "postgres", "mysql", "sqlite3":
	default:
		return fmt.Errorf("unsupported data source driver: %s", cnf.DataSource.Driver)
	}

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Validation.Mode == "" {
		cnf.Validation.Mode = ValidationModeLocal
		log.Println("Warning: Validation mode not specified. Defaulting to local receipt validation.")
	}
	switch cnf.Validation.Mode {
	case ValidationModeLocal, ValidationModeRemote, ValidationModeHybrid:
	default:
		return fmt.Errorf("unsupported validation mode: %s", cnf.Validation.Mode)
	}
	if cnf.Validation.Mode != ValidationModeLocal && cnf.Validation.EndpointURL == "" {
		log.Println("Error: Validation endpoint is empty. It's required for remote and hybrid modes.")
		return errors.New("validation endpoint URL is required for remote and hybrid modes")
	}
	if cnf.Purchase.BundleID == "" && cnf.Validation.Mode != ValidationModeRemote {
		log.Println("Warning: Purchase bundle ID is empty. Local receipt validation will skip the bundle check.")
	}

	if cnf.Retry.Strategy == "" {
		cnf.Retry.Strategy = RetryStrategyExponential
	}
	switch cnf.Retry.Strategy {
	case RetryStrategyFixed, RetryStrategyLinear, RetryStrategyExponential, RetryStrategyCustom:
	default:
		return fmt.Errorf("unsupported retry strategy: %s", cnf.Retry.Strategy)
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "webhook_queue"
	}
	if cnf.Queue.IndexQueue == "" {
		cnf.Queue.IndexQueue = "index_queue"
	}
	if cnf.Queue.FinishQueue == "" {
		cnf.Queue.FinishQueue = "transaction_finish_queue"
	}
	if cnf.Queue.RecoveryQueue == "" {
		cnf.Queue.RecoveryQueue = "recovery_queue"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 1
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5001"
	}

	if cnf.Recovery.ScheduleCron == "" {
		cnf.Recovery.ScheduleCron = "@every 1h"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

// StrictValidation reports whether a failed receipt validation must fail the
// purchase. Local-only installs log and keep going.
func (cnf *Configuration) StrictValidation() bool {
	return cnf.Validation.Mode != ValidationModeLocal
}

// ProductTTL returns the product cache TTL, falling back to the default when
// unset. Zero and negative values mean "not configured".
func (c *CacheConfig) ProductTTL() time.Duration {
	if c.ProductTTLSeconds <= 0 {
		return DEFAULT_PRODUCT_TTL_SECONDS * time.Second
	}
	return time.Duration(c.ProductTTLSeconds) * time.Second
}

func (c *CacheConfig) ValidationTTL() time.Duration {
	if c.ValidationTTLSeconds <= 0 {
		return DEFAULT_VALIDATION_TTL_SECONDS * time.Second
	}
	return time.Duration(c.ValidationTTLSeconds) * time.Second
}

func (c *CacheConfig) Size() int {
	if c.CacheSize <= 0 {
		return DEFAULT_CACHE_SIZE
	}
	return c.CacheSize
}

// MaxAttempts returns the configured retry budget. An explicit zero is
// honored: it disables retries entirely.
func (r *RetryConfig) MaxAttempts() int {
	if r.MaxRetries == nil {
		return DEFAULT_MAX_RETRIES
	}
	return *r.MaxRetries
}

// BaseDelay returns the configured base delay. An explicit zero is honored.
func (r *RetryConfig) BaseDelay() time.Duration {
	if r.BaseDelayMs == nil {
		return DEFAULT_BASE_DELAY_MS * time.Millisecond
	}
	return time.Duration(*r.BaseDelayMs) * time.Millisecond
}

func (r *RetryConfig) MaxDelay() time.Duration {
	if r.MaxDelayMs <= 0 {
		return DEFAULT_MAX_DELAY_MS * time.Millisecond
	}
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

func (r *RetryConfig) BackoffMultiplier() float64 {
	if r.Multiplier <= 0 {
		return 2.0
	}
	return r.Multiplier
}

func (o *OrderConfig) TTL() time.Duration {
	if o.TTLHours <= 0 {
		return DEFAULT_ORDER_TTL_HOURS * time.Hour
	}
	return time.Duration(o.TTLHours) * time.Hour
}

func (o *OrderConfig) PairingWindow() time.Duration {
	if o.PairingWindowSec <= 0 {
		return DEFAULT_PAIRING_WINDOW_SECONDS * time.Second
	}
	return time.Duration(o.PairingWindowSec) * time.Second
}

func (o *OrderConfig) BatchSize() int {
	if o.SyncBatchSize <= 0 {
		return DEFAULT_SYNC_BATCH_SIZE
	}
	return o.SyncBatchSize
}

func (r *RecoveryConfig) AutoRecoverEnabled() bool {
	if r.AutoRecover == nil {
		return true
	}
	return *r.AutoRecover
}

func (r *RecoveryConfig) Workers() int {
	if r.MaxWorkers <= 0 {
		return DEFAULT_RECOVERY_WORKERS
	}
	return r.MaxWorkers
}

func (r *RecoveryConfig) LockDuration() time.Duration {
	if r.LockDurationMin <= 0 {
		return DEFAULT_LOCK_DURATION_MINUTES * time.Minute
	}
	return time.Duration(r.LockDurationMin) * time.Minute
}

func (p *PurchaseConfig) AutoFinish() bool {
	if p.AutoFinishConsumables == nil {
		return true
	}
	return *p.AutoFinishConsumables
}

func (p *PurchaseConfig) MaxClockSkew() time.Duration {
	if p.MaxClockSkewSec <= 0 {
		return DEFAULT_CLOCK_SKEW_SECONDS * time.Second
	}
	return time.Duration(p.MaxClockSkewSec) * time.Second
}

func (v *ValidationConfig) Timeout() time.Duration {
	if v.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// SetGrafanaExporterEnvs maps the OTLP settings from config onto the
// environment variables the OTel SDK reads.
func SetGrafanaExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	if cnf.OtelGrafanaCloud.OtelExporterOtlpProtocol != "" {
		if err := os.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", cnf.OtelGrafanaCloud.OtelExporterOtlpProtocol); err != nil {
			return err
		}
	}
	if cnf.OtelGrafanaCloud.OtelExporterOtlpEndpoint != "" {
		if err := os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cnf.OtelGrafanaCloud.OtelExporterOtlpEndpoint); err != nil {
			return err
		}
	}
	if cnf.OtelGrafanaCloud.OtelExporterOtlpHeaders != "" {
		if err := os.Setenv("OTEL_EXPORTER_OTLP_HEADERS", cnf.OtelGrafanaCloud.OtelExporterOtlpHeaders); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
