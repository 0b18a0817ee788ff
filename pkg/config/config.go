// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the configuration surface shared by the broker
// and worker processes. Configuration is loaded from a provider (file,
// consul, etcd), env-expanded, decoded, defaulted, and validated.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Queue       QueueConfig       `yaml:"queue"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Storage     StorageConfig     `yaml:"storage"`
	ToolServers ToolServersConfig `yaml:"tool_servers"`
	Worker      WorkerConfig      `yaml:"worker"`
	Model       ModelConfig       `yaml:"model"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Queue.SetDefaults()
	c.ObjectStore.SetDefaults()
	c.Storage.SetDefaults()
	c.ToolServers.SetDefaults()
	c.Worker.SetDefaults()
	c.Model.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate validates all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.ObjectStore.Validate(); err != nil {
		return fmt.Errorf("object_store: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.ToolServers.Validate(); err != nil {
		return fmt.Errorf("tool_servers: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// ServerConfig configures the broker HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig configures the JetStream work queue. The stream itself is
// provisioned out of band; both broker and worker look it up passively and
// fail fast when it is missing.
type QueueConfig struct {
	URL      string `yaml:"url"`
	Stream   string `yaml:"stream"`
	Subject  string `yaml:"subject"`
	Consumer string `yaml:"consumer"`

	AckWait    time.Duration `yaml:"ack_wait"`
	MaxDeliver int           `yaml:"max_deliver"`

	// Reconnect backoff: delay starts at ReconnectWait and grows by
	// ReconnectFactor per consecutive failure, capped at MaxReconnectWait.
	ReconnectWait    time.Duration `yaml:"reconnect_wait"`
	MaxReconnectWait time.Duration `yaml:"max_reconnect_wait"`
	ReconnectFactor  float64       `yaml:"reconnect_factor"`
}

func (c *QueueConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.Stream == "" {
		c.Stream = "AGENT_TASKS"
	}
	if c.Subject == "" {
		c.Subject = "agent.tasks.process"
	}
	if c.Consumer == "" {
		c.Consumer = "agent-workers"
	}
	if c.AckWait == 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 3
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 5 * time.Second
	}
	if c.MaxReconnectWait == 0 {
		c.MaxReconnectWait = 60 * time.Second
	}
	if c.ReconnectFactor == 0 {
		c.ReconnectFactor = 1.5
	}
}

func (c *QueueConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Stream == "" {
		return fmt.Errorf("stream is required")
	}
	if c.ReconnectFactor < 1 {
		return fmt.Errorf("reconnect_factor must be >= 1")
	}
	return nil
}

// ObjectStoreConfig configures the S3-compatible artifact store.
type ObjectStoreConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

func (c *ObjectStoreConfig) SetDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
}

// Enabled reports whether an artifact store is configured. Without one,
// workspace sync is skipped and upload data sources cannot be cleaned up.
func (c *ObjectStoreConfig) Enabled() bool {
	return c.Bucket != ""
}

func (c *ObjectStoreConfig) Validate() error {
	if c.Bucket == "" && (c.Endpoint != "" || c.AccessKeyID != "") {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// StorageConfig configures the SQL task store.
type StorageConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = "./agentq.db"
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver: %s", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

// ToolServersConfig configures tool aggregation.
//
// ProjectURLs are templates: "{project_id}" is substituted per execution.
// External servers are shared across projects and get a longer timeout.
type ToolServersConfig struct {
	ProjectURLs []string `yaml:"project_urls"`
	ExternalURL string   `yaml:"external_url"`

	ProjectTimeout  time.Duration `yaml:"project_timeout"`
	ExternalTimeout time.Duration `yaml:"external_timeout"`
}

func (c *ToolServersConfig) SetDefaults() {
	if c.ProjectTimeout == 0 {
		c.ProjectTimeout = 5 * time.Second
	}
	if c.ExternalTimeout == 0 {
		c.ExternalTimeout = 8 * time.Second
	}
}

func (c *ToolServersConfig) Validate() error {
	for _, raw := range c.ProjectURLs {
		u := strings.ReplaceAll(raw, "{project_id}", "x")
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("invalid project url %q: %w", raw, err)
		}
	}
	if c.ExternalURL != "" {
		if _, err := url.Parse(c.ExternalURL); err != nil {
			return fmt.Errorf("invalid external url %q: %w", c.ExternalURL, err)
		}
	}
	return nil
}

// WorkerConfig configures the dispatch loop.
type WorkerConfig struct {
	// BrokerURL is where the worker reports status and resolves projects.
	BrokerURL string `yaml:"broker_url"`

	// MaxMessageAge bounds how stale a queued message may be before it is
	// dropped without execution.
	MaxMessageAge time.Duration `yaml:"max_message_age"`

	// RecursionLimit bounds model/tool round-trips per execution.
	RecursionLimit int `yaml:"recursion_limit"`

	// WorkDir is the root under which project files are synced.
	WorkDir string `yaml:"work_dir"`

	// CancelPollInterval is how often an execution re-checks for external
	// cancellation.
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`

	// Sync caps.
	MaxSyncFiles int   `yaml:"max_sync_files"`
	MaxSyncBytes int64 `yaml:"max_sync_bytes"`
}

func (c *WorkerConfig) SetDefaults() {
	if c.BrokerURL == "" {
		c.BrokerURL = "http://localhost:8080"
	}
	if c.MaxMessageAge == 0 {
		c.MaxMessageAge = time.Hour
	}
	if c.RecursionLimit == 0 {
		c.RecursionLimit = 25
	}
	if c.WorkDir == "" {
		c.WorkDir = "./workspaces"
	}
	if c.CancelPollInterval == 0 {
		c.CancelPollInterval = 2 * time.Second
	}
	if c.MaxSyncFiles == 0 {
		c.MaxSyncFiles = 10000
	}
	if c.MaxSyncBytes == 0 {
		c.MaxSyncBytes = 10 << 30
	}
}

func (c *WorkerConfig) Validate() error {
	if c.MaxMessageAge <= 0 {
		return fmt.Errorf("max_message_age must be positive")
	}
	if c.RecursionLimit < 1 {
		return fmt.Errorf("recursion_limit must be at least 1")
	}
	return nil
}

// ModelConfig configures the LLM used by the workflow graph.
type ModelConfig struct {
	Name      string `yaml:"name"`
	MaxTokens int    `yaml:"max_tokens"`
	APIKey    string `yaml:"api_key"`
}

func (c *ModelConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "claude-sonnet-4-5"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
}

func (c *ModelConfig) Validate() error {
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level: %s", c.Level)
	}
	switch c.Format {
	case "text", "json", "simple", "verbose":
	default:
		return fmt.Errorf("invalid format: %s", c.Format)
	}
	return nil
}
