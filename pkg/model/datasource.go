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

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DataSourceType enumerates the closed set of supported source kinds.
type DataSourceType string

const (
	DataSourceGitHub            DataSourceType = "github"
	DataSourceDatabricks        DataSourceType = "databricks"
	DataSourceSnowflake         DataSourceType = "snowflake"
	DataSourceBigQuery          DataSourceType = "bigquery"
	DataSourceS3                DataSourceType = "s3"
	DataSourceGlue              DataSourceType = "glue"
	DataSourceLooker            DataSourceType = "looker"
	DataSourceRedash            DataSourceType = "redash"
	DataSourceAtlan             DataSourceType = "atlan"
	DataSourceDataZone          DataSourceType = "datazone"
	DataSourceAnthropic         DataSourceType = "anthropic"
	DataSourceGenericFileUpload DataSourceType = "generic_file_upload"
	DataSourceCSVUpload         DataSourceType = "csv_upload"
	DataSourceXLSXUpload        DataSourceType = "xlsx_upload"
	DataSourceFolderUpload      DataSourceType = "folder_upload"
	DataSourceWebFetch          DataSourceType = "webfetch"
)

// IsValid reports whether t is a known data source type.
func (t DataSourceType) IsValid() bool {
	switch t {
	case DataSourceGitHub, DataSourceDatabricks, DataSourceSnowflake,
		DataSourceBigQuery, DataSourceS3, DataSourceGlue,
		DataSourceLooker, DataSourceRedash, DataSourceAtlan,
		DataSourceDataZone, DataSourceAnthropic,
		DataSourceGenericFileUpload, DataSourceCSVUpload,
		DataSourceXLSXUpload, DataSourceFolderUpload, DataSourceWebFetch:
		return true
	}
	return false
}

// IsUpload reports whether this type stores user-uploaded blobs. Deleting an
// upload-typed source must cascade into the project's artifact namespace.
func (t DataSourceType) IsUpload() bool {
	switch t {
	case DataSourceGenericFileUpload, DataSourceCSVUpload,
		DataSourceXLSXUpload, DataSourceFolderUpload:
		return true
	}
	return false
}

// DataSourceStatus tracks credential validation state.
type DataSourceStatus string

const (
	StatusConfigured DataSourceStatus = "configured"
	StatusConnected  DataSourceStatus = "connected"
	StatusError      DataSourceStatus = "error"
)

// DataSourceConfig is the per-variant configuration. Each variant knows how
// to validate itself and which credential fields it exposes to executions.
type DataSourceConfig interface {
	Type() DataSourceType
	Validate() error

	// CredentialFields returns field-suffix → value pairs for secret
	// injection. Suffixes are upper-cased and joined with the project ID as
	// UPPER(project)_UPPER(type)_SUFFIX by the credential resolver.
	CredentialFields() map[string]string
}

// DataSource binds a typed configuration to a project.
type DataSource struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	Type      DataSourceType   `json:"type"`
	Name      string           `json:"name"`
	Config    DataSourceConfig `json:"configuration"`
	Status    DataSourceStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// UnmarshalJSON decodes the configuration document into the typed variant
// selected by the type field.
func (d *DataSource) UnmarshalJSON(data []byte) error {
	type alias DataSource
	aux := struct {
		*alias
		Config json.RawMessage `json:"configuration"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	cfg, err := DecodeDataSourceConfig(d.Type, aux.Config)
	if err != nil {
		return err
	}
	d.Config = cfg
	return nil
}

// GitHubConfig holds an OAuth token for a code-hosting catalog.
type GitHubConfig struct {
	AccessToken string `json:"access_token"`
	Org         string `json:"org,omitempty"`
	Repo        string `json:"repo,omitempty"`
}

func (c *GitHubConfig) Type() DataSourceType { return DataSourceGitHub }
func (c *GitHubConfig) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("github: access_token is required")
	}
	return nil
}
func (c *GitHubConfig) CredentialFields() map[string]string {
	return map[string]string{"ACCESS_TOKEN": c.AccessToken}
}

// AnthropicConfig holds the system API key for a project.
type AnthropicConfig struct {
	APIKey string `json:"api_key"`
}

func (c *AnthropicConfig) Type() DataSourceType { return DataSourceAnthropic }
func (c *AnthropicConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("anthropic: api_key is required")
	}
	return nil
}
func (c *AnthropicConfig) CredentialFields() map[string]string {
	return map[string]string{"API_KEY": c.APIKey}
}

// SnowflakeConfig holds key-pair credentials for a Snowflake account.
type SnowflakeConfig struct {
	Account    string `json:"account"`
	User       string `json:"user"`
	PrivateKey string `json:"private_key"`
	Warehouse  string `json:"warehouse,omitempty"`
	Database   string `json:"database,omitempty"`
}

func (c *SnowflakeConfig) Type() DataSourceType { return DataSourceSnowflake }
func (c *SnowflakeConfig) Validate() error {
	if c.Account == "" || c.User == "" || c.PrivateKey == "" {
		return fmt.Errorf("snowflake: account, user, and private_key are required")
	}
	return nil
}
func (c *SnowflakeConfig) CredentialFields() map[string]string {
	return map[string]string{
		"ACCOUNT":     c.Account,
		"USER":        c.User,
		"PRIVATE_KEY": c.PrivateKey,
	}
}

// DatabricksConfig holds a workspace token.
type DatabricksConfig struct {
	Host  string `json:"host"`
	Token string `json:"token"`
}

func (c *DatabricksConfig) Type() DataSourceType { return DataSourceDatabricks }
func (c *DatabricksConfig) Validate() error {
	if c.Host == "" || c.Token == "" {
		return fmt.Errorf("databricks: host and token are required")
	}
	return nil
}
func (c *DatabricksConfig) CredentialFields() map[string]string {
	return map[string]string{"HOST": c.Host, "TOKEN": c.Token}
}

// BigQueryConfig holds a service-account credential blob.
type BigQueryConfig struct {
	ProjectID          string `json:"project_id"`
	ServiceAccountJSON string `json:"service_account_json"`
}

func (c *BigQueryConfig) Type() DataSourceType { return DataSourceBigQuery }
func (c *BigQueryConfig) Validate() error {
	if c.ServiceAccountJSON == "" {
		return fmt.Errorf("bigquery: service_account_json is required")
	}
	return nil
}
func (c *BigQueryConfig) CredentialFields() map[string]string {
	return map[string]string{
		"PROJECT_ID":           c.ProjectID,
		"SERVICE_ACCOUNT_JSON": c.ServiceAccountJSON,
	}
}

// S3Config scopes a source to a bucket prefix.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

func (c *S3Config) Type() DataSourceType { return DataSourceS3 }
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3: bucket is required")
	}
	return nil
}
func (c *S3Config) CredentialFields() map[string]string {
	fields := map[string]string{"BUCKET": c.Bucket}
	if c.AccessKeyID != "" {
		fields["ACCESS_KEY_ID"] = c.AccessKeyID
		fields["SECRET_ACCESS_KEY"] = c.SecretAccessKey
	}
	return fields
}

// TokenConfig covers catalog providers that authenticate with a single
// API token plus a base URL (glue, looker, redash, atlan, datazone).
type TokenConfig struct {
	Kind    DataSourceType `json:"-"`
	BaseURL string         `json:"base_url,omitempty"`
	APIKey  string         `json:"api_key"`
}

func (c *TokenConfig) Type() DataSourceType { return c.Kind }
func (c *TokenConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%s: api_key is required", c.Kind)
	}
	return nil
}
func (c *TokenConfig) CredentialFields() map[string]string {
	fields := map[string]string{"API_KEY": c.APIKey}
	if c.BaseURL != "" {
		fields["BASE_URL"] = c.BaseURL
	}
	return fields
}

// UploadConfig covers user-uploaded artifact sources. Uploads carry no
// secrets; the category determines where blobs live under raw/.
type UploadConfig struct {
	Kind     DataSourceType `json:"-"`
	Category string         `json:"category,omitempty"`
	Files    []string       `json:"files,omitempty"`
}

func (c *UploadConfig) Type() DataSourceType                { return c.Kind }
func (c *UploadConfig) Validate() error                     { return nil }
func (c *UploadConfig) CredentialFields() map[string]string { return nil }

// WebFetchConfig points at pages to scan.
type WebFetchConfig struct {
	URLs []string `json:"urls"`
}

func (c *WebFetchConfig) Type() DataSourceType                { return DataSourceWebFetch }
func (c *WebFetchConfig) Validate() error                     { return nil }
func (c *WebFetchConfig) CredentialFields() map[string]string { return nil }

// DecodeDataSourceConfig parses a raw configuration document into the typed
// variant for t. Unknown types are rejected at the edge.
func DecodeDataSourceConfig(t DataSourceType, raw json.RawMessage) (DataSourceConfig, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("unknown data source type: %s", t)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var cfg DataSourceConfig
	switch t {
	case DataSourceGitHub:
		cfg = &GitHubConfig{}
	case DataSourceAnthropic:
		cfg = &AnthropicConfig{}
	case DataSourceSnowflake:
		cfg = &SnowflakeConfig{}
	case DataSourceDatabricks:
		cfg = &DatabricksConfig{}
	case DataSourceBigQuery:
		cfg = &BigQueryConfig{}
	case DataSourceS3:
		cfg = &S3Config{}
	case DataSourceGlue, DataSourceLooker, DataSourceRedash, DataSourceAtlan, DataSourceDataZone:
		cfg = &TokenConfig{Kind: t}
	case DataSourceGenericFileUpload, DataSourceCSVUpload, DataSourceXLSXUpload, DataSourceFolderUpload:
		cfg = &UploadConfig{Kind: t}
	case DataSourceWebFetch:
		cfg = &WebFetchConfig{}
	}

	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode %s configuration: %w", t, err)
	}
	return cfg, nil
}
