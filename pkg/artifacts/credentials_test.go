package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/agentq/pkg/model"
)

func TestEnvName(t *testing.T) {
	assert.Equal(t, "ACME_SNOWFLAKE_PRIVATE_KEY",
		EnvName("acme", model.DataSourceSnowflake, "PRIVATE_KEY"))

	// Dashes and dots flatten to underscores.
	assert.Equal(t, "MY_PROJECT_V2_GITHUB_ACCESS_TOKEN",
		EnvName("my-project.v2", model.DataSourceGitHub, "ACCESS_TOKEN"))
}

func TestResolveEnv_SourceCredentials(t *testing.T) {
	sources := []*model.DataSource{
		{
			Type:   model.DataSourceGitHub,
			Config: &model.GitHubConfig{AccessToken: "ghp_secret"},
		},
		{
			Type: model.DataSourceSnowflake,
			Config: &model.SnowflakeConfig{
				Account:    "xy12345",
				User:       "loader",
				PrivateKey: "-----BEGIN-----",
			},
		},
	}

	env := ResolveEnv("acme", sources, nil)

	assert.Equal(t, "ghp_secret", env["ACME_GITHUB_ACCESS_TOKEN"])
	assert.Equal(t, "xy12345", env["ACME_SNOWFLAKE_ACCOUNT"])
	assert.Equal(t, "loader", env["ACME_SNOWFLAKE_USER"])
	assert.Equal(t, "-----BEGIN-----", env["ACME_SNOWFLAKE_PRIVATE_KEY"])
}

func TestResolveEnv_SystemKeyOverridesUserKey(t *testing.T) {
	base := map[string]string{
		"ANTHROPIC_API_KEY": "user-key",
		"CUSTOM_VAR":        "kept",
	}
	sources := []*model.DataSource{
		{
			Type:   model.DataSourceAnthropic,
			Config: &model.AnthropicConfig{APIKey: "system-key"},
		},
	}

	env := ResolveEnv("acme", sources, base)

	assert.Equal(t, "system-key", env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "kept", env["CUSTOM_VAR"])
	// The namespaced copy is present too.
	assert.Equal(t, "system-key", env["ACME_ANTHROPIC_API_KEY"])
}

func TestResolveEnv_FirstAnthropicSourceWins(t *testing.T) {
	sources := []*model.DataSource{
		{
			Type:   model.DataSourceAnthropic,
			Config: &model.AnthropicConfig{APIKey: "first-key"},
		},
		{
			Type:   model.DataSourceAnthropic,
			Config: &model.AnthropicConfig{APIKey: "second-key"},
		},
	}

	env := ResolveEnv("acme", sources, nil)
	assert.Equal(t, "first-key", env["ANTHROPIC_API_KEY"])
}

func TestResolveEnv_UserKeySurvivesWithoutSystemKey(t *testing.T) {
	base := map[string]string{"ANTHROPIC_API_KEY": "user-key"}

	env := ResolveEnv("acme", nil, base)
	assert.Equal(t, "user-key", env["ANTHROPIC_API_KEY"])
}

func TestResolveEnv_SkipsEmptyFields(t *testing.T) {
	sources := []*model.DataSource{
		{
			Type:   model.DataSourceS3,
			Config: &model.S3Config{Bucket: "data", AccessKeyID: ""},
		},
	}

	env := ResolveEnv("acme", sources, nil)
	assert.Equal(t, "data", env["ACME_S3_BUCKET"])
	_, ok := env["ACME_S3_ACCESS_KEY_ID"]
	assert.False(t, ok)
}
