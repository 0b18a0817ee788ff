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

package artifacts

import (
	"strings"
	"unicode"

	"github.com/kadirpekel/agentq/pkg/model"
)

// anthropicKeyVar is the variable the model client reads.
const anthropicKeyVar = "ANTHROPIC_API_KEY"

// EnvName builds the environment variable name for one credential field:
// UPPER(project)_UPPER(type)_UPPER(field), with every non-alphanumeric rune
// flattened to underscore.
func EnvName(project string, sourceType model.DataSourceType, field string) string {
	return sanitizeEnvPart(project) + "_" + sanitizeEnvPart(string(sourceType)) + "_" + sanitizeEnvPart(field)
}

func sanitizeEnvPart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// ResolveEnv builds the environment an execution runs with.
//
// Layering, lowest precedence first:
//  1. baseEnv (the agent's declared variables, which may include a
//     user-supplied ANTHROPIC_API_KEY)
//  2. per-source credential fields under their derived names
//  3. the project's system Anthropic key, which always wins over a
//     user-supplied one
func ResolveEnv(project string, sources []*model.DataSource, baseEnv map[string]string) map[string]string {
	env := make(map[string]string, len(baseEnv)+len(sources)*2)
	for k, v := range baseEnv {
		env[k] = v
	}

	var systemKey string
	for _, src := range sources {
		if src.Config == nil {
			continue
		}
		for field, value := range src.Config.CredentialFields() {
			if value == "" {
				continue
			}
			env[EnvName(project, src.Type, field)] = value
		}
		// First anthropic-typed source with a key wins.
		if systemKey == "" && src.Type == model.DataSourceAnthropic {
			if cfg, ok := src.Config.(*model.AnthropicConfig); ok && cfg.APIKey != "" {
				systemKey = cfg.APIKey
			}
		}
	}

	if systemKey != "" {
		env[anthropicKeyVar] = systemKey
	}

	return env
}
