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

package worker

import (
	"errors"
	"strings"
)

// recoverableMarkers are the substrings that mark an error as transient.
// TODO: replace substring matching with an error-code taxonomy once the
// tool servers return structured errors.
var recoverableMarkers = []string{
	"connection",
	"timeout",
	"temporary",
	"retry",
	"unavailable",
	"overload",
	"congestion",
	"resource",
	"busy",
	"rate limit",
	"throttle",
}

// RecoverableError marks an error as transient regardless of its text.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return e.Err.Error() }

func (e *RecoverableError) Unwrap() error { return e.Err }

// IsRecoverable reports whether an error looks transient. Recoverable
// errors raised before the early ack are nacked for redelivery; after
// the ack every failure is terminal.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var rec *RecoverableError
	if errors.As(err, &rec) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range recoverableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
