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

// Package artifacts manages project workspaces: object-store persistence,
// additive local sync, and credential resolution for executions.
//
// Each project owns a namespace in the bucket under {project_id}/. Workers
// mirror that namespace into a local directory before every execution so
// tools can read project files from disk.
package artifacts

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// PutOptions carries optional object attributes.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// ObjectStore abstracts the S3-compatible bucket.
//
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// List returns all objects under prefix, including zero-byte
	// directory markers.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get retrieves an object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores an object and returns its storage URI.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error)

	// Delete removes one object.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Exists checks whether an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// ProjectPrefix returns the bucket namespace of a project. Keys live
// directly under the project ID: {project_id}/raw/..., {project_id}/context/...
func ProjectPrefix(projectID string) string {
	return projectID + "/"
}
