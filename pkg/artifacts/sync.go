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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SyncLimits bounds how much a single project sync may pull down.
type SyncLimits struct {
	MaxFiles int
	MaxBytes int64
}

// DefaultSyncLimits returns the default sync caps.
func DefaultSyncLimits() SyncLimits {
	return SyncLimits{
		MaxFiles: 10000,
		MaxBytes: 10 << 30,
	}
}

// SyncStats reports what a sync did.
type SyncStats struct {
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
}

// Syncer mirrors a project's bucket namespace into a local directory.
type Syncer struct {
	store  ObjectStore
	root   string
	limits SyncLimits
}

// NewSyncer creates a Syncer that materializes workspaces under root.
func NewSyncer(store ObjectStore, root string, limits SyncLimits) *Syncer {
	if limits.MaxFiles == 0 {
		limits.MaxFiles = DefaultSyncLimits().MaxFiles
	}
	if limits.MaxBytes == 0 {
		limits.MaxBytes = DefaultSyncLimits().MaxBytes
	}
	return &Syncer{
		store:  store,
		root:   root,
		limits: limits,
	}
}

// WorkspaceDir returns the local directory of a project workspace.
func (s *Syncer) WorkspaceDir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// Sync mirrors the project namespace into the local workspace.
//
// The sync is additive: local files are created or overwritten, never
// deleted, so outputs from earlier executions survive. Zero-byte directory
// markers (keys ending in "/") are skipped. A download is skipped when a
// local file of the same size already exists.
func (s *Syncer) Sync(ctx context.Context, projectID string) (string, SyncStats, error) {
	dir := s.WorkspaceDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", SyncStats{}, fmt.Errorf("failed to create workspace: %w", err)
	}

	prefix := ProjectPrefix(projectID)
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return "", SyncStats{}, fmt.Errorf("failed to list project objects: %w", err)
	}

	var files []ObjectInfo
	var total int64
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue // directory marker
		}
		files = append(files, obj)
		total += obj.Size
	}

	if len(files) > s.limits.MaxFiles {
		return "", SyncStats{}, fmt.Errorf("project %s exceeds sync limit: %d files (max %d)", projectID, len(files), s.limits.MaxFiles)
	}
	if total > s.limits.MaxBytes {
		return "", SyncStats{}, fmt.Errorf("project %s exceeds sync limit: %d bytes (max %d)", projectID, total, s.limits.MaxBytes)
	}

	var stats SyncStats
	for _, obj := range files {
		select {
		case <-ctx.Done():
			return "", stats, ctx.Err()
		default:
		}

		rel := strings.TrimPrefix(obj.Key, prefix)
		local, err := safeJoin(dir, rel)
		if err != nil {
			slog.Warn("Skipping object with unsafe key", "key", obj.Key)
			stats.Skipped++
			continue
		}

		if info, err := os.Stat(local); err == nil && info.Size() == obj.Size {
			stats.Skipped++
			continue
		}

		// Individual download failures are skipped; the sync is a
		// partial-success operation.
		if err := s.download(ctx, obj.Key, local); err != nil {
			slog.Warn("Failed to download object", "key", obj.Key, "error", err)
			stats.Failed++
			continue
		}
		stats.Downloaded++
		stats.Bytes += obj.Size
	}

	if len(files) > 0 && stats.Downloaded == 0 && stats.Skipped == 0 {
		slog.Warn("Sync downloaded nothing", "project_id", projectID, "failed", stats.Failed)
	}

	slog.Debug("Workspace synced",
		"project_id", projectID, "downloaded", stats.Downloaded,
		"skipped", stats.Skipped, "failed", stats.Failed, "bytes", stats.Bytes)
	return dir, stats, nil
}

func (s *Syncer) download(ctx context.Context, key, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}

	body, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := local + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, local)
}

// safeJoin joins rel onto dir and rejects traversal outside dir.
func safeJoin(dir, rel string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(dir, filepath.FromSlash(rel)))
	if cleaned != dir && !strings.HasPrefix(cleaned, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return cleaned, nil
}
