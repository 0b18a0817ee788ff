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

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kadirpekel/agentq/pkg/artifacts"
	"github.com/kadirpekel/agentq/pkg/metrics"
	"github.com/kadirpekel/agentq/pkg/model"
	"github.com/kadirpekel/agentq/pkg/registry"
	"github.com/kadirpekel/agentq/pkg/task"
	"github.com/kadirpekel/agentq/pkg/toolset"
)

// Server exposes the broker and the configuration CRUD over HTTP.
type Server struct {
	svc      *Service
	entities registry.Store
	tools    *toolset.Aggregator
	blobs    artifacts.ObjectStore // nil disables blob cleanup on project delete
	router   chi.Router
}

// NewServer wires the HTTP surface. blobs and m may be nil.
func NewServer(svc *Service, entities registry.Store, tools *toolset.Aggregator, blobs artifacts.ObjectStore, m *metrics.Metrics) *Server {
	s := &Server{
		svc:      svc,
		entities: entities,
		tools:    tools,
		blobs:    blobs,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if m != nil {
		r.Use(m.Middleware)
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Get("/health", s.handleHealth)

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Get("/", s.handleListProjects)

		r.Route("/{pid}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)

			r.Post("/data-sources", s.handleCreateDataSource)
			r.Get("/data-sources", s.handleListDataSources)
			r.Delete("/data-sources/{dsid}", s.handleDeleteDataSource)

			r.Post("/agents", s.handleCreateAgent)
			r.Get("/agents", s.handleListAgents)

			r.Route("/agents/{aid}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Put("/", s.handleUpdateAgent)
				r.Delete("/", s.handleDeleteAgent)

				r.Get("/tools", s.handleAgentTools)
				r.Get("/env-variables", s.handleAgentEnv)

				r.Post("/messages", s.handleCreateMessage)
				r.Get("/tasks", s.handleListTasks)
				r.Get("/tasks/{tid}", s.handleGetTask)
				r.Put("/tasks/{tid}", s.handleUpdateTask)
				r.Post("/tasks/{tid}/cancel", s.handleCancelTask)
			})
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ----------------------------------------------------------------------
// Messages and tasks

type createMessageRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type messageResponse struct {
	UserTask      *task.Task `json:"user_task"`
	AssistantTask *task.Task `json:"assistant_task"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	user, assistant, err := s.svc.CreateMessage(r.Context(),
		chi.URLParam(r, "pid"), chi.URLParam(r, "aid"), req.Content, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{UserTask: user, AssistantTask: assistant})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := task.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := task.Status(v)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown status filter")
			return
		}
		opts.Status = st
	}
	if r.URL.Query().Get("sort_order") == "asc" {
		opts.SortAsc = true
	}

	tasks, err := s.svc.ListAgentTasks(r.Context(), chi.URLParam(r, "pid"), chi.URLParam(r, "aid"), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "pid"), chi.URLParam(r, "aid"), chi.URLParam(r, "tid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTaskRequest struct {
	Status  *task.Status `json:"status,omitempty"`
	Content *string      `json:"content,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if req.Status == nil && req.Content == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "status or content is required")
		return
	}
	if req.Status != nil && !req.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status")
		return
	}

	t, err := s.svc.UpdateTask(r.Context(),
		chi.URLParam(r, "pid"), chi.URLParam(r, "aid"), chi.URLParam(r, "tid"),
		req.Status, req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.CancelTask(r.Context(), chi.URLParam(r, "pid"), chi.URLParam(r, "aid"), chi.URLParam(r, "tid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ----------------------------------------------------------------------
// Agent surface consumed by workers

func (s *Server) handleAgentTools(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "pid")
	agent, err := s.getScopedAgent(r.Context(), projectID, chi.URLParam(r, "aid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Tool scoping may target another project's catalog.
	if override := r.URL.Query().Get("override_project_id"); override != "" {
		projectID = override
	}

	cfg, catalog, err := s.tools.Aggregate(r.Context(), projectID, agent)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if catalog == nil {
		catalog = []toolset.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool_config": cfg,
		"tools":       catalog,
	})
}

func (s *Server) handleAgentEnv(w http.ResponseWriter, r *http.Request) {
	env, err := s.svc.ResolveAgentEnv(r.Context(),
		chi.URLParam(r, "pid"), chi.URLParam(r, "aid"),
		r.URL.Query().Get("override_project_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"env_variables": env})
}

// ----------------------------------------------------------------------
// Project CRUD

type createProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	p := &model.Project{ID: req.ID, Name: req.Name, CreatedAt: time.Now().UTC()}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := s.entities.CreateProject(r.Context(), p); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.entities.ListProjects(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.entities.GetProject(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDeleteProject removes the project, its agents and data sources,
// and every blob under its namespace.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "pid")
	if err := s.entities.DeleteProject(r.Context(), projectID); err != nil {
		writeServiceError(w, err)
		return
	}
	if s.blobs != nil {
		if err := s.blobs.DeletePrefix(r.Context(), artifacts.ProjectPrefix(projectID)); err != nil {
			slog.Warn("Failed to delete project blobs", "project_id", projectID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----------------------------------------------------------------------
// Agent CRUD

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var a model.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	a.ProjectID = chi.URLParam(r, "pid")
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	if err := a.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.entities.CreateAgent(r.Context(), &a); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.entities.ListAgents(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.getScopedAgent(r.Context(), chi.URLParam(r, "pid"), chi.URLParam(r, "aid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	existing, err := s.getScopedAgent(r.Context(), chi.URLParam(r, "pid"), chi.URLParam(r, "aid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var a model.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	a.ID = existing.ID
	a.ProjectID = existing.ProjectID
	a.CreatedAt = existing.CreatedAt

	if err := a.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.entities.UpdateAgent(r.Context(), &a); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if _, err := s.getScopedAgent(r.Context(), chi.URLParam(r, "pid"), chi.URLParam(r, "aid")); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.entities.DeleteAgent(r.Context(), chi.URLParam(r, "aid")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----------------------------------------------------------------------
// Data source CRUD

type createDataSourceRequest struct {
	Type   model.DataSourceType `json:"type"`
	Name   string               `json:"name"`
	Config json.RawMessage      `json:"configuration"`
	Status string               `json:"status,omitempty"`
}

func (s *Server) handleCreateDataSource(w http.ResponseWriter, r *http.Request) {
	var req createDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	cfg, err := model.DecodeDataSourceConfig(req.Type, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	status := model.StatusConfigured
	if req.Status != "" {
		status = model.DataSourceStatus(req.Status)
	}

	now := time.Now().UTC()
	ds := &model.DataSource{
		ID:        uuid.New().String(),
		ProjectID: chi.URLParam(r, "pid"),
		Type:      req.Type,
		Name:      req.Name,
		Config:    cfg,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.entities.CreateDataSource(r.Context(), ds); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleListDataSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.entities.ListDataSources(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sources == nil {
		sources = []*model.DataSource{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data_sources": sources})
}

// handleDeleteDataSource removes the source and, for upload types, its
// blobs under raw/.
func (s *Server) handleDeleteDataSource(w http.ResponseWriter, r *http.Request) {
	ds, err := s.entities.GetDataSource(r.Context(), chi.URLParam(r, "dsid"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	projectID := chi.URLParam(r, "pid")
	if ds.ProjectID != projectID {
		writeServiceError(w, registry.ErrNotFound)
		return
	}
	if err := s.entities.DeleteDataSource(r.Context(), ds.ID); err != nil {
		writeServiceError(w, err)
		return
	}

	if s.blobs != nil && ds.Type.IsUpload() {
		if cfg, ok := ds.Config.(*model.UploadConfig); ok && cfg.Category != "" {
			prefix := artifacts.ProjectPrefix(projectID) + "raw/" + cfg.Category + "/"
			if err := s.blobs.DeletePrefix(r.Context(), prefix); err != nil {
				slog.Warn("Failed to delete upload blobs", "data_source_id", ds.ID, "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----------------------------------------------------------------------
// Helpers

func (s *Server) getScopedAgent(ctx context.Context, projectID, agentID string) (*model.Agent, error) {
	agent, err := s.entities.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.ProjectID != projectID {
		return nil, registry.ErrNotFound
	}
	return agent, nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var taskErr *task.TaskError
	if errors.As(err, &taskErr) {
		status := http.StatusConflict
		if taskErr == task.ErrTaskNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, taskErr.Code, taskErr.Message)
		return
	}

	var regErr *registry.Error
	if errors.As(err, &regErr) {
		status := http.StatusInternalServerError
		switch regErr.Code {
		case "not_found":
			status = http.StatusNotFound
		case "conflict":
			status = http.StatusConflict
		}
		writeError(w, status, regErr.Code, regErr.Message)
		return
	}

	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
