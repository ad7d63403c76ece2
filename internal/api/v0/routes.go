// Package v0 provides the REST API handlers for the sync service.
package v0

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tallyhq/tally-sync-server/internal/api/common"
	"github.com/tallyhq/tally-sync-server/internal/domain"
	"github.com/tallyhq/tally-sync-server/internal/render"
	"github.com/tallyhq/tally-sync-server/internal/store"
	"github.com/tallyhq/tally-sync-server/internal/sync/coordinator"
)

// maxRequestBody caps request bodies; templates and queries are small.
const maxRequestBody = 1 << 20

// SyncRunResponse is the wire form of a sync run.
type SyncRunResponse struct {
	ID             uuid.UUID  `json:"id"`
	Trigger        string     `json:"trigger"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessedCount int        `json:"processed_count"`
	SuccessCount   int        `json:"success_count"`
	ErrorCount     int        `json:"error_count"`
	ErrorSummary   string     `json:"error_summary,omitempty"`
	TriggeredBy    string     `json:"triggered_by"`
}

// SyncRunDetailResponse is the wire form of one run ledger row.
type SyncRunDetailResponse struct {
	ID        uuid.UUID `json:"id"`
	Seq       int       `json:"seq"`
	Operation string    `json:"operation"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TemplateRequest is the create/update payload for templates.
type TemplateRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
}

// TemplateResponse is the wire form of a template.
type TemplateResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Source      string    `json:"source"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QueryRequest is the create/update payload for queries.
type QueryRequest struct {
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	TemplateID uuid.UUID `json:"template_id"`
	Priority   int       `json:"priority"`
	Active     bool      `json:"active"`
}

// QueryResponse is the wire form of a query.
type QueryResponse struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	TemplateID uuid.UUID `json:"template_id"`
	Priority   int       `json:"priority"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TriggerSyncRequest is the optional payload for manual sync triggers.
type TriggerSyncRequest struct {
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// ValidateTemplateRequest carries a template source to validate.
type ValidateTemplateRequest struct {
	Source string `json:"source"`
}

// TestRenderRequest carries a template source plus a sample issue payload.
type TestRenderRequest struct {
	Source string          `json:"source"`
	Sample json.RawMessage `json:"sample"`
}

// TestRenderResponse carries the rendered output of a test render.
type TestRenderResponse struct {
	Output string `json:"output"`
}

// Routes defines the routes for the sync API with dependency injection
type Routes struct {
	coord     coordinator.Coordinator
	runs      store.SyncRunStore
	queries   store.QueryStore
	templates store.TemplateStore
	engine    *render.Engine
}

// NewRoutes creates a new Routes instance with the provided dependencies
func NewRoutes(
	coord coordinator.Coordinator,
	runs store.SyncRunStore,
	queries store.QueryStore,
	templates store.TemplateStore,
	engine *render.Engine,
) *Routes {
	return &Routes{
		coord:     coord,
		runs:      runs,
		queries:   queries,
		templates: templates,
		engine:    engine,
	}
}

// Router creates a new router for the sync API
func Router(routes *Routes) http.Handler {
	r := chi.NewRouter()

	r.Post("/sync", routes.triggerSync)
	r.Get("/sync/runs", routes.listRuns)
	r.Get("/sync/runs/{runID}", routes.getRun)
	r.Get("/sync/runs/{runID}/details", routes.listRunDetails)

	r.Get("/templates", routes.listTemplates)
	r.Post("/templates", routes.createTemplate)
	r.Post("/templates/validate", routes.validateTemplate)
	r.Post("/templates/test-render", routes.testRenderTemplate)
	r.Get("/templates/by-name/{name}", routes.getTemplateByName)
	r.Get("/templates/{templateID}", routes.getTemplate)
	r.Put("/templates/{templateID}", routes.updateTemplate)
	r.Delete("/templates/{templateID}", routes.deleteTemplate)

	r.Get("/queries", routes.listQueries)
	r.Post("/queries", routes.createQuery)
	r.Get("/queries/{queryID}", routes.getQuery)
	r.Put("/queries/{queryID}", routes.updateQuery)
	r.Delete("/queries/{queryID}", routes.deleteQuery)

	return r
}

func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req TriggerSyncRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		common.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor := req.TriggeredBy
	if actor == "" {
		actor = "api"
	}

	run, err := rr.coord.RunNow(r.Context(), actor)
	if err != nil {
		if errors.Is(err, coordinator.ErrSyncInProgress) {
			common.WriteError(w, "A sync run is already in progress", http.StatusConflict)
			return
		}
		slog.Error("Manual sync failed", "error", err)
		common.WriteError(w, "Sync run failed", http.StatusInternalServerError)
		return
	}

	common.WriteJSON(w, runToResponse(run), http.StatusOK)
}

func (rr *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			common.WriteError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	runs, err := rr.runs.List(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list sync runs", "error", err)
		common.WriteError(w, "Failed to list sync runs", http.StatusInternalServerError)
		return
	}

	responses := make([]SyncRunResponse, 0, len(runs))
	for i := range runs {
		responses = append(responses, runToResponse(&runs[i]))
	}
	common.WriteJSON(w, responses, http.StatusOK)
}

func (rr *Routes) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	run, err := rr.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.WriteError(w, "Sync run not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to get sync run", "run_id", id, "error", err)
		common.WriteError(w, "Failed to get sync run", http.StatusInternalServerError)
		return
	}

	common.WriteJSON(w, runToResponse(run), http.StatusOK)
}

func (rr *Routes) listRunDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	// 404 for unknown runs rather than an empty ledger.
	if _, err := rr.runs.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.WriteError(w, "Sync run not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to get sync run", "run_id", id, "error", err)
		common.WriteError(w, "Failed to get sync run", http.StatusInternalServerError)
		return
	}

	details, err := rr.runs.ListDetails(r.Context(), id)
	if err != nil {
		slog.Error("Failed to list run details", "run_id", id, "error", err)
		common.WriteError(w, "Failed to list run details", http.StatusInternalServerError)
		return
	}

	responses := make([]SyncRunDetailResponse, 0, len(details))
	for _, d := range details {
		responses = append(responses, SyncRunDetailResponse{
			ID:        d.ID,
			Seq:       d.Seq,
			Operation: d.Operation,
			Outcome:   string(d.Outcome),
			Message:   d.Message,
			CreatedAt: d.CreatedAt,
		})
	}
	common.WriteJSON(w, responses, http.StatusOK)
}

func (rr *Routes) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := rr.templates.List(r.Context())
	if err != nil {
		slog.Error("Failed to list templates", "error", err)
		common.WriteError(w, "Failed to list templates", http.StatusInternalServerError)
		return
	}

	responses := make([]TemplateResponse, 0, len(templates))
	for i := range templates {
		responses = append(responses, templateToResponse(&templates[i]))
	}
	common.WriteJSON(w, responses, http.StatusOK)
}

func (rr *Routes) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := decodeBody(r, &req); err != nil {
		common.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Source == "" {
		common.WriteError(w, "name and source are required", http.StatusBadRequest)
		return
	}
	if result := rr.engine.Validate(req.Source); !result.Valid {
		common.WriteError(w, "Template source is invalid: "+result.Message, http.StatusBadRequest)
		return
	}

	tmpl := &domain.Template{
		Name:        req.Name,
		Source:      req.Source,
		Description: req.Description,
	}
	if err := rr.templates.Create(r.Context(), tmpl); err != nil {
		slog.Error("Failed to create template", "name", req.Name, "error", err)
		common.WriteError(w, "Failed to create template", http.StatusInternalServerError)
		return
	}

	common.WriteJSON(w, templateToResponse(tmpl), http.StatusCreated)
}

func (rr *Routes) getTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "templateID")
	if !ok {
		return
	}

	tmpl, err := rr.templates.Get(r.Context(), id)
	if err != nil {
		rr.writeTemplateError(w, id.String(), err)
		return
	}
	common.WriteJSON(w, templateToResponse(tmpl), http.StatusOK)
}

func (rr *Routes) getTemplateByName(w http.ResponseWriter, r *http.Request) {
	name, err := common.PathParam(r, "name")
	if err != nil {
		common.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	tmpl, err := rr.templates.GetByName(r.Context(), name)
	if err != nil {
		rr.writeTemplateError(w, name, err)
		return
	}
	common.WriteJSON(w, templateToResponse(tmpl), http.StatusOK)
}

func (rr *Routes) updateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "templateID")
	if !ok {
		return
	}

	var req TemplateRequest
	if err := decodeBody(r, &req); err != nil {
		common.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Source == "" {
		common.WriteError(w, "name and source are required", http.StatusBadRequest)
		return
	}
	if result := rr.engine.Validate(req.Source); !result.Valid {
		common.WriteError(w, "Template source is invalid: "+result.Message, http.StatusBadRequest)
		return
	}

	tmpl, err := rr.templates.Get(r.Context(), id)
	if err != nil {
		rr.writeTemplateError(w, id.String(), err)
		return
	}

	tmpl.Name = req.Name
	tmpl.Source = req.Source
	tmpl.Description = req.Description
	if err := rr.templates.Update(r.Context(), tmpl); err != nil {
		rr.writeTemplateError(w, id.String(), err)
		return
	}
	common.WriteJSON(w, templateToResponse(tmpl), http.StatusOK)
}

func (rr *Routes) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "templateID")
	if !ok {
		return
	}

	if err := rr.templates.Delete(r.Context(), id); err != nil {
		rr.writeTemplateError(w, id.String(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rr *Routes) validateTemplate(w http.ResponseWriter, r *http.Request) {
	var req ValidateTemplateRequest
	if err := decodeBody(r, &req); err != nil {
		common.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result := rr.engine.Validate(req.Source)
	common.WriteJSON(w, result, http.StatusOK)
}

func (rr *Routes) testRenderTemplate(w http.ResponseWriter, r *http.Request) {
	var req TestRenderRequest
	if err := decodeBody(r, &req); err != nil {
		common.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	output, err := rr.engine.TestRender(req.Source, string(req.Sample))
	if err != nil {
		common.WriteError(w, "Test render failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	common.WriteJSON(w, TestRenderResponse{Output: output}, http.StatusOK)
}

func (rr *Routes) listQueries(w http.ResponseWriter, r *http.Request) {
	queries, err := rr.queries.List(r.Context())
	if err != nil {
		slog.Error("Failed to list queries", "error", err)
		common.WriteError(w, "Failed to list queries", http.StatusInternalServerError)
		return
	}

	responses := make([]QueryResponse, 0, len(queries))
	for i := range queries {
		responses = append(responses, queryToResponse(&queries[i]))
	}
	common.WriteJSON(w, responses, http.StatusOK)
}

func (rr *Routes) createQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		common.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Expression == "" || req.TemplateID == uuid.Nil {
		common.WriteError(w, "name, expression and template_id are required", http.StatusBadRequest)
		return
	}

	// Reject queries pointing at templates that do not exist.
	if _, err := rr.templates.Get(r.Context(), req.TemplateID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.WriteError(w, "Referenced template not found", http.StatusBadRequest)
			return
		}
		slog.Error("Failed to resolve template", "template_id", req.TemplateID, "error", err)
		common.WriteError(w, "Failed to create query", http.StatusInternalServerError)
		return
	}

	q := &domain.Query{
		Name:       req.Name,
		Expression: req.Expression,
		TemplateID: req.TemplateID,
		Priority:   req.Priority,
		Active:     req.Active,
	}
	if err := rr.queries.Create(r.Context(), q); err != nil {
		slog.Error("Failed to create query", "name", req.Name, "error", err)
		common.WriteError(w, "Failed to create query", http.StatusInternalServerError)
		return
	}
	common.WriteJSON(w, queryToResponse(q), http.StatusCreated)
}

func (rr *Routes) getQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "queryID")
	if !ok {
		return
	}

	q, err := rr.queries.Get(r.Context(), id)
	if err != nil {
		rr.writeQueryError(w, id, err)
		return
	}
	common.WriteJSON(w, queryToResponse(q), http.StatusOK)
}

func (rr *Routes) updateQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "queryID")
	if !ok {
		return
	}

	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		common.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Expression == "" || req.TemplateID == uuid.Nil {
		common.WriteError(w, "name, expression and template_id are required", http.StatusBadRequest)
		return
	}

	q, err := rr.queries.Get(r.Context(), id)
	if err != nil {
		rr.writeQueryError(w, id, err)
		return
	}

	q.Name = req.Name
	q.Expression = req.Expression
	q.TemplateID = req.TemplateID
	q.Priority = req.Priority
	q.Active = req.Active
	if err := rr.queries.Update(r.Context(), q); err != nil {
		rr.writeQueryError(w, id, err)
		return
	}
	common.WriteJSON(w, queryToResponse(q), http.StatusOK)
}

func (rr *Routes) deleteQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "queryID")
	if !ok {
		return
	}

	if err := rr.queries.Delete(r.Context(), id); err != nil {
		rr.writeQueryError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (*Routes) writeTemplateError(w http.ResponseWriter, ref string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		common.WriteError(w, "Template not found", http.StatusNotFound)
		return
	}
	slog.Error("Template operation failed", "template", ref, "error", err)
	common.WriteError(w, "Template operation failed", http.StatusInternalServerError)
}

func (*Routes) writeQueryError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, store.ErrNotFound) {
		common.WriteError(w, "Query not found", http.StatusNotFound)
		return
	}
	slog.Error("Query operation failed", "query_id", id, "error", err)
	common.WriteError(w, "Query operation failed", http.StatusInternalServerError)
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		common.WriteError(w, name+" must be a valid UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func runToResponse(run *domain.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:             run.ID,
		Trigger:        string(run.Trigger),
		Status:         string(run.Status),
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		ProcessedCount: run.ProcessedCount,
		SuccessCount:   run.SuccessCount,
		ErrorCount:     run.ErrorCount,
		ErrorSummary:   run.ErrorSummary,
		TriggeredBy:    run.TriggeredBy,
	}
}

func templateToResponse(t *domain.Template) TemplateResponse {
	return TemplateResponse{
		ID:          t.ID,
		Name:        t.Name,
		Source:      t.Source,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func queryToResponse(q *domain.Query) QueryResponse {
	return QueryResponse{
		ID:         q.ID,
		Name:       q.Name,
		Expression: q.Expression,
		TemplateID: q.TemplateID,
		Priority:   q.Priority,
		Active:     q.Active,
		CreatedAt:  q.CreatedAt,
		UpdatedAt:  q.UpdatedAt,
	}
}
