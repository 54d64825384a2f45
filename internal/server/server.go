package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/orchestrator"
	"gradeline/internal/repo"
	"gradeline/internal/retry"
	"gradeline/internal/scheduler"
)

// Workflow is the grading run surface the API drives.
type Workflow interface {
	Schedule(ctx context.Context, title string, docs domain.DocumentIDs, assignmentID string) (domain.Trigger, error)
	Run(ctx context.Context) error
	Status(ctx context.Context) (orchestrator.RunState, error)
	Cancel(ctx context.Context) (int, error)
}

// Store exposes the read models behind the list endpoints.
type Store interface {
	ListTriggers(ctx context.Context, entryPoint string) ([]domain.Trigger, error)
	LatestProgress(ctx context.Context, scopeID string, limit int, cursor int64) ([]domain.ProgressEvent, error)
}

// Config for the HTTP API handler.
type Config struct {
	Workflow Workflow
	Store    Store
	ScopeID  string
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"run_in_progress"`
	Message string         `json:"message" example:"grading run in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gradeline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Workflow == nil || cfg.Store == nil {
		return nil, errors.New("server: workflow and store are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("server")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Gradeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSchedule(group, cfg.Workflow)
	registerRuns(group, cfg.Workflow, cfg.Logger)
	registerProgress(group, cfg.Store, cfg.ScopeID)
	registerTriggers(group, cfg.Store, cfg.Workflow)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var cfgErr *domain.ConfigError
	if errors.As(err, &cfgErr) {
		var details map[string]any
		if len(cfgErr.Missing) > 0 {
			details = map[string]any{"missing": cfgErr.Missing}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		return newAPIError(http.StatusConflict, "run_in_progress", err.Error(), nil)
	}
	if errors.Is(err, scheduler.ErrQuotaExceeded) {
		return newAPIError(http.StatusConflict, "trigger_quota_exceeded", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var authErr *retry.AuthError
	if errors.As(err, &authErr) {
		return newAPIError(http.StatusBadGateway, "upstream_forbidden", err.Error(), map[string]any{"status": authErr.StatusCode})
	}
	if errors.Is(err, retry.ErrExhausted) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gradeline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSchedule(api huma.API, wf Workflow) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments/{assignment_id}/schedule",
		Summary:       "Schedule grading for an assignment",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
		Body         scheduleRequest
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		docs := domain.DocumentIDs{Reference: input.Body.ReferenceDocumentID, Template: input.Body.TemplateDocumentID}
		t, err := wf.Schedule(ctx, input.Body.Title, docs, input.AssignmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})
}

func registerRuns(api huma.API, wf Workflow, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "invoke-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Invoke the run entry point now",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.RunState `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); ok {
			logger.InfoContext(ctx, "run invoked", "subject", p.Subject, "source", p.Source)
		}
		if err := wf.Run(ctx); err != nil {
			return nil, handleError(err)
		}
		st, err := wf.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.RunState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/run",
		Summary:     "Current run state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.RunState `json:"body"`
	}, error) {
		st, err := wf.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.RunState `json:"body"`
		}{Body: st}, nil
	})
}

func registerProgress(api huma.API, store Store, scopeID string) {
	huma.Register(api, huma.Operation{
		OperationID: "list-progress",
		Method:      http.MethodGet,
		Path:        "/progress",
		Summary:     "List recent progress events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedProgress `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := store.LatestProgress(ctx, scopeID, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProgress{Items: []ProgressResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, progressResponse(evt))
		}
		return &struct {
			Body paginatedProgress `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTriggers(api huma.API, store Store, wf Workflow) {
	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List continuation triggers",
	}, func(ctx context.Context, input *struct {
		EntryPoint string `query:"entry_point"`
	}) (*struct {
		Body triggerList `json:"body"`
	}, error) {
		items, err := store.ListTriggers(ctx, input.EntryPoint)
		if err != nil {
			return nil, handleError(err)
		}
		resp := triggerList{Items: []TriggerResponse{}}
		for _, t := range items {
			resp.Items = append(resp.Items, triggerResponse(t))
		}
		return &struct {
			Body triggerList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodDelete,
		Path:        "/triggers",
		Summary:     "Cancel the pending run and remove its triggers",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body cancelResponse `json:"body"`
	}, error) {
		n, err := wf.Cancel(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body cancelResponse `json:"body"`
		}{Body: cancelResponse{Removed: n}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
