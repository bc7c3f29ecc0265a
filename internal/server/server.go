package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"quiche/internal/domain"
	"quiche/internal/engine"
	"quiche/internal/events"
	"quiche/internal/log"
	"quiche/internal/registry"
)

// EventSource lists recorded events, newest first.
type EventSource interface {
	Latest(ctx context.Context, q events.Query) ([]domain.Event, error)
}

// Config for the HTTP API handler.
type Config struct {
	Eval     *engine.Evaluator
	Events   EventSource
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_task"`
	Message string         `json:"message" example:"unknown task \"ghost\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"name\":\"ghost\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the quiche API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Eval == nil {
		return nil, errors.New("server: evaluator is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("quiche API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{eval: cfg.Eval, events: cfg.Events, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerTasks(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
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
	var (
		unknown *registry.UnknownTaskError
		cycle   *engine.CyclicDependencyError
		aliases *registry.AliasCycleError
		compute *engine.ComputeError
	)
	switch {
	case errors.As(err, &unknown):
		details := map[string]any{"name": unknown.Name}
		if unknown.RequiredBy != "" {
			details["required_by"] = unknown.RequiredBy
		}
		return newAPIError(http.StatusNotFound, "unknown_task", err.Error(), details)
	case errors.As(err, &cycle):
		return newAPIError(http.StatusConflict, "cyclic_dependency", err.Error(), map[string]any{"path": cycle.Path})
	case errors.As(err, &aliases):
		return newAPIError(http.StatusConflict, "alias_cycle", err.Error(), map[string]any{"chain": aliases.Chain})
	case errors.Is(err, registry.ErrDuplicateTask):
		return newAPIError(http.StatusConflict, "duplicate_task", err.Error(), nil)
	case errors.As(err, &compute):
		return newAPIError(http.StatusUnprocessableEntity, "compute_failed", err.Error(), map[string]any{"task": compute.Task})
	case errors.Is(err, registry.ErrNotInput):
		return newAPIError(http.StatusBadRequest, "not_input", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once    sync.Once
		spec    []byte
		specErr error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, specErr = json.Marshal(oas)
		})
		if specErr != nil {
			http.Error(w, specErr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>quiche API Docs</title>
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

type handlers struct {
	eval   *engine.Evaluator
	events EventSource
	logger *log.Logger
}

type taskPath struct {
	Name string `path:"name" doc:"Task name or alias"`
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List registered tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(h.eval.Registry().Tasks())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{name}",
		Summary:     "Resolve a task, computing stale or missing dependencies",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Name     string   `path:"name"`
		Knockout []string `query:"knockout" doc:"Tasks to recompute even when fresh"`
		Cached   bool     `query:"cached" doc:"Return any cached entry without a freshness check"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		if input.Cached && len(input.Knockout) > 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "cached and knockout cannot be combined", nil)
		}
		var (
			res domain.Result
			err error
		)
		if input.Cached {
			res, err = h.eval.ResolveCached(ctx, input.Name)
		} else {
			res, err = h.eval.Resolve(ctx, input.Name, engine.WithKnockout(input.Knockout...))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-status",
		Method:      http.MethodGet,
		Path:        "/tasks/{name}/status",
		Summary:     "Report which tasks would be recomputed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := h.eval.Status(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{Name: h.eval.Registry().Canonical(input.Name), Tasks: st}
		for _, s := range st {
			if s.State != domain.StateFresh {
				resp.Stale++
			}
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "explain-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{name}/explain",
		Summary:     "Describe a task's dependency tree",
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body ExplainResponse `json:"body"`
	}, error) {
		reg := h.eval.Registry()
		resp := ExplainResponse{
			Name:       input.Name,
			Canonical:  reg.Canonical(input.Name),
			AliasChain: reg.AliasChain(input.Name),
			Report:     reg.Report(input.Name),
		}
		if resp.AliasChain == nil {
			resp.AliasChain = []string{}
		}
		order, err := h.eval.Plan(input.Name)
		if err != nil {
			resp.PlanFailure = err.Error()
		} else {
			resp.PlanOrder = order
		}
		return &struct {
			Body ExplainResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "invalidate-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{name}/cache",
		Summary:       "Drop a task's cached entry",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		if err := h.eval.Invalidate(ctx, input.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-value",
		Method:      http.MethodPut,
		Path:        "/tasks/{name}/value",
		Summary:     "Assign the value of an input task",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body SetValueRequest
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		res, err := h.eval.Set(ctx, input.Name, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		h.logger.Info(ctx, "input assigned over http", "task", res.Name, "version", res.Version, "by", principalName(ctx))
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Task   string `query:"task"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp := paginatedEvents{Items: []EventResponse{}}
		if h.events == nil {
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.events.Latest(ctx, events.Query{Limit: limit + 1, Type: input.Type, Task: input.Task, Before: cursorID})
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			resp.NextCursor = cursorString(items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func principalName(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.Subject
	}
	return "anonymous"
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
