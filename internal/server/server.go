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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"famtasks/internal/catalog"
	"famtasks/internal/deps"
	"famtasks/internal/domain"
	"famtasks/internal/engine"
	"famtasks/internal/metrics"
	"famtasks/internal/repo"
	"famtasks/internal/rules"
)

// EventLister reads the audit log. repo.Repo satisfies it.
type EventLister interface {
	LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error)
}

// FamilyReader looks up materialized families. repo.Repo satisfies it.
type FamilyReader interface {
	GetFamily(ctx context.Context, id string) (domain.Family, error)
}

// Config for the HTTP API handler.
type Config struct {
	Catalog  *catalog.Catalog
	Deps     deps.Validator
	Engine   engine.Engine
	Rules    *rules.Engine
	Events   EventLister
	Families FamilyReader
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_cycle"`
	Message string         `json:"message" example:"dependency B -> A would create a cycle: B -> A -> B"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"path\":[\"B\",\"A\",\"B\"]}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type actorKey struct{}

// New returns an HTTP handler exposing the famtasks API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Catalog == nil || cfg.Rules == nil || cfg.Events == nil || cfg.Families == nil {
		return nil, errors.New("server: catalog, rules, events and families are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
			if actor == "" {
				actor = "anonymous"
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	})
	hcfg := huma.DefaultConfig("famtasks API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, cfg.Catalog)
	registerDependencies(group, cfg.Catalog)
	registerFamilies(group, cfg.Engine, cfg.Deps, cfg.Families)
	registerRules(group, cfg.Rules)
	registerEvents(group, cfg.Events)
	registerOpenAPI(router, api, basePath)
	router.Handle(path.Join(basePath, "metrics"), cfg.Metrics.Handler())

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		})
	}
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "anonymous"
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
	var se *catalog.SelfDependencyError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "self_dependency", err.Error(), map[string]any{"task_id": se.TaskID})
	}
	var ce *catalog.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "dependency_cycle", err.Error(), map[string]any{"path": ce.Path})
	}
	var be *engine.BlockedTransitionError
	if errors.As(err, &be) {
		return newAPIError(http.StatusUnprocessableEntity, "transition_blocked", err.Error(), map[string]any{
			"task_id":          be.TaskID,
			"missing_required": be.MissingRequired,
		})
	}
	var rv *rules.RuleValidationError
	if errors.As(err, &rv) {
		return newAPIError(http.StatusBadRequest, "rule_invalid", err.Error(), map[string]any{"violations": rv.Violations})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyMaterialized):
		return newAPIError(http.StatusConflict, "already_materialized", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidStatus):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "is required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>famtasks API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Identify the caller with the X-Actor-ID header.
    </p>
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

func registerTemplates(api huma.API, c *catalog.Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List task templates",
	}, func(ctx context.Context, input *struct {
		Order string `query:"order" enum:"display,topological" default:"display"`
	}) (*struct {
		Body TemplateList `json:"body"`
	}, error) {
		var items []domain.TaskTemplate
		var err error
		if input.Order == "topological" {
			items, err = c.TopologicalOrder(ctx)
		} else {
			items, err = c.ListTemplates(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.TaskTemplate{}
		}
		return &struct {
			Body TemplateList `json:"body"`
		}{Body: TemplateList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create task template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.TaskTemplate `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", map[string]any{"field": "title"})
		}
		if input.Body.ID != "" {
			if _, err := c.GetTemplate(ctx, input.Body.ID); err == nil {
				return nil, newAPIError(http.StatusConflict, "conflict", "template already exists", map[string]any{"id": input.Body.ID})
			}
		}
		t, err := c.CreateTemplate(ctx, catalog.TemplateCreateOptions{
			ID:           input.Body.ID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Category:     input.Body.Category,
			DisplayOrder: input.Body.DisplayOrder,
			NotTemplate:  input.Body.IsTemplate != nil && !*input.Body.IsTemplate,
			ActorID:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get task template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.TaskTemplate `json:"body"`
	}, error) {
		t, err := c.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPatch,
		Path:        "/templates/{id}",
		Summary:     "Edit title, description or display order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.TaskTemplate `json:"body"`
	}, error) {
		t, err := c.UpdateTemplate(ctx, catalog.TemplateUpdateOptions{
			ID:           input.ID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			DisplayOrder: input.Body.DisplayOrder,
			ActorID:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskTemplate `json:"body"`
		}{Body: t}, nil
	})
}

func registerDependencies(api huma.API, c *catalog.Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/templates/{id}/dependencies",
		Summary:     "List the dependencies of a template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DependencyList `json:"body"`
	}, error) {
		if _, err := c.GetTemplate(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		edges, err := c.ListDependencies(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if edges == nil {
			edges = []domain.DependencyEdge{}
		}
		return &struct {
			Body DependencyList `json:"body"`
		}{Body: DependencyList{Items: edges}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/dependencies",
		Summary:       "Add a cycle-checked dependency edge",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddDependencyRequest `json:"body"`
	}) (*struct {
		Body domain.DependencyEdge `json:"body"`
	}, error) {
		typ, err := domain.ParseDependencyType(input.Body.Type)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "dependency_type"})
		}
		edge, err := c.AddDependency(ctx, input.ID, input.Body.DependsOnTaskID, typ, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DependencyEdge `json:"body"`
		}{Body: edge}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/templates/{id}/dependencies",
		Summary:     "Remove a dependency edge",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		DependsOn string `query:"depends_on" required:"true"`
		Type      string `query:"type" enum:"required,optional"`
	}) (*struct {
		Body RemovedResponse `json:"body"`
	}, error) {
		var typ *domain.DependencyType
		if input.Type != "" {
			t := domain.DependencyType(input.Type)
			typ = &t
		}
		removed, err := c.RemoveDependency(ctx, input.ID, input.DependsOn, typ, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemovedResponse `json:"body"`
		}{Body: RemovedResponse{Removed: removed}}, nil
	})
}

func registerFamilies(api huma.API, e engine.Engine, v deps.Validator, families FamilyReader) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-family",
		Method:        http.MethodPost,
		Path:          "/families",
		Summary:       "Materialize a family's task instances",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateFamilyRequest `json:"body"`
	}) (*struct {
		Body FamilyResponse `json:"body"`
	}, error) {
		tasks, err := e.Materialize(ctx, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FamilyResponse `json:"body"`
		}{Body: FamilyResponse{ID: input.Body.ID, Name: input.Body.Name, Tasks: orEmpty(tasks)}}, nil
	})

	type familyPath struct {
		FamilyID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-family",
		Method:      http.MethodGet,
		Path:        "/families/{id}",
		Summary:     "Get a family with its task instances",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *familyPath) (*struct {
		Body FamilyResponse `json:"body"`
	}, error) {
		f, err := families.GetFamily(ctx, input.FamilyID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.ListFamilyTasks(ctx, f.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FamilyResponse `json:"body"`
		}{Body: FamilyResponse{ID: f.ID, Name: f.Name, Tasks: orEmpty(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-family-tasks",
		Method:      http.MethodGet,
		Path:        "/families/{id}/tasks",
		Summary:     "List a family's task instances",
	}, func(ctx context.Context, input *familyPath) (*struct {
		Body InstanceList `json:"body"`
	}, error) {
		tasks, err := e.ListFamilyTasks(ctx, input.FamilyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceList `json:"body"`
		}{Body: InstanceList{Items: orEmpty(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-tasks",
		Method:      http.MethodGet,
		Path:        "/families/{id}/ready",
		Summary:     "Not started tasks whose required dependencies are complete",
	}, func(ctx context.Context, input *familyPath) (*struct {
		Body InstanceList `json:"body"`
	}, error) {
		ready, err := v.ReadyTasks(ctx, input.FamilyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceList `json:"body"`
		}{Body: InstanceList{Items: orEmpty(ready)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "family-board",
		Method:      http.MethodGet,
		Path:        "/families/{id}/board",
		Summary:     "Readiness of every task instance",
	}, func(ctx context.Context, input *familyPath) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		board, err := v.Board(ctx, input.FamilyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: BoardResponse{Items: board}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-readiness",
		Method:      http.MethodGet,
		Path:        "/families/{id}/tasks/{task_id}/readiness",
		Summary:     "Validate the dependencies of one task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FamilyID string `path:"id"`
		TaskID   string `path:"task_id"`
	}) (*struct {
		Body deps.Result `json:"body"`
	}, error) {
		if _, err := e.GetFamilyTask(ctx, input.FamilyID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		res, err := v.Validate(ctx, input.TaskID, input.FamilyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body deps.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/families/{id}/tasks/{task_id}/transitions",
		Summary:     "Request a status transition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		FamilyID string            `path:"id"`
		TaskID   string            `path:"task_id"`
		Body     TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.TransitionByTask(ctx, input.FamilyID, input.TaskID, domain.Status(input.Body.Status), input.Body.Notes, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Instance: res.Instance, Changed: res.Changed, CorrelationID: res.CorrelationID}}, nil
	})
}

func registerRules(api huma.API, re *rules.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List workflow rules",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body RuleList `json:"body"`
	}, error) {
		items, err := re.ListRules(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkflowRule{}
		}
		return &struct {
			Body RuleList `json:"body"`
		}{Body: RuleList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create a workflow rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowRule `json:"body"`
	}, error) {
		rule, err := re.CreateRule(ctx, ruleInput("", input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{id}",
		Summary:     "Replace a workflow rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RuleRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowRule `json:"body"`
	}, error) {
		rule, err := re.UpdateRule(ctx, input.ID, ruleInput(input.ID, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-active",
		Method:      http.MethodPost,
		Path:        "/rules/{id}/active",
		Summary:     "Enable or disable a workflow rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body SetRuleActiveRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowRule `json:"body"`
	}, error) {
		rule, err := re.SetRuleActive(ctx, input.ID, input.Body.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowRule `json:"body"`
		}{Body: rule}, nil
	})
}

func ruleInput(id string, body RuleRequest) rules.RuleInput {
	return rules.RuleInput{
		ID:                 id,
		Name:               body.Name,
		TriggerCondition:   body.TriggerCondition,
		TriggerTaskID:      body.TriggerTaskID,
		TriggerStatus:      body.TriggerStatus,
		Action:             body.Action,
		TargetType:         body.TargetType,
		ActionTargetTaskID: body.ActionTargetTaskID,
		ActionTargetUserID: body.ActionTargetUserID,
		IsActive:           body.IsActive,
	}
}

func registerEvents(api huma.API, events EventLister) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		FamilyID string `query:"family_id"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
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
		items, err := events.LatestEvents(ctx, repo.EventFilters{
			FamilyID: input.FamilyID,
			Type:     input.Type,
			EntityID: input.EntityID,
			Limit:    limit + 1,
			Before:   cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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

func orEmpty(in []domain.FamilyTaskInstance) []domain.FamilyTaskInstance {
	if in == nil {
		return []domain.FamilyTaskInstance{}
	}
	return in
}
