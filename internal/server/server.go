package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"regline/internal/domain"
	"regline/internal/engine"
	"regline/internal/engine/auth"
	"regline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_not_met"`
	Message string         `json:"message" example:"activity select_samples waits on profile_data"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"activity.start\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Regline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope shape.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Regline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerSLA(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrPreconditionNotMet):
		return newAPIError(http.StatusConflict, "precondition_not_met", msg, nil)
	case errors.Is(err, engine.ErrAlreadyStarted):
		return newAPIError(http.StatusConflict, "already_started", msg, nil)
	case errors.Is(err, engine.ErrNotStarted):
		return newAPIError(http.StatusConflict, "not_started", msg, nil)
	case errors.Is(err, engine.ErrScopeLocked):
		return newAPIError(http.StatusConflict, "scope_locked", msg, nil)
	case errors.Is(err, engine.ErrPendingApprovalExists):
		return newAPIError(http.StatusConflict, "pending_approval_exists", msg, nil)
	case errors.Is(err, engine.ErrStaleVersion):
		return newAPIError(http.StatusConflict, "stale_version", msg, nil)
	case errors.Is(err, engine.ErrEmptyVersion):
		return newAPIError(http.StatusUnprocessableEntity, "empty_version", msg, nil)
	case errors.Is(err, engine.ErrVersionNotDraft):
		return newAPIError(http.StatusUnprocessableEntity, "version_not_draft", msg, nil)
	case errors.Is(err, engine.ErrRetriesExhausted):
		return newAPIError(http.StatusUnprocessableEntity, "retries_exhausted", msg, nil)
	case errors.Is(err, engine.ErrManualIntervention):
		return newAPIError(http.StatusUnprocessableEntity, "manual_intervention_required", msg, nil)
	case errors.Is(err, engine.ErrNonRetryable):
		return newAPIError(http.StatusUnprocessableEntity, "non_retryable", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission checks the principal's token permissions first, then the
// cycle RBAC tables.
func requirePermission(ctx context.Context, e engine.Engine, cycleID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, cycleID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func requireGlobalPermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	if e.Config == nil {
		return auth.ForbiddenError{Permission: perm}
	}
	return requirePermission(ctx, e, e.Config.Cycle.ID, perm)
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
			applyAuthSecurity(oas, basePath)
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Regline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create testing cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if err := requireGlobalPermission(ctx, e, "cycle.admin"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.InitCycle(ctx, input.Body.ID, input.Body.Name, actorID, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List cycles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CycleResponse `json:"body"`
	}, error) {
		if err := requireGlobalPermission(ctx, e, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCycles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CycleResponse `json:"body"`
		}{Body: mapCycles(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get cycle",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/reports",
		Summary:       "Register report under test",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string              `path:"cycle_id"`
		Body    CreateReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "workflow.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ReportCreateOptions{
			CycleID: input.CycleID,
			Title:   input.Body.Title,
			ActorID: actorID,
		}
		if input.Body.ID != nil {
			opts.ReportID = *input.Body.ID
		}
		if input.Body.ReportOwnerID != nil {
			opts.ReportOwnerID = *input.Body.ReportOwnerID
		}
		rep, err := e.CreateReport(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports",
		Summary:     "List reports",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body []ReportResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListReports(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReportResponse `json:"body"`
		}{Body: mapReports(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}",
		Summary:     "Report status with phase snapshot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body ReportStatusResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.Repo.GetReport(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		phases, err := e.Repo.ListPhases(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportStatusResponse `json:"body"`
		}{Body: ReportStatusResponse{
			Report: reportResponse(rep),
			Phases: mapPhases(phases),
		}}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases",
		Summary:     "List phases",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPhases(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: mapPhases(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}",
		Summary:     "Phase detail with activities",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
		Phase    string `path:"phase"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		phase, err := e.Repo.GetPhaseByName(ctx, input.CycleID, input.ReportID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		activities, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{PhaseID: phase.ID})
		if err != nil {
			return nil, handleError(err)
		}
		open, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{ReportID: input.ReportID, Open: true})
		if err != nil {
			return nil, handleError(err)
		}
		resp := phaseResponse(phase)
		resp.Activities = attachViolations(mapActivities(activities), open)
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-phase",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/block",
		Summary:     "Block phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID  string       `path:"cycle_id"`
		ReportID string       `path:"report_id"`
		Phase    string       `path:"phase"`
		Body     BlockRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "activity.block"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phase, err := e.BlockPhase(ctx, input.CycleID, input.ReportID, input.Phase, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(phase)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-phase",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/unblock",
		Summary:     "Unblock phase",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
		Phase    string `path:"phase"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "activity.block"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phase, err := e.UnblockPhase(ctx, input.CycleID, input.ReportID, input.Phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(phase)}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/activities",
		Summary:     "List activities",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID   string `path:"cycle_id"`
		ReportID  string `path:"report_id"`
		Phase     string `query:"phase"`
		Status    string `query:"status" enum:",not_started,in_progress,complete,blocked"`
		Type      string `query:"type" enum:",start,task,review,approval,complete,custom"`
		Startable bool   `query:"startable"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		phaseID := ""
		if input.Phase != "" {
			phase, err := e.Repo.GetPhaseByName(ctx, input.CycleID, input.ReportID, input.Phase)
			if err != nil {
				return nil, handleError(err)
			}
			phaseID = phase.ID
		}
		var items []domain.Activity
		var err error
		if input.Startable {
			items, err = e.StartableActivities(ctx, input.CycleID, input.ReportID)
			if err == nil && phaseID != "" {
				filtered := items[:0]
				for _, a := range items {
					if a.PhaseID == phaseID {
						filtered = append(filtered, a)
					}
				}
				items = filtered
			}
		} else {
			items, err = e.Repo.ListActivities(ctx, repo.ActivityFilters{
				CycleID:  input.CycleID,
				ReportID: input.ReportID,
				PhaseID:  phaseID,
				Status:   input.Status,
				Type:     input.Type,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/activities/{activity_id}",
		Summary:     "Activity detail",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		a, err := getCycleActivity(ctx, e, input.CycleID, input.ActivityID)
		if err != nil {
			return nil, handleError(err)
		}
		open, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{ActivityID: a.ID, Open: true})
		if err != nil {
			return nil, handleError(err)
		}
		resp := activityResponse(a)
		if len(open) > 0 {
			v := violationResponse(open[0])
			resp.OpenViolation = &v
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-activity",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/activities/next",
		Summary:     "Next activity to work on",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		a, err := e.NextActivity(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-activity",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/activities/{activity_id}/start",
		Summary:     "Start activity",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		ActivityID string `path:"activity_id"`
		Force      bool   `query:"force"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "activity.start"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleActivity(ctx, e, input.CycleID, input.ActivityID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.StartActivity(ctx, input.ActivityID, actorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-activity",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/activities/{activity_id}/complete",
		Summary:     "Complete activity",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		ActivityID string `path:"activity_id"`
		Force      bool   `query:"force"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "activity.complete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleActivity(ctx, e, input.CycleID, input.ActivityID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.CompleteActivity(ctx, input.ActivityID, actorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-activity",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/activities/{activity_id}/block",
		Summary:     "Block activity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID    string       `path:"cycle_id"`
		ActivityID string       `path:"activity_id"`
		Body       BlockRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "activity.block"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleActivity(ctx, e, input.CycleID, input.ActivityID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.BlockActivity(ctx, input.ActivityID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-activity",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/activities/{activity_id}/unblock",
		Summary:     "Unblock activity",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "activity.block"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleActivity(ctx, e, input.CycleID, input.ActivityID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.UnblockActivity(ctx, input.ActivityID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-version",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/versions",
		Summary:       "Create draft version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID  string               `path:"cycle_id"`
		ReportID string               `path:"report_id"`
		Phase    string               `path:"phase"`
		Body     CreateVersionRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "version.submit"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateDraft(ctx, input.CycleID, input.ReportID, input.Phase, input.Body.ScopeKind, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/versions",
		Summary:     "List versions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID   string `path:"cycle_id"`
		ReportID  string `path:"report_id"`
		Phase     string `query:"phase"`
		ScopeKind string `query:"scope_kind" enum:",decision_set,sample_set,attribute_set"`
		Status    string `query:"status" enum:",draft,pending_approval,approved,rejected,superseded"`
	}) (*struct {
		Body []VersionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		f := repo.VersionFilters{
			CycleID:   input.CycleID,
			ReportID:  input.ReportID,
			ScopeKind: input.ScopeKind,
			Status:    input.Status,
		}
		if input.Phase != "" {
			phase, err := e.Repo.GetPhaseByName(ctx, input.CycleID, input.ReportID, input.Phase)
			if err != nil {
				return nil, handleError(err)
			}
			f.PhaseID = phase.ID
		}
		items, err := e.Repo.ListVersions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VersionResponse `json:"body"`
		}{Body: mapVersions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/versions/{version_id}",
		Summary:     "Version detail with decisions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID   string `path:"cycle_id"`
		VersionID string `path:"version_id"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		v, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		decisions, err := e.Repo.ListDecisions(ctx, v.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := versionResponse(v)
		resp.Decisions = mapDecisions(decisions)
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-decision",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/versions/{version_id}/decisions",
		Summary:       "Add or update a decision on a draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID   string             `path:"cycle_id"`
		VersionID string             `path:"version_id"`
		Body      AddDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "version.submit"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.AddDecision(ctx, input.VersionID, input.Body.EntityRef, input.Body.Decision, stringOrEmpty(input.Body.Rationale), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-decisions",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/versions/{version_id}/decisions/import",
		Summary:       "Bulk import decisions onto a draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID   string                 `path:"cycle_id"`
		VersionID string                 `path:"version_id"`
		Body      ImportDecisionsRequest `json:"body"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		if len(input.Body.Items) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "items are required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "version.submit"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		out := make([]DecisionResponse, 0, len(input.Body.Items))
		for _, item := range input.Body.Items {
			d, err := e.AddDecision(ctx, input.VersionID, item.EntityRef, item.Decision, stringOrEmpty(item.Rationale), actorID)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, decisionResponse(d))
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-version",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/versions/{version_id}/submit",
		Summary:     "Submit version for approval",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID   string `path:"cycle_id"`
		VersionID string `path:"version_id"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "version.submit"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		v, err := e.SubmitVersion(ctx, input.VersionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-version",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/versions/{version_id}/review",
		Summary:     "Approve or reject a pending version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID   string               `path:"cycle_id"`
		VersionID string               `path:"version_id"`
		Body      ReviewVersionRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "version.review"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		v, err := e.ReviewVersion(ctx, input.VersionID, input.Body.Verdict == "approve", stringOrEmpty(input.Body.Notes), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-version",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/versions/{version_id}/abandon",
		Summary:     "Abandon a draft",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID   string `path:"cycle_id"`
		VersionID string `path:"version_id"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "version.submit"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		v, err := e.AbandonDraft(ctx, input.VersionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-decision",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/versions/{version_id}/decisions/{entity_ref}/review",
		Summary:     "Record report owner review of one decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID   string                `path:"cycle_id"`
		VersionID string                `path:"version_id"`
		EntityRef string                `path:"entity_ref"`
		Body      ReviewDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "version.review"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.ReviewDecision(ctx, input.VersionID, input.EntityRef, input.Body.Decision, stringOrEmpty(input.Body.Notes), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-decision",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/versions/{version_id}/decisions/{entity_ref}/override",
		Summary:     "Override a decision on an approved version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID   string                  `path:"cycle_id"`
		VersionID string                  `path:"version_id"`
		EntityRef string                  `path:"entity_ref"`
		Body      OverrideDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "decision.override"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleVersion(ctx, e, input.CycleID, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.OverrideDecision(ctx, input.VersionID, input.EntityRef, input.Body.Decision, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})
}

func registerSLA(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-violations",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/violations",
		Summary:     "List SLA violations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		ReportID   string `query:"report_id"`
		ActivityID string `query:"activity_id"`
		Open       bool   `query:"open"`
		Violated   bool   `query:"violated"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ViolationResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{
			CycleID:    input.CycleID,
			ReportID:   input.ReportID,
			ActivityID: input.ActivityID,
			Open:       input.Open,
			Violated:   input.Violated,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ViolationResponse `json:"body"`
		}{Body: mapViolations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-violation",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/violations/{violation_id}/resolve",
		Summary:     "Resolve an SLA violation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID     string                  `path:"cycle_id"`
		ViolationID string                  `path:"violation_id"`
		Body        ResolveViolationRequest `json:"body"`
	}) (*struct {
		Body ViolationResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "sla.resolve"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetViolation(ctx, input.ViolationID)
		if err != nil {
			return nil, handleError(err)
		}
		if !cycleMatches(input.CycleID, existing.CycleID) {
			return nil, handleError(repo.ErrNotFound)
		}
		resolution := input.Body.Resolution
		if resolution == "" {
			resolution = "manual"
		}
		v, err := e.ResolveViolation(ctx, input.ViolationID, resolution, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ViolationResponse `json:"body"`
		}{Body: violationResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/violations/{violation_id}/escalations",
		Summary:     "Escalation history for a violation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID     string `path:"cycle_id"`
		ViolationID string `path:"violation_id"`
	}) (*struct {
		Body []EscalationLogResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		v, err := e.Repo.GetViolation(ctx, input.ViolationID)
		if err != nil {
			return nil, handleError(err)
		}
		if !cycleMatches(input.CycleID, v.CycleID) {
			return nil, handleError(repo.ErrNotFound)
		}
		entries, err := e.Repo.ListEscalationLog(ctx, input.ViolationID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EscalationLogResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, escalationLogResponse(entry))
		}
		return &struct {
			Body []EscalationLogResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-slas",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/sla/sweep",
		Summary:     "Run one SLA sweep pass now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "sla.resolve"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SweepSLAs(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-execution",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/executions",
		Summary:       "Enqueue automated execution",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string                  `path:"cycle_id"`
		Body    EnqueueExecutionRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActivityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "activity_id is required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "execution.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleActivity(ctx, e, input.CycleID, input.Body.ActivityID); err != nil {
			return nil, handleError(err)
		}
		payload := ""
		if len(input.Body.Payload) > 0 {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payload = string(data)
		}
		exec, err := e.Enqueue(ctx, input.Body.ActivityID, input.Body.PolicyType, payload, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/executions",
		Summary:     "List executions",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		ReportID   string `query:"report_id"`
		ActivityID string `query:"activity_id"`
		Status     string `query:"status" enum:",pending,running,succeeded,retry_scheduled,compensation_required,compensated,cancelled"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ExecutionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			CycleID:    input.CycleID,
			ReportID:   input.ReportID,
			ActivityID: input.ActivityID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExecutionResponse `json:"body"`
		}{Body: mapExecutions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/executions/{execution_id}",
		Summary:     "Execution detail with retry and compensation logs",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID     string `path:"cycle_id"`
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		exec, err := getCycleExecution(ctx, e, input.CycleID, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		retries, err := e.Repo.ListRetryLog(ctx, exec.ID)
		if err != nil {
			return nil, handleError(err)
		}
		comps, err := e.Repo.ListCompensationLog(ctx, exec.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := executionResponse(exec)
		for _, entry := range retries {
			resp.RetryLog = append(resp.RetryLog, retryLogResponse(entry))
		}
		for _, entry := range comps {
			resp.CompensationLog = append(resp.CompensationLog, compensationLogResponse(entry))
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-execution",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/executions/{execution_id}/cancel",
		Summary:     "Cancel execution",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID     string `path:"cycle_id"`
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "execution.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleExecution(ctx, e, input.CycleID, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		exec, err := e.CancelExecution(ctx, input.ExecutionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-execution",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/executions/{execution_id}/retry",
		Summary:     "Make a scheduled retry due now",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID     string `path:"cycle_id"`
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "execution.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getCycleExecution(ctx, e, input.CycleID, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		exec, err := e.RetryNow(ctx, input.ExecutionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `query:"report_id"`
		ToRole   string `query:"role"`
		ToActor  string `query:"actor"`
		Status   string `query:"status" enum:",assigned,in_progress,completed,overdue,cancelled"`
		Type     string `query:"type"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			CycleID:  input.CycleID,
			ReportID: input.ReportID,
			ToRole:   input.ToRole,
			ToActor:  input.ToActor,
			Status:   input.Status,
			Type:     input.Type,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assignment-status",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/assignments/{assignment_id}/status",
		Summary:     "Update assignment status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID      string                  `path:"cycle_id"`
		AssignmentID string                  `path:"assignment_id"`
		Body         AssignmentStatusRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.CycleID, "workflow.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetAssignment(ctx, input.AssignmentID)
		if err != nil {
			return nil, handleError(err)
		}
		if !cycleMatches(input.CycleID, existing.CycleID) {
			return nil, handleError(repo.ErrNotFound)
		}
		a, err := e.UpdateAssignmentStatus(ctx, input.AssignmentID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/me",
		Summary:     "Current actor roles and permissions in cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, input.CycleID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ActorID,
			Roles:       nonNilSlice(who.Roles),
			Permissions: nonNilSlice(who.Permissions),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/actors/{actor_id}/roles/{role_id}",
		Summary:     "Grant role to actor",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		ActorID string `path:"actor_id"`
		RoleID  string `path:"role_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "cycle.admin"); err != nil {
			return nil, handleError(err)
		}
		byActor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.CycleID, input.ActorID, input.RoleID, byActor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/cycles/{cycle_id}/actors/{actor_id}/roles/{role_id}",
		Summary:     "Revoke role from actor",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		ActorID string `path:"actor_id"`
		RoleID  string `path:"role_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.CycleID, "cycle.admin"); err != nil {
			return nil, handleError(err)
		}
		byActor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.CycleID, input.ActorID, input.RoleID, byActor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	list := func(ctx context.Context, cycleID, reportID, evtType, entityKind, entityID string, limit int, cursor string) (*paginatedEvents, huma.StatusError) {
		if err := requirePermission(ctx, e, cycleID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		limit = normalizeLimit(limit)
		var cursorID int64
		if cursor != "" {
			parsed, err := strconv.ParseInt(cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			CycleID:    cycleID,
			ReportID:   reportID,
			Type:       evtType,
			EntityKind: entityKind,
			EntityID:   entityID,
			Limit:      limit + 1,
			Cursor:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// Cursor is the last returned ID; the next page selects id < cursor.
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &resp, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-cycle-events",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/events",
		Summary:     "List recent cycle events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",cycle,report,phase,activity,version,decision,sla_violation,execution,assignment,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp, err := list(ctx, input.CycleID, "", input.Type, input.EntityKind, input.EntityID, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: *resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-report-events",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/events",
		Summary:     "List recent report events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		ReportID   string `path:"report_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",cycle,report,phase,activity,version,decision,sla_violation,execution,assignment,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp, err := list(ctx, input.CycleID, input.ReportID, input.Type, input.EntityKind, input.EntityID, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: *resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 && e.Config != nil {
			if who, err := e.WhoAmI(ctx, e.Config.Cycle.ID, principal.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				perms = who.Permissions
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// --- helpers ---

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func cycleMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}

func getCycleActivity(ctx context.Context, e engine.Engine, cycleID, activityID string) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return a, err
	}
	if !cycleMatches(cycleID, a.CycleID) {
		return a, repo.ErrNotFound
	}
	return a, nil
}

func getCycleVersion(ctx context.Context, e engine.Engine, cycleID, versionID string) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return v, err
	}
	if !cycleMatches(cycleID, v.CycleID) {
		return v, repo.ErrNotFound
	}
	return v, nil
}

func getCycleExecution(ctx context.Context, e engine.Engine, cycleID, executionID string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return exec, err
	}
	if !cycleMatches(cycleID, exec.CycleID) {
		return exec, repo.ErrNotFound
	}
	return exec, nil
}

// attachViolations pairs each blocked or overdue activity with its open
// violation so callers see due dates and escalation level inline.
func attachViolations(activities []ActivityResponse, open []domain.SLAViolation) []ActivityResponse {
	if len(open) == 0 {
		return activities
	}
	byActivity := make(map[string]domain.SLAViolation, len(open))
	for _, v := range open {
		if _, ok := byActivity[v.ActivityID]; !ok {
			byActivity[v.ActivityID] = v
		}
	}
	for i := range activities {
		if v, ok := byActivity[activities[i].ID]; ok {
			resp := violationResponse(v)
			activities[i].OpenViolation = &resp
		}
	}
	return activities
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
