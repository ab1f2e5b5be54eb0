package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/logging"
	"stagegate/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Metrics  *metrics.Recorder
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_pending"`
	Message string         `json:"message" example:"STAGE_PENDING: stage l1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope {"error":{...}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyOutput[T any] struct {
	Body T
}

func reply[T any](v T) *bodyOutput[T] { return &bodyOutput[T]{Body: v} }

// New returns an HTTP handler exposing the stagegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are client input errors.
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
	router.Use(requestLogger)
	router.Use(newAuthMiddleware(cfg.Auth))

	hcfg := huma.DefaultConfig("stagegate API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", cfg.Metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkstreams(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerSnapshots(group, cfg.Engine)
	registerInitiatives(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := logging.Info()
		if status >= http.StatusInternalServerError {
			ev = logging.Error()
		}
		ev.Add(
			logging.Str("method", r.Method),
			logging.Str("path", r.URL.Path),
			logging.Count("status", status),
			logging.Count("bytes", ww.BytesWritten()),
			logging.Duration(time.Since(start)),
			logging.Str("request_id", middleware.GetReqID(r.Context())),
		).Msg("http request")
	})
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

func statusForKind(kind engine.Kind) int {
	switch kind {
	case engine.KindNotFound, engine.KindWorkstreamNotFound, engine.KindApprovalNotFound:
		return http.StatusNotFound
	case engine.KindVersionConflict, engine.KindStagePending, engine.KindStageAlreadyApproved, engine.KindAlreadyExists:
		return http.StatusConflict
	case engine.KindMissingApprovers:
		return http.StatusUnprocessableEntity
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var werr *engine.Error
	if !errors.As(err, &werr) {
		logging.Error().Add(logging.Err(err)).Msg("request failed")
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
	details := map[string]any{}
	if werr.Entity != "" {
		details["entity"] = werr.Entity
	}
	if werr.ID != "" {
		details["id"] = werr.ID
	}
	if werr.Role != "" {
		details["role"] = werr.Role
	}
	if werr.Stage != "" {
		details["stage"] = string(werr.Stage)
	}
	if len(details) == 0 {
		details = nil
	}
	return newAPIError(statusForKind(werr.Kind), strings.ToLower(string(werr.Kind)), werr.Error(), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	case http.StatusForbidden:
		return "forbidden"
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
		once   sync.Once
		doc    []byte
		docErr error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			doc, docErr = json.Marshal(oas)
		})
		writeOpenAPI(w, doc, docErr)
	})
}

func writeOpenAPI(w http.ResponseWriter, doc []byte, err error) {
	if err != nil {
		logging.Error().Add(logging.Err(err)).Msg("openapi document encoding failed")
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "openapi document unavailable", nil))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
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
			op.Responses["default"] = &huma.Response{Description: "Error"}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Components.SecuritySchemes["accountHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Account-Id",
	}
	oas.Security = []map[string][]string{{"bearerAuth": {}}, {"accountHeader": {}}}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>stagegate API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

type workstreamPath struct {
	WorkstreamID string `path:"workstream_id"`
}

func registerWorkstreams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workstream",
		Method:        http.MethodPost,
		Path:          "/workstreams",
		Summary:       "Create workstream",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkstreamRequest
	}) (*bodyOutput[domain.Workstream], error) {
		ws, err := e.CreateWorkstream(ctx, engine.CreateWorkstreamOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Gates:       gatesFromRequest(input.Body.Gates),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workstreams",
		Method:      http.MethodGet,
		Path:        "/workstreams",
		Summary:     "List workstreams",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[ListResponse[domain.Workstream]], error) {
		items, err := e.ListWorkstreams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workstream",
		Method:      http.MethodGet,
		Path:        "/workstreams/{workstream_id}",
		Summary:     "Get workstream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workstreamPath) (*bodyOutput[domain.Workstream], error) {
		ws, err := e.GetWorkstream(ctx, input.WorkstreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workstream-gates",
		Method:      http.MethodPut,
		Path:        "/workstreams/{workstream_id}/gates",
		Summary:     "Replace the gate configuration",
		Description: "Pending rounds keep the rows they were composed with; new gates apply to the next submission.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `path:"workstream_id"`
		Body         UpdateGatesRequest
	}) (*bodyOutput[domain.Workstream], error) {
		ws, err := e.UpdateWorkstreamGates(ctx, input.WorkstreamID, gatesFromRequest(input.Body.Gates))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workstream-activity",
		Method:      http.MethodGet,
		Path:        "/workstreams/{workstream_id}/activity",
		Summary:     "Latest change events across a workstream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `path:"workstream_id"`
		Limit        int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*bodyOutput[ListResponse[domain.ChangeEvent]], error) {
		items, err := e.WorkstreamActivity(ctx, input.WorkstreamID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/workstreams/{workstream_id}/assignments",
		Summary:     "List role assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workstreamPath) (*bodyOutput[ListResponse[domain.RoleAssignment]], error) {
		items, err := e.ListAssignments(ctx, input.WorkstreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-role",
		Method:        http.MethodPost,
		Path:          "/workstreams/{workstream_id}/assignments",
		Summary:       "Assign a role to an account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `path:"workstream_id"`
		Body         AssignRoleRequest
	}) (*bodyOutput[domain.RoleAssignment], error) {
		a, err := e.AssignRole(ctx, domain.RoleAssignment{
			WorkstreamID: input.WorkstreamID,
			AccountID:    input.Body.AccountID,
			AccountName:  input.Body.AccountName,
			Role:         input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/workstreams/{workstream_id}/assignments/{account_id}/{role}",
		Summary:       "Revoke a role assignment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `path:"workstream_id"`
		AccountID    string `path:"account_id"`
		Role         string `path:"role"`
	}) (*struct{}, error) {
		if err := e.RevokeRole(ctx, input.WorkstreamID, input.AccountID, input.Role); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerSnapshots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "capture-snapshot",
		Method:        http.MethodPost,
		Path:          "/workstreams/{workstream_id}/snapshots",
		Summary:       "Capture a portfolio snapshot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workstreamPath) (*bodyOutput[domain.Snapshot], error) {
		snap, err := e.CaptureSnapshot(ctx, input.WorkstreamID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-snapshots",
		Method:      http.MethodGet,
		Path:        "/workstreams/{workstream_id}/snapshots",
		Summary:     "List snapshots, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workstreamPath) (*bodyOutput[ListResponse[domain.Snapshot]], error) {
		items, err := e.ListSnapshots(ctx, input.WorkstreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})
}

type initiativePath struct {
	InitiativeID string `path:"initiative_id"`
}

func registerInitiatives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Create initiative",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateInitiativeRequest
	}) (*bodyOutput[domain.Initiative], error) {
		b := input.Body
		opts := engine.CreateInitiativeOptions{
			ID:             b.ID,
			WorkstreamID:   b.WorkstreamID,
			Name:           b.Name,
			Description:    b.Description,
			OwnerAccountID: b.OwnerAccountID,
			OwnerName:      b.OwnerName,
			Status:         b.Status,
			L4Date:         b.L4Date,
			ActiveStage:    domain.StageKey(b.ActiveStage),
			Stages:         stagesFromRequest(b.Stages),
			Actor:          actorFromContext(ctx),
		}
		if plan := planFromRequest(b.Plan); plan != nil {
			opts.Plan = *plan
		}
		ini, err := e.CreateInitiative(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ini), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `query:"workstream_id"`
	}) (*bodyOutput[ListResponse[domain.Initiative]], error) {
		items, err := e.ListInitiatives(ctx, input.WorkstreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Get initiative",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*bodyOutput[domain.Initiative], error) {
		ini, err := e.GetInitiative(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ini), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-initiative",
		Method:      http.MethodPatch,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Update initiative",
		Description: "Partial update guarded by the version the caller last read.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
		Body         UpdateInitiativeRequest
	}) (*bodyOutput[domain.Initiative], error) {
		b := input.Body
		ini, err := e.UpdateInitiative(ctx, engine.UpdateInitiativeOptions{
			ID:             input.InitiativeID,
			Version:        b.Version,
			Name:           b.Name,
			Description:    b.Description,
			OwnerAccountID: b.OwnerAccountID,
			OwnerName:      b.OwnerName,
			Status:         b.Status,
			L4Date:         b.L4Date,
			Stages:         stagesFromRequest(b.Stages),
			Plan:           planFromRequest(b.Plan),
			Actor:          actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ini), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-initiative",
		Method:        http.MethodDelete,
		Path:          "/initiatives/{initiative_id}",
		Summary:       "Delete initiative",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
		Version      int    `query:"version"`
	}) (*struct{}, error) {
		if err := e.DeleteInitiative(ctx, input.InitiativeID, input.Version); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-stage",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/submit",
		Summary:     "Submit the active stage for approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
		Body         VersionRequest
	}) (*bodyOutput[domain.Initiative], error) {
		ini, err := e.SubmitStage(ctx, engine.SubmitOptions{
			InitiativeID: input.InitiativeID,
			Version:      input.Body.Version,
			Actor:        actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ini), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiative-events",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/events",
		Summary:     "Change timeline, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*bodyOutput[ListResponse[domain.ChangeEvent]], error) {
		items, err := e.ListEvents(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiative-approvals",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/approvals",
		Summary:     "Approval rows of the initiative",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*bodyOutput[ListResponse[domain.ApprovalTask]], error) {
		items, err := e.ListApprovals(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-my-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "Pending approvals of the acting account",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[ListResponse[domain.ApprovalTask]], error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.PendingApprovalsFor(ctx, account)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Approve, return or reject an approval task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
		Body       DecisionRequest
	}) (*bodyOutput[domain.Initiative], error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ini, err := e.DecideApproval(ctx, engine.DecisionOptions{
			ApprovalID: input.ApprovalID,
			AccountID:  account,
			Decision:   engine.Decision(input.Body.Decision),
			Comment:    input.Body.Comment,
			Actor:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ini), nil
	})
}
