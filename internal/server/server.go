package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"intakeline/internal/aging"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/engine/auth"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Scanner  *aging.Scanner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"cannot transition a converted request"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"request.manage\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the intake API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	scanner := cfg.Scanner
	if scanner == nil {
		scanner = aging.New(cfg.Engine.Repo, cfg.Engine.Config, cfg.Engine.Notify, cfg.Auth.logger())
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
	hcfg := huma.DefaultConfig("Intakeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerBulk(group, cfg.Engine)
	registerAging(group, cfg.Engine, scanner)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, pipeline.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, pipeline.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	slog.Error("request failed", "error", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission returns the calling actor when it holds perm.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if err := e.Auth.Require(ctx, principal.ActorID, principal.Roles, perm); err != nil {
		return "", err
	}
	return principal.ActorID, nil
}

// readScope checks request.read and reports whether the actor may see every
// request or only the ones it filed.
func readScope(ctx context.Context, e engine.Engine) (actorID string, all bool, err error) {
	actorID, err = requirePermission(ctx, e, auth.PermRequestRead)
	if err != nil {
		return "", false, err
	}
	principal, _ := principalFromRequest(ctx)
	all, err = e.Auth.ActorHasPermission(ctx, actorID, principal.Roles, auth.PermRequestReadAll)
	return actorID, all, err
}

// getVisible loads a request the actor may read. Requests outside the actor's
// scope are reported as missing.
func getVisible(ctx context.Context, e engine.Engine, id string) (domain.Request, error) {
	actorID, all, err := readScope(ctx, e)
	if err != nil {
		return domain.Request{}, err
	}
	req, err := e.Get(ctx, id)
	if err != nil {
		return req, err
	}
	if !all && req.RequesterID != actorID {
		return domain.Request{}, pipeline.NotFoundf("request not found")
	}
	return req, nil
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Intakeline API Docs</title>
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

type requestOutput struct {
	Body domain.Request `json:"body"`
}

type idPath struct {
	ID string `path:"id"`
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit an intake request",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*requestOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := requirePermission(ctx, e, auth.PermRequestCreate)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		opts := engine.CreateOptions{
			Title:                 b.Title,
			Description:           b.Description,
			Type:                  domain.RequestType(b.Type),
			Priority:              domain.Priority(b.Priority),
			BusinessJustification: stringOrEmpty(b.BusinessJustification),
			DesiredDeliveryDate:   stringOrEmpty(b.DesiredDeliveryDate),
			StepsToReproduce:      stringOrEmpty(b.StepsToReproduce),
			Dependencies:          stringOrEmpty(b.Dependencies),
			AdditionalNotes:       stringOrEmpty(b.AdditionalNotes),
			Tags:                  b.Tags,
			ClientID:              stringOrEmpty(b.ClientID),
			RelatedProjectID:      stringOrEmpty(b.RelatedProjectID),
			ActorID:               actorID,
		}
		// Only internal staff may file on behalf of someone else.
		if b.RequesterID != nil && *b.RequesterID != actorID {
			if _, err := requirePermission(ctx, e, auth.PermRequestManage); err != nil {
				return nil, handleError(err)
			}
			opts.RequesterID = *b.RequesterID
		}
		req, err := e.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Stage         string `query:"stage"`
		Type          string `query:"type"`
		Priority      string `query:"priority"`
		AssignedPMID  string `query:"assigned_pm_id"`
		RequesterID   string `query:"requester_id"`
		ClientID      string `query:"client_id"`
		IncludeClosed bool   `query:"include_closed"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		actorID, all, err := readScope(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		requesterID := input.RequesterID
		if !all {
			requesterID = actorID
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.List(ctx, repo.RequestFilters{
			Stage:         input.Stage,
			Type:          input.Type,
			Priority:      input.Priority,
			AssignedPMID:  input.AssignedPMID,
			RequesterID:   requesterID,
			ClientID:      input.ClientID,
			IncludeClosed: input.IncludeClosed,
			Limit:         limit + 1,
			CursorCreated: cursorCreated,
			CursorID:      cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = nonNilSlice(items)
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*requestOutput, error) {
		req, err := getVisible(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-request",
		Method:      http.MethodPatch,
		Path:        "/requests/{id}",
		Summary:     "Update request fields",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateRequestRequest `json:"body"`
	}) (*requestOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		opts := engine.UpdateOptions{
			ID:                    input.ID,
			Title:                 b.Title,
			Description:           b.Description,
			BusinessJustification: b.BusinessJustification,
			DesiredDeliveryDate:   b.DesiredDeliveryDate,
			StepsToReproduce:      b.StepsToReproduce,
			Dependencies:          b.Dependencies,
			AdditionalNotes:       b.AdditionalNotes,
			Tags:                  b.Tags,
			ClientID:              b.ClientID,
			RelatedProjectID:      b.RelatedProjectID,
			ActorID:               actorID,
		}
		if b.Type != nil {
			t := domain.RequestType(*b.Type)
			opts.Type = &t
		}
		if b.Priority != nil {
			p := domain.Priority(*b.Priority)
			opts.Priority = &p
		}
		req, err := e.Update(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodDelete,
		Path:        "/requests/{id}",
		Summary:     "Cancel request",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Reason string `query:"reason"`
	}) (*requestOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Cancel(ctx, input.ID, input.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-history",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/history",
		Summary:     "Request audit trail",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, err := getVisible(ctx, e, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.History(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/transition",
		Summary:     "Move request to another stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*requestOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Transition(ctx, engine.TransitionOptions{
			ID:      input.ID,
			ToStage: domain.Stage(input.Body.ToStage),
			Reason:  input.Body.Reason,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hold-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/hold",
		Summary:     "Put request on hold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body HoldRequest `json:"body"`
	}) (*requestOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Hold(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/resume",
		Summary:     "Resume request from hold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*requestOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Resume(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/estimate",
		Summary:     "Estimate request and move it to ready",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EstimateRequest `json:"body"`
	}) (*struct {
		Body engine.EstimateResult `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Estimate(ctx, engine.EstimateOptions{
			ID:          input.ID,
			StoryPoints: input.Body.StoryPoints,
			Confidence:  domain.Confidence(input.Body.Confidence),
			Notes:       input.Body.Notes,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EstimateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "convert-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/convert",
		Summary:     "Convert a ready request into a project or ticket",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ConvertRequest `json:"body"`
	}) (*struct {
		Body engine.ConvertResult `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Convert(ctx, engine.ConvertOptions{
			ID:              input.ID,
			DestinationType: domain.ConvertTarget(input.Body.DestinationType),
			ProjectID:       input.Body.ProjectID,
			OverrideRouting: input.Body.OverrideRouting,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConvertResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-pm",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/assign-pm",
		Summary:     "Assign project manager",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body AssignPMRequest `json:"body"`
	}) (*requestOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.AssignPM(ctx, input.ID, input.Body.PMID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-estimator",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/assign-estimator",
		Summary:     "Assign estimator",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body AssignEstimatorRequest `json:"body"`
	}) (*requestOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.AssignEstimator(ctx, input.ID, input.Body.EstimatorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})
}

func registerBulk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bulk-transition",
		Method:      http.MethodPost,
		Path:        "/requests/bulk/transition",
		Summary:     "Move many requests to one stage",
		Description: "Per-item failures are reported in the result; the call itself succeeds.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body BulkTransitionRequest `json:"body"`
	}) (*struct {
		Body engine.BulkResult `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.BulkTransition(ctx, engine.BulkTransitionOptions{
			IDs:     input.Body.IDs,
			ToStage: domain.Stage(input.Body.ToStage),
			Reason:  input.Body.Reason,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BulkResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-assign-pm",
		Method:      http.MethodPost,
		Path:        "/requests/bulk/assign",
		Summary:     "Assign a project manager to many requests",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body BulkAssignRequest `json:"body"`
	}) (*struct {
		Body engine.BulkResult `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermRequestManage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.BulkAssignPM(ctx, input.Body.IDs, input.Body.PMID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BulkResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAging(api huma.API, e engine.Engine, s *aging.Scanner) {
	huma.Register(api, huma.Operation{
		OperationID: "list-aging",
		Method:      http.MethodGet,
		Path:        "/requests/aging",
		Summary:     "Requests past their stage alert threshold",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgingResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRequestManage); err != nil {
			return nil, handleError(err)
		}
		items, err := s.ListAging(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgingResponse `json:"body"`
		}{Body: AgingResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-aging",
		Method:      http.MethodPost,
		Path:        "/requests/aging/scan",
		Summary:     "Run the aging alert scan now",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body aging.ScanResult `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermPipelineAdmin); err != nil {
			return nil, handleError(err)
		}
		res, err := s.Scan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body aging.ScanResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics",
		Method:      http.MethodGet,
		Path:        "/requests/analytics",
		Summary:     "Pipeline analytics",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body aging.Summary `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRequestReadAll); err != nil {
			return nil, handleError(err)
		}
		sum, err := s.Analytics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body aging.Summary `json:"body"`
		}{Body: sum}, nil
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
		roles, err := e.Auth.ActorRoles(ctx, principal.ActorID, principal.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(auth.Permissions(roles)),
			Internal:    auth.IsInternal(roles),
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
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
		for _, r := range input.Body.Roles {
			if !repo.ValidRole(r) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid role", map[string]any{"role": r})
			}
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
