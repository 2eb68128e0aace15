package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"esmap/internal/engine"
	"esmap/internal/entu"
	"esmap/internal/geo"
	"esmap/internal/progress"
	"esmap/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the esmap API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("esmap API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerTasks(group, cfg.Engine)
	registerResponses(group, cfg.Engine)
	registerSelection(group, cfg.Engine)
	registerOutbox(group, cfg.Engine)
	registerWebhooks(group, cfg.Engine)
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
	var ae *entu.APIError
	if errors.As(err, &ae) {
		switch {
		case ae.StatusCode == http.StatusNotFound:
			return newAPIError(http.StatusNotFound, "not_found", "entity not found", nil)
		case ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden:
			return newAPIError(http.StatusForbidden, "cms_forbidden", "cms rejected the request", map[string]any{"status": ae.StatusCode})
		default:
			return newAPIError(http.StatusBadGateway, "cms_error", "cms request failed", map[string]any{"status": ae.StatusCode})
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
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
	case http.StatusBadGateway:
		return "cms_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "auth-callback",
		Method:      http.MethodPost,
		Path:        "/auth/callback",
		Summary:     "Exchange a temporary Entu OAuth key for a session token",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body AuthCallbackRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Key) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key is required", nil)
		}
		auth, err := e.Entu.Authenticate(ctx, input.Body.Key)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		session := newSession(auth.UserID, auth.Email, auth.Name, auth.Token, now, authCfg.sessionTTL())
		if err := e.Repo.InsertSession(ctx, session); err != nil {
			return nil, handleError(err)
		}
		token, err := issueSessionToken(authCfg.JWTSecret, session, now, authCfg.sessionTTL())
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Events.Append(ctx, "session.created", "session", session.ID, session.UserID, nil); err != nil {
			authCfg.logger().Printf("append session.created event: %v", err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{
			Token:     token,
			UserID:    session.UserID,
			Email:     session.Email,
			Name:      session.Name,
			ExpiresAt: session.ExpiresAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auth-session",
		Method:      http.MethodGet,
		Path:        "/auth/session",
		Summary:     "Current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		session, err := e.Repo.GetSession(ctx, principal.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{
			UserID:    session.UserID,
			Email:     session.Email,
			Name:      session.Name,
			ExpiresAt: session.ExpiresAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auth-logout",
		Method:      http.MethodDelete,
		Path:        "/auth/session",
		Summary:     "End the current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteSession(ctx, principal.SessionID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "logged_out"}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, principal.EntuToken)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task with locations, progress, and markers",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.BuildTaskView(ctx, input.TaskID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-locations",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/locations",
		Summary:     "Coordinate-valid locations of the task's map",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body LocationListResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		task, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		locations, err := e.TaskLocations(ctx, task)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LocationListResponse `json:"body"`
		}{Body: LocationListResponse{Items: locations}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-progress",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/progress",
		Summary:     "Visit progress for the current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body progressBody `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := e.TaskProgress(ctx, input.TaskID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body progressBody `json:"body"`
		}{Body: newProgressBody(prog)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-markers",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/markers",
		Summary:     "Marker states for the task map",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID   string `path:"task_id"`
		Selected string `query:"selected" doc:"Override the stored selection with this location id"`
	}) (*struct {
		Body MarkerListResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.BuildTaskView(ctx, input.TaskID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		markers := view.Markers
		if input.Selected != "" {
			markers = progress.PresentMarkers(view.Locations, view.Progress.VisitedIDs, input.Selected)
		}
		return &struct {
			Body MarkerListResponse `json:"body"`
		}{Body: MarkerListResponse{Items: markers}}, nil
	})
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-response",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/responses",
		Summary:       "Submit a response for a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   SubmitResponseRequest `json:"body"`
	}) (*struct {
		Status int
		Body   SubmitResponseResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.SubmitResponse(ctx, engine.SubmitOptions{
			TaskID:      input.TaskID,
			UserID:      principal.UserID,
			LocationID:  input.Body.LocationID,
			Coordinates: input.Body.Coordinates,
			Text:        input.Body.Text,
			EntuToken:   principal.EntuToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if result.Pending {
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   SubmitResponseResponse `json:"body"`
		}{Status: status, Body: SubmitResponseResponse{ID: result.ID, Pending: result.Pending}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "response-photo-upload",
		Method:      http.MethodPost,
		Path:        "/responses/{response_id}/photo",
		Summary:     "Get an upload target for a response photo",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ResponseID string             `path:"response_id"`
		Body       PhotoUploadRequest `json:"body"`
	}) (*struct {
		Body PhotoUploadResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		info, err := e.PhotoUploadTarget(ctx, principal.EntuToken, input.ResponseID, input.Body.Filename, input.Body.Filetype, input.Body.Size)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhotoUploadResponse `json:"body"`
		}{Body: PhotoUploadResponse{URL: info.URL, Method: info.Method, Headers: info.Headers}}, nil
	})
}

func registerSelection(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-selection",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/selection",
		Summary:     "Select a location by id or by map tap coordinates",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   SelectRequest `json:"body"`
	}) (*struct {
		Body SelectionResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			loc geo.Location
			ok  bool
			err error
		)
		switch {
		case input.Body.LocationID != "":
			loc, ok, err = e.Select(ctx, input.TaskID, principal.UserID, input.Body.LocationID)
		case input.Body.Coordinates != nil:
			loc, ok, err = e.SelectAt(ctx, input.TaskID, principal.UserID, *input.Body.Coordinates)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "location_id or coordinates required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		var selected *geo.Location
		if ok {
			selected = &loc
		}
		return &struct {
			Body SelectionResponse `json:"body"`
		}{Body: SelectionResponse{Selected: selected}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-selection",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/selection",
		Summary:     "Current selection",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body SelectionResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var selected *geo.Location
		if loc, ok := e.Selection(input.TaskID, principal.UserID); ok {
			selected = &loc
		}
		return &struct {
			Body SelectionResponse `json:"body"`
		}{Body: SelectionResponse{Selected: selected}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-selection",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/selection",
		Summary:     "Clear selection",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body SelectionResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e.Deselect(input.TaskID, principal.UserID)
		return &struct {
			Body SelectionResponse `json:"body"`
		}{Body: SelectionResponse{}}, nil
	})
}

func registerOutbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "Pending and failed submissions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,sent,failed,"`
	}) (*struct {
		Body OutboxListResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListOutbox(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutboxListResponse `json:"body"`
		}{Body: OutboxListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "flush-outbox",
		Method:      http.MethodPost,
		Path:        "/outbox/flush",
		Summary:     "Deliver queued submissions to the CMS",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FlushResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		sent, failed, err := e.FlushOutbox(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlushResponse `json:"body"`
		}{Body: FlushResponse{Sent: sent, Failed: failed}}, nil
	})
}

// progressBody mirrors the aggregate with a display-rounded percent so
// simple clients do not have to repeat the rounding rule. The fields are
// spelled out because huma cannot derive a schema for an embedded struct.
type progressBody struct {
	VisitedIDs     []string `json:"visited_ids"`
	VisitedCount   int      `json:"visited_count"`
	TotalCount     int      `json:"total_count"`
	Percent        float64  `json:"percent"`
	PercentRounded int      `json:"percent_rounded"`
}

func newProgressBody(prog progress.Progress) progressBody {
	return progressBody{
		VisitedIDs:     prog.VisitedIDs,
		VisitedCount:   prog.VisitedCount,
		TotalCount:     prog.TotalCount,
		Percent:        prog.Percent,
		PercentRounded: int(math.Round(prog.Percent)),
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
			annotateSecurity(api.OpenAPI(), basePath)
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// annotateSecurity marks every operation bearer-authenticated except the
// open ones, so the generated document matches what the middleware enforces.
func annotateSecurity(oas *huma.OpenAPI, basePath string) {
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
	openPaths := map[string]struct{}{
		path.Join("/", basePath, "health"):        {},
		path.Join("/", basePath, "auth/callback"): {},
	}
	webhookPrefix := path.Join("/", basePath, "webhooks") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			_, isOpen := openPaths[route]
			if isOpen || strings.HasPrefix(route, webhookPrefix) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join(basePath, "openapi.json")
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
  <head>
    <title>esmap API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
