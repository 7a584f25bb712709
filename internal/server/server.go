package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"skylane/internal/conformance"
	"skylane/internal/engine"
	"skylane/internal/registry"
	"skylane/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"airspace_conflict"`
	Message string         `json:"message" example:"airspace conflict with 2f8e..."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the operator API under basePath and
// the provider-to-provider API under /uss/v1.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Skylane API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)
	ussGroup := huma.NewGroup(api, "/uss/v1")

	registerDocs(router, basePath)
	registerHealth(group)
	registerOperations(group, cfg.Engine)
	registerTelemetry(group, cfg.Engine)
	registerGeofences(group, cfg.Engine)
	registerAuditEvents(group, cfg.Engine)
	registerPeerIntents(ussGroup, cfg.Engine)
	registerPeerConstraints(ussGroup, cfg.Engine)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "invalid_declaration", err.Error(), nil)
	}
	var ce engine.LocalConflictError
	if errors.As(err, &ce) {
		ids := make([]string, 0, len(ce.ConflictingIDs))
		for _, id := range ce.ConflictingIDs {
			ids = append(ids, id.String())
		}
		return newAPIError(http.StatusConflict, "airspace_conflict", err.Error(), map[string]any{"conflicting_ids": ids})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "event": te.Event})
	}
	var pe *registry.PeerUnreachableError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusRequestTimeout, "peer_unreachable", err.Error(), map[string]any{"peer": pe.BaseURL})
	}
	var pd *registry.PeerDataError
	if errors.As(err, &pd) {
		return newAPIError(http.StatusBadGateway, "peer_data_invalid", err.Error(), map[string]any{"peer": pd.BaseURL, "intent_id": pd.IntentID})
	}
	var re *registry.RegistryError
	if errors.As(err, &re) {
		status := re.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		code := "registry_rejected"
		if re.Status == http.StatusConflict {
			code = "stale_version"
		}
		return newAPIError(status, code, err.Error(), map[string]any{"registry_status": re.Status})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Skylane API Docs</title>
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

func registerOperations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Declare flight operation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusRequestTimeout,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOperationRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		if input.Body.AircraftID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "aircraft_id is required", nil)
		}
		if len(input.Body.Volumes) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "volumes are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.CreateOperation(ctx, engine.OperationCreateOptions{
			ID:         input.Body.ID,
			AircraftID: input.Body.AircraftID,
			Priority:   input.Body.Priority,
			Volumes:    input.Body.Volumes,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
	}) (*struct {
		Body []OperationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var states []string
		if input.State != "" {
			states = []string{input.State}
		}
		ops, err := e.Repo.ListOperations(ctx, states...)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OperationResponse, 0, len(ops))
		for _, op := range ops {
			out = append(out, operationResponse(op))
		}
		return &struct {
			Body []OperationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Get operation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OperationDetailResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		op, err := e.Repo.GetOperation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := OperationDetailResponse{OperationResponse: operationResponse(op)}
		if details, err := e.Repo.GetIntentDetails(ctx, op.ID); err == nil {
			resp.Volumes = details.Volumes
			resp.OffNominalVolumes = details.OffNominalVolumes
			resp.Priority = details.Priority
		}
		if ref, err := e.Repo.GetIntentRef(ctx, op.ID); err == nil {
			resp.Reference = &ref
		}
		return &struct {
			Body OperationDetailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/events",
		Summary:     "Apply lifecycle event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusRequestTimeout,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body TransitionEventRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		if input.Body.Event == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.TransitionOperation(ctx, engine.TransitionOptions{
			ID:      input.ID,
			Event:   input.Body.Event,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-operation",
		Method:      http.MethodDelete,
		Path:        "/operations/{id}",
		Summary:     "Withdraw operation",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusRequestTimeout,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteOperation(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-operation-conformance",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/conformance",
		Summary:     "Run conformance check",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ConformanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		code, err := e.RunConformanceCheck(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConformanceResponse `json:"body"`
		}{Body: conformanceResponse(code)}, nil
	})
}

func registerTelemetry(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-telemetry",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/telemetry",
		Summary:     "Ingest telemetry report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body TelemetryRequest `json:"body"`
	}) (*struct {
		Body ConformanceResponse `json:"body"`
	}, error) {
		if input.Body.AircraftID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "aircraft_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		code, err := e.IngestTelemetry(ctx, input.Body.toDomain(input.ID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConformanceResponse `json:"body"`
		}{Body: conformanceResponse(code)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-telemetry",
		Method:      http.MethodGet,
		Path:        "/operations/{id}/telemetry",
		Summary:     "List telemetry reports",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TelemetryResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetOperation(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTelemetry(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TelemetryResponse, 0, len(items))
		for _, t := range items {
			out = append(out, telemetryResponse(t))
		}
		return &struct {
			Body []TelemetryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerGeofences(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-geofences",
		Method:      http.MethodGet,
		Path:        "/geofences",
		Summary:     "List geofences",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GeofenceResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListGeofences(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]GeofenceResponse, 0, len(items))
		for _, g := range items {
			out = append(out, geofenceResponse(g))
		}
		return &struct {
			Body []GeofenceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-geofences",
		Method:        http.MethodPost,
		Path:          "/geofences/import",
		Summary:       "Import geofences from GeoJSON",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportGeofencesRequest `json:"body"`
	}) (*struct {
		Body []GeofenceResponse `json:"body"`
	}, error) {
		if len(input.Body.GeoJSON) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "geojson is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fences, err := e.ImportGeofences(ctx, input.Body.GeoJSON, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]GeofenceResponse, 0, len(fences))
		for _, g := range fences {
			out = append(out, geofenceResponse(g))
		}
		return &struct {
			Body []GeofenceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-geofence",
		Method:      http.MethodDelete,
		Path:        "/geofences/{id}",
		Summary:     "Delete geofence",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetGeofence(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteGeofence(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAuditEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operation-events",
		Method:      http.MethodGet,
		Path:        "/operations/{id}/events/log",
		Summary:     "List audit events for an operation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetOperation(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvents(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			out = append(out, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func conformanceResponse(code conformance.Code) ConformanceResponse {
	return ConformanceResponse{
		Code:       int(code),
		Check:      code.String(),
		Conformant: code == conformance.Conformant,
	}
}
