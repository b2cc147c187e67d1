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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"configline/internal/app"
	"configline/internal/domain"
	"configline/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
	// RetryAttempts and RetryDelay cover writes whose prerequisites were
	// appended but not yet projected.
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"layer L1: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handler struct {
	rt     *app.Runtime
	cfg    Config
	logger *slog.Logger
}

// New returns an HTTP handler exposing the configline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime is required")
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
	h := &handler{rt: cfg.Runtime, cfg: cfg, logger: logger}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(h.logRequests)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !h.rt.Readiness.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	router.Handle("/metrics", promhttp.HandlerFor(h.rt.Metrics.Registry, promhttp.HandlerOpts{}))

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})

	router.Group(func(r chi.Router) {
		r.Use(newReadinessMiddleware(basePath, h.rt.Readiness))
		r.Use(newAuthMiddleware(basePath, cfg.Auth))
		hcfg := huma.DefaultConfig("configline API", "1.0.0")
		hcfg.OpenAPIPath = ""
		hcfg.DocsPath = ""
		api := humachi.New(r, hcfg)
		group := huma.NewGroup(api, basePath)

		registerProjection(group, h)
		registerLayers(group, h)
		registerEnvironments(group, h)
		registerStructures(group, h)
		registerConfigurations(group, h)
		registerOpenAPI(r, api, basePath)
	})
	return router, nil
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newReadinessMiddleware(basePath string, ready *app.Readiness) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, basePath) && !ready.Ready() {
				respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "not_ready", "cache is not ready", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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

// handleError maps domain errors onto the envelope. Anything that is not a
// caller mistake is reported as a bare 500.
func (h *handler) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrValidationFailed):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	h.logger.Error("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "not_ready"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// write checks the write permission and runs fn under the prerequisite retry.
func (h *handler) write(ctx context.Context, fn func(e engine.Engine) (domain.Revision, error)) (*RevisionOutput, error) {
	if err := requirePermission(ctx, h.cfg.Auth, PermissionWrite); err != nil {
		return nil, err
	}
	var rev domain.Revision
	err := engine.Retry(ctx, h.cfg.RetryAttempts, h.cfg.RetryDelay, func() error {
		var err error
		rev, err = fn(h.rt.Engine)
		return err
	})
	if err != nil {
		return nil, h.handleError(err)
	}
	return &RevisionOutput{Body: RevisionResponse{Revision: uint64(rev)}}, nil
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

var readErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerProjection(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID: "projection-status",
		Method:      http.MethodGet,
		Path:        "/projection",
		Summary:     "Projection state, watermark and lag",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body app.ProjectionStatus `json:"body"`
	}, error) {
		st, err := h.rt.Status(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body app.ProjectionStatus `json:"body"`
		}{Body: st}, nil
	})
}

func registerLayers(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-layer",
		Method:        http.MethodPost,
		Path:          "/layers",
		Summary:       "Create layer",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateLayerRequest `json:"body"`
	}) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.CreateLayer(ctx, domain.LayerID{Name: input.Body.Name})
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-layer",
		Method:      http.MethodGet,
		Path:        "/layers/{name}",
		Summary:     "Get layer",
		Errors:      readErrors,
	}, func(ctx context.Context, input *LayerPath) (*struct {
		Body *domain.EnvironmentLayer `json:"body"`
	}, error) {
		l, err := h.rt.Cache.LoadLayer(ctx, input.id())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body *domain.EnvironmentLayer `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-layer",
		Method:        http.MethodDelete,
		Path:          "/layers/{name}",
		Summary:       "Delete layer",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *LayerPath) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.DeleteLayer(ctx, input.id())
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "modify-layer-keys",
		Method:        http.MethodPatch,
		Path:          "/layers/{name}/keys",
		Summary:       "Set or delete layer keys",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		LayerPath
		Body KeyActionsRequest `json:"body"`
	}) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.ModifyLayerKeys(ctx, input.id(), input.Body.Actions)
		})
	})
}

func registerEnvironments(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-environment",
		Method:        http.MethodPost,
		Path:          "/environments",
		Summary:       "Create environment",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateEnvironmentRequest `json:"body"`
	}) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.CreateEnvironment(ctx, domain.EnvironmentID{Category: input.Body.Category, Name: input.Body.Name})
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-environment",
		Method:      http.MethodGet,
		Path:        "/environments/{category}/{name}",
		Summary:     "Get environment with resolved keys",
		Errors:      readErrors,
	}, func(ctx context.Context, input *EnvironmentPath) (*struct {
		Body *domain.ConfigEnvironment `json:"body"`
	}, error) {
		env, err := h.rt.Cache.LoadEnvironment(ctx, input.id())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body *domain.ConfigEnvironment `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-environment",
		Method:        http.MethodDelete,
		Path:          "/environments/{category}/{name}",
		Summary:       "Delete environment",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *EnvironmentPath) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.DeleteEnvironment(ctx, input.id())
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-environment-layers",
		Method:        http.MethodPut,
		Path:          "/environments/{category}/{name}/layers",
		Summary:       "Replace the ordered layer list",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		EnvironmentPath
		Body AssignLayersRequest `json:"body"`
	}) (*RevisionOutput, error) {
		layers := make([]domain.LayerID, 0, len(input.Body.Layers))
		for _, name := range input.Body.Layers {
			layers = append(layers, domain.LayerID{Name: name})
		}
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.AssignLayers(ctx, input.id(), layers)
		})
	})
}

func registerStructures(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-structure",
		Method:        http.MethodPost,
		Path:          "/structures",
		Summary:       "Create structure",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateStructureRequest `json:"body"`
	}) (*RevisionOutput, error) {
		id := domain.StructureID{Name: input.Body.Name, Version: input.Body.Version}
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.CreateStructure(ctx, id, input.Body.Keys, input.Body.Variables)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-structure",
		Method:      http.MethodGet,
		Path:        "/structures/{name}/{version}",
		Summary:     "Get structure",
		Errors:      readErrors,
	}, func(ctx context.Context, input *StructurePath) (*struct {
		Body *domain.ConfigStructure `json:"body"`
	}, error) {
		st, err := h.rt.Cache.LoadStructure(ctx, input.id())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body *domain.ConfigStructure `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-structure",
		Method:        http.MethodDelete,
		Path:          "/structures/{name}/{version}",
		Summary:       "Delete structure",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *StructurePath) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.DeleteStructure(ctx, input.id())
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "modify-structure-keys",
		Method:        http.MethodPatch,
		Path:          "/structures/{name}/{version}/keys",
		Summary:       "Set or delete structure keys",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		StructurePath
		Body KeyActionsRequest `json:"body"`
	}) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.ModifyStructureKeys(ctx, input.id(), input.Body.Actions)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "modify-structure-variables",
		Method:        http.MethodPatch,
		Path:          "/structures/{name}/{version}/variables",
		Summary:       "Set or delete structure variables",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		StructurePath
		Body VariableActionsRequest `json:"body"`
	}) (*RevisionOutput, error) {
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.ModifyStructureVariables(ctx, input.id(), input.Body.Actions)
		})
	})
}

func registerConfigurations(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "build-configuration",
		Method:        http.MethodPost,
		Path:          "/configurations",
		Summary:       "Compile a structure against an environment",
		DefaultStatus: http.StatusAccepted,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body BuildConfigurationRequest `json:"body"`
	}) (*RevisionOutput, error) {
		id := input.Body.id()
		return h.write(ctx, func(e engine.Engine) (domain.Revision, error) {
			return e.BuildConfiguration(ctx, id, input.Body.ValidFrom, input.Body.ValidTo)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-configuration",
		Method:      http.MethodGet,
		Path:        "/configurations/{category}/{name}/{structure}/{version}",
		Summary:     "Get prepared configuration",
		Errors:      readErrors,
	}, func(ctx context.Context, input *ConfigurationPath) (*struct {
		Body *domain.PreparedConfiguration `json:"body"`
	}, error) {
		cfg, err := h.rt.Cache.LoadConfiguration(ctx, input.id())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body *domain.PreparedConfiguration `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(openAPIPath(basePath), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func openAPIPath(basePath string) string {
	return path.Join("/", basePath, "openapi.json")
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
	oas.Security = []map[string][]string{{"bearerAuth": {}}}
}

func swaggerHTML(basePath string) string {
	specURL := openAPIPath(basePath)
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>configline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}
