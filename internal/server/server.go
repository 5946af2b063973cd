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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"grovekeeper/internal/command"
	"grovekeeper/internal/domain"
	"grovekeeper/internal/engine"
	"grovekeeper/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cooldown_active"`
	Message string         `json:"message" example:"watering A12 not allowed before 2024-05-04"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"next_eligible\":\"2024-05-04\"}"`
}

// apiError models the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Grovekeeper API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Grovekeeper API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAssets(group, cfg.Engine)
	registerParticipants(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerSuspensions(group, cfg.Engine)
	registerScores(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerExport(router, basePath, cfg.Engine)
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
	var ce engine.CooldownError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "cooldown_active", err.Error(), map[string]any{
			"action":         string(ce.Action),
			"last_performed": ce.LastPerformed,
			"next_eligible":  ce.NextEligible,
		})
	}
	switch {
	case errors.Is(err, engine.ErrUnknownAsset),
		errors.Is(err, engine.ErrUnknownParticipant),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrReportNotFound):
		return newAPIError(http.StatusNotFound, "report_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrSuspended):
		return newAPIError(http.StatusForbidden, "suspended", err.Error(), nil)
	case errors.Is(err, engine.ErrReviewInProgress):
		return newAPIError(http.StatusConflict, "review_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrNoAssetSelected):
		return newAPIError(http.StatusConflict, "no_asset_selected", err.Error(), nil)
	case errors.Is(err, engine.ErrNoActionPending):
		return newAPIError(http.StatusConflict, "no_action_pending", err.Error(), nil)
	case errors.Is(err, engine.ErrAssetExists):
		return newAPIError(http.StatusConflict, "asset_exists", err.Error(), nil)
	case errors.Is(err, command.ErrMalformedAssetDefinition):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func requireModerator(ctx context.Context, e *engine.Engine) (Principal, huma.StatusError) {
	p, authErr := requireAuthenticated(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if e.Config == nil || p.Handle != e.Config.Moderator.Handle {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "moderator access required", nil)
	}
	return p, nil
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Grovekeeper API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerAssets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-asset",
		Method:        http.MethodPost,
		Path:          "/assets",
		Summary:       "Register a tree",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAssetRequest `json:"body"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		p, authErr := requireModerator(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		var a domain.Asset
		if strings.TrimSpace(input.Body.Definition) != "" {
			parsed, err := command.ParseAssetDefinition(input.Body.Definition)
			if err != nil {
				return nil, handleError(err)
			}
			a = parsed
		} else {
			if input.Body.ID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
			}
			if input.Body.Species == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "species is required", nil)
			}
			a = domain.Asset{
				ID:                input.Body.ID,
				Species:           input.Body.Species,
				Description:       input.Body.Description,
				PlantedAt:         input.Body.PlantedAt,
				Planter:           input.Body.Planter,
				WaterIntervalDays: input.Body.WaterIntervalDays,
				CleanIntervalDays: input.Body.CleanIntervalDays,
			}
		}
		created, err := e.CreateAsset(ctx, a, p.Handle)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List trees",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listBody[domain.Asset] `json:"body"`
	}, error) {
		if _, authErr := requireAuthenticated(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAssets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listBody[domain.Asset] `json:"body"`
		}{Body: listBody[domain.Asset]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets/{id}",
		Summary:     "Get tree",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		if _, authErr := requireAuthenticated(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAsset(ctx, engine.NormalizeAssetID(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-asset",
		Method:      http.MethodDelete,
		Path:        "/assets/{id}",
		Summary:     "Delete tree",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteAssetResponse `json:"body"`
	}, error) {
		p, authErr := requireModerator(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		cleared, err := e.DeleteAsset(ctx, input.ID, p.Handle)
		if err != nil {
			return nil, handleError(err)
		}
		resp := DeleteAssetResponse{Deleted: engine.NormalizeAssetID(input.ID)}
		for _, entry := range cleared {
			resp.ClearedReviews = append(resp.ClearedReviews, toReviewEntryResponse(entry))
		}
		return &struct {
			Body DeleteAssetResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerParticipants(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "select-asset",
		Method:      http.MethodPost,
		Path:        "/participants/{handle}/selection",
		Summary:     "Select a tree to care for",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Handle string             `path:"handle"`
		Body   SelectAssetRequest `json:"body"`
	}) (*struct {
		Body SelectAssetResponse `json:"body"`
	}, error) {
		if _, authErr := requireAuthenticated(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.AssetID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "asset_id is required", nil)
		}
		ref := domain.ParticipantRef{Handle: input.Handle, ChatID: input.Body.ChatID}
		a, err := e.SelectAsset(ctx, ref, input.Body.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SelectAssetResponse `json:"body"`
		}{Body: SelectAssetResponse{Asset: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-action",
		Method:      http.MethodPost,
		Path:        "/participants/{handle}/requests",
		Summary:     "Request a care action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Handle string               `path:"handle"`
		Body   RequestActionRequest `json:"body"`
	}) (*struct {
		Body RequestActionResponse `json:"body"`
	}, error) {
		if _, authErr := requireAuthenticated(ctx); authErr != nil {
			return nil, authErr
		}
		action, err := domain.ParseAction(input.Body.Action)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		ref := domain.ParticipantRef{Handle: input.Handle, ChatID: input.Body.ChatID}
		key, err := e.RequestAction(ctx, ref, action)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestActionResponse `json:"body"`
		}{Body: RequestActionResponse{
			AssetID: key.AssetID,
			Action:  string(key.Action),
			Message: "send a photo of the completed work to finish the report",
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-evidence",
		Method:      http.MethodPost,
		Path:        "/participants/{handle}/evidence",
		Summary:     "Attach photo evidence to the outstanding request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Handle string                `path:"handle"`
		Body   SubmitEvidenceRequest `json:"body"`
	}) (*struct {
		Body ReviewEntryResponse `json:"body"`
	}, error) {
		if _, authErr := requireAuthenticated(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.MediaRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "media_ref is required", nil)
		}
		ref := domain.ParticipantRef{Handle: input.Handle, ChatID: input.Body.ChatID}
		entry, err := e.SubmitEvidence(ctx, ref, input.Body.MediaRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewEntryResponse `json:"body"`
		}{Body: toReviewEntryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-participant",
		Method:      http.MethodGet,
		Path:        "/participants/{handle}",
		Summary:     "Participant profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Handle string `path:"handle"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		if _, authErr := requireAuthenticated(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Profile(ctx, input.Handle)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboard",
		Summary:     "Participants ranked by score",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listBody[domain.Participant] `json:"body"`
	}, error) {
		if _, authErr := requireAuthenticated(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Leaderboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listBody[domain.Participant] `json:"body"`
		}{Body: listBody[domain.Participant]{Items: items}}, nil
	})
}

func registerReviews(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "Reports awaiting a decision",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listBody[ReviewEntryResponse] `json:"body"`
	}, error) {
		if _, authErr := requireModerator(ctx, e); authErr != nil {
			return nil, authErr
		}
		entries := e.PendingReports()
		resp := listBody[ReviewEntryResponse]{Items: []ReviewEntryResponse{}}
		for _, entry := range entries {
			resp.Items = append(resp.Items, toReviewEntryResponse(entry))
		}
		return &struct {
			Body listBody[ReviewEntryResponse] `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-review",
		Method:      http.MethodPost,
		Path:        "/decisions",
		Summary:     "Decide a submitted report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		p, authErr := requireModerator(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		var token domain.DecisionToken
		if input.Body.Token != "" {
			parsed, err := command.ParseDecisionToken(input.Body.Token)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			token = parsed
		} else {
			kind, err := domain.ParseDecision(input.Body.Decision)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			action, err := domain.ParseAction(input.Body.Action)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			if input.Body.AssetID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "asset_id is required", nil)
			}
			token = domain.DecisionToken{Kind: kind, AssetID: input.Body.AssetID, Action: action}
		}
		res, err := e.Decide(ctx, token, p.Handle)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{
			Decision: string(res.Kind),
			Entry:    toReviewEntryResponse(res.Entry),
			Points:   res.Points,
		}}, nil
	})
}

func registerSuspensions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-suspensions",
		Method:      http.MethodGet,
		Path:        "/suspensions",
		Summary:     "Suspended participants",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listBody[domain.Participant] `json:"body"`
	}, error) {
		if _, authErr := requireModerator(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSuspended(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listBody[domain.Participant] `json:"body"`
		}{Body: listBody[domain.Participant]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-suspension",
		Method:      http.MethodDelete,
		Path:        "/suspensions/{handle}",
		Summary:     "Lift a participant suspension",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Handle string `path:"handle"`
	}) (*struct{}, error) {
		p, authErr := requireModerator(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Unsuspend(ctx, input.Handle, p.Handle); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerScores(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reset-scores",
		Method:      http.MethodPost,
		Path:        "/scores/reset",
		Summary:     "Reset all participant scores",
		Errors: []int{
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ResetScoresResponse `json:"body"`
	}, error) {
		p, authErr := requireModerator(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		at, err := e.ResetScores(ctx, p.Handle)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetScoresResponse `json:"body"`
		}{Body: ResetScoresResponse{ResetAt: at}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent ledger events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body listBody[domain.Event] `json:"body"`
	}, error) {
		if _, authErr := requireModerator(ctx, e); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listBody[domain.Event] `json:"body"`
		}{Body: listBody[domain.Event]{Items: items}}, nil
	})
}

// registerExport serves the rendered maintenance report as a plain chi route
// so the document bytes go out untouched by the API serializer.
func registerExport(r chi.Router, basePath string, e *engine.Engine) {
	r.Get(path.Join(basePath, "report/export"), func(w http.ResponseWriter, req *http.Request) {
		p, ok := principalFromContext(req.Context())
		if !ok || e.Config == nil || p.Handle != e.Config.Moderator.Handle {
			respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "moderator access required", nil))
			return
		}
		doc, err := e.ExportReport(req.Context())
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="maintenance-report.txt"`)
		w.Write(doc)
	})
}
