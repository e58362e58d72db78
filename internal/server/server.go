// Package server exposes the HTTP API. JSON endpoints go through huma;
// surfaces that are not plain JSON (the SSE event feed, artifact blobs)
// are registered as raw chi routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cabinet/internal/domain"
	"cabinet/internal/engine"
	"cabinet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns on failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Cabinet API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Cabinet API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)

	// raw routes for the non-JSON surfaces
	router.Get(basePath+"/runs/{run_id}/events", eventsHandler(cfg.Engine))
	router.Get(basePath+"/runs/{run_id}/artifacts/{name}", artifactHandler(cfg.Engine))

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrValidation) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrRunActive) {
		return newAPIError(http.StatusConflict, "run_active", err.Error(), nil)
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
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		runs, err := e.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, r := range runs {
			counts[r.Status]++
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"active_runs": e.ActiveRuns(),
			"total_runs":  len(runs),
			"run_counts":  counts,
			"departments": e.Config.DepartmentCodes(),
		}}, nil
	})
}

func registerIssues(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List catalog issues",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Issues []domain.Issue `json:"issues"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Issues []domain.Issue `json:"issues"`
			}
		}{}
		resp.Body.Issues = e.Issues()
		return resp, nil
	})
}

type runPath struct {
	RunID string `path:"run_id"`
}

func registerRuns(api huma.API, e *engine.Engine) {
	type createRunBody struct {
		IssueID              string   `json:"issue_id"`
		MaxRounds            int      `json:"max_rounds,omitempty"`
		ConvergenceThreshold float64  `json:"convergence_threshold,omitempty"`
		Model                string   `json:"model,omitempty"`
		Temperature          *float64 `json:"temperature,omitempty"`
		EnableSearch         *bool    `json:"enable_search,omitempty"`
		EnableSentiment      *bool    `json:"enable_sentiment,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start a decision run",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createRunBody
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.CreateRun(ctx, engine.CreateRunOptions{
			IssueID:              input.Body.IssueID,
			MaxRounds:            input.Body.MaxRounds,
			ConvergenceThreshold: input.Body.ConvergenceThreshold,
			Model:                input.Body.Model,
			Temperature:          input.Body.Temperature,
			EnableSearch:         input.Body.EnableSearch,
			EnableSentiment:      input.Body.EnableSentiment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Runs []domain.Run `json:"runs"`
		}
	}, error) {
		runs, err := e.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Runs []domain.Run `json:"runs"`
			}
		}{}
		resp.Body.Runs = runs
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Run summary",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-state",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/state",
		Summary:     "Full run state snapshot",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.RunState `json:"body"`
	}, error) {
		state, err := e.GetState(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel an active run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if err := e.CancelRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		run, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-run",
		Method:        http.MethodDelete,
		Path:          "/runs/{run_id}",
		Summary:       "Delete a finished run",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *runPath) (*struct{}, error) {
		if err := e.DeleteRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerArtifacts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/artifacts",
		Summary:     "List run artifacts",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body struct {
			Artifacts []domain.Artifact `json:"artifacts"`
		}
	}, error) {
		artifacts, err := e.ListArtifacts(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Artifacts []domain.Artifact `json:"artifacts"`
			}
		}{}
		resp.Body.Artifacts = artifacts
		return resp, nil
	})
}

func artifactHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		name := chi.URLParam(r, "name")
		a, content, err := e.FetchArtifact(r.Context(), runID, name)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				http.Error(w, "artifact not found", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", a.Type)
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}
}
