package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"nudge/internal/app"
	"nudge/internal/domain"
	"nudge/internal/engine"
	"nudge/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Runner   *scheduler.Runner
	BasePath string
	Links    LinkSigner
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"record not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the nudge API.
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

	cfg.Engine.LinkFor = cfg.Links.LinkFor

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Nudge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerCompleteClick(router, cfg.Engine, cfg.Links)
	registerHealth(group)
	registerRoster(group, cfg.Engine)
	registerReminders(group, cfg.Engine)
	registerComplete(group, cfg.Engine)
	registerBatches(group, cfg.Runner)
	registerResets(group, cfg.Engine)
	registerWatch(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if engine.IsNotFound(err) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "token"):
		return newAPIError(http.StatusForbidden, "invalid_token", msg, nil)
	case strings.Contains(lowered, "no completion lifecycle"):
		return newAPIError(http.StatusUnprocessableEntity, "not_lifecycle_record", msg, nil)
	case strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
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

func registerRoster(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roster",
		Method:      http.MethodGet,
		Path:        "/roster",
		Summary:     "Full roster with lifecycle state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		roster, err := e.Repo.LoadRoster(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RosterResponse{Records: roster, Total: len(roster)}
		for _, rec := range roster {
			if !rec.IsOwner() {
				continue
			}
			resp.Owners++
			if rec.Status == domain.StatusComplete {
				resp.Completed++
			} else {
				resp.Pending++
			}
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: resp}, nil
	})

	type recordPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/roster/{id}",
		Summary:     "One roster record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		rec, err := e.Repo.GetRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-roster",
		Method:      http.MethodPut,
		Path:        "/roster",
		Summary:     "Replace the whole roster",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RosterImportRequest
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		records, err := app.BuildRoster(input.Body.Records)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.ReplaceRoster(ctx, records); err != nil {
			return nil, handleError(err)
		}
		roster, err := e.Repo.LoadRoster(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: RosterResponse{Records: roster, Total: len(roster)}}, nil
	})
}

func registerReminders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reminders",
		Method:      http.MethodGet,
		Path:        "/reminders",
		Summary:     "Owners currently eligible for a reminder",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BatchPreviewResponse `json:"body"`
	}, error) {
		payloads, err := e.ComputeReminderBatch(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchPreviewResponse `json:"body"`
		}{Body: previewResponse("reminder", payloads)}, nil
	})
}

func previewResponse(kind string, payloads []engine.Payload) BatchPreviewResponse {
	resp := BatchPreviewResponse{Kind: kind, Payloads: []PayloadResponse{}}
	for _, p := range payloads {
		resp.Payloads = append(resp.Payloads, PayloadResponse{
			RecordID: p.Record.ID,
			Owner:    p.Record.Owner,
			Name:     p.Record.Name,
			Emails:   p.Record.Emails,
			Subject:  p.Subject,
			BodyHTML: p.BodyHTML,
		})
	}
	return resp
}

func registerComplete(api huma.API, e *engine.Engine) {
	type completePath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "complete-record",
		Method:      http.MethodPost,
		Path:        "/roster/{id}/complete",
		Summary:     "Mark one portfolio owner complete",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *completePath) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		rec, changed, err := e.CompleteByID(ctx, input.ID, "api")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: CompleteResponse{Record: rec, Changed: changed}}, nil
	})
}

// registerCompleteClick serves the link embedded in reminder emails. It lives
// outside the JSON API because the audience is a mail client, so the
// response is a small HTML page.
func registerCompleteClick(r chi.Router, e *engine.Engine, links LinkSigner) {
	r.Get("/complete/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		token := req.URL.Query().Get("token")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := links.Verify(id, token); err != nil {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, completePage("This completion link is invalid or has expired."))
			return
		}
		rec, changed, err := e.CompleteByID(req.Context(), id, "web-click")
		if err != nil {
			if engine.IsNotFound(err) {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, completePage("We couldn't find that record."))
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, completePage("Something went wrong recording your update. Please try again."))
			return
		}
		if !changed {
			fmt.Fprint(w, completePage(fmt.Sprintf("%s was already marked complete. Nothing else to do.", html.EscapeString(rec.Name))))
			return
		}
		fmt.Fprint(w, completePage(fmt.Sprintf("Thanks! %s is marked complete for this cycle.", html.EscapeString(rec.Name))))
	})
}

func completePage(message string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head><meta charset="utf-8"/><title>Portfolio updates</title></head>
  <body style="font-family: sans-serif; max-width: 32rem; margin: 4rem auto;">
    <h2>Portfolio updates</h2>
    <p>%s</p>
  </body>
</html>`, message)
}

func registerBatches(api huma.API, runner *scheduler.Runner) {
	type batchPath struct {
		Kind string `path:"kind" enum:"reminder,chase,review,final"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "preview-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{kind}/preview",
		Summary:     "Compute a batch without sending",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchPreviewResponse `json:"body"`
	}, error) {
		payloads, err := runner.Preview(ctx, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchPreviewResponse `json:"body"`
		}{Body: previewResponse(input.Kind, payloads)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{kind}/send",
		Summary:     "Compute a batch and dispatch it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchSendResponse `json:"body"`
	}, error) {
		res, err := runner.RunBatch(ctx, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchSendResponse `json:"body"`
		}{Body: BatchSendResponse{
			Kind:       res.Kind,
			Payloads:   res.Payloads,
			Deliveries: res.Deliveries,
			Failed:     res.Failed(),
		}}, nil
	})
}

func registerResets(api huma.API, e *engine.Engine) {
	type resetRequest struct {
		Mode string `json:"mode,omitempty" enum:"full,soft"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "reset-roster",
		Method:      http.MethodPost,
		Path:        "/reset",
		Summary:     "Revert all portfolio owners to pending",
	}, func(ctx context.Context, input *struct {
		Body resetRequest
	}) (*struct {
		Body ResetResponse `json:"body"`
	}, error) {
		mode := input.Body.Mode
		if mode == "" {
			mode = "full"
		}
		var (
			n   int64
			err error
		)
		if mode == "soft" {
			n, err = e.SoftReset(ctx, "api")
		} else {
			n, err = e.BulkReset(ctx, "api")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetResponse `json:"body"`
		}{Body: ResetResponse{Records: n, Mode: mode}}, nil
	})
}

func registerWatch(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "watch-status",
		Method:      http.MethodGet,
		Path:        "/watch",
		Summary:     "Monitored document fingerprint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.DocumentWatch `json:"body"`
	}, error) {
		cfgID := ""
		if e.Config != nil {
			cfgID = e.Config.Watch.DocumentID
		}
		w, err := e.Repo.GetDocumentWatch(ctx, cfgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentWatch `json:"body"`
		}{Body: w}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	type eventsQuery struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log",
	}, func(ctx context.Context, input *eventsQuery) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Repo.EventsAfter(ctx, limit, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
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
    <title>Nudge API Docs</title>
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
