package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/helmstream/helmstream/internal/ingest"
)

func handleIngestDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingest.Document
		if !decodeBody(w, r, maxIngestBodySize, &req) {
			return
		}
		if req.Text == "" && req.ContentBase64 == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing required field: text")
			return
		}
		if err := validateRequest(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Ingest.IngestDocument(r.Context(), req)
		if err != nil {
			ingestError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// emailBatch is the batch form of POST /v1/emails.
type emailBatch struct {
	Emails []ingest.Email `json:"emails" validate:"required,min=1,max=500,dive"`
}

type batchResult struct {
	EmailsProcessed int             `json:"emails_processed"`
	Results         []ingest.Result `json:"results"`
}

// handleIngestEmails accepts a single email object or {"emails": [...]}.
// A batch is validated as a whole before any email is stored.
func handleIngestEmails(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if !decodeBody(w, r, maxIngestBodySize, &raw) {
			return
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request body must be a JSON object")
			return
		}

		if _, ok := probe["emails"]; !ok {
			var e ingest.Email
			if err := json.Unmarshal(raw, &e); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid email: %v", err)
				return
			}
			if err := validateRequest(e); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			res, err := deps.Ingest.IngestEmail(r.Context(), e)
			if err != nil {
				ingestError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}

		var batch emailBatch
		if err := json.Unmarshal(raw, &batch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid email batch: %v", err)
			return
		}
		if err := validateRequest(batch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		out := batchResult{Results: make([]ingest.Result, 0, len(batch.Emails))}
		for i, e := range batch.Emails {
			res, err := deps.Ingest.IngestEmail(r.Context(), e)
			if err != nil {
				ingestError(w, fmt.Errorf("email %d: %w", i, err))
				return
			}
			out.Results = append(out.Results, res)
			out.EmailsProcessed++
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func ingestError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrInvalid) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
}
