package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/luno/jettison/errors"

	"github.com/luno/flow"
)

type UpdateRequest struct {
	RunID  string `json:"run_id"`
	Action string `json:"action"`
}

// Operator is the part of flow.API that changes the status of a run.
type Operator interface {
	Kill(ctx context.Context, runID string) (bool, error)
	Retry(ctx context.Context, runID string) error
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
}

func Update(op Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			// NoReturnErr: HTTP api.
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		var req UpdateRequest
		err = json.Unmarshal(body, &req)
		if err != nil {
			http.Error(w, "Bad Request: cannot unmarshal body", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		switch req.Action {
		case "kill":
			_, err = op.Kill(ctx, req.RunID)
		case "retry":
			err = op.Retry(ctx, req.RunID)
		case "pause":
			err = op.Pause(ctx, req.RunID)
		case "resume":
			err = op.Resume(ctx, req.RunID)
		default:
			http.Error(w, "unknown action provided", http.StatusBadRequest)
			return
		}

		switch {
		case err == nil:
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, flow.ErrRecordNotFound):
			http.Error(w, "record not found", http.StatusNotFound)
		case errors.Is(err, flow.ErrUnableToPause),
			errors.Is(err, flow.ErrUnableToResume),
			errors.Is(err, flow.ErrUnableToRetry):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "failed to "+req.Action+" run", http.StatusInternalServerError)
		}
	}
}
