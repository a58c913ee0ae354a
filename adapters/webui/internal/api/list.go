package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/luno/flow"
)

type ListRequest struct {
	Offset int64 `json:"offset"`
	Limit  int   `json:"limit"`
	// Statuses filters by flow.Status value when non-empty.
	Statuses []int `json:"statuses"`
}

type ListResponse struct {
	Items []ListItem `json:"items"`
}

// ListItem is a lightweight version of flow.Record
type ListItem struct {
	RunID      string    `json:"run_id"`
	FlowClass  string    `json:"flow_class"`
	Status     string    `json:"status"`
	Origin     string    `json:"origin"`
	LastError  string    `json:"last_error,omitempty"`
	RetryCount int       `json:"retry_count"`
	WakeAt     time.Time `json:"wake_at"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ListRecords func(ctx context.Context, offset int64, limit int, statuses ...flow.Status) ([]flow.Record, error)

func List(listRecords ListRecords) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Bad Request: cannot read body", http.StatusBadRequest)
			return
		}

		var req ListRequest
		err = json.Unmarshal(body, &req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var statuses []flow.Status
		for _, s := range req.Statuses {
			status := flow.Status(s)
			if !status.Valid() {
				http.Error(w, "Bad Request: unknown status", http.StatusBadRequest)
				return
			}

			statuses = append(statuses, status)
		}

		list, err := listRecords(r.Context(), req.Offset, req.Limit, statuses...)
		if err != nil {
			http.Error(w, "failed to collect records from store", http.StatusInternalServerError)
			return
		}

		resp := ListResponse{
			Items: make([]ListItem, 0, len(list)),
		}
		for _, record := range list {
			resp.Items = append(resp.Items, toListItem(record))
		}

		writeJSON(w, resp)
	}
}

func toListItem(r flow.Record) ListItem {
	return ListItem{
		RunID:      r.RunID,
		FlowClass:  r.FlowClass,
		Status:     r.Status.String(),
		Origin:     r.Invocation.Origin.String(),
		LastError:  r.LastError,
		RetryCount: r.RetryCount,
		WakeAt:     r.WakeAt,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, " ", " ")
	if err != nil {
		http.Error(w, "failed to json marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
