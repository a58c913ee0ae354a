package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/luno/jettison/errors"

	"github.com/luno/flow"
)

type RecordRequest struct {
	RunID string `json:"run_id"`
}

type RecordResponse struct {
	ListItem
	Sessions  []string        `json:"sessions,omitempty"`
	Diagnoses []DiagnosisItem `json:"diagnoses,omitempty"`
}

type DiagnosisItem struct {
	At       time.Time `json:"at"`
	Class    string    `json:"class"`
	Error    string    `json:"error"`
	Decision string    `json:"decision"`
}

type LookupFn func(ctx context.Context, runID string) (*flow.Record, error)

// HospitalFn returns the diagnoses of a run, oldest first.
type HospitalFn func(runID string) flow.HospitalRecord

func Record(lookup LookupFn, hospital HospitalFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Bad Request: cannot read body", http.StatusBadRequest)
			return
		}

		var req RecordRequest
		err = json.Unmarshal(body, &req)
		if err != nil {
			http.Error(w, "Bad Request: cannot unmarshal body", http.StatusBadRequest)
			return
		}

		record, err := lookup(r.Context(), req.RunID)
		if errors.Is(err, flow.ErrRecordNotFound) {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, "failed to lookup record from store", http.StatusInternalServerError)
			return
		}

		resp := RecordResponse{
			ListItem: toListItem(*record),
		}
		for _, id := range record.SessionIDs {
			resp.Sessions = append(resp.Sessions, string(id))
		}

		if hospital != nil {
			for _, d := range hospital(record.RunID) {
				resp.Diagnoses = append(resp.Diagnoses, DiagnosisItem{
					At:       d.At,
					Class:    d.Class.String(),
					Error:    d.Error,
					Decision: d.Decision.String(),
				})
			}
		}

		writeJSON(w, resp)
	}
}
