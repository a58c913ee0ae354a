package webui

import (
	"net/http"

	"github.com/luno/flow"
	"github.com/luno/flow/adapters/webui/internal/api"
)

type (
	ListRecords = api.ListRecords
	LookupFn    = api.LookupFn
	Operator    = api.Operator
)

// Paths holds the routes Register mounts the handlers on.
type Paths struct {
	List   string
	Record string
	Update string
}

var DefaultPaths = Paths{
	List:   "/api/v1/runs/list",
	Record: "/api/v1/runs/record",
	Update: "/api/v1/runs/update",
}

func ListHandlerFunc(store flow.RecordStore) http.HandlerFunc {
	return api.List(store.List)
}

// RecordHandlerFunc serves a single run together with its hospital
// diagnoses.
func RecordHandlerFunc(e *flow.Engine) http.HandlerFunc {
	return api.Record(e.Lookup, e.HospitalRecord)
}

func UpdateHandlerFunc(op Operator) http.HandlerFunc {
	return api.Update(op)
}

// Register mounts the operator API of e on mux.
func Register(mux *http.ServeMux, e *flow.Engine, store flow.RecordStore, paths Paths) {
	mux.HandleFunc(paths.List, ListHandlerFunc(store))
	mux.HandleFunc(paths.Record, RecordHandlerFunc(e))
	mux.HandleFunc(paths.Update, UpdateHandlerFunc(e))
}
