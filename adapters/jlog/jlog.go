package jlog

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/luno/flow"
)

// New returns a flow.Logger that writes through jettison's global logger.
// Run and session IDs found in the debug meta become log keys.
func New() *Logger {
	return &Logger{}
}

type Logger struct{}

func (l Logger) Debug(ctx context.Context, msg string, meta map[string]string) {
	log.Debug(ctx, msg, j.MKS(meta))
}

func (l Logger) Error(ctx context.Context, err error) {
	log.Error(ctx, errors.Wrap(err, ""))
}

var _ flow.Logger = (*Logger)(nil)
