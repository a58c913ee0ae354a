package api_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luno/jettison/errors"
	"github.com/stretchr/testify/require"

	"github.com/luno/flow"
	"github.com/luno/flow/adapters/webui/internal/api"
)

type fakeOperator struct {
	calls []string
	err   error
}

func (f *fakeOperator) Kill(ctx context.Context, runID string) (bool, error) {
	f.calls = append(f.calls, "kill:"+runID)
	return f.err == nil, f.err
}

func (f *fakeOperator) Retry(ctx context.Context, runID string) error {
	f.calls = append(f.calls, "retry:"+runID)
	return f.err
}

func (f *fakeOperator) Pause(ctx context.Context, runID string) error {
	f.calls = append(f.calls, "pause:"+runID)
	return f.err
}

func (f *fakeOperator) Resume(ctx context.Context, runID string) error {
	f.calls = append(f.calls, "resume:"+runID)
	return f.err
}

func TestUpdateHandler(t *testing.T) {
	testCases := []struct {
		name       string
		request    string
		err        error
		statusCode int
		calls      []string
	}{
		{
			name:       "Kill",
			request:    `{"run_id": "r1", "action": "kill"}`,
			statusCode: http.StatusOK,
			calls:      []string{"kill:r1"},
		},
		{
			name:       "Retry",
			request:    `{"run_id": "r1", "action": "retry"}`,
			statusCode: http.StatusOK,
			calls:      []string{"retry:r1"},
		},
		{
			name:       "Pause",
			request:    `{"run_id": "r1", "action": "pause"}`,
			statusCode: http.StatusOK,
			calls:      []string{"pause:r1"},
		},
		{
			name:       "Resume",
			request:    `{"run_id": "r1", "action": "resume"}`,
			statusCode: http.StatusOK,
			calls:      []string{"resume:r1"},
		},
		{
			name:       "Retry of a run that is not hospitalized",
			request:    `{"run_id": "r1", "action": "retry"}`,
			err:        errors.Wrap(flow.ErrUnableToRetry, ""),
			statusCode: http.StatusConflict,
			calls:      []string{"retry:r1"},
		},
		{
			name:       "Unknown run",
			request:    `{"run_id": "r1", "action": "pause"}`,
			err:        flow.ErrRecordNotFound,
			statusCode: http.StatusNotFound,
			calls:      []string{"pause:r1"},
		},
		{
			name:       "Store failure",
			request:    `{"run_id": "r1", "action": "resume"}`,
			err:        errors.New("connection reset"),
			statusCode: http.StatusInternalServerError,
			calls:      []string{"resume:r1"},
		},
		{
			name:       "Unknown action",
			request:    `{"run_id": "r1", "action": "delete"}`,
			statusCode: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			op := &fakeOperator{err: tc.err}

			req := httptest.NewRequest(http.MethodPost, "/update", bytes.NewBufferString(tc.request))
			rec := httptest.NewRecorder()
			api.Update(op)(rec, req)

			require.Equal(t, tc.statusCode, rec.Code)
			require.Equal(t, tc.calls, op.calls)
		})
	}
}
