package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"luraaya/apps/backend/features/job"
	"luraaya/apps/backend/internal/runlog"
)

type MockJobCounter struct{ mock.Mock }

func (m *MockJobCounter) Counts(ctx context.Context) (job.Counts, error) {
	args := m.Called(ctx)
	return args.Get(0).(job.Counts), args.Error(1)
}

type fixedRuns struct{ entry *runlog.Entry }

func (f fixedRuns) Last() *runlog.Entry { return f.entry }

func TestHandler_GetStats_Table(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockJobCounter)
		runs       RunReporter
		wantStatus int
		wantError  bool
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(j *MockJobCounter) {
				j.On("Counts", mock.Anything).Return(job.Counts{Queued: 4, Sent: 10, Failed: 2, Exhausted: 1, Leased: 1}, nil)
			},
			runs:       fixedRuns{entry: &runlog.Entry{Trigger: "cron", RunID: "run-1", Sent: 3}},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				jobs := data["jobs"].(map[string]interface{})
				assert.EqualValues(t, 4, jobs["queued"])
				assert.EqualValues(t, 10, jobs["sent"])
				assert.EqualValues(t, 2, jobs["failed"])
				assert.EqualValues(t, 1, jobs["exhausted"])
				last := data["last_run"].(map[string]interface{})
				assert.Equal(t, "run-1", last["run_id"])
			},
		},
		{
			name: "No Runs Yet",
			setupMocks: func(j *MockJobCounter) {
				j.On("Counts", mock.Anything).Return(job.Counts{}, nil)
			},
			runs:       fixedRuns{},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.NotContains(t, data, "last_run")
			},
		},
		{
			name: "Nil Reporter",
			setupMocks: func(j *MockJobCounter) {
				j.On("Counts", mock.Anything).Return(job.Counts{Sent: 1}, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.NotContains(t, data, "last_run")
			},
		},
		{
			name: "Count Error",
			setupMocks: func(j *MockJobCounter) {
				j.On("Counts", mock.Anything).Return(job.Counts{}, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mJobs := new(MockJobCounter)
			tt.setupMocks(mJobs)

			h := NewHandler(mJobs, tt.runs)
			req := httptest.NewRequest("GET", "/stats", nil)
			w := httptest.NewRecorder()

			h.GetStats(w, req)

			resp := w.Result()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body map[string]interface{}
			err := json.NewDecoder(resp.Body).Decode(&body)
			assert.NoError(t, err)

			if tt.wantError {
				assert.Contains(t, body, "error")
				errMap := body["error"].(map[string]interface{})
				assert.Equal(t, "INTERNAL_ERROR", errMap["code"])
			} else {
				tt.checkBody(t, body)
			}
		})
	}
}
