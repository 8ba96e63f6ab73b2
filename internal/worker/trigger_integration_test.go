package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"luraaya/apps/backend/features/job"
	"luraaya/apps/backend/internal/config"
	"luraaya/apps/backend/internal/middleware"
	"luraaya/apps/backend/internal/orchestrator"
	"luraaya/apps/backend/internal/testutils"
	"luraaya/apps/backend/internal/worker"
)

type chanRunner struct {
	calls chan string
}

func (r *chanRunner) Trigger(ctx context.Context, source string) (orchestrator.Result, error) {
	r.calls <- source + "|" + middleware.GetCorrelationID(ctx)
	return orchestrator.Result{RunID: "run-it"}, nil
}

func TestRetryTriggersOrchestratorRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	_, err := s.DB.Exec(`INSERT INTO users (id, fullname, date_of_birth) VALUES ('u-trigger', 'Grace Hopper', '1985-12-09')`)
	require.NoError(t, err)
	_, err = s.DB.Exec(`INSERT INTO horoscope (id, user_id, status, messagetype, scheduled_at, attempt_count, error_code, failed_at)
		VALUES ('j-trigger', 'u-trigger', 'failed', 'daily', NOW() - INTERVAL '1 hour', 2, 'LLM_STAGE_ERROR', NOW())`)
	require.NoError(t, err)

	runner := &chanRunner{calls: make(chan string, 1)}
	consumer, err := nsq.NewConsumer(config.TopicOrchestratorTrigger, config.ChannelOrchestrator, nsq.NewConfig())
	require.NoError(t, err)
	consumer.AddHandler(worker.NewTriggerConsumer(runner, nil))

	appCfg := s.GetAppConfig()
	require.NoError(t, consumer.ConnectToNSQD(appCfg.NSQDHost))
	defer consumer.Stop()

	svc := job.NewService(job.NewPostgresRepo(s.DB), s.NSQ, nil)
	ctx := middleware.WithCorrelationID(context.Background(), "corr-retry")
	require.NoError(t, svc.Retry(ctx, "j-trigger"))

	select {
	case call := <-runner.calls:
		assert.Equal(t, "nsq:retry|corr-retry", call)
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for trigger")
	}

	var status string
	require.NoError(t, s.DB.QueryRow(`SELECT status FROM horoscope WHERE id = 'j-trigger'`).Scan(&status))
	assert.Equal(t, "queued", status)
}
