package cli

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/consolidation/jobs"
)

type stubEnqueuer struct {
	tasks  []*asynq.Task
	closed bool
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error {
	s.closed = true
	return nil
}

type stubQueueInspector struct {
	info      *asynq.QueueInfo
	err       error
	scheduled []*asynq.TaskInfo
	closed    bool
}

func (s *stubQueueInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func (s *stubQueueInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, nil
}

func (s *stubQueueInspector) Close() error {
	s.closed = true
	return errors.New("already closed")
}

func TestJobsCLITriggerRun(t *testing.T) {
	client := &stubEnqueuer{}
	cli := NewJobsCLIWith(client, nil)

	info, err := cli.Trigger(context.Background(), "run", jobs.ConsolRunPayload{GroupID: "GRP-UK", Period: "2025-02", BaseCurrency: "usd", DryRun: true})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskConsolRun, info.Type)
	require.Len(t, client.tasks, 1)

	var payload jobs.ConsolRunPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, "USD", payload.BaseCurrency)
	require.True(t, payload.DryRun)
}

func TestJobsCLITriggerRefresh(t *testing.T) {
	client := &stubEnqueuer{}
	cli := NewJobsCLIWith(client, nil)

	_, err := cli.Trigger(context.Background(), jobs.TaskConsolViewRefresh, jobs.ConsolRunPayload{GroupID: "all", Period: "active"})
	require.NoError(t, err)

	var payload jobs.ViewRefreshPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, jobs.ViewRefreshPayload{GroupID: "all", Period: "active"}, payload)
}

func TestJobsCLITriggerUnknownJob(t *testing.T) {
	cli := NewJobsCLIWith(&stubEnqueuer{}, nil)
	_, err := cli.Trigger(context.Background(), "reindex", jobs.ConsolRunPayload{})
	require.ErrorContains(t, err, "unsupported job")

	_, err = NewJobsCLIWith(nil, nil).Trigger(context.Background(), "run", jobs.ConsolRunPayload{})
	require.Error(t, err)
}

func TestJobsCLIInspectQueue(t *testing.T) {
	inspector := &stubQueueInspector{info: &asynq.QueueInfo{Pending: 2, Active: 1, Scheduled: 3, Retry: 4, Archived: 5}}
	cli := NewJobsCLIWith(nil, inspector)

	stats, err := cli.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 2, Active: 1, Scheduled: 3, Retry: 4, Archived: 5}, stats)

	inspector.err = errors.New("redis down")
	_, err = cli.InspectQueue(context.Background())
	require.ErrorContains(t, err, "redis down")
}

func TestJobsCLIListScheduledAndClose(t *testing.T) {
	client := &stubEnqueuer{}
	inspector := &stubQueueInspector{scheduled: []*asynq.TaskInfo{{ID: "a"}}}
	cli := NewJobsCLIWith(client, inspector)

	tasks, err := cli.ListScheduled(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	err = cli.Close()
	require.ErrorContains(t, err, "already closed")
	require.True(t, client.closed)
	require.True(t, inspector.closed)
}
