package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunner/evalplatform/internal/domain"
)

func TestSubstrate_CreateJob_Succeeds(t *testing.T) {
	s := New(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events, errs, err := s.WatchJobs(ctx, "any")
	require.NoError(t, err)

	jobID, err := s.CreateJob(ctx, "eval-1", "echo hi", "python", time.Second, domain.ResourceLimits{}, "default")
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, jobID, evt.JobID)
		assert.Equal(t, domain.SandboxSucceeded, evt.Phase)
		require.NotNil(t, evt.ExitCode)
		assert.Equal(t, 0, *evt.ExitCode)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	out, err := s.ReadLogs(ctx, jobID, domain.LogStdout)
	require.NoError(t, err)
	assert.Contains(t, string(out), "echo hi")
}

func TestSubstrate_CreateJob_Fails(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, "eval-2", "run fail now", "python", time.Second, domain.ResourceLimits{}, "default")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h, err := s.Inspect(ctx, jobID)
		return err == nil && h.Phase.Terminal()
	}, time.Second, 10*time.Millisecond)

	h, err := s.Inspect(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.SandboxFailed, h.Phase)
	require.NotNil(t, h.ExitCode)
	assert.Equal(t, 1, *h.ExitCode)
}

func TestSubstrate_Inspect_NotFoundAfterMarkGone(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, "eval-3", "echo ok", "python", time.Second, domain.ResourceLimits{}, "default")
	require.NoError(t, err)

	s.MarkGone(jobID)

	_, err = s.Inspect(ctx, jobID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.ReadLogs(ctx, jobID, domain.LogStdout)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubstrate_Terminate_Idempotent(t *testing.T) {
	s := New(time.Hour)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, "eval-4", "sleep hang", "python", time.Second, domain.ResourceLimits{}, "default")
	require.NoError(t, err)

	require.NoError(t, s.Terminate(ctx, jobID))
	require.NoError(t, s.Terminate(ctx, jobID))

	h, err := s.Inspect(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, h.Phase.Terminal())
}
