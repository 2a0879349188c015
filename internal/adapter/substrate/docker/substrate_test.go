package docker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunner/evalplatform/internal/domain"
)

// TestSubstrate_CreateJob_RunsAlpine exercises the real Docker daemon end
// to end: create, poll Inspect until terminal, read logs, terminate. Skipped in -short mode
// since it requires a local Docker socket.
func TestSubstrate_CreateJob_RunsAlpine(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker daemon; skipped in -short mode")
	}

	profiles := map[string]domain.ResourceLimits{
		"default": {CPUs: 0.25, MemoryBytes: 64 * 1024 * 1024, NetworkDenyAll: true, ReadOnlyRoot: false, NonRootUser: false},
	}
	sub, err := New("", "evalplatform-runtime", profiles)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobID, err := sub.CreateJob(ctx, "eval-docker-1", "echo hello-from-sandbox", "alpine", 10*time.Second, domain.ResourceLimits{}, "default")
	require.NoError(t, err)
	defer sub.Terminate(context.Background(), jobID)

	require.Eventually(t, func() bool {
		h, err := sub.Inspect(ctx, jobID)
		return err == nil && h.Phase.Terminal()
	}, 20*time.Second, 200*time.Millisecond)

	out, err := sub.ReadLogs(ctx, jobID, domain.LogStdout)
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello-from-sandbox")
}
