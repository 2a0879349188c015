package usecase_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunner/evalplatform/internal/domain"
	"github.com/coderunner/evalplatform/internal/usecase"
)

func TestResultService_Fetch_NotFound(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := usecase.NewResultService(store)

	status, body, etag, err := svc.Fetch(ctxBG(), "missing", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Nil(t, body)
	assert.Empty(t, etag)
}

func TestResultService_Fetch_InProgressOmitsResult(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.byEvalID["eval-1"] = domain.Evaluation{EvalID: "eval-1", Status: domain.StatusRunning, Language: "python"}
	svc := usecase.NewResultService(store)

	status, body, etag, err := svc.Fetch(ctxBG(), "eval-1", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", body["status"])
	assert.NotContains(t, body, "result")
	assert.NotEmpty(t, etag)
}

func TestResultService_Fetch_TerminalIncludesResult(t *testing.T) {
	t.Parallel()
	exitCode := 0
	store := newFakeStore()
	store.byEvalID["eval-2"] = domain.Evaluation{
		EvalID: "eval-2", Status: domain.StatusSucceeded, Language: "python",
		ExitCode: &exitCode, Stdout: "hello\n",
	}
	svc := usecase.NewResultService(store)

	status, body, _, err := svc.Fetch(ctxBG(), "eval-2", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0, result["exit_code"])
	assert.Equal(t, "hello\n", result["stdout"])
}

func TestResultService_Fetch_NotModifiedOnMatchingETag(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.byEvalID["eval-3"] = domain.Evaluation{EvalID: "eval-3", Status: domain.StatusQueued}
	svc := usecase.NewResultService(store)

	_, _, etag, err := svc.Fetch(ctxBG(), "eval-3", "")
	require.NoError(t, err)

	status, body, _, err := svc.Fetch(ctxBG(), "eval-3", etag)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, status)
	assert.Nil(t, body)
}
