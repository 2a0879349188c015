package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coderunner/evalplatform/internal/domain"
)

// ResultService provides read access to evaluation records and assembles the
// API response envelope including ETag logic and error mapping (§4.F).
type ResultService struct {
	Store domain.ResultStore
}

// NewResultService constructs a ResultService over store.
func NewResultService(store domain.ResultStore) ResultService {
	return ResultService{Store: store}
}

// Fetch returns the HTTP status code, response body, and ETag for evalID. It
// implements conditional responses (304 Not Modified) based on If-None-Match.
func (s ResultService) Fetch(ctx domain.Context, evalID, ifNoneMatch string) (int, map[string]any, string, error) {
	eval, err := s.Store.Get(ctx, evalID)
	if err != nil {
		if errorIs(err, domain.ErrNotFound) {
			return http.StatusNotFound, nil, "", fmt.Errorf("op=result.Fetch eval_id=%s: %w", evalID, err)
		}
		return http.StatusInternalServerError, nil, "", err
	}

	m := envelope(eval)
	etag := makeETag(m)
	if etag == ifNoneMatch {
		return http.StatusNotModified, nil, etag, nil
	}
	return http.StatusOK, m, etag, nil
}

// List delegates to the store and returns pages of envelopes.
func (s ResultService) List(ctx domain.Context, filter domain.ListFilter, cursor string, limit int) ([]map[string]any, string, error) {
	page, err := s.Store.List(ctx, filter, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("op=result.List: %w", err)
	}
	items := make([]map[string]any, 0, len(page.Items))
	for _, eval := range page.Items {
		items = append(items, envelope(eval))
	}
	return items, page.NextCursor, nil
}

func envelope(eval domain.Evaluation) map[string]any {
	m := map[string]any{
		"eval_id":  eval.EvalID,
		"status":   string(eval.Status),
		"language": eval.Language,
		"priority": string(eval.Priority),
	}
	if eval.Status.Terminal() {
		result := map[string]any{}
		if eval.ExitCode != nil {
			result["exit_code"] = *eval.ExitCode
		}
		result["stdout"] = eval.Stdout
		result["stdout_overflow"] = eval.StdoutOverflow
		if eval.StdoutRef != "" {
			result["stdout_ref"] = eval.StdoutRef
		}
		result["stderr"] = eval.Stderr
		result["stderr_overflow"] = eval.StderrOverflow
		if eval.StderrRef != "" {
			result["stderr_ref"] = eval.StderrRef
		}
		if eval.ErrorKind != domain.ErrorKindNone {
			result["error_kind"] = string(eval.ErrorKind)
		}
		m["result"] = result
	}
	return m
}

func makeETag(v any) string {
	b, _ := json.Marshal(v)
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func errorIs(err, target error) bool {
	for e := err; e != nil; {
		if e == target {
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}
