// Package httpserver contains HTTP handlers and middleware.
//
// It provides the submission gateway's REST API: submitting evaluations,
// reading status and listings, cancelling in-flight work, and streaming
// lifecycle events. The package follows clean architecture principles and
// provides a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/coderunner/evalplatform/internal/config"
	"github.com/coderunner/evalplatform/internal/domain"
	obsctx "github.com/coderunner/evalplatform/internal/observability"
	"github.com/coderunner/evalplatform/internal/service/ratelimiter"
	"github.com/coderunner/evalplatform/internal/usecase"
)

// ProbeFunc is a single dependency reachability check, used by /readyz.
type ProbeFunc func(ctx context.Context) error

// Server wires the submission gateway's usecases and dependency probes to
// HTTP handlers (§4.F).
type Server struct {
	Cfg      config.Config
	Evaluate usecase.EvaluateService
	Results  usecase.ResultService
	Bus      domain.EventBus

	StoreCheck     ProbeFunc
	BrokerCheck    ProbeFunc
	BusCheck       ProbeFunc
	SubstrateCheck ProbeFunc

	// RateLimiter enforces the per-client submission quota (§6 "429 over
	// quota"), on top of the router's per-IP httprate limit. Nil disables
	// it (Allow fails open).
	RateLimiter *ratelimiter.RedisLuaLimiter
}

// clientKey derives the rate limiter's bucket key for a request. There is
// no authentication in this API (§1 non-goal), so the client's address is
// the only identity available.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type submitRequestBody struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	Priority       string `json:"priority"`
	TimeoutMS      int64  `json:"timeout_ms"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SubmitHandler implements POST /eval (§6).
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		s.RateLimiter.SetBucketConfig(key, ratelimiter.NewBucketConfigFromPerMinute(s.Cfg.RateLimitPerMin))
		if allowed, retryAfter, err := s.RateLimiter.Allow(r.Context(), key, 1); err == nil && !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeError(w, r, fmt.Errorf("%w: submission quota exceeded", domain.ErrRateLimited), nil)
			return
		}

		var body submitRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed request body", domain.ErrInvalidArgument), nil)
			return
		}

		// Only NUL bytes and invalid UTF-8 are stripped: the code is otherwise
		// kept byte for byte, so the size check below sees what was submitted.
		body.Code = strings.ToValidUTF8(strings.ReplaceAll(body.Code, "\x00", ""), "")
		if strings.TrimSpace(body.Code) == "" {
			writeError(w, r, fmt.Errorf("%w: code is required", domain.ErrInvalidArgument), nil)
			return
		}
		if int64(len(body.Code)) > s.Cfg.MaxCodeBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
				Code:    "PAYLOAD_TOO_LARGE",
				Message: fmt.Sprintf("code exceeds %d bytes", s.Cfg.MaxCodeBytes),
			}})
			return
		}
		if !allowedLanguage(s.Cfg.AllowedLanguages, body.Language) {
			writeError(w, r, fmt.Errorf("%w: unsupported language %q", domain.ErrInvalidArgument, body.Language), nil)
			return
		}

		priority := domain.Priority(body.Priority)
		if priority == "" {
			priority = domain.PriorityNormal
		}
		if !domain.ValidPriority(priority) {
			writeError(w, r, fmt.Errorf("%w: invalid priority %q", domain.ErrInvalidArgument, body.Priority), nil)
			return
		}

		timeoutMS := body.TimeoutMS
		if timeoutMS <= 0 {
			timeoutMS = s.Cfg.MaxTimeoutMS
		}
		if timeoutMS > s.Cfg.MaxTimeoutMS {
			timeoutMS = s.Cfg.MaxTimeoutMS
		}

		req := usecase.SubmitRequest{
			Code:           body.Code,
			Language:       body.Language,
			Priority:       priority,
			TimeoutMS:      timeoutMS,
			IdempotencyKey: body.IdempotencyKey,
			TraceID:        obsctx.RequestIDFromContext(r.Context()),
		}

		res, err := s.Evaluate.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"eval_id":        res.EvalID,
			"queue_position": res.QueuePosition,
		})
	}
}

func allowedLanguage(allowed []string, lang string) bool {
	for _, a := range allowed {
		if a == lang {
			return true
		}
	}
	return false
}

// GetEvalHandler implements GET /eval/{id} (§6).
func (s *Server) GetEvalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evalID := SanitizeEvalID(chi.URLParam(r, "id"))
		if res := ValidateEvalID(evalID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, res.Errors[0].Message), nil)
			return
		}

		ifNoneMatch := r.Header.Get("If-None-Match")
		status, body, etag, err := s.Results.Fetch(r.Context(), evalID, ifNoneMatch)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		if status == http.StatusNotModified {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, body)
	}
}

// ListEvalHandler implements GET /eval (§6).
func (s *Server) ListEvalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := q.Get("status")
		if res := ValidateStatus(status); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, res.Errors[0].Message), nil)
			return
		}

		limit := 50
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 200 {
				writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 200", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}

		items, next, err := s.Results.List(r.Context(), domain.ListFilter{Status: domain.Status(status)}, q.Get("cursor"), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": next})
	}
}

// CancelHandler implements POST /eval/{id}/cancel (§6, §4.F).
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evalID := SanitizeEvalID(chi.URLParam(r, "id"))
		if res := ValidateEvalID(evalID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, res.Errors[0].Message), nil)
			return
		}

		if err := s.Evaluate.Cancel(r.Context(), evalID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// lifecycleChannels are the distinct bus channels a full event stream must
// fan in from (§3, §4.A): one per EventKind.Channel() value.
var lifecycleChannels = []string{
	string(domain.EventQueued.Channel()),
	string(domain.EventAssigned.Channel()),
	string(domain.EventRunning.Channel()),
	string(domain.EventSucceeded.Channel()), // == EventFailed.Channel(), "evaluation.completed"
	string(domain.EventCancelled.Channel()),
	string(domain.EventTimedOut.Channel()),
}

// EventsHandler implements GET /events as Server-Sent Events: a single-writer
// cooperative stream, fanned in from every lifecycle channel and torn down
// by client-driven cancellation (§4.F).
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filterEvalID := r.URL.Query().Get("eval_id")
		ctx := r.Context()

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		merged := make(chan domain.LifecycleEvent, 64)
		var wg sync.WaitGroup
		for _, channel := range lifecycleChannels {
			events, errs, err := s.Bus.Subscribe(ctx, channel)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			wg.Add(1)
			go func(events <-chan domain.LifecycleEvent, errs <-chan error) {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case err, ok := <-errs:
						if !ok {
							return
						}
						obsctx.LoggerFromContext(ctx).Warn("event stream subscription error", "error", err)
						return
					case event, ok := <-events:
						if !ok {
							return
						}
						select {
						case merged <- event:
						case <-ctx.Done():
							return
						}
					}
				}
			}(events, errs)
		}
		go func() { wg.Wait(); close(merged) }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-merged:
				if !ok {
					return
				}
				if filterEvalID != "" && event.EvalID != filterEvalID {
					continue
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

// HealthzHandler implements GET /healthz: a liveness probe reporting the
// process is up and serving, independent of dependency reachability.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// ReadyzHandler implements GET /readyz: readiness gated on the reachability
// of every dependency the gateway needs to serve traffic correctly (§6).
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		checks := map[string]ProbeFunc{
			"store":     s.StoreCheck,
			"broker":    s.BrokerCheck,
			"bus":       s.BusCheck,
			"substrate": s.SubstrateCheck,
		}

		var mu sync.Mutex
		results := make(map[string]any, len(checks))
		allOK := true

		var wg sync.WaitGroup
		for name, check := range checks {
			if check == nil {
				continue
			}
			wg.Add(1)
			go func(name string, check ProbeFunc) {
				defer wg.Done()
				err := check(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					allOK = false
					results[name] = map[string]any{"ok": false, "error": err.Error()}
					return
				}
				results[name] = map[string]any{"ok": true}
			}(name, check)
		}
		wg.Wait()

		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": allOK, "checks": results})
	}
}
