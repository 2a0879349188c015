// Package docker implements domain.ExecutionSubstrate against a local
// Docker daemon: one container per sandbox job, with cpu/memory limits,
// network isolation, a read-only rootfs and a non-root user each taken
// from the configured isolation profile. This is the production-shaped local substrate; a
// cluster-backed one would satisfy the same port without the dispatch
// worker or gateway changing.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/coderunner/evalplatform/internal/domain"
	"github.com/coderunner/evalplatform/internal/observability"
)

const labelEvalID = "evalplatform.eval_id"

// Substrate drives sandbox jobs as Docker containers.
type Substrate struct {
	cli         *client.Client
	imagePrefix string
	profiles    map[string]domain.ResourceLimits
	breaker     *circuitBreaker
	obs         *observability.IntegratedObservableClient
}

// New constructs a Substrate against the Docker daemon reachable at
// dockerHost (empty string defers to the environment's DOCKER_HOST).
// profiles maps isolation profile names to resource limits, loaded once
// from the configured SANDBOX_PROFILES_FILE.
func New(dockerHost, imagePrefix string, profiles map[string]domain.ResourceLimits) (*Substrate, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=substrate.docker.New: %w", err)
	}
	obs := observability.NewIntegratedObservableClient(
		observability.ConnectionTypeSubstrate,
		observability.OperationTypeCreateJob,
		imagePrefix,
		"evalplatform-substrate",
		5*time.Second, 1*time.Second, 30*time.Second,
	)
	return &Substrate{cli: cli, imagePrefix: imagePrefix, profiles: profiles, breaker: newCircuitBreaker(), obs: obs}, nil
}

// Close releases the underlying Docker client's connections.
func (s *Substrate) Close() error { return s.cli.Close() }

func (s *Substrate) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = 10 * time.Second
	expo.Multiplier = 2.0
	return expo
}

// CreateJob provisions and starts an isolated container labelled with
// evalID. The command runs as the container's entrypoint via the
// language-specific runtime image. timeout is not enforced by this
// substrate: the container runs until it exits or is terminated, and the
// dispatch worker's watchdog terminates a job still running after its
// timeout plus WATCHDOG_SLACK.
func (s *Substrate) CreateJob(ctx domain.Context, evalID, command, language string, timeout time.Duration, limits domain.ResourceLimits, isolationProfile string) (string, error) {
	if !s.breaker.shouldAttempt() {
		return "", fmt.Errorf("op=substrate.docker.CreateJob eval_id=%s: daemon circuit open", evalID)
	}

	if resolved, ok := s.profiles[isolationProfile]; ok {
		limits = resolved
	}

	image := fmt.Sprintf("%s-%s:latest", s.imagePrefix, language)

	networkMode := container.NetworkMode("bridge")
	if limits.NetworkDenyAll {
		networkMode = container.NetworkMode("none")
	}

	user := ""
	if limits.NonRootUser {
		user = "65534:65534" // nobody:nogroup
	}

	var containerID string
	err := s.obs.ExecuteWithMetrics(ctx, "create_job", func(opCtx context.Context) error {
		var resp container.CreateResponse
		op := func() error {
			var createErr error
			resp, createErr = s.cli.ContainerCreate(opCtx, &container.Config{
				Image:           image,
				Cmd:             []string{"sh", "-c", command},
				User:            user,
				Labels:          map[string]string{labelEvalID: evalID},
				NetworkDisabled: limits.NetworkDenyAll,
			}, &container.HostConfig{
				NetworkMode:    networkMode,
				ReadonlyRootfs: limits.ReadOnlyRoot,
				Resources: container.Resources{
					NanoCPUs: int64(limits.CPUs * 1e9),
					Memory:   limits.MemoryBytes,
				},
				AutoRemove: false,
			}, nil, nil, "")
			return createErr
		}
		if err := backoff.Retry(op, backoff.WithContext(s.backoffConfig(), opCtx)); err != nil {
			return err
		}
		if err := s.cli.ContainerStart(opCtx, resp.ID, container.StartOptions{}); err != nil {
			return err
		}
		containerID = resp.ID
		return nil
	})
	if err != nil {
		s.breaker.recordFailure()
		return "", fmt.Errorf("op=substrate.docker.CreateJob eval_id=%s: %w", evalID, err)
	}
	s.breaker.recordSuccess()
	return containerID, nil
}

// WatchJobs streams container start/die events matching labelSelector,
// translated into the substrate's lifecycle phases. It is read in its own
// goroutine feeding a buffered channel so callers never block directly on
// the Docker events stream.
func (s *Substrate) WatchJobs(ctx domain.Context, labelSelector string) (<-chan domain.SandboxLifecycleEvent, <-chan error, error) {
	out := make(chan domain.SandboxLifecycleEvent, 64)
	errs := make(chan error, 1)

	filterArgs := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", labelSelector),
		filters.Arg("event", "start"),
		filters.Arg("event", "die"),
	)
	msgs, dockerErrs := s.cli.Events(ctx, events.ListOptions{Filters: filterArgs})

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-dockerErrs:
				if !ok {
					return
				}
				if err != nil && err != io.EOF {
					select {
					case errs <- fmt.Errorf("op=substrate.docker.WatchJobs: %w", err):
					default:
					}
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				evt := domain.SandboxLifecycleEvent{JobID: msg.Actor.ID}
				switch msg.Action {
				case "start":
					evt.Phase = domain.SandboxRunning
				case "die":
					evt.Phase = terminalPhaseFromExitCode(msg.Actor.Attributes["exitCode"])
					code := parseExitCode(msg.Actor.Attributes["exitCode"])
					evt.ExitCode = &code
				default:
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs, nil
}

func terminalPhaseFromExitCode(raw string) domain.SandboxPhase {
	if parseExitCode(raw) == 0 {
		return domain.SandboxSucceeded
	}
	return domain.SandboxFailed
}

func parseExitCode(raw string) int {
	var code int
	_, _ = fmt.Sscanf(raw, "%d", &code)
	return code
}

// ReadLogs returns the demultiplexed bytes for the requested stream.
func (s *Substrate) ReadLogs(ctx domain.Context, jobID string, stream domain.LogStream) ([]byte, error) {
	var out []byte
	err := s.obs.ExecuteWithMetrics(ctx, "read_logs", func(opCtx context.Context) error {
		reader, err := s.cli.ContainerLogs(opCtx, jobID, container.LogsOptions{
			ShowStdout: stream == domain.LogStdout,
			ShowStderr: stream == domain.LogStderr,
		})
		if err != nil {
			if client.IsErrNotFound(err) {
				return domain.ErrNotFound
			}
			return err
		}
		defer reader.Close()

		var stdout, stderr strings.Builder
		if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
			return err
		}
		if stream == domain.LogStdout {
			out = []byte(stdout.String())
		} else {
			out = []byte(stderr.String())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=substrate.docker.ReadLogs job_id=%s: %w", jobID, err)
	}
	return out, nil
}

// Inspect reconfirms a job's terminal state directly, used by the
// crash-only watcher when the watch stream may have missed an event.
func (s *Substrate) Inspect(ctx domain.Context, jobID string) (domain.SandboxJobHandle, error) {
	var handle domain.SandboxJobHandle
	err := s.obs.ExecuteWithMetrics(ctx, "inspect", func(opCtx context.Context) error {
		info, err := s.cli.ContainerInspect(opCtx, jobID)
		if err != nil {
			if client.IsErrNotFound(err) {
				return domain.ErrNotFound
			}
			return err
		}

		handle = domain.SandboxJobHandle{JobID: jobID, EvalID: info.Config.Labels[labelEvalID]}
		switch {
		case info.State.Running:
			handle.Phase = domain.SandboxRunning
		case info.State.Status == "created":
			handle.Phase = domain.SandboxPending
		default:
			code := info.State.ExitCode
			handle.ExitCode = &code
			if code == 0 {
				handle.Phase = domain.SandboxSucceeded
			} else {
				handle.Phase = domain.SandboxFailed
			}
		}
		return nil
	})
	if err != nil {
		return domain.SandboxJobHandle{}, fmt.Errorf("op=substrate.docker.Inspect job_id=%s: %w", jobID, err)
	}
	return handle, nil
}

// Terminate kills and removes the container; idempotent on a
// not-found/already-removed container.
func (s *Substrate) Terminate(ctx domain.Context, jobID string) error {
	err := s.obs.ExecuteWithMetrics(ctx, "terminate", func(opCtx context.Context) error {
		if err := s.cli.ContainerKill(opCtx, jobID, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("kill: %w", err)
		}
		if err := s.cli.ContainerRemove(opCtx, jobID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("remove: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=substrate.docker.Terminate job_id=%s: %w", jobID, err)
	}
	return nil
}
