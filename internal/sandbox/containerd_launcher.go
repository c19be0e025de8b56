package sandbox

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

const (
	containerPrefix  = "exec-"
	containerWorkDir = "/workspace"
)

// containerdLauncher runs every step in a fresh container whose only
// writable mount is the workspace.
type containerdLauncher struct {
	client *Client
}

// NewContainerdLauncher wraps client and removes containers left behind by
// a previous process.
func NewContainerdLauncher(ctx context.Context, client *Client) (Launcher, error) {
	l := &containerdLauncher{client: client}
	cleaned, err := l.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}
	return l, nil
}

func (l *containerdLauncher) Name() string { return "containerd" }

func (l *containerdLauncher) WorkDir(_ *Workspace) string { return containerWorkDir }

// WorkspaceOwner hands the workspace to the container user when the
// service can chown.
func (l *containerdLauncher) WorkspaceOwner() *Owner {
	if os.Geteuid() != 0 {
		return nil
	}
	return &Owner{UID: sandboxUID, GID: sandboxUID}
}

func (l *containerdLauncher) Close() error {
	return l.client.Close()
}

// Healthy reports whether containerd is reachable.
func (l *containerdLauncher) Healthy(ctx context.Context) bool {
	return l.client.Healthy(ctx)
}

func (l *containerdLauncher) Launch(ctx context.Context, step Step) (*StepResult, error) {
	if step.Image == "" {
		return nil, fmt.Errorf("no container image for %s step", step.Stage)
	}
	profile, err := SecurityProfileFor(step.Seccomp)
	if err != nil {
		return nil, err
	}
	// Pulls happen outside the step's time limit.
	image, err := l.client.Image(ctx, step.Image)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%s%s-%s", containerPrefix, step.Stage, uuid.NewString())
	logger := log.With().Str("container_id", id).Logger()

	container, err := l.createContainer(ctx, id, image, step, profile)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	defer func() {
		if cleanErr := l.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stepCtx, cancelCause, cancelTimeout := stepContext(ctx, step.Timeout)
	defer cancelTimeout()
	defer cancelCause(nil)

	overflow := func() { cancelCause(errOutputLimit) }
	stdout := newCappedBuffer(step.MaxOutput, step.Stdout, overflow)
	stderr := newCappedBuffer(step.MaxOutput, step.Stderr, overflow)
	defer stdout.closeLive(liveDrainWait)
	defer stderr.closeLive(liveDrainWait)

	nsCtx := l.client.WithNamespace(ctx)
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(l.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Debug().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("waiting on task: %w", err)
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, fmt.Errorf("starting task: %w", err)
	}

	res := &StepResult{}
	select {
	case status := <-exitCh:
		res.Exited = true
		res.ExitCode = int(status.ExitCode())
	case <-stepCtx.Done():
		killCtx := l.client.WithNamespace(context.Background())
		if err := task.Kill(killCtx, syscall.SIGKILL, containerd.WithKillAll); err != nil {
			logger.Error().Err(err).Msg("failed to kill task")
		}
		<-exitCh
	}
	res.Duration = time.Since(start)
	if taskIO := task.IO(); taskIO != nil {
		taskIO.Wait()
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	// runc reports an OOM kill as SIGKILL; nothing else sends it to a task
	// we did not kill ourselves.
	res.OOMKilled = res.Exited && res.ExitCode == 128+int(syscall.SIGKILL)

	if err := classify(ctx, stepCtx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (l *containerdLauncher) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	step Step,
	profile SecurityProfile,
) (containerd.Container, error) {
	nsCtx := l.client.WithNamespace(ctx)

	return l.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(step.Args...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, profile)
				ApplyResourceLimits(s, step.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: containerWorkDir,
					Type:        "bind",
					Source:      step.Workspace.Root,
					Options:     []string{"rbind", "rw"},
				})

				s.Process.Cwd = containerWorkDir
				s.Process.Env = append([]string{
					"PATH=" + defaultContainerPath,
					"HOME=" + containerWorkDir,
					"TMPDIR=/tmp",
					"LANG=C.UTF-8",
				}, step.Env...)
				return nil
			},
		),
	)
}

const defaultContainerPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
