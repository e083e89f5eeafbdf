package sandbox

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	appErr "kadai/pkg/errors"
	"kadai/pkg/utils/logger"
)

// killDrainTimeout bounds how long RunTask waits for the daemon to
// report an exit after a SIGKILL.
const killDrainTimeout = 5 * time.Second

// RunTask runs one command in a fresh one-shot container and waits for
// it to finish. The container is force-removed before RunTask returns.
//
// Limit violations are not errors: the result carries TLE when the
// process was killed at the wall deadline or its run time exceeded the
// configured timeout, and MLE when the sampled peak crosses the memory
// limit. A non-nil error means the runtime layer itself failed and the
// result is meaningless.
func (c *Client) RunTask(ctx context.Context, cfg TaskConfig) (TaskResult, error) {
	if len(cfg.Argv) == 0 {
		return TaskResult{ExitCode: -1}, appErr.New(appErr.SandboxExecFailed).WithMessage("task argv is empty")
	}

	withStdin := cfg.Stdin != ""
	conf := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Argv,
		User:       cfg.User,
		WorkingDir: cfg.WorkDir,
		OpenStdin:  withStdin,
		StdinOnce:  withStdin,
	}
	host := &container.HostConfig{
		NetworkMode:  "none",
		CgroupParent: cfg.CgroupParent,
		GroupAdd:     cfg.GroupAdd,
		Mounts:       buildMounts(cfg.Mounts),
		Resources:    buildResources(cfg.MemoryMB, cfg.StackKB, cfg.PidsLimit, ""),
	}

	created, err := c.docker.ContainerCreate(ctx, conf, host, nil, nil, "")
	if err != nil {
		return TaskResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxCreateFailed, "create task container failed")
	}
	id := created.ID
	defer func() {
		if err := c.docker.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn(ctx, "remove task container failed",
				zap.String("container_id", id), zap.Error(err))
		}
	}()

	attach, err := c.docker.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  withStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return TaskResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxExecFailed, "attach task container failed")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()
	if withStdin {
		go func() {
			if _, err := attach.Conn.Write([]byte(cfg.Stdin)); err != nil {
				logger.Warn(ctx, "write task stdin failed",
					zap.String("container_id", id), zap.Error(err))
			}
			if err := attach.CloseWrite(); err != nil {
				logger.Warn(ctx, "close task stdin failed",
					zap.String("container_id", id), zap.Error(err))
			}
		}()
	}

	sampler := startMemorySampler(ctx, c, id, cfg.CgroupParent)
	defer sampler.Stop()

	statusCh, errCh := c.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	if err := c.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return TaskResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxStartFailed, "start task container failed")
	}

	start := time.Now()
	timer := time.NewTimer(cfg.Timeout + wallGrace)
	defer timer.Stop()

	var (
		exitCode int64
		killed   bool
	)
	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
		if err := <-copied; err != nil && err != io.EOF {
			return TaskResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxExecFailed, "read task output failed")
		}
	case err := <-errCh:
		return TaskResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxWaitFailed, "wait task container failed")
	case <-timer.C:
		killed = true
		if err := c.docker.ContainerKill(ctx, id, "SIGKILL"); err != nil {
			logger.Warn(ctx, "kill task container at wall deadline failed",
				zap.String("container_id", id), zap.Error(err))
		}
		exitCode = -1
		drain := time.NewTimer(killDrainTimeout)
		defer drain.Stop()
		select {
		case status := <-statusCh:
			exitCode = status.StatusCode
		case <-errCh:
		case <-drain.C:
		}
		// The kill tears down the attached stream; a copy error here
		// is expected and the partial output is still useful.
		<-copied
	}
	elapsed := time.Since(start).Milliseconds()

	result := TaskResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimeMS:   elapsed,
		MemoryKB: sampler.Stop(),
	}
	result.TLE = killed || elapsed > cfg.Timeout.Milliseconds()
	result.MLE = ExceedsMemoryLimit(result.MemoryKB, cfg.MemoryMB)
	return result, nil
}
