package sandbox

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	appErr "kadai/pkg/errors"
	"kadai/pkg/utils/logger"
)

// CreateContainer creates (but does not start) a container and returns
// its id. Networking is always disabled.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	conf := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		User:       cfg.User,
		WorkingDir: cfg.WorkDir,
	}
	host := &container.HostConfig{
		NetworkMode:  "none",
		CgroupParent: cfg.CgroupParent,
		GroupAdd:     cfg.GroupAdd,
		Mounts:       buildMounts(cfg.Mounts),
		Resources:    buildResources(cfg.MemoryMB, cfg.StackKB, cfg.PidsLimit, cfg.CpusetCPUs),
	}

	resp, err := c.docker.ContainerCreate(ctx, conf, host, nil, nil, "")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxCreateFailed, "create container failed")
	}
	logger.Debug(ctx, "container created",
		zap.String("container_id", resp.ID), zap.String("image", cfg.Image))
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return appErr.Wrapf(err, appErr.SandboxStartFailed, "start container failed")
	}
	logger.Debug(ctx, "container started", zap.String("container_id", containerID))
	return nil
}

// Exec runs a command inside a running container and waits for it. When
// the command outlives the timeout the whole container is killed and
// the result carries TimedOut with exit code -1. The peak-memory
// sampler covers the exec window.
func (c *Client) Exec(ctx context.Context, cfg ExecConfig) (ExecResult, error) {
	if len(cfg.Argv) == 0 {
		return ExecResult{ExitCode: -1}, appErr.New(appErr.SandboxExecFailed).WithMessage("exec argv is empty")
	}

	execID, err := c.docker.ContainerExecCreate(ctx, cfg.ContainerID, container.ExecOptions{
		Cmd:          cfg.Argv,
		User:         cfg.User,
		WorkingDir:   cfg.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxExecFailed, "create exec failed")
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxExecFailed, "attach exec failed")
	}
	defer attach.Close()

	sampler := startMemorySampler(ctx, c, cfg.ContainerID, cfg.CgroupParent)
	defer sampler.Stop()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()

	start := time.Now()
	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	result := ExecResult{}
	select {
	case err := <-copied:
		result.TimeMS = time.Since(start).Milliseconds()
		if err != nil && err != io.EOF {
			return ExecResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxExecFailed, "read exec output failed")
		}
	case <-timer.C:
		result.TimeMS = time.Since(start).Milliseconds()
		if err := c.killContainer(ctx, cfg.ContainerID); err != nil {
			logger.Warn(ctx, "kill container after exec timeout failed",
				zap.String("container_id", cfg.ContainerID), zap.Error(err))
		}
		// Killing the container closes the hijacked stream.
		<-copied
		result.ExitCode = -1
		result.TimedOut = true
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.MemoryKB = sampler.Stop()
		return result, nil
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{ExitCode: -1}, appErr.Wrapf(err, appErr.SandboxExecFailed, "inspect exec failed")
	}

	result.ExitCode = int64(inspect.ExitCode)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.MemoryKB = sampler.Stop()
	return result, nil
}

// CopyFile copies one host file into a directory inside a container,
// preserving the basename. The container does not have to be running.
func (c *Client) CopyFile(ctx context.Context, containerID, hostPath, containerDir string) error {
	archive, err := tarFiles([]string{hostPath})
	if err != nil {
		return err
	}
	if err := c.docker.CopyToContainer(ctx, containerID, containerDir, archive, container.CopyToContainerOptions{}); err != nil {
		return appErr.Wrapf(err, appErr.SandboxCopyFailed, "copy %s into container failed", hostPath)
	}
	logger.Debug(ctx, "file copied",
		zap.String("container_id", containerID),
		zap.String("host_path", hostPath),
		zap.String("container_dir", containerDir))
	return nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return appErr.Wrapf(err, appErr.SandboxRemoveFailed, "remove container %s failed", containerID)
	}
	logger.Debug(ctx, "container removed", zap.String("container_id", containerID))
	return nil
}

func (c *Client) killContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return appErr.Wrapf(err, appErr.SandboxExecFailed, "kill container failed")
	}
	return nil
}

func buildMounts(mounts []Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.VolumeName,
			Target:   m.Path,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

func buildResources(memMB, stackKB, pidsLimit int64, cpuset string) container.Resources {
	res := container.Resources{CpusetCpus: cpuset}
	if memMB > 0 {
		res.Memory = memMB << 20
		// Swap equals memory so the task cannot page its way around
		// the limit.
		res.MemorySwap = res.Memory
	}
	switch {
	case stackKB > 0:
		res.Ulimits = append(res.Ulimits, &units.Ulimit{Name: "stack", Soft: stackKB * 1024, Hard: stackKB * 1024})
	case stackKB < 0:
		res.Ulimits = append(res.Ulimits, &units.Ulimit{Name: "stack", Soft: -1, Hard: -1})
	}
	if pidsLimit > 0 {
		limit := pidsLimit
		res.PidsLimit = &limit
	}
	return res
}
