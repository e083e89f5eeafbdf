package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErr "kadai/pkg/errors"
	"kadai/pkg/utils/logger"
)

const volumeNamePrefix = "volume-"

// stageDir is where helper containers mount the volume while files are
// copied in.
const stageDir = "/stage"

// CreateVolume creates a fresh named volume.
func (c *Client) CreateVolume(ctx context.Context) (string, error) {
	name := volumeNamePrefix + uuid.NewString()
	if _, err := c.docker.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxCreateFailed, "create volume failed")
	}
	logger.Debug(ctx, "volume created", zap.String("volume", name))
	return name, nil
}

// RemoveVolume deletes a volume. The force flag detaches it from any
// stopped containers still referencing it.
func (c *Client) RemoveVolume(ctx context.Context, volumeName string) error {
	if err := c.docker.VolumeRemove(ctx, volumeName, true); err != nil {
		return appErr.Wrapf(err, appErr.SandboxRemoveFailed, "remove volume %s failed", volumeName)
	}
	logger.Debug(ctx, "volume removed", zap.String("volume", volumeName))
	return nil
}

// StageFiles copies host files into the volume root, preserving
// basenames. The archive is pushed through a helper container that
// mounts the volume; the helper is created but never started.
func (c *Client) StageFiles(ctx context.Context, cfg StageConfig) error {
	if len(cfg.HostPaths) == 0 {
		return nil
	}
	archive, err := tarFiles(cfg.HostPaths)
	if err != nil {
		return err
	}

	resp, err := c.docker.ContainerCreate(ctx,
		&container.Config{Image: cfg.Image, Cmd: []string{"true"}},
		&container.HostConfig{
			NetworkMode: "none",
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: cfg.VolumeName, Target: stageDir},
			},
		},
		nil, nil, "")
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxCopyFailed, "create staging container failed")
	}
	defer func() {
		if err := c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn(ctx, "remove staging container failed",
				zap.String("container_id", resp.ID), zap.Error(err))
		}
	}()

	if err := c.docker.CopyToContainer(ctx, resp.ID, stageDir, archive, container.CopyToContainerOptions{}); err != nil {
		return appErr.Wrapf(err, appErr.SandboxCopyFailed, "copy files into volume %s failed", cfg.VolumeName)
	}
	return nil
}

// cloneSrcDir and cloneDstDir are the mount points of the source and
// destination volumes inside the clone helper container.
const (
	cloneSrcDir = "/clone/src"
	cloneDstDir = "/clone/dst"
)

// CloneConfig names the volume to duplicate and the image whose cp
// binary carries the copy.
type CloneConfig struct {
	SourceName string
	Image      string
}

// CloneVolume copies a volume's content into a fresh volume and returns
// the new name. A helper container mounts the source read-only and the
// target read-write and runs cp across them; ownership and modes
// survive the copy.
func (c *Client) CloneVolume(ctx context.Context, cfg CloneConfig) (string, error) {
	target, err := c.CreateVolume(ctx)
	if err != nil {
		return "", err
	}

	resp, err := c.docker.ContainerCreate(ctx,
		&container.Config{
			Image: cfg.Image,
			Cmd:   []string{"cp", "-a", cloneSrcDir + "/.", cloneDstDir},
		},
		&container.HostConfig{
			NetworkMode: "none",
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: cfg.SourceName, Target: cloneSrcDir, ReadOnly: true},
				{Type: mount.TypeVolume, Source: target, Target: cloneDstDir},
			},
		},
		nil, nil, "")
	if err != nil {
		c.discardVolume(ctx, target)
		return "", appErr.Wrapf(err, appErr.SandboxCopyFailed, "create clone container failed")
	}
	defer func() {
		if err := c.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn(ctx, "remove clone container failed",
				zap.String("container_id", resp.ID), zap.Error(err))
		}
	}()

	statusCh, errCh := c.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.discardVolume(ctx, target)
		return "", appErr.Wrapf(err, appErr.SandboxStartFailed, "start clone container failed")
	}
	select {
	case status := <-statusCh:
		if status.StatusCode != 0 {
			c.discardVolume(ctx, target)
			return "", appErr.New(appErr.SandboxCopyFailed).
				WithMessagef("clone of volume %s exited with code %d", cfg.SourceName, status.StatusCode)
		}
	case err := <-errCh:
		c.discardVolume(ctx, target)
		return "", appErr.Wrapf(err, appErr.SandboxWaitFailed, "wait clone container failed")
	}

	logger.Debug(ctx, "volume cloned",
		zap.String("source", cfg.SourceName), zap.String("volume", target))
	return target, nil
}

// discardVolume drops a half-built volume after a failed clone.
func (c *Client) discardVolume(ctx context.Context, name string) {
	if err := c.RemoveVolume(context.WithoutCancel(ctx), name); err != nil {
		logger.Warn(ctx, "remove discarded volume failed",
			zap.String("volume", name), zap.Error(err))
	}
}

func tarFiles(paths []string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.SandboxCopyFailed, "read %s failed", p)
		}
		hdr := &tar.Header{
			Name:    filepath.Base(p),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, appErr.Wrapf(err, appErr.SandboxCopyFailed, "write tar header failed")
		}
		if _, err := tw.Write(data); err != nil {
			return nil, appErr.Wrapf(err, appErr.SandboxCopyFailed, "write tar data failed")
		}
	}
	if err := tw.Close(); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxCopyFailed, "close tar failed")
	}
	return &buf, nil
}
