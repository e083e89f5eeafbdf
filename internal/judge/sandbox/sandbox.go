// Package sandbox runs untrusted submission code inside Docker. It
// exposes three capability groups: named volumes for staging files,
// long-running containers with exec support for builds, and one-shot
// tasks with resource accounting for judged runs.
package sandbox

import (
	"context"
	"time"
)

// Runtime is the pipeline-facing surface of the container layer.
// Volumes are identified by name and containers by id, so callers never
// hold live handles.
type Runtime interface {
	// CreateVolume creates a fresh named volume and returns its name.
	CreateVolume(ctx context.Context) (string, error)

	// StageFiles copies host files into a volume, preserving basenames.
	StageFiles(ctx context.Context, cfg StageConfig) error

	// RemoveVolume force-removes a volume.
	RemoveVolume(ctx context.Context, volumeName string) error

	// CreateContainer creates (but does not start) a container and
	// returns its id.
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// Exec runs one command inside a running container and waits for it.
	Exec(ctx context.Context, cfg ExecConfig) (ExecResult, error)

	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, containerID string) error

	// RunTask runs one command in a fresh one-shot container.
	RunTask(ctx context.Context, cfg TaskConfig) (TaskResult, error)
}

// Mount attaches a named volume to a container path.
type Mount struct {
	VolumeName string
	Path       string
	ReadOnly   bool
}

// StageConfig names the volume to populate and the host files to copy
// into its root. Image must exist locally; a throwaway container of it
// carries the copy.
type StageConfig struct {
	VolumeName string
	Image      string
	HostPaths  []string
}

// ContainerConfig describes a long-running container. Zero resource
// fields mean unlimited; StackKB of -1 requests an explicitly unlimited
// stack.
type ContainerConfig struct {
	Image        string
	Cmd          []string
	User         string
	GroupAdd     []string
	WorkDir      string
	CgroupParent string
	CpusetCPUs   string
	MemoryMB     int64
	StackKB      int64
	PidsLimit    int64
	Mounts       []Mount
}

// ExecConfig describes one command run inside an existing container.
// CgroupParent must match the value the container was created with so
// the memory sampler can find its cgroup.
type ExecConfig struct {
	ContainerID  string
	Argv         []string
	User         string
	WorkDir      string
	CgroupParent string
	Timeout      time.Duration
}

// TaskConfig describes a one-shot execution. Timeout is the soft limit
// used for TLE classification; the container is killed at Timeout plus
// a 500ms grace window.
type TaskConfig struct {
	Image        string
	Argv         []string
	Stdin        string
	User         string
	GroupAdd     []string
	WorkDir      string
	CgroupParent string
	Timeout      time.Duration
	MemoryMB     int64
	StackKB      int64
	PidsLimit    int64
	Mounts       []Mount
}

// ExecResult is the outcome of running a command inside an existing
// container. TimedOut is set when the exec outlived its deadline and
// the container was killed; ExitCode is -1 in that case.
type ExecResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
	TimeMS   int64
	MemoryKB int64
	TimedOut bool
}

// TaskResult is the outcome of a one-shot task. MemoryKB is the peak
// resident set observed by the sampler while the task lived.
type TaskResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
	TimeMS   int64
	MemoryKB int64
	TLE      bool
	MLE      bool
}

// wallGrace is added to the task timeout before the runtime-layer kill.
const wallGrace = 500 * time.Millisecond

// ExceedsMemoryLimit reports whether a peak of memoryKB breaks a limit
// of memMB. One MiB of slack absorbs sampler jitter. A non-positive
// limit never trips.
func ExceedsMemoryLimit(memoryKB, memMB int64) bool {
	if memMB <= 0 {
		return false
	}
	return memoryKB*1024+1<<20 > memMB*1<<20
}
