package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
)

const (
	cgroupRoot = "/sys/fs/cgroup"

	// samplePeriod is short on purpose: short-lived tasks can peak and
	// exit within a few milliseconds.
	samplePeriod = time.Millisecond

	// statsPeriod is the cadence of the daemon-API fallback. One-shot
	// stats calls are far more expensive than a cgroup file read.
	statsPeriod = 50 * time.Millisecond

	// cgroupProbeLimit caps how many ticks the sampler spends looking
	// for the cgroup file before falling back to the stats API.
	cgroupProbeLimit = 200
)

// memorySampler tracks the peak memory usage of one container while it
// runs. It prefers reading memory.current from the container's cgroup
// and falls back to the daemon stats API when the cgroup file never
// shows up (remote daemon, unexpected driver layout).
type memorySampler struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once

	// peakBytes is written only by the sampling goroutine; Stop reads
	// it after done is closed.
	peakBytes int64
}

func startMemorySampler(ctx context.Context, cli *Client, containerID, cgroupParent string) *memorySampler {
	s := &memorySampler{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(ctx, cli, containerID, cgroupParent)
	return s
}

// Stop ends sampling and returns the observed peak in KB. It is safe to
// call more than once.
func (s *memorySampler) Stop() int64 {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return s.peakBytes / 1024
}

func (s *memorySampler) run(ctx context.Context, cli *Client, containerID, cgroupParent string) {
	defer close(s.done)

	candidates := cgroupMemoryPaths(cgroupParent, containerID)
	ticker := time.NewTicker(samplePeriod)
	defer ticker.Stop()

	var path string
	probes := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if path == "" {
			for _, p := range candidates {
				if _, err := os.Stat(p); err == nil {
					path = p
					break
				}
			}
			if path == "" {
				probes++
				if probes >= cgroupProbeLimit {
					s.runStats(ctx, cli, containerID)
					return
				}
				continue
			}
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			// The container may have exited already.
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}
		if v > s.peakBytes {
			s.peakBytes = v
		}
	}
}

func (s *memorySampler) runStats(ctx context.Context, cli *Client, containerID string) {
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := cli.docker.ContainerStatsOneShot(ctx, containerID)
		if err != nil {
			continue
		}
		var stats container.StatsResponse
		err = json.NewDecoder(resp.Body).Decode(&stats)
		resp.Body.Close()
		if err != nil {
			continue
		}
		if v := int64(stats.MemoryStats.Usage); v > s.peakBytes {
			s.peakBytes = v
		}
	}
}

// cgroupMemoryPaths returns the candidate memory.current locations for
// both the systemd and the plain cgroupfs driver layouts.
func cgroupMemoryPaths(parent, containerID string) []string {
	if parent == "" {
		return []string{
			filepath.Join(cgroupRoot, "system.slice", "docker-"+containerID+".scope", "memory.current"),
			filepath.Join(cgroupRoot, "docker", containerID, "memory.current"),
		}
	}
	return []string{
		filepath.Join(cgroupRoot, parent, "docker-"+containerID+".scope", "memory.current"),
		filepath.Join(cgroupRoot, parent, containerID, "memory.current"),
	}
}
