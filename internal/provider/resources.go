package provider

import (
	"context"
	"strconv"
	"strings"

	"github.com/muxden/muxden/pkg/volume"
)

// ProbeUnixResources measures a remote host with standard unix tooling. Used
// by backends whose platform exposes no resource API.
func ProbeUnixResources(ctx context.Context, runner volume.CommandRunner) (*HostResources, error) {
	res := &HostResources{}

	out, _, code, err := runner.RunCommand(ctx, []string{"nproc"}, nil)
	if err != nil {
		return nil, err
	}
	if code == 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
			res.CPUs = n
		}
	}

	out, _, code, err = runner.RunCommand(ctx, []string{"sh", "-c",
		"awk '/MemTotal/ {print $2 * 1024}' /proc/meminfo"}, nil)
	if err != nil {
		return nil, err
	}
	if code == 0 {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); err == nil {
			res.MemoryBytes = n
		}
	}

	// POSIX df reports 512-byte blocks with -P; ask for 1K explicitly.
	out, _, code, err = runner.RunCommand(ctx, []string{"sh", "-c",
		"df -kP / | awk 'NR==2 {print $2 * 1024}'"}, nil)
	if err != nil {
		return nil, err
	}
	if code == 0 {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); err == nil {
			res.DiskBytes = n
		}
	}
	return res, nil
}
