package wasi

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// prepareMounts maps a container's volume mounts onto pre-opened WASI
// directories. Only emptyDir and hostPath volumes have a filesystem
// representation a module can mount.
func (p *Provider) prepareMounts(pod *corev1.Pod, container *corev1.Container) ([]wasm.Mount, error) {
	if len(container.VolumeMounts) == 0 {
		return nil, nil
	}

	volumes := make(map[string]corev1.Volume, len(pod.Spec.Volumes))
	for _, v := range pod.Spec.Volumes {
		volumes[v.Name] = v
	}

	mounts := make([]wasm.Mount, 0, len(container.VolumeMounts))
	for _, vm := range container.VolumeMounts {
		volume, ok := volumes[vm.Name]
		if !ok {
			return nil, fmt.Errorf("volume %q not found in pod spec", vm.Name)
		}

		hostPath, err := p.volumePath(pod, volume)
		if err != nil {
			return nil, err
		}
		if vm.SubPath != "" {
			hostPath = filepath.Join(hostPath, vm.SubPath)
			if err := os.MkdirAll(hostPath, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create subpath for volume %q: %w", vm.Name, err)
			}
		}

		mounts = append(mounts, wasm.Mount{
			HostPath:  hostPath,
			GuestPath: vm.MountPath,
			ReadOnly:  vm.ReadOnly,
		})
	}

	return mounts, nil
}

func (p *Provider) volumePath(pod *corev1.Pod, volume corev1.Volume) (string, error) {
	switch {
	case volume.EmptyDir != nil:
		dir := filepath.Join(p.config.DataDir, "pods", string(pod.UID), "volumes", volume.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create emptyDir volume %q: %w", volume.Name, err)
		}
		return dir, nil
	case volume.HostPath != nil:
		return hostPathDir(volume)
	default:
		return "", fmt.Errorf("unsupported volume type for %q: wasm pods mount emptyDir and hostPath", volume.Name)
	}
}

func hostPathDir(volume corev1.Volume) (string, error) {
	path := volume.HostPath.Path

	var hostPathType corev1.HostPathType
	if volume.HostPath.Type != nil {
		hostPathType = *volume.HostPath.Type
	}

	switch hostPathType {
	case corev1.HostPathUnset:
		return path, nil
	case corev1.HostPathDirectoryOrCreate:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("failed to create hostPath %q: %w", path, err)
		}
		return path, nil
	case corev1.HostPathDirectory:
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("hostPath %q: %w", path, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("hostPath %q is not a directory", path)
		}
		return path, nil
	default:
		return "", fmt.Errorf("unsupported hostPath type %q: modules mount directories only", hostPathType)
	}
}

// buildEnv collects literal environment variables. ValueFrom sources are
// not resolved for wasm pods.
func (p *Provider) buildEnv(container *corev1.Container) map[string]string {
	if len(container.Env) == 0 {
		return nil
	}

	env := make(map[string]string, len(container.Env))
	for _, v := range container.Env {
		if v.ValueFrom != nil {
			p.logger.Warn("Skipping env var with unsupported source",
				zap.String("container", container.Name),
				zap.String("name", v.Name),
			)
			continue
		}
		env[v.Name] = v.Value
	}
	return env
}

// memoryLimitPages converts the container memory limit to 64 KiB wasm
// pages, clamped to the wasm32 addressable range.
func memoryLimitPages(container *corev1.Container) uint32 {
	limit, ok := container.Resources.Limits[corev1.ResourceMemory]
	if !ok {
		return 0
	}
	bytes := limit.Value()
	if bytes <= 0 {
		return 0
	}

	pages := bytes / 65536
	if pages < 1 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}

// podDeadline returns the pod's active deadline, applied to each run as an
// execution bound.
func podDeadline(pod *corev1.Pod) time.Duration {
	if pod.Spec.ActiveDeadlineSeconds == nil {
		return 0
	}
	return time.Duration(*pod.Spec.ActiveDeadlineSeconds) * time.Second
}
