package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/yaml"
)

// FileConfig represents the static manifest source configuration
type FileConfig struct {
	// Path is the manifest directory.
	Path string

	// NodeName is appended to static pod names and set as spec.nodeName.
	NodeName string

	// RescanInterval bounds how stale the snapshot can get when file
	// events are missed.
	RescanInterval time.Duration
}

// Validate validates the static manifest source configuration
func (c *FileConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("manifest path is required")
	}
	if c.NodeName == "" {
		return fmt.Errorf("node name is required")
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = 20 * time.Second
	}
	return nil
}

// fileSource turns manifest files in a directory into static pods. Every
// change (fsnotify event or rescan tick) re-reads the directory and emits
// a full snapshot; the Mux turns snapshots into adds, updates and
// deletes, so removing a file deletes its pod.
type fileSource struct {
	config  FileConfig
	updates chan<- PodUpdate
	logger  *zap.Logger
}

// NewFileSource creates a static manifest pod source
func NewFileSource(config FileConfig, updates chan<- PodUpdate, logger *zap.Logger) (*fileSource, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if updates == nil {
		return nil, fmt.Errorf("updates channel is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &fileSource{
		config:  config,
		updates: updates,
		logger:  logger.Named("file_source"),
	}, nil
}

// Run watches the manifest directory until ctx is cancelled.
func (s *fileSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	watching := false
	if err := watcher.Add(s.config.Path); err != nil {
		s.logger.Warn("Manifest directory not watchable, relying on rescans",
			zap.String("path", s.config.Path),
			zap.Error(err),
		)
	} else {
		watching = true
	}

	s.logger.Info("Starting static pod source",
		zap.String("path", s.config.Path),
		zap.Duration("rescan_interval", s.config.RescanInterval),
	)

	if !s.rescan(ctx) {
		return ctx.Err()
	}

	ticker := time.NewTicker(s.config.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			if !manifestEvent(ev) {
				continue
			}
			if !s.rescan(ctx) {
				return ctx.Err()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			s.logger.Warn("File watcher error", zap.Error(err))

		case <-ticker.C:
			if !watching {
				if err := watcher.Add(s.config.Path); err == nil {
					s.logger.Info("Manifest directory now watched", zap.String("path", s.config.Path))
					watching = true
				}
			}
			if !s.rescan(ctx) {
				return ctx.Err()
			}
		}
	}
}

// manifestEvent filters out events, like chmod, that cannot change the
// pod set.
func manifestEvent(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

// rescan reads every manifest and pushes a full snapshot.
func (s *fileSource) rescan(ctx context.Context) bool {
	select {
	case s.updates <- PodUpdate{Op: OpSet, Pods: s.readManifests(), Source: FileSource}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *fileSource) readManifests() []*corev1.Pod {
	entries, err := os.ReadDir(s.config.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read manifest directory",
				zap.String("path", s.config.Path),
				zap.Error(err),
			)
		}
		return nil
	}

	var pods []*corev1.Pod
	sources := make(map[types.UID]string)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		path := filepath.Join(s.config.Path, entry.Name())
		pod, err := s.parseManifest(path)
		if err != nil {
			s.logger.Warn("Skipping manifest",
				zap.String("file", path),
				zap.Error(err),
			)
			continue
		}
		if prev, ok := sources[pod.UID]; ok {
			s.logger.Warn("Skipping duplicate static pod manifest",
				zap.String("file", path),
				zap.String("duplicate_of", prev),
			)
			continue
		}
		sources[pod.UID] = path
		pods = append(pods, pod)
	}
	return pods
}

func (s *fileSource) parseManifest(path string) (*corev1.Pod, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	pod := &corev1.Pod{}
	if err := yaml.Unmarshal(raw, pod); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if pod.Kind != "" && pod.Kind != "Pod" {
		return nil, fmt.Errorf("manifest is a %s, not a Pod", pod.Kind)
	}
	if pod.Name == "" {
		return nil, fmt.Errorf("manifest has no metadata.name")
	}
	if len(pod.Spec.Containers) == 0 {
		return nil, fmt.Errorf("manifest has no containers")
	}

	s.applyDefaults(pod)
	return pod, nil
}

// applyDefaults fills in what the API server would have defaulted and
// pins the static pod identity: the name gets a node suffix so mirrors
// from different nodes cannot collide, and the UID is a hash of the
// manifest content so an edited file shows up as a new pod.
func (s *fileSource) applyDefaults(pod *corev1.Pod) {
	if pod.Namespace == "" {
		pod.Namespace = metav1.NamespaceDefault
	}
	if pod.Spec.RestartPolicy == "" {
		pod.Spec.RestartPolicy = corev1.RestartPolicyAlways
	}
	pod.Name = pod.Name + "-" + strings.ToLower(s.config.NodeName)
	pod.Spec.NodeName = s.config.NodeName

	hash := configHash(pod)
	pod.UID = types.UID(hash)
	if pod.Annotations == nil {
		pod.Annotations = make(map[string]string)
	}
	pod.Annotations[ConfigSourceAnnotationKey] = FileSource
	pod.Annotations[ConfigHashAnnotationKey] = hash
}

// manifestHashConfig dumps nested structs by value so pointer fields
// hash by content.
var manifestHashConfig = spew.ConfigState{
	Indent:         " ",
	SortKeys:       true,
	DisableMethods: true,
	SpewKeys:       true,
}

// configHash is a stable identity for a static pod manifest: identical
// content parses to the same UID across restarts and across files.
func configHash(pod *corev1.Pod) string {
	h := fnv.New128a()
	manifestHashConfig.Fprintf(h, "%#v", pod)
	return hex.EncodeToString(h.Sum(nil))
}
