package fixtures

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/wasmlet/wasmlet/pkg/registry"
)

// Registry is a plain-HTTP distribution v2 endpoint backed by maps. It
// serves single-layer wasm images the way wasm-to-oci pushes them.
type Registry struct {
	mu        sync.Mutex
	manifests map[string][]byte
	blobs     map[digest.Digest][]byte
	server    *httptest.Server
}

// NewRegistry starts a registry that is torn down with the test.
func NewRegistry(t *testing.T) *Registry {
	t.Helper()
	r := &Registry{
		manifests: make(map[string][]byte),
		blobs:     make(map[digest.Digest][]byte),
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

// Host returns the host:port clients should use as the registry part of an
// image reference.
func (r *Registry) Host() string {
	u, _ := url.Parse(r.server.URL)
	return u.Host
}

// AddModule publishes module bytes under repo:tag and returns the full
// image reference for a container spec.
func (r *Registry) AddModule(t *testing.T, repo, tag string, module []byte) string {
	t.Helper()

	moduleDigest := digest.Canonical.FromBytes(module)
	config := []byte("{}")

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: registry.MediaTypeWasmConfig,
			Digest:    digest.Canonical.FromBytes(config),
			Size:      int64(len(config)),
		},
		Layers: []ocispec.Descriptor{
			{
				MediaType: registry.MediaTypeWasmLayer,
				Digest:    moduleDigest,
				Size:      int64(len(module)),
			},
		},
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[moduleDigest] = module
	r.blobs[digest.Canonical.FromBytes(config)] = config
	r.manifests[repo+"/manifests/"+tag] = body
	r.manifests[repo+"/manifests/"+digest.Canonical.FromBytes(body).String()] = body

	return r.Host() + "/" + repo + ":" + tag
}

func (r *Registry) handle(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case strings.Contains(req.URL.Path, "/manifests/"):
		key := strings.TrimPrefix(req.URL.Path, "/v2/")
		body, ok := r.manifests[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", digest.Canonical.FromBytes(body).String())
		w.Write(body)
	case strings.Contains(req.URL.Path, "/blobs/"):
		parts := strings.Split(req.URL.Path, "/blobs/")
		dgst, err := digest.Parse(parts[1])
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		blob, ok := r.blobs[dgst]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(blob)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
