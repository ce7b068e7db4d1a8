package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRegistry is a minimal distribution v2 endpoint backed by maps.
type fakeRegistry struct {
	t *testing.T

	manifests map[string]fakeManifest // keyed by repo/<tag or digest>
	blobs     map[digest.Digest][]byte

	// failBefore serves this many 500s before answering normally
	failBefore atomic.Int32

	// bearer auth configuration; empty realm disables auth
	token    string
	username string
	password string

	manifestHits atomic.Int32
	blobHits     atomic.Int32
	tokenHits    atomic.Int32

	server *httptest.Server
}

type fakeManifest struct {
	mediaType string
	body      []byte
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	fr := &fakeRegistry{
		t:         t,
		manifests: make(map[string]fakeManifest),
		blobs:     make(map[digest.Digest][]byte),
	}
	fr.server = httptest.NewServer(http.HandlerFunc(fr.handle))
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRegistry) host() string {
	u, err := url.Parse(fr.server.URL)
	require.NoError(fr.t, err)
	return u.Host
}

func (fr *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		fr.tokenHits.Add(1)
		if fr.username != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != fr.username || pass != fr.password {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q,"expires_in":300}`, fr.token)
		return
	}

	if fr.token != "" {
		if r.Header.Get("Authorization") != "Bearer "+fr.token {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer realm="%s/token",service="test-registry",scope="repository:hello-wasm:pull"`, fr.server.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	switch {
	case strings.Contains(r.URL.Path, "/manifests/"):
		fr.manifestHits.Add(1)
	case strings.Contains(r.URL.Path, "/blobs/"):
		fr.blobHits.Add(1)
	}

	if fr.failBefore.Load() > 0 {
		fr.failBefore.Add(-1)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch {
	case strings.Contains(r.URL.Path, "/manifests/"):
		key := strings.TrimPrefix(r.URL.Path, "/v2/")
		m, ok := fr.manifests[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Docker-Content-Digest", digest.Canonical.FromBytes(m.body).String())
		w.Write(m.body)
	case strings.Contains(r.URL.Path, "/blobs/"):
		parts := strings.Split(r.URL.Path, "/blobs/")
		dgst, err := digest.Parse(parts[1])
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		blob, ok := fr.blobs[dgst]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(blob)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// addModuleImage registers a single-layer wasm image under repo:tag and
// returns the module bytes' digest.
func (fr *fakeRegistry) addModuleImage(repo, tag string, module []byte) digest.Digest {
	moduleDigest := digest.Canonical.FromBytes(module)
	fr.blobs[moduleDigest] = module

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: MediaTypeWasmConfig,
			Digest:    digest.Canonical.FromBytes([]byte("{}")),
			Size:      2,
		},
		Layers: []ocispec.Descriptor{
			{
				MediaType: MediaTypeWasmLayer,
				Digest:    moduleDigest,
				Size:      int64(len(module)),
			},
		},
	}
	body, err := json.Marshal(manifest)
	require.NoError(fr.t, err)

	fr.manifests[repo+"/manifests/"+tag] = fakeManifest{mediaType: ocispec.MediaTypeImageManifest, body: body}
	manifestDigest := digest.Canonical.FromBytes(body)
	fr.manifests[repo+"/manifests/"+manifestDigest.String()] = fakeManifest{mediaType: ocispec.MediaTypeImageManifest, body: body}
	return moduleDigest
}

func newTestClient(t *testing.T, fr *fakeRegistry, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		PlainHTTP:      []string{fr.host()},
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestResolve_ByTag(t *testing.T) {
	fr := newFakeRegistry(t)
	module := []byte("\x00asm\x01\x00\x00\x00")
	moduleDigest := fr.addModuleImage("hello-wasm", "v1", module)

	client := newTestClient(t, fr, nil)

	res, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm:v1")
	require.NoError(t, err)

	assert.Equal(t, fr.host(), res.Repository.Registry)
	assert.Equal(t, "hello-wasm", res.Repository.Name)
	assert.Equal(t, moduleDigest, res.Module.Digest)
	assert.Equal(t, int64(len(module)), res.Module.Size)
	assert.NotEmpty(t, res.Digest)
}

func TestResolve_ByDigest(t *testing.T) {
	fr := newFakeRegistry(t)
	fr.addModuleImage("hello-wasm", "v1", []byte("module-bytes"))

	manifestDigest := digest.Canonical.FromBytes(fr.manifests["hello-wasm/manifests/v1"].body)
	client := newTestClient(t, fr, nil)

	res, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm@"+manifestDigest.String())
	require.NoError(t, err)
	assert.Equal(t, manifestDigest, res.Digest)
}

func TestResolve_DigestMismatch(t *testing.T) {
	fr := newFakeRegistry(t)
	fr.addModuleImage("hello-wasm", "v1", []byte("module-bytes"))

	// Ask for a digest the served body will not hash to
	bogus := digest.Canonical.FromBytes([]byte("different-content"))
	fr.manifests["hello-wasm/manifests/"+bogus.String()] = fr.manifests["hello-wasm/manifests/v1"]

	client := newTestClient(t, fr, nil)

	_, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm@"+bogus.String())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	var digestErr *DigestError
	require.ErrorAs(t, err, &digestErr)
	assert.Equal(t, bogus, digestErr.Expected)
}

func TestResolve_IndexFiltering(t *testing.T) {
	fr := newFakeRegistry(t)
	moduleDigest := fr.addModuleImage("hello-wasm", "per-platform", []byte("module-bytes"))
	wasmManifestDigest := digest.Canonical.FromBytes(fr.manifests["hello-wasm/manifests/per-platform"].body)

	index := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    digest.Canonical.FromBytes([]byte("linux-amd64-manifest")),
				Platform:  &ocispec.Platform{Architecture: "amd64", OS: "linux"},
			},
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    wasmManifestDigest,
				Platform:  &ocispec.Platform{Architecture: "wasm32", OS: "wasi"},
			},
		},
	}
	body, err := json.Marshal(index)
	require.NoError(t, err)
	fr.manifests["hello-wasm/manifests/multi"] = fakeManifest{mediaType: ocispec.MediaTypeImageIndex, body: body}

	client := newTestClient(t, fr, nil)

	res, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm:multi")
	require.NoError(t, err)
	assert.Equal(t, wasmManifestDigest, res.Digest)
	assert.Equal(t, moduleDigest, res.Module.Digest)
}

func TestResolve_IndexWithoutWasmEntry(t *testing.T) {
	fr := newFakeRegistry(t)

	index := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    digest.Canonical.FromBytes([]byte("linux-amd64-manifest")),
				Platform:  &ocispec.Platform{Architecture: "amd64", OS: "linux"},
			},
		},
	}
	body, err := json.Marshal(index)
	require.NoError(t, err)
	fr.manifests["native/manifests/v1"] = fakeManifest{mediaType: ocispec.MediaTypeImageIndex, body: body}

	client := newTestClient(t, fr, nil)

	_, err = client.Resolve(t.Context(), fr.host()+"/native:v1")
	assert.ErrorIs(t, err, ErrNoWasmModule)
}

func TestResolve_NoWasmLayer(t *testing.T) {
	fr := newFakeRegistry(t)

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.Canonical.FromBytes([]byte("{}")),
		},
		Layers: []ocispec.Descriptor{
			{
				MediaType: ocispec.MediaTypeImageLayerGzip,
				Digest:    digest.Canonical.FromBytes([]byte("rootfs")),
			},
			{
				MediaType: ocispec.MediaTypeImageLayerGzip,
				Digest:    digest.Canonical.FromBytes([]byte("app")),
			},
		},
	}
	body, err := json.Marshal(manifest)
	require.NoError(t, err)
	fr.manifests["native/manifests/v1"] = fakeManifest{mediaType: ocispec.MediaTypeImageManifest, body: body}

	client := newTestClient(t, fr, nil)

	_, err = client.Resolve(t.Context(), fr.host()+"/native:v1")
	assert.ErrorIs(t, err, ErrNoWasmModule)
}

func TestResolve_NotFoundIsTerminal(t *testing.T) {
	fr := newFakeRegistry(t)
	client := newTestClient(t, fr, nil)

	_, err := client.Resolve(t.Context(), fr.host()+"/missing:v1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	// Terminal errors must not be retried
	assert.Equal(t, int32(1), fr.manifestHits.Load())
}

func TestResolve_TransientErrorsRetried(t *testing.T) {
	fr := newFakeRegistry(t)
	fr.addModuleImage("hello-wasm", "v1", []byte("module-bytes"))
	fr.failBefore.Store(2)

	client := newTestClient(t, fr, nil)

	_, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm:v1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), fr.manifestHits.Load())
}

func TestResolve_RetryBudgetExhausted(t *testing.T) {
	fr := newFakeRegistry(t)
	fr.addModuleImage("hello-wasm", "v1", []byte("module-bytes"))
	fr.failBefore.Store(100)

	client := newTestClient(t, fr, nil)

	_, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm:v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), fr.manifestHits.Load())
}

func TestFetchBlob(t *testing.T) {
	fr := newFakeRegistry(t)
	module := []byte("the module contents")
	moduleDigest := fr.addModuleImage("hello-wasm", "v1", module)

	client := newTestClient(t, fr, nil)

	data, err := client.FetchBlob(t.Context(), Repository{Registry: fr.host(), Name: "hello-wasm"}, moduleDigest)
	require.NoError(t, err)
	assert.Equal(t, module, data)
}

func TestFetchBlob_DigestMismatch(t *testing.T) {
	fr := newFakeRegistry(t)
	corrupted := digest.Canonical.FromBytes([]byte("expected-content"))
	fr.blobs[corrupted] = []byte("tampered-content")

	client := newTestClient(t, fr, nil)

	_, err := client.FetchBlob(t.Context(), Repository{Registry: fr.host(), Name: "hello-wasm"}, corrupted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	// Integrity failures are terminal, not retried
	assert.Equal(t, int32(1), fr.blobHits.Load())
}

func TestFetchBlob_SizeLimit(t *testing.T) {
	fr := newFakeRegistry(t)
	big := make([]byte, 2048)
	bigDigest := digest.Canonical.FromBytes(big)
	fr.blobs[bigDigest] = big

	client := newTestClient(t, fr, func(cfg *Config) {
		cfg.MaxBlobSize = 1024
	})

	_, err := client.FetchBlob(t.Context(), Repository{Registry: fr.host(), Name: "hello-wasm"}, bigDigest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestBearerAuthFlow(t *testing.T) {
	fr := newFakeRegistry(t)
	fr.token = "test-token"
	fr.username = "robot"
	fr.password = "hunter2"
	fr.addModuleImage("hello-wasm", "v1", []byte("module-bytes"))

	authFile := writeAuthFile(t, fr.host(), "robot", "hunter2")
	client := newTestClient(t, fr, func(cfg *Config) {
		cfg.AuthFile = authFile
	})

	res, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm:v1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int32(1), fr.tokenHits.Load())

	// The cached token is reused for the blob fetch
	_, err = client.FetchBlob(t.Context(), res.Repository, res.Module.Digest)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fr.tokenHits.Load())
}

func TestBearerAuthFlow_BadCredentials(t *testing.T) {
	fr := newFakeRegistry(t)
	fr.token = "test-token"
	fr.username = "robot"
	fr.password = "hunter2"
	fr.addModuleImage("hello-wasm", "v1", []byte("module-bytes"))

	authFile := writeAuthFile(t, fr.host(), "robot", "wrong-password")
	client := newTestClient(t, fr, func(cfg *Config) {
		cfg.AuthFile = authFile
	})

	_, err := client.Resolve(t.Context(), fr.host()+"/hello-wasm:v1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 15*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, int64(512<<20), cfg.MaxBlobSize)
	assert.Equal(t, "wasmlet", cfg.UserAgent)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"server error", &HTTPError{StatusCode: 503}, true},
		{"too many requests", &HTTPError{StatusCode: 429}, true},
		{"not found", &HTTPError{StatusCode: 404}, false},
		{"unauthorized", &HTTPError{StatusCode: 401}, false},
		{"digest mismatch", &DigestError{}, false},
		{"wrapped server error", fmt.Errorf("fetch: %w", &HTTPError{StatusCode: 500}), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}
