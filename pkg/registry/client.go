// Package registry implements a pull-only client for the OCI distribution
// HTTP API, used to resolve image references to wasm module manifests and
// fetch module blobs. Content is digest-verified before it is returned;
// transient failures are retried with exponential backoff while
// authorization failures, missing content and digest mismatches surface
// immediately.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/wasmlet/wasmlet/pkg/observability"
)

const (
	tracerName = "wasmlet.registry"

	// dockerHubAPIHost is the real API endpoint behind docker.io references.
	dockerHubAPIHost = "registry-1.docker.io"

	// maxManifestBytes bounds manifest bodies; real manifests are a few KB.
	maxManifestBytes = 4 << 20
)

// Config holds configuration for the registry client.
type Config struct {
	// AuthFile is a docker-style config file holding registry credentials.
	AuthFile string

	// PlainHTTP lists registries reached over plain HTTP, for local
	// development registries.
	PlainHTTP []string

	// Timeout bounds manifest and token requests. Blob downloads are
	// bounded by the caller's context instead.
	Timeout time.Duration

	// RetryAttempts is the total number of tries for transient failures.
	RetryAttempts int

	// RetryBaseDelay is the first backoff interval.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff interval.
	RetryMaxDelay time.Duration

	// MaxBlobSize bounds module blob downloads.
	MaxBlobSize int64

	// UserAgent is sent with every request.
	UserAgent string
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 4
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.MaxBlobSize == 0 {
		c.MaxBlobSize = 512 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "wasmlet"
	}
	return nil
}

// Client is a pull-only OCI distribution client.
type Client struct {
	config     Config
	httpClient *http.Client
	creds      *credentialStore
	tokens     *tokenCache
	plainHTTP  map[string]bool
	logger     *zap.Logger
}

// New creates a registry client.
func New(config Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}

	creds, err := loadCredentials(config.AuthFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry credentials: %w", err)
	}

	plain := make(map[string]bool, len(config.PlainHTTP))
	for _, host := range config.PlainHTTP {
		plain[host] = true
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{},
		creds:      creds,
		tokens:     newTokenCache(),
		plainHTTP:  plain,
		logger:     logger,
	}, nil
}

// Resolve resolves an image reference (tag or digest form) to a concrete
// wasm module manifest. The returned resolution carries the verified
// manifest digest and the descriptor of the module layer.
func (c *Client) Resolve(ctx context.Context, ref string) (*Resolution, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "registry.resolve")
	defer span.End()
	observability.AddSpanAttributes(ctx, attribute.String("image.ref", ref))

	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference %q: %w", ref, err)
	}
	named = reference.TagNameOnly(named)

	repo := Repository{
		Registry: apiHost(reference.Domain(named)),
		Name:     reference.Path(named),
	}

	var target string
	var want digest.Digest
	if canonical, ok := named.(reference.Canonical); ok {
		want = canonical.Digest()
		target = want.String()
	} else if tagged, ok := named.(reference.NamedTagged); ok {
		target = tagged.Tag()
	}

	body, mediaType, dgst, err := c.fetchManifest(ctx, repo, target, want)
	if err != nil {
		observability.RecordError(ctx, err)
		return nil, err
	}

	// Indexes point at per-platform manifests; pick the wasm entry and
	// fetch the real manifest by digest.
	if mediaType == ocispec.MediaTypeImageIndex || mediaType == MediaTypeDockerManifestList {
		var index ocispec.Index
		if err := json.Unmarshal(body, &index); err != nil {
			return nil, fmt.Errorf("failed to decode manifest index: %w", err)
		}

		desc, ok := selectIndexEntry(index)
		if !ok {
			return nil, fmt.Errorf("%w: no wasm entry in index for %s", ErrNoWasmModule, reference.FamiliarString(named))
		}

		body, mediaType, dgst, err = c.fetchManifest(ctx, repo, desc.Digest.String(), desc.Digest)
		if err != nil {
			observability.RecordError(ctx, err)
			return nil, err
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	module, ok := ModuleFromManifest(manifest)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWasmModule, reference.FamiliarString(named))
	}

	resolution := &Resolution{
		Reference:  reference.FamiliarString(named),
		Repository: repo,
		Digest:     dgst,
		MediaType:  mediaType,
		Manifest:   manifest,
		Module:     module,
		Raw:        body,
	}

	c.logger.Debug("Resolved image reference",
		zap.String("ref", resolution.Reference),
		zap.String("digest", dgst.String()),
		zap.String("module_digest", module.Digest.String()),
		zap.Int64("module_size", module.Size),
	)

	return resolution, nil
}

// FetchBlob downloads a blob and verifies it against its digest. The bytes
// are only returned when verification succeeds.
func (c *Client) FetchBlob(ctx context.Context, repo Repository, dgst digest.Digest) ([]byte, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "registry.fetch_blob")
	defer span.End()
	observability.AddSpanAttributes(ctx,
		attribute.String("repository", repo.String()),
		attribute.String("digest", dgst.String()),
	)

	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob digest %q: %w", dgst, err)
	}

	url := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(repo.Registry), repo.Name, dgst)

	var body []byte
	err := c.withRetry(ctx, "blob", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to build blob request: %w", err)
		}

		resp, err := c.do(req, repo, "blob")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &HTTPError{Operation: "fetch blob", URL: url, StatusCode: resp.StatusCode}
		}

		verifier := dgst.Verifier()
		limited := io.LimitReader(resp.Body, c.config.MaxBlobSize+1)
		data, err := io.ReadAll(io.TeeReader(limited, verifier))
		if err != nil {
			return fmt.Errorf("failed to read blob body: %w", err)
		}
		if int64(len(data)) > c.config.MaxBlobSize {
			return fmt.Errorf("blob %s exceeds the %d byte size limit", dgst, c.config.MaxBlobSize)
		}
		if !verifier.Verified() {
			return &DigestError{Expected: dgst, Actual: digest.Canonical.FromBytes(data)}
		}

		body = data
		return nil
	})
	if err != nil {
		observability.RecordError(ctx, err)
		return nil, err
	}

	observability.ImagePullBytesTotal.Add(float64(len(body)))

	c.logger.Debug("Fetched blob",
		zap.String("repository", repo.String()),
		zap.String("digest", dgst.String()),
		zap.Int("size", len(body)),
	)

	return body, nil
}

// fetchManifest retrieves one manifest body. When want is set the body must
// hash to it; otherwise the computed digest becomes the manifest digest and
// is cross-checked against the Docker-Content-Digest header when present.
func (c *Client) fetchManifest(ctx context.Context, repo Repository, target string, want digest.Digest) ([]byte, string, digest.Digest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(repo.Registry), repo.Name, target)

	var body []byte
	var mediaType string
	var dgst digest.Digest

	err := c.withRetry(ctx, "manifest", func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to build manifest request: %w", err)
		}
		req.Header.Set("Accept", strings.Join(acceptedManifestTypes, ", "))

		resp, err := c.do(req, repo, "manifest")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &HTTPError{Operation: "fetch manifest", URL: url, StatusCode: resp.StatusCode}
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
		if err != nil {
			return fmt.Errorf("failed to read manifest body: %w", err)
		}

		computed := digest.Canonical.FromBytes(data)
		if want != "" && computed != want {
			return &DigestError{Expected: want, Actual: computed}
		}
		if want == "" {
			if header := resp.Header.Get("Docker-Content-Digest"); header != "" {
				if served, err := digest.Parse(header); err == nil && served != computed {
					return &DigestError{Expected: served, Actual: computed}
				}
			}
		}

		body = data
		mediaType = resp.Header.Get("Content-Type")
		dgst = computed
		return nil
	})
	if err != nil {
		return nil, "", "", err
	}

	return body, mediaType, dgst, nil
}

// do executes a request, running the auth challenge once on a 401.
func (c *Client) do(req *http.Request, repo Repository, operation string) (*http.Response, error) {
	req.Header.Set("User-Agent", c.config.UserAgent)

	scope := fmt.Sprintf("repository:%s:pull", repo.Name)
	if token, ok := c.tokens.get(repo.Registry + "|" + scope); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", repo.Registry, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		recordRequest(operation, resp.StatusCode)
		return resp, nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	recordRequest(operation, resp.StatusCode)

	ch, err := parseChallenge(header)
	if err != nil {
		return nil, &HTTPError{Operation: operation, URL: req.URL.Redacted(), StatusCode: http.StatusUnauthorized}
	}

	retry := req.Clone(req.Context())
	switch ch.scheme {
	case "bearer":
		token, err := c.fetchToken(req.Context(), ch, repo)
		if err != nil {
			return nil, fmt.Errorf("failed to authorize with %s: %w", repo.Registry, err)
		}
		retry.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		cred, ok := c.creds.get(repo.Registry)
		if !ok {
			return nil, &HTTPError{Operation: operation, URL: req.URL.Redacted(), StatusCode: http.StatusUnauthorized}
		}
		retry.SetBasicAuth(cred.Username, cred.Password)
	default:
		return nil, &HTTPError{Operation: operation, URL: req.URL.Redacted(), StatusCode: http.StatusUnauthorized}
	}

	resp, err = c.httpClient.Do(retry)
	if err != nil {
		return nil, fmt.Errorf("authorized request to %s failed: %w", repo.Registry, err)
	}
	recordRequest(operation, resp.StatusCode)
	return resp, nil
}

// withRetry runs fn until it succeeds, fails terminally or the attempt
// budget is spent. Backoff is exponential with jitter and a cap.
func (c *Client) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	backoff := wait.Backoff{
		Duration: c.config.RetryBaseDelay,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    c.config.RetryAttempts,
		Cap:      c.config.RetryMaxDelay,
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt >= c.config.RetryAttempts {
			break
		}

		delay := backoff.Step()
		observability.RegistryRetriesTotal.WithLabelValues(operation).Inc()
		c.logger.Warn("Transient registry error, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during retry: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, c.config.RetryAttempts, lastErr)
}

// selectIndexEntry picks the index entry for a wasm runtime. Platform
// matches win over artifact type hints.
func selectIndexEntry(index ocispec.Index) (ocispec.Descriptor, bool) {
	for _, desc := range index.Manifests {
		if isWasmPlatform(desc.Platform) {
			return desc, true
		}
	}
	for _, desc := range index.Manifests {
		if desc.ArtifactType != "" && strings.Contains(desc.ArtifactType, "wasm") {
			return desc, true
		}
	}
	return ocispec.Descriptor{}, false
}

// apiHost maps reference domains to their API endpoints.
func apiHost(domain string) string {
	if domain == "docker.io" || domain == "index.docker.io" {
		return dockerHubAPIHost
	}
	return domain
}

func (c *Client) baseURL(host string) string {
	scheme := "https"
	if c.plainHTTP[host] {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

func recordRequest(operation string, code int) {
	observability.RegistryRequestsTotal.WithLabelValues(operation, strconv.Itoa(code)).Inc()
}
