package registry

import (
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Media types understood by the client beyond the OCI defaults.
const (
	// MediaTypeDockerManifest is the Docker schema 2 image manifest.
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

	// MediaTypeDockerManifestList is the Docker schema 2 manifest list.
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	// MediaTypeWasmConfig is the config media type written by wasm-to-oci.
	MediaTypeWasmConfig = "application/vnd.wasm.config.v1+json"

	// MediaTypeWasmLayer is the module layer media type written by wasm-to-oci.
	MediaTypeWasmLayer = "application/vnd.wasm.content.layer.v1+wasm"

	// MediaTypeModuleWasmLayer is the module layer media type used by the
	// solo.io wasm image spec.
	MediaTypeModuleWasmLayer = "application/vnd.module.wasm.content.layer.v1+wasm"

	// MediaTypeWasmComponentLayer is the component model layer media type.
	MediaTypeWasmComponentLayer = "application/vnd.bytecodealliance.wasm.component.layer.v0+wasm"
)

// acceptedManifestTypes is sent as the Accept header when resolving
// manifests. Order expresses preference.
var acceptedManifestTypes = []string{
	ocispec.MediaTypeImageManifest,
	MediaTypeDockerManifest,
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerManifestList,
}

// Repository identifies an image repository within a registry.
type Repository struct {
	// Registry is the host (and optional port) serving the v2 API.
	Registry string

	// Name is the repository path, e.g. "library/hello-wasm".
	Name string
}

func (r Repository) String() string {
	return r.Registry + "/" + r.Name
}

// Resolution is the outcome of resolving an image reference to a concrete
// manifest.
type Resolution struct {
	// Reference is the normalized reference that was resolved.
	Reference string

	// Repository locates the repository for subsequent blob fetches.
	Repository Repository

	// Digest is the verified digest of the manifest body.
	Digest digest.Digest

	// MediaType is the manifest media type as served by the registry.
	MediaType string

	// Manifest is the decoded image manifest.
	Manifest ocispec.Manifest

	// Module is the descriptor of the layer holding the wasm module bytes.
	Module ocispec.Descriptor

	// Raw is the manifest body exactly as served. Caching it under Digest
	// lets digest-pinned images start without touching the registry.
	Raw []byte
}

// isWasmLayer reports whether a descriptor plausibly holds wasm module
// bytes. Registries differ in which media type they record, so both the
// dedicated wasm types and annotated generic OCI layers are accepted.
func isWasmLayer(desc ocispec.Descriptor) bool {
	switch desc.MediaType {
	case MediaTypeWasmLayer, MediaTypeModuleWasmLayer, MediaTypeWasmComponentLayer:
		return true
	}
	if desc.ArtifactType != "" && strings.Contains(desc.ArtifactType, "wasm") {
		return true
	}
	if title, ok := desc.Annotations[ocispec.AnnotationTitle]; ok && strings.HasSuffix(title, ".wasm") {
		return true
	}
	return false
}

// isWasmPlatform reports whether an index entry targets a wasm runtime.
func isWasmPlatform(p *ocispec.Platform) bool {
	if p == nil {
		return false
	}
	arch := strings.ToLower(p.Architecture)
	os := strings.ToLower(p.OS)
	if arch != "wasm" && arch != "wasm32" {
		return false
	}
	return os == "wasi" || os == "wasip1" || os == "wasip2" || os == ""
}

// ModuleFromManifest picks the layer carrying the module bytes. The first
// wasm-typed layer wins; a single-layer manifest is accepted as-is since
// wasm-to-oci images carry exactly one layer.
func ModuleFromManifest(manifest ocispec.Manifest) (ocispec.Descriptor, bool) {
	for _, layer := range manifest.Layers {
		if isWasmLayer(layer) {
			return layer, true
		}
	}
	if len(manifest.Layers) == 1 && manifest.Config.MediaType == MediaTypeWasmConfig {
		return manifest.Layers[0], true
	}
	return ocispec.Descriptor{}, false
}
