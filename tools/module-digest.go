package main

import (
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// Prints the OCI digest of local wasm modules so pod manifests can pin
// images by digest instead of tag.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s MODULE.wasm [MODULE.wasm ...]\n", os.Args[0])
		os.Exit(1)
	}

	for _, path := range os.Args[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			os.Exit(1)
		}

		fmt.Printf("# %s (%d bytes)\n", path, len(data))
		fmt.Printf("%s\n\n", digest.Canonical.FromBytes(data))
	}
}
