package chunkfile

import (
	"path"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
)

// Object names inside a chunk's storage directory.
const (
	DataObject     = "blocks.chunk"
	ManifestObject = "manifest.json"
)

// ObjectKey returns the storage key of the data object of id under prefix.
func ObjectKey(prefix string, id chunk.ID) string {
	return path.Join(prefix, id.RangeString(), DataObject)
}

// ManifestKey returns the storage key of the manifest of id under prefix.
func ManifestKey(prefix string, id chunk.ID) string {
	return path.Join(prefix, id.RangeString(), ManifestObject)
}
