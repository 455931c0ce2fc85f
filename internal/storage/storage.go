// Package storage hosts the blob store implementations behind the
// archiver.BlobStore interface. Raw snapshot bytes land here; structured
// records live in the Postgres stores.
package storage

import "context"

// NoopBlobStore discards content. Useful for dry runs where captures are
// listed and classified but bodies are not kept.
type NoopBlobStore struct{}

// PutObject drops the data and returns an empty URI.
func (NoopBlobStore) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
