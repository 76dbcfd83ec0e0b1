package storage

import "gocloud.dev/blob/memblob"

// NewMemStore creates an in-memory store. Contents vanish on Close.
func NewMemStore(prefix string) *BlobStore {
	return newBlobStore(memblob.OpenBucket(nil), "mem://", prefix)
}
