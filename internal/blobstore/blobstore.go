// Package blobstore is the BlobStore external collaborator consumed by the ingestion
// pipeline: a single fetch method returning document bytes, per spec.md §4.8/§7.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Fetch when no object exists at the given path.
var ErrNotFound = errors.New("blobstore: not found")

// Object is the byte payload and its declared content type, as handed to FormatExtractor.
type Object struct {
	Bytes    []byte
	MIMEType string
}

// BlobStore fetches the raw bytes of a document given its organization and storage path.
// The core never writes through this interface — documents are created by the external
// collaborator that owns document CRUD (spec.md §1).
type BlobStore interface {
	Fetch(ctx context.Context, orgID, path string) (Object, error)
}
