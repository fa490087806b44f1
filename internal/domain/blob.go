package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader fetches objects. Missing objects yield ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// EpochReport is the archived record of a finished epoch.
type EpochReport struct {
	Epoch       Epoch        `json:"epoch"`
	Matches     []Match      `json:"matches"`
	Settlements []Settlement `json:"settlements"`
}

// EpochArchiver moves finished epoch reports to cold storage.
type EpochArchiver interface {
	ArchiveEpoch(ctx context.Context, epochID string) (string, error)
	Report(ctx context.Context, epochID string) (EpochReport, error)
}
