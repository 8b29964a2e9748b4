// Package storage archives finished job results outside the registry,
// which only keeps records for REGISTRY_TTL.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error)
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
}

type UploadResult struct {
	Key string
	URL string
}

// ResultKey is where the result of jobID completed at `at` is archived.
func ResultKey(jobID string, at time.Time) string {
	return fmt.Sprintf("results/%s/%s.json", at.UTC().Format("2006/01/02"), jobID)
}

// contentTypeOf returns declared, or the type sniffed from data when the
// caller did not declare one.
func contentTypeOf(declared string, data []byte) string {
	if declared != "" {
		return declared
	}
	return mimetype.Detect(data).String()
}
