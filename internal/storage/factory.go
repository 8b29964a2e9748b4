package storage

import (
	"context"
	"strings"

	appconfig "github.com/fedutinova/smartlabel/internal/config"
)

// NewArchive builds the archive selected by ARCHIVE_MODE. Mode "none"
// returns a nil Archive and no error.
func NewArchive(ctx context.Context, cfg appconfig.Config) (Archive, error) {
	switch cfg.ArchiveMode {
	case "s3", "aws", "localstack":
		return NewS3Archive(ctx, cfg)
	case "local", "filesystem":
		return NewLocalArchive(cfg.LocalArchiveDir)
	default:
		return nil, nil
	}
}

func ArchiveType(cfg appconfig.Config) string {
	switch cfg.ArchiveMode {
	case "s3", "aws", "localstack":
		if isLocalStack(cfg.S3Endpoint) {
			return "LocalStack S3"
		}
		return "AWS S3"
	case "local", "filesystem":
		return "Local Filesystem"
	default:
		return "disabled"
	}
}

func isLocalStack(endpoint string) bool {
	return endpoint != "" && (strings.Contains(endpoint, "localstack") || strings.Contains(endpoint, "4566"))
}
