package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fedutinova/smartlabel/internal/common"
)

type LocalArchive struct {
	baseDir string
}

func NewLocalArchive(baseDir string) (*LocalArchive, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchive{baseDir: baseDir}, nil
}

func (s *LocalArchive) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", common.ValidationError{Field: "key", Message: "escapes archive directory"}
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *LocalArchive) Put(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error) {
	filePath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	contentType = contentTypeOf(contentType, data)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory structure: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	slog.Debug("result archived locally", "key", key, "path", filePath, "size", len(data), "content_type", contentType)
	return &UploadResult{Key: key, URL: "file://" + filepath.ToSlash(filePath)}, nil
}

func (s *LocalArchive) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	filePath, err := s.path(key)
	if err != nil {
		return nil, "", err
	}
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", common.WrapNotFound(key, err)
		}
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}

	contentType := "application/octet-stream"
	if filepath.Ext(key) == ".json" {
		contentType = "application/json"
	}
	return file, contentType, nil
}
