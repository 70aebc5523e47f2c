package binarydata

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// FSStore keeps payloads on local disk, sharded by the first two digest
// characters to keep directories small.
type FSStore struct {
	dir    string
	logger logger.Logger
}

func NewFSStore(dir string, log logger.Logger) (*FSStore, error) {
	if dir == "" {
		dir = "data/binary"
	}
	if log == nil {
		log = logger.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FSStore{dir: dir, logger: log}, nil
}

func (s *FSStore) Put(ctx context.Context, data []byte, meta Meta) (*workflow.BinaryRef, error) {
	key := digestKey(data)
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	// Content addressing makes rewrites of identical data free.
	if _, err := os.Stat(path); err == nil {
		return newRef(key, len(data), meta), nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write payload: %w", err)
	}

	s.logger.Debug("Stored binary payload", "key", key, "size", len(data))
	return newRef(key, len(data), meta), nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}

func (s *FSStore) path(key string) (string, error) {
	if len(key) < 3 {
		return "", fmt.Errorf("invalid binary key: %q", key)
	}
	return filepath.Join(s.dir, key[:2], key+".gz"), nil
}
