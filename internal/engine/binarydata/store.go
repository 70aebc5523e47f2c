package binarydata

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/config"
	"github.com/docflow-go/pkg/logger"
)

var ErrNotFound = errors.New("binary data not found")

// Meta describes a stored payload.
type Meta struct {
	FileName string
	MimeType string
}

// Store holds node payloads too large to travel inline through the
// graph. Payloads are content-addressed by blake2b digest and stored
// gzip-compressed.
type Store interface {
	Put(ctx context.Context, data []byte, meta Meta) (*workflow.BinaryRef, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by configuration.
func New(cfg config.StorageConfig, log logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSStore(cfg.Dir, log)
	case "s3":
		return NewS3Store(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func digestKey(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newRef(key string, size int, meta Meta) *workflow.BinaryRef {
	return &workflow.BinaryRef{
		Key:      key,
		FileName: meta.FileName,
		MimeType: meta.MimeType,
		Size:     int64(size),
		Digest:   key,
	}
}
