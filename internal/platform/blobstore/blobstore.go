// Package blobstore holds uploaded record attachments. Content is hashed on
// the way in so the record service can anchor the digest.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// DefaultMaxSize is the attachment limit when none is configured (20 MB).
const DefaultMaxSize = 20 * 1024 * 1024

// AllowedContentTypes lists the attachment types a record may carry.
var AllowedContentTypes = map[string]bool{
	"application/pdf":   true,
	"image/png":         true,
	"image/jpeg":        true,
	"image/dicom":       true,
	"application/dicom": true,
	"text/plain":        true,
}

// Metadata describes a stored attachment.
type Metadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the attachment storage contract.
type Store interface {
	Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error)
	Get(ctx context.Context, id string) (io.ReadCloser, *Metadata, error)
	Delete(ctx context.Context, id string) error
}

// prepare validates meta, reads content within maxSize and fills in the
// derived fields.
func prepare(meta Metadata, content io.Reader, maxSize int64) (Metadata, []byte, error) {
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}
	data, err := io.ReadAll(io.LimitReader(content, maxSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > maxSize {
		return meta, nil, ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	meta.ID = uuid.NewString()
	meta.Size = int64(len(data))
	meta.Hash = hex.EncodeToString(sum[:])
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

// Memory is a thread-safe in-memory Store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	maxSize int64
	blobs   map[string]memoryBlob
}

type memoryBlob struct {
	meta    Metadata
	content []byte
}

func NewMemory(maxSize int64) *Memory {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Memory{maxSize: maxSize, blobs: make(map[string]memoryBlob)}
}

func (s *Memory) Put(_ context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.blobs[meta.ID] = memoryBlob{meta: meta, content: data}
	s.mu.Unlock()
	return &meta, nil
}

func (s *Memory) Get(_ context.Context, id string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.meta
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

var blobIDPattern = regexp.MustCompile(`^[0-9a-f-]{36}$`)

// Dir stores each attachment as <id>.bin next to an <id>.json metadata file.
type Dir struct {
	root    string
	maxSize int64
}

func NewDir(root string, maxSize int64) (*Dir, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create document dir %s: %w", root, err)
	}
	return &Dir{root: root, maxSize: maxSize}, nil
}

func (s *Dir) paths(id string) (string, string, error) {
	if !blobIDPattern.MatchString(id) {
		return "", "", ErrBlobNotFound
	}
	return filepath.Join(s.root, id+".bin"), filepath.Join(s.root, id+".json"), nil
}

func (s *Dir) Put(_ context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	binPath, metaPath, _ := s.paths(meta.ID)
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(binPath, data, 0o640); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	if err := os.WriteFile(metaPath, raw, 0o640); err != nil {
		os.Remove(binPath)
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	return &meta, nil
}

func (s *Dir) Get(_ context.Context, id string) (io.ReadCloser, *Metadata, error) {
	binPath, metaPath, err := s.paths(id)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("decode metadata: %w", err)
	}
	f, err := os.Open(binPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open document: %w", err)
	}
	return f, &meta, nil
}

func (s *Dir) Delete(_ context.Context, id string) error {
	binPath, metaPath, err := s.paths(id)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	} else if err != nil {
		return fmt.Errorf("remove metadata: %w", err)
	}
	if err := os.Remove(binPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove document: %w", err)
	}
	return nil
}

// ReadAll fetches an attachment fully into memory.
func ReadAll(ctx context.Context, s Store, id string) ([]byte, *Metadata, error) {
	rc, meta, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("read document: %w", err)
	}
	return data, meta, nil
}
