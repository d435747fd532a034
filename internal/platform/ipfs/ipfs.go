// Package ipfs pins record documents and metadata in content-addressed
// storage.
package ipfs

import (
	"context"
	"errors"
	"time"
)

var ErrNotPinned = errors.New("cid not pinned")

// Pin is the result of a successful pin.
type Pin struct {
	CID       string    `json:"cid"`
	Size      int64     `json:"size"`
	URL       string    `json:"ipfs_url"`
	Timestamp time.Time `json:"timestamp"`
}

// Verification reports whether a CID is reachable through the gateway.
type Verification struct {
	CID           string `json:"cid"`
	Accessible    bool   `json:"accessible"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
}

// Pinner is the content-storage collaborator used by the record and
// identity services.
type Pinner interface {
	Pin(ctx context.Context, data []byte, name string) (*Pin, error)
	PinJSON(ctx context.Context, v interface{}, name string) (*Pin, error)
	Unpin(ctx context.Context, cid string) error
	Verify(ctx context.Context, cid string) (*Verification, error)
	GatewayURL(cid string) string
}
