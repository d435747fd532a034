package ipfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryPinner keeps pinned content in process. CIDs are derived from the
// sha256 of the content, so identical content yields the same CID.
type MemoryPinner struct {
	mu      sync.RWMutex
	gateway string
	content map[string][]byte
	now     func() time.Time
}

func NewMemoryPinner(gateway string) *MemoryPinner {
	if gateway == "" {
		gateway = "memory://ipfs/"
	}
	return &MemoryPinner{
		gateway: gateway,
		content: make(map[string][]byte),
		now:     time.Now,
	}
}

func contentCID(data []byte) string {
	sum := sha256.Sum256(data)
	return "bafy" + hex.EncodeToString(sum[:])[:52]
}

func (m *MemoryPinner) Pin(_ context.Context, data []byte, _ string) (*Pin, error) {
	cid := contentCID(data)
	m.mu.Lock()
	m.content[cid] = append([]byte(nil), data...)
	m.mu.Unlock()
	return &Pin{CID: cid, Size: int64(len(data)), URL: m.GatewayURL(cid), Timestamp: m.now()}, nil
}

func (m *MemoryPinner) PinJSON(ctx context.Context, v interface{}, name string) (*Pin, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal pin content")
	}
	return m.Pin(ctx, raw, name)
}

func (m *MemoryPinner) Unpin(_ context.Context, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[cid]; !ok {
		return ErrNotPinned
	}
	delete(m.content, cid)
	return nil
}

func (m *MemoryPinner) Verify(_ context.Context, cid string) (*Verification, error) {
	m.mu.RLock()
	data, ok := m.content[cid]
	m.mu.RUnlock()
	if !ok {
		return &Verification{CID: cid, StatusCode: http.StatusNotFound}, nil
	}
	return &Verification{
		CID:           cid,
		Accessible:    true,
		ContentType:   http.DetectContentType(data),
		ContentLength: int64(len(data)),
		StatusCode:    http.StatusOK,
	}, nil
}

// Content returns the pinned bytes for cid.
func (m *MemoryPinner) Content(cid string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.content[cid]
	return data, ok
}

func (m *MemoryPinner) GatewayURL(cid string) string {
	if cid == "" {
		return ""
	}
	return m.gateway + cid
}
