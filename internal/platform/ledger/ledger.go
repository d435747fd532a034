// Package ledger records record anchors in an append-only, signed hash
// chain stored in LevelDB.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrTxNotFound  = errors.New("ledger transaction not found")
	ErrDisabled    = errors.New("ledger anchoring disabled")
	ErrChainBroken = errors.New("ledger chain integrity violated")
)

const (
	keyHeight   = "meta_height"
	keyPrivKey  = "meta_privkey"
	prefixEntry = "entry_"
	prefixTx    = "tx_"
)

// Anchor is what a caller asks the ledger to record.
type Anchor struct {
	RecordID    string `json:"record_id"`
	PatientRef  string `json:"patient_ref"`
	DoctorRef   string `json:"doctor_ref"`
	CID         string `json:"cid"`
	ContentHash string `json:"content_hash"`
}

// Entry is a stored, signed anchor.
type Entry struct {
	Anchor
	Height    uint64    `json:"height"`
	PrevTx    string    `json:"prev_tx"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
	Tx        string    `json:"tx"`
}

func (e *Entry) payload() []byte {
	return []byte(strings.Join([]string{
		fmt.Sprintf("%d", e.Height),
		e.PrevTx,
		e.RecordID,
		e.PatientRef,
		e.DoctorRef,
		e.CID,
		e.ContentHash,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|"))
}

func (e *Entry) txHash() string {
	sum := sha256.Sum256(append(e.payload(), []byte("|"+e.Signature)...))
	return "0x" + hex.EncodeToString(sum[:])
}

// Anchorer is the ledger collaborator used by the record service.
type Anchorer interface {
	Anchor(ctx context.Context, a Anchor) (string, error)
}

// Ledger is a LevelDB-backed Anchorer. Each entry is signed with an ECDSA
// P-256 key kept in the same database and links to its predecessor's tx.
type Ledger struct {
	mu  sync.Mutex
	db  *leveldb.DB
	key *ecdsa.PrivateKey
	now func() time.Time
}

// Open opens (or creates) a ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger at %s", path)
	}
	return newLedger(db)
}

// OpenMemory opens a ledger held entirely in memory.
func OpenMemory() (*Ledger, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory ledger")
	}
	return newLedger(db)
}

func newLedger(db *leveldb.DB) (*Ledger, error) {
	l := &Ledger{db: db, now: time.Now}
	key, err := l.ensureKey()
	if err != nil {
		db.Close()
		return nil, err
	}
	l.key = key
	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) ensureKey() (*ecdsa.PrivateKey, error) {
	raw, err := l.db.Get([]byte(keyPrivKey), nil)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, errors.New("ledger signing key is not PEM encoded")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse ledger signing key")
		}
		return key, nil
	}
	if err != leveldb.ErrNotFound {
		return nil, errors.Wrap(err, "read ledger signing key")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ledger signing key")
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "marshal ledger signing key")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := l.db.Put([]byte(keyPrivKey), pemBytes, nil); err != nil {
		return nil, errors.Wrap(err, "store ledger signing key")
	}
	return key, nil
}

// PublicKeyPEM returns the PEM-encoded verification key.
func (l *Ledger) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&l.key.PublicKey)
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func entryKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEntry, height))
}

func (l *Ledger) height() (uint64, error) {
	raw, err := l.db.Get([]byte(keyHeight), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read ledger height")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Height returns the number of anchored entries.
func (l *Ledger) Height() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height()
}

func (l *Ledger) entryAt(height uint64) (*Entry, error) {
	raw, err := l.db.Get(entryKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read entry %d", height)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrapf(err, "decode entry %d", height)
	}
	return &e, nil
}

// Anchor appends a signed entry and returns its tx reference.
func (l *Ledger) Anchor(ctx context.Context, a Anchor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := l.height()
	if err != nil {
		return "", err
	}
	prev := ""
	if h > 0 {
		last, err := l.entryAt(h)
		if err != nil {
			return "", err
		}
		prev = last.Tx
	}

	e := &Entry{
		Anchor:    a,
		Height:    h + 1,
		PrevTx:    prev,
		Timestamp: l.now().UTC(),
	}
	digest := sha256.Sum256(e.payload())
	sig, err := ecdsa.SignASN1(rand.Reader, l.key, digest[:])
	if err != nil {
		return "", errors.Wrap(err, "sign anchor")
	}
	e.Signature = hex.EncodeToString(sig)
	e.Tx = e.txHash()

	raw, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "encode entry")
	}
	heightBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBytes, e.Height)

	batch := new(leveldb.Batch)
	batch.Put(entryKey(e.Height), raw)
	batch.Put([]byte(prefixTx+e.Tx), heightBytes)
	batch.Put([]byte(keyHeight), heightBytes)
	if err := l.db.Write(batch, nil); err != nil {
		return "", errors.Wrap(err, "write entry")
	}
	return e.Tx, nil
}

// Lookup returns the entry recorded under tx.
func (l *Ledger) Lookup(_ context.Context, tx string) (*Entry, error) {
	raw, err := l.db.Get([]byte(prefixTx+tx), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read tx index")
	}
	return l.entryAt(binary.BigEndian.Uint64(raw))
}

// Verify walks the chain from the first entry and checks every link, hash
// and signature. It returns the number of verified entries.
func (l *Ledger) Verify(ctx context.Context) (uint64, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixEntry)), nil)
	defer iter.Release()

	var (
		count uint64
		prev  string
	)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return count, errors.Wrapf(err, "decode %s", iter.Key())
		}
		if e.Height != count+1 {
			return count, errors.Wrapf(ErrChainBroken, "expected height %d, found %d", count+1, e.Height)
		}
		if e.PrevTx != prev {
			return count, errors.Wrapf(ErrChainBroken, "entry %d does not link to %s", e.Height, prev)
		}
		if e.txHash() != e.Tx {
			return count, errors.Wrapf(ErrChainBroken, "entry %d hash mismatch", e.Height)
		}
		sig, err := hex.DecodeString(e.Signature)
		if err != nil {
			return count, errors.Wrapf(ErrChainBroken, "entry %d signature not hex", e.Height)
		}
		digest := sha256.Sum256(e.payload())
		if !ecdsa.VerifyASN1(&l.key.PublicKey, digest[:], sig) {
			return count, errors.Wrapf(ErrChainBroken, "entry %d signature invalid", e.Height)
		}
		prev = e.Tx
		count++
	}
	if err := iter.Error(); err != nil {
		return count, errors.Wrap(err, "iterate ledger")
	}
	return count, nil
}

// Disabled is used when anchoring is switched off.
type Disabled struct{}

func (Disabled) Anchor(context.Context, Anchor) (string, error) {
	return "", ErrDisabled
}
