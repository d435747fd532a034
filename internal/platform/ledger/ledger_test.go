package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleAnchor(n string) Anchor {
	return Anchor{
		RecordID:    "rec-" + n,
		PatientRef:  "patient-chain-id",
		DoctorRef:   "DOC-BBBB-2222",
		CID:         "bafy" + n,
		ContentHash: strings.Repeat("a", 64),
	}
}

func TestLedger_AnchorAndLookup(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.Anchor(ctx, sampleAnchor("1"))
	if err != nil {
		t.Fatalf("Anchor() error: %v", err)
	}
	if !strings.HasPrefix(tx, "0x") || len(tx) != 66 {
		t.Errorf("unexpected tx format %q", tx)
	}

	entry, err := l.Lookup(ctx, tx)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if entry.Height != 1 || entry.PrevTx != "" {
		t.Errorf("unexpected first entry: %+v", entry)
	}
	if entry.RecordID != "rec-1" || entry.DoctorRef != "DOC-BBBB-2222" {
		t.Errorf("anchor fields not preserved: %+v", entry.Anchor)
	}
}

func TestLedger_ChainLinks(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx1, _ := l.Anchor(ctx, sampleAnchor("1"))
	tx2, _ := l.Anchor(ctx, sampleAnchor("2"))
	if tx1 == tx2 {
		t.Fatal("expected distinct tx references")
	}

	second, err := l.Lookup(ctx, tx2)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if second.PrevTx != tx1 {
		t.Errorf("expected entry 2 to link to %s, got %s", tx1, second.PrevTx)
	}

	h, _ := l.Height()
	if h != 2 {
		t.Errorf("expected height 2, got %d", h)
	}
	n, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 verified entries, got %d", n)
	}
}

func TestLedger_LookupUnknown(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Lookup(context.Background(), "0xdeadbeef"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound, got %v", err)
	}
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.Anchor(ctx, sampleAnchor("1"))
	l.Anchor(ctx, sampleAnchor("2"))

	entry, _ := l.entryAt(1)
	entry.CID = "bafytampered"
	raw, _ := json.Marshal(entry)
	if err := l.db.Put(entryKey(1), raw, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	n, err := l.Verify(ctx)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 verified entries before the break, got %d", n)
	}
}

func TestLedger_ReopenKeepsKeyAndChain(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	tx, _ := l.Anchor(ctx, sampleAnchor("1"))
	pub1, _ := l.PublicKeyPEM()
	l.Close()

	l, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer l.Close()

	pub2, _ := l.PublicKeyPEM()
	if pub1 != pub2 {
		t.Error("expected signing key to persist across reopen")
	}
	if _, err := l.Lookup(ctx, tx); err != nil {
		t.Errorf("expected tx to survive reopen: %v", err)
	}
	if n, err := l.Verify(ctx); err != nil || n != 1 {
		t.Errorf("Verify() = %d, %v", n, err)
	}
}

func TestLedger_CancelledContext(t *testing.T) {
	l := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Anchor(ctx, sampleAnchor("1")); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestDisabled(t *testing.T) {
	if _, err := (Disabled{}).Anchor(context.Background(), sampleAnchor("1")); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}
