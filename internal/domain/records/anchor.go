package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/blobstore"
	"github.com/healthsecure/healthsecure/internal/platform/ipfs"
	"github.com/healthsecure/healthsecure/internal/platform/ledger"
)

// Step names one stage of anchoring a record.
type Step string

const (
	StepPinDocument Step = "pin_document"
	StepPinMetadata Step = "pin_metadata"
	StepLedger      Step = "ledger_anchor"
	StepStoreRefs   Step = "store_refs"
)

// StepOutcome is the result of one stage. A skipped stage did not run.
type StepOutcome struct {
	Step    Step
	Skipped bool
	Ref     string
	Err     error
}

// AnchorResult reports what anchoring a record achieved. Failures here
// never affect the record itself.
type AnchorResult struct {
	RecordID    uuid.UUID
	DocumentCID string
	MetadataCID string
	AnchorTx    string
	Steps       []StepOutcome
	Duration    time.Duration
}

// OK reports whether no stage failed.
func (r *AnchorResult) OK() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return false
		}
	}
	return true
}

// Err returns the first stage failure.
func (r *AnchorResult) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", s.Step, s.Err)
		}
	}
	return nil
}

func (r *AnchorResult) record(step Step, ref string, err error) {
	r.Steps = append(r.Steps, StepOutcome{Step: step, Ref: ref, Err: err})
}

func (r *AnchorResult) skip(step Step) {
	r.Steps = append(r.Steps, StepOutcome{Step: step, Skipped: true})
}

type AnchorObserver interface {
	AnchorFinished(ctx context.Context, res *AnchorResult)
}

type AnchorObserverFunc func(ctx context.Context, res *AnchorResult)

func (f AnchorObserverFunc) AnchorFinished(ctx context.Context, res *AnchorResult) { f(ctx, res) }

// LogObserver logs each anchoring result.
func LogObserver(logger zerolog.Logger) AnchorObserver {
	return AnchorObserverFunc(func(_ context.Context, res *AnchorResult) {
		ev := logger.Info()
		if !res.OK() {
			ev = logger.Warn().Err(res.Err())
		}
		ev.Str("record_id", res.RecordID.String()).
			Str("document_cid", res.DocumentCID).
			Str("metadata_cid", res.MetadataCID).
			Str("anchor_tx", res.AnchorTx).
			Dur("duration", res.Duration).
			Msg("record anchoring finished")
	})
}

// anchorJob carries what the background job needs, resolved while the
// request was still running.
type anchorJob struct {
	record     *authz.Record
	patientRef string
	doctorRef  string
}

// contentHash is the digest anchored in the ledger: the attachment's
// sha256, or the record content's when there is no attachment.
func contentHash(r *authz.Record) string {
	if r.Document != nil && r.Document.SHA256 != "" {
		return r.Document.SHA256
	}
	sum := sha256.Sum256([]byte(string(r.Kind) + "|" + r.Diagnosis + "|" + r.Notes))
	return hex.EncodeToString(sum[:])
}

func (s *Service) anchor(ctx context.Context, job anchorJob) *AnchorResult {
	start := time.Now()
	rec := job.record
	res := &AnchorResult{RecordID: rec.ID}

	if rec.Document == nil {
		res.skip(StepPinDocument)
	} else {
		data, meta, err := blobstore.ReadAll(ctx, s.blobs, rec.Document.BlobID)
		if err == nil {
			var pin *ipfs.Pin
			pin, err = s.pinner.Pin(ctx, data, meta.FileName)
			if err == nil {
				res.DocumentCID = pin.CID
			}
		}
		res.record(StepPinDocument, res.DocumentCID, err)
	}

	metadata := map[string]interface{}{
		"type":         "medical_record",
		"record_id":    rec.ID.String(),
		"record_type":  rec.Kind,
		"patient_ref":  job.patientRef,
		"doctor_ref":   job.doctorRef,
		"content_hash": contentHash(rec),
		"document_cid": res.DocumentCID,
		"created_at":   rec.CreatedAt.Format(time.RFC3339),
	}
	pin, err := s.pinner.PinJSON(ctx, metadata, "record-"+rec.ID.String())
	if err == nil {
		res.MetadataCID = pin.CID
	}
	res.record(StepPinMetadata, res.MetadataCID, err)

	if res.MetadataCID == "" {
		res.skip(StepLedger)
	} else {
		tx, err := s.anchorer.Anchor(ctx, ledger.Anchor{
			RecordID:    rec.ID.String(),
			PatientRef:  job.patientRef,
			DoctorRef:   job.doctorRef,
			CID:         res.MetadataCID,
			ContentHash: contentHash(rec),
		})
		switch {
		case errors.Is(err, ledger.ErrDisabled):
			res.skip(StepLedger)
		default:
			if err == nil {
				res.AnchorTx = tx
			}
			res.record(StepLedger, tx, err)
		}
	}

	refs := ExternalRefs{
		DocumentCID: nonEmpty(res.DocumentCID),
		MetadataCID: nonEmpty(res.MetadataCID),
		AnchorTx:    nonEmpty(res.AnchorTx),
	}
	if refs == (ExternalRefs{}) {
		res.skip(StepStoreRefs)
	} else {
		res.record(StepStoreRefs, "", s.repo.SetExternalRefs(ctx, rec.ID, refs))
	}

	res.Duration = time.Since(start)
	return res
}

func nonEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// scheduleAnchor runs anchoring in the background with its own deadline.
func (s *Service) scheduleAnchor(job anchorJob) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.anchorTimeout)
		defer cancel()
		res := s.anchor(ctx, job)
		s.observer.AnchorFinished(ctx, res)
	}()
}
