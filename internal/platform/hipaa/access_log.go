// Package hipaa persists the PHI access trail: one row per API request
// that touched a patient, a record or a grant.
package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthsecure/healthsecure/internal/platform/db"
	"github.com/healthsecure/healthsecure/internal/platform/middleware"
)

// AccessLog is one row of phi_access_log.
type AccessLog struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	AccountID  string    `json:"account_id"`
	Role       string    `json:"role"`
	Resource   string    `json:"resource"`
	HealthID   string    `json:"health_id"`
	RecordID   string    `json:"record_id"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	AccessedAt time.Time `json:"accessed_at"`
}

// FromEntry converts an audit middleware entry.
func FromEntry(e middleware.AuditEntry) *AccessLog {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &AccessLog{
		RequestID:  e.RequestID,
		AccountID:  e.UserID,
		Role:       e.UserRole,
		Resource:   e.Resource,
		HealthID:   e.HealthID,
		RecordID:   e.RecordID,
		Action:     e.Action,
		Method:     e.Method,
		Path:       e.Path,
		StatusCode: e.StatusCode,
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		AccessedAt: at,
	}
}

// Recorder writes access logs to Postgres. It implements
// middleware.AuditRecorder.
type Recorder struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool, timeout: 5 * time.Second}
}

const insertAccessLog = `
	INSERT INTO phi_access_log (
		request_id, account_id, role, resource, health_id, record_id,
		action, method, path, status_code, ip_address, user_agent, accessed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	RETURNING id`

// Log writes one entry, using the connection on ctx when there is one.
func (r *Recorder) Log(ctx context.Context, l *AccessLog) error {
	args := []any{
		l.RequestID, l.AccountID, l.Role, l.Resource, l.HealthID, l.RecordID,
		l.Action, l.Method, l.Path, l.StatusCode, l.IPAddress, l.UserAgent, l.AccessedAt,
	}
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn.QueryRow(ctx, insertAccessLog, args...).Scan(&l.ID)
	}
	if err := r.pool.QueryRow(ctx, insertAccessLog, args...).Scan(&l.ID); err != nil {
		return fmt.Errorf("phi access log: %w", err)
	}
	return nil
}

// RecordAccess runs after the response is written, so it gets its own
// deadline.
func (r *Recorder) RecordAccess(e middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.Log(ctx, FromEntry(e))
}

// ForPatient lists the most recent accesses to one patient, newest first.
func (r *Recorder) ForPatient(ctx context.Context, healthID string, limit int) ([]*AccessLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, request_id, account_id, role, resource, health_id, record_id,
		       action, method, path, status_code, ip_address, user_agent, accessed_at
		FROM phi_access_log WHERE health_id = $1
		ORDER BY accessed_at DESC, id DESC LIMIT $2`, healthID, limit)
	if err != nil {
		return nil, fmt.Errorf("phi access log: %w", err)
	}
	defer rows.Close()

	var out []*AccessLog
	for rows.Next() {
		l := &AccessLog{}
		if err := rows.Scan(&l.ID, &l.RequestID, &l.AccountID, &l.Role, &l.Resource, &l.HealthID, &l.RecordID,
			&l.Action, &l.Method, &l.Path, &l.StatusCode, &l.IPAddress, &l.UserAgent, &l.AccessedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
