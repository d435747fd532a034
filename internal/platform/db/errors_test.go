package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/healthsecure/healthsecure/internal/platform/apperr"
)

func TestTranslate(t *testing.T) {
	other := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"nil", nil, ""},
		{"no rows", pgx.ErrNoRows, apperr.KindNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), apperr.KindNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, apperr.KindConflict},
		{"fk", &pgconn.PgError{Code: "23503"}, ""},
		{"other", other, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.err, "grant")
			if apperr.KindOf(got) != tt.want {
				t.Errorf("kind = %q, want %q", apperr.KindOf(got), tt.want)
			}
		})
	}
	if Translate(other, "grant") != other {
		t.Error("unrelated errors must pass through unchanged")
	}
	if apperr.Reason(Translate(pgx.ErrNoRows, "grant")) != "grant not found" {
		t.Error("unexpected reason")
	}
}
