package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

const validationColumns = 8

// maxValidationRows keeps one upsert under the 65535 parameter cap.
const maxValidationRows = 8000

// RecordValidations upserts results keyed by (church_id, url) in one
// transaction. Replaying the same results converges to the same rows. A result
// for an unknown church fails with church.ErrNotFound and nothing is written.
// Duplicate pairs within one call collapse to the last occurrence because a
// single upsert may not touch a row twice.
func (s *Store) RecordValidations(ctx context.Context, results []church.ValidationResult) error {
	results = dedupeValidations(results)
	if len(results) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for start := 0; start < len(results); start += maxValidationRows {
			end := min(start+maxValidationRows, len(results))
			query, args := validationUpsert(results[start:end])
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				if hasCode(err, foreignKeyViolation) {
					return fmt.Errorf("%w: validation references unknown church: %w", church.ErrNotFound, err)
				}
				return fmt.Errorf("failed to upsert url validations: %w", err)
			}
		}
		return nil
	})
}

func validationUpsert(results []church.ValidationResult) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO url_validations (
	church_id, url, is_valid, status_code, response_time_ms, redirect_url, error_message, validated_at
) VALUES `)
	args := make([]any, 0, len(results)*validationColumns)
	for i, r := range results {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := 1; col <= validationColumns; col++ {
			if col > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*validationColumns+col)
		}
		sb.WriteString(")")

		var status *int
		if r.StatusCode != 0 {
			code := r.StatusCode
			status = &code
		}
		var elapsed *int64
		if r.ResponseTime != 0 {
			ms := r.ResponseTime
			elapsed = &ms
		}
		args = append(args,
			r.ChurchID,
			r.URL,
			r.IsValid,
			status,
			elapsed,
			nullString(r.RedirectURL),
			nullString(r.ErrorMessage),
			r.ValidatedAt,
		)
	}
	sb.WriteString(`
ON CONFLICT (church_id, url) DO UPDATE SET
	is_valid = EXCLUDED.is_valid,
	status_code = EXCLUDED.status_code,
	response_time_ms = EXCLUDED.response_time_ms,
	redirect_url = EXCLUDED.redirect_url,
	error_message = EXCLUDED.error_message,
	validated_at = EXCLUDED.validated_at`)
	return sb.String(), args
}

func dedupeValidations(in []church.ValidationResult) []church.ValidationResult {
	type key struct {
		churchID int64
		url      string
	}
	last := make(map[key]int, len(in))
	for i, r := range in {
		last[key{r.ChurchID, r.URL}] = i
	}
	if len(last) == len(in) {
		return in
	}
	out := make([]church.ValidationResult, 0, len(last))
	for i, r := range in {
		if last[key{r.ChurchID, r.URL}] == i {
			out = append(out, r)
		}
	}
	return out
}
