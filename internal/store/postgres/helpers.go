package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to hub.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return hub.ErrNotFound
	}
	return err
}

// marshalList encodes a string slice as JSONB; empty slices encode as [].
func marshalList(s []string) ([]byte, error) {
	if len(s) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// unmarshalList decodes a JSONB array column into a string slice.
func unmarshalList(src []byte, dst *[]string) error {
	if len(src) == 0 {
		return nil
	}
	if err := json.Unmarshal(src, dst); err != nil {
		return fmt.Errorf("unmarshal string list: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

// marshalMap encodes a string map as JSONB; empty maps encode as {}.
func marshalMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(src []byte, dst *map[string]string) error {
	if len(src) == 0 {
		return nil
	}
	if err := json.Unmarshal(src, dst); err != nil {
		return fmt.Errorf("unmarshal string map: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// quotaScan holds the nullable quota columns shared by users, keys and
// providers; the column order is rpm, 5h, daily, weekly, monthly, total,
// concurrent everywhere.
type quotaScan struct {
	rpm        sql.NullInt64
	l5h        sql.NullFloat64
	daily      sql.NullFloat64
	weekly     sql.NullFloat64
	monthly    sql.NullFloat64
	total      sql.NullFloat64
	concurrent sql.NullInt64
}

func (q *quotaScan) dests() []any {
	return []any{&q.rpm, &q.l5h, &q.daily, &q.weekly, &q.monthly, &q.total, &q.concurrent}
}

func (q *quotaScan) quota() hub.Quota {
	out := hub.Quota{}
	if q.rpm.Valid {
		v := q.rpm.Int64
		out.RPM = &v
	}
	if q.l5h.Valid {
		v := q.l5h.Float64
		out.Limit5hUSD = &v
	}
	if q.daily.Valid {
		v := q.daily.Float64
		out.LimitDailyUSD = &v
	}
	if q.weekly.Valid {
		v := q.weekly.Float64
		out.LimitWeeklyUSD = &v
	}
	if q.monthly.Valid {
		v := q.monthly.Float64
		out.LimitMonthlyUSD = &v
	}
	if q.total.Valid {
		v := q.total.Float64
		out.LimitTotalUSD = &v
	}
	if q.concurrent.Valid {
		v := q.concurrent.Int64
		out.ConcurrentSessions = &v
	}
	return out
}

// quotaArgs flattens a Quota into insert arguments in column order.
func quotaArgs(q hub.Quota) []any {
	args := make([]any, 0, 7)
	appendInt := func(p *int64) {
		if p == nil {
			args = append(args, sql.NullInt64{})
		} else {
			args = append(args, sql.NullInt64{Int64: *p, Valid: true})
		}
	}
	appendFloat := func(p *float64) {
		if p == nil {
			args = append(args, sql.NullFloat64{})
		} else {
			args = append(args, sql.NullFloat64{Float64: *p, Valid: true})
		}
	}
	appendInt(q.RPM)
	appendFloat(q.Limit5hUSD)
	appendFloat(q.LimitDailyUSD)
	appendFloat(q.LimitWeeklyUSD)
	appendFloat(q.LimitMonthlyUSD)
	appendFloat(q.LimitTotalUSD)
	appendInt(q.ConcurrentSessions)
	return args
}

// quotaCols is the shared quota column list in scan/insert order.
const quotaCols = `rpm_limit, limit_5h_usd, limit_daily_usd, limit_weekly_usd, limit_monthly_usd, limit_total_usd, concurrent_sessions`
