package ingest

import (
	"fmt"
	"time"

	"TradeTrail/internal/event"
)

// Timestamp policy defaults. Forward skew absorbs client clock drift;
// the retention window bounds how old an ordinary event may claim to
// be; the backdate tolerance bounds claims predating the instance row.
const (
	DefaultMaxForwardSkew    = 5 * time.Minute
	DefaultRetentionWindow   = 30 * 24 * time.Hour
	DefaultBackdateTolerance = 24 * time.Hour
)

// TimestampPolicy validates caller-supplied event timestamps against
// server time. CHAIN_RECOVERY is exempt from the retention window, but
// not from forward skew: the recovery record itself is written now,
// only the event it carries is historical.
type TimestampPolicy struct {
	MaxForwardSkew    time.Duration
	RetentionWindow   time.Duration
	BackdateTolerance time.Duration
}

func DefaultTimestampPolicy() TimestampPolicy {
	return TimestampPolicy{
		MaxForwardSkew:    DefaultMaxForwardSkew,
		RetentionWindow:   DefaultRetentionWindow,
		BackdateTolerance: DefaultBackdateTolerance,
	}
}

// Check rejects out-of-range timestamps with a TIMESTAMP_OUT_OF_RANGE
// error. A zero instanceCreatedAt skips the backdate check, which is
// how the pre-transaction fast path calls it; the authoritative
// in-transaction call passes the instance's creation time.
func (p TimestampPolicy) Check(typ event.Type, ts, now, instanceCreatedAt time.Time) error {
	if ts.After(now.Add(p.MaxForwardSkew)) {
		return reject(ReasonTimestampOutOfRange,
			fmt.Sprintf("timestamp %ds ahead of server time exceeds %ds allowance",
				int64(ts.Sub(now).Seconds()), int64(p.MaxForwardSkew.Seconds())),
			nil, nil)
	}

	if typ != event.TypeChainRecovery && ts.Before(now.Add(-p.RetentionWindow)) {
		return reject(ReasonTimestampOutOfRange,
			fmt.Sprintf("timestamp older than the %dh retention window",
				int64(p.RetentionWindow.Hours())),
			nil, nil)
	}

	if !instanceCreatedAt.IsZero() && ts.Before(instanceCreatedAt.Add(-p.BackdateTolerance)) {
		return reject(ReasonTimestampOutOfRange,
			"timestamp predates instance creation beyond tolerance",
			nil, nil)
	}

	return nil
}
