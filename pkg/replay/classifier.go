package replay

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Classification distinguishes the three failure buckets the error
// classifier recognizes.
type Classification int

const (
	ClassTimeout Classification = iota
	ClassDatabaseError
	ClassOther
)

func (c Classification) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassDatabaseError:
		return "database_error"
	default:
		return "other"
	}
}

// GenericDatabaseErrorCode is the numeric code surfaced for any non-timeout
// database error. Postgres reports errors as SQLSTATE strings rather than
// small integer codes; this implementation keeps the SQLSTATE available
// alongside a fixed sentinel numeric code so the rest of the engine can
// still reason about "a numeric code" uniformly. See DESIGN.md for the
// translation rationale.
const GenericDatabaseErrorCode = 1

// timeoutError is satisfied by network-level timeouts surfaced by the
// driver (e.g. via net.Error).
type timeoutError interface {
	Timeout() bool
}

// Classifier distinguishes timeout, transient database error, and fatal
// error.
type Classifier struct {
	// TimeoutCodes is the set of numeric codes this classifier maps
	// detected timeouts onto when reporting to tracing/logs. Default {-2}.
	TimeoutCodes []int
}

func NewClassifier(timeoutCodes []int) *Classifier {
	if len(timeoutCodes) == 0 {
		timeoutCodes = []int{-2}
	}
	return &Classifier{TimeoutCodes: timeoutCodes}
}

// Classify inspects err and returns its classification plus the numeric
// code to report (0 if not applicable) and the Postgres SQLSTATE, if any.
func (c *Classifier) Classify(err error) (class Classification, code int, sqlstate string) {
	if err == nil {
		return ClassOther, 0, ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout, c.TimeoutCodes[0], ""
	}
	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		return ClassTimeout, c.TimeoutCodes[0], ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return ClassDatabaseError, GenericDatabaseErrorCode, pgErr.Code
	}

	return ClassOther, 0, ""
}
