package replay

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifier_DeadlineExceededIsTimeout(t *testing.T) {
	c := NewClassifier(nil)
	class, code, sqlstate := c.Classify(context.DeadlineExceeded)
	assert.Equal(t, ClassTimeout, class)
	assert.Equal(t, -2, code)
	assert.Empty(t, sqlstate)
}

type fakeNetTimeout struct{}

func (fakeNetTimeout) Error() string   { return "i/o timeout" }
func (fakeNetTimeout) Timeout() bool   { return true }
func (fakeNetTimeout) Temporary() bool { return true }

func TestClassifier_NetTimeoutIsTimeout(t *testing.T) {
	c := NewClassifier([]int{-2})
	var err error = fakeNetTimeout{}
	class, code, _ := c.Classify(err)
	assert.Equal(t, ClassTimeout, class)
	assert.Equal(t, -2, code)
}

func TestClassifier_CustomTimeoutCode(t *testing.T) {
	c := NewClassifier([]int{-999})
	class, code, _ := c.Classify(context.DeadlineExceeded)
	assert.Equal(t, ClassTimeout, class)
	assert.Equal(t, -999, code)
}

func TestClassifier_PgErrorIsDatabaseError(t *testing.T) {
	c := NewClassifier(nil)
	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	class, code, sqlstate := c.Classify(pgErr)
	assert.Equal(t, ClassDatabaseError, class)
	assert.Equal(t, GenericDatabaseErrorCode, code)
	assert.Equal(t, "23505", sqlstate)
}

func TestClassifier_WrappedPgErrorIsDatabaseError(t *testing.T) {
	c := NewClassifier(nil)
	pgErr := &pgconn.PgError{Code: "40001", Message: "serialization failure"}
	wrapped := errors.Join(errors.New("exec failed"), pgErr)
	class, _, sqlstate := c.Classify(wrapped)
	assert.Equal(t, ClassDatabaseError, class)
	assert.Equal(t, "40001", sqlstate)
}

func TestClassifier_OtherError(t *testing.T) {
	c := NewClassifier(nil)
	class, code, sqlstate := c.Classify(errors.New("boom"))
	assert.Equal(t, ClassOther, class)
	assert.Equal(t, 0, code)
	assert.Empty(t, sqlstate)
}

func TestClassifier_NilErrorIsOther(t *testing.T) {
	c := NewClassifier(nil)
	class, _, _ := c.Classify(nil)
	assert.Equal(t, ClassOther, class)
}

var _ net.Error = fakeNetTimeout{}
