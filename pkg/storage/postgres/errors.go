package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// mapError translates driver errors into the storage and billing sentinels.
// Unrecognized errors are wrapped with op and returned as is.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %w: %s", op, storage.ErrDuplicateKey, pqErr.Constraint)
		case pqErr.Code == "23514" && strings.HasSuffix(pqErr.Constraint, "nonnegative"):
			return fmt.Errorf("%s: %w: %s", op, storage.ErrNegativeBalance, pqErr.Constraint)
		case pqErr.Code == "23503":
			return fmt.Errorf("%s: %w: %s", op, billing.ErrAccountNotFound, pqErr.Detail)
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			// serialization failure or deadlock: retry the whole operation
			return fmt.Errorf("%s: %w: %v", op, billing.ErrStorageUnavailable, err)
		}
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%s: %w: %v", op, billing.ErrStorageUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return fmt.Errorf("%s: %w: %v", op, billing.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
