package mongo

import (
	"errors"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"goa.design/agent-sessions/session"
)

// Server error codes for single-document size-limit violations:
// 10334 (BSONObjectTooLarge) on insert, 17419 when an update would grow the
// document past the limit.
var tooLargeCodes = []int{10334, 17419}

// mapWriteErr surfaces size-limit violations as a distinct error kind.
// Connectivity and timeout errors pass through unmodified; writes are never
// retried here (the driver's retry policy is writes-off, reads-on).
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var se mongodriver.ServerError
	if errors.As(err, &se) {
		for _, code := range tooLargeCodes {
			if se.HasErrorCode(code) {
				return fmt.Errorf("%w: %s", session.ErrDocumentTooLarge, err)
			}
		}
	}
	return err
}
