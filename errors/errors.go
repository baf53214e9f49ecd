// Package errors provides error handling for the relay.
//
// It re-exports github.com/cockroachdb/errors so the rest of the codebase
// gets stack traces, wrapping, and structured details from a single import:
//
//	if err := s.resumeSession(c, key); err != nil {
//	    return errors.Wrapf(err, "resume session %s", key)
//	}
//
// Sentinel errors are declared next to the code that owns them, e.g.
// server.ErrNotFound, and classified with errors.Is at the protocol boundary.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New   = crdb.New
	Newf  = crdb.Newf
	Wrap  = crdb.Wrap
	Wrapf = crdb.Wrapf

	WithStack   = crdb.WithStack
	WithHint    = crdb.WithHint
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf

	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap

	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints

	AssertionFailedf = crdb.AssertionFailedf
)
