// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package rule

import "errors"

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrValidation marks malformed rules or parameters rejected at
	// administration time.
	ErrValidation = errors.New("validation error")

	// ErrEvaluation marks an unexpected fault while matching a single
	// flow. The engine contains it to that flow.
	ErrEvaluation = errors.New("evaluation error")

	// ErrNotFound is returned for operations on unknown rule ids.
	ErrNotFound = errors.New("rule not found")

	// ErrConflict is returned when adding a rule whose id already
	// exists.
	ErrConflict = errors.New("rule already exists")
)
