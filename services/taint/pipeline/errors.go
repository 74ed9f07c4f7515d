// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "errors"

var (
	// ErrBadRecord indicates a record that is structurally invalid: empty,
	// doubly-tagged, or missing required fields.
	ErrBadRecord = errors.New("pipeline: malformed record")

	// ErrUnknownRecordType indicates an analysis output line with a type
	// discriminator this version does not understand.
	ErrUnknownRecordType = errors.New("pipeline: unknown record type")

	// ErrUnresolvedLeaf indicates a condition's leaf mapping names a leaf
	// that no record in the same run declares.
	ErrUnresolvedLeaf = errors.New("pipeline: unresolved leaf name")
)
