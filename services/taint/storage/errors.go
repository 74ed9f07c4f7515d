// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import "errors"

var (
	// ErrNoDatabase indicates the saver was constructed without a database.
	ErrNoDatabase = errors.New("storage: no database configured")

	// ErrEmptyRunID indicates SaveAll was called with an empty run id.
	ErrEmptyRunID = errors.New("storage: run id must be non-empty")

	// ErrKeyBlockExhausted indicates more ids were requested than reserved.
	// The per-kind reservation counts are derived from the graph being
	// saved, so hitting this means the counts and the walk disagree.
	ErrKeyBlockExhausted = errors.New("storage: reserved primary key block exhausted")

	// ErrUnresolvedLocalID indicates a record references a graph-local id
	// that no id-bearing entity in the same graph owns.
	ErrUnresolvedLocalID = errors.New("storage: unresolved graph-local id")
)
