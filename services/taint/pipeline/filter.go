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

// WarningCodeFilter drops issue records whose code is not in the allowed
// set. Condition records pass through untouched; the loader's first-hop
// wiring makes the surviving issues' traces reachable and the trimmer
// discards the rest.
type WarningCodeFilter struct {
	codes map[int]struct{}
}

// NewWarningCodeFilter creates a filter keeping only the given codes. An
// empty code list keeps everything.
func NewWarningCodeFilter(codes ...int) *WarningCodeFilter {
	f := &WarningCodeFilter{codes: make(map[int]struct{}, len(codes))}
	for _, code := range codes {
		f.codes[code] = struct{}{}
	}
	return f
}

// Apply returns the records with filtered issues removed.
func (f *WarningCodeFilter) Apply(records []Record) []Record {
	if len(f.codes) == 0 {
		return records
	}
	kept := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Issue != nil {
			if _, ok := f.codes[r.Issue.Code]; !ok {
				continue
			}
		}
		kept = append(kept, r)
	}
	return kept
}
