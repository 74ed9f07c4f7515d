// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline turns raw analysis output files into an in-memory trace
// graph.
//
// The pipeline has three stages: a Parser reads one analysis output file
// into flat records, a ParallelParser fans a file set across workers, and a
// Loader assembles the records into a TraceGraph with interned texts and
// wired first-hop associations. Optional filters run between parsing and
// loading.
package pipeline

import "fmt"

// LeafRecord names one taint leaf reached through an issue or condition,
// with the call depth at which it is reached.
type LeafRecord struct {
	Kind  string `json:"kind"` // "source" or "sink"
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// LeafMapRecord is one callee-leaf to caller-leaf translation entry of a
// condition.
type LeafMapRecord struct {
	CalleeLeaf string `json:"callee_leaf"`
	CallerLeaf string `json:"caller_leaf"`
}

// IssueRecord is a parsed issue: one distinct taint flow found by the
// analysis, located at its defining callable.
type IssueRecord struct {
	Code     int          `json:"code"`
	Handle   string       `json:"handle"`
	Callable string       `json:"callable"`
	Filename string       `json:"filename"`
	Message  string       `json:"message"`
	Line     int          `json:"line"`
	Start    int          `json:"start"`
	End      int          `json:"end"`
	Sources  []LeafRecord `json:"sources,omitempty"`
	Sinks    []LeafRecord `json:"sinks,omitempty"`
	Features []string     `json:"features,omitempty"`
	FixInfo  string       `json:"fix_info,omitempty"`
}

// ConditionRecord is a parsed trace frame: one hop of a pre- or
// postcondition trace between two callable ports.
type ConditionRecord struct {
	Kind       string          `json:"kind"` // "precondition" or "postcondition"
	Caller     string          `json:"caller"`
	CallerPort string          `json:"caller_port"`
	Callee     string          `json:"callee"`
	CalleePort string          `json:"callee_port"`
	Filename   string          `json:"filename"`
	Line       int             `json:"line"`
	Start      int             `json:"start"`
	End        int             `json:"end"`
	Leaves     []LeafRecord    `json:"leaves,omitempty"`
	LeafMap    []LeafMapRecord `json:"leaf_map,omitempty"`
}

// Record is one parsed entry of an analysis output file. Exactly one field
// is set.
type Record struct {
	Issue     *IssueRecord
	Condition *ConditionRecord
}

func (r Record) validate() error {
	switch {
	case r.Issue == nil && r.Condition == nil:
		return fmt.Errorf("%w: empty record", ErrBadRecord)
	case r.Issue != nil && r.Condition != nil:
		return fmt.Errorf("%w: record is both issue and condition", ErrBadRecord)
	}
	return nil
}
