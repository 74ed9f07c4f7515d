// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the in-memory trace graph of a taint analysis run.
//
// A TraceGraph owns issues, issue instances, trace frames, annotations,
// interned shared texts, and the association tables linking them. All
// cross-entity references are LocalIDs resolved through the owning graph;
// entities never hold pointers to each other.
//
// # Ownership Model
//
// The graph stores pointers to entities but treats them as immutable after
// insertion. The single exception is the derived fields of IssueInstance
// (min trace lengths, callable count), which TrimmedGraph recomputes in
// place once trimming completes.
//
// # Thread Safety
//
// TraceGraph is NOT safe for concurrent mutation. It is designed for
// single-writer construction followed by read-only access. A frozen source
// graph may be read concurrently by several trims, each writing into its
// own TrimmedGraph.
//
// # Failure Semantics
//
// A lookup of an id that is absent from the graph it is resolved against
// indicates a corrupt upstream graph. Such lookups return an error wrapping
// one of the sentinels below and callers abort; they are never skipped.
// Missing file filters, by contrast, are valid configuration and simply
// yield an empty trimmed graph.
package graph

import "errors"

// Sentinel errors for graph lookups.
var (
	// ErrTextNotFound is returned when a SharedText id is absent from the
	// graph it is resolved against.
	ErrTextNotFound = errors.New("shared text not found")

	// ErrFrameNotFound is returned when a TraceFrame id is absent from the
	// graph it is resolved against.
	ErrFrameNotFound = errors.New("trace frame not found")

	// ErrIssueNotFound is returned when an Issue id is absent.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrInstanceNotFound is returned when an IssueInstance id is absent.
	ErrInstanceNotFound = errors.New("issue instance not found")

	// ErrAnnotationNotFound is returned when a TraceFrameAnnotation id is
	// absent.
	ErrAnnotationNotFound = errors.New("trace frame annotation not found")

	// ErrNilEntity is returned when a nil entity is added to a graph.
	ErrNilEntity = errors.New("nil entity")
)
