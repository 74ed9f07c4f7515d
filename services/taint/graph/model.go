// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

// LocalID is the stable, process-local integer identity assigned to an
// entity at creation time. It is distinct from any storage-layer primary
// key; cross-entity references are always LocalIDs resolved through the
// owning TraceGraph, never direct pointers.
type LocalID int64

// TraceKind identifies the traversal direction of a trace frame.
type TraceKind int

const (
	// TraceKindPrecondition marks a frame on a trace leading toward a sink.
	TraceKindPrecondition TraceKind = iota

	// TraceKindPostcondition marks a frame on a trace leading toward a source.
	TraceKindPostcondition

	// numTraceKinds is the number of trace kinds (for index sizing).
	numTraceKinds
)

// String returns the string representation of the TraceKind.
func (k TraceKind) String() string {
	switch k {
	case TraceKindPrecondition:
		return "precondition"
	case TraceKindPostcondition:
		return "postcondition"
	default:
		return "unknown"
	}
}

// SharedTextKind classifies an interned string.
type SharedTextKind int

const (
	// TextKindFilename is a source file path.
	TextKindFilename SharedTextKind = iota

	// TextKindCallable is a fully qualified function or method name.
	TextKindCallable

	// TextKindMessage is an issue message.
	TextKindMessage

	// TextKindSource is a taint source name (a leaf).
	TextKindSource

	// TextKindSink is a taint sink name (a leaf).
	TextKindSink

	// TextKindFeature is an analysis feature/breadcrumb attached to an issue.
	TextKindFeature
)

// textKindNames maps SharedTextKind values to their string representations.
var textKindNames = map[SharedTextKind]string{
	TextKindFilename: "filename",
	TextKindCallable: "callable",
	TextKindMessage:  "message",
	TextKindSource:   "source",
	TextKindSink:     "sink",
	TextKindFeature:  "feature",
}

// String returns the string representation of the SharedTextKind.
func (k SharedTextKind) String() string {
	if name, ok := textKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsLeaf reports whether the kind names a taint flow endpoint. Only leaf
// texts participate in depth computation and backward-search bookkeeping.
func (k SharedTextKind) IsLeaf() bool {
	return k == TextKindSource || k == TextKindSink
}

// SharedText is an interned string (message, filename, callable name, or
// source/sink name). Texts are deduplicated per graph by (Kind, Contents).
type SharedText struct {
	ID       LocalID
	Kind     SharedTextKind
	Contents string
}

// Issue is a distinct finding definition. Many instances may share one issue.
type Issue struct {
	ID LocalID

	// Code is the analyzer's numeric issue category.
	Code int

	// Handle uniquely names the issue across runs (callable + code digest).
	Handle string
}

// Location is a position within a source file.
type Location struct {
	Line  int
	Start int
	End   int
}

// IssueInstance is one concrete occurrence of an issue.
//
// The trailing derived fields are only valid relative to the graph instance
// that currently owns the instance's associations; they are recomputed in
// place whenever the set of associated trace frames changes (after trimming).
type IssueInstance struct {
	ID         LocalID
	IssueID    LocalID
	FilenameID LocalID
	CallableID LocalID
	MessageID  LocalID
	Location   Location

	MinTraceLengthToSources int
	MinTraceLengthToSinks   int
	CallableCount           int
}

// IssueInstanceFixInfo is optional suggested-fix metadata for an instance
// (at most one per instance).
type IssueInstanceFixInfo struct {
	InstanceID LocalID
	Contents   string
}

// LeafMapping translates one leaf identifier meaningful at a frame's callee
// side into the identifier meaningful at its caller side. A frame carries
// one entry per leaf it propagates.
type LeafMapping struct {
	CalleeLeaf LocalID
	CallerLeaf LocalID
}

// TraceFrame is one hop (one call edge) of a taint trace.
//
// Kind determines traversal direction: postcondition frames trace backward
// toward sources, precondition frames trace backward toward sinks from the
// call site. CallerID and CalleeID reference callable SharedTexts,
// FilenameID a filename SharedText.
type TraceFrame struct {
	ID          LocalID
	Kind        TraceKind
	CallerID    LocalID
	CallerPort  string
	CalleeID    LocalID
	CalleePort  string
	FilenameID  LocalID
	Location    Location
	LeafMapping []LeafMapping
}

// TraceFrameAnnotation is side information attached to a frame. An
// annotation roots its own sub-trace of child frames.
type TraceFrameAnnotation struct {
	ID       LocalID
	FrameID  LocalID
	Message  string
	Location Location
}

// LeafDepth pairs a leaf SharedText id with the number of hops from the
// owning frame to that leaf. A negative TraceLength means the depth is
// unknown and is ignored for min-depth computation.
type LeafDepth struct {
	LeafID      LocalID
	TraceLength int
}

// LeafSet is a set of leaf SharedText ids.
type LeafSet map[LocalID]struct{}

// NewLeafSet returns a LeafSet holding the given ids.
func NewLeafSet(ids ...LocalID) LeafSet {
	s := make(LeafSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s LeafSet) Contains(id LocalID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s LeafSet) Add(id LocalID) {
	s[id] = struct{}{}
}

// AddAll inserts every id of other into the set.
func (s LeafSet) AddAll(other LeafSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Diff returns the ids of s that are not in other.
func (s LeafSet) Diff(other LeafSet) LeafSet {
	out := make(LeafSet)
	for id := range s {
		if !other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersects reports whether s and other share at least one id.
func (s LeafSet) Intersects(other LeafSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for id := range small {
		if large.Contains(id) {
			return true
		}
	}
	return false
}
