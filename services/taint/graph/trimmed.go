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

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TrimConfig selects the part of a source graph a trim run cares about.
type TrimConfig struct {
	// AffectedFiles is a set of path prefixes. An issue instance or trace
	// frame is affected when its filename starts with one of the prefixes.
	// An empty list yields an empty trimmed graph.
	AffectedFiles []string

	// AffectedIssuesOnly skips the trace-frame seeded backward search:
	// only issues located in affected files are kept, each with its full
	// original trace.
	AffectedIssuesOnly bool
}

// TrimmedGraph is a TraceGraph built from a bigger one, restricted to the
// issues, traces, and associations relevant to a file filter.
//
// The trimmer only reads from the source graph and only writes to itself,
// so several trims may run concurrently against one frozen source graph.
// A TrimmedGraph is single-use: populate it once, then treat it as a plain
// read-only TraceGraph.
type TrimmedGraph struct {
	*TraceGraph

	affectedFiles      []string
	affectedIssuesOnly bool

	// visitedFrames spans the whole population run so the location seeding
	// and the backward search never copy the same frame's subtrace twice.
	visitedFrames map[LocalID]struct{}
}

// NewTrimmedGraph returns an empty trimmed graph for the given filter.
func NewTrimmedGraph(cfg TrimConfig) *TrimmedGraph {
	return &TrimmedGraph{
		TraceGraph:         NewTraceGraph(),
		affectedFiles:      cfg.AffectedFiles,
		affectedIssuesOnly: cfg.AffectedIssuesOnly,
		visitedFrames:      make(map[LocalID]struct{}),
	}
}

// PopulateFromGraph fills the trimmed graph from src.
//
// The population runs in five steps: seed by issue location, optionally
// seed by trace-frame location with a leaf-consistent backward search,
// repair one-sided traces, and recompute the derived per-instance metrics
// against the trimmed topology. The output is only meaningful if the call
// returns nil; a partially populated graph must be discarded.
//
// Outputs:
//   - error: Non-nil if the source graph is structurally inconsistent
//     (an id referenced by an association is absent from src).
//
// Thread Safety: src is only read; the receiver is only written. Not safe
// for concurrent calls on the same receiver.
func (t *TrimmedGraph) PopulateFromGraph(ctx context.Context, src *TraceGraph) error {
	_ = initMetrics()

	ctx, span := tracer.Start(ctx, "graph.PopulateFromGraph",
		trace.WithAttributes(
			attribute.Int("affected_files", len(t.affectedFiles)),
			attribute.Bool("affected_issues_only", t.affectedIssuesOnly),
		),
	)
	defer span.End()

	start := time.Now()

	if err := t.populateAffectedIssues(src); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !t.affectedIssuesOnly {
		if err := t.populateIssuesFromAffectedFrames(src); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		// Issues pulled in by the frame search may have only one trace
		// direction populated. Fill in the missing direction in full so no
		// issue presents a one-sided trace.
		if err := t.populateMissingDirections(src); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	if err := t.recomputeInstanceProperties(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int("instances", t.NumIssueInstances()),
		attribute.Int("frames", t.NumTraceFrames()),
	)
	if trimLatency != nil {
		trimLatency.Record(ctx, time.Since(start).Seconds())
		trimTotal.Add(ctx, 1)
		instancesCopied.Record(ctx, int64(t.NumIssueInstances()))
		framesCopied.Record(ctx, int64(t.NumTraceFrames()))
	}
	return nil
}

// populateAffectedIssues copies every issue instance located in an affected
// file, together with its complete forward and backward traces.
func (t *TrimmedGraph) populateAffectedIssues(src *TraceGraph) error {
	for _, inst := range src.IssueInstances() {
		filename, err := src.GetText(inst.FilenameID)
		if err != nil {
			return err
		}
		if !t.isFilenameAffected(filename) {
			continue
		}
		if t.HasIssueInstance(inst.ID) {
			continue
		}
		if err := t.populateIssue(src, inst.ID); err != nil {
			return err
		}
		if err := t.populateIssueTrace(src, inst.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// populateIssuesFromAffectedFrames seeds the backward condition search with
// every trace frame located in an affected file, independent of whether the
// owning issue's location is affected.
func (t *TrimmedGraph) populateIssuesFromAffectedFrames(src *TraceGraph) error {
	var frontier []*TraceFrame
	for _, f := range src.TraceFrames() {
		filename, err := src.GetText(f.FilenameID)
		if err != nil {
			return err
		}
		if t.isFilenameAffected(filename) {
			frontier = append(frontier, f)
		}
	}
	return t.populateIssuesFromAffectedConditions(src, frontier)
}

// searchState is one worklist entry of the backward condition search: a
// condition plus the leaf ids the search is visiting it for.
type searchState struct {
	frame  *TraceFrame
	leaves LeafSet
}

// populateIssuesFromAffectedConditions walks backward from the initial
// conditions toward call sites, pulling in issue instances whose own leaf
// set intersects the leaves active at the condition that reached them.
//
// A condition's parents may not transitively lead to the leaves its
// descendants lead to, because the analysis filters leaves per call edge.
// Each condition is therefore visited with an explicit leaf set, revisited
// only for leaves not yet recorded for it, and a predecessor is expanded
// only if translating the active leaves through its leaf mapping yields a
// non-empty set. The trace is populated only in the direction the search
// was seeded from; missing directions are repaired afterwards.
func (t *TrimmedGraph) populateIssuesFromAffectedConditions(src *TraceGraph, initial []*TraceFrame) error {
	visited := make(map[LocalID]LeafSet)

	worklist := make([]searchState, 0, len(initial))
	for _, f := range initial {
		worklist = append(worklist, searchState{
			frame:  f,
			leaves: src.IncomingLeafKindsOfFrame(f),
		})
	}

	for len(worklist) > 0 {
		state := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		condition := state.frame
		leaves := state.leaves

		if seen, ok := visited[condition.ID]; ok {
			leaves = leaves.Diff(seen)
			if len(leaves) == 0 {
				continue
			}
			seen.AddAll(leaves)
		} else {
			visited[condition.ID] = leaves
		}

		// Instances associated with this exact condition are hits only if
		// they share a leaf with the set the search arrived with. This is
		// what keeps an issue that merely shares a call edge, but no
		// tainted leaf, out of the trimmed graph. A hit instance may have
		// been copied before; the assoc with this condition is still new.
		for _, instanceID := range src.FrameIssueInstanceIDs(condition.ID) {
			instanceLeaves, err := t.instanceLeafIDs(src, instanceID)
			if err != nil {
				return err
			}
			if !instanceLeaves.Intersects(leaves) {
				continue
			}
			if !t.HasIssueInstance(instanceID) {
				if err := t.populateIssue(src, instanceID); err != nil {
					return err
				}
			}
			t.AddIssueInstanceTraceFrameAssoc(instanceID, condition.ID)
		}

		// Conditions calling this one may belong to other issues; keep
		// searching toward call sites.
		for _, pred := range src.PredecessorFrames(condition) {
			predLeaves := src.ComputePrevLeafKinds(leaves, pred.LeafMapping)
			if len(predLeaves) > 0 {
				worklist = append(worklist, searchState{frame: pred, leaves: predLeaves})
			}
		}
	}

	// Copy the traces leading out from the initial conditions, plus every
	// condition the backward search visited on the way to the issues.
	frontierIDs := make([]LocalID, 0, len(initial))
	for _, f := range initial {
		frontierIDs = append(frontierIDs, f.ID)
	}
	if err := t.populateTrace(src, frontierIDs); err != nil {
		return err
	}
	for frameID := range visited {
		frame, err := src.TraceFrameFromID(frameID)
		if err != nil {
			return err
		}
		if err := t.addTraceFrameFrom(src, frame); err != nil {
			return err
		}
	}
	return nil
}

// populateMissingDirections inspects every instance now present and, for
// each trace direction with no first-hop association, copies that
// direction's full trace from the source graph.
func (t *TrimmedGraph) populateMissingDirections(src *TraceGraph) error {
	for _, inst := range t.IssueInstances() {
		hasPost := false
		hasPre := false
		for _, frameID := range t.InstanceTraceFrameIDs(inst.ID) {
			frame, err := t.TraceFrameFromID(frameID)
			if err != nil {
				return err
			}
			switch frame.Kind {
			case TraceKindPostcondition:
				hasPost = true
			case TraceKindPrecondition:
				hasPre = true
			}
		}

		if !hasPost {
			kind := TraceKindPostcondition
			if err := t.populateIssueTrace(src, inst.ID, &kind); err != nil {
				return err
			}
		}
		if !hasPre {
			kind := TraceKindPrecondition
			if err := t.populateIssueTrace(src, inst.ID, &kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// populateIssue copies an instance together with its issue, fix info,
// filename/callable/message texts, and text associations. Trace frames are
// not copied here.
func (t *TrimmedGraph) populateIssue(src *TraceGraph, instanceID LocalID) error {
	inst, err := src.IssueInstanceFromID(instanceID)
	if err != nil {
		return err
	}
	issue, err := src.IssueFromID(inst.IssueID)
	if err != nil {
		return err
	}

	for _, textID := range []LocalID{inst.MessageID, inst.FilenameID, inst.CallableID} {
		if err := t.populateSharedText(src, textID); err != nil {
			return err
		}
	}

	// Copy the instance record: the derived fields are recomputed against
	// the trimmed topology and must not leak into src.
	cp := *inst
	if err := t.AddIssueInstance(&cp); err != nil {
		return err
	}
	if err := t.AddIssue(issue); err != nil {
		return err
	}

	if fi, ok := src.FixInfoForInstance(instanceID); ok {
		if err := t.AddIssueInstanceFixInfo(fi); err != nil {
			return err
		}
	}

	for _, textID := range src.InstanceSharedTextIDs(instanceID) {
		if err := t.populateSharedText(src, textID); err != nil {
			return err
		}
		t.AddIssueInstanceSharedTextAssoc(instanceID, textID)
	}
	return nil
}

// populateIssueTrace copies the instance's first-hop associations from src,
// restricted to kind if non-nil, then floods the trace out from those
// frames.
func (t *TrimmedGraph) populateIssueTrace(src *TraceGraph, instanceID LocalID, kind *TraceKind) error {
	var frontier []LocalID
	for _, frameID := range src.InstanceTraceFrameIDs(instanceID) {
		frame, err := src.TraceFrameFromID(frameID)
		if err != nil {
			return err
		}
		if kind != nil && frame.Kind != *kind {
			continue
		}
		t.AddIssueInstanceTraceFrameAssoc(instanceID, frameID)
		frontier = append(frontier, frameID)
	}
	return t.populateTrace(src, frontier)
}

// populateTrace flood-fills trace frames downstream from the frontier,
// copying each frame (and its annotations and leaf associations) exactly
// once per population run. No leaf filtering happens here; by the time a
// frame reaches this point it has already been judged relevant.
func (t *TrimmedGraph) populateTrace(src *TraceGraph, frontier []LocalID) error {
	worklist := append([]LocalID(nil), frontier...)
	for len(worklist) > 0 {
		frameID := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if _, ok := t.visitedFrames[frameID]; ok {
			continue
		}

		frame, err := src.TraceFrameFromID(frameID)
		if err != nil {
			return err
		}
		if err := t.addTraceFrameFrom(src, frame); err != nil {
			return err
		}
		t.visitedFrames[frameID] = struct{}{}

		for _, next := range src.NextTraceFrames(frame) {
			if _, ok := t.visitedFrames[next.ID]; !ok {
				worklist = append(worklist, next.ID)
			}
		}
	}
	return nil
}

// addTraceFrameFrom copies one frame from src: the frame itself, its
// annotations (with their sub-traces), its filename/caller/callee texts,
// and all its leaf associations. Leaf associations are copied wholesale
// because which ones matter is not known until the reaching issue is.
// A frame already present is left untouched.
func (t *TrimmedGraph) addTraceFrameFrom(src *TraceGraph, frame *TraceFrame) error {
	if t.HasTraceFrame(frame.ID) {
		return nil
	}
	if err := t.AddTraceFrame(frame); err != nil {
		return err
	}

	for _, annotation := range src.ConditionAnnotations(frame.ID) {
		if err := t.addTraceAnnotationFrom(src, annotation); err != nil {
			return err
		}
	}

	for _, textID := range []LocalID{frame.FilenameID, frame.CallerID, frame.CalleeID} {
		if err := t.populateSharedText(src, textID); err != nil {
			return err
		}
	}

	for _, ld := range src.LeafAssocs(frame.ID) {
		if err := t.populateSharedText(src, ld.LeafID); err != nil {
			return err
		}
		t.AddTraceFrameLeafAssoc(frame.ID, ld.LeafID, ld.TraceLength)
	}
	return nil
}

// addTraceAnnotationFrom copies an annotation and the sub-trace rooted at
// its child frames. The annotation's parent frame is not copied here.
func (t *TrimmedGraph) addTraceAnnotationFrom(src *TraceGraph, annotation *TraceFrameAnnotation) error {
	if err := t.AddTraceFrameAnnotation(annotation); err != nil {
		return err
	}
	children := src.AnnotationTraceFrames(annotation.ID)
	childIDs := make([]LocalID, 0, len(children))
	for _, child := range children {
		t.AddTraceFrameAnnotationTraceFrameAssoc(annotation.ID, child.ID)
		childIDs = append(childIDs, child.ID)
	}
	return t.populateTrace(src, childIDs)
}

// populateSharedText copies a text from src if the destination does not
// hold it yet. Idempotent by construction, so dependent copies may call it
// freely on first reference.
func (t *TrimmedGraph) populateSharedText(src *TraceGraph, id LocalID) error {
	text, err := src.SharedTextFromID(id)
	if err != nil {
		return err
	}
	_, err = t.AddSharedText(text)
	return err
}

// instanceLeafIDs returns the union of the instance's source and sink text
// ids in src.
func (t *TrimmedGraph) instanceLeafIDs(src *TraceGraph, instanceID LocalID) (LeafSet, error) {
	leaves := make(LeafSet)
	for _, text := range src.IssueInstanceSharedTexts(instanceID, TextKindSource) {
		leaves.Add(text.ID)
	}
	for _, text := range src.IssueInstanceSharedTexts(instanceID, TextKindSink) {
		leaves.Add(text.ID)
	}
	return leaves, nil
}

// recomputeInstanceProperties recomputes the derived fields of every
// instance against the trimmed topology: min trace lengths shrink or fall
// back to 0 when the nearest leaf's frames were trimmed away, and callable
// counts reflect only instances that survived.
func (t *TrimmedGraph) recomputeInstanceProperties() error {
	callableHisto := make(map[LocalID]int)
	for _, inst := range t.IssueInstances() {
		callableHisto[inst.CallableID]++
	}

	for _, inst := range t.IssueInstances() {
		toSources, err := t.minDepthToLeaves(inst.ID, TraceKindPostcondition)
		if err != nil {
			return err
		}
		toSinks, err := t.minDepthToLeaves(inst.ID, TraceKindPrecondition)
		if err != nil {
			return err
		}
		inst.MinTraceLengthToSources = toSources
		inst.MinTraceLengthToSinks = toSinks
		inst.CallableCount = callableHisto[inst.CallableID]
	}
	return nil
}

// minDepthToLeaves returns the minimum leaf-association depth among leaves
// reachable via the instance's first-hop frames of the given kind, or 0 if
// no leaf with a known depth remains.
func (t *TrimmedGraph) minDepthToLeaves(instanceID LocalID, kind TraceKind) (int, error) {
	minDepth := -1
	for _, frameID := range t.InstanceTraceFrameIDs(instanceID) {
		frame, err := t.TraceFrameFromID(frameID)
		if err != nil {
			return 0, err
		}
		if frame.Kind != kind {
			continue
		}
		for _, ld := range t.LeafAssocs(frameID) {
			if ld.TraceLength < 0 {
				continue
			}
			text, err := t.SharedTextFromID(ld.LeafID)
			if err != nil {
				return 0, err
			}
			if !text.Kind.IsLeaf() {
				continue
			}
			if minDepth < 0 || ld.TraceLength < minDepth {
				minDepth = ld.TraceLength
			}
		}
	}
	if minDepth < 0 {
		return 0, nil
	}
	return minDepth, nil
}

// isFilenameAffected reports whether the filename starts with one of the
// configured path prefixes.
func (t *TrimmedGraph) isFilenameAffected(filename string) bool {
	for _, prefix := range t.affectedFiles {
		if strings.HasPrefix(filename, prefix) {
			return true
		}
	}
	return false
}
