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
	"fmt"
	"sort"
)

// frameKey addresses one end of a call edge for adjacency indexing. The
// same key type serves both directions: the forward index stores frames
// under their caller end, the reverse index under their callee end.
type frameKey struct {
	kind TraceKind
	id   LocalID
	port string
}

// TraceGraph is the in-memory graph of one analysis run.
//
// Entities live in one arena (map keyed by LocalID) per entity kind;
// association tables and the two adjacency indexes are side maps over the
// same ids. The structure is write-once per id: no entity is ever removed,
// and re-adding an identical SharedText is an idempotent no-op.
type TraceGraph struct {
	// Entity arenas, keyed by local id.
	sharedTexts    map[LocalID]*SharedText
	issues         map[LocalID]*Issue
	issueInstances map[LocalID]*IssueInstance
	traceFrames    map[LocalID]*TraceFrame
	annotations    map[LocalID]*TraceFrameAnnotation

	// fixInfo is keyed by instance id (0..1 fix info per instance).
	fixInfo map[LocalID]*IssueInstanceFixInfo

	// sharedTextLookup deduplicates texts by (kind, contents).
	sharedTextLookup map[SharedTextKind]map[string]LocalID

	// Association tables. Sets keep re-insertion idempotent, which the
	// trimmer relies on when an instance is reached from several frontiers.
	instanceFrameAssoc   map[LocalID]map[LocalID]struct{} // instance -> first-hop frames
	frameInstanceAssoc   map[LocalID]map[LocalID]struct{} // frame -> instances (reverse)
	instanceTextAssoc    map[LocalID]map[LocalID]struct{} // instance -> shared texts
	frameLeafAssoc       map[LocalID][]LeafDepth          // frame -> (leaf, depth)
	frameAnnotationAssoc map[LocalID][]LocalID            // frame -> annotations
	annotationFrameAssoc map[LocalID][]LocalID            // annotation -> child frames

	// Adjacency indexes over trace frames. framesByCaller keys each frame
	// by (kind, caller, caller port); framesByCallee keys it by
	// (kind, callee, callee port). Both are written from the same frame in
	// AddTraceFrame, which keeps them inverses by construction.
	framesByCaller map[frameKey][]LocalID
	framesByCallee map[frameKey][]LocalID

	// nextLocalID feeds NewLocalID for graph construction.
	nextLocalID LocalID
}

// NewTraceGraph returns an empty graph.
func NewTraceGraph() *TraceGraph {
	return &TraceGraph{
		sharedTexts:          make(map[LocalID]*SharedText),
		issues:               make(map[LocalID]*Issue),
		issueInstances:       make(map[LocalID]*IssueInstance),
		traceFrames:          make(map[LocalID]*TraceFrame),
		annotations:          make(map[LocalID]*TraceFrameAnnotation),
		fixInfo:              make(map[LocalID]*IssueInstanceFixInfo),
		sharedTextLookup:     make(map[SharedTextKind]map[string]LocalID),
		instanceFrameAssoc:   make(map[LocalID]map[LocalID]struct{}),
		frameInstanceAssoc:   make(map[LocalID]map[LocalID]struct{}),
		instanceTextAssoc:    make(map[LocalID]map[LocalID]struct{}),
		frameLeafAssoc:       make(map[LocalID][]LeafDepth),
		frameAnnotationAssoc: make(map[LocalID][]LocalID),
		annotationFrameAssoc: make(map[LocalID][]LocalID),
		framesByCaller:       make(map[frameKey][]LocalID),
		framesByCallee:       make(map[frameKey][]LocalID),
	}
}

// NewLocalID returns a fresh local id, strictly greater than every id the
// graph has handed out or registered so far.
func (g *TraceGraph) NewLocalID() LocalID {
	g.nextLocalID++
	return g.nextLocalID
}

// registerID keeps NewLocalID ahead of externally assigned ids.
func (g *TraceGraph) registerID(id LocalID) {
	if id > g.nextLocalID {
		g.nextLocalID = id
	}
}

// =============================================================================
// Entity insertion
// =============================================================================

// AddSharedText inserts a text, deduplicated by (kind, contents). If an
// entry with identical kind and contents already exists the call is a
// no-op and the existing id is returned; subsequent association calls must
// reference that id.
func (g *TraceGraph) AddSharedText(t *SharedText) (LocalID, error) {
	if t == nil {
		return 0, fmt.Errorf("add shared text: %w", ErrNilEntity)
	}
	if byContents, ok := g.sharedTextLookup[t.Kind]; ok {
		if existing, ok := byContents[t.Contents]; ok {
			return existing, nil
		}
	}
	g.sharedTexts[t.ID] = t
	byContents, ok := g.sharedTextLookup[t.Kind]
	if !ok {
		byContents = make(map[string]LocalID)
		g.sharedTextLookup[t.Kind] = byContents
	}
	byContents[t.Contents] = t.ID
	g.registerID(t.ID)
	return t.ID, nil
}

// InternText returns the id of the text with the given kind and contents,
// creating it with a fresh local id if it does not exist yet.
func (g *TraceGraph) InternText(kind SharedTextKind, contents string) LocalID {
	if byContents, ok := g.sharedTextLookup[kind]; ok {
		if existing, ok := byContents[contents]; ok {
			return existing
		}
	}
	id, _ := g.AddSharedText(&SharedText{
		ID:       g.NewLocalID(),
		Kind:     kind,
		Contents: contents,
	})
	return id
}

// AddIssue inserts an issue under its local id.
func (g *TraceGraph) AddIssue(issue *Issue) error {
	if issue == nil {
		return fmt.Errorf("add issue: %w", ErrNilEntity)
	}
	g.issues[issue.ID] = issue
	g.registerID(issue.ID)
	return nil
}

// AddIssueInstance inserts an issue instance under its local id.
func (g *TraceGraph) AddIssueInstance(inst *IssueInstance) error {
	if inst == nil {
		return fmt.Errorf("add issue instance: %w", ErrNilEntity)
	}
	g.issueInstances[inst.ID] = inst
	g.registerID(inst.ID)
	return nil
}

// AddIssueInstanceFixInfo attaches fix metadata to an instance.
func (g *TraceGraph) AddIssueInstanceFixInfo(fi *IssueInstanceFixInfo) error {
	if fi == nil {
		return fmt.Errorf("add fix info: %w", ErrNilEntity)
	}
	g.fixInfo[fi.InstanceID] = fi
	return nil
}

// AddTraceFrame inserts a frame and indexes both of its adjacency keys.
// Re-adding an id already present is a no-op, so copying code may blindly
// re-add frames reached from several directions.
func (g *TraceGraph) AddTraceFrame(f *TraceFrame) error {
	if f == nil {
		return fmt.Errorf("add trace frame: %w", ErrNilEntity)
	}
	if _, ok := g.traceFrames[f.ID]; ok {
		return nil
	}
	g.traceFrames[f.ID] = f
	callerKey := frameKey{kind: f.Kind, id: f.CallerID, port: f.CallerPort}
	calleeKey := frameKey{kind: f.Kind, id: f.CalleeID, port: f.CalleePort}
	g.framesByCaller[callerKey] = append(g.framesByCaller[callerKey], f.ID)
	g.framesByCallee[calleeKey] = append(g.framesByCallee[calleeKey], f.ID)
	g.registerID(f.ID)
	return nil
}

// AddTraceFrameAnnotation inserts an annotation and links it to its parent
// frame.
func (g *TraceGraph) AddTraceFrameAnnotation(a *TraceFrameAnnotation) error {
	if a == nil {
		return fmt.Errorf("add annotation: %w", ErrNilEntity)
	}
	if _, ok := g.annotations[a.ID]; ok {
		return nil
	}
	g.annotations[a.ID] = a
	g.frameAnnotationAssoc[a.FrameID] = append(g.frameAnnotationAssoc[a.FrameID], a.ID)
	g.registerID(a.ID)
	return nil
}

// =============================================================================
// Association insertion
// =============================================================================

// AddIssueInstanceTraceFrameAssoc links an instance to a first-hop frame,
// updating the forward and reverse indexes. Idempotent.
func (g *TraceGraph) AddIssueInstanceTraceFrameAssoc(instanceID, frameID LocalID) {
	fwd, ok := g.instanceFrameAssoc[instanceID]
	if !ok {
		fwd = make(map[LocalID]struct{})
		g.instanceFrameAssoc[instanceID] = fwd
	}
	fwd[frameID] = struct{}{}

	rev, ok := g.frameInstanceAssoc[frameID]
	if !ok {
		rev = make(map[LocalID]struct{})
		g.frameInstanceAssoc[frameID] = rev
	}
	rev[instanceID] = struct{}{}
}

// AddIssueInstanceSharedTextAssoc links an instance to a source/sink/message
// text. Idempotent.
func (g *TraceGraph) AddIssueInstanceSharedTextAssoc(instanceID, textID LocalID) {
	assoc, ok := g.instanceTextAssoc[instanceID]
	if !ok {
		assoc = make(map[LocalID]struct{})
		g.instanceTextAssoc[instanceID] = assoc
	}
	assoc[textID] = struct{}{}
}

// AddTraceFrameLeafAssoc records that frameID reaches leafID in depth hops.
// A duplicate (leaf, depth) pair is dropped.
func (g *TraceGraph) AddTraceFrameLeafAssoc(frameID, leafID LocalID, depth int) {
	for _, ld := range g.frameLeafAssoc[frameID] {
		if ld.LeafID == leafID && ld.TraceLength == depth {
			return
		}
	}
	g.frameLeafAssoc[frameID] = append(g.frameLeafAssoc[frameID], LeafDepth{
		LeafID:      leafID,
		TraceLength: depth,
	})
}

// AddTraceFrameAnnotationTraceFrameAssoc links an annotation to one of its
// child frames.
func (g *TraceGraph) AddTraceFrameAnnotationTraceFrameAssoc(annotationID, frameID LocalID) {
	for _, existing := range g.annotationFrameAssoc[annotationID] {
		if existing == frameID {
			return
		}
	}
	g.annotationFrameAssoc[annotationID] = append(g.annotationFrameAssoc[annotationID], frameID)
}

// =============================================================================
// Lookups
// =============================================================================

// GetText resolves a SharedText id to its contents.
func (g *TraceGraph) GetText(id LocalID) (string, error) {
	t, ok := g.sharedTexts[id]
	if !ok {
		return "", fmt.Errorf("text %d: %w", id, ErrTextNotFound)
	}
	return t.Contents, nil
}

// SharedTextFromID resolves a SharedText id.
func (g *TraceGraph) SharedTextFromID(id LocalID) (*SharedText, error) {
	t, ok := g.sharedTexts[id]
	if !ok {
		return nil, fmt.Errorf("text %d: %w", id, ErrTextNotFound)
	}
	return t, nil
}

// LookupSharedText returns the id of the text with the given kind and
// contents, if present.
func (g *TraceGraph) LookupSharedText(kind SharedTextKind, contents string) (LocalID, bool) {
	byContents, ok := g.sharedTextLookup[kind]
	if !ok {
		return 0, false
	}
	id, ok := byContents[contents]
	return id, ok
}

// TraceFrameFromID resolves a TraceFrame id.
func (g *TraceGraph) TraceFrameFromID(id LocalID) (*TraceFrame, error) {
	f, ok := g.traceFrames[id]
	if !ok {
		return nil, fmt.Errorf("frame %d: %w", id, ErrFrameNotFound)
	}
	return f, nil
}

// IssueFromID resolves an Issue id.
func (g *TraceGraph) IssueFromID(id LocalID) (*Issue, error) {
	issue, ok := g.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %d: %w", id, ErrIssueNotFound)
	}
	return issue, nil
}

// IssueInstanceFromID resolves an IssueInstance id.
func (g *TraceGraph) IssueInstanceFromID(id LocalID) (*IssueInstance, error) {
	inst, ok := g.issueInstances[id]
	if !ok {
		return nil, fmt.Errorf("instance %d: %w", id, ErrInstanceNotFound)
	}
	return inst, nil
}

// AnnotationFromID resolves a TraceFrameAnnotation id.
func (g *TraceGraph) AnnotationFromID(id LocalID) (*TraceFrameAnnotation, error) {
	a, ok := g.annotations[id]
	if !ok {
		return nil, fmt.Errorf("annotation %d: %w", id, ErrAnnotationNotFound)
	}
	return a, nil
}

// HasIssueInstance reports whether the instance id is present.
func (g *TraceGraph) HasIssueInstance(id LocalID) bool {
	_, ok := g.issueInstances[id]
	return ok
}

// HasTraceFrame reports whether the frame id is present.
func (g *TraceGraph) HasTraceFrame(id LocalID) bool {
	_, ok := g.traceFrames[id]
	return ok
}

// FixInfoForInstance returns the instance's fix metadata, if any.
func (g *TraceGraph) FixInfoForInstance(instanceID LocalID) (*IssueInstanceFixInfo, bool) {
	fi, ok := g.fixInfo[instanceID]
	return fi, ok
}

// =============================================================================
// Traversal queries
// =============================================================================

// NextTraceFrames returns the successor frames of f: frames of the same
// kind whose caller end matches f's callee end.
func (g *TraceGraph) NextTraceFrames(f *TraceFrame) []*TraceFrame {
	return g.framesAt(g.framesByCaller, frameKey{kind: f.Kind, id: f.CalleeID, port: f.CalleePort})
}

// PredecessorFrames returns the predecessor frames of f: frames of the
// same kind whose callee end matches f's caller end.
func (g *TraceGraph) PredecessorFrames(f *TraceFrame) []*TraceFrame {
	return g.framesAt(g.framesByCallee, frameKey{kind: f.Kind, id: f.CallerID, port: f.CallerPort})
}

func (g *TraceGraph) framesAt(index map[frameKey][]LocalID, key frameKey) []*TraceFrame {
	ids := index[key]
	frames := make([]*TraceFrame, 0, len(ids))
	for _, id := range ids {
		frames = append(frames, g.traceFrames[id])
	}
	return frames
}

// IncomingLeafKindsOfFrame returns the source/sink leaf ids reachable from
// the frame, as recorded by its leaf associations. Non-leaf texts in the
// association are ignored.
func (g *TraceGraph) IncomingLeafKindsOfFrame(f *TraceFrame) LeafSet {
	leaves := make(LeafSet)
	for _, ld := range g.frameLeafAssoc[f.ID] {
		if t, ok := g.sharedTexts[ld.LeafID]; ok && t.Kind.IsLeaf() {
			leaves.Add(ld.LeafID)
		}
	}
	return leaves
}

// ComputePrevLeafKinds maps a set of leaf ids meaningful at the current hop
// back to the ids meaningful at the predecessor hop, through the
// predecessor's leaf mapping. An empty result means no leaf of
// currentLeaves survives the translation, and the predecessor must not be
// expanded; this is what keeps unrelated flows from being merged at a
// shared call edge.
func (g *TraceGraph) ComputePrevLeafKinds(currentLeaves LeafSet, mapping []LeafMapping) LeafSet {
	prev := make(LeafSet)
	for _, m := range mapping {
		if currentLeaves.Contains(m.CalleeLeaf) {
			prev.Add(m.CallerLeaf)
		}
	}
	return prev
}

// IssueInstanceSharedTexts returns the instance's associated texts filtered
// by kind, ordered by id.
func (g *TraceGraph) IssueInstanceSharedTexts(instanceID LocalID, kind SharedTextKind) []*SharedText {
	var texts []*SharedText
	for textID := range g.instanceTextAssoc[instanceID] {
		if t, ok := g.sharedTexts[textID]; ok && t.Kind == kind {
			texts = append(texts, t)
		}
	}
	sort.Slice(texts, func(i, j int) bool { return texts[i].ID < texts[j].ID })
	return texts
}

// InstanceSharedTextIDs returns every text id associated with the instance.
func (g *TraceGraph) InstanceSharedTextIDs(instanceID LocalID) []LocalID {
	return sortedIDs(g.instanceTextAssoc[instanceID])
}

// InstanceTraceFrameIDs returns the first-hop frame ids associated with the
// instance.
func (g *TraceGraph) InstanceTraceFrameIDs(instanceID LocalID) []LocalID {
	return sortedIDs(g.instanceFrameAssoc[instanceID])
}

// FrameIssueInstanceIDs returns the instance ids associated with the frame.
func (g *TraceGraph) FrameIssueInstanceIDs(frameID LocalID) []LocalID {
	return sortedIDs(g.frameInstanceAssoc[frameID])
}

// ConditionAnnotations returns the annotations attached to a frame.
func (g *TraceGraph) ConditionAnnotations(frameID LocalID) []*TraceFrameAnnotation {
	ids := g.frameAnnotationAssoc[frameID]
	annotations := make([]*TraceFrameAnnotation, 0, len(ids))
	for _, id := range ids {
		annotations = append(annotations, g.annotations[id])
	}
	return annotations
}

// AnnotationTraceFrames returns the child frames of an annotation's
// sub-trace.
func (g *TraceGraph) AnnotationTraceFrames(annotationID LocalID) []*TraceFrame {
	ids := g.annotationFrameAssoc[annotationID]
	frames := make([]*TraceFrame, 0, len(ids))
	for _, id := range ids {
		frames = append(frames, g.traceFrames[id])
	}
	return frames
}

// LeafAssocs returns the (leaf, depth) pairs recorded for a frame.
func (g *TraceGraph) LeafAssocs(frameID LocalID) []LeafDepth {
	return g.frameLeafAssoc[frameID]
}

// =============================================================================
// Iteration and counts
// =============================================================================

// IssueInstances returns every instance in the graph. The slice is a fresh
// snapshot ordered by id; the pointed-to instances are the graph's own.
func (g *TraceGraph) IssueInstances() []*IssueInstance {
	out := make([]*IssueInstance, 0, len(g.issueInstances))
	for _, inst := range g.issueInstances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Issues returns every issue in the graph, ordered by id.
func (g *TraceGraph) Issues() []*Issue {
	out := make([]*Issue, 0, len(g.issues))
	for _, issue := range g.issues {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TraceFrames returns every frame in the graph, ordered by id.
func (g *TraceGraph) TraceFrames() []*TraceFrame {
	out := make([]*TraceFrame, 0, len(g.traceFrames))
	for _, f := range g.traceFrames {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SharedTexts returns every text in the graph, ordered by id.
func (g *TraceGraph) SharedTexts() []*SharedText {
	out := make([]*SharedText, 0, len(g.sharedTexts))
	for _, t := range g.sharedTexts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Annotations returns every annotation in the graph, ordered by id.
func (g *TraceGraph) Annotations() []*TraceFrameAnnotation {
	out := make([]*TraceFrameAnnotation, 0, len(g.annotations))
	for _, a := range g.annotations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FixInfos returns every fix info in the graph, ordered by instance id.
func (g *TraceGraph) FixInfos() []*IssueInstanceFixInfo {
	out := make([]*IssueInstanceFixInfo, 0, len(g.fixInfo))
	for _, fi := range g.fixInfo {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// NumIssueInstances returns the instance count.
func (g *TraceGraph) NumIssueInstances() int { return len(g.issueInstances) }

// NumTraceFrames returns the frame count.
func (g *TraceGraph) NumTraceFrames() int { return len(g.traceFrames) }

// NumSharedTexts returns the interned text count.
func (g *TraceGraph) NumSharedTexts() int { return len(g.sharedTexts) }

// NumIssues returns the issue count.
func (g *TraceGraph) NumIssues() int { return len(g.issues) }

func sortedIDs(set map[LocalID]struct{}) []LocalID {
	ids := make([]LocalID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
