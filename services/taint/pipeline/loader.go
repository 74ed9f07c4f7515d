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

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AleutianAI/sift/services/taint/graph"
)

// rootPort is the caller port naming an issue's own callable. A condition
// whose caller end is (callable, rootPort) is a first hop of every issue
// instance defined in that callable.
const rootPort = "root"

// Loader assembles parsed records into a TraceGraph.
//
// Conditions are loaded before issues so that first-hop associations can be
// wired by looking up frames at the instance's callable root. A Loader is
// single-use: one Load call builds one graph.
type Loader struct {
	runID  uuid.UUID
	logger *slog.Logger

	g            *graph.TraceGraph
	issuesByHandle map[string]*graph.Issue
	framesAtRoot map[frameOrigin][]graph.LocalID
}

// frameOrigin is the caller end a frame hangs off.
type frameOrigin struct {
	kind   graph.TraceKind
	caller graph.LocalID
	port   string
}

// NewLoader creates a loader with a fresh run id.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		runID:        uuid.New(),
		logger:       logger,
		g:            graph.NewTraceGraph(),
		issuesByHandle: make(map[string]*graph.Issue),
		framesAtRoot: make(map[frameOrigin][]graph.LocalID),
	}
}

// RunID returns the identifier assigned to this load.
func (l *Loader) RunID() uuid.UUID {
	return l.runID
}

// Load builds the trace graph from parsed records.
//
// Description:
//
//	Loads in two passes: conditions become trace frames (with interned
//	texts, leaf associations, and leaf mappings), then issues become
//	issue/instance pairs wired to the frames rooted at their callable.
//	Finally the per-callable instance counts are computed.
//
// Outputs:
//
//	*TraceGraph - The assembled graph.
//	error - Non-nil on malformed records or unresolved leaf names.
//
// Thread Safety: Not safe for concurrent use.
func (l *Loader) Load(records []Record) (*graph.TraceGraph, error) {
	l.logger.Info("loading trace graph",
		slog.String("run_id", l.runID.String()),
		slog.Int("records", len(records)),
	)

	for _, r := range records {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if r.Condition != nil {
			if err := l.loadCondition(r.Condition); err != nil {
				return nil, err
			}
		}
	}
	for _, r := range records {
		if r.Issue != nil {
			if err := l.loadIssue(r.Issue); err != nil {
				return nil, err
			}
		}
	}
	l.computeCallableCounts()

	l.logger.Info("trace graph loaded",
		slog.String("run_id", l.runID.String()),
		slog.Int("issues", l.g.NumIssues()),
		slog.Int("instances", l.g.NumIssueInstances()),
		slog.Int("frames", l.g.NumTraceFrames()),
	)
	return l.g, nil
}

func traceKindOf(name string) (graph.TraceKind, error) {
	switch name {
	case "precondition":
		return graph.TraceKindPrecondition, nil
	case "postcondition":
		return graph.TraceKindPostcondition, nil
	default:
		return 0, fmt.Errorf("%w: condition kind %q", ErrBadRecord, name)
	}
}

func leafTextKindOf(name string) (graph.SharedTextKind, error) {
	switch name {
	case "source":
		return graph.TextKindSource, nil
	case "sink":
		return graph.TextKindSink, nil
	default:
		return 0, fmt.Errorf("%w: leaf kind %q", ErrBadRecord, name)
	}
}

func (l *Loader) loadCondition(cond *ConditionRecord) error {
	kind, err := traceKindOf(cond.Kind)
	if err != nil {
		return err
	}

	frame := &graph.TraceFrame{
		ID:         l.g.NewLocalID(),
		Kind:       kind,
		CallerID:   l.g.InternText(graph.TextKindCallable, cond.Caller),
		CallerPort: cond.CallerPort,
		CalleeID:   l.g.InternText(graph.TextKindCallable, cond.Callee),
		CalleePort: cond.CalleePort,
		FilenameID: l.g.InternText(graph.TextKindFilename, cond.Filename),
		Location:   graph.Location{Line: cond.Line, Start: cond.Start, End: cond.End},
	}

	// Leaf names resolve within the direction's own leaf namespace:
	// postconditions carry sources, preconditions carry sinks.
	mapKind := graph.TextKindSink
	if kind == graph.TraceKindPostcondition {
		mapKind = graph.TextKindSource
	}

	leafIDs := make([]graph.LocalID, 0, len(cond.Leaves))
	leafDepths := make([]int, 0, len(cond.Leaves))
	for _, leaf := range cond.Leaves {
		textKind, err := leafTextKindOf(leaf.Kind)
		if err != nil {
			return err
		}
		leafIDs = append(leafIDs, l.g.InternText(textKind, leaf.Name))
		leafDepths = append(leafDepths, leaf.Depth)
	}

	if len(cond.LeafMap) > 0 {
		for _, m := range cond.LeafMap {
			frame.LeafMapping = append(frame.LeafMapping, graph.LeafMapping{
				CalleeLeaf: l.g.InternText(mapKind, m.CalleeLeaf),
				CallerLeaf: l.g.InternText(mapKind, m.CallerLeaf),
			})
		}
	} else {
		// Absent mapping means the frame passes its leaves through as-is.
		for _, id := range leafIDs {
			frame.LeafMapping = append(frame.LeafMapping, graph.LeafMapping{
				CalleeLeaf: id,
				CallerLeaf: id,
			})
		}
	}

	if err := l.g.AddTraceFrame(frame); err != nil {
		return err
	}
	for i, id := range leafIDs {
		l.g.AddTraceFrameLeafAssoc(frame.ID, id, leafDepths[i])
	}

	origin := frameOrigin{kind: kind, caller: frame.CallerID, port: frame.CallerPort}
	l.framesAtRoot[origin] = append(l.framesAtRoot[origin], frame.ID)
	return nil
}

func (l *Loader) loadIssue(rec *IssueRecord) error {
	issue, ok := l.issuesByHandle[rec.Handle]
	if !ok {
		issue = &graph.Issue{ID: l.g.NewLocalID(), Code: rec.Code, Handle: rec.Handle}
		if err := l.g.AddIssue(issue); err != nil {
			return err
		}
		l.issuesByHandle[rec.Handle] = issue
	}

	callableID := l.g.InternText(graph.TextKindCallable, rec.Callable)
	inst := &graph.IssueInstance{
		ID:                      l.g.NewLocalID(),
		IssueID:                 issue.ID,
		FilenameID:              l.g.InternText(graph.TextKindFilename, rec.Filename),
		CallableID:              callableID,
		MessageID:               l.g.InternText(graph.TextKindMessage, rec.Message),
		Location:                graph.Location{Line: rec.Line, Start: rec.Start, End: rec.End},
		MinTraceLengthToSources: minLeafDepth(rec.Sources),
		MinTraceLengthToSinks:   minLeafDepth(rec.Sinks),
	}
	if err := l.g.AddIssueInstance(inst); err != nil {
		return err
	}

	l.g.AddIssueInstanceSharedTextAssoc(inst.ID, inst.MessageID)
	for _, leaf := range rec.Sources {
		l.g.AddIssueInstanceSharedTextAssoc(inst.ID, l.g.InternText(graph.TextKindSource, leaf.Name))
	}
	for _, leaf := range rec.Sinks {
		l.g.AddIssueInstanceSharedTextAssoc(inst.ID, l.g.InternText(graph.TextKindSink, leaf.Name))
	}
	for _, feature := range rec.Features {
		l.g.AddIssueInstanceSharedTextAssoc(inst.ID, l.g.InternText(graph.TextKindFeature, feature))
	}

	if rec.FixInfo != "" {
		err := l.g.AddIssueInstanceFixInfo(&graph.IssueInstanceFixInfo{
			InstanceID: inst.ID,
			Contents:   rec.FixInfo,
		})
		if err != nil {
			return err
		}
	}

	// First hops: frames rooted at the instance's callable, both directions.
	for _, kind := range []graph.TraceKind{graph.TraceKindPostcondition, graph.TraceKindPrecondition} {
		origin := frameOrigin{kind: kind, caller: callableID, port: rootPort}
		for _, frameID := range l.framesAtRoot[origin] {
			l.g.AddIssueInstanceTraceFrameAssoc(inst.ID, frameID)
		}
	}
	return nil
}

func minLeafDepth(leaves []LeafRecord) int {
	depth := 0
	for i, leaf := range leaves {
		if i == 0 || leaf.Depth < depth {
			depth = leaf.Depth
		}
	}
	return depth
}

func (l *Loader) computeCallableCounts() {
	histo := make(map[graph.LocalID]int)
	for _, inst := range l.g.IssueInstances() {
		histo[inst.CallableID]++
	}
	for _, inst := range l.g.IssueInstances() {
		inst.CallableCount = histo[inst.CallableID]
	}
}
