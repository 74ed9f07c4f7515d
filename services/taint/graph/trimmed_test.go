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
	"testing"
)

func trim(t *testing.T, src *TraceGraph, cfg TrimConfig) *TrimmedGraph {
	t.Helper()
	out := NewTrimmedGraph(cfg)
	if err := out.PopulateFromGraph(context.Background(), src); err != nil {
		t.Fatalf("PopulateFromGraph: %v", err)
	}
	assertNoDanglingReferences(t, out.TraceGraph)
	return out
}

// assertNoDanglingReferences checks the self-consistency invariant of a
// trimmed output: every id referenced by any association resolves inside
// the same graph.
func assertNoDanglingReferences(t *testing.T, g *TraceGraph) {
	t.Helper()
	for _, inst := range g.IssueInstances() {
		if _, err := g.IssueFromID(inst.IssueID); err != nil {
			t.Errorf("instance %d references missing issue %d", inst.ID, inst.IssueID)
		}
		for _, textID := range []LocalID{inst.FilenameID, inst.CallableID, inst.MessageID} {
			if _, err := g.SharedTextFromID(textID); err != nil {
				t.Errorf("instance %d references missing text %d", inst.ID, textID)
			}
		}
		for _, frameID := range g.InstanceTraceFrameIDs(inst.ID) {
			if !g.HasTraceFrame(frameID) {
				t.Errorf("instance %d references missing frame %d", inst.ID, frameID)
			}
		}
		for _, textID := range g.InstanceSharedTextIDs(inst.ID) {
			if _, err := g.SharedTextFromID(textID); err != nil {
				t.Errorf("instance %d text assoc references missing text %d", inst.ID, textID)
			}
		}
	}
	for _, f := range g.TraceFrames() {
		for _, textID := range []LocalID{f.FilenameID, f.CallerID, f.CalleeID} {
			if _, err := g.SharedTextFromID(textID); err != nil {
				t.Errorf("frame %d references missing text %d", f.ID, textID)
			}
		}
		for _, ld := range g.LeafAssocs(f.ID) {
			if _, err := g.SharedTextFromID(ld.LeafID); err != nil {
				t.Errorf("frame %d leaf assoc references missing text %d", f.ID, ld.LeafID)
			}
		}
		for _, a := range g.ConditionAnnotations(f.ID) {
			for _, child := range g.AnnotationTraceFrames(a.ID) {
				if child == nil || !g.HasTraceFrame(child.ID) {
					t.Errorf("annotation %d references a missing child frame", a.ID)
				}
			}
		}
	}
}

// twoIssueGraph builds a small source graph with two independent issues:
//
//	X: postcondition trace /x/a.py -> /shared/s.py reaching source L1 and
//	   a precondition trace /x/a.py reaching sink S1
//	Y: postcondition trace /y/b.py reaching source L2
func twoIssueGraph(t *testing.T) (*builder, *IssueInstance, *IssueInstance) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "UserControlled")
	l2 := b.text(TextKindSource, "Cookies")
	s1 := b.text(TextKindSink, "RemoteCodeExecution")

	issueX := b.issue(5001, "x.entry:5001")
	instX := b.instance(issueX, "/x/a.py", "x.entry", l1, s1)

	fx1 := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "x.entry", callerPort: "root",
		callee: "shared.helper", calleePort: "result",
		filename: "/x/a.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 2}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "shared.helper", callerPort: "result",
		callee: "taint.src", calleePort: "source",
		filename: "/shared/s.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	fx3 := b.frame(frameSpec{
		kind: TraceKindPrecondition,
		caller: "x.entry", callerPort: "root",
		callee: "os.exec", calleePort: "sink",
		filename: "/x/a.py",
		leaves:   []LeafDepth{{LeafID: s1, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: s1, CallerLeaf: s1}},
	})
	b.firstHop(instX, fx1, fx3)

	issueY := b.issue(5002, "y.entry:5002")
	instY := b.instance(issueY, "/y/b.py", "y.entry", l2)
	fy1 := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "y.entry", callerPort: "root",
		callee: "cookie.read", calleePort: "source",
		filename: "/y/b.py",
		leaves:   []LeafDepth{{LeafID: l2, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: l2, CallerLeaf: l2}},
	})
	b.firstHop(instY, fy1)

	return b, instX, instY
}

func TestTrim_EmptyFilterYieldsEmptyGraph(t *testing.T) {
	b, _, _ := twoIssueGraph(t)

	out := trim(t, b.g, TrimConfig{AffectedFiles: nil})

	if out.NumIssueInstances() != 0 {
		t.Errorf("instances = %d, expected 0", out.NumIssueInstances())
	}
	if out.NumTraceFrames() != 0 {
		t.Errorf("frames = %d, expected 0", out.NumTraceFrames())
	}
	if out.NumIssues() != 0 {
		t.Errorf("issues = %d, expected 0", out.NumIssues())
	}
}

func TestTrim_UniverseFilterPreservesGraph(t *testing.T) {
	b, _, _ := twoIssueGraph(t)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/"}})

	if out.NumIssueInstances() != b.g.NumIssueInstances() {
		t.Errorf("instances = %d, expected %d", out.NumIssueInstances(), b.g.NumIssueInstances())
	}
	if out.NumTraceFrames() != b.g.NumTraceFrames() {
		t.Errorf("frames = %d, expected %d", out.NumTraceFrames(), b.g.NumTraceFrames())
	}
	if out.NumIssues() != b.g.NumIssues() {
		t.Errorf("issues = %d, expected %d", out.NumIssues(), b.g.NumIssues())
	}
}

func TestTrim_AffectedIssueKeepsFullTrace(t *testing.T) {
	b, instX, _ := twoIssueGraph(t)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/x/"}})

	if !out.HasIssueInstance(instX.ID) {
		t.Fatal("expected instance X in trimmed graph")
	}
	// X's postcondition hop continues into /shared/s.py; the full trace is
	// copied even though that file is outside the filter.
	if out.NumTraceFrames() != 3 {
		t.Errorf("frames = %d, expected all 3 frames of X's traces", out.NumTraceFrames())
	}
	got := out.IssueInstances()
	if len(got) != 1 {
		t.Fatalf("instances = %d, expected only X", len(got))
	}
	if got[0].MinTraceLengthToSources != 2 {
		t.Errorf("MinTraceLengthToSources = %d, expected 2", got[0].MinTraceLengthToSources)
	}
	if got[0].MinTraceLengthToSinks != 1 {
		t.Errorf("MinTraceLengthToSinks = %d, expected 1", got[0].MinTraceLengthToSinks)
	}
	if got[0].CallableCount != 1 {
		t.Errorf("CallableCount = %d, expected 1", got[0].CallableCount)
	}
}

func TestTrim_AffectedIssuesOnlySkipsFrameSearch(t *testing.T) {
	b, instX, instY := twoIssueGraph(t)

	// /shared/ contains only a frame of X's trace, not an issue location.
	// With AffectedIssuesOnly set, the frame-seeded search is skipped and
	// nothing is pulled in.
	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/shared/"}, AffectedIssuesOnly: true})
	if out.NumIssueInstances() != 0 {
		t.Errorf("instances = %d, expected 0 with AffectedIssuesOnly", out.NumIssueInstances())
	}

	// Without it, the backward search finds X from the shared frame.
	out = trim(t, b.g, TrimConfig{AffectedFiles: []string{"/shared/"}})
	if !out.HasIssueInstance(instX.ID) {
		t.Error("expected instance X pulled in via the shared frame")
	}
	if out.HasIssueInstance(instY.ID) {
		t.Error("instance Y has no trace through /shared/, must not be pulled in")
	}
}

// TestTrim_LeafConsistentBackwardSearch builds two issues sharing one call
// edge with disjoint leaf sets and asserts only the leaf-matching issue is
// pulled in when filtering on the shared file.
func TestTrim_LeafConsistentBackwardSearch(t *testing.T) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "UserControlled")
	l2 := b.text(TextKindSource, "Cookies")

	issueX := b.issue(5001, "x.entry:5001")
	instX := b.instance(issueX, "/x/a.py", "x.entry", l1)
	issueY := b.issue(5002, "y.entry:5002")
	// Y's first hop rides the same call edge but Y's own leaves are
	// disjoint from the flow recorded through the shared frame.
	instY := b.instance(issueY, "/y/b.py", "y.entry", l2)

	fx := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "x.entry", callerPort: "root",
		callee: "shared.helper", calleePort: "result",
		filename: "/x/a.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 2}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	fy := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "y.entry", callerPort: "root",
		callee: "shared.helper", calleePort: "result",
		filename: "/y/b.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 2}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "shared.helper", callerPort: "result",
		callee: "taint.src", calleePort: "source",
		filename: "/shared/s.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.firstHop(instX, fx)
	b.firstHop(instY, fy)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/shared/"}})

	if !out.HasIssueInstance(instX.ID) {
		t.Error("expected leaf-matching instance X in trimmed graph")
	}
	if out.HasIssueInstance(instY.ID) {
		t.Error("instance Y shares the call edge but not a leaf; must not be pulled in")
	}
}

// TestTrim_Scenario is the end-to-end scenario: issue X with one
// postcondition frame (depth 2 to a source leaf) in /a/b.py and no
// precondition frames. Trimming on /a/ must produce X's instance, the
// frame, no precondition frames, and metrics 2/0.
func TestTrim_Scenario(t *testing.T) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "L1")
	issueX := b.issue(6001, "x.entry:6001")
	// The instance itself is located outside the filter; only the frame's
	// location is affected.
	instX := b.instance(issueX, "/c/d.py", "x.entry", l1)
	f1 := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "x.entry", callerPort: "root",
		callee: "taint.src", calleePort: "source",
		filename: "/a/b.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 2}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.firstHop(instX, f1)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/a/"}})

	if !out.HasIssueInstance(instX.ID) {
		t.Fatal("expected instance X in trimmed graph")
	}
	if !out.HasTraceFrame(f1.ID) {
		t.Fatal("expected frame F1 in trimmed graph")
	}

	inst, err := out.IssueInstanceFromID(instX.ID)
	if err != nil {
		t.Fatalf("IssueInstanceFromID: %v", err)
	}
	if inst.MinTraceLengthToSources != 2 {
		t.Errorf("MinTraceLengthToSources = %d, expected 2", inst.MinTraceLengthToSources)
	}
	if inst.MinTraceLengthToSinks != 0 {
		t.Errorf("MinTraceLengthToSinks = %d, expected 0", inst.MinTraceLengthToSinks)
	}

	for _, f := range out.TraceFrames() {
		if f.Kind == TraceKindPrecondition {
			t.Errorf("unexpected precondition frame %d in trimmed graph", f.ID)
		}
	}
}

// TestTrim_DirectionalCompleteness pulls an issue in from its source-ward
// side only and checks the sink-ward trace is repaired from the source
// graph afterwards.
func TestTrim_DirectionalCompleteness(t *testing.T) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "UserControlled")
	s1 := b.text(TextKindSink, "SQLInjection")

	issue := b.issue(7001, "app.handler:7001")
	inst := b.instance(issue, "/app/handler.py", "app.handler", l1, s1)

	post := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "app.handler", callerPort: "root",
		callee: "request.get", calleePort: "source",
		filename: "/affected/req.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	pre := b.frame(frameSpec{
		kind: TraceKindPrecondition,
		caller: "app.handler", callerPort: "root",
		callee: "db.query", calleePort: "sink",
		filename: "/elsewhere/db.py",
		leaves:   []LeafDepth{{LeafID: s1, TraceLength: 3}},
		mapping:  []LeafMapping{{CalleeLeaf: s1, CallerLeaf: s1}},
	})
	b.firstHop(inst, post, pre)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/affected/"}})

	if !out.HasIssueInstance(inst.ID) {
		t.Fatal("expected instance in trimmed graph")
	}
	// The precondition side never touched the filter, but it must be
	// populated so the issue does not present a one-sided trace.
	if !out.HasTraceFrame(pre.ID) {
		t.Error("expected sink-ward trace repaired into trimmed graph")
	}

	hasPost, hasPre := false, false
	for _, frameID := range out.InstanceTraceFrameIDs(inst.ID) {
		f, err := out.TraceFrameFromID(frameID)
		if err != nil {
			t.Fatalf("TraceFrameFromID: %v", err)
		}
		switch f.Kind {
		case TraceKindPostcondition:
			hasPost = true
		case TraceKindPrecondition:
			hasPre = true
		}
	}
	if !hasPost || !hasPre {
		t.Errorf("directional completeness violated: post=%v pre=%v", hasPost, hasPre)
	}

	got, err := out.IssueInstanceFromID(inst.ID)
	if err != nil {
		t.Fatalf("IssueInstanceFromID: %v", err)
	}
	if got.MinTraceLengthToSources != 1 {
		t.Errorf("MinTraceLengthToSources = %d, expected 1", got.MinTraceLengthToSources)
	}
	if got.MinTraceLengthToSinks != 3 {
		t.Errorf("MinTraceLengthToSinks = %d, expected 3", got.MinTraceLengthToSinks)
	}
}

// TestTrim_RecomputesMinDepthAfterExclusion gives an instance two
// source-ward first hops: the nearer one outside the filter, the farther
// one inside. After trimming only the farther hop remains associated, so
// the recomputed min depth must reflect it.
func TestTrim_RecomputesMinDepthAfterExclusion(t *testing.T) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "UserControlled")
	issue := b.issue(8001, "svc.run:8001")
	inst := b.instance(issue, "/other/svc.py", "svc.run", l1)
	inst.MinTraceLengthToSources = 1 // precomputed against the full graph

	near := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "svc.run", callerPort: "root",
		callee: "near.src", calleePort: "source",
		filename: "/excluded/near.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	far := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "svc.run", callerPort: "root",
		callee: "far.mid", calleePort: "result",
		filename: "/affected/far.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 3}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.firstHop(inst, near, far)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/affected/"}})

	got, err := out.IssueInstanceFromID(inst.ID)
	if err != nil {
		t.Fatalf("IssueInstanceFromID: %v", err)
	}
	if got.MinTraceLengthToSources != 3 {
		t.Errorf("MinTraceLengthToSources = %d, expected 3 (near frame excluded)", got.MinTraceLengthToSources)
	}
	if out.HasTraceFrame(near.ID) {
		t.Error("near frame is outside the filter and not on a pulled trace; must be excluded")
	}
}

func TestTrim_CopiesAnnotationsAndSubTraces(t *testing.T) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "UserControlled")
	issue := b.issue(9001, "app.main:9001")
	inst := b.instance(issue, "/app/main.py", "app.main", l1)

	first := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "app.main", callerPort: "root",
		callee: "taint.src", calleePort: "source",
		filename: "/app/main.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.firstHop(inst, first)

	sub := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "async.boundary", callerPort: "root",
		callee: "queue.pop", calleePort: "result",
		filename: "/infra/queue.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 2}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	a := b.annotation(first, "taint crosses queue", sub)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/app/"}})

	if !out.HasTraceFrame(first.ID) {
		t.Fatal("expected first frame in trimmed graph")
	}
	annotations := out.ConditionAnnotations(first.ID)
	if len(annotations) != 1 || annotations[0].ID != a.ID {
		t.Fatalf("expected the annotation copied, got %v", annotations)
	}
	if !out.HasTraceFrame(sub.ID) {
		t.Error("expected annotation sub-trace frame copied")
	}
	children := out.AnnotationTraceFrames(a.ID)
	if len(children) != 1 || children[0].ID != sub.ID {
		t.Errorf("annotation children = %v, expected the sub-trace frame", children)
	}
}

func TestTrim_FixInfoAndCallableCount(t *testing.T) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "UserControlled")
	issue := b.issue(5005, "pkg.f:5005")
	instA := b.instance(issue, "/a/f.py", "pkg.f", l1)
	instB := b.instance(issue, "/a/g.py", "pkg.f", l1)
	if err := b.g.AddIssueInstanceFixInfo(&IssueInstanceFixInfo{
		InstanceID: instA.ID,
		Contents:   `{"replacement": "sanitize(input)"}`,
	}); err != nil {
		t.Fatalf("AddIssueInstanceFixInfo: %v", err)
	}

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/a/"}})

	if _, ok := out.FixInfoForInstance(instA.ID); !ok {
		t.Error("expected fix info copied with instance A")
	}
	if _, ok := out.FixInfoForInstance(instB.ID); ok {
		t.Error("instance B has no fix info; none must appear")
	}

	// Both instances share one callable; the recomputed count is over the
	// trimmed graph.
	gotA, err := out.IssueInstanceFromID(instA.ID)
	if err != nil {
		t.Fatalf("IssueInstanceFromID: %v", err)
	}
	if gotA.CallableCount != 2 {
		t.Errorf("CallableCount = %d, expected 2", gotA.CallableCount)
	}
}

func TestTrim_CyclicCallGraphTerminates(t *testing.T) {
	b := newBuilder(t)

	l1 := b.text(TextKindSource, "UserControlled")
	issue := b.issue(5100, "cyc.a:5100")
	inst := b.instance(issue, "/cyc/a.py", "cyc.a", l1)

	// a -> b -> a cycle in the postcondition call graph.
	fa := b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "cyc.a", callerPort: "root",
		callee: "cyc.b", calleePort: "result",
		filename: "/cyc/a.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 2}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.frame(frameSpec{
		kind: TraceKindPostcondition,
		caller: "cyc.b", callerPort: "result",
		callee: "cyc.a", calleePort: "root",
		filename: "/cyc/b.py",
		leaves:   []LeafDepth{{LeafID: l1, TraceLength: 1}},
		mapping:  []LeafMapping{{CalleeLeaf: l1, CallerLeaf: l1}},
	})
	b.firstHop(inst, fa)

	out := trim(t, b.g, TrimConfig{AffectedFiles: []string{"/cyc/"}})

	if !out.HasIssueInstance(inst.ID) {
		t.Error("expected instance in trimmed graph")
	}
	if out.NumTraceFrames() != 2 {
		t.Errorf("frames = %d, expected both cycle frames exactly once", out.NumTraceFrames())
	}
}
