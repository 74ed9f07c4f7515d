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

import (
	"context"
	"encoding/json"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sift/services/taint/graph"
	"github.com/AleutianAI/sift/services/taint/storage/badger"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

// sampleGraph builds one issue with a two-frame postcondition trace, a fix
// info, and an annotation with a child frame.
func sampleGraph(t *testing.T) *graph.TraceGraph {
	t.Helper()
	g := graph.NewTraceGraph()

	src := g.InternText(graph.TextKindSource, "UserControlled")
	filename := g.InternText(graph.TextKindFilename, "/app/main.py")
	callable := g.InternText(graph.TextKindCallable, "app.main")
	callee := g.InternText(graph.TextKindCallable, "taint.src")
	message := g.InternText(graph.TextKindMessage, "tainted flow")

	issue := &graph.Issue{ID: g.NewLocalID(), Code: 5001, Handle: "app.main:5001"}
	require.NoError(t, g.AddIssue(issue))

	inst := &graph.IssueInstance{
		ID:         g.NewLocalID(),
		IssueID:    issue.ID,
		FilenameID: filename,
		CallableID: callable,
		MessageID:  message,
		Location:   graph.Location{Line: 3, Start: 1, End: 9},
	}
	require.NoError(t, g.AddIssueInstance(inst))
	g.AddIssueInstanceSharedTextAssoc(inst.ID, message)
	g.AddIssueInstanceSharedTextAssoc(inst.ID, src)

	require.NoError(t, g.AddIssueInstanceFixInfo(&graph.IssueInstanceFixInfo{
		InstanceID: inst.ID,
		Contents:   `{"replacement": "sanitize(x)"}`,
	}))

	f1 := &graph.TraceFrame{
		ID:          g.NewLocalID(),
		Kind:        graph.TraceKindPostcondition,
		CallerID:    callable,
		CallerPort:  "root",
		CalleeID:    callee,
		CalleePort:  "result",
		FilenameID:  filename,
		Location:    graph.Location{Line: 3, Start: 1, End: 9},
		LeafMapping: []graph.LeafMapping{{CalleeLeaf: src, CallerLeaf: src}},
	}
	require.NoError(t, g.AddTraceFrame(f1))
	g.AddTraceFrameLeafAssoc(f1.ID, src, 1)
	g.AddIssueInstanceTraceFrameAssoc(inst.ID, f1.ID)

	f2 := &graph.TraceFrame{
		ID:         g.NewLocalID(),
		Kind:       graph.TraceKindPostcondition,
		CallerID:   callee,
		CallerPort: "result",
		CalleeID:   g.InternText(graph.TextKindCallable, "queue.pop"),
		CalleePort: "result",
		FilenameID: g.InternText(graph.TextKindFilename, "/infra/queue.py"),
	}
	require.NoError(t, g.AddTraceFrame(f2))
	g.AddTraceFrameLeafAssoc(f2.ID, src, 2)

	a := &graph.TraceFrameAnnotation{
		ID:      g.NewLocalID(),
		FrameID: f1.ID,
		Message: "crosses queue boundary",
	}
	require.NoError(t, g.AddTraceFrameAnnotation(a))
	g.AddTraceFrameAnnotationTraceFrameAssoc(a.ID, f2.ID)

	return g
}

func TestBulkSaver_SaveAll(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g := sampleGraph(t)

	saver := NewBulkSaver(db, WithBatchSize(2))
	saver.Add(g)

	stats, err := saver.SaveAll(ctx, "run-1")
	require.NoError(t, err)

	want := Stats{
		KindSharedText:                          g.NumSharedTexts(),
		KindIssue:                               1,
		KindIssueInstanceFixInfo:                1,
		KindIssueInstance:                       1,
		KindIssueInstanceSharedTextAssoc:        2,
		KindTraceFrame:                          2,
		KindIssueInstanceTraceFrameAssoc:        1,
		KindTraceFrameAnnotation:                1,
		KindTraceFrameLeafAssoc:                 2,
		KindTraceFrameAnnotationTraceFrameAssoc: 1,
	}
	assert.Equal(t, want, stats)

	persisted, err := RunStats(ctx, db, "run-1")
	require.NoError(t, err)
	assert.Equal(t, want, persisted)
}

func TestBulkSaver_TranslatesLocalIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g := sampleGraph(t)

	saver := NewBulkSaver(db)
	saver.Add(g)
	_, err := saver.SaveAll(ctx, "run-1")
	require.NoError(t, err)

	// Every foreign key on the persisted instance must point at a record
	// that exists under its own kind.
	var instances []issueInstanceRecord
	prefix := []byte("run/run-1/" + KindIssueInstance.String() + "/")
	err = db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec issueInstanceRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				instances = append(instances, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	inst := instances[0]
	assertKeyExists(t, db, entityKey("run-1", KindIssue, inst.IssueID))
	assertKeyExists(t, db, entityKey("run-1", KindSharedText, inst.FilenameID))
	assertKeyExists(t, db, entityKey("run-1", KindSharedText, inst.CallableID))
	assertKeyExists(t, db, entityKey("run-1", KindSharedText, inst.MessageID))
}

func assertKeyExists(t *testing.T, db *badger.DB, key []byte) {
	t.Helper()
	err := db.WithReadTxn(context.Background(), func(txn *badgerdb.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	assert.NoError(t, err, "expected key %s", key)
}

func TestBulkSaver_DrainsPendingOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	saver := NewBulkSaver(db)
	saver.Add(sampleGraph(t))

	first, err := saver.SaveAll(ctx, "run-1")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := saver.SaveAll(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, second, "staged graphs must not be saved twice")
}

func TestBulkSaver_SeparateRunsGetDisjointIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	saver := NewBulkSaver(db)
	saver.Add(sampleGraph(t))
	_, err := saver.SaveAll(ctx, "run-1")
	require.NoError(t, err)

	saver.Add(sampleGraph(t))
	_, err = saver.SaveAll(ctx, "run-2")
	require.NoError(t, err)

	seen := make(map[int64]string)
	for _, runID := range []string{"run-1", "run-2"} {
		prefix := []byte("run/" + runID + "/" + KindIssue.String() + "/")
		err := db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
			opts := badgerdb.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				err := it.Item().Value(func(val []byte) error {
					var rec issueRecord
					if err := json.Unmarshal(val, &rec); err != nil {
						return err
					}
					if prev, dup := seen[rec.ID]; dup {
						t.Errorf("issue id %d assigned in both %s and %s", rec.ID, prev, runID)
					}
					seen[rec.ID] = runID
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
	assert.Len(t, seen, 2)
}

func TestBulkSaver_InputValidation(t *testing.T) {
	db := openTestDB(t)

	_, err := NewBulkSaver(nil).SaveAll(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrNoDatabase)

	_, err = NewBulkSaver(db).SaveAll(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyRunID)
}

func TestPrimaryKeyGenerator_ContiguousBlocks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := &PrimaryKeyGenerator{}
	require.NoError(t, first.Reserve(ctx, db, map[EntityKind]int{KindIssue: 3}))
	for want := int64(1); want <= 3; want++ {
		got, err := first.Next(KindIssue)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := first.Next(KindIssue)
	assert.ErrorIs(t, err, ErrKeyBlockExhausted)

	// A later reservation continues after the first block.
	second := &PrimaryKeyGenerator{}
	require.NoError(t, second.Reserve(ctx, db, map[EntityKind]int{KindIssue: 2}))
	got, err := second.Next(KindIssue)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got)
}
