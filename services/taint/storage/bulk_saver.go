// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists trace graphs to the embedded BadgerDB store.
//
// A graph lives in memory with graph-local ids. Saving translates every
// local id to a database-global id reserved from per-kind counters, then
// writes the records in dependency order so a referenced entity is always
// persisted before anything pointing at it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/sift/services/taint/graph"
	"github.com/AleutianAI/sift/services/taint/storage/badger"
)

// BatchSize is the number of records committed per transaction. Large runs
// produce millions of frame and leaf records; committing in chunks keeps
// individual transactions under BadgerDB's size limits.
const BatchSize = 30000

// EntityKind identifies one persisted record type. The declaration order is
// the save order: every kind is written only after the kinds its records
// reference.
type EntityKind int

const (
	KindSharedText EntityKind = iota
	KindIssue
	KindIssueInstanceFixInfo
	KindIssueInstance
	KindIssueInstanceSharedTextAssoc
	KindTraceFrame
	KindIssueInstanceTraceFrameAssoc
	KindTraceFrameAnnotation
	KindTraceFrameLeafAssoc
	KindTraceFrameAnnotationTraceFrameAssoc
	numEntityKinds
)

var entityKindNames = map[EntityKind]string{
	KindSharedText:                          "shared_text",
	KindIssue:                               "issue",
	KindIssueInstanceFixInfo:                "issue_instance_fix_info",
	KindIssueInstance:                       "issue_instance",
	KindIssueInstanceSharedTextAssoc:        "issue_instance_shared_text_assoc",
	KindTraceFrame:                          "trace_frame",
	KindIssueInstanceTraceFrameAssoc:        "issue_instance_trace_frame_assoc",
	KindTraceFrameAnnotation:                "trace_frame_annotation",
	KindTraceFrameLeafAssoc:                 "trace_frame_leaf_assoc",
	KindTraceFrameAnnotationTraceFrameAssoc: "trace_frame_annotation_trace_frame_assoc",
}

// AllEntityKinds returns every kind in save order.
func AllEntityKinds() []EntityKind {
	kinds := make([]EntityKind, 0, numEntityKinds)
	for k := EntityKind(0); k < numEntityKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k EntityKind) String() string {
	if name, ok := entityKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EntityKind(%d)", int(k))
}

// ===== Persisted record shapes =====

type sharedTextRecord struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	Contents string `json:"contents"`
}

type issueRecord struct {
	ID     int64  `json:"id"`
	Code   int    `json:"code"`
	Handle string `json:"handle"`
}

type issueInstanceRecord struct {
	ID                      int64          `json:"id"`
	IssueID                 int64          `json:"issue_id"`
	FilenameID              int64          `json:"filename_id"`
	CallableID              int64          `json:"callable_id"`
	MessageID               int64          `json:"message_id"`
	Location                graph.Location `json:"location"`
	MinTraceLengthToSources int            `json:"min_trace_length_to_sources"`
	MinTraceLengthToSinks   int            `json:"min_trace_length_to_sinks"`
	CallableCount           int            `json:"callable_count"`
}

type fixInfoRecord struct {
	ID         int64  `json:"id"`
	InstanceID int64  `json:"issue_instance_id"`
	Contents   string `json:"contents"`
}

type leafMappingRecord struct {
	CalleeLeaf int64 `json:"callee_leaf"`
	CallerLeaf int64 `json:"caller_leaf"`
}

type traceFrameRecord struct {
	ID          int64               `json:"id"`
	Kind        string              `json:"kind"`
	CallerID    int64               `json:"caller_id"`
	CallerPort  string              `json:"caller_port"`
	CalleeID    int64               `json:"callee_id"`
	CalleePort  string              `json:"callee_port"`
	FilenameID  int64               `json:"filename_id"`
	Location    graph.Location      `json:"location"`
	LeafMapping []leafMappingRecord `json:"leaf_mapping,omitempty"`
}

type annotationRecord struct {
	ID       int64          `json:"id"`
	FrameID  int64          `json:"trace_frame_id"`
	Message  string         `json:"message"`
	Location graph.Location `json:"location"`
}

type pairAssocRecord struct {
	LeftID  int64 `json:"left_id"`
	RightID int64 `json:"right_id"`
}

type leafAssocRecord struct {
	FrameID     int64 `json:"trace_frame_id"`
	LeafID      int64 `json:"leaf_id"`
	TraceLength int   `json:"trace_length"`
}

// ===== Primary key reservation =====

// PrimaryKeyGenerator hands out database-global ids from per-kind counters
// stored in the database itself. A run reserves one contiguous block per
// kind up front in a single transaction, then assigns ids from the block
// without touching the store again.
type PrimaryKeyGenerator struct {
	next map[EntityKind]int64
	end  map[EntityKind]int64
}

func pkCounterKey(kind EntityKind) []byte {
	return []byte("pk/" + kind.String())
}

// Reserve allocates count ids for each requested kind.
//
// The read-modify-write of every counter happens in one transaction, so
// concurrent savers against the same database receive disjoint blocks.
func (g *PrimaryKeyGenerator) Reserve(ctx context.Context, db *badger.DB, counts map[EntityKind]int) error {
	g.next = make(map[EntityKind]int64, len(counts))
	g.end = make(map[EntityKind]int64, len(counts))

	return db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		for kind, count := range counts {
			if count == 0 {
				continue
			}
			var current int64
			item, err := txn.Get(pkCounterKey(kind))
			switch {
			case errors.Is(err, badgerdb.ErrKeyNotFound):
				current = 0
			case err != nil:
				return fmt.Errorf("read pk counter for %s: %w", kind, err)
			default:
				if err := item.Value(func(val []byte) error {
					current, err = strconv.ParseInt(string(val), 10, 64)
					return err
				}); err != nil {
					return fmt.Errorf("parse pk counter for %s: %w", kind, err)
				}
			}

			g.next[kind] = current + 1
			g.end[kind] = current + int64(count)
			newVal := strconv.FormatInt(g.end[kind], 10)
			if err := txn.Set(pkCounterKey(kind), []byte(newVal)); err != nil {
				return fmt.Errorf("advance pk counter for %s: %w", kind, err)
			}
		}
		return nil
	})
}

// Next returns the next reserved id for kind. It fails when the block is
// exhausted, which indicates the reservation counts were computed wrong.
func (g *PrimaryKeyGenerator) Next(kind EntityKind) (int64, error) {
	id, ok := g.next[kind]
	if !ok || id > g.end[kind] {
		return 0, fmt.Errorf("%w: %s", ErrKeyBlockExhausted, kind)
	}
	g.next[kind] = id + 1
	return id, nil
}

// ===== Bulk saver =====

// Stats reports how many records of each kind a save wrote.
type Stats map[EntityKind]int

// BulkSaver stages trace graphs and writes them to BadgerDB in dependency
// order. Staged graphs are drained by SaveAll; a graph is never written
// twice unless staged twice.
type BulkSaver struct {
	db        *badger.DB
	logger    *slog.Logger
	batchSize int
	pending   []*graph.TraceGraph
}

// Option configures a BulkSaver.
type Option func(*BulkSaver)

// WithLogger sets the logger for save progress.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BulkSaver) { s.logger = logger }
}

// WithBatchSize overrides the per-transaction record count. Intended for
// tests; production uses BatchSize.
func WithBatchSize(n int) Option {
	return func(s *BulkSaver) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewBulkSaver creates a saver writing to db.
func NewBulkSaver(db *badger.DB, opts ...Option) *BulkSaver {
	s := &BulkSaver{
		db:        db,
		logger:    slog.Default(),
		batchSize: BatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add stages a graph for the next SaveAll.
func (s *BulkSaver) Add(g *graph.TraceGraph) {
	s.pending = append(s.pending, g)
}

// SaveAll drains the staged graphs and persists them under runID.
//
// Description:
//
//	For each staged graph: reserves one contiguous primary-key block per
//	entity kind, translates every graph-local id to its reserved global
//	id, then writes records in save order in transactions of at most the
//	configured batch size. Each batch commits independently; on error the
//	current batch rolls back but earlier batches stay written, so a
//	failed run should be retried under a fresh run id.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	runID - Namespace for the written keys. Must be non-empty.
//
// Outputs:
//
//	Stats - Records written per kind, summed over all staged graphs.
//	error - Non-nil on reservation, serialization, or commit failure.
//
// Thread Safety: Not safe for concurrent use.
func (s *BulkSaver) SaveAll(ctx context.Context, runID string) (Stats, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	if runID == "" {
		return nil, ErrEmptyRunID
	}

	pending := s.pending
	s.pending = nil

	stats := make(Stats)
	start := time.Now()
	s.logger.Info("saving trace graphs", slog.String("run_id", runID), slog.Int("graphs", len(pending)))

	for _, g := range pending {
		if err := s.saveGraph(ctx, runID, g, stats); err != nil {
			return nil, err
		}
	}

	s.logger.Info("trace graphs saved",
		slog.String("run_id", runID),
		slog.Int("records", stats.total()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

func (st Stats) total() int {
	n := 0
	for _, c := range st {
		n += c
	}
	return n
}

type kv struct {
	key   []byte
	value []byte
}

func (s *BulkSaver) saveGraph(ctx context.Context, runID string, g *graph.TraceGraph, stats Stats) error {
	pk := &PrimaryKeyGenerator{}
	counts := map[EntityKind]int{
		KindSharedText:           g.NumSharedTexts(),
		KindIssue:                g.NumIssues(),
		KindIssueInstance:        g.NumIssueInstances(),
		KindIssueInstanceFixInfo: len(g.FixInfos()),
		KindTraceFrame:           g.NumTraceFrames(),
		KindTraceFrameAnnotation: len(g.Annotations()),
	}
	if err := pk.Reserve(ctx, s.db, counts); err != nil {
		return fmt.Errorf("reserve primary keys: %w", err)
	}

	// Assign global ids to every id-bearing record first. Associations and
	// foreign keys are translated through this map, so a local id missing
	// from it is a dangling reference in the source graph.
	globalID := make(map[graph.LocalID]int64)
	assign := func(kind EntityKind, localID graph.LocalID) (int64, error) {
		id, err := pk.Next(kind)
		if err != nil {
			return 0, err
		}
		globalID[localID] = id
		return id, nil
	}
	translate := func(localID graph.LocalID) (int64, error) {
		id, ok := globalID[localID]
		if !ok {
			return 0, fmt.Errorf("%w: local id %d", ErrUnresolvedLocalID, localID)
		}
		return id, nil
	}

	var records []kv
	appendRecord := func(kind EntityKind, id int64, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", kind, err)
		}
		records = append(records, kv{key: entityKey(runID, kind, id), value: data})
		stats[kind]++
		return nil
	}
	appendAssoc := func(kind EntityKind, left, right int64, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", kind, err)
		}
		records = append(records, kv{key: assocKey(runID, kind, left, right), value: data})
		stats[kind]++
		return nil
	}

	for _, text := range g.SharedTexts() {
		id, err := assign(KindSharedText, text.ID)
		if err != nil {
			return err
		}
		rec := sharedTextRecord{ID: id, Kind: text.Kind.String(), Contents: text.Contents}
		if err := appendRecord(KindSharedText, id, rec); err != nil {
			return err
		}
	}

	for _, issue := range g.Issues() {
		id, err := assign(KindIssue, issue.ID)
		if err != nil {
			return err
		}
		rec := issueRecord{ID: id, Code: issue.Code, Handle: issue.Handle}
		if err := appendRecord(KindIssue, id, rec); err != nil {
			return err
		}
	}

	// Instances are assigned before fix infos are written so the fix info's
	// foreign key resolves, but fix infos sort earlier in the save order.
	instanceRecords := make([]issueInstanceRecord, 0, g.NumIssueInstances())
	for _, inst := range g.IssueInstances() {
		id, err := assign(KindIssueInstance, inst.ID)
		if err != nil {
			return err
		}
		rec := issueInstanceRecord{
			ID:                      id,
			Location:                inst.Location,
			MinTraceLengthToSources: inst.MinTraceLengthToSources,
			MinTraceLengthToSinks:   inst.MinTraceLengthToSinks,
			CallableCount:           inst.CallableCount,
		}
		if rec.IssueID, err = translate(inst.IssueID); err != nil {
			return err
		}
		if rec.FilenameID, err = translate(inst.FilenameID); err != nil {
			return err
		}
		if rec.CallableID, err = translate(inst.CallableID); err != nil {
			return err
		}
		if rec.MessageID, err = translate(inst.MessageID); err != nil {
			return err
		}
		instanceRecords = append(instanceRecords, rec)
	}

	for _, fi := range g.FixInfos() {
		id, err := pk.Next(KindIssueInstanceFixInfo)
		if err != nil {
			return err
		}
		instanceID, err := translate(fi.InstanceID)
		if err != nil {
			return err
		}
		rec := fixInfoRecord{ID: id, InstanceID: instanceID, Contents: fi.Contents}
		if err := appendRecord(KindIssueInstanceFixInfo, id, rec); err != nil {
			return err
		}
	}

	for _, rec := range instanceRecords {
		if err := appendRecord(KindIssueInstance, rec.ID, rec); err != nil {
			return err
		}
	}

	for _, inst := range g.IssueInstances() {
		instanceID, err := translate(inst.ID)
		if err != nil {
			return err
		}
		for _, textLocal := range g.InstanceSharedTextIDs(inst.ID) {
			textID, err := translate(textLocal)
			if err != nil {
				return err
			}
			rec := pairAssocRecord{LeftID: instanceID, RightID: textID}
			if err := appendAssoc(KindIssueInstanceSharedTextAssoc, instanceID, textID, rec); err != nil {
				return err
			}
		}
	}

	for _, f := range g.TraceFrames() {
		id, err := assign(KindTraceFrame, f.ID)
		if err != nil {
			return err
		}
		rec := traceFrameRecord{
			ID:         id,
			Kind:       f.Kind.String(),
			CallerPort: f.CallerPort,
			CalleePort: f.CalleePort,
			Location:   f.Location,
		}
		if rec.CallerID, err = translate(f.CallerID); err != nil {
			return err
		}
		if rec.CalleeID, err = translate(f.CalleeID); err != nil {
			return err
		}
		if rec.FilenameID, err = translate(f.FilenameID); err != nil {
			return err
		}
		for _, m := range f.LeafMapping {
			calleeLeaf, err := translate(m.CalleeLeaf)
			if err != nil {
				return err
			}
			callerLeaf, err := translate(m.CallerLeaf)
			if err != nil {
				return err
			}
			rec.LeafMapping = append(rec.LeafMapping, leafMappingRecord{
				CalleeLeaf: calleeLeaf,
				CallerLeaf: callerLeaf,
			})
		}
		if err := appendRecord(KindTraceFrame, id, rec); err != nil {
			return err
		}
	}

	for _, inst := range g.IssueInstances() {
		instanceID, err := translate(inst.ID)
		if err != nil {
			return err
		}
		for _, frameLocal := range g.InstanceTraceFrameIDs(inst.ID) {
			frameID, err := translate(frameLocal)
			if err != nil {
				return err
			}
			rec := pairAssocRecord{LeftID: instanceID, RightID: frameID}
			if err := appendAssoc(KindIssueInstanceTraceFrameAssoc, instanceID, frameID, rec); err != nil {
				return err
			}
		}
	}

	for _, a := range g.Annotations() {
		id, err := assign(KindTraceFrameAnnotation, a.ID)
		if err != nil {
			return err
		}
		frameID, err := translate(a.FrameID)
		if err != nil {
			return err
		}
		rec := annotationRecord{ID: id, FrameID: frameID, Message: a.Message, Location: a.Location}
		if err := appendRecord(KindTraceFrameAnnotation, id, rec); err != nil {
			return err
		}
	}

	for _, f := range g.TraceFrames() {
		frameID, err := translate(f.ID)
		if err != nil {
			return err
		}
		for _, ld := range g.LeafAssocs(f.ID) {
			leafID, err := translate(ld.LeafID)
			if err != nil {
				return err
			}
			rec := leafAssocRecord{FrameID: frameID, LeafID: leafID, TraceLength: ld.TraceLength}
			if err := appendAssoc(KindTraceFrameLeafAssoc, frameID, leafID, rec); err != nil {
				return err
			}
		}
	}

	for _, a := range g.Annotations() {
		annotationID, err := translate(a.ID)
		if err != nil {
			return err
		}
		for _, child := range g.AnnotationTraceFrames(a.ID) {
			frameID, err := translate(child.ID)
			if err != nil {
				return err
			}
			rec := pairAssocRecord{LeftID: annotationID, RightID: frameID}
			if err := appendAssoc(KindTraceFrameAnnotationTraceFrameAssoc, annotationID, frameID, rec); err != nil {
				return err
			}
		}
	}

	return s.writeBatched(ctx, records)
}

// writeBatched commits the records in chunks of at most batchSize.
func (s *BulkSaver) writeBatched(ctx context.Context, records []kv) error {
	for start := 0; start < len(records); start += s.batchSize {
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
			for _, rec := range chunk {
				if err := txn.Set(rec.key, rec.value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("commit batch [%d:%d]: %w", start, end, err)
		}
		s.logger.Debug("batch committed", slog.Int("records", len(chunk)))
	}
	return nil
}

func entityKey(runID string, kind EntityKind, id int64) []byte {
	return []byte(fmt.Sprintf("run/%s/%s/%020d", runID, kind, id))
}

func assocKey(runID string, kind EntityKind, left, right int64) []byte {
	return []byte(fmt.Sprintf("run/%s/%s/%020d/%020d", runID, kind, left, right))
}
