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

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/sift/services/taint/storage/badger"
)

// RecordCount returns the number of persisted records of one kind under a
// run.
func RecordCount(ctx context.Context, db *badger.DB, runID string, kind EntityKind) (int, error) {
	count := 0
	prefix := []byte("run/" + runID + "/" + kind.String() + "/")
	err := db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RunStats returns per-kind record counts for a persisted run.
func RunStats(ctx context.Context, db *badger.DB, runID string) (Stats, error) {
	stats := make(Stats)
	for kind := EntityKind(0); kind < numEntityKinds; kind++ {
		count, err := RecordCount(ctx, db, runID, kind)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			stats[kind] = count
		}
	}
	return stats, nil
}
