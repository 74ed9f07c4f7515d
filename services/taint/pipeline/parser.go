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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single analysis output line. Condition records with
// large leaf maps can run long, but anything past this is a corrupt file.
const maxLineBytes = 16 * 1024 * 1024

// Parser reads one analysis output stream into flat records.
type Parser interface {
	Parse(ctx context.Context, r io.Reader) ([]Record, error)
}

// JSONLinesParser parses the line-delimited JSON format: one object per
// line, tagged with a "type" discriminator of "issue", "precondition", or
// "postcondition".
type JSONLinesParser struct{}

type jsonLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Parse reads records until EOF. Blank lines are skipped; any malformed
// line fails the whole file with its line number.
func (JSONLinesParser) Parse(ctx context.Context, r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env jsonLine
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadRecord, lineNo, err)
		}

		record, err := decodeLine(env)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read analysis output: %w", err)
	}
	return records, nil
}

func decodeLine(env jsonLine) (Record, error) {
	switch env.Type {
	case "issue":
		issue := &IssueRecord{}
		if err := json.Unmarshal(env.Data, issue); err != nil {
			return Record{}, fmt.Errorf("%w: issue: %v", ErrBadRecord, err)
		}
		if issue.Handle == "" || issue.Callable == "" || issue.Filename == "" {
			return Record{}, fmt.Errorf("%w: issue missing handle, callable, or filename", ErrBadRecord)
		}
		return Record{Issue: issue}, nil

	case "precondition", "postcondition":
		cond := &ConditionRecord{}
		if err := json.Unmarshal(env.Data, cond); err != nil {
			return Record{}, fmt.Errorf("%w: condition: %v", ErrBadRecord, err)
		}
		cond.Kind = env.Type
		if cond.Caller == "" || cond.Callee == "" || cond.Filename == "" {
			return Record{}, fmt.Errorf("%w: condition missing caller, callee, or filename", ErrBadRecord)
		}
		return Record{Condition: cond}, nil

	default:
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownRecordType, env.Type)
	}
}
