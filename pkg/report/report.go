// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package report delivers sweep findings to logs, the terminal and OTLP
// collectors.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbeema/nfscan/pkg/scanner"
)

// Flusher is implemented by reporters that buffer findings until the
// sweep completes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Multi fans findings out to several reporters.
type Multi struct {
	reporters []scanner.Reporter
}

// NewMulti creates a fan-out reporter. Nil reporters are skipped.
func NewMulti(reporters ...scanner.Reporter) *Multi {
	m := &Multi{}
	for _, r := range reporters {
		if r != nil {
			m.reporters = append(m.reporters, r)
		}
	}
	return m
}

// Report forwards f to every reporter in order.
func (m *Multi) Report(f scanner.Finding) {
	for _, r := range m.reporters {
		r.Report(f)
	}
}

// Flush flushes every buffering reporter, collecting all errors.
func (m *Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, r := range m.reporters {
		fl, ok := r.(Flusher)
		if !ok {
			continue
		}
		if err := fl.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", r, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of reporters.
func (m *Multi) Len() int {
	return len(m.reporters)
}

func hexAddr(addr uint64) string {
	return fmt.Sprintf("%#018x", addr)
}
