// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/mbeema/nfscan/pkg/scanner"
	"github.com/olekukonko/tablewriter"
)

// Output formats understood by StdoutReporter.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatTable = "table"
)

// StdoutReporter prints findings for an operator. Text and json lines are
// written as findings arrive; the table format is rendered on Flush.
type StdoutReporter struct {
	format string
	out    io.Writer

	mu   sync.Mutex
	rows [][]string

	hidden func(a ...interface{}) string
	known  func(a ...interface{}) string
}

// NewStdoutReporter creates a reporter writing to stdout.
func NewStdoutReporter(format string) *StdoutReporter {
	return NewWriterReporter(format, os.Stdout)
}

// NewWriterReporter creates a reporter writing to out.
func NewWriterReporter(format string, out io.Writer) *StdoutReporter {
	if format == "" {
		format = FormatText
	}
	return &StdoutReporter{
		format: format,
		out:    out,
		hidden: color.New(color.FgHiRed, color.Bold).SprintFunc(),
		known:  color.New(color.FgGreen).SprintFunc(),
	}
}

// Report prints or buffers one finding.
func (r *StdoutReporter) Report(f scanner.Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.format {
	case FormatJSON:
		r.printJSON(f)
	case FormatTable:
		r.rows = append(r.rows, []string{
			f.Point.String(),
			strconv.FormatInt(int64(f.Entry.Priority), 10),
			hexAddr(f.Entry.Addr),
			f.Entry.Symbol,
			f.Owner.Name,
			r.paintKind(f.Owner.Kind),
		})
	default:
		fmt.Fprintf(r.out, "[HOOK] %-28s prio=%-6d %s %-8s %s\n",
			f.Point.String(), f.Entry.Priority, hexAddr(f.Entry.Addr),
			r.paintKind(f.Owner.Kind), f.Message())
	}
}

// Flush renders buffered table rows.
func (r *StdoutReporter) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.format != FormatTable || len(r.rows) == 0 {
		return nil
	}
	rows := r.rows
	r.rows = nil

	table := tablewriter.NewWriter(r.out)
	table.Header("Hook point", "Priority", "Address", "Symbol", "Owner", "Kind")
	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("table rows: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}

func (r *StdoutReporter) printJSON(f scanner.Finding) {
	data := map[string]interface{}{
		"family":     f.Point.Family.String(),
		"hook":       netfilter.HookName(f.Point.Family, f.Point.Hook),
		"priority":   f.Entry.Priority,
		"address":    hexAddr(f.Entry.Addr),
		"owner":      f.Owner.Name,
		"owner_kind": f.Owner.Kind.String(),
		"message":    f.Message(),
	}
	if f.Point.Device != "" {
		data["device"] = f.Point.Device
	}
	if f.Entry.Symbol != "" {
		data["symbol"] = f.Entry.Symbol
	}
	if f.Entry.Chain != "" {
		data["chain"] = f.Entry.Chain
	}
	b, _ := json.Marshal(data)
	fmt.Fprintf(r.out, "%s\n", b)
}

func (r *StdoutReporter) paintKind(k scanner.OwnerKind) string {
	if k == scanner.OwnerHidden {
		return r.hidden(k.String())
	}
	return r.known(k.String())
}
