// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package report

import (
	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/mbeema/nfscan/pkg/scanner"
	"go.uber.org/zap"
)

// LogReporter writes one structured log line per finding. Hooks owned by
// hidden modules are logged at warn level.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter on top of logger.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the finding's message with its hook point and owner.
func (r *LogReporter) Report(f scanner.Finding) {
	fields := []zap.Field{
		zap.Stringer("family", f.Point.Family),
		zap.String("hook", netfilter.HookName(f.Point.Family, f.Point.Hook)),
		zap.String("address", hexAddr(f.Entry.Addr)),
		zap.Int32("priority", f.Entry.Priority),
		zap.String("owner", f.Owner.Name),
		zap.Stringer("owner_kind", f.Owner.Kind),
	}
	if f.Point.Device != "" {
		fields = append(fields, zap.String("device", f.Point.Device))
	}
	if f.Entry.Symbol != "" {
		fields = append(fields, zap.String("symbol", f.Entry.Symbol))
	}
	if f.Entry.Chain != "" {
		fields = append(fields, zap.String("chain", f.Entry.Chain))
	}

	if f.Hidden() {
		r.logger.Warn(f.Message(), fields...)
		return
	}
	r.logger.Info(f.Message(), fields...)
}
