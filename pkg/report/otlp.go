// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package report

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/mbeema/nfscan/pkg/config"
	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/mbeema/nfscan/pkg/scanner"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const scopeName = "nfscan"

// OTLPReporter buffers findings during a sweep and exports them as OTLP
// log records on Flush.
type OTLPReporter struct {
	logger  *zap.Logger
	version string
	cfg     config.OTLPConfig
	breaker *breaker

	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient

	mu      sync.Mutex
	pending []*logspb.LogRecord
	now     func() time.Time
}

// NewOTLPReporter dials the collector. The connection is established lazily
// by gRPC, so an unreachable collector surfaces as a Flush error.
func NewOTLPReporter(cfg config.OTLPConfig, version string, logger *zap.Logger) (*OTLPReporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	conn, err := grpc.Dial(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial OTLP endpoint %s: %w", cfg.Endpoint, err)
	}

	r := newOTLPReporter(collogspb.NewLogsServiceClient(conn), cfg, version, logger)
	r.conn = conn
	return r, nil
}

func newOTLPReporter(svc collogspb.LogsServiceClient, cfg config.OTLPConfig, version string, logger *zap.Logger) *OTLPReporter {
	return &OTLPReporter{
		logger:  logger,
		version: version,
		cfg:     cfg,
		breaker: newBreaker(5, 30*time.Second),
		logSvc:  svc,
		now:     time.Now,
	}
}

// Report converts and buffers one finding.
func (r *OTLPReporter) Report(f scanner.Finding) {
	rec := r.convert(f)
	r.mu.Lock()
	r.pending = append(r.pending, rec)
	r.mu.Unlock()
}

// Flush exports the buffered records. Records are dropped when the export
// fails so a dead collector cannot grow memory without bound.
func (r *OTLPReporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	records := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	if !r.breaker.allow() {
		r.logger.Debug("OTLP circuit open, dropping findings", zap.Int("count", len(records)))
		return fmt.Errorf("OTLP export suspended after repeated failures")
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	if len(r.cfg.Headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(r.cfg.Headers))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: r.resource(),
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: scopeName, Version: r.version},
				LogRecords: records,
			}},
		}},
	}

	if _, err := r.logSvc.Export(ctx, req); err != nil {
		r.breaker.failure()
		return fmt.Errorf("export %d findings: %w", len(records), err)
	}
	r.breaker.success()
	return nil
}

// Close releases the gRPC connection.
func (r *OTLPReporter) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *OTLPReporter) convert(f scanner.Finding) *logspb.LogRecord {
	now := uint64(r.now().UnixNano())
	sev, sevText := logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"
	if f.Hidden() {
		sev, sevText = logspb.SeverityNumber_SEVERITY_NUMBER_WARN, "WARN"
	}

	attrs := []*commonpb.KeyValue{
		strAttr("netfilter.family", f.Point.Family.String()),
		strAttr("netfilter.hook", netfilter.HookName(f.Point.Family, f.Point.Hook)),
		intAttr("netfilter.priority", int64(f.Entry.Priority)),
		strAttr("netfilter.address", hexAddr(f.Entry.Addr)),
		strAttr("module.name", f.Owner.Name),
		strAttr("module.owner_kind", f.Owner.Kind.String()),
	}
	if f.Point.Device != "" {
		attrs = append(attrs, strAttr("netfilter.device", f.Point.Device))
	}
	if f.Entry.Symbol != "" {
		attrs = append(attrs, strAttr("netfilter.symbol", f.Entry.Symbol))
	}
	if f.Entry.Chain != "" {
		attrs = append(attrs, strAttr("nftables.chain", f.Entry.Chain))
	}

	return &logspb.LogRecord{
		TimeUnixNano:         now,
		ObservedTimeUnixNano: now,
		SeverityNumber:       sev,
		SeverityText:         sevText,
		Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: f.Message()}},
		Attributes:           attrs,
	}
}

func (r *OTLPReporter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	attrs := []*commonpb.KeyValue{
		strAttr("service.name", scopeName),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(os.Getpid())),
	}
	if r.version != "" {
		attrs = append(attrs, strAttr("service.version", r.version))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}
