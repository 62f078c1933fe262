package audit

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
)

// ExportFormat selects the export rendering
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatText ExportFormat = "text"
)

// ParseExportFormat accepts the format names and their descriptive aliases
// (structured, tabular, printable)
func ParseExportFormat(value string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "json", "structured", "structured-data":
		return ExportFormatJSON, nil
	case "csv", "tabular":
		return ExportFormatCSV, nil
	case "text", "txt", "printable":
		return ExportFormatText, nil
	default:
		return "", errors.NewValidationError("INVALID_EXPORT_FORMAT", "unsupported export format: "+value)
	}
}

// ContentType returns the MIME type of the rendered export
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatJSON:
		return "application/json"
	case ExportFormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Extension returns the file extension for the format
func (f ExportFormat) Extension() string {
	switch f {
	case ExportFormatJSON:
		return "json"
	case ExportFormatCSV:
		return "csv"
	default:
		return "txt"
	}
}

// ExportRequest selects what to export
type ExportRequest struct {
	Format ExportFormat
	Window audit.Window
	Filter audit.Filter
}

// ExportResult is a finished export. Body reads the complete rendering;
// closing it releases the spool file.
type ExportResult struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
	TotalCount  int64
}

// ReportHeader describes an export and carries everything an auditor needs
// to recompute the scores from the included events
type ReportHeader struct {
	FormatVersion int           `json:"format_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Window        audit.Window  `json:"window"`
	Filter        audit.Filter  `json:"filter"`
	Scoring       ScoringConfig `json:"scoring"`
	SampleRate    float64       `json:"integrity_sample_rate"`
	DigestAlg     string        `json:"digest_algorithm"`
	SigningKeyID  string        `json:"signing_key_id,omitempty"`
}

// Report is the structured-data export document
type Report struct {
	Report     ReportHeader    `json:"report"`
	Snapshot   *audit.Snapshot `json:"snapshot"`
	Events     []*audit.Event  `json:"events"`
	TotalCount int64           `json:"total_count"`
}

// ExportConfig configures the exporter
type ExportConfig struct {
	TempDir string
}

// reportWriter renders one export format. The snapshot is only known once
// every event has been written, so it is handed over on Close.
type reportWriter interface {
	WriteHeader(header ReportHeader) error
	WriteEvent(event *audit.Event) error
	Close(snapshot *audit.Snapshot, total int64) error
}

// Exporter renders matched events plus the analytics snapshot computed from
// exactly those events. Output is spooled to a temporary file so large exports never sit
// in memory and a cancelled export never exposes partial output.
type Exporter struct {
	events     audit.EventRepository
	aggregator *Aggregator
	sealer     *Sealer
	config     ExportConfig
	metrics    *Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewExporter creates an exporter
func NewExporter(events audit.EventRepository, aggregator *Aggregator, sealer *Sealer, config ExportConfig, metrics *Metrics, logger *zap.Logger) *Exporter {
	return &Exporter{
		events:     events,
		aggregator: aggregator,
		sealer:     sealer,
		config:     config,
		metrics:    metrics,
		logger:     logger,
		tracer:     otel.Tracer("audit.export"),
		now:        time.Now,
	}
}

// Export renders the request. On cancellation or any failure the spool file
// is removed and only an error is returned.
func (x *Exporter) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	ctx, span := x.tracer.Start(ctx, "audit.Export", trace.WithAttributes(attribute.String("audit.format", string(req.Format))))
	defer span.End()
	start := time.Now()

	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}

	spool, err := os.CreateTemp(x.config.TempDir, "audit-export-*."+req.Format.Extension())
	if err != nil {
		return nil, errors.NewInternalError("failed to create export spool").WithCause(err)
	}
	discard := func() {
		spool.Close()
		os.Remove(spool.Name())
	}

	buffered := bufio.NewWriter(spool)
	w, err := newReportWriter(req.Format, buffered)
	if err != nil {
		discard()
		return nil, err
	}

	header := ReportHeader{
		FormatVersion: 1,
		GeneratedAt:   x.now().UTC(),
		Window:        req.Window,
		Filter:        req.Filter,
		Scoring:       x.aggregator.Scoring(),
		SampleRate:    x.aggregator.config.IntegritySampleRate,
		DigestAlg:     x.sealer.Algorithm(),
	}
	if s := x.sealer.Signer(); s != nil {
		header.SigningKeyID = s.KeyID()
	}

	snapshot, total, err := x.render(ctx, w, header, req)
	if err == nil {
		err = buffered.Flush()
	}
	if err == nil {
		_, err = spool.Seek(0, io.SeekStart)
	}
	if err != nil {
		discard()
		if ctx.Err() != nil {
			x.metrics.ExportsCancelled.Inc()
			x.logger.Info("Audit export cancelled", zap.String("format", string(req.Format)))
			return nil, errors.NewCancelledError("EXPORT_CANCELLED", "export was cancelled").WithCause(ctx.Err())
		}
		x.logger.Error("Audit export failed", zap.String("format", string(req.Format)), zap.Error(err))
		return nil, asStoreError(err, "failed to render export")
	}

	info, err := spool.Stat()
	if err != nil {
		discard()
		return nil, errors.NewInternalError("failed to stat export spool").WithCause(err)
	}

	x.metrics.ExportDuration.WithLabelValues(string(req.Format)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int64("audit.total_count", total),
		attribute.Float64("audit.compliance_score", snapshot.ComplianceScore),
	)
	x.logger.Info("Audit export completed",
		zap.String("format", string(req.Format)),
		zap.Int64("events", total),
		zap.Int64("bytes", info.Size()),
		zap.Duration("duration", time.Since(start)))

	return &ExportResult{
		Body:        &spoolFile{File: spool},
		ContentType: req.Format.ContentType(),
		Filename: fmt.Sprintf("audit-export-%s-%s.%s",
			req.Window.Start.Format("20060102T150405Z"), req.Window.End.Format("20060102T150405Z"), req.Format.Extension()),
		Size:       info.Size(),
		TotalCount: total,
	}, nil
}

// render streams the matching events to w and folds the same events into the
// snapshot, so the summary always describes the rows above it
func (x *Exporter) render(ctx context.Context, w reportWriter, header ReportHeader, req ExportRequest) (*audit.Snapshot, int64, error) {
	if err := w.WriteHeader(header); err != nil {
		return nil, 0, err
	}

	filter := req.Filter.Normalize(audit.MaxPageSize).WithWindow(req.Window.Start, req.Window.End)
	filter.Limit, filter.Offset = 0, 0
	acc := newAccumulator(req.Window, x.aggregator.config, x.aggregator.sealer)
	var total int64
	skipped, err := x.events.Stream(ctx, filter, func(e *audit.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := acc.add(e); err != nil {
			return err
		}
		total++
		return w.WriteEvent(e)
	})
	if err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	x.aggregator.recordSkipped(acc, skipped, "export")

	snapshot := x.aggregator.finish(ctx, acc)
	return snapshot, total, w.Close(snapshot, total)
}

// spoolFile deletes the temporary file once the reader is closed
type spoolFile struct {
	*os.File
}

func (f *spoolFile) Close() error {
	err := f.File.Close()
	if rmErr := os.Remove(f.File.Name()); rmErr != nil && err == nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	return err
}

func newReportWriter(format ExportFormat, w io.Writer) (reportWriter, error) {
	switch format {
	case ExportFormatJSON:
		return &jsonReportWriter{w: w, first: true}, nil
	case ExportFormatCSV:
		return &csvReportWriter{w: csv.NewWriter(w)}, nil
	case ExportFormatText:
		return &textReportWriter{w: w}, nil
	default:
		return nil, errors.NewValidationError("INVALID_EXPORT_FORMAT", "unsupported export format: "+string(format))
	}
}

// jsonReportWriter streams a Report document one event at a time
type jsonReportWriter struct {
	w     io.Writer
	first bool
}

func (j *jsonReportWriter) WriteHeader(header ReportHeader) error {
	h, err := json.Marshal(header)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(j.w, "{\"report\":%s,\n\"events\":[", h)
	return err
}

func (j *jsonReportWriter) WriteEvent(e *audit.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	sep := ",\n"
	if j.first {
		sep = "\n"
		j.first = false
	}
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	_, err = j.w.Write(raw)
	return err
}

func (j *jsonReportWriter) Close(snapshot *audit.Snapshot, total int64) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(j.w, "\n],\n\"snapshot\":%s,\n\"total_count\":%d}\n", raw, total)
	return err
}

var csvColumns = []string{
	"event_id", "timestamp", "event_type", "category", "severity", "action", "description",
	"actor_user_id", "actor_session_id", "actor_role",
	"resource_type", "resource_id", "resource_name",
	"outcome", "error_code", "error_message",
	"delta", "metadata", "tags", "checksum", "signature",
}

// csvReportWriter writes one row per event followed by a summary section
type csvReportWriter struct {
	w      *csv.Writer
	header ReportHeader
}

func (c *csvReportWriter) WriteHeader(header ReportHeader) error {
	c.header = header
	return c.w.Write(csvColumns)
}

func (c *csvReportWriter) WriteEvent(e *audit.Event) error {
	var actor audit.Actor
	if e.Actor != nil {
		actor = *e.Actor
	}
	var resource audit.Resource
	if e.Resource != nil {
		resource = *e.Resource
	}
	delta := ""
	if e.Delta != nil {
		raw, err := json.Marshal(e.Delta)
		if err != nil {
			return err
		}
		delta = string(raw)
	}
	metadata := ""
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}

	return c.w.Write([]string{
		e.ID.String(),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.EventType),
		e.Category,
		string(e.Severity),
		e.Action,
		e.Description,
		actor.UserID, actor.SessionID, actor.Role,
		resource.Type, resource.ID, resource.Name,
		string(e.Outcome),
		e.ErrorCode,
		e.ErrorMessage,
		delta,
		metadata,
		strings.Join(e.Tags, "|"),
		e.Checksum,
		e.Signature,
	})
}

func (c *csvReportWriter) Close(s *audit.Snapshot, total int64) error {
	rows := [][]string{
		{},
		{"summary", "value"},
		{"window_start", s.Window.Start.Format(time.RFC3339)},
		{"window_end", s.Window.End.Format(time.RFC3339)},
		{"generated_at", c.header.GeneratedAt.Format(time.RFC3339)},
		{"total_count", strconv.FormatInt(total, 10)},
		{"compliance_score", formatScore(s.ComplianceScore)},
		{"risk_score", formatScore(s.RiskScore)},
		{"integrity_sampled", strconv.FormatInt(s.IntegritySampled, 10)},
		{"integrity_failures", strconv.FormatInt(s.IntegrityFailures, 10)},
		{"open_alerts", strconv.FormatInt(s.OpenAlerts, 10)},
		{"partial", strconv.FormatBool(s.Partial)},
	}
	for _, row := range rows {
		if err := c.w.Write(row); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

// textRow lays out one event line. Columns have fixed widths so rows are
// written as they arrive instead of being buffered for alignment.
const textRow = "%-20s  %-8s  %-16s  %-16s  %-24s  %-12s  %-7s  %s\n"

// textReportWriter renders a printable report: the event listing followed
// by the summary of the listed events
type textReportWriter struct {
	w io.Writer
}

func (t *textReportWriter) WriteHeader(header ReportHeader) error {
	var b strings.Builder
	fmt.Fprintf(&b, "AUDIT REPORT\n")
	fmt.Fprintf(&b, "Window:            %s to %s (%s buckets)\n",
		header.Window.Start.Format(time.RFC3339), header.Window.End.Format(time.RFC3339), header.Window.Resolution())
	fmt.Fprintf(&b, "Generated:         %s\n", header.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Digest:            %s\n", header.DigestAlg)
	if header.SigningKeyID != "" {
		fmt.Fprintf(&b, "Signing key:       %s\n", header.SigningKeyID)
	}
	fmt.Fprintf(&b, "\nEVENTS\n")
	fmt.Fprintf(&b, textRow, "TIMESTAMP", "SEVERITY", "TYPE", "CATEGORY", "ACTOR", "ACTION", "OUTCOME", "DESCRIPTION")
	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *textReportWriter) WriteEvent(e *audit.Event) error {
	actor := e.ActorID()
	if actor == "" {
		actor = "-"
	}
	_, err := fmt.Fprintf(t.w, textRow,
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Severity, e.EventType, column(e.Category, 16), column(actor, 24), column(e.Action, 12), e.Outcome,
		strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(e.Description))
	return err
}

func (t *textReportWriter) Close(s *audit.Snapshot, total int64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%d events listed\n", total)
	fmt.Fprintf(&b, "\nSUMMARY\n")
	fmt.Fprintf(&b, "Total events:      %d\n", s.TotalEvents)
	fmt.Fprintf(&b, "Compliance score:  %s / 100\n", formatScore(s.ComplianceScore))
	fmt.Fprintf(&b, "Risk score:        %s (raw %s)\n", formatScore(s.RiskScoreDisplay), formatScore(s.RiskScore))
	fmt.Fprintf(&b, "Integrity:         %d sampled, %d failed\n", s.IntegritySampled, s.IntegrityFailures)
	fmt.Fprintf(&b, "Open alerts:       %d\n", s.OpenAlerts)
	if s.Partial {
		fmt.Fprintf(&b, "WARNING: partial snapshot: %s\n", strings.Join(s.Errors, "; "))
	}
	writeDistribution(&b, "By severity", s.BySeverity)
	writeDistribution(&b, "By category", s.ByCategory)
	writeDistribution(&b, "By event type", s.ByEventType)
	if len(s.TopActors) > 0 {
		fmt.Fprintf(&b, "\nTop actors\n")
		for _, a := range s.TopActors {
			fmt.Fprintf(&b, "  %-30s %d\n", a.ActorID, a.Count)
		}
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

// column cuts v to width runes so it cannot push later columns out of line
func column(v string, width int) string {
	r := []rune(v)
	if len(r) <= width {
		return v
	}
	return string(r[:width-1]) + "~"
}

func writeDistribution(b *strings.Builder, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "\n%s\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "  %-30s %d\n", k, counts[k])
	}
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
