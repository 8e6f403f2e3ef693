package errorlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/JonMunkholm/erpseed/internal/core"
)

const (
	// LogFile is the append-only JSON-lines error log inside Config.Dir.
	LogFile = "errors.jsonl"
	// FailedRecordsDir holds one JSON file per error id with the offending payload.
	FailedRecordsDir = "failed_records"
)

// ErrorRecord is one logged failure.
type ErrorRecord struct {
	ID          string         `json:"error_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Operation   string         `json:"operation"`
	Category    core.Category  `json:"category"`
	Severity    core.Severity  `json:"severity"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message"`
	Details     string         `json:"details,omitempty"`
	RecordKey   string         `json:"record_key,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Fingerprint string         `json:"payload_fingerprint,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Entry is the input to LogError. Category is derived from Message when
// empty; Severity defaults per category.
type Entry struct {
	Operation  string
	Message    string
	Details    string
	RecordKey  string
	Context    map[string]any
	Severity   core.Severity
	Category   core.Category
	Code       string
	RetryCount int
}

// FailedRecord is the content of a failed-record side file.
type FailedRecord struct {
	ErrorID     string         `json:"error_id"`
	RecordKey   string         `json:"record_key,omitempty"`
	Operation   string         `json:"operation"`
	Category    core.Category  `json:"category"`
	Message     string         `json:"message"`
	Fingerprint string         `json:"payload_fingerprint"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Config configures a Handler.
type Config struct {
	// Dir is where the log and side files are written. Empty keeps
	// everything in memory.
	Dir string
	// MaxRetries bounds ShouldRetry.
	MaxRetries int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Handler records failures. It is safe for concurrent use.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records []*ErrorRecord
	byID    map[string]*ErrorRecord
	byKey   map[string][]*ErrorRecord
	logFile *os.File
}

// New creates a Handler. When cfg.Dir holds a log from an earlier run, its
// records are loaded so they can still be resolved.
func New(cfg Config) (*Handler, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		byID:   make(map[string]*ErrorRecord),
		byKey:  make(map[string][]*ErrorRecord),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}

	if cfg.Dir == "" {
		return h, nil
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, FailedRecordsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create error log directory: %w", err)
	}

	path := filepath.Join(cfg.Dir, LogFile)
	existing, err := LoadLog(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for i := range existing {
		h.addLocked(&existing[i])
	}
	if err := repairTail(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	h.logFile = f

	return h, nil
}

// LogError records a failure and returns its id. The record is kept in memory
// even when writing it to disk fails; the write error is returned alongside
// the id.
func (h *Handler) LogError(ctx context.Context, e Entry) (string, error) {
	class := Lookup(e.Message)
	if e.Category == "" {
		e.Category = class.Category
	}
	if e.Code == "" && class.Category == e.Category {
		e.Code = class.Code
	}
	if e.Severity == "" {
		e.Severity = core.DefaultSeverity(e.Category)
	}
	if e.RetryCount > h.cfg.MaxRetries {
		e.RetryCount = h.cfg.MaxRetries
	}

	rec := &ErrorRecord{
		ID:         uuid.NewString(),
		Timestamp:  h.now().UTC(),
		Operation:  e.Operation,
		Category:   e.Category,
		Severity:   e.Severity,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RecordKey:  e.RecordKey,
		Context:    maps.Clone(e.Context),
		RetryCount: e.RetryCount,
	}
	if rec.Context != nil {
		rec.Fingerprint = Fingerprint(rec.Context)
	}

	h.mu.Lock()
	h.addLocked(rec)
	err := h.appendLocked(rec)
	h.mu.Unlock()

	if err == nil && rec.Context != nil {
		err = h.writeFailedRecord(rec)
	}

	h.logger.Log(ctx, severityLevel(rec.Severity), "import error recorded",
		"error_id", rec.ID,
		"operation", rec.Operation,
		"category", rec.Category,
		"code", rec.Code,
		"record_key", rec.RecordKey,
		"retry_count", rec.RetryCount,
		"message", rec.Message,
	)

	return rec.ID, err
}

// ShouldRetry reports whether the failure may be retried: only transient
// categories qualify, and never once RetryCount has reached the bound.
func (h *Handler) ShouldRetry(rec ErrorRecord) bool {
	return ShouldRetry(rec.Category, rec.RetryCount, h.cfg.MaxRetries)
}

// ShouldRetry is the retry decision for a category after retryCount retries.
func ShouldRetry(category core.Category, retryCount, maxRetries int) bool {
	return category.Retryable() && retryCount < maxRetries
}

// MaxRetries returns the configured retry bound.
func (h *Handler) MaxRetries() int {
	return h.cfg.MaxRetries
}

// MarkResolved flips every unresolved record of recordKey to resolved and
// appends the updated records to the log. It returns how many changed.
func (h *Handler) MarkResolved(ctx context.Context, recordKey string) (int, error) {
	if recordKey == "" {
		return 0, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now().UTC()
	var (
		n    int
		errs []error
	)
	for _, rec := range h.byKey[recordKey] {
		if rec.Resolved {
			continue
		}
		rec.Resolved = true
		rec.ResolvedAt = &now
		n++
		if err := h.appendLocked(rec); err != nil {
			errs = append(errs, err)
		}
	}

	if n > 0 {
		h.logger.DebugContext(ctx, "errors resolved", "record_key", recordKey, "count", n)
	}
	return n, errors.Join(errs...)
}

// Get returns the record with id.
func (h *Handler) Get(id string) (ErrorRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.byID[id]
	if !ok {
		return ErrorRecord{}, false
	}
	return *rec, true
}

// Records returns a copy of every record in log order.
func (h *Handler) Records() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ErrorRecord, len(h.records))
	for i, rec := range h.records {
		out[i] = *rec
	}
	return out
}

// Unresolved returns the number of unresolved records.
func (h *Handler) Unresolved() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, rec := range h.records {
		if !rec.Resolved {
			n++
		}
	}
	return n
}

// Close closes the log file.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.logFile == nil {
		return nil
	}
	err := h.logFile.Close()
	h.logFile = nil
	return err
}

func (h *Handler) addLocked(rec *ErrorRecord) {
	h.records = append(h.records, rec)
	h.byID[rec.ID] = rec
	if rec.RecordKey != "" {
		h.byKey[rec.RecordKey] = append(h.byKey[rec.RecordKey], rec)
	}
}

func (h *Handler) appendLocked(rec *ErrorRecord) error {
	if h.logFile == nil {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode error record: %w", err)
	}
	line = append(line, '\n')
	if _, err := h.logFile.Write(line); err != nil {
		return fmt.Errorf("append error log: %w", err)
	}
	return nil
}

func (h *Handler) writeFailedRecord(rec *ErrorRecord) error {
	if h.cfg.Dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(FailedRecord{
		ErrorID:     rec.ID,
		RecordKey:   rec.RecordKey,
		Operation:   rec.Operation,
		Category:    rec.Category,
		Message:     rec.Message,
		Fingerprint: rec.Fingerprint,
		Payload:     rec.Context,
		Timestamp:   rec.Timestamp,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode failed record: %w", err)
	}
	path := filepath.Join(h.cfg.Dir, FailedRecordsDir, rec.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write failed record: %w", err)
	}
	return nil
}

// FailedRecordPath returns the side file path for an error id, or "" when the
// handler keeps nothing on disk.
func (h *Handler) FailedRecordPath(id string) string {
	if h.cfg.Dir == "" {
		return ""
	}
	return filepath.Join(h.cfg.Dir, FailedRecordsDir, id+".json")
}

// repairTail drops a torn final line so that appended records start on a
// line of their own. A complete final line missing its newline gets one.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read error log: %w", err)
	}

	body := bytes.TrimRight(data, "\n")
	start := bytes.LastIndexByte(body, '\n') + 1
	last := body[start:]

	switch {
	case len(last) > 0 && !json.Valid(last):
		if err := os.Truncate(path, int64(start)); err != nil {
			return fmt.Errorf("truncate torn error log line: %w", err)
		}
	case len(data) > 0 && data[len(data)-1] != '\n':
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("open error log: %w", err)
		}
		_, err = f.Write([]byte{'\n'})
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("terminate error log line: %w", err)
		}
	}
	return nil
}

// LoadLog reads a JSON-lines error log. A record may appear on several lines;
// the last line for an error id wins and records keep the order of their
// first appearance.
func LoadLog(path string) ([]ErrorRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		order []string
		byID  = make(map[string]ErrorRecord)
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNum := 0
	var torn error
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if torn != nil {
			return nil, torn
		}
		var rec ErrorRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// Only the final line may be torn by a crash mid-write.
			torn = fmt.Errorf("%s line %d: %w", path, lineNum, err)
			continue
		}
		if _, seen := byID[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		byID[rec.ID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	out := make([]ErrorRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// Fingerprint returns a stable hash of a payload.
func Fingerprint(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func severityLevel(s core.Severity) slog.Level {
	switch s {
	case core.SeverityCritical, core.SeverityHigh:
		return slog.LevelError
	case core.SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
