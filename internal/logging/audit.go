package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one run lifecycle event in the audit trail.
type AuditEventType string

const (
	AuditRunLoad     AuditEventType = "run_load"
	AuditRunStart    AuditEventType = "run_start"
	AuditRunStop     AuditEventType = "run_stop"
	AuditRunResume   AuditEventType = "run_resume"
	AuditRunComplete AuditEventType = "run_complete"
	AuditRunReset    AuditEventType = "run_reset"
	AuditNavigate    AuditEventType = "navigate"
	AuditLocate      AuditEventType = "locate"
	AuditVerdict     AuditEventType = "verdict"
	AuditVerdictFail AuditEventType = "verdict_failed"
	AuditModeToggle  AuditEventType = "mode_toggle"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	EventType  AuditEventType
	RunID      string
	Index      int
	Target     string // URL or selector
	Action     string
	Success    bool
	DurationMs int64
	Error      string
	Message    string
	Fields     map[string]interface{}
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditCore   *zap.Logger
	auditMu     sync.Mutex
	auditLogger = &AuditLogger{}
)

// AuditLogger writes run lifecycle events as JSON lines to <date>_audit.log.
type AuditLogger struct {
	runID string
}

// InitAudit opens the audit log. It is a no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(currentLogsDir(), fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.MessageKey = "msg"
	ec.EncodeTime = zapcore.EpochMillisTimeEncoder
	auditCore = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(ec), zapcore.AddSync(file), zapcore.DebugLevel))

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditCore != nil {
		_ = auditCore.Sync()
		auditCore = nil
	}
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	return auditLogger
}

// AuditWithRun returns an audit logger that stamps every event with runID.
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditCore == nil {
		return
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.Bool("success", event.Success),
	}
	if event.RunID != "" {
		fields = append(fields, zap.String("run", event.RunID))
	}
	if event.Index >= 0 {
		fields = append(fields, zap.Int("index", event.Index))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("fields", event.Fields))
	}
	auditCore.Info(event.Message, fields...)
}

// RunEvent records a lifecycle transition that is not tied to one item.
func (a *AuditLogger) RunEvent(eventType AuditEventType, msg string) {
	a.Log(AuditEvent{EventType: eventType, Index: -1, Success: true, Message: msg})
}

// Navigate records a tab navigation.
func (a *AuditLogger) Navigate(index int, url string, durationMs int64, err error) {
	e := AuditEvent{EventType: AuditNavigate, Index: index, Target: url, DurationMs: durationMs, Success: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}

// Locate records a locate-and-mark outcome.
func (a *AuditLogger) Locate(index int, selector string, found bool, count int) {
	a.Log(AuditEvent{
		EventType: AuditLocate,
		Index:     index,
		Target:    selector,
		Success:   found,
		Fields:    map[string]interface{}{"count": count},
	})
}

// Verdict records a verdict write.
func (a *AuditLogger) Verdict(index int, status string, automated bool, err error) {
	e := AuditEvent{EventType: AuditVerdict, Index: index, Action: status, Success: err == nil,
		Fields: map[string]interface{}{"automated": automated}}
	if err != nil {
		e.EventType = AuditVerdictFail
		e.Error = err.Error()
	}
	a.Log(e)
}
