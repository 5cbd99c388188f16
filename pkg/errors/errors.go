// Package errors adapts the fluent, metadata-carrying error type common
// across this codebase's services to the engine's status-code-first
// error taxonomy: most failure paths return a status code,
// never an exception. Only the graph-level failures (CycleOrSelfLoop,
// CycleOrOrphan, AlreadyStarted, and an invalid node handle) are returned
// as errors; WorkException and NodeDropped travel as the cause carried by
// a NodeFailed event.
package errors

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Kind categorizes an EngineError for dispatch and logging, mirroring the
// engine's error taxonomy rather than an HTTP-facing one.
type Kind string

const (
	KindCapacityExhausted     Kind = "capacity_exhausted"
	KindInvalidHandle         Kind = "invalid_handle"
	KindIllegalStateTransition Kind = "illegal_state_transition"
	KindCycleOrSelfLoop       Kind = "cycle_or_self_loop"
	KindAlreadyStarted        Kind = "already_started"
	KindWorkException         Kind = "work_exception"
	KindNodeDropped           Kind = "node_dropped"
	KindCycleOrOrphan         Kind = "cycle_or_orphan"
	KindInternal              Kind = "internal"
)

// Severity ranks an error for reporting thresholds, independent of Kind.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EngineError carries the context a graph or pool failure needs for
// logging and event publication: which component raised it, which node
// or contract it concerns, and (for WorkException) the causing panic.
type EngineError struct {
	Kind      Kind
	Message   string
	Severity  Severity

	Component string
	Operation string
	NodeName  string

	Cause      error
	StackTrace string

	Timestamp time.Time
	Metadata  map[string]interface{}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Kind == t.Kind
}

// Builder provides the fluent construction style used throughout this
// codebase's error handling.
type Builder struct {
	err *EngineError
}

func New(kind Kind, message string) *Builder {
	return &Builder{err: &EngineError{
		Kind:      kind,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}}
}

func (b *Builder) WithSeverity(s Severity) *Builder {
	b.err.Severity = s
	return b
}

func (b *Builder) WithComponent(component string) *Builder {
	b.err.Component = component
	return b
}

func (b *Builder) WithOperation(operation string) *Builder {
	b.err.Operation = operation
	return b
}

func (b *Builder) WithNode(name string) *Builder {
	b.err.NodeName = name
	return b
}

func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

func (b *Builder) WithMetadata(key string, value interface{}) *Builder {
	b.err.Metadata[key] = value
	return b
}

func (b *Builder) WithStackTrace() *Builder {
	b.err.StackTrace = captureStackTrace()
	return b
}

func (b *Builder) WithContext(ctx context.Context) *Builder {
	if v := ctx.Value(contextKeyGraphName); v != nil {
		if name, ok := v.(string); ok {
			b.err.Metadata["graph"] = name
		}
	}
	return b
}

func (b *Builder) Build() *EngineError {
	if b.err.Severity == "" {
		b.err.Severity = SeverityMedium
	}
	if (b.err.Severity == SeverityHigh || b.err.Severity == SeverityCritical) && b.err.StackTrace == "" {
		b.err.StackTrace = captureStackTrace()
	}
	return b.err
}

type contextKey string

const contextKeyGraphName contextKey = "graph_name"

// Reporter receives errors the Handler decides meet its reporting
// threshold, e.g. a metrics or tracing sink.
type Reporter interface {
	Report(ctx context.Context, err *EngineError) error
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	EnableStackTrace   bool
	EnableReporting    bool
	ReportingThreshold Severity
}

// Handler centralizes error reporting so WorkGraph and WorkerService
// don't each reimplement threshold checks and fan-out to reporters.
type Handler struct {
	config    *HandlerConfig
	reporters []Reporter
	mu        sync.RWMutex
}

func NewHandler(config *HandlerConfig) *Handler {
	if config == nil {
		config = &HandlerConfig{
			EnableStackTrace:   true,
			EnableReporting:    true,
			ReportingThreshold: SeverityHigh,
		}
	}
	return &Handler{config: config}
}

func (h *Handler) AddReporter(r Reporter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reporters = append(h.reporters, r)
}

func (h *Handler) Handle(ctx context.Context, err error) *EngineError {
	ee, ok := err.(*EngineError)
	if !ok {
		ee = New(KindInternal, err.Error()).WithCause(err).WithSeverity(SeverityMedium).Build()
	}
	if h.config.EnableStackTrace && ee.StackTrace == "" {
		ee.StackTrace = captureStackTrace()
	}
	if h.config.EnableReporting && h.shouldReport(ee) {
		h.report(ctx, ee)
	}
	return ee
}

func (h *Handler) shouldReport(err *EngineError) bool {
	levels := map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4}
	return levels[err.Severity] >= levels[h.config.ReportingThreshold]
}

func (h *Handler) report(ctx context.Context, err *EngineError) {
	h.mu.RLock()
	reporters := make([]Reporter, len(h.reporters))
	copy(reporters, h.reporters)
	h.mu.RUnlock()

	for _, r := range reporters {
		go func(r Reporter) {
			_ = r.Report(ctx, err)
		}(r)
	}
}

func captureStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		sb.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return sb.String()
}

// Common constructors for the engine's named error kinds.

func CycleOrSelfLoop(graphName string, from, to string) *EngineError {
	return New(KindCycleOrSelfLoop, fmt.Sprintf("adding dependency %s -> %s would close a cycle or is a self-loop", from, to)).
		WithComponent("workgraph").
		WithOperation("addDependency").
		WithSeverity(SeverityLow).
		WithMetadata("from", from).
		WithMetadata("to", to).
		Build()
}

func AlreadyStarted(graphName string) *EngineError {
	return New(KindAlreadyStarted, "execute called more than once on this graph").
		WithComponent("workgraph").
		WithOperation("execute").
		WithSeverity(SeverityLow).
		Build()
}

func WorkException(nodeName string, cause error) *EngineError {
	return New(KindWorkException, fmt.Sprintf("node %q panicked during execution", nodeName)).
		WithComponent("workgraph").
		WithOperation("execute").
		WithNode(nodeName).
		WithCause(cause).
		WithSeverity(SeverityHigh).
		WithStackTrace().
		Build()
}

func CycleOrOrphan(graphName string) *EngineError {
	return New(KindCycleOrOrphan, "graph has pending nodes but no root could be scheduled").
		WithComponent("workgraph").
		WithOperation("execute").
		WithSeverity(SeverityHigh).
		Build()
}

func NodeDropped(nodeName string, reason string) *EngineError {
	return New(KindNodeDropped, fmt.Sprintf("node %q dropped: %s", nodeName, reason)).
		WithComponent("workgraph").
		WithOperation("defer").
		WithNode(nodeName).
		WithSeverity(SeverityMedium).
		Build()
}
