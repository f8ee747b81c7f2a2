package observability

// Reporter forwards exceptions to an external monitoring collector.
// Denials and store failures are captured through this interface so the
// core stays testable without a live collector.
type Reporter interface {
	CaptureException(err error)
	CaptureMessage(message string, extra map[string]interface{})
}

// LogReporter is the default Reporter, writing captures to the logger.
type LogReporter struct {
	logger *Logger
}

// NewLogReporter creates a Reporter backed by the given logger
func NewLogReporter(logger *Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// CaptureException records an exception
func (r *LogReporter) CaptureException(err error) {
	if err == nil {
		return
	}
	r.logger.WithError(err).Error("captured exception")
}

// CaptureMessage records a message with extra context
func (r *LogReporter) CaptureMessage(message string, extra map[string]interface{}) {
	r.logger.WithFields(extra).Error(message)
}

// NopReporter discards all captures. Used in tests.
type NopReporter struct{}

// CaptureException implements Reporter
func (NopReporter) CaptureException(error) {}

// CaptureMessage implements Reporter
func (NopReporter) CaptureMessage(string, map[string]interface{}) {}
