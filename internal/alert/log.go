package alert

import (
	"context"
	"errors"
	"net/http"
	"time"

	logx "nudge/pkg/logx"
)

// Log reports alerts as log records only.
type Log struct{ log logx.Logger }

func NewLog(log logx.Logger) *Log { return &Log{log: log.With(logx.String("comp", "alert"))} }

func (l *Log) Report(_ context.Context, a Alert) error {
	fields := []logx.Field{logx.String("severity", a.Severity.String()), logx.String("site", a.Site)}
	if a.Component != "" {
		fields = append(fields, logx.String("source", a.Component))
	}
	if a.MessageID != "" {
		fields = append(fields, logx.String("message", a.MessageID))
	}
	if a.Err != nil {
		fields = append(fields, logx.Err(a.Err))
	}
	switch a.Severity {
	case Critical:
		l.log.Error(a.Text, fields...)
	case Warning:
		l.log.Warn(a.Text, fields...)
	default:
		l.log.Info(a.Text, fields...)
	}
	return nil
}

// Multi fans an alert out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, a Alert) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
