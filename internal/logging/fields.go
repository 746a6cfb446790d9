package logging

import (
	"log/slog"
	"time"
)

// Common field names.
const (
	FieldRequestID  = "request_id"
	FieldComponent  = "component"
	FieldRuleName   = "rule_name"
	FieldUserID     = "user_id"
	FieldIndex      = "index"
	FieldDocumentID = "document_id"
	FieldMatches    = "matches"
	FieldFormat     = "format"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
)

func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

func RuleName(name string) slog.Attr {
	return slog.String(FieldRuleName, name)
}

func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

func Index(index string) slog.Attr {
	return slog.String(FieldIndex, index)
}

func DocumentID(id string) slog.Attr {
	return slog.String(FieldDocumentID, id)
}

// Window returns the window bounds as RFC 3339 attributes.
func Window(start, end time.Time) slog.Attr {
	return slog.Group("window",
		slog.String("start", start.Format(time.RFC3339Nano)),
		slog.String("end", end.Format(time.RFC3339Nano)),
	)
}

func Matches(n int) slog.Attr {
	return slog.Int(FieldMatches, n)
}

func Format(format string) slog.Attr {
	return slog.String(FieldFormat, format)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
