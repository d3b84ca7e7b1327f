package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule replaces every match of re with repl, which may reference groups.
type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in log lines: provider API keys, HTTP auth
// headers, user:password pairs in shard URLs and secret-looking fields.
// Keys and URL schemes stay visible so lines remain searchable.
type Redactor struct {
	rules []rule
}

// NewRedactor returns a redactor with the built-in rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{"provider-key", regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_-]{20,}`), redacted},
			{"auth-header", regexp.MustCompile(`\b(Bearer|Basic)\s+[A-Za-z0-9._~+/=-]{8,}`), "$1 " + redacted},
			{"url-userinfo", regexp.MustCompile(`(\w+://)[^/\s:@"]+:[^/\s@"]+@`), "${1}" + redacted + "@"},
			{"secret-field", regexp.MustCompile(`(\b(?i:api_?key|password|pwd|secret|token)"?\s*[:=]\s*"?)[^\s",}]+`), "${1}" + redacted},
			{"aws-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
		},
	}
}

// AddPattern masks every match of pattern entirely.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{name: "custom", re: re, repl: redacted})
	return nil
}

// Redact applies every rule to s in order.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even when redaction changed the length,
// since callers account for the bytes they handed over.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
