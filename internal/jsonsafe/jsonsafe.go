// Package jsonsafe parses raw text as JSON and converts decode failures
// into a typed outcome instead of an error path, optionally chaining into
// the schema validator. Persisted JSON state in this system is advisory:
// callers treat "unreadable" as "absent", never as fatal.
package jsonsafe

import (
	"encoding/json"
	"errors"
	"log/slog"
	"unicode"
	"unicode/utf8"

	"github.com/calder/autoissue/internal/diag"
	"github.com/calder/autoissue/internal/schema"
	"github.com/calder/autoissue/internal/shared"
)

const (
	previewLimit = 120
	// printableThreshold is the minimum printable-rune ratio below which
	// content is treated as binary and never echoed into logs.
	printableThreshold = 0.7
)

// Outcome is the discriminated result of a safe decode.
type Outcome struct {
	OK           bool
	Data         any
	Err          error
	UsedFallback bool
}

// Decoder reports decode failures to a diagnostic channel while keeping
// the caller's control flow error-free.
type Decoder struct {
	logger  *slog.Logger
	diags   *diag.Registry
	verbose bool
}

// NewDecoder creates a Decoder. logger may be nil (slog default).
func NewDecoder(logger *slog.Logger, diags *diag.Registry, verbose bool) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger, diags: diags, verbose: verbose}
}

// Decode parses raw as JSON. On failure the supplied fallback (if
// non-nil) becomes the data of a successful outcome; otherwise the
// outcome carries the decode error.
func (d *Decoder) Decode(raw []byte, source string, fallback any) Outcome {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		d.report(raw, source, err)
		if fallback != nil {
			return Outcome{OK: true, Data: fallback, UsedFallback: true}
		}
		return Outcome{Err: err}
	}
	return Outcome{OK: true, Data: data}
}

// DecodeValidated composes Decode with schema validation. It returns nil
// on decode failure or non-recoverable validation failure; when recovery
// repairs the record the recovered data is returned.
func (d *Decoder) DecodeValidated(raw []byte, source string, s *schema.Object, opts schema.Options) any {
	out := d.Decode(raw, source, nil)
	if !out.OK {
		return nil
	}
	res := schema.Validate(out.Data, s, opts)
	if !res.Valid {
		d.diags.Recordf(diag.CategoryExpected, "jsonsafe.validate", "%s: %s", source, res.ErrorSummary())
		d.logger.Warn("persisted state failed validation", "source", source, "errors", res.ErrorSummary())
		return nil
	}
	if res.HasRecoveries {
		d.logger.Info("persisted state recovered", "source", source, "recoveries", len(res.Errors))
	}
	return res.Data
}

// Remarshal converts already-decoded generic data into a typed value by
// round-tripping through JSON. Used after Decode when the caller wants a
// struct rather than map[string]any.
func Remarshal(data any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// report logs a decode failure with file context; verbose mode adds the
// byte offset, line:column, and a redacted preview. Binary content is
// shown as a placeholder rather than raw bytes.
func (d *Decoder) report(raw []byte, source string, err error) {
	d.diags.Recordf(diag.CategoryExpected, "jsonsafe.decode", "%s: %v", source, err)

	if !d.verbose {
		d.logger.Warn("json decode failed", "source", source, "error", err.Error())
		return
	}

	attrs := []any{"source", source, "error", err.Error()}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		line, col := offsetToLineCol(raw, syn.Offset)
		attrs = append(attrs, "offset", syn.Offset, "line", line, "column", col)
	}
	attrs = append(attrs, "preview", Preview(raw))
	d.logger.Warn("json decode failed", attrs...)
}

// Preview returns a log-safe excerpt of raw: redacted text, or a
// placeholder when the content looks binary.
func Preview(raw []byte) string {
	if len(raw) == 0 {
		return "<empty>"
	}
	if !looksPrintable(raw) {
		return "<binary content>"
	}
	s := string(raw)
	if len(s) > previewLimit {
		// Back off to a rune boundary so the excerpt stays valid UTF-8.
		cut := previewLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return shared.Redact(s)
}

func offsetToLineCol(raw []byte, offset int64) (line, col int) {
	line, col = 1, 1
	for i := int64(0); i < offset && i < int64(len(raw)); i++ {
		if raw[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// looksPrintable reports whether raw is mostly printable text, judged by
// the ratio of printable runes over a bounded prefix.
func looksPrintable(raw []byte) bool {
	sample := raw
	if len(sample) > 512 {
		sample = sample[:512]
	}
	total, printable := 0, 0
	for len(sample) > 0 {
		r, size := utf8.DecodeRune(sample)
		sample = sample[size:]
		total++
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if total == 0 {
		return true
	}
	return float64(printable)/float64(total) >= printableThreshold
}
