/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"unsafe"

	"github.com/ssgreg/logf"
)

// StringMasker hides secrets in a string.
type StringMasker interface {
	Mask(s string) string
}

// MaskingLogger hides secrets in messages and string-like fields before passing entries to the wrapped logger.
// gRPC metadata, request payload excerpts and errors of failed calls are the usual places where
// credentials (authorization, x-api-key) end up in logs.
type MaskingLogger struct {
	log    FieldLogger
	masker StringMasker
}

// NewMaskingLogger wraps the logger with masking.
func NewMaskingLogger(l FieldLogger, masker StringMasker) FieldLogger {
	return MaskingLogger{l, masker}
}

// With returns a logger that adds masked fields to every entry.
func (l MaskingLogger) With(fs ...Field) FieldLogger {
	return MaskingLogger{l.log.With(l.maskFields(fs)...), l.masker}
}

// Debug logs at "debug" level.
func (l MaskingLogger) Debug(msg string, fs ...Field) {
	l.log.Debug(l.masker.Mask(msg), l.maskFields(fs)...)
}

// Info logs at "info" level.
func (l MaskingLogger) Info(msg string, fs ...Field) {
	l.log.Info(l.masker.Mask(msg), l.maskFields(fs)...)
}

// Warn logs at "warn" level.
func (l MaskingLogger) Warn(msg string, fs ...Field) {
	l.log.Warn(l.masker.Mask(msg), l.maskFields(fs)...)
}

// Error logs at "error" level.
func (l MaskingLogger) Error(msg string, fs ...Field) {
	l.log.Error(l.masker.Mask(msg), l.maskFields(fs)...)
}

// AtLevel calls fn with a masking LogFunc if the level is enabled.
func (l MaskingLogger) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.log.AtLevel(level, func(logFunc LogFunc) {
		fn(func(msg string, fs ...Field) {
			logFunc(l.masker.Mask(msg), l.maskFields(fs)...)
		})
	})
}

// WithLevel returns a masking logger with an additional level check.
func (l MaskingLogger) WithLevel(level Level) FieldLogger {
	return MaskingLogger{l.log.WithLevel(level), l.masker}
}

var stringSliceType = reflect.TypeOf([]string{})

// maskFields returns fields with masked values. The input slice is returned as is when nothing changes.
func (l MaskingLogger) maskFields(fields []Field) []Field {
	var res []Field
	for i := range fields {
		masked, changed := l.maskField(fields[i])
		if !changed {
			continue
		}
		if res == nil {
			res = append([]Field(nil), fields...)
		}
		res[i] = masked
	}
	if res == nil {
		return fields
	}
	return res
}

func (l MaskingLogger) maskField(field Field) (Field, bool) {
	switch field.Type {
	case logf.FieldTypeBytesToString:
		s := *(*string)(unsafe.Pointer(&field.Bytes)) // nolint: gosec
		if masked := l.masker.Mask(s); masked != s {
			return String(field.Key, masked), true
		}

	case logf.FieldTypeBytes, logf.FieldTypeRawBytes:
		if field.Bytes == nil {
			break
		}
		if masked := l.masker.Mask(string(field.Bytes)); masked != string(field.Bytes) {
			return logf.ConstBytes(field.Key, []byte(masked)), true
		}

	case logf.FieldTypeError:
		err, ok := field.Any.(error)
		if !ok || err == nil {
			break
		}
		s := err.Error()
		if masked := l.masker.Mask(s); masked != s {
			return NamedError(field.Key, newMaskedError(err, l.masker, masked)), true
		}

	case logf.FieldTypeArray:
		if field.Any == nil {
			break
		}
		value := reflect.ValueOf(field.Any)
		if !value.CanConvert(stringSliceType) {
			break
		}
		ss := value.Convert(stringSliceType).Interface().([]string)
		masked := make([]string, len(ss))
		var changed bool
		for i, s := range ss {
			masked[i] = l.masker.Mask(s)
			changed = changed || masked[i] != s
		}
		if changed {
			return Strings(field.Key, masked), true
		}
	}
	// Other types, including FieldTypeAny and objects, are passed through.
	return field, false
}

func newMaskedError(err error, masker StringMasker, masked string) error {
	if _, ok := err.(fmt.Formatter); ok {
		return maskedError{s: masked, verbose: masker.Mask(fmt.Sprintf("%+v", err))}
	}
	return errors.New(masked)
}

// maskedError keeps the verbose form for the "error_verbose" field.
type maskedError struct {
	s       string
	verbose string
}

func (e maskedError) Error() string {
	return e.s
}

func (e maskedError) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, e.verbose)
}
