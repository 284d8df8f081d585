// Package errors provides coded, structured errors for the frame store.
//
// Codes follow the "<area>.<operation>.<reason>" shape. The trailing reason
// segment drives the Is* predicates, so callers can classify an error without
// knowing the exact code that produced it.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStorePutInvalid          Code = "store.put.invalid_input"
	CodeStoreMediumIOFailure     Code = "store.medium.io_failure"
	CodeStoreCommitFailure       Code = "store.commit.failure"
	CodeStoreFrameStale          Code = "store.frame.stale"
	CodeStoreFrameNotFound       Code = "store.frame.not_found"
	CodeStoreCreateExists        Code = "store.create.already_exists"
	CodeStoreOpenNotFound        Code = "store.open.not_found"
	CodeStoreOpenCorrupt         Code = "store.open.corrupt"
	CodeStoreLinkInvalid         Code = "store.link.invalid_input"
	CodeStoreQueryInvalid        Code = "store.query.invalid_input"
	CodeStoreClosed              Code = "store.lifecycle.closed"
	CodeEnrichStepTransient      Code = "enrich.step.transient"
	CodeEnrichStepFailure        Code = "enrich.step.failure"
	CodeEnrichClaimConflict      Code = "enrich.claim.conflict"
	CodeConfigValidateInvalid    Code = "config.validate.invalid_value"
	CodeConfigLoadReadFailure    Code = "config.load.read_failure"
	CodeEmbeddingUpstream        Code = "embedding.upstream.failure"
	CodeEmbeddingResponseInvalid Code = "embedding.response.invalid"
	CodeCLIInputInvalid          Code = "cli.input.invalid_input"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldFrameID(id uint64) Attr {
	return Field("frame_id", id)
}

func FieldPath(path string) Attr {
	return Field("path", path)
}

func FieldDigest(digest string) Attr {
	return Field("digest", digest)
}

func FieldStep(step string) Attr {
	return Field("step", step)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the code attached to err, or "" for plain errors. oops
// reports the deepest coded error in the chain, so wrap plain errors (not
// coded ones) when a new classification must win.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsValidation reports malformed input rejected before any mutation.
func IsValidation(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid_input" || r == "invalid_value"
}

func IsIOFailure(err error) bool {
	return reason(CodeOf(err)) == "io_failure"
}

func IsCommitFailure(err error) bool {
	return HasCode(err, CodeStoreCommitFailure)
}

func IsStale(err error) bool {
	return reason(CodeOf(err)) == "stale"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsAlreadyExists(err error) bool {
	return reason(CodeOf(err)) == "already_exists"
}

func IsCorrupt(err error) bool {
	return reason(CodeOf(err)) == "corrupt"
}

func IsTransient(err error) bool {
	return reason(CodeOf(err)) == "transient"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
