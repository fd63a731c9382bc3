// Package errors reduces errors to short class names for metric tags and logs.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/listingsync/internal/domain/job"
	apperrors "github.com/target/listingsync/internal/errors"
)

// Classify returns a normalized error class:
//   - "timeout" and "canceled" for context errors
//   - "crawl_transient" / "crawl_permanent" for classified crawl failures
//   - "app_<code>" for application errors
//   - otherwise the innermost concrete type name in snake_case-ish form
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var ce *job.CrawlError
	if goerrors.As(err, &ce) {
		return "crawl_" + string(ce.Kind)
	}
	if code := apperrors.GetCode(err); code != "" {
		return "app_" + string(code)
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
