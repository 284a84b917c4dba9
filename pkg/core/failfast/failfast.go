// Package failfast turns violated construction preconditions into panics and
// turns recovered panics back into errors.
package failfast

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

// ErrPanic wraps every error produced by AsError.
var ErrPanic = errors.New("panic")

// Err panics if err != nil, including a stack trace
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w\n%s", err, debug.Stack()))
	}
}

// If panics if condition is false
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// NotNil panics if v is nil. Typed nil pointers, funcs, maps, chans and
// interfaces count as nil.
func NotNil(v interface{}, name string) {
	if v == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			panic(fmt.Errorf("fail-fast: %s is nil", name))
		}
	}
}

// NotBlank panics if s is empty or only whitespace.
func NotBlank(s string, name string) {
	if strings.TrimSpace(s) == "" {
		panic(fmt.Errorf("fail-fast: %s is empty", name))
	}
}

// AsError converts a value obtained from recover() into an error wrapping
// ErrPanic. It returns nil when r is nil.
func AsError(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrPanic, r)
}
