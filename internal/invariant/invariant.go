// Package invariant provides contract assertions used throughout pipeflow.
//
// Assertions here are a cheap way to turn a silent bad state into an
// immediate, attributable panic. They are for programmer errors — a caller
// violating a documented contract, or an internal invariant that should be
// impossible to break — never for user-supplied input. User input is
// rejected with an ordinary error return.
package invariant

import (
	"fmt"
	"reflect"
)

// Precondition checks an input contract at function entry.
//
//	func New(elementName string, slot *CacheSlot, ...) *Cacher {
//	    invariant.Precondition(elementName != "", "elementName must not be empty")
//	    ...
//	}
func Precondition(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("PRECONDITION", format, args...)
	}
}

// Postcondition checks a guarantee the function makes to its caller before
// returning.
func Postcondition(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("POSTCONDITION", format, args...)
	}
}

// Invariant checks an internal consistency condition mid-function — loop
// progress, state-machine transitions, and similar.
func Invariant(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("INVARIANT", format, args...)
	}
}

// NotNil panics if value is nil, including a typed nil pointer, slice, map,
// chan, or func boxed in the interface — the common footgun where
// `value == nil` is false for an interface holding a nil *T.
func NotNil(value interface{}, name string) {
	if value == nil {
		fail("PRECONDITION", "%s must not be nil", name)
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		if v.IsNil() {
			fail("PRECONDITION", "%s must not be nil", name)
		}
	}
}

func fail(kind, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	panic(fmt.Sprintf("%s VIOLATION: %s", kind, msg))
}
