package bus

import (
	"fmt"
	"reflect"
)

const (
	maxArgRunes      = 100
	circularSentinel = "[Circular Object]"
)

// RenderArgs formats emit arguments for error reports. Strings are truncated
// to 100 code points; values containing reference cycles render as the
// circular sentinel instead of being walked.
func RenderArgs(args []any) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, renderArg(a))
	}
	return out
}

func renderArg(a any) string {
	if a == nil {
		return "<nil>"
	}
	if hasCycle(reflect.ValueOf(a), map[uintptr]struct{}{}) {
		return circularSentinel
	}
	return truncateRunes(fmt.Sprintf("%v", a), maxArgRunes)
}

// truncateRunes cuts s to at most n code points, ellipsis included.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// hasCycle walks pointers, maps and slices looking for a reference already
// on the path. It deliberately does not attempt a structural clone.
func hasCycle(v reflect.Value, seen map[uintptr]struct{}) bool {
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return false
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return true
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		switch v.Kind() {
		case reflect.Ptr:
			return hasCycle(v.Elem(), seen)
		case reflect.Map:
			for _, key := range v.MapKeys() {
				if hasCycle(v.MapIndex(key), seen) {
					return true
				}
			}
		case reflect.Slice:
			for i := 0; i < v.Len(); i++ {
				if hasCycle(v.Index(i), seen) {
					return true
				}
			}
		}
	case reflect.Interface:
		if v.IsNil() {
			return false
		}
		return hasCycle(v.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if hasCycle(v.Field(i), seen) {
				return true
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasCycle(v.Index(i), seen) {
				return true
			}
		}
	}
	return false
}
