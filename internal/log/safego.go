package log

import (
	"runtime/debug"
)

// SafeGo runs fn in a new goroutine, recovering and logging any panic so a
// single misbehaving worker pump or event handler cannot take down the
// process. The name identifies the goroutine in the panic log entry.
func SafeGo(cat Category, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(cat, "goroutine panic",
					"name", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
