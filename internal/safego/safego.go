// Package safego spawns goroutines that recover their own panics. A
// panic inside one execution's goroutine must never bring down the
// server; at worst that execution is marked failed.
package safego

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("goroutine", name).WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Errorln("goroutine panic recovered")
			}
		}()
		fn()
	}()
}

// SafeGoOnPanic runs fn in a goroutine and invokes onPanic after
// recovering, letting the caller fail the owning execution.
func SafeGoOnPanic(name string, fn func(), onPanic func(recovered interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("goroutine", name).WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Errorln("goroutine panic recovered")
				onPanic(r)
			}
		}()
		fn()
	}()
}
