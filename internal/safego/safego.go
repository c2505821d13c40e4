// Package safego runs goroutines whose panics are logged instead of taking
// the daemon down.
package safego

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	runtimeutil "k8s.io/apimachinery/pkg/util/runtime"
)

func init() {
	runtimeutil.ReallyCrash = false
}

// InstallPanicLogger routes recovered panics to log. http.ErrAbortHandler is
// the server's own way of aborting a response and is not reported.
func InstallPanicLogger(log *zap.Logger) {
	runtimeutil.PanicHandlers = []func(context.Context, any){
		func(_ context.Context, r any) {
			if r == http.ErrAbortHandler { //nolint:errorlint
				return
			}
			log.Error("observed a panic", zap.Any("panic", r), zap.StackSkip("stack", 3))
		},
	}
}

// Go runs f on a new goroutine, recovering any panic.
func Go(f func()) {
	go func() {
		defer runtimeutil.HandleCrash()
		f()
	}()
}

// Recover is deferred by code that must survive a panic on its own goroutine
// and run extra cleanup afterwards. It must be deferred directly.
func Recover(cleanup ...func(r any)) {
	r := recover()
	if r == nil {
		return
	}
	// Re-raise inside a frame where HandleCrash is the deferred call, so the
	// installed panic handlers see it.
	func() {
		defer runtimeutil.HandleCrash(cleanup...)
		panic(r)
	}()
}
