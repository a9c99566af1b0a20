package coedit

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `coedit` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time session events (connect, load) that are useful when following a session
//     this includes:
//     - connection drops and reconnect attempts
//     - failed saves
// Warning:
//     work the caller asked for that was dropped
//     this includes:
//     - publish or subscribe while disconnected
//     - inbound messages that could not be decoded
// Error:
//     the session cannot recover without the user, e.g. the reconnect budget is spent
// V(1), V(2):
//     key events for trace debugging, tagged with document and channel ids so they can be filtered
//     frames and per-keystroke events are V(2) only

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
