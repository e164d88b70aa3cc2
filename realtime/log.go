package realtime

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `realtime` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     lifecycle data that is useful for monitoring
//     this includes:
//     - subscription open/teardown and reconnects
//     - dropped malformed events
// Warning:
//     unexpected errors that were handled and suppressed for partial operation
// V(1):
//     key per-scope events with ids that can be used to filter
// V(2):
//     frequent events - e.g. each change applied, each presence delta -
//     prefer summarizing as counters (see stats.go) over logging each point

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		glog.Infof("[%s]%s\n", tag, m)
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}
