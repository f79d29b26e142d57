package system

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (pulled in transitively by the genai client) starts
	// a stats worker goroutine in package init that can never be stopped.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}
