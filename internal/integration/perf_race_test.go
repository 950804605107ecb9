//go:build race

package integration

import "time"

// perfP99Threshold is the maximum acceptable p99 evaluation latency with
// the race detector. The detector adds ~5-10x overhead, so 25ms here
// instead of the usual 5ms.
var perfP99Threshold = 25 * time.Millisecond

// perfP50Threshold is the maximum acceptable p50 evaluation latency with
// the race detector.
var perfP50Threshold = 10 * time.Millisecond
