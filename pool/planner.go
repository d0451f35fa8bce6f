package pool

import "github.com/c360studio/convoprobe/scenario"

// MaxWorkers is the hard cap on parallel workers. The agent service limits
// concurrent sessions per org, and each worker holds at most one session.
const MaxWorkers = 2

// ClampWorkers forces a requested worker count into [1, MaxWorkers].
func ClampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

// Plan splits scenarios into at most ClampWorkers(workers) contiguous partitions
// whose sizes differ by at most one. The first partition takes the extra
// scenario. Empty partitions are omitted.
func Plan(scenarios []scenario.Scenario, workers int) [][]scenario.Scenario {
	n := len(scenarios)
	if n == 0 {
		return nil
	}

	w := ClampWorkers(workers)
	if w > n {
		w = n
	}

	partitions := make([][]scenario.Scenario, 0, w)
	start := 0
	for i := 0; i < w; i++ {
		size := n / w
		if i < n%w {
			size++
		}
		part := make([]scenario.Scenario, size)
		copy(part, scenarios[start:start+size])
		partitions = append(partitions, part)
		start += size
	}
	return partitions
}
