package types

// Header carries run identity, timing and environment information
type Header struct {
	LaunchID          string
	LaunchStartTime   int64 // epoch millis
	LaunchEndTime     int64 // epoch millis
	ApplicationName   string
	TestEnvironment   string
	RunEnvironment    string
	User              string
	GitBranch         string
	Regression        bool
	OSVersion         string
	TestRunnerVersion string
	RuntimeVersion    string
}

// Report is the finished output of one top-level group: a header and the
// fully nested group tree. It is a snapshot and is not mutated after it is built.
type Report struct {
	Header Header
	Root   *GroupNode
}

// ReportStats summarizes case outcomes across a report tree
type ReportStats struct {
	Total    int
	Passed   int
	Failed   int
	Aborted  int
	Disabled int
	Groups   int
}

// Stats counts groups and case outcomes in the report
func (r *Report) Stats() ReportStats {
	var stats ReportStats
	if r == nil || r.Root == nil {
		return stats
	}
	r.Root.Walk(func(node *GroupNode, _ int) bool {
		stats.Groups++
		for _, c := range node.Cases {
			stats.Total++
			switch c.Status() {
			case StatusPassed:
				stats.Passed++
			case StatusFailed:
				stats.Failed++
			case StatusAborted:
				stats.Aborted++
			case StatusDisabled:
				stats.Disabled++
			}
		}
		return true
	})
	return stats
}

// HasFailures reports whether any case failed or aborted
func (r *Report) HasFailures() bool {
	s := r.Stats()
	return s.Failed+s.Aborted > 0
}

// DurationMillis is the wall-clock span of the launch
func (h Header) DurationMillis() int64 {
	return DurationMillis(h.LaunchStartTime, h.LaunchEndTime)
}
