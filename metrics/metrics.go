package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

const (
	MetricsNamespace = "op_launch"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cases_total",
		Help:      "Count of test cases stored, by terminal status and test type",
	}, []string{
		"status",
		"type",
	})

	caseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "case_duration_seconds",
		Help:      "Duration of stored test cases",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{
		"status",
	})

	groupsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "groups_registered_total",
		Help:      "Count of distinct test groups registered",
	})

	orphanGroups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "orphan_groups_total",
		Help:      "Count of groups left out of a built tree because their parent was unknown",
	})

	recoveredShells = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "recovered_report_shells_total",
		Help:      "Count of report shells recreated at group exit",
	})

	duplicateTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "duplicate_transitions_total",
		Help:      "Count of rejected second terminal transitions",
	})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "publish_total",
		Help:      "Count of report publications by sink and result",
	}, []string{
		"sink",
		"result",
	})

	publishDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "publish_duration_seconds",
		Help:      "Duration of the last publication per sink",
	}, []string{
		"sink",
	})

	reportCases = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "report_cases",
		Help:      "Case counts of a finished report",
	}, []string{
		"launch_id",
		"group",
		"status",
	})

	launchDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "launch_duration_seconds",
		Help:      "Wall-clock duration of a finished report",
	}, []string{
		"launch_id",
		"group",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordCase counts a case once it reaches the store
func RecordCase(status types.Status, testType types.TestType, duration time.Duration) {
	if !status.IsTerminal() {
		log.Error("RecordCase - non-terminal status", "status", status)
		return
	}
	casesTotal.WithLabelValues(status.String(), string(testType)).Inc()
	caseDuration.WithLabelValues(status.String()).Observe(duration.Seconds())
}

func RecordGroupRegistered() {
	groupsRegistered.Inc()
}

func RecordOrphanGroup() {
	orphanGroups.Inc()
}

func RecordRecoveredShell() {
	recoveredShells.Inc()
}

func RecordDuplicateTransition() {
	duplicateTransitions.Inc()
}

// RecordPublish tracks the outcome of handing a report to a sink
func RecordPublish(sink string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
		RecordErrorDetails("publish."+sink, err)
	}
	if Debug {
		log.Debug("metric inc",
			"m", "publish_total",
			"sink", sink,
			"result", result)
	}
	publishTotal.WithLabelValues(sink, result).Inc()
	publishDuration.WithLabelValues(sink).Set(duration.Seconds())
}

// RecordReport exports the summary of a finished report
func RecordReport(launchID, group string, stats types.ReportStats, duration time.Duration) {
	counts := map[types.Status]int{
		types.StatusPassed:   stats.Passed,
		types.StatusFailed:   stats.Failed,
		types.StatusAborted:  stats.Aborted,
		types.StatusDisabled: stats.Disabled,
	}
	for _, status := range types.TerminalStatuses() {
		reportCases.WithLabelValues(launchID, group, status.String()).Set(float64(counts[status]))
	}
	launchDuration.WithLabelValues(launchID, group).Set(duration.Seconds())
}
