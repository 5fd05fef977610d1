package notify

import (
	"fmt"
	"math"
	"strings"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// MetricTrend is one health metric's chronological value series plus its
// computed direction.
type MetricTrend struct {
	Name   string
	Values []int // chronological order, oldest first
	Trend  string // improving, stable, regressing
}

var trendMetrics = []struct {
	name string
	get  func(*store.HealthSnapshot) int
}{
	{"tscErrors", func(h *store.HealthSnapshot) int { return h.TscErrors }},
	{"testFailures", func(h *store.HealthSnapshot) int { return h.TestFailures }},
	{"todos", func(h *store.HealthSnapshot) int { return h.Todos }},
	{"fixmes", func(h *store.HealthSnapshot) int { return h.Fixmes }},
	{"hacks", func(h *store.HealthSnapshot) int { return h.Hacks }},
	{"largeFiles", func(h *store.HealthSnapshot) int { return h.LargeFiles }},
	{"outdatedDeps", func(h *store.HealthSnapshot) int { return h.OutdatedDeps }},
}

// computeTrends implements spec.md §4.8's trend algorithm verbatim.
// snapshots must be newest-first, as store.HealthStore.RecentSnapshots
// returns them; the returned Values are chronological (oldest first).
func computeTrends(snapshots []*store.HealthSnapshot) []MetricTrend {
	if len(snapshots) < 2 {
		return nil
	}

	chrono := make([]*store.HealthSnapshot, len(snapshots))
	for i, s := range snapshots {
		chrono[len(snapshots)-1-i] = s
	}

	splitAt := (len(chrono) + 1) / 2 // ceil(n/2)
	older := chrono[:splitAt]
	newer := chrono[splitAt:]

	out := make([]MetricTrend, 0, len(trendMetrics))
	for _, m := range trendMetrics {
		values := make([]int, len(chrono))
		for i, s := range chrono {
			values[i] = m.get(s)
		}

		olderMean := meanOf(older, m.get)
		newerMean := meanOf(newer, m.get)
		threshold := math.Max(1, olderMean*0.10)

		var trend string
		switch {
		case math.Abs(newerMean-olderMean) < threshold:
			trend = "stable"
		case newerMean < olderMean:
			trend = "improving"
		default:
			trend = "regressing"
		}

		out = append(out, MetricTrend{Name: m.name, Values: values, Trend: trend})
	}
	return out
}

func meanOf(snapshots []*store.HealthSnapshot, get func(*store.HealthSnapshot) int) float64 {
	if len(snapshots) == 0 {
		return 0
	}
	sum := 0
	for _, s := range snapshots {
		sum += get(s)
	}
	return float64(sum) / float64(len(snapshots))
}

// formatTrendsForPrompt renders one line per metric, or the fixed
// not-enough-data sentinel spec.md §4.8 specifies.
func formatTrendsForPrompt(trends []MetricTrend) string {
	if len(trends) == 0 {
		return "No trend data available yet (need at least 2 improvement cycles)."
	}
	lines := make([]string, 0, len(trends))
	for _, t := range trends {
		parts := make([]string, len(t.Values))
		for i, v := range t.Values {
			parts[i] = fmt.Sprintf("%d", v)
		}
		lines = append(lines, fmt.Sprintf("%s: %s [%s]", t.Name, strings.Join(parts, " -> "), strings.ToUpper(t.Trend)))
	}
	return strings.Join(lines, "\n")
}
