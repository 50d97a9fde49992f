package opt

import "sync"

const keepMetrics = 50

var (
	mu     sync.Mutex
	recent []Metrics
)

// RecordMetrics keeps the metrics of the most recent solver runs.
func RecordMetrics(m Metrics) {
	mu.Lock()
	recent = append(recent, m)
	if len(recent) > keepMetrics {
		recent = append([]Metrics(nil), recent[len(recent)-keepMetrics:]...)
	}
	mu.Unlock()
}

// RecentMetrics returns recorded runs, newest last.
func RecentMetrics() []Metrics {
	mu.Lock()
	defer mu.Unlock()
	return append([]Metrics(nil), recent...)
}
