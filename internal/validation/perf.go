package validation

import (
	"math"
	"sync"
)

const recentOperations = 10

// perfLog keeps the newest samples up to its capacity, oldest first.
type perfLog struct {
	mu      sync.Mutex
	limit   int
	samples []PerformanceSample
}

func newPerfLog(capacity int) *perfLog {
	return &perfLog{limit: capacity, samples: make([]PerformanceSample, 0, capacity)}
}

func (l *perfLog) add(s PerformanceSample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == l.limit {
		copy(l.samples, l.samples[1:])
		l.samples = l.samples[:l.limit-1]
	}
	l.samples = append(l.samples, s)
}

func (l *perfLog) snapshot() []PerformanceSample {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PerformanceSample(nil), l.samples...)
}

func (l *perfLog) digest() PerformanceDigest {
	samples := l.snapshot()
	d := PerformanceDigest{Operations: len(samples), RecentOperations: []PerformanceSample{}}
	if len(samples) == 0 {
		return d
	}
	var total int64
	var ok int
	for _, s := range samples {
		total += s.DurationMillis
		if s.Success {
			ok++
		}
	}
	d.AverageDuration = int64(math.Round(float64(total) / float64(len(samples))))
	d.SuccessRate = int(math.Round(float64(ok) * 100 / float64(len(samples))))
	d.RecentOperations = samples[max(0, len(samples)-recentOperations):]
	return d
}
