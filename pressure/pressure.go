// Package pressure defines the memory pressure levels accepted by the
// Trim methods of the buffer pool and the memory cache.
package pressure

// Level is an ordered memory pressure signal; larger values ask for more
// memory back.
type Level int

const (
	RunningModerate Level = iota + 1
	RunningLow
	RunningCritical
	UIHidden
	Background
	Moderate
	Complete
)

var levelNames = map[Level]string{
	RunningModerate: "running_moderate",
	RunningLow:      "running_low",
	RunningCritical: "running_critical",
	UIHidden:        "ui_hidden",
	Background:      "background",
	Moderate:        "moderate",
	Complete:        "complete",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// RetainFraction is the share of a cache's max size that may stay resident
// after a trim at this level. Moderate and above empty the cache,
// Background keeps half, lighter levels keep everything.
func (l Level) RetainFraction() float64 {
	switch {
	case l >= Moderate:
		return 0
	case l >= Background:
		return 0.5
	default:
		return 1
	}
}

// TargetSize applies RetainFraction to maxSize.
func (l Level) TargetSize(maxSize int64) int64 {
	return int64(float64(maxSize) * l.RetainFraction())
}
