package eta

// Level is a discrete proximity bucket derived from distance and ETA.
type Level string

const (
	LevelNone        Level = ""
	LevelApproaching Level = "approaching"
	LevelClose       Level = "close"
	LevelVeryClose   Level = "very_close"
	LevelImmediate   Level = "immediate"
)

// Proximity thresholds. Distance wins over duration.
const (
	ImmediateKm        = 0.2
	VeryCloseKm        = 0.5
	CloseMinutes       = 2.0
	ApproachingMinutes = 10.0
)

// ClassifyProximity maps a distance/ETA pair onto a Level. ok is false when the
// vehicle is too far away to warrant any alert.
func ClassifyProximity(distanceKm, durationMinutes float64) (Level, bool) {
	switch {
	case distanceKm <= ImmediateKm:
		return LevelImmediate, true
	case distanceKm <= VeryCloseKm:
		return LevelVeryClose, true
	case durationMinutes <= CloseMinutes:
		return LevelClose, true
	case durationMinutes <= ApproachingMinutes:
		return LevelApproaching, true
	}
	return LevelNone, false
}
