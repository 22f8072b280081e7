// Package tsunit defines the timestamp precision and file-partitioning
// arithmetic shared by the commit pipeline and the repository's
// configuration.
package tsunit

import "errors"

// Precision is the unit TSKEY values are measured in.
type Precision int8

const (
	Milli Precision = iota
	Micro
	Nano
)

// ErrUnknownPrecision is returned for a Precision value outside [Milli, Nano].
var ErrUnknownPrecision = errors.New("tsunit: unknown precision")

// UnitsPerDay returns the number of TSKEY units in one day at this precision.
func (p Precision) UnitsPerDay() (int64, error) {
	const secondsPerDay = 86400
	switch p {
	case Milli:
		return secondsPerDay * 1000, nil
	case Micro:
		return secondsPerDay * 1000 * 1000, nil
	case Nano:
		return secondsPerDay * 1000 * 1000 * 1000, nil
	default:
		return 0, ErrUnknownPrecision
	}
}

func (p Precision) String() string {
	switch p {
	case Milli:
		return "MILLI"
	case Micro:
		return "MICRO"
	case Nano:
		return "NANO"
	default:
		return "UNKNOWN"
	}
}

// FID returns the file partition id covering ts:
// fid = floor(timestamp / (daysPerFile * unitsPerDay(precision))).
func FID(ts int64, daysPerFile int32, p Precision) (int64, error) {
	upd, err := p.UnitsPerDay()
	if err != nil {
		return 0, err
	}
	span := int64(daysPerFile) * upd
	return floorDiv(ts, span), nil
}

// Window returns the inclusive [minKey, maxKey] range covered by fid.
func Window(fid int64, daysPerFile int32, p Precision) (minKey, maxKey int64, err error) {
	upd, err := p.UnitsPerDay()
	if err != nil {
		return 0, 0, err
	}
	span := int64(daysPerFile) * upd
	minKey = fid * span
	maxKey = minKey + span - 1
	return minKey, maxKey, nil
}

// floorDiv computes floor(a/b) for b > 0, rounding toward negative
// infinity rather than Go's truncate-toward-zero integer division —
// required so negative timestamps partition correctly.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
