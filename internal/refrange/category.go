package refrange

import "strconv"

// Category is the classification outcome for a single test result. The
// numeric values are part of the published data format and must not change.
type Category int

const (
	// WithinRange through OverRange are the normal outcomes.
	WithinRange Category = 0
	UnderRange  Category = -1
	OverRange   Category = 1

	// The remaining categories are error codes. A result that cannot be
	// classified is still a valid, countable outcome, not a system fault.
	ErrNoRefRange        Category = 2 // no reference range for this test
	ErrNonNumericResult  Category = 3 // result could not be parsed as a number
	ErrUnknownSex        Category = 4 // sex not F or M
	ErrDirectionConflict Category = 5 // direction marker contradicts thresholds
	ErrUnderAge          Category = 6 // subject below the published age floor
	ErrInvalidRefRange   Category = 7 // range row has blank or unusable bounds
)

// Name returns the operator-facing label for the category.
func (c Category) Name() string {
	switch c {
	case WithinRange:
		return "Within range"
	case UnderRange:
		return "Under range"
	case OverRange:
		return "Over range"
	case ErrNoRefRange:
		return "No ref range"
	case ErrNonNumericResult:
		return "Non-numeric result"
	case ErrUnknownSex:
		return "Unknown sex"
	case ErrDirectionConflict:
		return "Insufficient data"
	case ErrUnderAge:
		return "Underage for ref range"
	case ErrInvalidRefRange:
		return "Invalid ref range"
	}
	return "Unknown category " + strconv.Itoa(int(c))
}

// IsError reports whether c is an error code rather than a range outcome.
func (c Category) IsError() bool {
	return c != WithinRange && c != UnderRange && c != OverRange
}

// String returns the numeric form used in persisted CSVs.
func (c Category) String() string { return strconv.Itoa(int(c)) }
