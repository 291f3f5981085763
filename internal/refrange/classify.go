package refrange

import (
	"log/slog"
	"strconv"
)

// Input is one result to classify. Direction is the comparator a lab
// attached to the raw result ("<", ">" or empty): "<5" means the analyser
// only reports that the value is below 5.
type Input struct {
	TestCode  string
	Age       int
	Sex       string // "F" or "M"
	Result    string // raw result text, numeric when parseable
	Direction string
}

// Classifier assigns a Category to each result using a reference-range
// table. AdultAge is the floor below which results are never published.
type Classifier struct {
	Table    *Table
	AdultAge int
	Logger   *slog.Logger
}

// Classify maps one input to its result category. Classification failures
// are expected outcomes encoded as error categories, never Go errors.
func (c *Classifier) Classify(in Input) Category {
	if in.Age < c.AdultAge {
		// Normally filtered upstream by the adapter's drop predicate.
		return ErrUnderAge
	}
	ranges := c.Table.Ranges(in.TestCode)
	if len(ranges) == 0 {
		c.log(in, "no reference range for test")
		return ErrNoRefRange
	}
	result, err := strconv.ParseFloat(in.Result, 64)
	if err != nil {
		c.log(in, "unparseable result")
		return ErrNonNumericResult
	}

	for _, rr := range ranges {
		// Bracket bounds are inclusive; a ceiling at or above
		// RangeCeiling means no upper limit. First match in file
		// order wins (see Table).
		if in.Age < rr.MinAge {
			continue
		}
		if rr.MaxAge < RangeCeiling && in.Age > rr.MaxAge {
			continue
		}

		var lowRaw, highRaw string
		switch in.Sex {
		case "F":
			lowRaw, highRaw = rr.LowF, rr.HighF
		case "M":
			lowRaw, highRaw = rr.LowM, rr.HighM
		default:
			c.log(in, "invalid sex")
			return ErrUnknownSex
		}
		if lowRaw == "" || highRaw == "" {
			c.log(in, "blank bounds in reference range")
			return ErrInvalidRefRange
		}
		low, lowErr := strconv.ParseFloat(lowRaw, 64)
		high, highErr := strconv.ParseFloat(highRaw, 64)
		if lowErr != nil || highErr != nil {
			c.log(in, "unparseable bounds in reference range")
			return ErrInvalidRefRange
		}

		return compare(c.Logger, in, result, low, high)
	}

	// Ranges exist for the test but none covers this age.
	c.log(in, "no bracket covers age")
	return ErrUnderAge
}

// compare applies the thresholds, honouring the direction comparator. A
// comparator that contradicts the computed side of the range means the raw
// value was censored and the true result is unknowable.
func compare(logger *slog.Logger, in Input, result, low, high float64) Category {
	switch {
	case result > high:
		if in.Direction == "<" {
			warn(logger, in, "over range but direction <")
			return ErrDirectionConflict
		}
		return OverRange
	case result < low:
		if in.Direction == ">" {
			warn(logger, in, "under range but direction >")
			return ErrDirectionConflict
		}
		return UnderRange
	default:
		// A within-range censored value is only trustworthy when the
		// comparator points past an unbounded end of the range.
		if in.Direction == "" ||
			(in.Direction == "<" && low == 0) ||
			(in.Direction == ">" && high >= ResultCeiling) {
			return WithinRange
		}
		warn(logger, in, "within range but direction set")
		return ErrDirectionConflict
	}
}

func (c *Classifier) log(in Input, msg string) {
	if c.Logger != nil {
		c.Logger.Debug(msg, "test_code", in.TestCode, "age", in.Age, "sex", in.Sex)
	}
}

func warn(logger *slog.Logger, in Input, msg string) {
	if logger != nil {
		logger.Warn(msg, "test_code", in.TestCode, "result", in.Result, "direction", in.Direction)
	}
}
