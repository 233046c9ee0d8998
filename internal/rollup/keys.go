package rollup

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// sortRows orders rows by their keys, column by column.
func sortRows(rows []Row) {
	slices.SortFunc(rows, func(a, b Row) int {
		for i := range a.Keys {
			if c := compareKey(a.Keys[i], b.Keys[i]); c != 0 {
				return c
			}
		}
		return 0
	})
}

func compareKey(a, b any) int {
	switch av := a.(type) {
	case string:
		return cmp.Compare(av, b.(string))
	case int:
		return cmp.Compare(av, b.(int))
	case int64:
		return cmp.Compare(av, b.(int64))
	case time.Time:
		return av.Compare(b.(time.Time))
	default:
		panic(fmt.Sprintf("rollup: unsupported key type %T", a))
	}
}

// userSet collects distinct user ids.
type userSet map[string]struct{}

func (s userSet) add(id string) { s[id] = struct{}{} }

func (s userSet) count() int64 { return int64(len(s)) }

var secondsPerHour = decimal.NewFromInt(3600)

// addSeconds adds a listen duration to an exact running total, so the sum
// does not depend on scan order. Non-finite durations are ignored.
func addSeconds(sum decimal.Decimal, d float64) decimal.Decimal {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return sum
	}
	return sum.Add(decimal.NewFromFloat(d))
}

// hours converts summed seconds to whole hours, half away from zero.
func hours(seconds decimal.Decimal) int64 {
	return seconds.Div(secondsPerHour).Round(0).IntPart()
}

// monthOf truncates t to the first instant of its UTC month.
func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// monthsBetween counts whole calendar months from a to b.
func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

var hundred = decimal.NewFromInt(100)

// percentChange returns (cur-prev)/prev*100 rounded to one decimal place,
// half away from zero. prev must be non-zero.
func percentChange(cur, prev int64) float64 {
	return decimal.NewFromInt(cur - prev).
		Mul(hundred).
		Div(decimal.NewFromInt(prev)).
		Round(1).
		InexactFloat64()
}
