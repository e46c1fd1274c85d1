package models

import "strings"

// unitMinutes maps candle-length unit suffixes to their minute equivalent.
// A suffix not present here counts as minutes (multiplier 1); that fallback
// is deliberate so "90m" or bare "90" parse without a dedicated entry.
var unitMinutes = map[string]int{
	"w":     7 * 24 * 60,
	"week":  7 * 24 * 60,
	"weeks": 7 * 24 * 60,
	"d":     24 * 60,
	"day":   24 * 60,
	"days":  24 * 60,
	"h":     60,
	"hr":    60,
	"hour":  60,
	"hours": 60,
}

// IntervalMinutes converts a candle-length string such as "5m", "6h", "3D",
// "1W" or the compound "1h30m" to its total length in minutes.
//
// The string is lower-cased, spaces are stripped, and leading
// <digits><non-digits> segments are consumed one by one; each segment
// contributes value times the unit's minute equivalent. Malformed trailing
// text simply ends the parse, and a string with no leading digits yields 0.
func IntervalMinutes(interval string) int {
	s := strings.ToLower(strings.ReplaceAll(interval, " ", ""))
	return parseSegments(s)
}

func parseSegments(s string) int {
	digits := 0
	for digits < len(s) && isDigit(s[digits]) {
		digits++
	}
	if digits == 0 {
		return 0
	}

	value := 0
	for _, c := range []byte(s[:digits]) {
		value = value*10 + int(c-'0')
	}

	rest := digits
	for rest < len(s) && !isDigit(s[rest]) {
		rest++
	}
	unit := s[digits:rest]

	mult, ok := unitMinutes[unit]
	if !ok {
		mult = 1
	}

	return value*mult + parseSegments(s[rest:])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
