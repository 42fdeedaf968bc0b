package dataset

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

var (
	manYenPattern = regexp.MustCompile(`([0-9][0-9,]*(?:\.[0-9]+)?)万円?`)
	yenPattern    = regexp.MustCompile(`([0-9][0-9,]*)円`)
	numberPattern = regexp.MustCompile(`([0-9][0-9,]*(?:\.[0-9]+)?)`)

	tenThousand = decimal.NewFromInt(10000)
)

// ParseYen extracts a rent amount in yen. "10.9万円" is 109000, "85,000円"
// is 85000, and a bare number counts only when it exceeds 1000.
func ParseYen(s string) (int64, bool) {
	s = norm.NFKC.String(s)
	if s == "" {
		return 0, false
	}

	if m := manYenPattern.FindStringSubmatch(s); m != nil {
		d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			return 0, false
		}
		return d.Mul(tenThousand).Round(0).IntPart(), true
	}
	if m := yenPattern.FindStringSubmatch(s); m != nil {
		d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			return 0, false
		}
		return d.IntPart(), true
	}
	if m := numberPattern.FindStringSubmatch(s); m != nil {
		d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil || d.LessThanOrEqual(decimal.NewFromInt(1000)) {
			return 0, false
		}
		return d.IntPart(), true
	}
	return 0, false
}

// NormalizeRent rewrites a rent string in whole yen ("10.9万円" -> "109000円").
// Unparseable input is returned trimmed.
func NormalizeRent(s string) string {
	if yen, ok := ParseYen(s); ok {
		return decimal.NewFromInt(yen).String() + "円"
	}
	return strings.TrimSpace(s)
}

// ParseArea extracts a floor area in square metres from "25.5㎡" or "25.5m2".
func ParseArea(s string) (decimal.Decimal, bool) {
	m := numberPattern.FindStringSubmatch(norm.NFKC.String(s))
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// SplitRoom splits "Name/101" into building name and room number.
// Names without a slash are returned unchanged with an empty room.
func SplitRoom(name string) (building, room string) {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return strings.TrimSpace(name), ""
	}
	return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
}
