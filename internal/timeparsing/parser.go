// Package timeparsing parses the time expressions accepted by CLI
// --since/--until flags. Three layers, tried in order:
//
//  1. Compact duration: +6h, -1d, 2w
//  2. Absolute timestamp: RFC3339 or date-only (2026-08-24)
//  3. Natural language via olebedev/when: "yesterday", "last monday"
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactRe matches [+-]?(\d+)([hdwmy]), e.g. -1d, +2w, 6h.
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

var nlp = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// Parse resolves a time expression relative to now.
func Parse(s string, now time.Time) (time.Time, error) {
	if t, err := parseCompact(s, now); err == nil {
		return t, nil
	}
	if t, err := parseAbsolute(s, now.Location()); err == nil {
		return t, nil
	}
	if r, err := nlp.Parse(s, now); err == nil && r != nil {
		return r.Time, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time expression: %q", s)
}

func parseCompact(s string, now time.Time) (time.Time, error) {
	m := compactRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		amount = -amount
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, amount), nil
	case "w":
		return now.AddDate(0, 0, amount*7), nil
	case "m":
		return now.AddDate(0, amount, 0), nil
	default: // y
		return now.AddDate(amount, 0, 0), nil
	}
}

func parseAbsolute(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}
