// Package period provides calendar-month arithmetic for training windows.
package period

import (
	"fmt"
	"strconv"
	"strings"
)

// Period is one calendar month.
type Period struct {
	Year  int
	Month int
}

// New validates and returns a Period.
func New(year, month int) (Period, error) {
	p := Period{Year: year, Month: month}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("month must be in 1..12, got %d", p.Month)
	}
	if p.Year < 1 || p.Year > 9999 {
		return fmt.Errorf("year out of range: %d", p.Year)
	}
	return nil
}

// Next returns the following month, rolling December into January of the next year.
func (p Period) Next() Period {
	if p.Month < 12 {
		return Period{Year: p.Year, Month: p.Month + 1}
	}
	return Period{Year: p.Year + 1, Month: 1}
}

// Label renders the period as YYYY-MM.
func (p Period) Label() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

func (p Period) String() string { return p.Label() }

// Expand substitutes {year}, {month} (unpadded) and {month:02d}
// (zero-padded) in a template.
func (p Period) Expand(template string) string {
	r := strings.NewReplacer(
		"{year}", strconv.Itoa(p.Year),
		"{month:02d}", fmt.Sprintf("%02d", p.Month),
		"{month}", strconv.Itoa(p.Month),
	)
	return r.Replace(template)
}
