/*
Copyright © 2024 the yieldchange authors.
This file is part of yieldchange.

yieldchange is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

yieldchange is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with yieldchange.  If not, see <http://www.gnu.org/licenses/>.
*/

package yieldchange

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// PercentageChange returns the percent difference between a scenario
// total and a control total. It returns NaN when the control total is
// not positive.
func PercentageChange(scenario, control float64) float64 {
	if control > 0 {
		return 100 * (scenario - control) / control
	}
	return math.NaN()
}

// NaNPolicy specifies how NaN values are treated when averaging.
type NaNPolicy int

const (
	// PropagateNaN causes any NaN input to make the mean NaN.
	PropagateNaN NaNPolicy = iota

	// SkipNaN averages only the values that are not NaN. The mean of
	// values that are all NaN is NaN.
	SkipNaN
)

func (p NaNPolicy) String() string {
	switch p {
	case PropagateNaN:
		return "propagate"
	case SkipNaN:
		return "skip"
	default:
		return fmt.Sprintf("NaNPolicy(%d)", int(p))
	}
}

// ParseNaNPolicy parses "propagate" or "skip".
func ParseNaNPolicy(s string) (NaNPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "propagate", "":
		return PropagateNaN, nil
	case "skip":
		return SkipNaN, nil
	default:
		return 0, fmt.Errorf("yieldchange: invalid NaN policy %q; must be \"propagate\" or \"skip\"", s)
	}
}

// mean returns the arithmetic mean of v according to the policy.
func (p NaNPolicy) mean(v []float64) float64 {
	if p == SkipNaN {
		vv := make([]float64, 0, len(v))
		for _, x := range v {
			if !math.IsNaN(x) {
				vv = append(vv, x)
			}
		}
		v = vv
	}
	if len(v) == 0 {
		return math.NaN()
	}
	// Averaging the deviations from the first value makes the mean of
	// identical values exact.
	ref := v[0]
	dev := make([]float64, len(v))
	for i, x := range v {
		dev[i] = x - ref
	}
	return ref + stat.Mean(dev, nil)
}

// ChangeRecord is the percentage change in yield of one crop group
// in one country and year.
type ChangeRecord struct {
	Country, ISO3 string
	Group         string

	// Year is the one-based year number.
	Year int

	Change float64
}

type recordKey struct {
	country, iso, group string
	year                int
}

// AverageRealizations averages records that share a country, ISO3 code,
// group and year, such as the changes of one country relative to each
// of several control realizations. The output is sorted by country,
// ISO3 code, group and year.
func AverageRealizations(records []ChangeRecord, policy NaNPolicy) []ChangeRecord {
	groups := make(map[recordKey][]float64)
	for _, r := range records {
		k := recordKey{country: r.Country, iso: r.ISO3, group: r.Group, year: r.Year}
		groups[k] = append(groups[k], r.Change)
	}
	o := make([]ChangeRecord, 0, len(groups))
	for k, v := range groups {
		o = append(o, ChangeRecord{
			Country: k.country,
			ISO3:    k.iso,
			Group:   k.group,
			Year:    k.year,
			Change:  policy.mean(v),
		})
	}
	sort.Slice(o, func(i, j int) bool {
		a, b := o[i], o[j]
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		if a.ISO3 != b.ISO3 {
			return a.ISO3 < b.ISO3
		}
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Year < b.Year
	})
	return o
}
