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

	"github.com/ctessum/sparse"
)

// AggregateComponents returns the sum of the rainfed and irrigated
// components of g at the given zero-based year index. Missing values
// are counted as zero. The result is a two-dimensional field with the
// same coordinates and CRS as g.
func AggregateComponents(g *Grid, rainfed, irrigated string, year int) (*Grid, error) {
	var idx []int
	for _, name := range []string{rainfed, irrigated} {
		i := componentIndex(g, name)
		if i < 0 {
			return nil, fmt.Errorf("yieldchange: aggregating components: %w: `%s` not in %v",
				ErrComponentNotFound, name, g.Components)
		}
		idx = append(idx, i)
	}
	return sumComponents(g, idx, year)
}

// AggregateAll returns the sum of all entries along the component axis
// of g at the given zero-based year index, counting missing values as
// zero. A grid without a component axis is treated as having a single
// component.
func AggregateAll(g *Grid, year int) (*Grid, error) {
	var idx []int
	if ci := g.dimIndex(g.ComponentDim); g.ComponentDim != "" && ci >= 0 {
		for i := 0; i < g.Data.Shape[ci]; i++ {
			idx = append(idx, i)
		}
	} else {
		idx = []int{0}
	}
	return sumComponents(g, idx, year)
}

func componentIndex(g *Grid, name string) int {
	for i, c := range g.Components {
		if c == name {
			return i
		}
	}
	return -1
}

// sumComponents adds together the spatial slices of g at the given
// component indices and year.
func sumComponents(g *Grid, components []int, year int) (*Grid, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	ti := g.dimIndex("time")
	nt := 1
	if ti >= 0 {
		nt = g.Data.Shape[ti]
	}
	if year < 0 || year >= nt {
		return nil, fmt.Errorf("yieldchange: aggregating year %d: %w: time axis has %d entries",
			year, ErrTimeOutOfRange, nt)
	}
	ci := -1
	if g.ComponentDim != "" {
		ci = g.dimIndex(g.ComponentDim)
	}
	nLeading := len(g.Dims) - 2
	for i := 0; i < nLeading; i++ {
		if i != ti && i != ci && g.Data.Shape[i] != 1 {
			return nil, fmt.Errorf("yieldchange: aggregating: unexpected dimension `%s` with length %d",
				g.Dims[i], g.Data.Shape[i])
		}
	}

	_, blockSize := g.blocks()
	out := sparse.ZerosDense(len(g.Y), len(g.X))
	leading := make([]int, nLeading)
	for _, c := range components {
		switch {
		case ci >= 0 && c < g.Data.Shape[ci]:
			leading[ci] = c
		case ci < 0 && c == 0:
		default:
			return nil, fmt.Errorf("yieldchange: aggregating: %w: component index %d out of range",
				ErrComponentNotFound, c)
		}
		if ti >= 0 {
			leading[ti] = year
		}
		b := blockIndex(g.Data.Shape[:nLeading], leading)
		src := g.Data.Elements[b*blockSize : (b+1)*blockSize]
		for i, v := range src {
			if !math.IsNaN(v) {
				out.Elements[i] += v
			}
		}
	}
	return &Grid{
		Dims: []string{"lat", "lon"},
		Y:    g.Y,
		X:    g.X,
		Data: out,
		CRS:  g.CRS,
	}, nil
}

// blockIndex returns the row-major index of the given leading indices.
func blockIndex(shape, idx []int) int {
	b := 0
	for i, l := range shape {
		b = b*l + idx[i]
	}
	return b
}
