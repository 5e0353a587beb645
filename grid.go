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

	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"
)

// Grid is a gridded yield field. The last two axes of Data are the
// spatial y (latitude) and x (longitude) axes, with x varying fastest.
// Any leading axes, such as a component or time axis, are named in Dims.
//
// Grids are treated as immutable: operations return new Grids and may
// share coordinate and data storage with their inputs.
type Grid struct {
	// Dims holds the name of each axis of Data.
	Dims []string

	// Y and X hold the cell-center coordinates of the spatial axes.
	Y, X []float64

	Data *sparse.DenseArray

	// ComponentDim is the name of the component axis, if any,
	// and Components holds the name of each entry along it.
	ComponentDim string
	Components   []string

	// CRS is the coordinate reference system of the grid, or nil
	// if one has not been assigned.
	CRS *CRS
}

// NewField returns a zero-valued two-dimensional latitude-longitude
// grid with the given cell-center coordinates.
func NewField(lat, lon []float64) *Grid {
	return &Grid{
		Dims: []string{"lat", "lon"},
		Y:    lat,
		X:    lon,
		Data: sparse.ZerosDense(len(lat), len(lon)),
	}
}

// dimIndex returns the axis index of the named dimension, or -1.
func (g *Grid) dimIndex(name string) int {
	for i, d := range g.Dims {
		if d == name {
			return i
		}
	}
	return -1
}

// check makes sure the grid's coordinates agree with its data.
func (g *Grid) check() error {
	if g.Data == nil {
		return fmt.Errorf("yieldchange: grid has no data")
	}
	if len(g.Dims) != len(g.Data.Shape) {
		return fmt.Errorf("yieldchange: grid has %d dimension names but %d axes", len(g.Dims), len(g.Data.Shape))
	}
	if len(g.Dims) < 2 {
		return fmt.Errorf("yieldchange: grid must have at least two axes; has %d", len(g.Dims))
	}
	n := len(g.Data.Shape)
	if g.Data.Shape[n-2] != len(g.Y) || g.Data.Shape[n-1] != len(g.X) {
		return fmt.Errorf("yieldchange: grid shape %v does not match %d y and %d x coordinates",
			g.Data.Shape, len(g.Y), len(g.X))
	}
	return nil
}

// blocks returns the number of two-dimensional spatial slices in the
// grid and the number of cells in each one.
func (g *Grid) blocks() (nBlocks, blockSize int) {
	nBlocks = 1
	for _, l := range g.Data.Shape[:len(g.Data.Shape)-2] {
		nBlocks *= l
	}
	return nBlocks, len(g.Y) * len(g.X)
}

// withData returns a copy of g's metadata holding data d, whose
// spatial axes have the given coordinates.
func (g *Grid) withData(y, x []float64, d *sparse.DenseArray) *Grid {
	return &Grid{
		Dims:         g.Dims,
		Y:            y,
		X:            x,
		Data:         d,
		ComponentDim: g.ComponentDim,
		Components:   g.Components,
		CRS:          g.CRS,
	}
}

// withCRS returns a shallow copy of g with the given CRS.
func (g *Grid) withCRS(c *CRS) *Grid {
	o := g.withData(g.Y, g.X, g.Data)
	o.CRS = c
	return o
}

// leadingShape returns the shape of Data with the spatial axes
// replaced by ny and nx.
func (g *Grid) leadingShape(ny, nx int) []int {
	s := append([]int(nil), g.Data.Shape[:len(g.Data.Shape)-2]...)
	return append(s, ny, nx)
}

// Sum returns the sum of all non-NaN values in the grid.
func (g *Grid) Sum() float64 {
	var s float64
	for _, v := range g.Data.Elements {
		if !math.IsNaN(v) {
			s += v
		}
	}
	return s
}

// Bounds returns the outer edges of the grid cells.
func (g *Grid) Bounds() *geom.Bounds {
	ya, xa := newAxis(g.Y), newAxis(g.X)
	return &geom.Bounds{
		Min: geom.Point{X: xa.edges[0], Y: ya.edges[0]},
		Max: geom.Point{X: xa.edges[len(xa.edges)-1], Y: ya.edges[len(ya.edges)-1]},
	}
}

// axis holds the cell edges of one spatial axis in ascending order.
type axis struct {
	edges []float64
	// desc is true if the cell centers that the axis was created
	// from are in descending order.
	desc bool
}

// newAxis calculates cell edges from cell centers, placing each
// interior edge halfway between neighboring centers and extrapolating
// the outer edges. A single center gets a cell one unit wide.
func newAxis(centers []float64) axis {
	n := len(centers)
	c := append([]float64(nil), centers...)
	var a axis
	if n > 1 && c[0] > c[n-1] {
		a.desc = true
		sort.Float64s(c)
	}
	a.edges = make([]float64, n+1)
	switch n {
	case 0:
		return a
	case 1:
		a.edges[0], a.edges[1] = c[0]-0.5, c[0]+0.5
		return a
	}
	a.edges[0] = c[0] - (c[1]-c[0])/2
	for i := 1; i < n; i++ {
		a.edges[i] = (c[i-1] + c[i]) / 2
	}
	a.edges[n] = c[n-1] + (c[n-1]-c[n-2])/2
	return a
}

func (a axis) len() int { return len(a.edges) - 1 }

// orig converts an ascending cell index to the index in the original
// coordinate order.
func (a axis) orig(i int) int {
	if a.desc {
		return a.len() - 1 - i
	}
	return i
}

// locate returns the index of the cell containing v.
func (a axis) locate(v float64) (int, bool) {
	n := a.len()
	if n < 1 || math.IsNaN(v) || v < a.edges[0] || v > a.edges[n] {
		return 0, false
	}
	i := sort.SearchFloat64s(a.edges, v)
	// SearchFloat64s returns the first edge >= v.
	if i > 0 && (i == len(a.edges) || a.edges[i] > v) {
		i--
	}
	if i >= n {
		i = n - 1
	}
	return a.orig(i), true
}

// span returns the range of cell indices, in the original coordinate
// order, of cells that overlap the closed interval [lo, hi].
func (a axis) span(lo, hi float64) (first, last int, ok bool) {
	n := a.len()
	if n < 1 || hi < a.edges[0] || lo > a.edges[n] {
		return 0, 0, false
	}
	// first ascending cell whose upper edge is >= lo.
	i0 := sort.Search(n, func(i int) bool { return a.edges[i+1] >= lo })
	// last ascending cell whose lower edge is <= hi.
	i1 := sort.Search(n, func(i int) bool { return a.edges[i] > hi }) - 1
	if i0 > i1 {
		return 0, 0, false
	}
	first, last = a.orig(i0), a.orig(i1)
	if first > last {
		first, last = last, first
	}
	return first, last, true
}

// cell returns the lower and upper edge of the cell with the given
// original index.
func (a axis) cell(i int) (lo, hi float64) {
	if a.desc {
		i = a.len() - 1 - i
	}
	return a.edges[i], a.edges[i+1]
}
