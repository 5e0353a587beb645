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

// Mask marks the grid cells that are touched by a polygon: cells whose
// centers are inside the polygon and cells whose edges intersect the
// polygon boundary. It only depends on the spatial coordinates of a grid,
// so one Mask can be applied to any grid with the same coordinates.
type Mask struct {
	ny, nx int

	// j0, j1, i0 and i1 are the inclusive row and column bounds of the
	// window containing all touched cells.
	j0, j1, i0, i1 int

	// in holds whether each cell in the window is touched.
	in []bool

	covered bool
}

// NewMask calculates the mask of poly over the cells of g. poly must be
// in the same CRS as g.
func NewMask(g *Grid, poly geom.Polygonal) *Mask {
	m := &Mask{ny: len(g.Y), nx: len(g.X)}
	pb := poly.Bounds()
	if pb == nil || pb.Empty() || !g.Bounds().Overlaps(pb) {
		return m
	}
	ya, xa := newAxis(g.Y), newAxis(g.X)
	var okY, okX bool
	m.j0, m.j1, okY = ya.span(pb.Min.Y, pb.Max.Y)
	m.i0, m.i1, okX = xa.span(pb.Min.X, pb.Max.X)
	if !okY || !okX {
		return m
	}
	m.covered = true
	wnx := m.i1 - m.i0 + 1
	m.in = make([]bool, (m.j1-m.j0+1)*wnx)

	// Window columns in order of increasing x.
	cols := make([]int, wnx)
	for k := range cols {
		cols[k] = m.i0 + k
	}
	sort.Slice(cols, func(a, b int) bool { return g.X[cols[a]] < g.X[cols[b]] })

	for _, p := range poly.Polygons() {
		m.fillInterior(g, p, cols)
		m.fillBoundary(ya, xa, p)
	}
	return m
}

// fillInterior marks cells whose centers are inside p using the even-odd
// rule along each row.
func (m *Mask) fillInterior(g *Grid, p geom.Polygon, cols []int) {
	wnx := m.i1 - m.i0 + 1
	var xs []float64
	for j := m.j0; j <= m.j1; j++ {
		y := g.Y[j]
		xs = xs[:0]
		for _, ring := range p {
			for k := range ring {
				a, b := ring[k], ring[(k+1)%len(ring)]
				if (a.Y > y) != (b.Y > y) {
					xs = append(xs, a.X+(y-a.Y)*(b.X-a.X)/(b.Y-a.Y))
				}
			}
		}
		if len(xs) < 2 {
			continue
		}
		sort.Float64s(xs)
		n := 0
		for _, i := range cols {
			for n < len(xs) && xs[n] < g.X[i] {
				n++
			}
			if n%2 == 1 {
				m.in[(j-m.j0)*wnx+i-m.i0] = true
			}
		}
	}
}

// fillBoundary marks cells whose rectangles intersect any edge of p.
func (m *Mask) fillBoundary(ya, xa axis, p geom.Polygon) {
	wnx := m.i1 - m.i0 + 1
	for _, ring := range p {
		for k := range ring {
			a, b := ring[k], ring[(k+1)%len(ring)]
			j0, j1, okY := ya.span(math.Min(a.Y, b.Y), math.Max(a.Y, b.Y))
			i0, i1, okX := xa.span(math.Min(a.X, b.X), math.Max(a.X, b.X))
			if !okY || !okX {
				continue
			}
			for j := j0; j <= j1; j++ {
				ylo, yhi := ya.cell(j)
				for i := i0; i <= i1; i++ {
					xlo, xhi := xa.cell(i)
					if segmentTouches(a, b, xlo, ylo, xhi, yhi) {
						m.in[(j-m.j0)*wnx+i-m.i0] = true
					}
				}
			}
		}
	}
}

// segmentTouches returns whether the segment from a to b intersects the
// closed rectangle [xmin, xmax] × [ymin, ymax], using Liang-Barsky
// clipping.
func segmentTouches(a, b geom.Point, xmin, ymin, xmax, ymax float64) bool {
	dx, dy := b.X-a.X, b.Y-a.Y
	p := [4]float64{-dx, dx, -dy, dy}
	q := [4]float64{a.X - xmin, xmax - a.X, a.Y - ymin, ymax - a.Y}
	t0, t1 := 0.0, 1.0
	for k := range p {
		if p[k] == 0 {
			if q[k] < 0 {
				return false
			}
			continue
		}
		r := q[k] / p[k]
		if p[k] < 0 {
			if r > t1 {
				return false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return false
			}
			if r < t1 {
				t1 = r
			}
		}
	}
	return true
}

// Covered returns whether the polygon overlaps the grid at all.
func (m *Mask) Covered() bool { return m.covered }

// Contains returns whether the cell at row j and column i is touched
// by the polygon.
func (m *Mask) Contains(j, i int) bool {
	if !m.covered || j < m.j0 || j > m.j1 || i < m.i0 || i > m.i1 {
		return false
	}
	return m.in[(j-m.j0)*(m.i1-m.i0+1)+i-m.i0]
}

func (m *Mask) checkShape(g *Grid) error {
	if len(g.Y) != m.ny || len(g.X) != m.nx {
		return fmt.Errorf("yieldchange: mask shape (%d, %d) does not match grid shape (%d, %d)",
			m.ny, m.nx, len(g.Y), len(g.X))
	}
	return nil
}

// Sum returns the sum of the non-NaN values of g in the masked cells.
func (m *Mask) Sum(g *Grid) (float64, error) {
	if err := m.checkShape(g); err != nil {
		return math.NaN(), err
	}
	if !m.covered {
		return 0, nil
	}
	nBlocks, blockSize := g.blocks()
	var sum float64
	for b := 0; b < nBlocks; b++ {
		block := g.Data.Elements[b*blockSize : (b+1)*blockSize]
		for j := m.j0; j <= m.j1; j++ {
			for i := m.i0; i <= m.i1; i++ {
				if !m.Contains(j, i) {
					continue
				}
				if v := block[j*m.nx+i]; !math.IsNaN(v) {
					sum += v
				}
			}
		}
	}
	return sum, nil
}

// Apply returns a copy of g where cells outside of the mask are NaN.
// If the mask does not cover the grid, the result is all zeros.
func (m *Mask) Apply(g *Grid) (*Grid, error) {
	if err := m.checkShape(g); err != nil {
		return nil, err
	}
	data := sparse.ZerosDense(g.leadingShape(m.ny, m.nx)...)
	if !m.covered {
		return g.withData(g.Y, g.X, data), nil
	}
	nBlocks, blockSize := g.blocks()
	for b := 0; b < nBlocks; b++ {
		src := g.Data.Elements[b*blockSize : (b+1)*blockSize]
		dst := data.Elements[b*blockSize : (b+1)*blockSize]
		for j := 0; j < m.ny; j++ {
			for i := 0; i < m.nx; i++ {
				k := j*m.nx + i
				if m.Contains(j, i) {
					dst[k] = src[k]
				} else {
					dst[k] = math.NaN()
				}
			}
		}
	}
	return g.withData(g.Y, g.X, data), nil
}

// ClipToCountry restricts g to the cells touched by geometry, which is
// in coordinate reference system crs, or in the CRS of g if crs is nil.
// Cells outside of the geometry are set to NaN. If the geometry does not
// overlap the grid, a grid of zeros with the same shape as g is returned.
func ClipToCountry(g *Grid, geometry geom.Polygonal, crs *CRS) (*Grid, error) {
	if g.CRS == nil {
		return nil, fmt.Errorf("yieldchange: clipping: grid has no CRS")
	}
	if err := g.check(); err != nil {
		return nil, err
	}
	poly, err := toGridCRS(geometry, crs, g.CRS)
	if err != nil {
		return nil, err
	}
	return NewMask(g, poly).Apply(g)
}

// ZonalSum returns the sum of the non-NaN values of g in the cells
// touched by geometry, which must be in the CRS of g. It is equal to the
// sum of the output of ClipToCountry.
func ZonalSum(g *Grid, geometry geom.Polygonal) float64 {
	s, _ := NewMask(g, geometry).Sum(g)
	return s
}

// toGridCRS transforms poly from crs to gridCRS.
func toGridCRS(poly geom.Polygonal, crs, gridCRS *CRS) (geom.Polygonal, error) {
	if crs == nil || crs.Equal(gridCRS) {
		return poly, nil
	}
	t, err := crs.NewTransform(gridCRS)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: clipping: %v", err)
	}
	tg, err := poly.Transform(t)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: clipping: transforming geometry from %v to %v: %v", crs, gridCRS, err)
	}
	p, ok := tg.(geom.Polygonal)
	if !ok {
		return nil, fmt.Errorf("yieldchange: clipping: transformed geometry has type %T", tg)
	}
	return p, nil
}
