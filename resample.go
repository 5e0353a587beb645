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
	"runtime"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// Downscale refines the resolution of g by factor along both spatial
// axes using nearest-neighbor sampling and divides every value by
// factor², so that the total of the grid is unchanged. If g does not
// have a CRS it is assigned EPSG:4326. Grids with fewer than two
// coordinates along either axis are returned unchanged.
func Downscale(g *Grid, factor int, log logrus.FieldLogger) (*Grid, error) {
	if factor < 1 {
		return nil, fmt.Errorf("yieldchange: invalid downscaling factor %d", factor)
	}
	if g.CRS == nil {
		log.Info("grid has no CRS; assigning EPSG:4326")
		c, err := EPSG(4326)
		if err != nil {
			return nil, err
		}
		g = g.withCRS(c)
	}
	if len(g.Y) < 2 || len(g.X) < 2 {
		log.WithFields(logrus.Fields{
			"ny": len(g.Y),
			"nx": len(g.X),
		}).Warn("not enough coordinates to calculate resolution for downscaling")
		return g, nil
	}
	if factor == 1 {
		return g, nil
	}
	log.WithFields(logrus.Fields{
		"dy":     math.Abs(g.Y[1] - g.Y[0]),
		"dx":     math.Abs(g.X[1] - g.X[0]),
		"factor": factor,
	}).Debug("downscaling")

	y, yi := refineAxis(g.Y, factor)
	x, xi := refineAxis(g.X, factor)
	data := sparse.ZerosDense(g.leadingShape(len(y), len(x))...)
	nBlocks, blockSize := g.blocks()
	scale := 1 / float64(factor*factor)
	nx, fnx := len(g.X), len(x)
	for b := 0; b < nBlocks; b++ {
		src := g.Data.Elements[b*blockSize : (b+1)*blockSize]
		dst := data.Elements[b*len(y)*fnx : (b+1)*len(y)*fnx]
		for j, sj := range yi {
			for i, si := range xi {
				dst[j*fnx+i] = src[sj*nx+si] * scale
			}
		}
	}
	return g.withData(y, x, data), nil
}

// refineAxis returns the coordinates of an axis with factor times as many
// cells, spaced by the first coordinate delta divided by factor, along
// with the index of the nearest source coordinate to each one.
func refineAxis(c []float64, factor int) ([]float64, []int) {
	d := c[1] - c[0]
	start := c[0] - d/2
	fd := d / float64(factor)
	n := len(c) * factor
	fine := make([]float64, n)
	idx := make([]int, n)
	a := newAxis(c)
	for k := range fine {
		fine[k] = start + (float64(k)+0.5)*fd
		idx[k] = nearest(a, c, fine[k])
	}
	return fine, idx
}

// nearest returns the index of the coordinate in c closest to v.
func nearest(a axis, c []float64, v float64) int {
	if i, ok := a.locate(v); ok {
		return i
	}
	if math.Abs(v-c[0]) < math.Abs(v-c[len(c)-1]) {
		return 0
	}
	return len(c) - 1
}

// densify is the number of points sampled along each edge of the source
// bounds when calculating the bounds of a reprojected grid.
const densify = 21

// Reproject transforms g into the target CRS. The destination grid has
// the same number of rows and columns as g, is oriented north-up, and
// covers the transformed bounds of g. Each destination cell takes the
// value of the source cell containing its center, or NaN if there is no
// such cell.
func Reproject(g *Grid, target *CRS) (*Grid, error) {
	if g.CRS == nil {
		return nil, fmt.Errorf("yieldchange: reprojecting to %v: grid has no CRS", target)
	}
	if err := g.check(); err != nil {
		return nil, err
	}
	if g.CRS.Equal(target) {
		return g, nil
	}
	fwd, err := g.CRS.NewTransform(target)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: reprojecting to %v: %v", target, err)
	}
	inv, err := target.NewTransform(g.CRS)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: reprojecting to %v: %v", target, err)
	}
	ya, xa := newAxis(g.Y), newAxis(g.X)
	b := transformBounds(g.Bounds(), fwd)
	if b == nil {
		return nil, fmt.Errorf("yieldchange: reprojecting to %v: grid bounds cannot be transformed", target)
	}

	ny, nx := len(g.Y), len(g.X)
	dx := (b.Max.X - b.Min.X) / float64(nx)
	dy := (b.Max.Y - b.Min.Y) / float64(ny)
	x := make([]float64, nx)
	for i := range x {
		x[i] = b.Min.X + (float64(i)+0.5)*dx
	}
	y := make([]float64, ny)
	for j := range y {
		y[j] = b.Max.Y - (float64(j)+0.5)*dy
	}

	// srcIdx holds the flat spatial index of the source cell for each
	// destination cell, or -1.
	srcIdx := make([]int, ny*nx)
	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(nprocs)
	for pp := 0; pp < nprocs; pp++ {
		go func(pp int) {
			for j := pp; j < ny; j += nprocs {
				for i := 0; i < nx; i++ {
					srcIdx[j*nx+i] = -1
					sx, sy, err := inv(x[i], y[j])
					if err != nil {
						continue
					}
					si, okx := xa.locate(sx)
					sj, oky := ya.locate(sy)
					if okx && oky {
						srcIdx[j*nx+i] = sj*nx + si
					}
				}
			}
			wg.Done()
		}(pp)
	}
	wg.Wait()

	data := sparse.ZerosDense(g.leadingShape(ny, nx)...)
	nBlocks, blockSize := g.blocks()
	for blk := 0; blk < nBlocks; blk++ {
		src := g.Data.Elements[blk*blockSize : (blk+1)*blockSize]
		dst := data.Elements[blk*blockSize : (blk+1)*blockSize]
		for k, s := range srcIdx {
			if s < 0 {
				dst[k] = math.NaN()
			} else {
				dst[k] = src[s]
			}
		}
	}
	o := g.withData(y, x, data)
	o.CRS = target
	if !target.Geographic() {
		o.Dims = append(append([]string(nil), g.Dims[:len(g.Dims)-2]...), "y", "x")
	}
	return o, nil
}

// transformBounds returns the bounds of the points along the edges of b
// after transformation. Points that cannot be transformed are skipped.
// It returns nil if no points can be transformed.
func transformBounds(b *geom.Bounds, t proj.Transformer) *geom.Bounds {
	o := geom.NewBounds()
	add := func(x, y float64) {
		tx, ty, err := t(x, y)
		if err != nil || math.IsNaN(tx) || math.IsNaN(ty) || math.IsInf(tx, 0) || math.IsInf(ty, 0) {
			return
		}
		o.Extend(geom.Point{X: tx, Y: ty}.Bounds())
	}
	for k := 0; k < densify; k++ {
		f := float64(k) / float64(densify-1)
		x := b.Min.X + f*(b.Max.X-b.Min.X)
		y := b.Min.Y + f*(b.Max.Y-b.Min.Y)
		add(x, b.Min.Y)
		add(x, b.Max.Y)
		add(b.Min.X, y)
		add(b.Max.X, y)
	}
	if o.Empty() {
		return nil
	}
	return o
}
