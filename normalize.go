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

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// NormalizeLongitude maps the longitude axis of g onto [-180, 180) and
// sorts the grid along it. Longitudes that are already in range are left
// untouched, so applying NormalizeLongitude more than once has no further
// effect.
func NormalizeLongitude(g *Grid) *Grid {
	lon := make([]float64, len(g.X))
	for i, v := range g.X {
		lon[i] = wrapLongitude(v)
	}
	perm := make([]int, len(lon))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool { return lon[perm[a]] < lon[perm[b]] })

	x := make([]float64, len(lon))
	for i, p := range perm {
		x[i] = lon[p]
	}

	data := sparse.ZerosDense(g.Data.Shape...)
	nx := len(x)
	for row := 0; row < len(data.Elements)/max(nx, 1); row++ {
		src := g.Data.Elements[row*nx : (row+1)*nx]
		dst := data.Elements[row*nx : (row+1)*nx]
		for i, p := range perm {
			dst[i] = src[p]
		}
	}
	return g.withData(g.Y, x, data)
}

// wrapLongitude returns ((lon + 180) mod 360) - 180 using a floored
// modulo.
func wrapLongitude(lon float64) float64 {
	if lon >= -180 && lon < 180 {
		return lon
	}
	w := math.Mod(lon+180, 360)
	if w < 0 {
		w += 360
	}
	if w >= 360 {
		w -= 360
	}
	return w - 180
}

// AssignCRS tags g with the coordinate reference system identified by
// the given EPSG code. g must have "lat" and "lon" dimensions. If any
// latitudes are at or beyond the poles, those rows are dropped once;
// if the remaining latitudes are still not inside (-90, 90) an error
// wrapping ErrInvalidGeometry is returned. Data values are not changed.
func AssignCRS(g *Grid, epsg int, log logrus.FieldLogger) (*Grid, error) {
	for _, d := range []string{"lat", "lon"} {
		if g.dimIndex(d) < 0 {
			return nil, fmt.Errorf("yieldchange: assigning EPSG:%d: %w `%s`", epsg, ErrMissingDimension, d)
		}
	}
	crs, err := EPSG(epsg)
	if err != nil {
		return nil, err
	}
	if len(g.Y) == 0 {
		return nil, fmt.Errorf("yieldchange: assigning EPSG:%d: %w: no latitudes", epsg, ErrInvalidGeometry)
	}
	lo, hi := floats.Min(g.Y), floats.Max(g.Y)
	if !validLatitudes(lo, hi) {
		log.WithFields(logrus.Fields{
			"min_lat": lo,
			"max_lat": hi,
		}).Warn("invalid latitude values; dropping rows at or beyond the poles")
		g = dropRows(g, func(lat float64) bool { return lat > -90 && lat < 90 })
		if len(g.Y) == 0 {
			return nil, fmt.Errorf("yieldchange: assigning EPSG:%d: %w: no latitudes inside (-90, 90)", epsg, ErrInvalidGeometry)
		}
		lo, hi = floats.Min(g.Y), floats.Max(g.Y)
		if !validLatitudes(lo, hi) {
			return nil, fmt.Errorf("yieldchange: assigning EPSG:%d: %w: latitude range [%g, %g]", epsg, ErrInvalidGeometry, lo, hi)
		}
	}
	return g.withCRS(crs), nil
}

func validLatitudes(lo, hi float64) bool { return lo > -90 && hi < 90 }

// dropRows returns a copy of g holding only the rows whose y
// coordinate satisfies keep.
func dropRows(g *Grid, keep func(float64) bool) *Grid {
	var rows []int
	var y []float64
	for j, v := range g.Y {
		if keep(v) {
			rows = append(rows, j)
			y = append(y, v)
		}
	}
	nx := len(g.X)
	data := sparse.ZerosDense(g.leadingShape(len(rows), nx)...)
	nBlocks, blockSize := g.blocks()
	for b := 0; b < nBlocks; b++ {
		src := g.Data.Elements[b*blockSize : (b+1)*blockSize]
		dst := data.Elements[b*len(rows)*nx : (b+1)*len(rows)*nx]
		for jj, j := range rows {
			copy(dst[jj*nx:(jj+1)*nx], src[j*nx:(j+1)*nx])
		}
	}
	return g.withData(y, g.X, data)
}
