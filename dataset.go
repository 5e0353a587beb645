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
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// ncFile is the subset of a NetCDF file needed to load a Grid.
type ncFile interface {
	hasVar(v string) bool
	// dims returns the dimension names and lengths of variable v.
	dims(v string) ([]string, []int, error)
	// floats reads variable v, replacing fill values with NaN.
	floats(v string) ([]float64, error)
	stringAttr(v, a string) (string, bool)
}

// openNetCDF4 opens NetCDF-4 (HDF5) files. It is nil unless the
// netcdf4 build tag is set.
var openNetCDF4 func(path string) (ncFile, func() error, error)

var (
	classicMagic = []byte("CDF")
	hdf5Magic    = []byte("\x89HDF")
)

// OpenDataset reads data variable v and its coordinates from the NetCDF
// file at path. The variable must have latitude and longitude dimensions
// with matching coordinate variables. Any other dimension except "time"
// is treated as the component axis, and its entries are named by the
// comma-separated "long_name" attribute of the component coordinate
// variable.
//
// Classic NetCDF files are always supported. NetCDF-4 files require
// the netcdf4 build tag.
func OpenDataset(path, v string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: opening dataset: %v", err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := f.ReadAt(magic, 0); err != nil {
		return nil, fmt.Errorf("yieldchange: reading dataset %s: %v", path, err)
	}
	switch {
	case bytes.HasPrefix(magic, classicMagic):
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("yieldchange: reading dataset %s: %v", path, err)
		}
		nc, err := cdf.Open(f)
		if err != nil {
			return nil, fmt.Errorf("yieldchange: reading dataset %s: %v", path, err)
		}
		return loadGrid(classicFile{nc: nc, size: fi.Size()}, path, v)
	case bytes.Equal(magic, hdf5Magic):
		if openNetCDF4 == nil {
			return nil, fmt.Errorf("yieldchange: %s is a NetCDF-4 file; rebuild with `-tags netcdf4` to read it", path)
		}
		nc, closer, err := openNetCDF4(path)
		if err != nil {
			return nil, fmt.Errorf("yieldchange: reading dataset %s: %v", path, err)
		}
		defer closer()
		return loadGrid(nc, path, v)
	default:
		return nil, fmt.Errorf("yieldchange: %s is not a NetCDF file", path)
	}
}

// loadGrid builds a Grid from variable v of nc, moving the spatial axes
// to the end if necessary.
func loadGrid(nc ncFile, path, v string) (*Grid, error) {
	if !nc.hasVar(v) {
		return nil, fmt.Errorf("yieldchange: dataset %s: %w `%s`", path, ErrMissingVariable, v)
	}
	dims, lengths, err := nc.dims(v)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: dataset %s: %v", path, err)
	}
	latAx, lonAx := -1, -1
	var leading []int
	for i, d := range dims {
		switch strings.ToLower(d) {
		case "lat", "latitude":
			latAx = i
		case "lon", "longitude":
			lonAx = i
		default:
			leading = append(leading, i)
		}
	}
	if latAx < 0 {
		return nil, fmt.Errorf("yieldchange: dataset %s variable %s: %w `lat`", path, v, ErrMissingDimension)
	}
	if lonAx < 0 {
		return nil, fmt.Errorf("yieldchange: dataset %s variable %s: %w `lon`", path, v, ErrMissingDimension)
	}
	coords := make([][]float64, 2)
	for i, ax := range []int{latAx, lonAx} {
		if !nc.hasVar(dims[ax]) {
			return nil, fmt.Errorf("yieldchange: dataset %s: %w: no coordinate variable for `%s`", path, ErrMissingDimension, dims[ax])
		}
		if coords[i], err = nc.floats(dims[ax]); err != nil {
			return nil, fmt.Errorf("yieldchange: reading variable %s from %s: %v", dims[ax], path, err)
		}
		if len(coords[i]) != lengths[ax] {
			return nil, fmt.Errorf("yieldchange: dataset %s: coordinate `%s` has %d values but dimension length %d",
				path, dims[ax], len(coords[i]), lengths[ax])
		}
	}

	vals, err := nc.floats(v)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: reading variable %s from %s: %v", v, path, err)
	}
	data := sparse.ZerosDense(lengths...)
	if len(vals) != len(data.Elements) {
		return nil, fmt.Errorf("yieldchange: variable %s in %s has %d values but shape %v", v, path, len(vals), lengths)
	}
	copy(data.Elements, vals)

	order := append(leading, latAx, lonAx)
	g := &Grid{
		Y:    coords[0],
		X:    coords[1],
		Data: transpose(data, order),
	}
	for _, ax := range leading {
		name := dims[ax]
		g.Dims = append(g.Dims, name)
		if name == "time" || g.ComponentDim != "" {
			continue
		}
		g.ComponentDim = name
		if s, ok := nc.stringAttr(name, "long_name"); ok {
			g.Components = splitNames(s)
		}
	}
	g.Dims = append(g.Dims, "lat", "lon")
	return g, nil
}

// splitNames splits a comma-separated list of component names.
func splitNames(s string) []string {
	var o []string
	for _, n := range strings.Split(strings.TrimRight(s, "\x00"), ",") {
		o = append(o, strings.TrimSpace(n))
	}
	return o
}

// transpose returns a permuted copy of a, where output axis i is
// input axis order[i].
func transpose(a *sparse.DenseArray, order []int) *sparse.DenseArray {
	identity := true
	for i, o := range order {
		if i != o {
			identity = false
		}
	}
	if identity {
		return a
	}
	n := len(order)
	shape := make([]int, n)
	for i, o := range order {
		shape[i] = a.Shape[o]
	}
	stride := make([]int, n)
	s := 1
	for i := n - 1; i >= 0; i-- {
		stride[i] = s
		s *= a.Shape[i]
	}
	out := sparse.ZerosDense(shape...)
	idx := make([]int, n)
	for k := range out.Elements {
		off := 0
		for i, o := range order {
			off += idx[i] * stride[o]
		}
		out.Elements[k] = a.Elements[off]
		for i := n - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

// classicFile reads classic (CDF-1 and CDF-2) NetCDF files.
type classicFile struct {
	nc   *cdf.File
	size int64
}

func (c classicFile) hasVar(v string) bool {
	for _, n := range c.nc.Header.Variables() {
		if n == v {
			return true
		}
	}
	return false
}

func (c classicFile) dims(v string) ([]string, []int, error) {
	lengths := append([]int(nil), c.nc.Header.Lengths(v)...)
	if c.nc.Header.IsRecordVariable(v) {
		lengths[0] = int(c.nc.Header.NumRecs(c.size))
	}
	return c.nc.Header.Dimensions(v), lengths, nil
}

// floats reads a numeric variable. Record variables are read one record
// at a time because records of different variables are interleaved.
func (c classicFile) floats(v string) ([]float64, error) {
	_, lengths, _ := c.dims(v)
	var data []float64
	if c.nc.Header.IsRecordVariable(v) {
		per := 1
		for _, l := range lengths[1:] {
			per *= l
		}
		for rec := 0; rec < lengths[0]; rec++ {
			begin := make([]int, len(lengths))
			end := make([]int, len(lengths))
			begin[0], end[0] = rec, rec
			for i := 1; i < len(lengths); i++ {
				end[i] = lengths[i] - 1
			}
			r := c.nc.Reader(v, begin, end)
			buf := r.Zero(per)
			if _, err := r.Read(buf); err != nil {
				return nil, err
			}
			vals, err := toFloat64s(buf)
			if err != nil {
				return nil, err
			}
			data = append(data, vals...)
		}
	} else {
		r := c.nc.Reader(v, nil, nil)
		buf := r.Zero(-1)
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
		var err error
		if data, err = toFloat64s(buf); err != nil {
			return nil, err
		}
	}
	for _, a := range []string{"_FillValue", "missing_value"} {
		fill, ok := attrFloat(c.nc.Header.GetAttribute(v, a))
		if !ok {
			continue
		}
		for i, d := range data {
			if d == fill {
				data[i] = math.NaN()
			}
		}
	}
	return data, nil
}

func (c classicFile) stringAttr(v, a string) (string, bool) {
	s, ok := c.nc.Header.GetAttribute(v, a).(string)
	return s, ok
}

// toFloat64s converts a slice read from a NetCDF variable to float64.
func toFloat64s(buf interface{}) ([]float64, error) {
	switch b := buf.(type) {
	case []float64:
		return b, nil
	case []float32:
		o := make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
		return o, nil
	case []int32:
		o := make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
		return o, nil
	case []int16:
		o := make([]float64, len(b))
		for i, v := range b {
			o[i] = float64(v)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unsupported data type %T", buf)
	}
}

// attrFloat returns the first value of a numeric attribute.
func attrFloat(a interface{}) (float64, bool) {
	switch v := a.(type) {
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	case []float32:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []int32:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []int16:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	}
	return 0, false
}
