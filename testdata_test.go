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
	"io"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	goshp "github.com/jonas-p/go-shp"
)

// testFill is the fill value used in test datasets.
const testFill = -9999

// testDataset describes a NetCDF yield dataset for testing.
type testDataset struct {
	// variable is the name of the yield variable. It defaults to "yield".
	variable string

	// compDim is the name of the component dimension, such as
	// "crops" or "grass", and compNames is written as its
	// long_name attribute.
	compDim    string
	compNames  string
	nComponent int

	years    int
	lat, lon []float64

	// order is the dimension order of the yield variable, using
	// "time", "comp", "lat" and "lon". It defaults to
	// time, comp, lat, lon.
	order []string

	// record specifies that time is the record dimension.
	record bool

	// value returns the yield of component c in year y at row j and
	// column i. NaN values are written as the fill value.
	value func(c, y, j, i int) float64
}

// write writes the dataset to a classic NetCDF file.
func (d testDataset) write(t *testing.T, path string) {
	t.Helper()
	if d.variable == "" {
		d.variable = "yield"
	}
	if d.order == nil {
		d.order = []string{"time", "comp", "lat", "lon"}
	}
	size := map[string]int{
		"time": d.years,
		"comp": d.nComponent,
		"lat":  len(d.lat),
		"lon":  len(d.lon),
	}
	name := func(dim string) string {
		if dim == "comp" {
			return d.compDim
		}
		return dim
	}

	dims := []string{"time", d.compDim, "lat", "lon"}
	lengths := []int{d.years, d.nComponent, len(d.lat), len(d.lon)}
	if d.record {
		lengths[0] = 0
	}
	h := cdf.NewHeader(dims, lengths)
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable(d.compDim, []string{d.compDim}, []int32{0})
	h.AddAttribute(d.compDim, "long_name", d.compNames)
	varDims := make([]string, len(d.order))
	for i, o := range d.order {
		varDims[i] = name(o)
	}
	h.AddVariable(d.variable, varDims, []float32{0})
	h.AddAttribute(d.variable, "_FillValue", []float32{testFill})
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	nc, err := cdf.Create(f, h)
	if err != nil {
		t.Fatal(err)
	}
	write := func(v string, data interface{}) {
		// Writes that fill a fixed-size variable end with io.EOF.
		if _, err := nc.Writer(v, nil, nil).Write(data); err != nil && err != io.EOF {
			t.Fatalf("writing %s: %v", v, err)
		}
	}
	write("lat", d.lat)
	write("lon", d.lon)
	comp := make([]int32, d.nComponent)
	for i := range comp {
		comp[i] = int32(i)
	}
	write(d.compDim, comp)

	n := 1
	for _, o := range d.order {
		n *= size[o]
	}
	data := make([]float32, n)
	idx := make([]int, len(d.order))
	for k := range data {
		var c, y, j, i int
		for a, o := range d.order {
			switch o {
			case "time":
				y = idx[a]
			case "comp":
				c = idx[a]
			case "lat":
				j = idx[a]
			case "lon":
				i = idx[a]
			}
		}
		v := d.value(c, y, j, i)
		if math.IsNaN(v) {
			data[k] = testFill
		} else {
			data[k] = float32(v)
		}
		for a := len(idx) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < size[d.order[a]] {
				break
			}
			idx[a] = 0
		}
	}
	write(d.variable, data)
	if d.record {
		if err := cdf.UpdateNumRecs(f); err != nil {
			t.Fatal(err)
		}
	}
}

// seq returns n values starting at start with step step.
func seq(start, step float64, n int) []float64 {
	o := make([]float64, n)
	for i := range o {
		o[i] = start + float64(i)*step
	}
	return o
}

// rect returns a rectangular polygon.
func rect(xmin, ymin, xmax, ymax float64) geom.Polygon {
	return geom.Polygon{{
		{X: xmin, Y: ymin},
		{X: xmax, Y: ymin},
		{X: xmax, Y: ymax},
		{X: xmin, Y: ymax},
	}}
}

type testCountry struct {
	name, iso string
	geom      geom.Polygon
}

// writeCountries writes a country shapefile without a projection file.
func writeCountries(t *testing.T, path string, countries []testCountry) {
	t.Helper()
	e, err := shp.NewEncoderFromFields(path, goshp.POLYGON,
		goshp.StringField("COUNTRY", 50), goshp.StringField("ISO", 5))
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range countries {
		if err := e.EncodeFields(c.geom, c.name, c.iso); err != nil {
			t.Fatal(err)
		}
	}
	e.Close()
}

// gridFromRows returns a two-dimensional lat-lon grid holding the
// given rows of values.
func gridFromRows(lat, lon []float64, rows ...[]float64) *Grid {
	g := NewField(lat, lon)
	for j, r := range rows {
		copy(g.Data.Elements[j*len(lon):], r)
	}
	return g
}

func must4326(t *testing.T) *CRS {
	t.Helper()
	c, err := EPSG(4326)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func errContains(err error, s string) bool {
	return err != nil && strings.Contains(err.Error(), s)
}
