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
	"errors"
	"math"
	"testing"

	"github.com/ctessum/sparse"
	"github.com/google/go-cmp/cmp"
)

// componentGrid returns a grid with 2 years, 3 components and a 1×2
// spatial field, where the value of year y, component c and column i is
// 100y + 10c + i.
func componentGrid(t *testing.T) *Grid {
	data := sparse.ZerosDense(2, 3, 1, 2)
	for y := 0; y < 2; y++ {
		for c := 0; c < 3; c++ {
			for i := 0; i < 2; i++ {
				data.Set(float64(100*y+10*c+i), y, c, 0, i)
			}
		}
	}
	data.Set(math.NaN(), 1, 2, 0, 1)
	return &Grid{
		Dims:         []string{"time", "crops", "lat", "lon"},
		Y:            []float64{5},
		X:            []float64{1, 2},
		Data:         data,
		ComponentDim: "crops",
		Components:   []string{"maize_rf", "maize_ir", "rice_rf"},
		CRS:          must4326(t),
	}
}

func TestAggregateComponents(t *testing.T) {
	g := componentGrid(t)

	tests := []struct {
		name               string
		rainfed, irrigated string
		year               int
		want               []float64
		err                error
	}{
		{name: "year 1", rainfed: "maize_rf", irrigated: "maize_ir", year: 0, want: []float64{10, 12}},
		{name: "year 2", rainfed: "maize_rf", irrigated: "rice_rf", year: 1, want: []float64{220, 101}},
		{name: "missing component", rainfed: "maize_rf", irrigated: "wheat_ir", year: 0, err: ErrComponentNotFound},
		{name: "year out of range", rainfed: "maize_rf", irrigated: "maize_ir", year: 2, err: ErrTimeOutOfRange},
		{name: "negative year", rainfed: "maize_rf", irrigated: "maize_ir", year: -1, err: ErrTimeOutOfRange},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			o, err := AggregateComponents(g, test.rainfed, test.irrigated, test.year)
			if test.err != nil {
				if !errors.Is(err, test.err) {
					t.Fatalf("err = %v; want %v", err, test.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, o.Data.Elements); diff != "" {
				t.Errorf("(-want +have):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"lat", "lon"}, o.Dims); diff != "" {
				t.Errorf("dims (-want +have):\n%s", diff)
			}
			if o.CRS != g.CRS {
				t.Errorf("CRS = %v; want %v", o.CRS, g.CRS)
			}
		})
	}
}

func TestAggregateAll(t *testing.T) {
	g := componentGrid(t)
	o, err := AggregateAll(g, 1)
	if err != nil {
		t.Fatal(err)
	}
	// 100+110+120, 101+111+NaN
	if diff := cmp.Diff([]float64{330, 212}, o.Data.Elements); diff != "" {
		t.Errorf("(-want +have):\n%s", diff)
	}

	t.Run("no component axis", func(t *testing.T) {
		f := gridFromRows([]float64{0}, []float64{0, 1}, []float64{math.NaN(), 4})
		o, err := AggregateAll(f, 0)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]float64{0, 4}, o.Data.Elements); diff != "" {
			t.Errorf("(-want +have):\n%s", diff)
		}
		if _, err := AggregateAll(f, 1); !errors.Is(err, ErrTimeOutOfRange) {
			t.Errorf("err = %v; want ErrTimeOutOfRange", err)
		}
	})

	t.Run("unexpected dimension", func(t *testing.T) {
		f := &Grid{
			Dims: []string{"band", "time", "lat", "lon"},
			Y:    []float64{0},
			X:    []float64{0},
			Data: sparse.ZerosDense(2, 1, 1, 1),
		}
		f.ComponentDim = "crops"
		if _, err := AggregateAll(f, 0); !errContains(err, "unexpected dimension `band`") {
			t.Errorf("err = %v", err)
		}
	})
}
