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
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
	"github.com/google/go-cmp/cmp"
)

var testCountries = []testCountry{
	{name: "Westland", iso: "WST", geom: rect(0, 0, 1, 2)},
	{name: "Eastland", iso: "EST", geom: rect(1, 0, 2, 2)},
	{name: "Faraway", iso: "FAR", geom: rect(50, 50, 51, 51)},
}

func TestLoadCountriesShp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countries.shp")
	writeCountries(t, path, testCountries)

	c, err := LoadCountries(path, CountryOptions{Rename: map[string]string{"Eastland": "Republic of Eastland"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 {
		t.Fatalf("have %d countries; want 3", c.Len())
	}
	if c.CRS.EPSG != 4326 {
		t.Errorf("CRS = %v; want EPSG:4326", c.CRS)
	}
	var iso []string
	for _, cc := range c.List() {
		iso = append(iso, cc.ISO3)
	}
	if diff := cmp.Diff([]string{"WST", "EST", "FAR"}, iso); diff != "" {
		t.Errorf("ISO3 codes (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Faraway", "Republic of Eastland", "Westland"}, c.Names()); diff != "" {
		t.Errorf("names (-want +have):\n%s", diff)
	}
	if a := c.List()[0].Area(); a != 2 {
		t.Errorf("area = %g; want 2", a)
	}

	near := c.Overlapping(&geom.Bounds{Min: geom.Point{X: -1, Y: -1}, Max: geom.Point{X: 3, Y: 3}})
	var names []string
	for _, cc := range near {
		names = append(names, cc.Name)
	}
	if diff := cmp.Diff([]string{"Westland", "Republic of Eastland"}, names); diff != "" {
		t.Errorf("overlapping (-want +have):\n%s", diff)
	}

	t.Run("missing field", func(t *testing.T) {
		if _, err := LoadCountries(path, CountryOptions{NameField: "NAME"}, nil); !errContains(err, "NAME") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("rename case", func(t *testing.T) {
		c, err := LoadCountries(path, CountryOptions{Rename: map[string]string{"faraway": "Far Away"}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if name := c.List()[2].Name; name != "Far Away" {
			t.Errorf("name = %s; want Far Away", name)
		}
	})

	t.Run("reproject", func(t *testing.T) {
		ease, err := EPSG(6933)
		if err != nil {
			t.Fatal(err)
		}
		pc, err := LoadCountries(path, CountryOptions{}, ease)
		if err != nil {
			t.Fatal(err)
		}
		if pc.CRS != ease {
			t.Errorf("CRS = %v; want %v", pc.CRS, ease)
		}
		x, _, _ := ease.fromLonLat(1, 0)
		b := pc.List()[0].Bounds()
		if different(b.Max.X, x, 1e-6) || b.Min.X != 0 {
			t.Errorf("bounds = %v; want x from 0 to %g", b, x)
		}
	})

	t.Run("write", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.shp")
		if err := c.WriteShp(out); err != nil {
			t.Fatal(err)
		}
		c2, err := LoadCountries(out, CountryOptions{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(c.Names(), c2.Names()); diff != "" {
			t.Errorf("names (-want +have):\n%s", diff)
		}
	})
}

const testGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"ADMIN": "Islandia", "ISO_A3": "ISL"},
      "geometry": {
        "type": "MultiPolygon",
        "coordinates": [
          [[[0, 0], [1, 0], [1, 1], [0, 1], [0, 0]]],
          [[[3, 3], [4, 3], [4, 4], [3, 4], [3, 3]]]
        ]
      }
    },
    {
      "type": "Feature",
      "properties": {"ADMIN": "Mainland", "ISO_A3": "MNL"},
      "geometry": {
        "type": "Polygon",
        "coordinates": [[[10, 10], [12, 10], [12, 12], [10, 12], [10, 10]]]
      }
    }
  ]
}`

func TestLoadCountriesGeoJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "countries.geojson")
	if err := os.WriteFile(path, []byte(testGeoJSON), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCountries(path, CountryOptions{NameField: "ADMIN", ISOField: "ISO_A3"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("have %d countries; want 2", c.Len())
	}
	island := c.List()[0]
	if island.Name != "Islandia" || island.ISO3 != "ISL" {
		t.Errorf("country = %s (%s)", island.Name, island.ISO3)
	}
	if _, ok := island.Polygonal.(geom.MultiPolygon); !ok {
		t.Errorf("geometry type %T; want MultiPolygon", island.Polygonal)
	}
	if a := island.Area(); a != 2 {
		t.Errorf("area = %g; want 2", a)
	}

	t.Run("not a collection", func(t *testing.T) {
		p := filepath.Join(dir, "point.json")
		if err := os.WriteFile(p, []byte(`{"type": "Point", "coordinates": [1, 2]}`), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCountries(p, CountryOptions{}, nil); !errContains(err, "not a FeatureCollection") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		if _, err := LoadCountries(filepath.Join(dir, "countries.kml"), CountryOptions{}, nil); err == nil {
			t.Error("expected an error")
		}
	})
}
