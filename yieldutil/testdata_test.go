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

package yieldutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctessum/cdf"
	"gopkg.in/yaml.v3"
)

// writeYield writes a classic NetCDF yield dataset on a 4×4 grid of
// half-degree cells with the given component names. The yield of
// component c at row j and column i is (1+c+j+i)×mult in every year.
func writeYield(t *testing.T, path, compDim string, compNames []string, years int, mult float64) {
	t.Helper()
	const n = 4
	h := cdf.NewHeader([]string{"time", compDim, "lat", "lon"}, []int{years, len(compNames), n, n})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable(compDim, []string{compDim}, []int32{0})
	h.AddAttribute(compDim, "long_name", strings.Join(compNames, ", "))
	h.AddVariable("yield", []string{"time", compDim, "lat", "lon"}, []float32{0})
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
		// Writes that fill a variable end with io.EOF.
		if _, err := nc.Writer(v, nil, nil).Write(data); err != nil && err != io.EOF {
			t.Fatalf("writing %s: %v", v, err)
		}
	}
	coords := make([]float64, n)
	for i := range coords {
		coords[i] = 0.25 + 0.5*float64(i)
	}
	write("lat", coords)
	write("lon", coords)
	comp := make([]int32, len(compNames))
	for i := range comp {
		comp[i] = int32(i)
	}
	write(compDim, comp)
	var data []float32
	for y := 0; y < years; y++ {
		for c := range compNames {
			for j := 0; j < n; j++ {
				for i := 0; i < n; i++ {
					data = append(data, float32(float64(1+c+j+i)*mult))
				}
			}
		}
	}
	write("yield", data)
}

const testCountriesGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"COUNTRY": "Westland", "ISO": "WST"},
      "geometry": {"type": "Polygon", "coordinates": [[[0, 0], [1, 0], [1, 2], [0, 2], [0, 0]]]}
    },
    {
      "type": "Feature",
      "properties": {"COUNTRY": "Eastland", "ISO": "EST"},
      "geometry": {"type": "Polygon", "coordinates": [[[1, 0], [2, 0], [2, 2], [1, 2], [1, 0]]]}
    }
  ]
}`

// testFiles holds the paths of a test setup.
type testFiles struct {
	dir                 string
	countries           string
	ctrlCrop, ctrlGrass string
	cropX2, grassX05    string
	cropX4, grassX2     string
}

func writeTestFiles(t *testing.T) testFiles {
	t.Helper()
	dir := t.TempDir()
	f := testFiles{
		dir:       dir,
		countries: filepath.Join(dir, "countries.geojson"),
		ctrlCrop:  filepath.Join(dir, "ctrl_crop.nc"),
		ctrlGrass: filepath.Join(dir, "ctrl_grass.nc"),
		cropX2:    filepath.Join(dir, "crop_x2.nc"),
		grassX05:  filepath.Join(dir, "grass_x05.nc"),
		cropX4:    filepath.Join(dir, "crop_x4.nc"),
		grassX2:   filepath.Join(dir, "grass_x2.nc"),
	}
	if err := os.WriteFile(f.countries, []byte(testCountriesGeoJSON), 0644); err != nil {
		t.Fatal(err)
	}
	crops := []string{"maize_rf", "maize_ir"}
	grass := []string{"C3 grass", "C4 grass"}
	writeYield(t, f.ctrlCrop, "crops", crops, 1, 1)
	writeYield(t, f.ctrlGrass, "grass", grass, 1, 1)
	writeYield(t, f.cropX2, "crops", crops, 1, 2)
	writeYield(t, f.grassX05, "grass", grass, 1, 0.5)
	writeYield(t, f.cropX4, "crops", crops, 1, 4)
	writeYield(t, f.grassX2, "grass", grass, 1, 2)
	return f
}

// writeConfig writes a YAML configuration file.
func writeConfig(t *testing.T, path string, c map[string]interface{}) {
	t.Helper()
	b, err := yaml.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
}
