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
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spatialmodel/yieldchange"
)

func TestCropAggregation(t *testing.T) {
	corn := yieldchange.CropGroup{Name: "corn", Rainfed: "maize_rf", Irrigated: "maize_ir"}
	wheat := yieldchange.CropGroup{Name: "wheat", Rainfed: "swh_rf", Irrigated: "swh_ir"}
	tests := []struct {
		name    string
		val     interface{}
		want    []yieldchange.CropGroup
		wantErr bool
	}{
		{
			name: "map",
			val: map[string]interface{}{
				"wheat": []interface{}{"swh_rf", "swh_ir"},
				"corn":  []interface{}{"maize_rf", "maize_ir"},
			},
			want: []yieldchange.CropGroup{corn, wheat},
		},
		{
			name: "list",
			val: []interface{}{
				map[interface{}]interface{}{"name": "Wheat", "rainfed": "swh_rf", "irrigated": "swh_ir"},
				map[string]interface{}{"Name": "corn", "Rainfed": "maize_rf", "Irrigated": "maize_ir"},
			},
			want: []yieldchange.CropGroup{{Name: "Wheat", Rainfed: "swh_rf", Irrigated: "swh_ir"}, corn},
		},
		{
			name: "json map",
			val:  `{"wheat": ["swh_rf", "swh_ir"], "corn": ["maize_rf", "maize_ir"]}`,
			want: []yieldchange.CropGroup{corn, wheat},
		},
		{
			name: "json list",
			val:  `[{"name": "wheat", "rainfed": "swh_rf", "irrigated": "swh_ir"}]`,
			want: []yieldchange.CropGroup{wheat},
		},
		{
			name: "empty",
			val:  "",
		},
		{
			name:    "one component",
			val:     map[string]interface{}{"corn": []interface{}{"maize_rf"}},
			wantErr: true,
		},
		{
			name:    "missing field",
			val:     []interface{}{map[string]interface{}{"name": "corn", "rainfed": "maize_rf"}},
			wantErr: true,
		},
		{
			name:    "bad json",
			val:     `{"corn": [`,
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v := viper.New()
			v.Set("crop_aggregation", test.val)
			have, err := cropAggregation(v)
			if (err != nil) != test.wantErr {
				t.Fatalf("err = %v; wantErr = %v", err, test.wantErr)
			}
			if diff := cmp.Diff(test.want, have); diff != "" {
				t.Errorf("(-want +have):\n%s", diff)
			}
		})
	}
}

func TestGetStringMapString(t *testing.T) {
	for name, val := range map[string]interface{}{
		"json":  `{"czechia": "Czech Republic"}`,
		"map":   map[string]interface{}{"czechia": "Czech Republic"},
		"yaml":  map[interface{}]interface{}{"czechia": "Czech Republic"},
		"typed": map[string]string{"czechia": "Czech Republic"},
	} {
		v := viper.New()
		v.Set("country_mapping", val)
		have, err := getStringMapString("country_mapping", v)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if diff := cmp.Diff(map[string]string{"czechia": "Czech Republic"}, have); diff != "" {
			t.Errorf("%s (-want +have):\n%s", name, diff)
		}
	}

	v := viper.New()
	if have, err := getStringMapString("country_mapping", v); err != nil || len(have) != 0 {
		t.Errorf("unset: have %v, %v", have, err)
	}
	v.Set("country_mapping", "{}")
	if have, err := getStringMapString("country_mapping", v); err != nil || len(have) != 0 {
		t.Errorf("empty: have %v, %v", have, err)
	}
	v.Set("country_mapping", "[1, 2]")
	if _, err := getStringMapString("country_mapping", v); err == nil {
		t.Error("expected an error")
	}
}

func TestRegisterCRSDefinitions(t *testing.T) {
	v := viper.New()
	v.Set("crs_definitions", map[string]interface{}{
		"32633":      "+proj=utm +zone=33 +datum=WGS84 +units=m +no_defs",
		"EPSG:32634": "+proj=utm +zone=34 +datum=WGS84 +units=m +no_defs",
	})
	if err := registerCRSDefinitions(v); err != nil {
		t.Fatal(err)
	}
	for _, code := range []int{32633, 32634} {
		if _, err := yieldchange.EPSG(code); err != nil {
			t.Error(err)
		}
	}

	v.Set("crs_definitions", map[string]interface{}{"utm": "+proj=utm +zone=33"})
	if err := registerCRSDefinitions(v); err == nil {
		t.Error("expected an error for an invalid code")
	}
	v.Set("crs_definitions", map[string]interface{}{"990001": "+proj=bogus"})
	if err := registerCRSDefinitions(v); err == nil {
		t.Error("expected an error for an invalid definition")
	}
}

func TestScenarioConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, map[string]interface{}{
		"scenarios": []map[string]interface{}{
			{"name": "150Tg", "crop_files": []string{"crop_150.nc"}, "grass_files": []string{"grass_150.nc"}},
			{"name": "5Tg", "crop_files": []string{"crop_5a.nc", "crop_5b.nc"}, "grass_files": []string{"grass_5a.nc", "grass_5b.nc"}},
		},
	})
	read := func(t *testing.T) *viper.Viper {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			t.Fatal(err)
		}
		return v
	}
	cmpOpt := cmp.AllowUnexported(scenarioConfig{})

	t.Run("all", func(t *testing.T) {
		have, err := scenarioConfigs(read(t))
		if err != nil {
			t.Fatal(err)
		}
		want := []scenarioConfig{
			{name: "150Tg", cropFiles: []string{"crop_150.nc"}, grassFiles: []string{"grass_150.nc"}},
			{name: "5Tg", cropFiles: []string{"crop_5a.nc", "crop_5b.nc"}, grassFiles: []string{"grass_5a.nc", "grass_5b.nc"}},
		}
		if diff := cmp.Diff(want, have, cmpOpt); diff != "" {
			t.Errorf("(-want +have):\n%s", diff)
		}
	})

	t.Run("selected", func(t *testing.T) {
		v := read(t)
		v.Set("scenario_names", []string{"5Tg"})
		have, err := scenarioConfigs(v)
		if err != nil {
			t.Fatal(err)
		}
		if len(have) != 1 || have[0].name != "5Tg" {
			t.Errorf("have %+v", have)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		v := read(t)
		v.Set("scenario_names", []string{"47Tg"})
		if _, err := scenarioConfigs(v); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("none", func(t *testing.T) {
		if _, err := scenarioConfigs(viper.New()); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		v := viper.New()
		v.Set("scenarios", `[{"name": "a", "crop_files": ["c.nc"], "grass_files": ["g.nc"]}, {"name": "a"}]`)
		if _, err := scenarioConfigs(v); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestScenarioPairs(t *testing.T) {
	log, hook := test.NewNullLogger()
	f := testFetcher(t)
	s := scenarioConfig{
		name:       "5Tg",
		cropFiles:  []string{"crop_a.nc", "crop_b.nc"},
		grassFiles: []string{"grass_a.nc"},
	}
	have, err := s.scenario(context.Background(), f, log)
	if err != nil {
		t.Fatal(err)
	}
	want := yieldchange.Scenario{Name: "5Tg", Pairs: []yieldchange.FilePair{{Crop: "crop_a.nc", Grass: "grass_a.nc"}}}
	if diff := cmp.Diff(want, have); diff != "" {
		t.Errorf("(-want +have):\n%s", diff)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel {
		t.Error("missing warning for unpaired files")
	}
}

func TestProcessorConfig(t *testing.T) {
	valid := func() *viper.Viper {
		v := viper.New()
		v.Set("control_crop_files", []string{"$HOME/crop.nc"})
		v.Set("control_grass_files", []string{"grass.nc"})
		v.Set("crop_aggregation", `{"corn": ["maize_rf", "maize_ir"]}`)
		v.Set("years", 3)
		v.Set("downscale_factor", 2)
		v.Set("nan_policy", "skip")
		return v
	}
	t.Setenv("HOME", "/home/yields")
	f := testFetcher(t)

	c, err := processorConfig(context.Background(), valid(), f)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"/home/yields/crop.nc"}, c.ControlCropFiles); diff != "" {
		t.Errorf("control crop files (-want +have):\n%s", diff)
	}
	if c.Years != 3 || c.DownscaleFactor != 2 || c.NaNPolicy != yieldchange.SkipNaN || len(c.CropAggregation) != 1 {
		t.Errorf("config = %+v", c)
	}

	for name, change := range map[string]func(v *viper.Viper){
		"no control crop files": func(v *viper.Viper) { v.Set("control_crop_files", []string{}) },
		"zero years":            func(v *viper.Viper) { v.Set("years", 0) },
		"zero downscale factor": func(v *viper.Viper) { v.Set("downscale_factor", 0) },
		"bad nan policy":        func(v *viper.Viper) { v.Set("nan_policy", "ignore") },
		"bad crop aggregation":  func(v *viper.Viper) { v.Set("crop_aggregation", "[") },
	} {
		v := valid()
		change(v)
		if _, err := processorConfig(context.Background(), v, f); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
