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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/yieldchange"
	"github.com/spf13/cast"
)

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	for i := 0; i < len(s); i++ {
		s[i] = os.ExpandEnv(s[i])
	}
	return s
}

// fromJSON decodes s if v is a string, as it is when the variable is
// set from a command line argument or environment variable.
func fromJSON(varName string, v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var o interface{}
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, fmt.Errorf("yieldutil: parsing configuration variable %s: %v", varName, err)
	}
	return o, nil
}

// lowerKeys returns a copy of m with lower case keys.
func lowerKeys(m map[string]interface{}) map[string]interface{} {
	o := make(map[string]interface{}, len(m))
	for k, v := range m {
		o[strings.ToLower(k)] = v
	}
	return o
}

// getStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func getStringMapString(varName string, cfg *viper.Viper) (map[string]string, error) {
	i, err := fromJSON(varName, cfg.Get(varName))
	if err != nil {
		return nil, err
	}
	if i == nil {
		return map[string]string{}, nil
	}
	o, err := cast.ToStringMapStringE(i)
	if err != nil {
		return nil, fmt.Errorf("yieldutil: parsing configuration variable %s: %v", varName, err)
	}
	return o, nil
}

// cropAggregation returns the crop groups specified by the
// crop_aggregation configuration variable. The variable is either a
// map from group name to a list of the rainfed and irrigated component
// names, in which case groups are returned in sorted order, or a list
// of objects with name, rainfed and irrigated fields, which keeps the
// listed order and the case of the group names.
func cropAggregation(cfg *viper.Viper) ([]yieldchange.CropGroup, error) {
	const varName = "crop_aggregation"
	v, err := fromJSON(varName, cfg.Get(varName))
	if err != nil {
		return nil, err
	}
	var groups []yieldchange.CropGroup
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		for i, e := range vv {
			m, err := cast.ToStringMapE(e)
			if err != nil {
				return nil, fmt.Errorf("yieldutil: %s item %d: %v", varName, i, err)
			}
			m = lowerKeys(m)
			g := yieldchange.CropGroup{
				Name:      cast.ToString(m["name"]),
				Rainfed:   cast.ToString(m["rainfed"]),
				Irrigated: cast.ToString(m["irrigated"]),
			}
			if g.Name == "" || g.Rainfed == "" || g.Irrigated == "" {
				return nil, fmt.Errorf("yieldutil: %s item %d needs name, rainfed and irrigated fields", varName, i)
			}
			groups = append(groups, g)
		}
	default:
		m, err := cast.ToStringMapE(vv)
		if err != nil {
			return nil, fmt.Errorf("yieldutil: parsing configuration variable %s: %v", varName, err)
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c, err := cast.ToStringSliceE(m[name])
			if err != nil || len(c) != 2 {
				return nil, fmt.Errorf("yieldutil: %s group %s must list a rainfed and an irrigated component", varName, name)
			}
			groups = append(groups, yieldchange.CropGroup{Name: name, Rainfed: c[0], Irrigated: c[1]})
		}
	}
	return groups, nil
}

// registerCRSDefinitions registers the proj4 definitions in the
// crs_definitions configuration variable, which maps EPSG codes to
// definitions.
func registerCRSDefinitions(cfg *viper.Viper) error {
	defs, err := getStringMapString("crs_definitions", cfg)
	if err != nil {
		return err
	}
	for k, def := range defs {
		code, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(k), "EPSG:"))
		if err != nil {
			return fmt.Errorf("yieldutil: invalid EPSG code %q in crs_definitions", k)
		}
		if err := yieldchange.RegisterEPSG(code, def); err != nil {
			return fmt.Errorf("yieldutil: registering EPSG:%d: %w", code, err)
		}
	}
	return nil
}

// scenarioConfig is a scenario as written in the configuration.
type scenarioConfig struct {
	name       string
	cropFiles  []string
	grassFiles []string
}

// scenarioConfigs returns the scenarios in the configuration, restricted
// to the ones named in the scenario_names variable if it is not empty.
func scenarioConfigs(cfg *viper.Viper) ([]scenarioConfig, error) {
	v, err := fromJSON("scenarios", cfg.Get("scenarios"))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("yieldutil: no scenarios are configured")
	}
	list, err := cast.ToSliceE(v)
	if err != nil {
		return nil, fmt.Errorf("yieldutil: scenarios must be a list: %v", err)
	}
	var all []scenarioConfig
	seen := make(map[string]bool)
	for i, e := range list {
		m, err := cast.ToStringMapE(e)
		if err != nil {
			return nil, fmt.Errorf("yieldutil: scenario %d: %v", i, err)
		}
		m = lowerKeys(m)
		s := scenarioConfig{name: cast.ToString(m["name"])}
		if s.name == "" {
			return nil, fmt.Errorf("yieldutil: scenario %d has no name", i)
		}
		if seen[s.name] {
			return nil, fmt.Errorf("yieldutil: duplicate scenario %s", s.name)
		}
		seen[s.name] = true
		if s.cropFiles, err = cast.ToStringSliceE(m["crop_files"]); err != nil {
			return nil, fmt.Errorf("yieldutil: scenario %s crop_files: %v", s.name, err)
		}
		if s.grassFiles, err = cast.ToStringSliceE(m["grass_files"]); err != nil {
			return nil, fmt.Errorf("yieldutil: scenario %s grass_files: %v", s.name, err)
		}
		all = append(all, s)
	}

	names := cfg.GetStringSlice("scenario_names")
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]scenarioConfig)
	for _, s := range all {
		byName[s.name] = s
	}
	var o []scenarioConfig
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("yieldutil: scenario %s is not configured", name)
		}
		o = append(o, s)
	}
	return o, nil
}

// scenario pairs the crop and grass files of the scenario in order and
// fetches them. Unpaired files are ignored.
func (s scenarioConfig) scenario(ctx context.Context, f *fetcher, log logrus.FieldLogger) (yieldchange.Scenario, error) {
	o := yieldchange.Scenario{Name: s.name}
	n := len(s.cropFiles)
	if len(s.grassFiles) != n {
		log.WithField("scenario", s.name).Warnf("%d crop files and %d grass files; ignoring unpaired files",
			len(s.cropFiles), len(s.grassFiles))
		if len(s.grassFiles) < n {
			n = len(s.grassFiles)
		}
	}
	for i := 0; i < n; i++ {
		crop, err := f.fetch(ctx, s.cropFiles[i])
		if err != nil {
			return o, err
		}
		grass, err := f.fetch(ctx, s.grassFiles[i])
		if err != nil {
			return o, err
		}
		o.Pairs = append(o.Pairs, yieldchange.FilePair{Crop: crop, Grass: grass})
	}
	return o, nil
}

// countryOptions returns the country boundary settings in the
// configuration.
func countryOptions(cfg *viper.Viper) (yieldchange.CountryOptions, error) {
	rename, err := getStringMapString("country_mapping", cfg)
	if err != nil {
		return yieldchange.CountryOptions{}, err
	}
	return yieldchange.CountryOptions{
		NameField: cfg.GetString("country_name_field"),
		ISOField:  cfg.GetString("country_iso_field"),
		Rename:    rename,
	}, nil
}

// processorConfig returns the processor settings in the configuration,
// fetching the control datasets.
func processorConfig(ctx context.Context, cfg *viper.Viper, f *fetcher) (*yieldchange.Config, error) {
	groups, err := cropAggregation(cfg)
	if err != nil {
		return nil, err
	}
	nanPolicy, err := yieldchange.ParseNaNPolicy(cfg.GetString("nan_policy"))
	if err != nil {
		return nil, err
	}
	c := &yieldchange.Config{
		CropAggregation: groups,
		EPSG:            cfg.GetInt("epsg"),
		SourceEPSG:      cfg.GetInt("source_epsg"),
		Years:           cfg.GetInt("years"),
		DownscaleFactor: cfg.GetInt("downscale_factor"),
		NaNPolicy:       nanPolicy,
		Variable:        cfg.GetString("variable"),
		Concurrency:     cfg.GetInt("concurrency"),
		CacheSize:       cfg.GetInt("cache_size"),
	}
	if c.Years <= 0 {
		return nil, fmt.Errorf("yieldutil: years must be > 0 but is %d", c.Years)
	}
	if c.DownscaleFactor <= 0 {
		return nil, fmt.Errorf("yieldutil: downscale_factor must be > 0 but is %d", c.DownscaleFactor)
	}
	for _, ff := range []struct {
		name string
		dst  *[]string
	}{
		{"control_crop_files", &c.ControlCropFiles},
		{"control_grass_files", &c.ControlGrassFiles},
	} {
		files := expandStringSlice(cfg.GetStringSlice(ff.name))
		if len(files) == 0 {
			return nil, fmt.Errorf("yieldutil: %s is not specified", ff.name)
		}
		for _, path := range files {
			local, err := f.fetch(ctx, path)
			if err != nil {
				return nil, err
			}
			*ff.dst = append(*ff.dst, local)
		}
	}
	return c, nil
}
