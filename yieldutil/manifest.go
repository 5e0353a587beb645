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
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
)

// ManifestName is the file name of the run manifest.
const ManifestName = "manifest.toml"

// Manifest records a run of the yield change calculation.
type Manifest struct {
	RunID   string    `toml:"run_id"`
	Version string    `toml:"version"`
	Start   time.Time `toml:"start"`
	End     time.Time `toml:"end"`

	// Scenarios are the scenarios that were processed and Failed are
	// the ones among them that did not complete.
	Scenarios []string `toml:"scenarios"`
	Failed    []string `toml:"failed,omitempty"`

	// Outputs are the files written by the run, not including
	// the manifest.
	Outputs []string `toml:"outputs"`

	// Config holds the configuration values the run used.
	Config map[string]interface{} `toml:"config"`
}

// Encode returns the manifest in TOML format.
func (m *Manifest) Encode() ([]byte, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(m); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// write writes the manifest to the sink.
func (m *Manifest) write(ctx context.Context, s *outputSink) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return s.WriteFile(ctx, ManifestName, b)
}

// ReadManifest parses a TOML run manifest.
func ReadManifest(b []byte) (*Manifest, error) {
	m := new(Manifest)
	if _, err := toml.Decode(string(b), m); err != nil {
		return nil, err
	}
	return m, nil
}

// manifestConfig returns the values of the named configuration
// options in a form that can be encoded as TOML. Unset options are
// left out.
func (cfg *Cfg) manifestConfig() map[string]interface{} {
	names := make([]string, 0, len(cfg.options)+1)
	for _, o := range cfg.options {
		names = append(names, o.name)
	}
	names = append(names, "scenarios")
	sort.Strings(names)
	o := make(map[string]interface{})
	for _, name := range names {
		if v := tomlValue(cfg.Get(name)); v != nil {
			o[name] = v
		}
	}
	return o
}

// tomlValue converts maps with non-string keys, as produced by YAML
// configuration files, into maps with string keys.
func tomlValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case nil:
		return nil
	case map[interface{}]interface{}, map[string]interface{}:
		m := make(map[string]interface{})
		for k, e := range cast.ToStringMap(vv) {
			if e = tomlValue(e); e != nil {
				m[k] = e
			}
		}
		return m
	case []interface{}:
		o := make([]interface{}, 0, len(vv))
		for _, e := range vv {
			if e = tomlValue(e); e != nil {
				o = append(o, e)
			}
		}
		return o
	default:
		return v
	}
}
