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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	goshp "github.com/jonas-p/go-shp"
	"github.com/spf13/cast"
)

// Country is a country boundary.
type Country struct {
	geom.Polygonal

	// Name is the display name of the country, after renaming.
	Name string

	// ISO3 is the ISO 3166-1 alpha-3 code of the country.
	ISO3 string

	// idx is the position of the country in the input file.
	idx int
}

// CountryOptions specify how country boundary files are read.
type CountryOptions struct {
	// NameField and ISOField are the attribute names holding
	// the country name and ISO3 code. They default to
	// "COUNTRY" and "ISO".
	NameField, ISOField string

	// Rename maps country names in the boundary file to the
	// names used in the output. Keys that do not match a name
	// exactly are matched case-insensitively.
	Rename map[string]string
}

func (o CountryOptions) withDefaults() CountryOptions {
	if o.NameField == "" {
		o.NameField = "COUNTRY"
	}
	if o.ISOField == "" {
		o.ISOField = "ISO"
	}
	return o
}

func (o CountryOptions) rename(name string) string {
	if n, ok := o.Rename[name]; ok {
		return n
	}
	for k, n := range o.Rename {
		if strings.EqualFold(k, name) {
			return n
		}
	}
	return name
}

// Countries holds a set of country boundaries in a single CRS.
type Countries struct {
	list  []*Country
	index *rtree.Rtree

	// CRS is the coordinate reference system of the boundaries.
	CRS *CRS
}

// LoadCountries reads country boundaries from an ESRI shapefile
// (".shp") or GeoJSON FeatureCollection (".geojson" or ".json") and
// transforms them into the target CRS. Shapefiles without a ".prj"
// file and all GeoJSON files are assumed to be in EPSG:4326.
func LoadCountries(path string, opts CountryOptions, target *CRS) (*Countries, error) {
	opts = opts.withDefaults()
	var (
		list []*Country
		src  *CRS
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		list, src, err = readCountriesShp(path, opts)
	case ".geojson", ".json":
		list, err = readCountriesGeoJSON(path, opts)
		if err == nil {
			src, err = EPSG(4326)
		}
	default:
		return nil, fmt.Errorf("yieldchange: unsupported country boundary file type %s", path)
	}
	if err != nil {
		return nil, err
	}
	if target == nil {
		target = src
	}
	t, err := src.NewTransform(target)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: loading countries: %v", err)
	}
	c := &Countries{
		index: rtree.NewTree(25, 50),
		CRS:   target,
	}
	for i, cc := range list {
		if !src.Equal(target) {
			g, err := cc.Polygonal.Transform(t)
			if err != nil {
				return nil, fmt.Errorf("yieldchange: transforming country %s: %v", cc.Name, err)
			}
			p, ok := g.(geom.Polygonal)
			if !ok {
				return nil, fmt.Errorf("yieldchange: country %s has geometry type %T", cc.Name, g)
			}
			cc.Polygonal = p
		}
		cc.idx = i
		c.list = append(c.list, cc)
		c.index.Insert(cc)
	}
	return c, nil
}

func readCountriesShp(path string, opts CountryOptions) ([]*Country, *CRS, error) {
	d, err := shp.NewDecoder(path)
	if err != nil {
		return nil, nil, fmt.Errorf("yieldchange: opening country shapefile: %v", err)
	}
	defer d.Close()

	var src *CRS
	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	if _, err := os.Stat(prj); err == nil {
		sr, err := d.SR()
		if err != nil {
			return nil, nil, fmt.Errorf("yieldchange: reading %s: %v", prj, err)
		}
		if src, err = FromSR(sr); err != nil {
			return nil, nil, fmt.Errorf("yieldchange: reading %s: %v", prj, err)
		}
	} else if src, err = EPSG(4326); err != nil {
		return nil, nil, err
	}

	var list []*Country
	for {
		g, fields, more := d.DecodeRowFields(opts.NameField, opts.ISOField)
		if !more {
			break
		}
		if err := d.Error(); err != nil {
			return nil, nil, fmt.Errorf("yieldchange: reading country shapefile: %v", err)
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, nil, fmt.Errorf("yieldchange: country shapes need to be polygons; got %T", g)
		}
		list = append(list, &Country{
			Polygonal: p,
			Name:      opts.rename(cleanAttr(fields[opts.NameField])),
			ISO3:      cleanAttr(fields[opts.ISOField]),
		})
	}
	if err := d.Error(); err != nil {
		return nil, nil, fmt.Errorf("yieldchange: reading country shapefile: %v", err)
	}
	return list, src, nil
}

// cleanAttr removes padding from a shapefile attribute value.
func cleanAttr(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00 "))
}

type featureCollection struct {
	Type     string `json:"type"`
	Features []struct {
		Properties map[string]interface{} `json:"properties"`
		Geometry   *geojson.Geometry      `json:"geometry"`
	} `json:"features"`
}

func readCountriesGeoJSON(path string, opts CountryOptions) ([]*Country, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("yieldchange: opening country file: %v", err)
	}
	var fc featureCollection
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("yieldchange: reading country file %s: %v", path, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("yieldchange: country file %s is a %s, not a FeatureCollection", path, fc.Type)
	}
	var list []*Country
	for i, f := range fc.Features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("yieldchange: country file %s: feature %d has no geometry", path, i)
		}
		p, err := polygonalFromGeoJSON(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("yieldchange: country file %s: feature %d: %v", path, i, err)
		}
		list = append(list, &Country{
			Polygonal: p,
			Name:      opts.rename(cast.ToString(f.Properties[opts.NameField])),
			ISO3:      cast.ToString(f.Properties[opts.ISOField]),
		})
	}
	return list, nil
}

// polygonalFromGeoJSON converts Polygon and MultiPolygon geometries.
func polygonalFromGeoJSON(g *geojson.Geometry) (geom.Polygonal, error) {
	switch g.Type {
	case "Polygon":
		gg, err := geojson.FromGeoJSON(g)
		if err != nil {
			return nil, err
		}
		return gg.(geom.Polygon), nil
	case "MultiPolygon":
		parts, ok := g.Coordinates.([]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid MultiPolygon coordinates")
		}
		var mp geom.MultiPolygon
		for _, part := range parts {
			gg, err := geojson.FromGeoJSON(&geojson.Geometry{Type: "Polygon", Coordinates: part})
			if err != nil {
				return nil, err
			}
			mp = append(mp, gg.(geom.Polygon))
		}
		return mp, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %s", g.Type)
	}
}

// Len returns the number of countries.
func (c *Countries) Len() int { return len(c.list) }

// List returns the countries in file order.
func (c *Countries) List() []*Country { return c.list }

// Overlapping returns the countries whose bounds overlap b, in file order.
func (c *Countries) Overlapping(b *geom.Bounds) []*Country {
	var o []*Country
	for _, g := range c.index.SearchIntersect(b) {
		o = append(o, g.(*Country))
	}
	sort.Slice(o, func(i, j int) bool { return o[i].idx < o[j].idx })
	return o
}

// Names returns the sorted, unique country names.
func (c *Countries) Names() []string {
	seen := make(map[string]bool)
	var o []string
	for _, cc := range c.list {
		if !seen[cc.Name] {
			seen[cc.Name] = true
			o = append(o, cc.Name)
		}
	}
	sort.Strings(o)
	return o
}

// WriteShp writes the country boundaries, in their current CRS, to a
// shapefile with "COUNTRY" and "ISO" attributes.
func (c *Countries) WriteShp(path string) error {
	e, err := shp.NewEncoderFromFields(path, goshp.POLYGON,
		goshp.StringField("COUNTRY", 100), goshp.StringField("ISO", 10))
	if err != nil {
		return fmt.Errorf("yieldchange: creating shapefile: %v", err)
	}
	for _, cc := range c.list {
		// Multipolygons are written as a single polygon with all rings.
		var p geom.Polygon
		for _, pp := range cc.Polygons() {
			p = append(p, pp...)
		}
		if err := e.EncodeFields(p, cc.Name, cc.ISO3); err != nil {
			e.Close()
			return fmt.Errorf("yieldchange: writing shapefile: %v", err)
		}
	}
	e.Close()
	return nil
}

