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
	"sync"

	"github.com/ctessum/geom/proj"
)

const wgs84Def = "+proj=longlat +datum=WGS84 +no_defs"

// CRS is a coordinate reference system. Transformations between
// CRSs pass through WGS84 longitude-latitude coordinates.
type CRS struct {
	// EPSG is the EPSG code of the CRS, or 0 if it does not have one.
	EPSG int
	Name string

	geographic bool

	// toLonLat and fromLonLat convert coordinates in this CRS to and
	// from WGS84 longitude and latitude in degrees.
	toLonLat, fromLonLat proj.Transformer
}

func (c *CRS) String() string {
	if c.EPSG != 0 {
		return fmt.Sprintf("EPSG:%d", c.EPSG)
	}
	return c.Name
}

// Geographic returns whether coordinates in c are longitude and latitude.
func (c *CRS) Geographic() bool { return c.geographic }

// Equal returns whether c and c2 are known to be the same CRS.
func (c *CRS) Equal(c2 *CRS) bool {
	if c == c2 {
		return true
	}
	if c == nil || c2 == nil {
		return false
	}
	return c.EPSG != 0 && c.EPSG == c2.EPSG
}

// NewTransform returns a function that transforms coordinates from
// c to dst.
func (c *CRS) NewTransform(dst *CRS) (proj.Transformer, error) {
	if c.Equal(dst) {
		return identity, nil
	}
	return func(x, y float64) (float64, float64, error) {
		lon, lat, err := c.toLonLat(x, y)
		if err != nil {
			return math.NaN(), math.NaN(), err
		}
		return dst.fromLonLat(lon, lat)
	}, nil
}

var (
	crsMx    sync.RWMutex
	registry = make(map[int]*CRS)
)

func init() {
	builtin := []struct {
		code        int
		name, proj4 string
	}{
		{code: 3857, name: "WGS 84 / Pseudo-Mercator",
			proj4: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs"},
		{code: 5070, name: "NAD83 / Conus Albers",
			proj4: "+proj=aea +lat_1=29.5 +lat_2=45.5 +lat_0=23 +lon_0=-96 +x_0=0 +y_0=0 +datum=NAD83 +units=m +no_defs"},
	}
	for _, b := range builtin {
		c, err := crsFromProj4(b.code, b.name, b.proj4)
		if err != nil {
			panic(fmt.Errorf("yieldchange: registering EPSG:%d: %v", b.code, err))
		}
		registry[b.code] = c
	}
	registry[4326] = &CRS{
		EPSG:       4326,
		Name:       "WGS 84",
		geographic: true,
		toLonLat:   identity,
		fromLonLat: identity,
	}
	registry[6933] = newEASE2Global()
}

func identity(x, y float64) (float64, float64, error) { return x, y, nil }

// EPSG returns the registered CRS with the given EPSG code.
func EPSG(code int) (*CRS, error) {
	crsMx.RLock()
	defer crsMx.RUnlock()
	c, ok := registry[code]
	if !ok {
		return nil, fmt.Errorf("yieldchange: EPSG:%d: %w", code, ErrUnknownCRS)
	}
	return c, nil
}

// RegisterEPSG registers a CRS for the given EPSG code using a proj4
// definition string, replacing any existing registration.
func RegisterEPSG(code int, proj4 string) error {
	c, err := crsFromProj4(code, fmt.Sprintf("EPSG:%d", code), proj4)
	if err != nil {
		return fmt.Errorf("yieldchange: registering EPSG:%d: %v", code, err)
	}
	crsMx.Lock()
	registry[code] = c
	crsMx.Unlock()
	return nil
}

func crsFromProj4(code int, name, proj4 string) (*CRS, error) {
	sr, err := proj.Parse(proj4)
	if err != nil {
		return nil, err
	}
	c, err := FromSR(sr)
	if err != nil {
		return nil, err
	}
	c.EPSG = code
	c.Name = name
	return c, nil
}

// FromSR returns a CRS for a parsed spatial reference, such as one read
// from a shapefile projection file.
func FromSR(sr *proj.SR) (*CRS, error) {
	if _, _, err := sr.Transformers(); err != nil {
		return nil, err
	}
	wgs84, err := proj.Parse(wgs84Def)
	if err != nil {
		return nil, err
	}
	to, err := sr.NewTransform(wgs84)
	if err != nil {
		return nil, err
	}
	from, err := wgs84.NewTransform(sr)
	if err != nil {
		return nil, err
	}
	return &CRS{
		Name:       sr.Name,
		geographic: sr.Name == "longlat",
		toLonLat:   to,
		fromLonLat: from,
	}, nil
}

// WGS84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84Rf = 298.257223563
)

// newEASE2Global returns the WGS 84 / NSIDC EASE-Grid 2.0 Global
// projection, an ellipsoidal cylindrical equal-area projection with
// true scale at 30° latitude.
func newEASE2Global() *CRS {
	f := 1 / wgs84Rf
	es := 2*f - f*f
	e := math.Sqrt(es)
	sinTS := math.Sin(30 * math.Pi / 180)
	k0 := math.Cos(30*math.Pi/180) / math.Sqrt(1-es*sinTS*sinTS)

	// q is the authalic function of latitude.
	q := func(sinPhi float64) float64 {
		esp := e * sinPhi
		return (1 - es) * (sinPhi/(1-esp*esp) - math.Log((1-esp)/(1+esp))/(2*e))
	}
	qp := q(1)

	// Series coefficients for the inverse authalic latitude.
	e4, e6 := es*es, es*es*es
	c2 := es/3 + 31*e4/180 + 517*e6/5040
	c4 := 23*e4/360 + 251*e6/3780
	c6 := 761 * e6 / 45360

	forward := func(lon, lat float64) (float64, float64, error) {
		if math.Abs(lat) > 90 {
			return math.NaN(), math.NaN(), fmt.Errorf("yieldchange: latitude %g out of range", lat)
		}
		phi := lat * math.Pi / 180
		lam := lon * math.Pi / 180
		return wgs84A * k0 * lam, wgs84A * q(math.Sin(phi)) / (2 * k0), nil
	}
	inverse := func(x, y float64) (float64, float64, error) {
		s := 2 * y * k0 / (wgs84A * qp)
		if math.Abs(s) > 1 {
			if math.Abs(s)-1 > 1e-12 {
				return math.NaN(), math.NaN(), fmt.Errorf("yieldchange: y %g out of range", y)
			}
			s = math.Copysign(1, s)
		}
		beta := math.Asin(s)
		phi := beta + c2*math.Sin(2*beta) + c4*math.Sin(4*beta) + c6*math.Sin(6*beta)
		lam := x / (wgs84A * k0)
		return lam * 180 / math.Pi, phi * 180 / math.Pi, nil
	}
	return &CRS{
		EPSG:       6933,
		Name:       "WGS 84 / NSIDC EASE-Grid 2.0 Global",
		toLonLat:   inverse,
		fromLonLat: forward,
	}
}
