//go:build netcdf4

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

	"github.com/fhs/go-netcdf/netcdf"
)

func init() {
	openNetCDF4 = func(path string) (ncFile, func() error, error) {
		ds, err := netcdf.OpenFile(path, netcdf.NOWRITE)
		if err != nil {
			return nil, nil, err
		}
		return hdfFile{ds: ds}, ds.Close, nil
	}
}

// hdfFile reads NetCDF-4 files through the NetCDF C library.
type hdfFile struct {
	ds netcdf.Dataset
}

func (h hdfFile) hasVar(v string) bool {
	_, err := h.ds.Var(v)
	return err == nil
}

func (h hdfFile) dims(v string) ([]string, []int, error) {
	nv, err := h.ds.Var(v)
	if err != nil {
		return nil, nil, err
	}
	dims, err := nv.Dims()
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, len(dims))
	lengths := make([]int, len(dims))
	for i, d := range dims {
		if names[i], err = d.Name(); err != nil {
			return nil, nil, err
		}
		l, err := d.Len()
		if err != nil {
			return nil, nil, err
		}
		lengths[i] = int(l)
	}
	return names, lengths, nil
}

func (h hdfFile) floats(v string) ([]float64, error) {
	nv, err := h.ds.Var(v)
	if err != nil {
		return nil, err
	}
	n, err := nv.Len()
	if err != nil {
		return nil, err
	}
	t, err := nv.Type()
	if err != nil {
		return nil, err
	}
	var data []float64
	switch t {
	case netcdf.DOUBLE:
		data = make([]float64, n)
		err = nv.ReadFloat64s(data)
	case netcdf.FLOAT:
		buf := make([]float32, n)
		if err = nv.ReadFloat32s(buf); err == nil {
			data, err = toFloat64s(buf)
		}
	case netcdf.INT:
		buf := make([]int32, n)
		if err = nv.ReadInt32s(buf); err == nil {
			data, err = toFloat64s(buf)
		}
	case netcdf.SHORT:
		buf := make([]int16, n)
		if err = nv.ReadInt16s(buf); err == nil {
			data, err = toFloat64s(buf)
		}
	default:
		return nil, fmt.Errorf("unsupported data type %v", t)
	}
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"_FillValue", "missing_value"} {
		a := nv.Attr(name)
		if l, err := a.Len(); err != nil || l == 0 {
			continue
		}
		fill := make([]float64, 1)
		if err := a.ReadFloat64s(fill); err != nil {
			continue
		}
		for i, d := range data {
			if d == fill[0] {
				data[i] = math.NaN()
			}
		}
	}
	return data, nil
}

func (h hdfFile) stringAttr(v, a string) (string, bool) {
	nv, err := h.ds.Var(v)
	if err != nil {
		return "", false
	}
	at := nv.Attr(a)
	if t, err := at.Type(); err != nil || t != netcdf.CHAR {
		return "", false
	}
	l, err := at.Len()
	if err != nil {
		return "", false
	}
	b := make([]byte, l)
	if err := at.ReadBytes(b); err != nil {
		return "", false
	}
	return string(b), true
}
