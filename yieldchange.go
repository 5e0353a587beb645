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

// Package yieldchange converts gridded crop and grass yield simulations
// into country-level percentage yield changes relative to one or more
// control simulations.
//
// Raw yield grids are normalized onto a [-180, 180) longitude axis,
// tagged with a coordinate reference system, collapsed into one yield
// field per crop group and year, refined by a mass-preserving downscaling
// step, reprojected into an equal-area system and summed within each
// country boundary. Percentage changes against every control realization
// are then averaged per country, and the results for repeated scenario
// files are averaged again into an ensemble table.
package yieldchange

import "errors"

// Version gives the version number.
const Version = "0.1.0"

var (
	// ErrMissingDimension is returned when a grid lacks a required
	// spatial dimension.
	ErrMissingDimension = errors.New("missing dimension")

	// ErrInvalidGeometry is returned when a grid's latitudes fall outside
	// of the open interval (-90, 90) even after rows at or beyond the poles
	// have been removed.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrComponentNotFound is returned when a requested component name
	// is not in a grid's component index.
	ErrComponentNotFound = errors.New("component not found")

	// ErrTimeOutOfRange is returned when a requested year index is not
	// on a grid's time axis.
	ErrTimeOutOfRange = errors.New("time index out of range")

	// ErrMissingVariable is returned when a dataset does not contain
	// the requested data variable.
	ErrMissingVariable = errors.New("missing variable")

	// ErrUnknownCRS is returned for EPSG codes that have not been
	// registered.
	ErrUnknownCRS = errors.New("unknown coordinate reference system")
)
