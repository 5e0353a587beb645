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
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Table holds percentage changes with one row per country and one
// column per crop group and year.
type Table struct {
	columns []string
	hasCol  map[string]bool
	rows    map[rowKey]map[string]float64
}

type rowKey struct {
	iso, country string
}

// Row is one country's row of a Table.
type Row struct {
	ISO3, Country string
	Values        map[string]float64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		hasCol: make(map[string]bool),
		rows:   make(map[rowKey]map[string]float64),
	}
}

// Set sets the value of column for the country with the given ISO3 code
// and name, adding the row and column if necessary.
func (t *Table) Set(iso, country, column string, v float64) {
	if !t.hasCol[column] {
		t.hasCol[column] = true
		t.columns = append(t.columns, column)
	}
	k := rowKey{iso: iso, country: country}
	r, ok := t.rows[k]
	if !ok {
		r = make(map[string]float64)
		t.rows[k] = r
	}
	r[column] = v
}

// Get returns the value of column for the given country, and whether
// it is present.
func (t *Table) Get(iso, country, column string) (float64, bool) {
	v, ok := t.rows[rowKey{iso: iso, country: country}][column]
	return v, ok
}

// Columns returns the value columns in the order they were added.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Rows returns the rows of the table sorted by country name, with ties
// broken by ISO3 code.
func (t *Table) Rows() []Row {
	o := make([]Row, 0, len(t.rows))
	for k, v := range t.rows {
		o = append(o, Row{ISO3: k.iso, Country: k.country, Values: v})
	}
	sort.Slice(o, func(i, j int) bool {
		if o[i].Country != o[j].Country {
			return o[i].Country < o[j].Country
		}
		return o[i].ISO3 < o[j].ISO3
	})
	return o
}

// OuterJoin returns a table with the rows and columns of both t and
// other, joined on ISO3 code and country name. For columns present in
// both tables, values from other take precedence.
func (t *Table) OuterJoin(other *Table) *Table {
	o := NewTable()
	for _, tt := range []*Table{t, other} {
		for _, c := range tt.columns {
			o.addColumn(c)
		}
		for k, r := range tt.rows {
			for c, v := range r {
				o.Set(k.iso, k.country, c, v)
			}
		}
	}
	return o
}

func (t *Table) addColumn(c string) {
	if !t.hasCol[c] {
		t.hasCol[c] = true
		t.columns = append(t.columns, c)
	}
}

// MeanTables returns the cell-by-cell mean of tables. A cell that is
// absent from a table does not contribute to the mean of that cell.
func MeanTables(tables []*Table, policy NaNPolicy) *Table {
	vals := make(map[rowKey]map[string][]float64)
	o := NewTable()
	for _, t := range tables {
		for _, c := range t.columns {
			o.addColumn(c)
		}
		for k, r := range t.rows {
			if vals[k] == nil {
				vals[k] = make(map[string][]float64)
			}
			for c, v := range r {
				vals[k][c] = append(vals[k][c], v)
			}
		}
	}
	for k, r := range vals {
		for c, v := range r {
			o.Set(k.iso, k.country, c, policy.mean(v))
		}
	}
	return o
}

// WriteCSV writes the table in CSV format, with rows sorted by country
// name. NaN and missing values are written as empty fields.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{"ISO3 Country Code", "Country"}, t.columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("yieldchange: writing table: %v", err)
	}
	for _, r := range t.Rows() {
		line := make([]string, len(header))
		line[0], line[1] = r.ISO3, r.Country
		for i, c := range t.columns {
			if v, ok := r.Values[c]; ok && !math.IsNaN(v) {
				line[i+2] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("yieldchange: writing table: %v", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("yieldchange: writing table: %v", err)
	}
	return nil
}

// ColumnName returns the output column name for a crop group and
// one-based year number. The "Wheat" group is reported as spring wheat.
func ColumnName(group string, year int) string {
	prefix := strings.ToLower(group)
	if prefix == "wheat" {
		prefix = "spring_wheat"
	}
	return fmt.Sprintf("%s_year%d", prefix, year)
}
