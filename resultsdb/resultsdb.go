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

// Package resultsdb stores country yield changes in a SQLite database so
// that results from many runs can be queried together.
package resultsdb

import (
	"database/sql"
	"math"

	"github.com/spatialmodel/yieldchange"
	_ "modernc.org/sqlite"
)

// DB is a results database.
type DB struct {
	*sql.DB
}

// NewDB opens the database at path, creating it and its tables if
// they do not exist yet.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS changes (
			run_id TEXT NOT NULL,
			scenario TEXT NOT NULL,
			pair INTEGER NOT NULL,
			crop_group TEXT NOT NULL,
			year INTEGER NOT NULL,
			country TEXT NOT NULL,
			iso3 TEXT NOT NULL,
			change DOUBLE,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
		CREATE INDEX IF NOT EXISTS changes_scenario ON changes (run_id, scenario);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// StartRun registers a new run.
func (db *DB) StartRun(runID string) error {
	_, err := db.Exec("INSERT INTO runs (run_id) VALUES (?)", runID)
	return err
}

// Change is a stored yield change.
type Change struct {
	RunID    string
	Scenario string

	// Pair is the zero-based index of the file pair within the scenario.
	Pair int

	yieldchange.ChangeRecord
}

// RecordChange stores a change record. Undefined changes are stored
// as NULL.
func (db *DB) RecordChange(runID, scenario string, pair int, r yieldchange.ChangeRecord) error {
	return db.RecordChanges(runID, scenario, pair, []yieldchange.ChangeRecord{r})
}

// RecordChanges stores the change records of a file pair in a single
// transaction.
func (db *DB) RecordChanges(runID, scenario string, pair int, records []yieldchange.ChangeRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO changes (run_id, scenario, pair, crop_group, year, country, iso3, change)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		change := sql.NullFloat64{Float64: r.Change, Valid: !math.IsNaN(r.Change)}
		if _, err := stmt.Exec(runID, scenario, pair, r.Group, r.Year, r.Country, r.ISO3, change); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Recorder returns a function that stores the records of run runID,
// suitable for use as yieldchange.Config.OnRecord. Storage errors are
// passed to onError.
func (db *DB) Recorder(runID string, onError func(error)) func(string, int, []yieldchange.ChangeRecord) {
	return func(scenario string, pair int, records []yieldchange.ChangeRecord) {
		if err := db.RecordChanges(runID, scenario, pair, records); err != nil && onError != nil {
			onError(err)
		}
	}
}

// Changes returns the changes stored for the given run and scenario,
// ordered by pair, country, ISO3 code, group, and year. Undefined
// changes are returned as NaN.
func (db *DB) Changes(runID, scenario string) ([]Change, error) {
	rows, err := db.Query(`SELECT pair, crop_group, year, country, iso3, change FROM changes
		WHERE run_id = ? AND scenario = ?
		ORDER BY pair, country, iso3, crop_group, year`, runID, scenario)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		c := Change{RunID: runID, Scenario: scenario}
		var v sql.NullFloat64
		if err := rows.Scan(&c.Pair, &c.Group, &c.Year, &c.Country, &c.ISO3, &v); err != nil {
			return nil, err
		}
		c.Change = math.NaN()
		if v.Valid {
			c.Change = v.Float64
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

// Runs returns the identifiers of the stored runs, oldest first.
func (db *DB) Runs() ([]string, error) {
	rows, err := db.Query("SELECT run_id FROM runs ORDER BY started, rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}
