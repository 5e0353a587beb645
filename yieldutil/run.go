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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/yieldchange"
	"github.com/spatialmodel/yieldchange/resultsdb"
	"github.com/spf13/cobra"
)

// run runs the yield change calculation as configured.
func (cfg *Cfg) run(ctx context.Context, cmd *cobra.Command) error {
	m := &Manifest{
		RunID:   uuid.New().String(),
		Version: yieldchange.Version,
		Start:   time.Now().UTC(),
	}
	log := cfg.log.WithField("run", m.RunID)
	f := newFetcher(log)
	defer func() {
		if err := f.cleanup(); err != nil {
			log.Warnf("removing downloaded files: %v", err)
		}
	}()

	if err := registerCRSDefinitions(cfg.Viper); err != nil {
		return err
	}
	countries, err := cfg.loadCountries(ctx, f)
	if err != nil {
		return err
	}
	c, err := processorConfig(ctx, cfg.Viper, f)
	if err != nil {
		return err
	}
	c.Log = log
	if cfg.GetBool("progress") {
		c.Progress = cmd.ErrOrStderr()
	}

	specs, err := scenarioConfigs(cfg.Viper)
	if err != nil {
		return err
	}
	scenarios := make([]yieldchange.Scenario, 0, len(specs))
	for _, s := range specs {
		sc, err := s.scenario(ctx, f, log)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, sc)
		m.Scenarios = append(m.Scenarios, sc.Name)
	}

	sink, err := openSink(ctx, cfg.GetString("output_dir"))
	if err != nil {
		return err
	}

	if path := os.ExpandEnv(cfg.GetString("results_db")); path != "" {
		db, err := resultsdb.NewDB(path)
		if err != nil {
			return fmt.Errorf("yieldutil: opening results database: %v", err)
		}
		defer db.Close()
		if err := db.StartRun(m.RunID); err != nil {
			return fmt.Errorf("yieldutil: registering run in results database: %v", err)
		}
		c.OnRecord = db.Recorder(m.RunID, func(err error) {
			log.Errorf("storing result: %v", err)
		})
	}

	p, err := yieldchange.NewProcessor(c, countries)
	if err != nil {
		return err
	}
	runErr := p.Run(ctx, scenarios, sink)
	m.End = time.Now().UTC()
	m.Outputs = sink.Written()
	var failed *yieldchange.FailedScenariosError
	if errors.As(runErr, &failed) {
		m.Failed = failed.Scenarios
	}
	log.WithFields(logrus.Fields{
		"elapsed": m.End.Sub(m.Start),
		"outputs": len(m.Outputs),
	}).Info("run finished")

	if cfg.GetBool("manifest") && ctx.Err() == nil {
		m.Config = cfg.manifestConfig()
		if err := m.write(ctx, sink); err != nil {
			log.Errorf("writing manifest: %v", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	return runErr
}

// countries lists the country boundaries and optionally writes them
// to a shapefile.
func (cfg *Cfg) countries(ctx context.Context, cmd *cobra.Command) error {
	f := newFetcher(cfg.log)
	defer f.cleanup()
	if err := registerCRSDefinitions(cfg.Viper); err != nil {
		return err
	}
	countries, err := cfg.loadCountries(ctx, f)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, c := range countries.List() {
		fmt.Fprintf(w, "%s\t%s\n", c.ISO3, c.Name)
	}
	if path := os.ExpandEnv(cfg.GetString("shp")); path != "" {
		if err := countries.WriteShp(path); err != nil {
			return err
		}
		cfg.log.WithField("file", path).Info("saved country boundaries")
	}
	return nil
}

// loadCountries loads the country boundaries in the working CRS.
func (cfg *Cfg) loadCountries(ctx context.Context, f *fetcher) (*yieldchange.Countries, error) {
	path := cfg.GetString("shapefile_path")
	if path == "" {
		return nil, fmt.Errorf("yieldutil: shapefile_path is not specified")
	}
	local, err := f.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	opts, err := countryOptions(cfg.Viper)
	if err != nil {
		return nil, err
	}
	target, err := yieldchange.EPSG(cfg.GetInt("epsg"))
	if err != nil {
		return nil, err
	}
	countries, err := yieldchange.LoadCountries(local, opts, target)
	if err != nil {
		return nil, err
	}
	cfg.log.WithField("countries", countries.Len()).Info("loaded country boundaries")
	return countries, nil
}
