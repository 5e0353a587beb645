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

// Package yieldutil provides the command-line interface of yieldchange.
package yieldutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/yieldchange"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information and the command tree.
type Cfg struct {
	*viper.Viper

	// Root is the main command.
	Root *cobra.Command

	runCmd, versionCmd, countriesCmd *cobra.Command

	options []option

	log     *logrus.Logger
	logFile *os.File
}

type option struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

// InitializeConfig creates a new command tree with its configuration
// options.
func InitializeConfig() *Cfg {
	cfg := &Cfg{
		Viper: viper.New(),
		log:   logrus.New(),
	}

	cfg.Root = &cobra.Command{
		Use:   "yieldchange",
		Short: "Country-level crop and grass yield changes.",
		Long: `yieldchange calculates the percentage change in crop and grass yields
of perturbed climate scenarios relative to control simulations, for every
country in a boundary file.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'YIELDCHANGE_var' where 'var' is the
name of the variable to be set. File paths are allowed to contain environment
variables and may be http(s):// URLs or gs://, s3:// or file:// blob URLs.`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.setConfig(); err != nil {
				return err
			}
			return cfg.setLog(cmd)
		},
	}

	cfg.versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  "version prints the version number of this version of yieldchange.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "yieldchange v%s\n", yieldchange.Version)
		},
		DisableAutoGenTag: true,
	}

	cfg.runCmd = &cobra.Command{
		Use:   "run",
		Short: "Calculate yield changes.",
		Long: `run calculates country yield changes for the configured scenarios and
writes one table per crop and grass file pair of each scenario, plus an
averaged table for scenarios with more than one pair.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer cfg.closeLog()
			return cfg.run(cmd.Context(), cmd)
		},
		DisableAutoGenTag: true,
	}

	cfg.countriesCmd = &cobra.Command{
		Use:   "countries",
		Short: "List the country boundaries.",
		Long: `countries lists the ISO3 code and name, after renaming, of each country
in the boundary file. Names listed here are the ones used in the output tables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer cfg.closeLog()
			return cfg.countries(cmd.Context(), cmd)
		},
		DisableAutoGenTag: true,
	}

	runFlags := cfg.runCmd.Flags()
	countriesFlags := cfg.countriesCmd.Flags()

	// Options are the configuration options available to yieldchange.
	cfg.options = []option{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "log_level",
			usage: `
              log_level is the minimum level of log messages: one of
              debug, info, warning, or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "log_file",
			usage: `
              log_file, if not empty, is a file that log messages are
              appended to in addition to standard error.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "control_crop_files",
			usage: `
              control_crop_files are the control crop datasets that crop
              yield changes are calculated against.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "control_grass_files",
			usage: `
              control_grass_files are the control grass datasets that grass
              yield changes are calculated against.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "scenario_names",
			usage: `
              scenario_names restricts the run to the named scenarios.
              Scenarios themselves, each with a name, crop_files and
              grass_files, are listed in the 'scenarios' variable of the
              configuration file. If scenario_names is empty, all
              scenarios are run.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "shapefile_path",
			usage: `
              shapefile_path is the country boundary file, as an ESRI shapefile
              or a GeoJSON FeatureCollection.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runFlags, countriesFlags},
		},
		{
			name: "country_name_field",
			usage: `
              country_name_field is the boundary attribute holding country names.`,
			defaultVal: "COUNTRY",
			flagsets:   []*pflag.FlagSet{runFlags, countriesFlags},
		},
		{
			name: "country_iso_field",
			usage: `
              country_iso_field is the boundary attribute holding ISO3 codes.`,
			defaultVal: "ISO",
			flagsets:   []*pflag.FlagSet{runFlags, countriesFlags},
		},
		{
			name: "country_mapping",
			usage: `
              country_mapping maps country names in the boundary file to the
              names used in the output.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{runFlags, countriesFlags},
		},
		{
			name: "crop_aggregation",
			usage: `
              crop_aggregation maps each crop group to the names of its
              rainfed and irrigated components, for example
              {"corn": ["maize_rf", "maize_ir"]}. Groups are processed in
              sorted order. Alternatively, it is a list of objects with
              name, rainfed and irrigated fields, processed in the listed order.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "epsg",
			usage: `
              epsg is the EPSG code of the equal-area coordinate reference
              system that country totals are calculated in.`,
			defaultVal: 6933,
			flagsets:   []*pflag.FlagSet{runFlags, countriesFlags},
		},
		{
			name: "source_epsg",
			usage: `
              source_epsg is the EPSG code of the coordinate reference system
              of the input datasets.`,
			defaultVal: 4326,
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "crs_definitions",
			usage: `
              crs_definitions maps additional EPSG codes to proj4 definitions.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{runFlags, countriesFlags},
		},
		{
			name: "years",
			usage: `
              years is the number of years to process.`,
			defaultVal: 10,
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "downscale_factor",
			usage: `
              downscale_factor is the factor that grid resolution is refined
              by before reprojection.`,
			defaultVal: 10,
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "nan_policy",
			usage: `
              nan_policy specifies how undefined changes are averaged across
              realizations: 'propagate' makes the average undefined and 'skip'
              averages the defined changes only. 'skip' matches averaging
              with missing values dropped, as pandas does by default.`,
			defaultVal: "propagate",
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "variable",
			usage: `
              variable is the name of the yield variable in the datasets.`,
			defaultVal: "yield",
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "output_dir",
			usage: `
              output_dir is the directory or blob storage location that
              output tables are written to.`,
			shorthand:  "o",
			defaultVal: "data/processed",
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "results_db",
			usage: `
              results_db, if not empty, is a SQLite database that every
              change is also stored in.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "manifest",
			usage: `
              manifest specifies whether to write a run manifest to the
              output location.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "concurrency",
			usage: `
              concurrency is the maximum number of datasets and countries
              processed at once. If it is 0, the number of processors is used.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "cache_size",
			usage: `
              cache_size is the number of control datasets whose country
              totals are kept in memory.`,
			defaultVal: 1000,
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "progress",
			usage: `
              progress specifies whether to show progress bars.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runFlags},
		},
		{
			name: "shp",
			usage: `
              shp, if not empty, is a shapefile that the country boundaries
              are written to, in the coordinate reference system given by epsg.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{countriesFlags},
		},
	}

	// Set the prefix for configuration environment variables.
	cfg.SetEnvPrefix("YIELDCHANGE")
	cfg.AutomaticEnv()

	for _, option := range cfg.options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, v, option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(v)
				set.StringP(option.name, option.shorthand, strings.TrimSpace(b.String()), option.usage)
			default:
				panic("invalid argument type")
			}
		}
		cfg.BindPFlag(option.name, option.flagsets[0].Lookup(option.name))
	}

	cfg.Root.AddCommand(cfg.versionCmd, cfg.runCmd, cfg.countriesCmd)
	return cfg
}

// setConfig finds and reads in the configuration file, if there is one.
func (cfg *Cfg) setConfig() error {
	if cfgpath := cfg.GetString("config"); cfgpath != "" {
		cfg.SetConfigFile(os.ExpandEnv(cfgpath))
		if err := cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("yieldutil: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// setLog configures the logger from the log_level and log_file
// options.
func (cfg *Cfg) setLog(cmd *cobra.Command) error {
	level, err := logrus.ParseLevel(cfg.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("yieldutil: %v", err)
	}
	cfg.log.SetLevel(level)
	cfg.log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})
	var out io.Writer = cmd.ErrOrStderr()
	if path := os.ExpandEnv(cfg.GetString("log_file")); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("yieldutil: creating log directory: %v", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("yieldutil: opening log file: %v", err)
		}
		cfg.logFile = f
		out = io.MultiWriter(out, f)
	}
	cfg.log.SetOutput(out)
	return nil
}

func (cfg *Cfg) closeLog() {
	if cfg.logFile != nil {
		cfg.log.SetOutput(os.Stderr)
		cfg.logFile.Close()
		cfg.logFile = nil
	}
}
