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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/cheggaaa/pb"
	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/spatialmodel/yieldchange/internal/hash"
)

// CropGroup is a named crop whose yield is the sum of a rainfed and an
// irrigated component.
type CropGroup struct {
	Name               string
	Rainfed, Irrigated string
}

// FilePair is one realization of a scenario: a crop dataset and a
// grass dataset.
type FilePair struct {
	Crop, Grass string
}

// Scenario is a named perturbed-climate simulation with one or more
// realizations.
type Scenario struct {
	Name  string
	Pairs []FilePair
}

// Config holds the settings of a Processor.
type Config struct {
	// ControlCropFiles and ControlGrassFiles are the control
	// realizations that scenario changes are calculated against.
	ControlCropFiles, ControlGrassFiles []string

	// CropAggregation lists the crop groups to process, in order.
	CropAggregation []CropGroup

	// EPSG is the equal-area CRS that country totals are calculated
	// in. The default is 6933.
	EPSG int

	// SourceEPSG is the CRS of the input datasets. The default is 4326.
	SourceEPSG int

	// Years is the number of years to process. The default is 10.
	Years int

	// DownscaleFactor is the resolution refinement factor applied
	// before reprojection. The default is 10.
	DownscaleFactor int

	// NaNPolicy specifies how NaN changes are averaged.
	NaNPolicy NaNPolicy

	// Variable is the name of the yield variable in the datasets.
	// The default is "yield".
	Variable string

	// Concurrency is the maximum number of control realizations and
	// countries processed at once. The default is GOMAXPROCS.
	Concurrency int

	// CacheSize is the number of control datasets whose country
	// totals are kept in memory. The default is 1000.
	CacheSize int

	// Progress, if not nil, receives progress bars.
	Progress io.Writer

	// Log receives log messages. The default is the logrus
	// standard logger.
	Log logrus.FieldLogger

	// OnRecord, if not nil, is called once per file pair with the
	// realization-averaged change records of the pair, along with the
	// scenario name and the zero-based index of the pair.
	OnRecord func(scenario string, pair int, records []ChangeRecord)
}

func (c *Config) setDefaults() {
	if c.EPSG == 0 {
		c.EPSG = 6933
	}
	if c.SourceEPSG == 0 {
		c.SourceEPSG = 4326
	}
	if c.Years == 0 {
		c.Years = 10
	}
	if c.DownscaleFactor == 0 {
		c.DownscaleFactor = 10
	}
	if c.Variable == "" {
		c.Variable = "yield"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.GOMAXPROCS(-1)
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
}

// track is the kind of dataset in a file pair.
type track int

const (
	cropTrack track = iota
	grassTrack
)

func (t track) String() string {
	if t == cropTrack {
		return "crop"
	}
	return "grass"
}

// grassGroup is the single group of the grass track, which sums all
// grass types.
var grassGroup = CropGroup{Name: "grasses"}

// Processor calculates country-level yield changes for scenarios.
// It is safe for concurrent use.
type Processor struct {
	cfg       Config
	countries *Countries
	target    *CRS

	controlInit  sync.Once
	controlCache *requestcache.Cache

	maskMx sync.Mutex
	masks  map[string]*maskEntry
}

type maskEntry struct {
	once sync.Once
	m    *Mask
	err  error
}

// NewProcessor returns a Processor using the given configuration and
// country boundaries, which must be in the CRS specified by cfg.EPSG.
func NewProcessor(cfg *Config, countries *Countries) (*Processor, error) {
	p := &Processor{
		cfg:       *cfg,
		countries: countries,
		masks:     make(map[string]*maskEntry),
	}
	p.cfg.setDefaults()
	if p.cfg.Years < 0 {
		return nil, fmt.Errorf("yieldchange: invalid number of years %d", p.cfg.Years)
	}
	if p.cfg.DownscaleFactor < 1 {
		return nil, fmt.Errorf("yieldchange: invalid downscaling factor %d", p.cfg.DownscaleFactor)
	}
	var err error
	if p.target, err = EPSG(p.cfg.EPSG); err != nil {
		return nil, err
	}
	if _, err = EPSG(p.cfg.SourceEPSG); err != nil {
		return nil, err
	}
	if countries == nil || countries.Len() == 0 {
		return nil, fmt.Errorf("yieldchange: no country boundaries")
	}
	if !countries.CRS.Equal(p.target) {
		return nil, fmt.Errorf("yieldchange: country boundaries are in %v but the working CRS is %v",
			countries.CRS, p.target)
	}
	return p, nil
}

// ScenarioResult holds the change tables of a scenario.
type ScenarioResult struct {
	Name string

	// Tables holds one table per file pair. The table of a pair
	// whose crop and grass datasets both failed is nil.
	Tables []*Table

	// Ensemble is the mean of Tables, or nil if fewer than two
	// pairs produced a table.
	Ensemble *Table
}

// ProcessScenario calculates the change tables for s.
func (p *Processor) ProcessScenario(ctx context.Context, s Scenario) (*ScenarioResult, error) {
	log := p.cfg.Log.WithField("scenario", s.Name)
	if len(s.Pairs) == 0 {
		return nil, fmt.Errorf("yieldchange: scenario %s has no files", s.Name)
	}
	res := &ScenarioResult{Name: s.Name, Tables: make([]*Table, len(s.Pairs))}
	var done []*Table
	for i, pair := range s.Pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plog := log.WithField("pair", i+1)
		var t *Table
		var recs []ChangeRecord
		for _, tr := range []struct {
			track
			path string
		}{{cropTrack, pair.Crop}, {grassTrack, pair.Grass}} {
			tt, trecs, err := p.processTrack(ctx, s.Name, i, tr.track, tr.path)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				plog.WithFields(logrus.Fields{
					"track": tr.track.String(),
					"file":  tr.path,
				}).Warnf("skipping track: %v", err)
				continue
			}
			recs = append(recs, trecs...)
			if t == nil {
				t = tt
			} else {
				t = t.OuterJoin(tt)
			}
		}
		if len(recs) > 0 && p.cfg.OnRecord != nil {
			p.cfg.OnRecord(s.Name, i, recs)
		}
		if t == nil {
			plog.Error("no results for file pair")
			continue
		}
		res.Tables[i] = t
		done = append(done, t)
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("yieldchange: scenario %s produced no results", s.Name)
	}
	if len(done) > 1 {
		res.Ensemble = MeanTables(done, p.cfg.NaNPolicy)
	}
	return res, nil
}

func (p *Processor) trackSetup(tr track) ([]string, []CropGroup) {
	if tr == cropTrack {
		return p.cfg.ControlCropFiles, p.cfg.CropAggregation
	}
	return p.cfg.ControlGrassFiles, []CropGroup{grassGroup}
}

// processTrack calculates the change table and records of one dataset
// against all control realizations of its track.
func (p *Processor) processTrack(ctx context.Context, scenario string, pair int, tr track, path string) (*Table, []ChangeRecord, error) {
	controls, groups := p.trackSetup(tr)
	if len(controls) == 0 {
		return nil, nil, fmt.Errorf("no %s control files", tr)
	}
	if len(groups) == 0 {
		return nil, nil, fmt.Errorf("no %s groups", tr)
	}
	steps := len(groups) * p.cfg.Years
	bar := p.newBar(fmt.Sprintf("%s %d %s", scenario, pair+1, tr), (len(controls)+1)*steps)
	if bar != nil {
		defer bar.Finish()
	}
	ctrl := make([]*totals, len(controls))
	ctrlErr := make([]error, len(controls))
	var eg errgroup.Group
	eg.SetLimit(p.cfg.Concurrency)
	for i, c := range controls {
		i, c := i, c
		eg.Go(func() error {
			ctrl[i], ctrlErr[i] = p.controlTotals(ctx, tr, c, groups, bar)
			return nil
		})
	}
	eg.Wait()
	for i, err := range ctrlErr {
		if err != nil {
			return nil, nil, fmt.Errorf("control %s: %w", controls[i], err)
		}
	}
	if bar != nil {
		// Cached controls do not advance the bar.
		bar.Set(len(controls) * steps)
	}
	st, err := p.datasetTotals(ctx, path, groups, bar)
	if err != nil {
		return nil, nil, err
	}

	log := p.cfg.Log.WithFields(logrus.Fields{"scenario": scenario, "pair": pair + 1})
	t := NewTable()
	var out []ChangeRecord
	for gi, grp := range groups {
		for y := 0; y < p.cfg.Years; y++ {
			glog := log.WithFields(logrus.Fields{"group": grp.Name, "year": y + 1})
			if err := st.errs[gi][y]; err != nil {
				glog.Warnf("skipping: %v", err)
				if errors.Is(err, ErrComponentNotFound) {
					break
				}
				continue
			}
			var recs []ChangeRecord
			for ci, c := range ctrl {
				if err := c.errs[gi][y]; err != nil {
					glog.WithField("control", controls[ci]).Warnf("skipping control: %v", err)
					continue
				}
				for k, country := range p.countries.list {
					s, ok := st.sums[gi][y].get(k)
					if !ok {
						continue
					}
					cs, ok := c.sums[gi][y].get(k)
					if !ok {
						continue
					}
					recs = append(recs, ChangeRecord{
						Country: country.Name,
						ISO3:    country.ISO3,
						Group:   grp.Name,
						Year:    y + 1,
						Change:  PercentageChange(s, cs),
					})
				}
			}
			avg := AverageRealizations(recs, p.cfg.NaNPolicy)
			for _, r := range avg {
				t.Set(r.ISO3, r.Country, ColumnName(r.Group, r.Year), r.Change)
			}
			out = append(out, avg...)
		}
	}
	return t, out, nil
}

// totals holds the country totals of a dataset for each group and
// year.
type totals struct {
	sums [][]countrySums
	errs [][]error
}

// countrySums holds a total for each country by its position in the
// country list. ok is false for countries that could not be processed.
type countrySums struct {
	v  []float64
	ok []bool
}

func (s countrySums) get(k int) (float64, bool) {
	if k >= len(s.ok) || !s.ok[k] {
		return 0, false
	}
	return s.v[k], true
}

type totalsRequest struct {
	path   string
	groups []CropGroup
	bar    *pb.ProgressBar
}

// newBar returns a started progress bar, or nil if progress is not
// shown.
func (p *Processor) newBar(prefix string, total int) *pb.ProgressBar {
	if p.cfg.Progress == nil {
		return nil
	}
	bar := pb.New(total)
	bar.Output = p.cfg.Progress
	bar.ShowPercent = true
	bar.Prefix(prefix + " ")
	return bar.Start()
}

// controlTotals returns the totals of a control dataset, which are
// calculated once and shared among scenarios.
func (p *Processor) controlTotals(ctx context.Context, tr track, path string, groups []CropGroup, bar *pb.ProgressBar) (*totals, error) {
	p.controlInit.Do(func() {
		p.controlCache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			r := request.(totalsRequest)
			return p.datasetTotals(ctx, r.path, r.groups, r.bar)
		}, p.cfg.Concurrency, requestcache.Deduplicate(), requestcache.Memory(p.cfg.CacheSize))
	})
	req := p.controlCache.NewRequest(ctx, totalsRequest{path: path, groups: groups, bar: bar},
		fmt.Sprintf("%s_%s", tr, path))
	result, err := req.Result()
	if err != nil {
		return nil, err
	}
	return result.(*totals), nil
}

// datasetTotals reads a dataset and calculates the total yield in each
// country for every group and year. Errors for individual groups and
// years are recorded in the output rather than returned. bar, if not
// nil, is advanced once per group and year.
func (p *Processor) datasetTotals(ctx context.Context, path string, groups []CropGroup, bar *pb.ProgressBar) (*totals, error) {
	log := p.cfg.Log.WithField("file", path)
	g, err := OpenDataset(path, p.cfg.Variable)
	if err != nil {
		return nil, err
	}
	g = NormalizeLongitude(g)

	t := &totals{
		sums: make([][]countrySums, len(groups)),
		errs: make([][]error, len(groups)),
	}
	for gi, grp := range groups {
		t.sums[gi] = make([]countrySums, p.cfg.Years)
		t.errs[gi] = make([]error, p.cfg.Years)
		for y := 0; y < p.cfg.Years; y++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ylog := log.WithFields(logrus.Fields{"group": grp.Name, "year": y + 1})
			f, err := p.field(g, grp, y, ylog)
			if err != nil {
				t.errs[gi][y] = err
			} else {
				t.sums[gi][y] = p.countryTotals(f, ylog)
			}
			if bar != nil {
				bar.Increment()
			}
		}
	}
	return t, nil
}

// field prepares the yield field of one group and year for zonal
// summation.
func (p *Processor) field(g *Grid, grp CropGroup, year int, log logrus.FieldLogger) (*Grid, error) {
	var f *Grid
	var err error
	if grp.Rainfed == "" && grp.Irrigated == "" {
		f, err = AggregateAll(g, year)
	} else {
		f, err = AggregateComponents(g, grp.Rainfed, grp.Irrigated, year)
	}
	if err != nil {
		return nil, err
	}
	if f, err = AssignCRS(f, p.cfg.SourceEPSG, log); err != nil {
		return nil, err
	}
	if f, err = Downscale(f, p.cfg.DownscaleFactor, log); err != nil {
		return nil, err
	}
	return Reproject(f, p.target)
}

// gridGeometry identifies the cell layout of a grid.
type gridGeometry struct {
	Y, X []float64
	CRS  string
}

// countryTotals sums f within each country. Countries that cannot be
// processed are left out of the output.
func (p *Processor) countryTotals(f *Grid, log logrus.FieldLogger) countrySums {
	key := hash.Hash(gridGeometry{Y: f.Y, X: f.X, CRS: f.CRS.String()})
	n := p.countries.Len()
	sums := countrySums{v: make([]float64, n), ok: make([]bool, n)}
	overlap := make([]bool, n)
	for _, c := range p.countries.Overlapping(f.Bounds()) {
		overlap[c.idx] = true
	}
	var eg errgroup.Group
	eg.SetLimit(p.cfg.Concurrency)
	for _, c := range p.countries.list {
		c := c
		clog := log.WithField("country", c.Name)
		if !overlap[c.idx] {
			clog.Debug("no data within the bounds of the country geometry")
			sums.ok[c.idx] = true
			continue
		}
		// Each goroutine writes only the elements of its own country.
		eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					clog.Errorf("could not process country: %v", r)
				}
			}()
			m, err := p.mask(key, f, c)
			if err != nil {
				clog.Errorf("could not process country: %v", err)
				return nil
			}
			if !m.Covered() {
				clog.Debug("no data within the bounds of the country geometry")
			}
			s, err := m.Sum(f)
			if err != nil {
				clog.Errorf("could not process country: %v", err)
				return nil
			}
			sums.v[c.idx], sums.ok[c.idx] = s, true
			return nil
		})
	}
	eg.Wait()
	return sums
}

// mask returns the mask of country c over grids with the geometry
// identified by key, calculating it if necessary. A failed calculation
// is not retried.
func (p *Processor) mask(key string, f *Grid, c *Country) (*Mask, error) {
	k := fmt.Sprintf("%s_%d", key, c.idx)
	p.maskMx.Lock()
	e, ok := p.masks[k]
	if !ok {
		e = new(maskEntry)
		p.masks[k] = e
	}
	p.maskMx.Unlock()
	e.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				e.err = fmt.Errorf("calculating mask: %v", r)
			}
		}()
		e.m = NewMask(f, c)
	})
	return e.m, e.err
}

// Sink receives output tables.
type Sink interface {
	WriteTable(ctx context.Context, name string, t *Table) error
}

// DirSink writes tables as CSV files in a local directory, which is
// created if it does not exist.
type DirSink string

// WriteTable implements Sink.
func (d DirSink) WriteTable(ctx context.Context, name string, t *Table) error {
	if err := os.MkdirAll(string(d), 0755); err != nil {
		return fmt.Errorf("yieldchange: creating output directory: %v", err)
	}
	f, err := os.Create(filepath.Join(string(d), name))
	if err != nil {
		return fmt.Errorf("yieldchange: creating output file: %v", err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// OutputName returns the file name of the table of the zero-based file
// pair index of a scenario.
func OutputName(scenario string, pair int) string {
	return fmt.Sprintf("output_%s_crops_and_grasses_%d.csv", scenario, pair+1)
}

// EnsembleOutputName returns the file name of the ensemble table of a
// scenario.
func EnsembleOutputName(scenario string) string {
	return fmt.Sprintf("output_%s_crops_and_grasses_aggregated.csv", scenario)
}

// FailedScenariosError is returned by Run when scenarios fail.
type FailedScenariosError struct {
	Scenarios []string
}

func (e *FailedScenariosError) Error() string {
	return "yieldchange: failed scenarios: " + strings.Join(e.Scenarios, ", ")
}

// Run processes the scenarios in order and writes their tables to out.
// A scenario that fails is logged and skipped, and a
// *FailedScenariosError is returned after all scenarios have been
// attempted.
func (p *Processor) Run(ctx context.Context, scenarios []Scenario, out Sink) error {
	var failed []string
	for _, s := range scenarios {
		log := p.cfg.Log.WithField("scenario", s.Name)
		log.Info("processing scenario")
		if err := p.runScenario(ctx, s, out, log); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Errorf("scenario failed: %v", err)
			failed = append(failed, s.Name)
		}
	}
	if len(failed) > 0 {
		return &FailedScenariosError{Scenarios: failed}
	}
	return nil
}

func (p *Processor) runScenario(ctx context.Context, s Scenario, out Sink, log logrus.FieldLogger) error {
	res, err := p.ProcessScenario(ctx, s)
	if err != nil {
		return err
	}
	for i, t := range res.Tables {
		if t == nil {
			continue
		}
		name := OutputName(s.Name, i)
		if err := out.WriteTable(ctx, name, t); err != nil {
			return err
		}
		log.WithField("file", name).Info("saved results")
	}
	if res.Ensemble != nil {
		name := EnsembleOutputName(s.Name)
		if err := out.WriteTable(ctx, name, res.Ensemble); err != nil {
			return err
		}
		log.WithField("file", name).Info("saved aggregated results")
	}
	return nil
}
