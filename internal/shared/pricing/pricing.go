// Package pricing loads the model price table C3 CostCalculator consumes
// from a JSON file and keeps it current via SIGHUP or a periodic poll,
// per SPEC_FULL.md's Open Question decision: the table is read-mostly
// configuration, swapped behind an atomic.Pointer rather than re-read on
// every request.
//
// Grounded on the teacher's config.Load (encoding/json-free, env-only) and
// the admin bootstrap idiom described in SPEC_FULL.md: a small JSON file
// read once at startup and thereafter reloaded on an operator signal.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// entry is the on-disk shape of one price-table row.
type entry struct {
	Model                string  `json:"model"`
	InputPer1kTokens     float64 `json:"inputPer1kTokens"`
	OutputPer1kTokens    float64 `json:"outputPer1kTokens"`
	CacheCreatePer1kUnit float64 `json:"cacheCreatePer1kUnit"`
	CacheReadPer1kUnit   float64 `json:"cacheReadPer1kUnit"`
}

// Table is a hot-swappable model->pricing map satisfying cost.PriceTable.
type Table struct {
	path    string
	log     *logger.Logger
	current atomic.Pointer[map[string]models.ModelPricing]
}

// Load reads path once and returns a Table ready to serve Lookup calls.
func Load(path string, log *logger.Logger) (*Table, error) {
	t := &Table{path: path, log: log}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup implements cost.PriceTable.
func (t *Table) Lookup(model string) (models.ModelPricing, bool) {
	prices := *t.current.Load()
	p, ok := prices[model]
	return p, ok
}

// Watch reloads the table on SIGHUP and on every tick of interval,
// whichever comes first, until stop is closed. Parse failures keep the
// previously loaded table and are logged, never panic the process.
func (t *Table) Watch(interval time.Duration, stop <-chan struct{}) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-sighup:
			t.tryReload()
		case <-ticker.C:
			t.tryReload()
		}
	}
}

func (t *Table) tryReload() {
	if err := t.reload(); err != nil {
		t.log.Error("price table reload from %s failed, keeping previous table: %v", t.path, err)
	}
}

func (t *Table) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read price table: %w", err)
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse price table: %w", err)
	}

	prices := make(map[string]models.ModelPricing, len(entries))
	for _, e := range entries {
		prices[e.Model] = models.ModelPricing{
			Model:                e.Model,
			InputPer1kTokens:     e.InputPer1kTokens,
			OutputPer1kTokens:    e.OutputPer1kTokens,
			CacheCreatePer1kUnit: e.CacheCreatePer1kUnit,
			CacheReadPer1kUnit:   e.CacheReadPer1kUnit,
		}
	}

	t.current.Store(&prices)
	return nil
}
