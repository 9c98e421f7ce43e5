package pricing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/observability"
)

// Holder publishes the current snapshot to concurrent pricing calls. Readers
// get a pointer to an immutable snapshot; Store swaps it atomically.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder with an initial snapshot
func NewHolder(initial *Snapshot) (*Holder, error) {
	h := &Holder{}
	if err := h.Store(initial); err != nil {
		return nil, err
	}
	return h, nil
}

// Load returns the current snapshot
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Store validates and publishes a new snapshot
func (h *Holder) Store(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", billing.ErrInvalidPlanConfiguration)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.LoadedAt.IsZero() {
		s.LoadedAt = time.Now().UTC()
	}
	h.current.Store(s)
	return nil
}

// Price prices plan against the current snapshot
func (h *Holder) Price(plan billing.PlanParams, group *billing.PromoGroup, tier *billing.DiscountTier, periodDays int) (*Quote, error) {
	return Price(h.Load(), plan, group, tier, periodDays)
}

// Parse decodes a YAML pricing file
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parse pricing: %v", billing.ErrInvalidPlanConfiguration, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and parses a YAML pricing file
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return Parse(data)
}

// Watcher reloads a pricing file into a Holder when it changes on disk. An
// invalid file is logged and ignored; the previous snapshot stays current.
type Watcher struct {
	path     string
	holder   *Holder
	logger   *observability.Logger
	metrics  *observability.Metrics
	debounce time.Duration
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, holder *Holder, logger *observability.Logger, metrics *observability.Metrics) *Watcher {
	return &Watcher{
		path:     path,
		holder:   holder,
		logger:   logger.WithField("component", "pricing_watcher").WithField("path", path),
		metrics:  metrics,
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until ctx is done. The parent directory is watched so editors
// that replace the file by rename are handled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("pricing watcher error")
		}
	}
}

func (w *Watcher) reload() {
	snap, err := LoadFile(w.path)
	if err == nil {
		err = w.holder.Store(snap)
	}
	if err != nil {
		w.metrics.RecordPricingReload("invalid")
		w.logger.WithError(err).Error("pricing reload rejected, keeping previous snapshot")
		return
	}
	w.metrics.RecordPricingReload("ok")
	w.logger.WithField("version", snap.Version).Info("pricing snapshot reloaded")
}
