// Package devicemodels provides the device model catalog: the stock models
// shipped with the binary plus custom models kept in storage.
package devicemodels

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/arloliu/fuda"
	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/storage"
)

//go:embed data/*.yaml
var stockFS embed.FS

// ErrInvalidModel is returned when a device model fails validation.
var ErrInvalidModel = errors.New("devicesim: invalid device model")

// ErrStockModel is returned when a write targets a stock model.
var ErrStockModel = errors.New("devicesim: stock device models are read-only")

// Catalog looks up device models. Stock models take precedence over custom
// models with the same id. Returned models are copies the caller may modify.
type Catalog struct {
	store storage.Engine
	log   zerolog.Logger
	stock map[string]*model.DeviceModel
}

// New loads the stock models. store holds the custom models and may be nil
// for a stock-only catalog.
func New(store storage.Engine, logger zerolog.Logger) (*Catalog, error) {
	stock, err := loadStock()
	if err != nil {
		return nil, err
	}

	return &Catalog{store: store, log: logger, stock: stock}, nil
}

func loadStock() (map[string]*model.DeviceModel, error) {
	entries, err := fs.ReadDir(stockFS, "data")
	if err != nil {
		return nil, fmt.Errorf("read stock models: %w", err)
	}

	out := make(map[string]*model.DeviceModel, len(entries))
	for _, e := range entries {
		data, err := stockFS.ReadFile(path.Join("data", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read stock model %s: %w", e.Name(), err)
		}
		m, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("stock model %s: %w", e.Name(), err)
		}
		out[m.ID] = m
	}

	return out, nil
}

// Parse reads a YAML or JSON device model and validates it.
func Parse(data []byte) (*model.DeviceModel, error) {
	var m model.DeviceModel
	if err := fuda.LoadBytes(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks the fields every simulation relies on.
func Validate(m *model.DeviceModel) error {
	var errs []error
	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.ContainsAny(m.ID, "#. ") {
		errs = append(errs, fmt.Errorf("id %q must not contain '#', '.' or spaces", m.ID))
	}
	switch m.Protocol {
	case model.ProtocolAMQP, model.ProtocolMQTT, model.ProtocolHTTP:
	default:
		errs = append(errs, fmt.Errorf("unknown protocol %q", m.Protocol))
	}
	if m.Simulation.Interval < 0 {
		errs = append(errs, errors.New("simulation interval must not be negative"))
	}
	for i, t := range m.Telemetry {
		if t.Interval < 0 {
			errs = append(errs, fmt.Errorf("telemetry %d: interval must not be negative", i))
		}
		if t.MessageSchema == "" {
			errs = append(errs, fmt.Errorf("telemetry %d: messageSchema is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidModel, m.ID, errors.Join(errs...))
	}

	return nil
}

// Get returns a copy of the model. Unknown ids yield model.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id string) (*model.DeviceModel, error) {
	if m, ok := c.stock[id]; ok {
		return m.Clone(), nil
	}
	if c.store == nil {
		return nil, fmt.Errorf("device model %s: %w", id, model.ErrNotFound)
	}

	var m model.DeviceModel
	etag, err := storage.GetJSON(ctx, c.store, storage.DeviceModels, id, &m)
	if err != nil {
		return nil, fmt.Errorf("device model %s: %w", id, err)
	}
	m.ETag = etag

	return &m, nil
}

// List returns every model sorted by id, stock models first when ids tie.
func (c *Catalog) List(ctx context.Context) ([]*model.DeviceModel, error) {
	out := make([]*model.DeviceModel, 0, len(c.stock))
	for _, m := range c.stock {
		out = append(out, m.Clone())
	}

	if c.store != nil {
		recs, err := c.store.List(ctx, storage.DeviceModels)
		if err != nil {
			return nil, fmt.Errorf("list device models: %w", err)
		}
		for _, rec := range recs {
			if _, ok := c.stock[rec.Key]; ok {
				continue
			}
			var m model.DeviceModel
			if err := storage.Decode(rec, &m); err != nil {
				c.log.Warn().Err(err).Str("model_id", rec.Key).Msg("skipping unreadable device model")
				continue
			}
			m.ETag = rec.ETag
			out = append(out, &m)
		}
	}
	slices.SortFunc(out, func(a, b *model.DeviceModel) int { return strings.Compare(a.ID, b.ID) })

	return out, nil
}

// Insert stores a new custom model.
func (c *Catalog) Insert(ctx context.Context, m *model.DeviceModel) (*model.DeviceModel, error) {
	if err := c.writable(m); err != nil {
		return nil, err
	}
	etag, err := storage.CreateJSON(ctx, c.store, storage.DeviceModels, m.ID, m)
	if err != nil {
		return nil, fmt.Errorf("insert device model %s: %w", m.ID, err)
	}
	out := m.Clone()
	out.ETag = etag

	return out, nil
}

// Upsert writes a custom model. A non-empty m.ETag makes the write
// conditional on the stored version.
func (c *Catalog) Upsert(ctx context.Context, m *model.DeviceModel) (*model.DeviceModel, error) {
	if err := c.writable(m); err != nil {
		return nil, err
	}
	etag, err := storage.UpsertJSON(ctx, c.store, storage.DeviceModels, m.ID, m, m.ETag)
	if err != nil {
		return nil, fmt.Errorf("upsert device model %s: %w", m.ID, err)
	}
	out := m.Clone()
	out.ETag = etag

	return out, nil
}

// Delete removes a custom model.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, ok := c.stock[id]; ok {
		return fmt.Errorf("delete device model %s: %w", id, ErrStockModel)
	}
	if c.store == nil {
		return fmt.Errorf("device model %s: %w", id, model.ErrNotFound)
	}
	if err := c.store.Delete(ctx, storage.DeviceModels, id, ""); err != nil {
		return fmt.Errorf("delete device model %s: %w", id, err)
	}

	return nil
}

func (c *Catalog) writable(m *model.DeviceModel) error {
	if err := Validate(m); err != nil {
		return err
	}
	if _, ok := c.stock[m.ID]; ok {
		return fmt.Errorf("device model %s: %w", m.ID, ErrStockModel)
	}
	if c.store == nil {
		return fmt.Errorf("device model %s: no custom model store: %w", m.ID, ErrStockModel)
	}

	return nil
}
