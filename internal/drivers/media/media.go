package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/bulkload"
	"github.com/nerrad567/gray-logic-driverhost/internal/catalog"
	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
)

// Type is the driver type name registered with the host.
const Type = "catalog"

// Field names.
const (
	FieldStatus      = "Status"
	FieldProgress    = "Progress"
	FieldCount       = "Count"
	FieldFingerprint = "Fingerprint"
	FieldCategories  = "Categories"
	FieldLoadedAt    = "LoadedAt"
	FieldLastError   = "LastError"
	FieldReloadNow   = "ReloadNow"
)

// Field IDs, in registration order.
const (
	idStatus field.ID = iota
	idProgress
	idCount
	idFingerprint
	idCategories
	idLoadedAt
	idLastError
	idReloadNow
)

// Params configures the catalog driver.
type Params struct {
	PageSize       int           `yaml:"page_size"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	FailureBackoff time.Duration `yaml:"failure_backoff"`
	SearchLimit    int           `yaml:"search_limit"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
}

// SearchRequest is the JSON payload of the "search" backdoor op. A payload
// that is not a JSON object is taken as the query text.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// Driver publishes a background-loaded catalog.
type Driver struct {
	driver.Base

	params Params
	repo   catalog.Repository
	env    *driver.Env
	loader *bulkload.Loader[*catalog.Catalog]
	reload bool
}

// NewFactory returns a driver.Factory whose drivers load from repo.
// Non-zero fields of defaults apply unless a driver's params override them.
func NewFactory(repo catalog.Repository, defaults Params) driver.Factory {
	return func(spec driver.Spec) (driver.Driver, error) {
		return New(spec, repo, defaults)
	}
}

// New creates a catalog driver reading from repo.
func New(spec driver.Spec, repo catalog.Repository, defaults Params) (*Driver, error) {
	p := Params{
		PageSize:    catalog.DefaultPageSize,
		SearchLimit: 50,
		StopTimeout: 5 * time.Second,
	}
	p.merge(defaults)
	if err := spec.DecodeParams(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: no catalog repository", ErrInvalidConfig)
	}
	if p.PageSize < 1 || p.SearchLimit < 1 {
		return nil, fmt.Errorf("%w: page_size and search_limit must be positive", ErrInvalidConfig)
	}
	if p.ReloadInterval < 0 || p.FailureBackoff < 0 {
		return nil, fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	}

	d := &Driver{params: p, repo: repo}
	d.loader = bulkload.NewLoader(catalog.Builder(repo, p.PageSize), catalog.Summary, bulkload.LoaderOptions{
		Name:           spec.Moniker,
		FailureBackoff: p.FailureBackoff,
		ReloadInterval: p.ReloadInterval,
	})
	return d, nil
}

func (p *Params) merge(d Params) {
	if d.PageSize > 0 {
		p.PageSize = d.PageSize
	}
	if d.ReloadInterval > 0 {
		p.ReloadInterval = d.ReloadInterval
	}
	if d.FailureBackoff > 0 {
		p.FailureBackoff = d.FailureBackoff
	}
	if d.SearchLimit > 0 {
		p.SearchLimit = d.SearchLimit
	}
	if d.StopTimeout > 0 {
		p.StopTimeout = d.StopTimeout
	}
}

// Live returns the published catalog slot. Safe for any goroutine.
func (d *Driver) Live() *bulkload.Live[*catalog.Catalog] {
	return d.loader.Live()
}

// Init registers the status fields.
func (d *Driver) Init(env *driver.Env) error {
	d.env = env
	d.loader.SetLogger(env.Logger)
	statuses := []string{
		bulkload.StatusNotStarted.String(),
		bulkload.StatusLoading.String(),
		bulkload.StatusReady.String(),
		bulkload.StatusFailed.String(),
	}
	_, err := env.Fields.Register([]field.Def{
		{Name: FieldStatus, Type: field.TypeString, Access: field.AccessRead, Limits: field.Enum(statuses...)},
		{Name: FieldProgress, Type: field.TypeInt, Access: field.AccessRead},
		{Name: FieldCount, Type: field.TypeInt, Access: field.AccessRead},
		{Name: FieldFingerprint, Type: field.TypeString, Access: field.AccessRead},
		{Name: FieldCategories, Type: field.TypeStringList, Access: field.AccessRead},
		{Name: FieldLoadedAt, Type: field.TypeTime, Access: field.AccessRead},
		{Name: FieldLastError, Type: field.TypeString, Access: field.AccessRead},
		{Name: FieldReloadNow, Type: field.TypeBool, Access: field.AccessWrite, AlwaysWrite: true},
	})
	return err
}

// ReleaseResource cancels a running load.
func (d *Driver) ReleaseResource() {
	if err := d.loader.Stop(d.params.StopTimeout); err != nil {
		d.env.Logger.Warn("catalog load did not stop", "error", err)
	}
}

// Connect checks the repository answers and republishes the current
// dataset, if any, so fields are valid again after a reconnect.
func (d *Driver) Connect(ctx context.Context) (driver.ConnectResult, error) {
	if _, err := d.repo.Count(ctx); err != nil {
		return driver.ConnectRetry, err
	}
	d.store(idStatus, d.loader.Status().String())
	d.store(idProgress, d.loader.Progress())
	d.store(idLastError, errText(d.loader.LastError()))
	if ds := d.loader.Live().Load(); ds != nil {
		d.publish(ds)
	}
	return driver.ConnectSuccess, nil
}

// Poll starts loads when due or requested and publishes finished ones.
func (d *Driver) Poll(ctx context.Context) (driver.PollResult, error) {
	if d.reload || d.loader.Due() {
		d.startLoad(ctx)
	}

	status, swapped := d.loader.Check()
	d.store(idStatus, status.String())
	if status == bulkload.StatusLoading {
		d.store(idProgress, d.loader.Progress())
	}
	if swapped {
		ds := d.loader.Live().Load()
		d.store(idProgress, int64(ds.Count))
		d.publish(ds)
	}
	d.store(idLastError, errText(d.loader.LastError()))
	return driver.PollOK, nil
}

func (d *Driver) startLoad(ctx context.Context) {
	err := d.loader.StartLoad(ctx)
	switch {
	case err == nil:
		d.reload = false
		d.store(idProgress, int64(0))
	case errors.Is(err, bulkload.ErrInProgress):
		// Requested reload runs after the current one finishes.
	case errors.Is(err, bulkload.ErrBackoff):
		if d.reload {
			d.env.Logger.Warn("reload refused", "error", err)
			d.reload = false
		}
	default:
		d.env.Logger.Error("starting catalog load", "error", err)
	}
}

func (d *Driver) publish(ds *bulkload.Dataset[*catalog.Catalog]) {
	d.store(idCount, int64(ds.Count))
	d.store(idFingerprint, ds.Fingerprint)
	d.store(idCategories, ds.Data.Categories())
	d.store(idLoadedAt, ds.LoadedAt)
}

func (d *Driver) store(id field.ID, v any) {
	if _, err := d.env.Fields.Store(id, v); err != nil {
		d.env.Logger.Warn("storing catalog field", "id", id, "error", err)
	}
}

// WriteBool handles ReloadNow.
func (d *Driver) WriteBool(_ context.Context, def field.Def, v bool) error {
	if !strings.EqualFold(def.Name, FieldReloadNow) {
		return fmt.Errorf("%w: %s", driver.ErrUnsupported, def.Name)
	}
	if v {
		d.reload = true
	}
	return nil
}

// Backdoor answers catalog lookups with JSON.
func (d *Driver) Backdoor(_ context.Context, op string, payload []byte) ([]byte, error) {
	ds := d.loader.Live().Load()
	if ds == nil {
		return nil, ErrNotLoaded
	}
	c := ds.Data

	switch op {
	case "item":
		it, err := c.Get(strings.TrimSpace(string(payload)))
		if err != nil {
			return nil, err
		}
		return json.Marshal(it)
	case "search":
		req := SearchRequest{Limit: d.params.SearchLimit}
		if err := json.Unmarshal(payload, &req); err != nil {
			req = SearchRequest{Query: string(payload), Limit: d.params.SearchLimit}
		}
		if req.Limit <= 0 || req.Limit > d.params.SearchLimit {
			req.Limit = d.params.SearchLimit
		}
		return json.Marshal(emptyIfNil(c.Search(req.Query, req.Limit)))
	case "category":
		return json.Marshal(emptyIfNil(c.Category(strings.TrimSpace(string(payload)))))
	}
	return nil, fmt.Errorf("%w: backdoor op %q", driver.ErrUnsupported, op)
}

func emptyIfNil(items []catalog.Item) []catalog.Item {
	if items == nil {
		return []catalog.Item{}
	}
	return items
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
