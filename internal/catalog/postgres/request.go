// Package postgres implements product catalog requests backed by Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/delegate"
	"github.com/JakeFAU/storebridge/internal/storekit"
)

const (
	defaultTable   = "products"
	defaultTimeout = 5 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Querier is the subset of pgxpool.Pool a request needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Config controls how requests query the catalog.
type Config struct {
	Table   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Open connects a pool for the catalog.
func Open(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewFactory returns a storekit.RequestFactory whose requests query db.
func NewFactory(db Querier, cfg Config) (storekit.RequestFactory, error) {
	if db == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return func(ids []string) storekit.ProductsRequest {
		return NewRequest(db, cfg, ids)
	}, nil
}

// Request looks up a set of product identifiers once. It reports one
// ProductsResponse followed by OnFinished, or OnFailed with the query error.
// Nothing is reported after Cancel.
type Request struct {
	db     Querier
	query  string
	ids    []string
	limit  time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	delegate  storekit.ProductsDelegate
	started   bool
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRequest builds a request for ids. cfg must already be validated by NewFactory.
func NewRequest(db Querier, cfg Config, ids []string) *Request {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Request{
		db: db,
		query: fmt.Sprintf(
			"SELECT product_id, title, description, price::text, currency FROM %s WHERE product_id = ANY($1)",
			cfg.Table,
		),
		ids:    dedupe(ids),
		limit:  cfg.Timeout,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Delegate returns the current delegate.
func (r *Request) Delegate() storekit.ProductsDelegate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delegate
}

// SetDelegate replaces the delegate.
func (r *Request) SetDelegate(d storekit.ProductsDelegate) {
	r.mu.Lock()
	r.delegate = d
	r.mu.Unlock()
}

// Start runs the query on a new goroutine. Only the first call has an effect.
func (r *Request) Start() {
	r.mu.Lock()
	if r.started || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.started = true
	ctx, cancel := context.WithTimeout(context.Background(), r.limit)
	r.cancel = cancel
	r.mu.Unlock()

	go r.run(ctx, cancel)
}

// Cancel aborts an in-flight query and suppresses any further callbacks.
func (r *Request) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when a started request has finished running.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

func (r *Request) run(ctx context.Context, cancel context.CancelFunc) {
	defer close(r.done)
	defer cancel()

	resp, err := r.lookup(ctx)

	r.mu.Lock()
	d := r.delegate
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled || d == nil {
		r.logger.Debug("catalog request finished without delegate", zap.Bool("cancelled", cancelled))
		return
	}
	if err != nil {
		r.logger.Warn("catalog request failed", zap.Strings("product_ids", r.ids), zap.Error(err))
		if f, ok := d.(delegate.Failer); ok {
			f.OnFailed(err)
		}
		return
	}
	d.OnValue(resp)
	if r.isCancelled() {
		r.logger.Debug("catalog request cancelled during delivery")
		return
	}
	if f, ok := d.(delegate.Finisher); ok {
		f.OnFinished()
	}
}

func (r *Request) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Request) lookup(ctx context.Context) (storekit.ProductsResponse, error) {
	resp := storekit.ProductsResponse{
		Products:           []storekit.Product{},
		InvalidIdentifiers: []string{},
	}
	if len(r.ids) == 0 {
		resp.ReceivedAt = r.now().UTC()
		return resp, nil
	}
	rows, err := r.db.Query(ctx, r.query, r.ids)
	if err != nil {
		return storekit.ProductsResponse{}, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	found := make(map[string]storekit.Product, len(r.ids))
	for rows.Next() {
		var (
			p     storekit.Product
			desc  *string
			price string
		)
		if err := rows.Scan(&p.ID, &p.Title, &desc, &price, &p.Currency); err != nil {
			return storekit.ProductsResponse{}, fmt.Errorf("scan product: %w", err)
		}
		if desc != nil {
			p.Description = *desc
		}
		p.Price, err = decimal.NewFromString(price)
		if err != nil {
			return storekit.ProductsResponse{}, fmt.Errorf("parse price for %s: %w", p.ID, err)
		}
		found[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return storekit.ProductsResponse{}, fmt.Errorf("iterate products: %w", err)
	}

	for _, id := range r.ids {
		if p, ok := found[id]; ok {
			resp.Products = append(resp.Products, p)
			continue
		}
		resp.InvalidIdentifiers = append(resp.InvalidIdentifiers, id)
	}
	resp.ReceivedAt = r.now().UTC()
	return resp, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
