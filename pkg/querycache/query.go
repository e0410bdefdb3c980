package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-mar/pkg/apiclient"
)

// QueryOptions tunes one query instance
type QueryOptions struct {
	// Unique gives the query a private cache key so it never shares results
	// with other instances of the same read.
	Unique bool
	// Scope partitions the cache, e.g. per caller, without going fully private
	Scope string
	// StaleAfter overrides the cache policy for this query when positive
	StaleAfter time.Duration
}

// Query is a cached read bound to one route and option set
type Query[TData, TBody any] struct {
	cache      *Cache
	client     *apiclient.Client
	route      apiclient.Route[TData, TBody]
	opts       apiclient.Options[TData, TBody]
	token      string
	staleAfter time.Duration

	mu      sync.RWMutex
	result  apiclient.Result[TData]
	loaded  bool
	loading bool
}

// NewQuery binds a read to the cache
func NewQuery[TData, TBody any](cache *Cache, client *apiclient.Client, route apiclient.Route[TData, TBody], opts apiclient.Options[TData, TBody], qo QueryOptions) *Query[TData, TBody] {
	q := &Query[TData, TBody]{
		cache:      cache,
		client:     client,
		route:      route,
		opts:       opts,
		staleAfter: cache.policy.StaleAfter,
	}
	switch {
	case qo.Unique:
		q.token = uuid.New().String()
	case qo.Scope != "":
		q.token = qo.Scope
	}
	if qo.StaleAfter > 0 {
		q.staleAfter = qo.StaleAfter
	}
	return q
}

// Key returns the cache key of the query's current options
func (q *Query[TData, TBody]) Key() string {
	return Key(q.route.Path, q.opts.PathParams, q.opts.Query, q.token)
}

// Fetch serves a fresh cached result or performs the request
func (q *Query[TData, TBody]) Fetch(ctx context.Context) apiclient.Result[TData] {
	key := q.Key()
	if v, ok := q.cache.lookup(q.route.Path, key); ok {
		res := v.(apiclient.Result[TData])
		q.store(res)
		return res
	}
	return q.load(ctx, key, q.opts, q.cache.policy.Dedupe)
}

// Refetch merges overrides over the query's options and always goes to the
// backend. The returned result is the new one, and it replaces the cached entry.
func (q *Query[TData, TBody]) Refetch(ctx context.Context, overrides apiclient.Options[TData, TBody]) apiclient.Result[TData] {
	merged, err := MergeOptions(q.opts, overrides)
	if err != nil {
		return apiclient.Result[TData]{Err: fmt.Errorf("merge refetch options: %w", err)}
	}
	key := Key(q.route.Path, merged.PathParams, merged.Query, q.token)
	return q.load(ctx, key, merged, false)
}

// Result returns the last settled result
func (q *Query[TData, TBody]) Result() apiclient.Result[TData] {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.result
}

// Data returns the last successful data and whether there is any
func (q *Query[TData, TBody]) Data() (TData, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.result.Data, q.loaded && q.result.Err == nil
}

// Err returns the last error
func (q *Query[TData, TBody]) Err() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.result.Err
}

// Loading reports an in-flight request
func (q *Query[TData, TBody]) Loading() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.loading
}

func (q *Query[TData, TBody]) load(ctx context.Context, key string, opts apiclient.Options[TData, TBody], dedupe bool) apiclient.Result[TData] {
	q.setLoading(true)
	defer q.setLoading(false)

	fetch := func(ctx context.Context) (interface{}, error) {
		res := apiclient.Request(ctx, q.client, q.route, opts)
		if res.OK() {
			q.cache.put(key, res, q.staleAfter)
		}
		return res, nil
	}

	var res apiclient.Result[TData]
	if dedupe {
		// the shared request belongs to no single caller; each caller stops
		// waiting on its own cancellation below
		shared := context.WithoutCancel(ctx)
		ch := q.cache.group.DoChan(key, func() (interface{}, error) { return fetch(shared) })
		select {
		case <-ctx.Done():
			return apiclient.Result[TData]{Err: ctx.Err()}
		case r := <-ch:
			if r.Shared {
				q.cache.shared.Add(1)
			}
			res = r.Val.(apiclient.Result[TData])
		}
	} else {
		v, _ := fetch(ctx)
		res = v.(apiclient.Result[TData])
	}

	if !apiclient.IsCanceled(res.Err) {
		q.store(res)
	}
	return res
}

func (q *Query[TData, TBody]) store(res apiclient.Result[TData]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.result = res
	q.loaded = true
}

func (q *Query[TData, TBody]) setLoading(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loading = v
}

// MergeOptions overlays overrides on base: path params and query are merged key
// by key, the body is merged one level deep, observers run base first, and Silent
// holds if either side asks for it.
func MergeOptions[TData, TBody any](base, overrides apiclient.Options[TData, TBody]) (apiclient.Options[TData, TBody], error) {
	out := base

	if len(overrides.PathParams) > 0 {
		out.PathParams = make(map[string]any, len(base.PathParams)+len(overrides.PathParams))
		maps.Copy(out.PathParams, base.PathParams)
		maps.Copy(out.PathParams, overrides.PathParams)
	}
	if len(overrides.Query) > 0 {
		out.Query = base.Query.Merge(overrides.Query)
	}

	body, err := mergeBody(base.Body, overrides.Body)
	if err != nil {
		return out, err
	}
	out.Body = body

	switch {
	case base.OnResponse != nil && overrides.OnResponse != nil:
		first, second := base.OnResponse, overrides.OnResponse
		out.OnResponse = func(r apiclient.Result[TData]) {
			first(r)
			second(r)
		}
	case overrides.OnResponse != nil:
		out.OnResponse = overrides.OnResponse
	}

	out.Silent = base.Silent || overrides.Silent
	return out, nil
}

func mergeBody[TBody any](base, over *TBody) (*TBody, error) {
	if over == nil {
		return base, nil
	}
	if base == nil {
		return over, nil
	}

	baseMap, ok, err := asObject(base)
	if err != nil || !ok {
		return over, err
	}
	overMap, ok, err := asObject(over)
	if err != nil || !ok {
		return over, err
	}

	for key, value := range overMap {
		if nestedBase, ok := baseMap[key].(map[string]any); ok {
			if nestedOver, ok := value.(map[string]any); ok {
				merged := make(map[string]any, len(nestedBase)+len(nestedOver))
				maps.Copy(merged, nestedBase)
				maps.Copy(merged, nestedOver)
				baseMap[key] = merged
				continue
			}
		}
		baseMap[key] = value
	}

	raw, err := json.Marshal(baseMap)
	if err != nil {
		return nil, err
	}
	var out TBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func asObject(v any) (map[string]any, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, nil
	}
	return m, m != nil, nil
}
