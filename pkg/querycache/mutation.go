package querycache

import (
	"context"

	"github.com/drfirst/go-mar/pkg/apiclient"
)

// Mutate performs a write and, when it succeeds, evicts cached reads under each
// invalidate prefix so the next Fetch sees the change.
func Mutate[TData, TBody any](ctx context.Context, cache *Cache, client *apiclient.Client, route apiclient.Route[TData, TBody], opts apiclient.Options[TData, TBody], invalidate ...string) apiclient.Result[TData] {
	res := apiclient.Request(ctx, client, route, opts)
	if !res.OK() {
		return res
	}
	for _, prefix := range invalidate {
		cache.Invalidate(prefix)
	}
	return res
}
