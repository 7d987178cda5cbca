package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradepost/internal/domain"
)

// Importer performs the work for one job kind and reports counters that end
// up in the record's stats column.
type Importer interface {
	Import(ctx context.Context, job domain.JobRecord) (map[string]float64, error)
}

// ImporterFunc adapts a plain function to Importer.
type ImporterFunc func(ctx context.Context, job domain.JobRecord) (map[string]float64, error)

func (f ImporterFunc) Import(ctx context.Context, job domain.JobRecord) (map[string]float64, error) {
	return f(ctx, job)
}

// Registry maps normalized kind tags to importers.
type Registry struct {
	mu        sync.RWMutex
	importers map[string]Importer
}

func NewRegistry() *Registry {
	return &Registry{importers: make(map[string]Importer)}
}

func (r *Registry) Register(kind string, imp Importer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.importers[domain.NormalizeKind(kind)] = imp
}

func (r *Registry) Lookup(kind string) (Importer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	imp, ok := r.importers[domain.NormalizeKind(kind)]
	return imp, ok
}

// Kinds lists registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.importers))
	for k := range r.importers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// EchoImporter is the development importer: it waits Delay and reports the
// number of entries in payload["items"] as items_imported. A string in
// payload["fail"] makes the job fail with that message.
type EchoImporter struct {
	Delay time.Duration
}

func (e EchoImporter) Import(ctx context.Context, job domain.JobRecord) (map[string]float64, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	if msg, ok := job.Payload["fail"].(string); ok && msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}
	var n float64
	switch items := job.Payload["items"].(type) {
	case []any:
		n = float64(len(items))
	case float64:
		n = items
	}
	return map[string]float64{"items_imported": n}, nil
}
