package docs

import (
	"fmt"
	"sync"
)

type Resource struct {
	Spec           string         `json:"spec"`
	Root           string         `json:"root"`
	ResourcePath   string         `json:"resource_path"`
	ResourceKwargs map[string]any `json:"resource_kwargs"`
	PathSemantics  string         `json:"path_semantics"`
	UID            string         `json:"uid"`
	RunStart       string         `json:"run_start,omitempty"`
}

type Datum struct {
	Resource    string         `json:"resource"`
	DatumID     string         `json:"datum_id"`
	DatumKwargs map[string]any `json:"datum_kwargs"`
}

// DatumFactory mints datums for one resource with ids "<resource uid>/<n>".
type DatumFactory struct {
	mu       sync.Mutex
	resource string
	next     int
}

func (f *DatumFactory) Compose(kwargs map[string]any) Datum {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("%s/%d", f.resource, f.next)
	f.next++
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Datum{
		Resource:    f.resource,
		DatumID:     id,
		DatumKwargs: kwargs,
	}
}

// ComposeResource builds a resource for runStart (may be empty when the run is
// not known yet) and a factory for its datums.
func ComposeResource(runStart, spec, root, resourcePath string, kwargs map[string]any) (Resource, *DatumFactory) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	res := Resource{
		Spec:           spec,
		Root:           root,
		ResourcePath:   resourcePath,
		ResourceKwargs: kwargs,
		PathSemantics:  "posix",
		UID:            NewUID(),
		RunStart:       runStart,
	}
	return res, &DatumFactory{resource: res.UID}
}

// AssetDoc is a queued resource or datum.
type AssetDoc struct {
	Kind string
	Doc  any
}

// AssetCache queues asset documents until the run engine collects them.
type AssetCache struct {
	mu    sync.Mutex
	items []AssetDoc
}

func (c *AssetCache) Append(kind string, doc any) {
	c.mu.Lock()
	c.items = append(c.items, AssetDoc{Kind: kind, Doc: doc})
	c.mu.Unlock()
}

// Drain returns the queued documents in order and empties the cache.
func (c *AssetCache) Drain() []AssetDoc {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.items
	c.items = nil
	return items
}

func (c *AssetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
