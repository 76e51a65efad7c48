// Package registry is the read-side query API over the Store: listing
// manifests and computing progress snapshots, kept separate from the
// Ingestor's write path the way the teacher splits its worker registry's
// reads from its mutation-heavy Register/Unregister calls.
package registry

import (
	"sort"

	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/store"
)

// Registry is a thin, stateless read layer over the Store.
type Registry struct {
	store *store.Store
}

// New builds a Registry over st.
func New(st *store.Store) *Registry {
	return &Registry{store: st}
}

// List returns every manifest, newest first.
func (r *Registry) List() ([]model.Manifest, error) {
	manifests, err := r.store.ListManifests()
	if err != nil {
		return nil, err
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Get returns one manifest joined with its received-chunk count and progress.
func (r *Registry) Get(fileID string) (model.Progress, error) {
	return r.store.GetProgress(fileID)
}

// ListMissing returns the ascending list of not-yet-received chunk ids.
func (r *Registry) ListMissing(fileID string) ([]int, error) {
	return r.store.ListMissing(fileID)
}
