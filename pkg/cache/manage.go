package cache

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/piavgh/blutgang/internal/log"
)

// Manager expires cached responses invalidated by chain
// reorganizations and prunes index entries once they finalize.
type Manager struct {
	store *Store
	index *HeadIndex
	log   zerolog.Logger
}

// NewManager creates a cache manager over store and index.
func NewManager(store *Store, index *HeadIndex) *Manager {
	return &Manager{
		store: store,
		index: index,
		log:   log.WithComponent("cache"),
	}
}

// Run consumes chain head and finalized height updates until the
// context ends. A head lower than the previous one is a
// reorganization: every entry cached above the new head is dropped.
// A new finalized height prunes the index entries that can no longer
// reorganize.
func (m *Manager) Run(ctx context.Context, heads <-chan uint64, finalized <-chan uint64) error {
	var lastHead uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case head := <-heads:
			if head < lastHead {
				if err := m.expireAbove(head); err != nil {
					m.log.Error().Err(err).Uint64("head", head).Msg("could not expire reorged entries")
				}
			}
			lastHead = head

		case height := <-finalized:
			pruned, err := m.index.PruneThrough(height)
			if err != nil {
				m.log.Error().Err(err).Uint64("finalized", height).Msg("could not prune head index")
				continue
			}
			if pruned > 0 {
				m.log.Debug().
					Uint64("finalized", height).
					Int("heights", pruned).
					Msg("pruned finalized heights from head index")
			}
		}
	}
}

// expireAbove drops every cache entry recorded above the new head.
func (m *Manager) expireAbove(head uint64) error {
	keys, err := m.index.DropAbove(head)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.store.Delete(keys...); err != nil {
		return err
	}
	m.log.Warn().
		Uint64("head", head).
		Int("entries", len(keys)).
		Msg("chain reorganization, expired cached responses")
	return nil
}
