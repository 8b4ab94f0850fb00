package embeddings

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// EventSink receives model lifecycle notifications. Implementations must
// not block; the manager calls them while holding no locks.
type EventSink interface {
	ModelLoaded(name string, dimensions int)
	ModelUnloaded(name string)
	ModelEvicted(name string)
}

// Manager owns the resident model set: a bounded, recency-ordered cache
// with strict LRU eviction. All mutations are linearizable under one mutex;
// loads run outside the lock with per-name admission so at most one load is
// in flight for a given name.
type Manager struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element // value: *loadedModel
	order    *list.List               // front = least recently used
	loading  map[string]*inflightLoad

	loader   *Loader
	computer *Computer
	logger   *zap.Logger
	events   EventSink
}

type inflightLoad struct {
	done chan struct{}
	err  error
}

// NewManager creates a manager holding at most capacity models.
func NewManager(capacity int, loader *Loader, computer *Computer, logger *zap.Logger) *Manager {
	if capacity < 1 {
		capacity = 1
	}
	return &Manager{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		loading:  make(map[string]*inflightLoad),
		loader:   loader,
		computer: computer,
		logger:   logger,
	}
}

// SetEventSink attaches a lifecycle event sink. Call before serving traffic.
func (m *Manager) SetEventSink(sink EventSink) { m.events = sink }

// GetOrLoad returns the named model's info, loading it on a miss. A hit
// marks the entry most recently used. With forceReload the resident entry
// is discarded and loaded fresh.
func (m *Manager) GetOrLoad(ctx context.Context, name string, kind ModelKind, forceReload bool) (ModelInfo, error) {
	model, err := m.acquire(ctx, name, kind, forceReload)
	if err != nil {
		return ModelInfo{}, err
	}
	return model.info(EstimateMB(model)), nil
}

// acquire returns the resident handle for name, loading it if needed.
func (m *Manager) acquire(ctx context.Context, name string, kind ModelKind, forceReload bool) (*loadedModel, error) {
	for {
		m.mu.Lock()
		if elem, ok := m.entries[name]; ok && !forceReload {
			m.order.MoveToBack(elem)
			model := elem.Value.(*loadedModel)
			m.mu.Unlock()
			return model, nil
		}

		if flight, ok := m.loading[name]; ok {
			m.mu.Unlock()
			select {
			case <-flight.done:
			case <-ctx.Done():
				return nil, &LoadError{Kind: LoadCancelled, Model: name, Err: ctx.Err()}
			}
			if flight.err != nil {
				return nil, flight.err
			}
			// The winner's entry is resident now; loop to take the hit path.
			forceReload = false
			continue
		}

		flight := &inflightLoad{done: make(chan struct{})}
		m.loading[name] = flight
		m.mu.Unlock()

		model, err := m.loader.Load(ctx, name, kind)

		m.mu.Lock()
		delete(m.loading, name)
		if err != nil {
			flight.err = err
			m.mu.Unlock()
			close(flight.done)
			return nil, err
		}

		var evicted, replaced []string
		if elem, ok := m.entries[name]; ok {
			// forceReload over a resident entry: discard the old handle.
			old := m.order.Remove(elem).(*loadedModel)
			delete(m.entries, name)
			_ = old.backend.Close()
			replaced = append(replaced, name)
		}
		evicted = m.ensureCapacityLocked()
		m.entries[name] = m.order.PushBack(model)
		m.mu.Unlock()
		close(flight.done)

		for range replaced {
			m.logger.Info("Model replaced", zap.String("model", name))
		}
		for _, victim := range evicted {
			m.logger.Info("Model evicted", zap.String("model", victim))
			if m.events != nil {
				m.events.ModelEvicted(victim)
			}
		}
		if m.events != nil {
			m.events.ModelLoaded(name, model.dimensions)
		}
		return model, nil
	}
}

// ensureCapacityLocked evicts least-recently-used entries until an insert
// fits. Backends are closed before the entry disappears from the map.
func (m *Manager) ensureCapacityLocked() []string {
	var evicted []string
	for m.order.Len() >= m.capacity {
		front := m.order.Front()
		if front == nil {
			break
		}
		victim := m.order.Remove(front).(*loadedModel)
		delete(m.entries, victim.name)
		if err := victim.backend.Close(); err != nil {
			m.logger.Warn("Failed to close evicted backend",
				zap.String("model", victim.name), zap.Error(err))
		}
		evicted = append(evicted, victim.name)
	}
	return evicted
}

// Unload removes a resident model, releasing its resources synchronously.
// Returns false if the name was not resident.
func (m *Manager) Unload(name string) bool {
	m.mu.Lock()
	elem, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	model := m.order.Remove(elem).(*loadedModel)
	delete(m.entries, name)
	if err := model.backend.Close(); err != nil {
		m.logger.Warn("Failed to close backend on unload",
			zap.String("model", name), zap.Error(err))
	}
	m.mu.Unlock()

	m.logger.Info("Model unloaded", zap.String("model", name))
	if m.events != nil {
		m.events.ModelUnloaded(name)
	}
	return true
}

// GetEmbedding embeds the given contents with the named model, loading it
// first when the name is known to the registry.
func (m *Manager) GetEmbedding(ctx context.Context, name string, contents []string, kind ModelKind, normalize bool) ([][]float32, error) {
	m.mu.Lock()
	elem, resident := m.entries[name]
	var model *loadedModel
	if resident {
		m.order.MoveToBack(elem)
		model = elem.Value.(*loadedModel)
	}
	m.mu.Unlock()

	if !resident {
		if _, known := Lookup(name); !known {
			return nil, &EmbeddingError{Kind: EmbedModelNotLoaded, Model: name, Index: -1}
		}
		var err error
		model, err = m.acquire(ctx, name, "", false)
		if err != nil {
			return nil, err
		}
	}

	switch kind {
	case KindText, "":
		return m.computer.EmbedText(ctx, model, contents, normalize)
	case KindImage:
		return m.computer.EmbedImage(ctx, model, contents, normalize)
	default:
		return nil, &EmbeddingError{Kind: EmbedUnsupportedContent, Model: name, Index: -1}
	}
}

// ModelDimensions returns the output width of a model, loading it if it is
// not resident.
func (m *Manager) ModelDimensions(ctx context.Context, name string) (int, error) {
	model, err := m.acquire(ctx, name, "", false)
	if err != nil {
		return 0, err
	}
	return model.dimensions, nil
}

// ListLoaded returns info for the resident models, least recently used
// first.
func (m *Manager) ListLoaded() []ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]ModelInfo, 0, m.order.Len())
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		model := elem.Value.(*loadedModel)
		infos = append(infos, model.info(EstimateMB(model)))
	}
	return infos
}

// ListModels returns the full catalog with residency flags.
func (m *Manager) ListModels() []ModelInfo {
	m.mu.Lock()
	resident := make(map[string]*loadedModel, len(m.entries))
	for name, elem := range m.entries {
		resident[name] = elem.Value.(*loadedModel)
	}
	m.mu.Unlock()

	infos := Catalog()
	for i := range infos {
		if model, ok := resident[infos[i].Name]; ok {
			infos[i].Loaded = true
			infos[i].Dimensions = model.dimensions
			infos[i].MemoryMB = EstimateMB(model)
			infos[i].LoadedAt = model.loadedAt
		}
	}
	// Resident models outside the catalog still show up.
	known := make(map[string]bool, len(infos))
	for _, info := range infos {
		known[info.Name] = true
	}
	for name, model := range resident {
		if !known[name] {
			infos = append(infos, model.info(EstimateMB(model)))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// AvailableModels returns the registry's model names.
func (m *Manager) AvailableModels() []string {
	names := Names()
	sort.Strings(names)
	return names
}

// TotalMemoryMB sums the estimated footprint of the resident models.
// Advisory only; eviction is count based.
func (m *Manager) TotalMemoryMB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		total += EstimateMB(elem.Value.(*loadedModel))
	}
	return total
}

// LoadedCount returns the number of resident models.
func (m *Manager) LoadedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Close unloads every resident model.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		model := elem.Value.(*loadedModel)
		if err := model.backend.Close(); err != nil {
			m.logger.Warn("Failed to close backend",
				zap.String("model", model.name), zap.Error(err))
		}
	}
	m.order.Init()
	m.entries = make(map[string]*list.Element)
	return nil
}
