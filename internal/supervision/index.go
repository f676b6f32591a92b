package supervision

import (
	"sort"
	"sync"

	"plantmon-server/internal/model"
)

type indexKey struct {
	entity model.SupervisedEntity
	id     int64
}

// Index is the reverse mapping from supervised entities to the tags
// underneath them. It is rebuilt at startup and maintained by the
// configuration surface afterwards.
type Index struct {
	mu   sync.RWMutex
	tags map[indexKey]map[int64]struct{}
}

// NewIndex constructs an empty index.
func NewIndex() *Index {
	return &Index{tags: make(map[indexKey]map[int64]struct{})}
}

// AddTag indexes the tag under every entity of its supervision ancestry.
func (ix *Index) AddTag(t *model.Tag) {
	if t == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.add(model.EntityProcess, t.ProcessIDs, t.ID)
	ix.add(model.EntityEquipment, t.EquipmentIDs, t.ID)
	ix.add(model.EntitySubEquipment, t.SubEquipmentIDs, t.ID)
}

// RemoveTag drops the tag from every entity it was indexed under.
func (ix *Index) RemoveTag(t *model.Tag) {
	if t == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.remove(model.EntityProcess, t.ProcessIDs, t.ID)
	ix.remove(model.EntityEquipment, t.EquipmentIDs, t.ID)
	ix.remove(model.EntitySubEquipment, t.SubEquipmentIDs, t.ID)
}

// TagsFor returns the ids of all tags underneath the given entity, in
// ascending order.
func (ix *Index) TagsFor(entity model.SupervisedEntity, id int64) []int64 {
	ix.mu.RLock()
	set := ix.tags[indexKey{entity: entity, id: id}]
	out := make([]int64, 0, len(set))
	for tagID := range set {
		out = append(out, tagID)
	}
	ix.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ix *Index) add(entity model.SupervisedEntity, entityIDs []int64, tagID int64) {
	for _, id := range entityIDs {
		key := indexKey{entity: entity, id: id}
		set, ok := ix.tags[key]
		if !ok {
			set = make(map[int64]struct{})
			ix.tags[key] = set
		}
		set[tagID] = struct{}{}
	}
}

func (ix *Index) remove(entity model.SupervisedEntity, entityIDs []int64, tagID int64) {
	for _, id := range entityIDs {
		key := indexKey{entity: entity, id: id}
		set, ok := ix.tags[key]
		if !ok {
			continue
		}
		delete(set, tagID)
		if len(set) == 0 {
			delete(ix.tags, key)
		}
	}
}
