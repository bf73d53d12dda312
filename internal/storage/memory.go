package storage

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/verrors"
)

// Memory is an in-memory Store used by tests and embeddings that don't
// need durability. It honors the same contracts as the SQLite-backed
// SQL store (spec.md §4.3: "An in-memory backend must honor the same
// contracts for tests").
type Memory struct {
	mu sync.Mutex

	nextEntityID int64
	nextVerbID   int64
	nextTaskID   int64

	entities map[EntityID]Entity
	// verbs indexed by (entity, name); entity ids already uniquely key
	// the outer map, so a second map per entity suffices.
	verbs        map[EntityID]map[string]Verb
	capabilities map[string]Capability
	tasks        map[int64]ScheduledTask
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entities:     make(map[EntityID]Entity),
		verbs:        make(map[EntityID]map[string]Verb),
		capabilities: make(map[string]Capability),
		tasks:        make(map[int64]ScheduledTask),
	}
}

func (m *Memory) protoChainOK(candidateParent EntityID, child EntityID) bool {
	// Walk candidateParent's ancestry; child must never appear in it, and
	// the chain must terminate within MaxPrototypeChainDepth.
	seen := map[EntityID]bool{}
	cur := candidateParent
	for depth := 0; depth <= MaxPrototypeChainDepth; depth++ {
		if cur == NoPrototype {
			return true
		}
		if cur == child || seen[cur] {
			return false
		}
		seen[cur] = true
		e, ok := m.entities[cur]
		if !ok {
			return false
		}
		cur = e.PrototypeID
	}
	return false
}

func (m *Memory) CreateEntity(props map[string]any, prototype EntityID) (EntityID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prototype != NoPrototype {
		if _, ok := m.entities[prototype]; !ok {
			return 0, verrors.New(verrors.KindStorage, "prototype entity not found").
				WithContext("prototype_id", prototype)
		}
	}
	m.nextEntityID++
	id := EntityID(m.nextEntityID)
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	m.entities[id] = Entity{ID: id, PrototypeID: prototype, Props: cp}
	return id, nil
}

func (m *Memory) GetEntity(id EntityID) (Entity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, false, nil
	}
	return cloneEntity(e), true, nil
}

func cloneEntity(e Entity) Entity {
	cp := make(map[string]any, len(e.Props))
	for k, v := range e.Props {
		cp[k] = v
	}
	e.Props = cp
	return e
}

func (m *Memory) UpdateEntity(id EntityID, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return verrors.Wrap(verrors.KindEntityNotFound, "update: entity not found", verrors.ErrEntityNotFound).
			WithContext("entity_id", id)
	}
	if raw, ok := patch["prototype_id"]; ok {
		if newProto, ok := asEntityID(raw); ok {
			if !m.protoChainOK(newProto, id) {
				return verrors.New(verrors.KindStorage, "prototype assignment would create a cycle or exceed max depth")
			}
			e.PrototypeID = newProto
		}
	}
	for k, v := range patch {
		if k == "prototype_id" {
			continue
		}
		if s, ok := v.(string); ok && s == UnsetMarker {
			delete(e.Props, k)
			continue
		}
		e.Props[k] = v
	}
	m.entities[id] = e
	return nil
}

func (m *Memory) DestroyEntity(id EntityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[id]; !ok {
		return verrors.Wrap(verrors.KindEntityNotFound, "destroy: entity not found", verrors.ErrEntityNotFound)
	}
	for _, other := range m.entities {
		if other.ID == id {
			continue
		}
		if other.PrototypeID == id {
			return verrors.New(verrors.KindStorage, "refusing to destroy entity with dependent prototype reference").
				WithContext("dependent_id", other.ID)
		}
		if loc, ok := other.Props["location"]; ok {
			if locID, ok := asEntityID(loc); ok && locID == id {
				return verrors.New(verrors.KindStorage, "refusing to destroy entity with dependent location reference").
					WithContext("dependent_id", other.ID)
			}
		}
	}
	delete(m.entities, id)
	delete(m.verbs, id)
	return nil
}

func asEntityID(v any) (EntityID, bool) {
	switch t := v.(type) {
	case EntityID:
		return t, true
	case int64:
		return EntityID(t), true
	case float64:
		return EntityID(t), true
	default:
		return 0, false
	}
}

func (m *Memory) AddVerb(entity EntityID, name string, code ir.SExpr, requiredCapability string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[entity]; !ok {
		return 0, verrors.Wrap(verrors.KindEntityNotFound, "add_verb: entity not found", verrors.ErrEntityNotFound)
	}
	byName, ok := m.verbs[entity]
	if !ok {
		byName = make(map[string]Verb)
		m.verbs[entity] = byName
	}
	var id int64
	if existing, ok := byName[name]; ok {
		id = existing.ID
	} else {
		m.nextVerbID++
		id = m.nextVerbID
	}
	byName[name] = Verb{ID: id, EntityID: entity, Name: name, Code: code, RequiredCapability: requiredCapability}
	return id, nil
}

func (m *Memory) GetVerb(entity EntityID, name string) (Verb, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.verbs[entity]
	if !ok {
		return Verb{}, false, nil
	}
	v, ok := byName[name]
	return v, ok, nil
}

func (m *Memory) CreateCapability(owner EntityID, capType string, params map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[owner]; !ok {
		return "", verrors.Wrap(verrors.KindEntityNotFound, "create_capability: owner not found", verrors.ErrEntityNotFound)
	}
	id := uuid.NewString()
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	m.capabilities[id] = Capability{ID: id, OwnerID: owner, Type: capType, Params: cp}
	return id, nil
}

func (m *Memory) FindCapability(owner EntityID, capType string, params map[string]any) (Capability, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, c := range m.capabilities {
		if c.OwnerID != owner || c.Type != capType {
			continue
		}
		if params != nil && !paramsSubset(params, c.Params) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return Capability{}, false, nil
	}
	sort.Strings(ids)
	return m.capabilities[ids[0]], true, nil
}

func (m *Memory) GetCapability(id string) (Capability, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[id]
	return c, ok, nil
}

func (m *Memory) GiveCapability(capID string, newOwner EntityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[capID]
	if !ok {
		return verrors.New(verrors.KindStorage, "give_capability: capability not found").WithContext("cap_id", capID)
	}
	if _, ok := m.entities[newOwner]; !ok {
		return verrors.Wrap(verrors.KindEntityNotFound, "give_capability: new owner not found", verrors.ErrEntityNotFound)
	}
	c.OwnerID = newOwner
	m.capabilities[capID] = c
	return nil
}

func (m *Memory) DestroyCapability(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.capabilities, id)
	return nil
}

func (m *Memory) CreateTask(entity EntityID, verb string, args []any, dueMs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	id := m.nextTaskID
	cp := make([]any, len(args))
	copy(cp, args)
	m.tasks[id] = ScheduledTask{ID: id, EntityID: entity, Verb: verb, Args: cp, DueMs: dueMs}
	return id, nil
}

func (m *Memory) ProcessDue(nowMs int64) ([]ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []ScheduledTask
	for id, t := range m.tasks {
		if t.DueMs <= nowMs {
			due = append(due, t)
			delete(m.tasks, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueMs != due[j].DueMs {
			return due[i].DueMs < due[j].DueMs
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

func (m *Memory) CancelTask(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}
