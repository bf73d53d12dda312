// Package storage implements spec.md §4.3 and §6.3: a durable store of
// entities, verbs, and capabilities with prototype-chain property lookup.
// Store is the contract both the in-memory (Memory) and SQLite-backed
// (SQL, in sqlite.go) implementations satisfy so tests and the Kernel
// can run against either.
package storage

import (
	"github.com/rhizome-lab/viwo/internal/ir"
)

// EntityID is a 64-bit, monotonically assigned, never-reused identifier.
type EntityID int64

// NoPrototype is the absent-prototype sentinel (entity ids are positive).
const NoPrototype EntityID = 0

// MaxPrototypeChainDepth bounds prototype-chain walks (spec.md §3).
const MaxPrototypeChainDepth = 64

// MaxReentrancyDepth bounds kernel-level nested verb calls (spec.md §4.4).
const MaxReentrancyDepth = 64

// UnsetMarker is the sentinel patch value that deletes an own-property
// key during UpdateEntity, per spec.md §6.1.
const UnsetMarker = "__viwo_unset__"

// Entity is a persistent object with open-schema properties and an
// optional single-inheritance prototype parent.
type Entity struct {
	ID          EntityID
	PrototypeID EntityID // NoPrototype if absent
	Props       map[string]any
}

// HasPrototype reports whether e declares a prototype parent.
func (e Entity) HasPrototype() bool { return e.PrototypeID != NoPrototype }

// Verb is a named script attached to an entity, resolved with prototype
// inheritance by name.
type Verb struct {
	ID                 int64
	EntityID           EntityID
	Name               string
	Code               ir.SExpr
	RequiredCapability string // "" if absent
}

// Capability is an unforgeable, server-generated token authorizing a
// typed, parameterized action, held by exactly one owner.
type Capability struct {
	ID      string
	OwnerID EntityID
	Type    string
	Params  map[string]any
}

// ScheduledTask is a pending deferred verb invocation.
type ScheduledTask struct {
	ID       int64
	EntityID EntityID
	Verb     string
	Args     []any
	DueMs    int64
}

// Store is the persistence contract spec.md §4.3 defines. Every method
// is fallible and atomic with respect to its own operation; none of them
// may hold a lock across script evaluation (spec.md §5).
type Store interface {
	CreateEntity(props map[string]any, prototype EntityID) (EntityID, error)
	GetEntity(id EntityID) (Entity, bool, error)
	UpdateEntity(id EntityID, patch map[string]any) error
	DestroyEntity(id EntityID) error

	AddVerb(entity EntityID, name string, code ir.SExpr, requiredCapability string) (int64, error)
	GetVerb(entity EntityID, name string) (Verb, bool, error)

	CreateCapability(owner EntityID, capType string, params map[string]any) (string, error)
	FindCapability(owner EntityID, capType string, params map[string]any) (Capability, bool, error)
	GetCapability(id string) (Capability, bool, error)
	GiveCapability(capID string, newOwner EntityID) error
	DestroyCapability(capID string) error

	CreateTask(entity EntityID, verb string, args []any, dueMs int64) (int64, error)
	// ProcessDue atomically selects and deletes all tasks with
	// DueMs <= nowMs, returning them ordered ascending by (DueMs, ID).
	ProcessDue(nowMs int64) ([]ScheduledTask, error)
	CancelTask(id int64) error
}

// LookupProperty walks e, e.prototype, … returning the first present
// value for key. Own keys shadow inherited ones; it is the caller's
// responsibility to have already applied unset markers during writes
// (LookupProperty only ever sees the stored, already-resolved props).
func LookupProperty(s Store, e Entity, key string) (any, bool, error) {
	seen := make(map[EntityID]bool, MaxPrototypeChainDepth)
	cur := e
	for depth := 0; depth <= MaxPrototypeChainDepth; depth++ {
		if v, ok := cur.Props[key]; ok {
			return v, true, nil
		}
		if !cur.HasPrototype() {
			return nil, false, nil
		}
		if seen[cur.ID] {
			break // cycle guard; CreateEntity/UpdateEntity should already prevent this
		}
		seen[cur.ID] = true
		parent, ok, err := s.GetEntity(cur.PrototypeID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		cur = parent
	}
	return nil, false, nil
}

// ResolveVerb walks the prototype chain for the first verb named name,
// exactly as LookupProperty walks for properties (spec.md §3).
func ResolveVerb(s Store, e Entity, name string) (Verb, bool, error) {
	seen := make(map[EntityID]bool, MaxPrototypeChainDepth)
	cur := e
	for depth := 0; depth <= MaxPrototypeChainDepth; depth++ {
		if v, ok, err := s.GetVerb(cur.ID, name); err != nil {
			return Verb{}, false, err
		} else if ok {
			return v, true, nil
		}
		if !cur.HasPrototype() {
			return Verb{}, false, nil
		}
		if seen[cur.ID] {
			break
		}
		seen[cur.ID] = true
		parent, ok, err := s.GetEntity(cur.PrototypeID)
		if err != nil {
			return Verb{}, false, err
		}
		if !ok {
			return Verb{}, false, nil
		}
		cur = parent
	}
	return Verb{}, false, nil
}

// Permits implements the capability subset-match predicate from spec.md
// §3: cap.Type must equal wantType, and every key of wantParams must be
// present in cap.Params with an equal value when both are maps;
// otherwise deep equality is required.
func Permits(cap Capability, wantType string, wantParams map[string]any) bool {
	if cap.Type != wantType {
		return false
	}
	return paramsSubset(wantParams, cap.Params)
}

func paramsSubset(want, have map[string]any) bool {
	for k, wv := range want {
		hv, ok := have[k]
		if !ok {
			return false
		}
		if !deepEqualValue(wv, hv) {
			return false
		}
	}
	return true
}

func deepEqualValue(a, b any) bool {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !deepEqualValue(av, bv) {
				return false
			}
		}
		return true
	}
	if aIsMap != bIsMap {
		return false
	}
	aList, aIsList := a.([]any)
	bList, bIsList := b.([]any)
	if aIsList && bIsList {
		if len(aList) != len(bList) {
			return false
		}
		for i := range aList {
			if !deepEqualValue(aList[i], bList[i]) {
				return false
			}
		}
		return true
	}
	if aIsList != bIsList {
		return false
	}
	return a == b
}
