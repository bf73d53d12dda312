package storage

import (
	"encoding/json"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rhizome-lab/viwo/internal/ir"
	"github.com/rhizome-lab/viwo/internal/verrors"
	"gorm.io/gorm"
)

// entityRow, verbRow, capabilityRow, and taskRow are the gorm models
// backing the four tables from spec.md §6.3. Props/Code/Params/Args are
// stored as JSON text columns — SQLite has no native JSON column type,
// so each method marshals them by hand into plain string fields
// (encoding/json, or internal/ir's codec for verb code), matching the
// grounding in
// rashadism-openchoreo/internal/authz/casbin/adapter.go (gorm +
// glebarez/sqlite, pure-Go, cgo-free).
type entityRow struct {
	ID          int64 `gorm:"primaryKey"`
	PrototypeID int64 `gorm:"index"`
	PropsJSON   string
}

func (entityRow) TableName() string { return "entities" }

type verbRow struct {
	ID                 int64 `gorm:"primaryKey;autoIncrement"`
	EntityID           int64 `gorm:"uniqueIndex:idx_entity_name"`
	Name               string `gorm:"uniqueIndex:idx_entity_name"`
	CodeJSON           string
	RequiredCapability string
}

func (verbRow) TableName() string { return "verbs" }

type capabilityRow struct {
	ID         string `gorm:"primaryKey"`
	OwnerID    int64  `gorm:"index"`
	CapType    string `gorm:"index"`
	ParamsJSON string
}

func (capabilityRow) TableName() string { return "capabilities" }

type taskRow struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	EntityID int64
	Verb     string
	ArgsJSON string
	DueMs    int64 `gorm:"index"`
}

func (taskRow) TableName() string { return "scheduled_tasks" }

// SQL is the durable, gorm+SQLite-backed Store implementation.
type SQL struct {
	mu sync.Mutex
	db *gorm.DB
}

// OpenSQL opens (creating if absent) a SQLite database at path and
// migrates the four tables from spec.md §6.3.
func OpenSQL(path string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, verrors.Wrap(verrors.KindStorage, "open sqlite database", err).WithContext("path", path)
	}
	if err := db.AutoMigrate(&entityRow{}, &verbRow{}, &capabilityRow{}, &taskRow{}); err != nil {
		return nil, verrors.Wrap(verrors.KindStorage, "migrate schema", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) CreateEntity(props map[string]any, prototype EntityID) (EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prototype != NoPrototype {
		var count int64
		if err := s.db.Model(&entityRow{}).Where("id = ?", int64(prototype)).Count(&count).Error; err != nil {
			return 0, verrors.Wrap(verrors.KindStorage, "lookup prototype", err)
		}
		if count == 0 {
			return 0, verrors.New(verrors.KindStorage, "prototype entity not found").WithContext("prototype_id", prototype)
		}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return 0, verrors.Wrap(verrors.KindStorage, "marshal props", err)
	}
	row := entityRow{PrototypeID: int64(prototype), PropsJSON: string(propsJSON)}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, verrors.Wrap(verrors.KindStorage, "insert entity", err)
	}
	return EntityID(row.ID), nil
}

func (s *SQL) GetEntity(id EntityID) (Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getEntityLocked(id)
}

func (s *SQL) getEntityLocked(id EntityID) (Entity, bool, error) {
	var row entityRow
	err := s.db.Where("id = ?", int64(id)).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, verrors.Wrap(verrors.KindStorage, "query entity", err)
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(row.PropsJSON), &props); err != nil {
		return Entity{}, false, verrors.Wrap(verrors.KindStorage, "unmarshal props", err)
	}
	return Entity{ID: EntityID(row.ID), PrototypeID: EntityID(row.PrototypeID), Props: props}, true, nil
}

func (s *SQL) protoChainOK(candidateParent EntityID, child EntityID) bool {
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
		e, ok, err := s.getEntityLocked(cur)
		if err != nil || !ok {
			return false
		}
		cur = e.PrototypeID
	}
	return false
}

func (s *SQL) UpdateEntity(id EntityID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok, err := s.getEntityLocked(id)
	if err != nil {
		return err
	}
	if !ok {
		return verrors.Wrap(verrors.KindEntityNotFound, "update: entity not found", verrors.ErrEntityNotFound).
			WithContext("entity_id", id)
	}
	newProto := e.PrototypeID
	if v, ok := patch["prototype_id"]; ok {
		if p, ok := asEntityID(v); ok {
			if !s.protoChainOK(p, id) {
				return verrors.New(verrors.KindStorage, "prototype assignment would create a cycle or exceed max depth")
			}
			newProto = p
		}
	}
	for k, v := range patch {
		if k == "prototype_id" {
			continue
		}
		if sv, ok := v.(string); ok && sv == UnsetMarker {
			delete(e.Props, k)
			continue
		}
		e.Props[k] = v
	}
	propsJSON, err := json.Marshal(e.Props)
	if err != nil {
		return verrors.Wrap(verrors.KindStorage, "marshal props", err)
	}
	res := s.db.Model(&entityRow{}).Where("id = ?", int64(id)).Updates(map[string]any{
		"prototype_id": int64(newProto),
		"props_json":   string(propsJSON),
	})
	if res.Error != nil {
		return verrors.Wrap(verrors.KindStorage, "update entity", res.Error)
	}
	return nil
}

func (s *SQL) DestroyEntity(id EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var protoDependents int64
	if err := s.db.Model(&entityRow{}).Where("prototype_id = ?", int64(id)).Count(&protoDependents).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "check prototype dependents", err)
	}
	if protoDependents > 0 {
		return verrors.New(verrors.KindStorage, "refusing to destroy entity with dependent prototype reference")
	}

	var rows []entityRow
	if err := s.db.Find(&rows).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "scan entities for location dependents", err)
	}
	for _, r := range rows {
		if EntityID(r.ID) == id {
			continue
		}
		var props map[string]any
		if err := json.Unmarshal([]byte(r.PropsJSON), &props); err != nil {
			continue
		}
		if loc, ok := props["location"]; ok {
			if locID, ok := asEntityID(loc); ok && locID == id {
				return verrors.New(verrors.KindStorage, "refusing to destroy entity with dependent location reference").
					WithContext("dependent_id", r.ID)
			}
		}
	}

	if err := s.db.Where("id = ?", int64(id)).Delete(&entityRow{}).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "delete entity", err)
	}
	if err := s.db.Where("entity_id = ?", int64(id)).Delete(&verbRow{}).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "delete dependent verbs", err)
	}
	return nil
}

func (s *SQL) AddVerb(entity EntityID, name string, code ir.SExpr, requiredCapability string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codeJSON, err := ir.Serialize(code)
	if err != nil {
		return 0, verrors.Wrap(verrors.KindStorage, "serialize verb code", err)
	}

	var existing verbRow
	err = s.db.Where("entity_id = ? AND name = ?", int64(entity), name).First(&existing).Error
	if err == nil {
		existing.CodeJSON = string(codeJSON)
		existing.RequiredCapability = requiredCapability
		if err := s.db.Save(&existing).Error; err != nil {
			return 0, verrors.Wrap(verrors.KindStorage, "replace verb", err)
		}
		return existing.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return 0, verrors.Wrap(verrors.KindStorage, "query existing verb", err)
	}

	row := verbRow{EntityID: int64(entity), Name: name, CodeJSON: string(codeJSON), RequiredCapability: requiredCapability}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, verrors.Wrap(verrors.KindStorage, "insert verb", err)
	}
	return row.ID, nil
}

func (s *SQL) GetVerb(entity EntityID, name string) (Verb, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row verbRow
	err := s.db.Where("entity_id = ? AND name = ?", int64(entity), name).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return Verb{}, false, nil
	}
	if err != nil {
		return Verb{}, false, verrors.Wrap(verrors.KindStorage, "query verb", err)
	}
	code, err := ir.Parse([]byte(row.CodeJSON))
	if err != nil {
		return Verb{}, false, verrors.Wrap(verrors.KindStorage, "parse verb code", err)
	}
	return Verb{
		ID: row.ID, EntityID: EntityID(row.EntityID), Name: row.Name,
		Code: code, RequiredCapability: row.RequiredCapability,
	}, true, nil
}

func (s *SQL) CreateCapability(owner EntityID, capType string, params map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.Model(&entityRow{}).Where("id = ?", int64(owner)).Count(&count).Error; err != nil {
		return "", verrors.Wrap(verrors.KindStorage, "lookup owner", err)
	}
	if count == 0 {
		return "", verrors.Wrap(verrors.KindEntityNotFound, "create_capability: owner not found", verrors.ErrEntityNotFound)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", verrors.Wrap(verrors.KindStorage, "marshal params", err)
	}
	id := uuid.NewString()
	row := capabilityRow{ID: id, OwnerID: int64(owner), CapType: capType, ParamsJSON: string(paramsJSON)}
	if err := s.db.Create(&row).Error; err != nil {
		return "", verrors.Wrap(verrors.KindStorage, "insert capability", err)
	}
	return id, nil
}

func (s *SQL) capFromRow(row capabilityRow) (Capability, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(row.ParamsJSON), &params); err != nil {
		return Capability{}, verrors.Wrap(verrors.KindStorage, "unmarshal params", err)
	}
	return Capability{ID: row.ID, OwnerID: EntityID(row.OwnerID), Type: row.CapType, Params: params}, nil
}

func (s *SQL) FindCapability(owner EntityID, capType string, params map[string]any) (Capability, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []capabilityRow
	if err := s.db.Where("owner_id = ? AND cap_type = ?", int64(owner), capType).Order("id").Find(&rows).Error; err != nil {
		return Capability{}, false, verrors.Wrap(verrors.KindStorage, "query capabilities", err)
	}
	for _, row := range rows {
		cap, err := s.capFromRow(row)
		if err != nil {
			return Capability{}, false, err
		}
		if params == nil || paramsSubset(params, cap.Params) {
			return cap, true, nil
		}
	}
	return Capability{}, false, nil
}

func (s *SQL) GetCapability(id string) (Capability, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row capabilityRow
	err := s.db.Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return Capability{}, false, nil
	}
	if err != nil {
		return Capability{}, false, verrors.Wrap(verrors.KindStorage, "query capability", err)
	}
	cap, err := s.capFromRow(row)
	return cap, err == nil, err
}

func (s *SQL) GiveCapability(capID string, newOwner EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	if err := s.db.Model(&capabilityRow{}).Where("id = ?", capID).Count(&count).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "lookup capability", err)
	}
	if count == 0 {
		return verrors.New(verrors.KindStorage, "give_capability: capability not found").WithContext("cap_id", capID)
	}
	var ownerCount int64
	if err := s.db.Model(&entityRow{}).Where("id = ?", int64(newOwner)).Count(&ownerCount).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "lookup new owner", err)
	}
	if ownerCount == 0 {
		return verrors.Wrap(verrors.KindEntityNotFound, "give_capability: new owner not found", verrors.ErrEntityNotFound)
	}
	if err := s.db.Model(&capabilityRow{}).Where("id = ?", capID).Update("owner_id", int64(newOwner)).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "update capability owner", err)
	}
	return nil
}

func (s *SQL) DestroyCapability(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Where("id = ?", id).Delete(&capabilityRow{}).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "delete capability", err)
	}
	return nil
}

func (s *SQL) CreateTask(entity EntityID, verb string, args []any, dueMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return 0, verrors.Wrap(verrors.KindStorage, "marshal task args", err)
	}
	row := taskRow{EntityID: int64(entity), Verb: verb, ArgsJSON: string(argsJSON), DueMs: dueMs}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, verrors.Wrap(verrors.KindStorage, "insert task", err)
	}
	return row.ID, nil
}

func (s *SQL) ProcessDue(nowMs int64) ([]ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []taskRow
	if err := s.db.Where("due_ms <= ?", nowMs).Order("due_ms asc, id asc").Find(&rows).Error; err != nil {
		return nil, verrors.Wrap(verrors.KindStorage, "query due tasks", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if err := s.db.Where("id IN ?", ids).Delete(&taskRow{}).Error; err != nil {
		return nil, verrors.Wrap(verrors.KindStorage, "delete processed tasks", err)
	}

	out := make([]ScheduledTask, len(rows))
	for i, r := range rows {
		var args []any
		if err := json.Unmarshal([]byte(r.ArgsJSON), &args); err != nil {
			return nil, verrors.Wrap(verrors.KindStorage, "unmarshal task args", err)
		}
		out[i] = ScheduledTask{ID: r.ID, EntityID: EntityID(r.EntityID), Verb: r.Verb, Args: args, DueMs: r.DueMs}
	}
	return out, nil
}

func (s *SQL) CancelTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Where("id = ?", id).Delete(&taskRow{}).Error; err != nil {
		return verrors.Wrap(verrors.KindStorage, "cancel task", err)
	}
	return nil
}
