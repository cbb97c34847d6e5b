// Package memstore provides an in-memory store.Store used for tests and
// ephemeral deployments (STORE_DRIVER=memory).
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"herbtrace/models"
	"herbtrace/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

// Store keeps every collection in maps guarded by one RWMutex. Quota
// check-and-increment happens entirely under the write lock.
type Store struct {
	mu         sync.RWMutex
	producers  map[primitive.ObjectID]models.Producer
	ledger     map[string]models.HarvestLedgerEntry
	batches    map[primitive.ObjectID]*models.Batch
	agencies   map[primitive.ObjectID]models.Agency
	labTests   map[primitive.ObjectID]*models.LabTest
	processors map[primitive.ObjectID]models.ProcessorRecord
	anchors    map[string]models.Anchor
}

func New() *Store {
	return &Store{
		producers:  make(map[primitive.ObjectID]models.Producer),
		ledger:     make(map[string]models.HarvestLedgerEntry),
		batches:    make(map[primitive.ObjectID]*models.Batch),
		agencies:   make(map[primitive.ObjectID]models.Agency),
		labTests:   make(map[primitive.ObjectID]*models.LabTest),
		processors: make(map[primitive.ObjectID]models.ProcessorRecord),
		anchors:    make(map[string]models.Anchor),
	}
}

func notFound(e models.EntityType, id string) error { return &models.NotFoundError{Entity: e, ID: id} }

// ---- producers ----

func (s *Store) CreateProducer(_ context.Context, p *models.Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.producers {
		if strings.EqualFold(existing.Email, p.Email) {
			return &models.ConflictError{Entity: models.EntityProducer, Msg: "email already registered"}
		}
	}
	if p.ID.IsZero() {
		p.ID = primitive.NewObjectID()
	}
	s.producers[p.ID] = *p
	return nil
}

func (s *Store) GetProducer(_ context.Context, id primitive.ObjectID) (*models.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.producers[id]
	if !ok {
		return nil, notFound(models.EntityProducer, id.Hex())
	}
	return &p, nil
}

func (s *Store) FindProducerByEmail(_ context.Context, email string) (*models.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.producers {
		if strings.EqualFold(p.Email, email) {
			return &p, nil
		}
	}
	return nil, notFound(models.EntityProducer, email)
}

func (s *Store) AddHarvested(_ context.Context, id primitive.ObjectID, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[id]
	if !ok {
		return notFound(models.EntityProducer, id.Hex())
	}
	p.TotalHarvested += delta
	s.producers[id] = p
	return nil
}

func (s *Store) SetProducerLocation(_ context.Context, id primitive.ObjectID, loc models.Location) (*models.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[id]
	if !ok {
		return nil, notFound(models.EntityProducer, id.Hex())
	}
	p.Location = loc
	s.producers[id] = p
	return &p, nil
}

// ---- seasonal harvest ledger ----

func (s *Store) ReserveQuota(_ context.Context, key models.QuotaKey, qty, ceiling float64) (float64, error) {
	id := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.ledger[id]
	if entry.Quantity+qty > ceiling+models.QuotaTolerance {
		return entry.Quantity, &models.QuotaExceededError{
			Species: key.Species, Season: key.Season, Ceiling: ceiling, Harvested: entry.Quantity, Requested: qty,
		}
	}
	entry.ID = id
	entry.ProducerID = key.ProducerID
	entry.Species = key.Species
	entry.Season = key.Season
	entry.Quantity += qty
	s.ledger[id] = entry
	return entry.Quantity, nil
}

func (s *Store) ReleaseQuota(_ context.Context, key models.QuotaKey, qty float64) error {
	id := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.ledger[id]
	if !ok {
		return nil
	}
	entry.Quantity -= qty
	if entry.Quantity < 0 {
		entry.Quantity = 0
	}
	s.ledger[id] = entry
	return nil
}

func (s *Store) HarvestedFor(_ context.Context, key models.QuotaKey) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger[key.String()].Quantity, nil
}

// ---- batches ----

func (s *Store) CreateBatch(_ context.Context, b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.batches {
		if existing.Code == b.Code {
			return &models.ConflictError{Entity: models.EntityBatch, Msg: "duplicate batch code " + b.Code}
		}
	}
	if b.ID.IsZero() {
		b.ID = primitive.NewObjectID()
	}
	s.batches[b.ID] = b.Clone()
	return nil
}

func (s *Store) GetBatch(_ context.Context, id primitive.ObjectID) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, notFound(models.EntityBatch, id.Hex())
	}
	return b.Clone(), nil
}

func (s *Store) GetBatchByCode(_ context.Context, code string) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if b.Code == code {
			return b.Clone(), nil
		}
	}
	return nil, notFound(models.EntityBatch, code)
}

func (s *Store) ListBatches(_ context.Context, ids []primitive.ObjectID) ([]models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Batch, 0, len(ids))
	for _, id := range ids {
		if b, ok := s.batches[id]; ok {
			out = append(out, *b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateBatch(_ context.Context, b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.batches[b.ID]
	if !ok {
		return notFound(models.EntityBatch, b.ID.Hex())
	}
	if cur.Version != b.Version {
		return models.ErrVersionConflict
	}
	b.Version++
	s.batches[b.ID] = b.Clone()
	return nil
}

// ---- agencies ----

func (s *Store) CreateAgency(_ context.Context, a *models.Agency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agencies {
		if strings.EqualFold(existing.Email, a.Email) {
			return &models.ConflictError{Entity: models.EntityAgency, Msg: "email already registered"}
		}
	}
	if a.ID.IsZero() {
		a.ID = primitive.NewObjectID()
	}
	if a.BatchIDs == nil {
		a.BatchIDs = []primitive.ObjectID{}
	}
	s.agencies[a.ID] = cloneAgency(*a)
	return nil
}

func (s *Store) GetAgency(_ context.Context, id primitive.ObjectID) (*models.Agency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agencies[id]
	if !ok {
		return nil, notFound(models.EntityAgency, id.Hex())
	}
	a = cloneAgency(a)
	return &a, nil
}

func (s *Store) FindAgencyByEmail(_ context.Context, email string) (*models.Agency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agencies {
		if strings.EqualFold(a.Email, email) {
			a = cloneAgency(a)
			return &a, nil
		}
	}
	return nil, notFound(models.EntityAgency, email)
}

func (s *Store) AddAgencyBatch(_ context.Context, agencyID, batchID primitive.ObjectID) (*models.Agency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agencies[agencyID]
	if !ok {
		return nil, notFound(models.EntityAgency, agencyID.Hex())
	}
	if !a.HasBatch(batchID) {
		a.BatchIDs = append(a.BatchIDs, batchID)
		s.agencies[agencyID] = a
	}
	a = cloneAgency(a)
	return &a, nil
}

func cloneAgency(a models.Agency) models.Agency {
	a.BatchIDs = append([]primitive.ObjectID{}, a.BatchIDs...)
	return a
}

// ---- lab tests ----

func (s *Store) CreateLabTest(_ context.Context, t *models.LabTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID.IsZero() {
		t.ID = primitive.NewObjectID()
	}
	s.labTests[t.ID] = t.Clone()
	return nil
}

func (s *Store) GetLabTest(_ context.Context, id primitive.ObjectID) (*models.LabTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.labTests[id]
	if !ok {
		return nil, notFound(models.EntityLabTest, id.Hex())
	}
	return t.Clone(), nil
}

func (s *Store) ListLabTestsByBatch(_ context.Context, batchID primitive.ObjectID) ([]models.LabTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.LabTest{}
	for _, t := range s.labTests {
		if t.BatchID == batchID {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestedAt.Before(out[j].TestedAt) })
	return out, nil
}

func (s *Store) UpdateLabTest(_ context.Context, id primitive.ObjectID, mutate func(*models.LabTest) error) (*models.LabTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.labTests[id]
	if !ok {
		return nil, notFound(models.EntityLabTest, id.Hex())
	}
	next, err := store.MutateLabTest(cur, mutate)
	if err != nil {
		return nil, err
	}
	s.labTests[id] = next.Clone()
	return next, nil
}

// ---- processor records ----

func (s *Store) CreateProcessorRecord(_ context.Context, r *models.ProcessorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID.IsZero() {
		r.ID = primitive.NewObjectID()
	}
	s.processors[r.ID] = cloneProcessor(*r)
	return nil
}

func (s *Store) GetProcessorRecord(_ context.Context, id primitive.ObjectID) (*models.ProcessorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.processors[id]
	if !ok {
		return nil, notFound(models.EntityProcessor, id.Hex())
	}
	r = cloneProcessor(r)
	return &r, nil
}

func (s *Store) ListProcessorRecordsByBatch(_ context.Context, batchID primitive.ObjectID) ([]models.ProcessorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.ProcessorRecord{}
	for _, r := range s.processors {
		for _, id := range r.BatchIDs {
			if id == batchID {
				out = append(out, cloneProcessor(r))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateProcessorRecord(_ context.Context, id primitive.ObjectID, mutate func(*models.ProcessorRecord) error) (*models.ProcessorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.processors[id]
	if !ok {
		return nil, notFound(models.EntityProcessor, id.Hex())
	}
	next := cloneProcessor(r)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	s.processors[id] = cloneProcessor(next)
	return &next, nil
}

func cloneProcessor(r models.ProcessorRecord) models.ProcessorRecord {
	r.BatchIDs = append([]primitive.ObjectID(nil), r.BatchIDs...)
	return r
}

// ---- anchors ----

func (s *Store) GetAnchor(_ context.Context, id string) (*models.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[id]
	if !ok {
		return nil, notFound(models.EntityAnchor, id)
	}
	return &a, nil
}

func (s *Store) InsertAnchor(_ context.Context, a *models.Anchor) (*models.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.anchors[a.ID]; ok {
		return &existing, nil
	}
	s.anchors[a.ID] = *a
	out := *a
	return &out, nil
}

func (s *Store) SaveAnchor(_ context.Context, a *models.Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors[a.ID] = *a
	return nil
}

func (s *Store) ListPendingAnchors(_ context.Context, limit int) ([]models.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Anchor
	for _, a := range s.anchors {
		if a.Outstanding() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
