// Package mongostore implements store.Store on MongoDB, one collection per entity.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"herbtrace/models"
	"herbtrace/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	client     *mongo.Client
	db         *mongo.Database
	producers  *mongo.Collection
	ledger     *mongo.Collection
	batches    *mongo.Collection
	agencies   *mongo.Collection
	labTests   *mongo.Collection
	processors *mongo.Collection
	anchors    *mongo.Collection
	now        func() time.Time
}

// Open connects to uri, selects database dbName and ensures indexes.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(dbName)
	s := &Store{
		client:     client,
		db:         db,
		producers:  db.Collection("producers"),
		ledger:     db.Collection("harvest_ledger"),
		batches:    db.Collection("batches"),
		agencies:   db.Collection("agencies"),
		labTests:   db.Collection("lab_tests"),
		processors: db.Collection("processor_records"),
		anchors:    db.Collection("anchors"),
		now:        time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	idx := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.producers, mongo.IndexModel{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique}},
		{s.agencies, mongo.IndexModel{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique}},
		{s.batches, mongo.IndexModel{Keys: bson.D{{Key: "code", Value: 1}}, Options: unique}},
		{s.batches, mongo.IndexModel{Keys: bson.D{{Key: "producerId", Value: 1}, {Key: "createdAt", Value: -1}}}},
		{s.labTests, mongo.IndexModel{Keys: bson.D{{Key: "batchId", Value: 1}, {Key: "testedAt", Value: 1}}}},
		{s.processors, mongo.IndexModel{Keys: bson.D{{Key: "batchIds", Value: 1}}}},
		{s.anchors, mongo.IndexModel{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}}},
	}
	for _, i := range idx {
		if _, err := i.coll.Indexes().CreateOne(ctx, i.model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.coll.Name(), err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

// Ping checks connectivity for the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func findOne[T any](ctx context.Context, c *mongo.Collection, filter any, entity models.EntityType, id string) (*T, error) {
	var out T
	if err := c.FindOne(ctx, filter).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &models.NotFoundError{Entity: entity, ID: id}
		}
		return nil, fmt.Errorf("find %s: %w", entity, err)
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, c *mongo.Collection, filter any, opts *options.FindOptions) ([]T, error) {
	cur, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.Name(), err)
	}
	defer cur.Close(ctx)
	out := []T{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.Name(), err)
	}
	return out, nil
}

func insertedID(res *mongo.InsertOneResult) primitive.ObjectID {
	id, _ := res.InsertedID.(primitive.ObjectID)
	return id
}

// ---- producers ----

func (s *Store) CreateProducer(ctx context.Context, p *models.Producer) error {
	p.Email = strings.ToLower(p.Email)
	res, err := s.producers.InsertOne(ctx, p)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &models.ConflictError{Entity: models.EntityProducer, Msg: "email already registered"}
		}
		return fmt.Errorf("insert producer: %w", err)
	}
	p.ID = insertedID(res)
	return nil
}

func (s *Store) GetProducer(ctx context.Context, id primitive.ObjectID) (*models.Producer, error) {
	return findOne[models.Producer](ctx, s.producers, bson.M{"_id": id}, models.EntityProducer, id.Hex())
}

func (s *Store) FindProducerByEmail(ctx context.Context, email string) (*models.Producer, error) {
	return findOne[models.Producer](ctx, s.producers, bson.M{"email": strings.ToLower(email)}, models.EntityProducer, email)
}

func (s *Store) AddHarvested(ctx context.Context, id primitive.ObjectID, delta float64) error {
	res, err := s.producers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"totalHarvested": delta}})
	if err != nil {
		return fmt.Errorf("update producer total: %w", err)
	}
	if res.MatchedCount == 0 {
		return &models.NotFoundError{Entity: models.EntityProducer, ID: id.Hex()}
	}
	return nil
}

func (s *Store) SetProducerLocation(ctx context.Context, id primitive.ObjectID, loc models.Location) (*models.Producer, error) {
	var p models.Producer
	err := s.producers.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"location": loc}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &models.NotFoundError{Entity: models.EntityProducer, ID: id.Hex()}
	}
	if err != nil {
		return nil, fmt.Errorf("update producer location: %w", err)
	}
	return &p, nil
}

// ---- seasonal harvest ledger ----

// ReserveQuota is a single conditional upsert: the filter only matches while
// the bucket has room, so two concurrent reservations cannot both pass. When
// the bucket exists but is full the upsert collides on _id and is reported as
// exceeded.
func (s *Store) ReserveQuota(ctx context.Context, key models.QuotaKey, qty, ceiling float64) (float64, error) {
	id := key.String()
	exceeded := func() (float64, error) {
		have, err := s.HarvestedFor(ctx, key)
		if err != nil {
			return 0, err
		}
		return have, &models.QuotaExceededError{
			Species: key.Species, Season: key.Season, Ceiling: ceiling, Harvested: have, Requested: qty,
		}
	}
	if qty > ceiling+models.QuotaTolerance {
		return exceeded()
	}
	var out models.HarvestLedgerEntry
	err := retryLostUpsert(func() error {
		return s.ledger.FindOneAndUpdate(ctx,
			bson.M{"_id": id, "quantity": bson.M{"$lte": ceiling - qty + models.QuotaTolerance}},
			bson.M{
				"$inc": bson.M{"quantity": qty},
				"$set": bson.M{"updatedAt": s.now().UTC()},
				"$setOnInsert": bson.M{
					"producerId": key.ProducerID,
					"species":    key.Species,
					"season":     key.Season,
				},
			},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&out)
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return exceeded()
		}
		return 0, fmt.Errorf("reserve quota %s: %w", id, err)
	}
	return out.Quantity, nil
}

// retryLostUpsert runs op once more when it failed on a duplicate _id. Two
// first writers to a new bucket both try to insert it; the server does not
// retry an upsert whose filter has a range predicate, so the loser re-runs
// against the document that now exists. A second collision means the
// bucket is full.
func retryLostUpsert(op func() error) error {
	err := op()
	if mongo.IsDuplicateKeyError(err) {
		err = op()
	}
	return err
}

func (s *Store) ReleaseQuota(ctx context.Context, key models.QuotaKey, qty float64) error {
	_, err := s.ledger.UpdateOne(ctx, bson.M{"_id": key.String()}, bson.M{
		"$inc": bson.M{"quantity": -qty},
		"$set": bson.M{"updatedAt": s.now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("release quota %s: %w", key, err)
	}
	return nil
}

func (s *Store) HarvestedFor(ctx context.Context, key models.QuotaKey) (float64, error) {
	e, err := findOne[models.HarvestLedgerEntry](ctx, s.ledger, bson.M{"_id": key.String()}, "harvest ledger", key.String())
	if err != nil {
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			return 0, nil
		}
		return 0, err
	}
	return e.Quantity, nil
}

// ---- batches ----

func (s *Store) CreateBatch(ctx context.Context, b *models.Batch) error {
	res, err := s.batches.InsertOne(ctx, b)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &models.ConflictError{Entity: models.EntityBatch, Msg: "duplicate batch code " + b.Code}
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	b.ID = insertedID(res)
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id primitive.ObjectID) (*models.Batch, error) {
	return findOne[models.Batch](ctx, s.batches, bson.M{"_id": id}, models.EntityBatch, id.Hex())
}

func (s *Store) GetBatchByCode(ctx context.Context, code string) (*models.Batch, error) {
	return findOne[models.Batch](ctx, s.batches, bson.M{"code": code}, models.EntityBatch, code)
}

func (s *Store) ListBatches(ctx context.Context, ids []primitive.ObjectID) ([]models.Batch, error) {
	if len(ids) == 0 {
		return []models.Batch{}, nil
	}
	return findAll[models.Batch](ctx, s.batches, bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
}

func (s *Store) UpdateBatch(ctx context.Context, b *models.Batch) error {
	prev := b.Version
	b.Version = prev + 1
	res, err := s.batches.ReplaceOne(ctx, bson.M{"_id": b.ID, "version": prev}, b)
	if err != nil {
		b.Version = prev
		return fmt.Errorf("replace batch: %w", err)
	}
	if res.MatchedCount == 0 {
		b.Version = prev
		if _, err := s.GetBatch(ctx, b.ID); err != nil {
			return err
		}
		return models.ErrVersionConflict
	}
	return nil
}

// ---- agencies ----

func (s *Store) CreateAgency(ctx context.Context, a *models.Agency) error {
	a.Email = strings.ToLower(a.Email)
	if a.BatchIDs == nil {
		a.BatchIDs = []primitive.ObjectID{}
	}
	res, err := s.agencies.InsertOne(ctx, a)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &models.ConflictError{Entity: models.EntityAgency, Msg: "email already registered"}
		}
		return fmt.Errorf("insert agency: %w", err)
	}
	a.ID = insertedID(res)
	return nil
}

func (s *Store) GetAgency(ctx context.Context, id primitive.ObjectID) (*models.Agency, error) {
	return findOne[models.Agency](ctx, s.agencies, bson.M{"_id": id}, models.EntityAgency, id.Hex())
}

func (s *Store) FindAgencyByEmail(ctx context.Context, email string) (*models.Agency, error) {
	return findOne[models.Agency](ctx, s.agencies, bson.M{"email": strings.ToLower(email)}, models.EntityAgency, email)
}

func (s *Store) AddAgencyBatch(ctx context.Context, agencyID, batchID primitive.ObjectID) (*models.Agency, error) {
	var out models.Agency
	err := s.agencies.FindOneAndUpdate(ctx,
		bson.M{"_id": agencyID},
		bson.M{"$addToSet": bson.M{"batchIds": batchID}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &models.NotFoundError{Entity: models.EntityAgency, ID: agencyID.Hex()}
		}
		return nil, fmt.Errorf("add agency batch: %w", err)
	}
	return &out, nil
}

// ---- lab tests ----

func (s *Store) CreateLabTest(ctx context.Context, t *models.LabTest) error {
	if t.ID.IsZero() {
		t.ID = primitive.NewObjectID()
	}
	if _, err := s.labTests.InsertOne(ctx, t); err != nil {
		return fmt.Errorf("insert lab test: %w", err)
	}
	return nil
}

func (s *Store) GetLabTest(ctx context.Context, id primitive.ObjectID) (*models.LabTest, error) {
	return findOne[models.LabTest](ctx, s.labTests, bson.M{"_id": id}, models.EntityLabTest, id.Hex())
}

func (s *Store) ListLabTestsByBatch(ctx context.Context, batchID primitive.ObjectID) ([]models.LabTest, error) {
	return findAll[models.LabTest](ctx, s.labTests, bson.M{"batchId": batchID},
		options.Find().SetSort(bson.D{{Key: "testedAt", Value: 1}}))
}

// UpdateLabTest replaces the document only if its anchor reference has not
// changed since it was read.
func (s *Store) UpdateLabTest(ctx context.Context, id primitive.ObjectID, mutate func(*models.LabTest) error) (*models.LabTest, error) {
	cur, err := s.GetLabTest(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := store.MutateLabTest(cur, mutate)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"_id": id, "anchorRef": cur.AnchorRef}
	if cur.AnchorRef == "" {
		filter["anchorRef"] = bson.M{"$exists": false}
	}
	res, err := s.labTests.ReplaceOne(ctx, filter, next)
	if err != nil {
		return nil, fmt.Errorf("replace lab test: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, models.ErrVersionConflict
	}
	return next, nil
}

// ---- processor records ----

func (s *Store) CreateProcessorRecord(ctx context.Context, r *models.ProcessorRecord) error {
	if r.ID.IsZero() {
		r.ID = primitive.NewObjectID()
	}
	if _, err := s.processors.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert processor record: %w", err)
	}
	return nil
}

func (s *Store) GetProcessorRecord(ctx context.Context, id primitive.ObjectID) (*models.ProcessorRecord, error) {
	return findOne[models.ProcessorRecord](ctx, s.processors, bson.M{"_id": id}, models.EntityProcessor, id.Hex())
}

func (s *Store) ListProcessorRecordsByBatch(ctx context.Context, batchID primitive.ObjectID) ([]models.ProcessorRecord, error) {
	return findAll[models.ProcessorRecord](ctx, s.processors, bson.M{"batchIds": batchID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func (s *Store) UpdateProcessorRecord(ctx context.Context, id primitive.ObjectID, mutate func(*models.ProcessorRecord) error) (*models.ProcessorRecord, error) {
	cur, err := s.GetProcessorRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(cur); err != nil {
		return nil, err
	}
	if _, err := s.processors.ReplaceOne(ctx, bson.M{"_id": id}, cur); err != nil {
		return nil, fmt.Errorf("replace processor record: %w", err)
	}
	return cur, nil
}

// ---- anchors ----

func (s *Store) GetAnchor(ctx context.Context, id string) (*models.Anchor, error) {
	return findOne[models.Anchor](ctx, s.anchors, bson.M{"_id": id}, models.EntityAnchor, id)
}

func (s *Store) InsertAnchor(ctx context.Context, a *models.Anchor) (*models.Anchor, error) {
	if _, err := s.anchors.InsertOne(ctx, a); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.GetAnchor(ctx, a.ID)
		}
		return nil, fmt.Errorf("insert anchor: %w", err)
	}
	out := *a
	return &out, nil
}

func (s *Store) SaveAnchor(ctx context.Context, a *models.Anchor) error {
	_, err := s.anchors.ReplaceOne(ctx, bson.M{"_id": a.ID}, a, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save anchor: %w", err)
	}
	return nil
}

func (s *Store) ListPendingAnchors(ctx context.Context, limit int) ([]models.Anchor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{"$or": bson.A{
		bson.M{"status": models.AnchorStatusPending},
		bson.M{"status": models.AnchorStatusAnchored, "attached": bson.M{"$ne": true}},
	}}
	return findAll[models.Anchor](ctx, s.anchors, filter, opts)
}
