// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package catalog is a thin gateway over the document store. It exposes
// exactly the operations the ingestion pipeline needs; everything else
// (query language, aggregation engine) belongs to the store.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ztf-alerts/alertwatcher/pkg/config"
	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

// Gateway wraps a store connection. It is safe for concurrent use; the
// underlying client maintains its own connection pool.
type Gateway struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials the store and verifies the connection. Transient dial
// failures are retried with exponential backoff; running out of retries
// is fatal to the caller.
func Connect(ctx context.Context, cfg config.Database) (*Gateway, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)
	opts := options.Client().ApplyURI(uri)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			AuthSource: cfg.DB,
			Username:   cfg.Username,
			Password:   cfg.Password,
		})
	}

	var client *mongo.Client
	op := func() error {
		var err error
		client, err = mongo.Connect(ctx, opts)
		if err != nil {
			return err
		}
		if err = client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.Wrapf(err, "unable to connect to document store at %s", uri)
	}

	return &Gateway{client: client, db: client.Database(cfg.DB)}, nil
}

// Close releases the connection pool.
func (g *Gateway) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}

// Exists reports whether a document matching filter exists in coll.
func (g *Gateway) Exists(ctx context.Context, coll string, filter bson.M) (bool, error) {
	n, err := g.db.Collection(coll).CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrapf(err, "exists query on %s failed", coll)
	}
	return n > 0, nil
}

// InsertOne writes a single document.
func (g *Gateway) InsertOne(ctx context.Context, coll string, doc interface{}) error {
	if _, err := g.db.Collection(coll).InsertOne(ctx, doc); err != nil {
		return errors.Wrapf(err, "insert into %s failed", coll)
	}
	return nil
}

// InsertMany writes documents unordered so that per-document duplicates
// are skipped without aborting the batch. Duplicate-key errors are
// logged and swallowed; anything else is returned.
func (g *Gateway) InsertMany(ctx context.Context, coll string, docs []interface{}) error {
	_, err := g.db.Collection(coll).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			log.Debugf("catalog: skipped duplicates during bulk insert into %s: %v", coll, err)
			return nil
		}
		return errors.Wrapf(err, "bulk insert into %s failed", coll)
	}
	return nil
}

// UpsertAppendToSet appends items to the named array field of the
// document with the given _id, with set semantics: values already
// present are not duplicated. The operation is atomic per document,
// which makes concurrent workers observing the same object converge
// without locking.
func (g *Gateway) UpsertAppendToSet(ctx context.Context, coll string, id interface{}, field string, items interface{}) error {
	update := bson.M{"$addToSet": bson.M{field: bson.M{"$each": items}}}
	_, err := g.db.Collection(coll).UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrapf(err, "upsert-append on %s failed", coll)
	}
	return nil
}

// Find runs a projected query and decodes all results.
func (g *Gateway) Find(ctx context.Context, coll string, filter, projection bson.M) ([]bson.M, error) {
	opts := options.Find()
	if projection != nil {
		opts.SetProjection(projection)
	}
	cur, err := g.db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find on %s failed", coll)
	}
	defer cur.Close(ctx)

	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrapf(err, "find on %s: cursor drain failed", coll)
	}
	return out, nil
}

// FindOne runs a projected point query, decoding into out. Returns
// mongo.ErrNoDocuments when nothing matches.
func (g *Gateway) FindOne(ctx context.Context, coll string, filter, projection bson.M, out interface{}) error {
	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}
	return g.db.Collection(coll).FindOne(ctx, filter, opts).Decode(out)
}

// Aggregate runs a pipeline with disk use disabled and a hard time
// budget, the sandbox for user-supplied filter pipelines.
func (g *Gateway) Aggregate(ctx context.Context, coll string, pipeline interface{}, timeBudget time.Duration) ([]bson.M, error) {
	opts := options.Aggregate().SetAllowDiskUse(false)
	if timeBudget > 0 {
		opts.SetMaxTime(timeBudget)
	}
	cur, err := g.db.Collection(coll).Aggregate(ctx, pipeline, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregation on %s failed", coll)
	}
	defer cur.Close(ctx)

	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrapf(err, "aggregation on %s: cursor drain failed", coll)
	}
	return out, nil
}

// EnsureIndexes creates the configured indexes on coll as background
// builds. Each definition is a list of [field, direction] pairs where
// direction is 1, -1 or an index type such as "2dsphere".
func (g *Gateway) EnsureIndexes(ctx context.Context, coll string, defs map[string][][]interface{}) error {
	for name, keys := range defs {
		keyDoc := bson.D{}
		for _, pair := range keys {
			if len(pair) != 2 {
				return errors.Errorf("index %s on %s: malformed key pair %v", name, coll, pair)
			}
			field, ok := pair[0].(string)
			if !ok {
				return errors.Errorf("index %s on %s: non-string field %v", name, coll, pair[0])
			}
			keyDoc = append(keyDoc, bson.E{Key: field, Value: normalizeDirection(pair[1])})
		}
		model := mongo.IndexModel{
			Keys:    keyDoc,
			Options: options.Index().SetName(name).SetBackground(true),
		}
		if _, err := g.db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
			return errors.Wrapf(err, "unable to create index %s on %s", name, coll)
		}
		log.Debugf("catalog: ensured index %s on %s", name, coll)
	}
	return nil
}

// normalizeDirection maps YAML-decoded index directions to what the
// store expects: ints for ordered keys, strings for special types.
func normalizeDirection(v interface{}) interface{} {
	switch d := v.(type) {
	case int:
		return d
	case int64:
		return int(d)
	case float64:
		return int(d)
	case string:
		return d
	}
	return v
}
