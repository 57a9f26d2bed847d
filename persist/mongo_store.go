package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps each namespace object as one document keyed by
// "<namespace>/<object>". The version field carries the content hash and
// conditional updates match on it.
type MongoStore struct {
	client    *mongo.Client
	coll      *mongo.Collection
	namespace string
}

// MongoConfig holds the connection settings for MongoStore.
type MongoConfig struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

type mongoObject struct {
	ID        string            `bson:"_id"`
	Namespace string            `bson:"namespace"`
	Object    string            `bson:"object"`
	Data      []byte            `bson:"data"`
	Version   string            `bson:"version"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	CreatedAt time.Time         `bson:"createdAt"`
	UpdatedAt time.Time         `bson:"updatedAt"`
}

func NewMongoStore(ctx context.Context, config MongoConfig, namespace string) (*MongoStore, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}
	if config.URI == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if config.Database == "" {
		config.Database = "heirloom"
	}
	if config.Collection == "" {
		config.Collection = "state"
	}

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := cli.Database(config.Database).Collection(config.Collection)
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "namespace", Value: 1}},
	})

	return &MongoStore{client: cli, coll: coll, namespace: namespace}, nil
}

func NewMongoStoreFromConfig(config StoreConfig, namespace string) (*MongoStore, error) {
	if config.Type != StoreTypeMongo {
		return nil, fmt.Errorf("invalid store type for mongo: %s", config.Type)
	}

	var mongoConfig MongoConfig
	if err := decodeConfig(config.Config, &mongoConfig); err != nil {
		return nil, fmt.Errorf("invalid mongo config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return NewMongoStore(ctx, mongoConfig, namespace)
}

func (m *MongoStore) ListNamespaces() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	values, err := m.coll.Distinct(ctx, "namespace", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	namespaces := make([]string, 0, len(values))
	for _, v := range values {
		if ns, ok := v.(string); ok {
			namespaces = append(namespaces, ns)
		}
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

func (m *MongoStore) SaveState(sealedState []byte, expectedVersion string) (string, error) {
	if len(sealedState) == 0 {
		return "", fmt.Errorf("state cannot be empty")
	}
	return m.put(stateObject, sealedState, expectedVersion, "SaveState", nil)
}

func (m *MongoStore) LoadState() (*VersionedData, error) {
	return m.get(stateObject, "state")
}

func (m *MongoStore) StateExists() (bool, error) {
	return m.exists(stateObject)
}

func (m *MongoStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return m.put(saltObject, saltData, expectedVersion, "SaveSalt", saltMetadata(m.namespace))
}

func (m *MongoStore) LoadSalt() (*VersionedData, error) {
	return m.get(saltObject, "salt")
}

func (m *MongoStore) SaltExists() (bool, error) {
	return m.exists(saltObject)
}

func (m *MongoStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping mongo: %w", err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) GetType() string {
	return string(StoreTypeMongo)
}

func (m *MongoStore) docID(object string) string {
	return m.namespace + "/" + object
}

func (m *MongoStore) put(object string, data []byte, expectedVersion, operation string, metadata map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	now := time.Now().UTC()
	version := contentVersion(data)
	set := bson.M{
		"namespace": m.namespace,
		"object":    object,
		"data":      data,
		"version":   version,
		"updatedAt": now,
	}
	if metadata != nil {
		set["metadata"] = metadata
	}

	if expectedVersion == "" {
		_, err := m.coll.UpdateByID(ctx, m.docID(object),
			bson.M{"$set": set, "$setOnInsert": bson.M{"createdAt": now}},
			options.Update().SetUpsert(true))
		if err != nil {
			return "", fmt.Errorf("failed to save %s: %w", object, err)
		}
		return version, nil
	}

	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": m.docID(object), "version": expectedVersion},
		bson.M{"$set": set})
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", object, err)
	}
	if res.MatchedCount == 0 {
		actual := ""
		if current, err := m.get(object, object); err == nil {
			actual = current.Version
		}
		return "", ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: actual, Operation: operation}
	}
	return version, nil
}

func (m *MongoStore) get(object, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	var doc mongoObject
	err := m.coll.FindOne(ctx, bson.M{"_id": m.docID(object)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	timestamp := doc.UpdatedAt
	if object == saltObject && !doc.CreatedAt.IsZero() {
		timestamp = doc.CreatedAt
	}
	return &VersionedData{Data: doc.Data, Version: doc.Version, Timestamp: timestamp}, nil
}

func (m *MongoStore) exists(object string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": m.docID(object)})
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", object, err)
	}
	return n > 0, nil
}
