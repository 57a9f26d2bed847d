package persist

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMongoStore runs against the server named by HEIRLOOM_TEST_MONGO_URI.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("HEIRLOOM_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("HEIRLOOM_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	collection := "state_" + time.Now().UTC().Format("20060102150405")
	store, err := NewMongoStore(ctx, MongoConfig{
		URI:        uri,
		Database:   "heirloom_test",
		Collection: collection,
	}, testNamespace)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.coll.Drop(context.Background())
		_ = store.Close()
	})

	testStoreImplementation(t, store)
}

func TestMongoStoreFromConfigRequiresURI(t *testing.T) {
	_, err := NewMongoStoreFromConfig(StoreConfig{
		Type:   StoreTypeMongo,
		Config: map[string]interface{}{"database": "x"},
	}, testNamespace)
	require.Error(t, err)

	_, err = NewMongoStoreFromConfig(StoreConfig{Type: StoreTypeS3}, testNamespace)
	require.Error(t, err)
}
