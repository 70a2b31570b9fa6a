package s3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb/blobstore"
)

// mockDDBClient keeps commit items in memory.
type mockDDBClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *mockDDBClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := in.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version := in.Item["version"].(*types.AttributeValueMemberN).Value
	key := uri + ":" + version

	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(version)" {
		if _, ok := m.items[key]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	m.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := in.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == uri {
			items = append(items, item)
		}
	}
	version := func(item map[string]types.AttributeValue) uint64 {
		v, _ := strconv.ParseUint(item["version"].(*types.AttributeValueMemberN).Value, 10, 64)
		return v
	}
	sort.Slice(items, func(i, j int) bool { return version(items[i]) > version(items[j]) })

	if in.Limit != nil && int(*in.Limit) < len(items) {
		items = items[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func readCurrent(t *testing.T, store blobstore.BlobStore) string {
	t.Helper()
	data, err := blobstore.ReadAll(context.Background(), store, CurrentName)
	require.NoError(t, err)
	return string(data)
}

func TestDDBCommitStore_Commits(t *testing.T) {
	ctx := context.Background()
	store := NewDDBCommitStore(blobstore.NewMemoryStore(), newMockDDBClient(), "vecdb-commits", "s3://bucket/db/")

	_, err := store.Open(ctx, CurrentName)
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	for i := 1; i <= 12; i++ {
		require.NoError(t, store.Put(ctx, CurrentName, []byte(fmt.Sprintf("CATALOG-%06d.bin", i))))
	}
	assert.Equal(t, "CATALOG-000012.bin", readCurrent(t, store))

	require.NoError(t, store.Delete(ctx, CurrentName))
	assert.Equal(t, "CATALOG-000012.bin", readCurrent(t, store))
}

func TestDDBCommitStore_PassThrough(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()
	store := NewDDBCommitStore(mem, newMockDDBClient(), "vecdb-commits", "s3://bucket/db/")

	require.NoError(t, store.Put(ctx, "CATALOG-000001.bin", []byte("body")))
	names, err := store.List(ctx, "CATALOG-")
	require.NoError(t, err)
	assert.Equal(t, []string{"CATALOG-000001.bin"}, names)

	require.NoError(t, store.Delete(ctx, "CATALOG-000001.bin"))
	assert.Equal(t, 0, mem.Len())
}

func TestDDBCommitStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	store := NewDDBCommitStore(blobstore.NewMemoryStore(), newMockDDBClient(), "vecdb-commits", "s3://bucket/db/")
	require.NoError(t, store.Put(ctx, CurrentName, []byte("CATALOG-000001.bin")))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := store.Put(ctx, CurrentName, []byte(fmt.Sprintf("CATALOG-%06d.bin", id+2)))
			if err != nil && !errors.Is(err, ErrConcurrentModification) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Greater(t, successes, 0)
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	a := NewDDBCommitStore(blobstore.NewMemoryStore(), ddb, "vecdb-commits", "s3://bucket-a/db/")
	b := NewDDBCommitStore(blobstore.NewMemoryStore(), ddb, "vecdb-commits", "s3://bucket-b/db/")

	require.NoError(t, a.Put(ctx, CurrentName, []byte("CATALOG-A")))
	require.NoError(t, b.Put(ctx, CurrentName, []byte("CATALOG-B")))

	assert.Equal(t, "CATALOG-A", readCurrent(t, a))
	assert.Equal(t, "CATALOG-B", readCurrent(t, b))
}
