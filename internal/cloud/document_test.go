package cloud_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/cloud"
	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/resilience"
)

// fakeDynamo keeps items per expense_id for a single user and evaluates the
// last-write-wins put condition.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	pageSize  int
	txCalls   int
	txSizes   []int
	tokens    []string
	failTx    int // transient failures before succeeding
	missTable bool
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue), pageSize: 2}
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.missTable {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := 0
	if in.ExclusiveStartKey != nil {
		start, _ = strconv.Atoi(in.ExclusiveStartKey["offset"].(*types.AttributeValueMemberN).Value)
	}

	ids := sortedKeys(f.items)
	end := min(start+f.pageSize, len(ids))
	out := &dynamodb.QueryOutput{}
	for _, id := range ids[start:end] {
		out.Items = append(out.Items, f.items[id])
	}
	if end < len(ids) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"offset": &types.AttributeValueMemberN{Value: strconv.Itoa(end)},
		}
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txCalls++
	if f.failTx > 0 {
		f.failTx--
		return nil, errors.New("throttled")
	}
	if len(in.TransactItems) > cloud.MaxTransactItems {
		return nil, fmt.Errorf("too many items: %d", len(in.TransactItems))
	}
	f.txSizes = append(f.txSizes, len(in.TransactItems))
	f.tokens = append(f.tokens, aws.ToString(in.ClientRequestToken))

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if ti.Put == nil {
			continue
		}
		id := ti.Put.Item["expense_id"].(*types.AttributeValueMemberS).Value
		existing, ok := f.items[id]
		if !ok {
			continue
		}
		ts := ti.Put.ExpressionAttributeValues[":ts"].(*types.AttributeValueMemberN).Value
		if numAttr(existing["updated_at"]) > mustInt(ts) {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			id := ti.Put.Item["expense_id"].(*types.AttributeValueMemberS).Value
			f.items[id] = ti.Put.Item
		case ti.Delete != nil:
			delete(f.items, ti.Delete.Key["expense_id"].(*types.AttributeValueMemberS).Value)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) seed(id string, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = map[string]types.AttributeValue{
		"user_id":    &types.AttributeValueMemberS{Value: "user-1"},
		"expense_id": &types.AttributeValueMemberS{Value: id},
		"updated_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(updatedAt.UnixMilli(), 10)},
		"image_url":  &types.AttributeValueMemberS{Value: "https://img/" + id},
	}
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return &s3.DeleteObjectOutput{}, nil
}

func sortedKeys(m map[string]map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func numAttr(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	return mustInt(n.Value)
}

func mustInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Policy{
		MaxAttempts:      3,
		InitialDelay:     time.Millisecond,
		MaxDelay:         time.Millisecond,
		BreakerThreshold: 10,
		BreakerCooldown:  time.Minute,
	}, events.NewNopLogger())
}

func newDocumentStrategy(t *testing.T, db *fakeDynamo, objects *fakeObjects) *cloud.DocumentStrategy {
	t.Helper()
	cfg := config.CloudConfig{Region: "eu-west-1", Table: "expenses", Bucket: "receipts"}
	s := cloud.NewDocumentStrategyWithClients(db, objects, cfg, testExecutor(), events.NewNopLogger())
	require.NoError(t, s.Connect(context.Background(), "user-1"))
	return s
}

func expenseAt(id string, updated time.Time) *models.Expense {
	return &models.Expense{
		ID:        id,
		Amount:    12.5,
		Tag:       "food",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestDocumentConnect(t *testing.T) {
	t.Run("missing user", func(t *testing.T) {
		s := cloud.NewDocumentStrategyWithClients(newFakeDynamo(), &fakeObjects{}, config.CloudConfig{Table: "t"}, testExecutor(), events.NewNopLogger())
		assert.ErrorIs(t, s.Connect(context.Background(), ""), models.ErrNotAuthenticated)
	})

	t.Run("missing table is not retried", func(t *testing.T) {
		db := newFakeDynamo()
		db.missTable = true
		s := cloud.NewDocumentStrategyWithClients(db, &fakeObjects{}, config.CloudConfig{Table: "t"}, testExecutor(), events.NewNopLogger())

		err := s.Connect(context.Background(), "user-1")
		var notFound *types.ResourceNotFoundException
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestDocumentFetchRemotePaginates(t *testing.T) {
	db := newFakeDynamo()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		db.seed(fmt.Sprintf("exp-%d", i), now)
	}

	s := newDocumentStrategy(t, db, &fakeObjects{})
	remote, err := s.FetchRemote(context.Background())
	require.NoError(t, err)

	require.Len(t, remote, 5)
	assert.True(t, remote["exp-3"].UpdatedAt.Equal(now))
	assert.Equal(t, "https://img/exp-3", remote["exp-3"].ImageURL)
}

func TestDocumentCommitChunksTransactions(t *testing.T) {
	db := newFakeDynamo()
	s := newDocumentStrategy(t, db, &fakeObjects{})

	now := time.Now().UTC()
	var batch cloud.Batch
	for i := 0; i < 250; i++ {
		batch.Upserts = append(batch.Upserts, cloud.Upsert{
			Expense:     expenseAt(fmt.Sprintf("exp-%03d", i), now),
			ContentHash: "h",
			Create:      true,
		})
	}

	res, err := s.Commit(context.Background(), batch)
	require.NoError(t, err)

	assert.Len(t, res.Upserted, 250)
	assert.Equal(t, []int{100, 100, 50}, db.txSizes)
	for _, tok := range db.tokens {
		assert.Len(t, tok, 32)
	}
}

func TestDocumentCommitLastWriteWins(t *testing.T) {
	db := newFakeDynamo()
	now := time.Now().UTC()
	db.seed("newer", now.Add(time.Hour))
	db.seed("older", now.Add(-time.Hour))

	s := newDocumentStrategy(t, db, &fakeObjects{})
	res, err := s.Commit(context.Background(), cloud.Batch{
		Upserts: []cloud.Upsert{
			{Expense: expenseAt("newer", now), ContentHash: "a"},
			{Expense: expenseAt("older", now), ContentHash: "b"},
			{Expense: expenseAt("fresh", now), ContentHash: "c", Create: true},
		},
		Deletes: []cloud.Delete{{ExpenseID: "gone"}},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, res.Rejected["newer"], models.ErrRemoteNewer)
	assert.Contains(t, res.Upserted, "older")
	assert.Contains(t, res.Upserted, "fresh")
	assert.Equal(t, []string{"gone"}, res.Deleted)
	assert.Equal(t, 2, db.txCalls, "conflicting item is dropped and the chunk retried once")
}

func TestDocumentCommitRetriesTransientFailures(t *testing.T) {
	db := newFakeDynamo()
	db.failTx = 2
	s := newDocumentStrategy(t, db, &fakeObjects{})

	res, err := s.Commit(context.Background(), cloud.Batch{
		Upserts: []cloud.Upsert{{Expense: expenseAt("a", time.Now()), ContentHash: "h", Create: true}},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Upserted, "a")
	assert.Equal(t, 3, db.txCalls)
}

func TestDocumentImages(t *testing.T) {
	objects := &fakeObjects{}
	s := newDocumentStrategy(t, newFakeDynamo(), objects)

	url, err := s.UploadImage(context.Background(), "exp-1", "abcd1234.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "https://receipts.s3.eu-west-1.amazonaws.com/users/user-1/expenses/exp-1/abcd1234.jpg", url)
	assert.Equal(t, []byte("jpeg"), objects.objects["users/user-1/expenses/exp-1/abcd1234.jpg"])

	require.NoError(t, s.DeleteImage(context.Background(), url))
	assert.Equal(t, []string{"users/user-1/expenses/exp-1/abcd1234.jpg"}, objects.deleted)

	assert.Error(t, s.DeleteImage(context.Background(), "https://elsewhere/x.jpg"))
}

func TestDocumentPublicBaseURL(t *testing.T) {
	cfg := config.CloudConfig{Table: "t", Bucket: "b", PublicBaseURL: "https://cdn.example.com/"}
	s := cloud.NewDocumentStrategyWithClients(newFakeDynamo(), &fakeObjects{}, cfg, testExecutor(), events.NewNopLogger())
	require.NoError(t, s.Connect(context.Background(), "u"))

	url, err := s.UploadImage(context.Background(), "e", "n.jpg", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/users/u/expenses/e/n.jpg", url)
}

func TestBatchYears(t *testing.T) {
	a := expenseAt("a", time.Now())
	b := expenseAt("b", time.Now())
	b.Timestamp = time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	batch := cloud.Batch{Upserts: []cloud.Upsert{{Expense: a}, {Expense: b}, {Expense: a}}}
	assert.Equal(t, []int{2026, 2025}, batch.Years())
	assert.False(t, batch.Empty())
	assert.True(t, cloud.Batch{}.Empty())
}

func TestMemoryStrategyLastWriteWins(t *testing.T) {
	m := cloud.NewMemoryStrategy("cloud")
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "u"))

	now := time.Now().UTC()
	m.Seed(*expenseAt("x", now), now.Add(time.Minute))

	res, err := m.Commit(ctx, cloud.Batch{Upserts: []cloud.Upsert{
		{Expense: expenseAt("x", now)},
		{Expense: expenseAt("y", now)},
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Rejected["x"], models.ErrRemoteNewer)
	assert.Contains(t, res.Upserted, "y")
	assert.Equal(t, 2, m.Len())
}
