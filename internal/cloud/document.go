package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/resilience"
)

// DocumentTarget is the sync state key of the document store.
const DocumentTarget = "cloud"

// MaxTransactItems is the DynamoDB limit per TransactWriteItems call.
const MaxTransactItems = 100

var (
	_ Strategy = (*DocumentStrategy)(nil)
	_ Strategy = (*MemoryStrategy)(nil)
)

// DynamoAPI is the subset of the DynamoDB client in use.
type DynamoAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// ObjectAPI is the subset of the S3 client in use.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// expenseDocument is the DynamoDB item of one expense.
type expenseDocument struct {
	UserID              string   `dynamodbav:"user_id"`
	ExpenseID           string   `dynamodbav:"expense_id"`
	Amount              float64  `dynamodbav:"amount"`
	Timestamp           int64    `dynamodbav:"timestamp"`
	Tag                 string   `dynamodbav:"tag"`
	ImageURL            string   `dynamodbav:"image_url,omitempty"`
	DestinationAmount   *float64 `dynamodbav:"destination_amount,omitempty"`
	DestinationCurrency string   `dynamodbav:"destination_currency,omitempty"`
	Note                string   `dynamodbav:"note,omitempty"`
	ContentHash         string   `dynamodbav:"content_hash"`
	CreatedAt           int64    `dynamodbav:"created_at"`
	UpdatedAt           int64    `dynamodbav:"updated_at"`
}

// DocumentStrategy pushes expenses to a DynamoDB table keyed by
// (user_id, expense_id) and receipts to an S3 bucket.
type DocumentStrategy struct {
	db      DynamoAPI
	objects ObjectAPI
	table   string
	bucket  string
	baseURL string
	exec    *resilience.Executor
	logger  *events.Logger

	userID string
}

// NewDocumentStrategy builds AWS clients from the default credential chain.
// A nil httpClient uses the SDK default.
func NewDocumentStrategy(ctx context.Context, cfg config.CloudConfig, httpClient *http.Client, exec *resilience.Executor, logger *events.Logger) (*DocumentStrategy, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	db := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	objects := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewDocumentStrategyWithClients(db, objects, cfg, exec, logger), nil
}

// NewDocumentStrategyWithClients uses the given clients.
func NewDocumentStrategyWithClients(db DynamoAPI, objects ObjectAPI, cfg config.CloudConfig, exec *resilience.Executor, logger *events.Logger) *DocumentStrategy {
	baseURL := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		switch {
		case cfg.Endpoint != "":
			baseURL = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket
		default:
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}

	return &DocumentStrategy{
		db:      db,
		objects: objects,
		table:   cfg.Table,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		exec:    exec,
		logger:  logger.WithField("component", "document_strategy"),
	}
}

// Target implements Strategy.
func (s *DocumentStrategy) Target() string {
	return DocumentTarget
}

// Connect checks the table is reachable.
func (s *DocumentStrategy) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return models.ErrNotAuthenticated
	}
	s.userID = userID

	return s.exec.Do(ctx, "dynamodb", "describe_table", func(ctx context.Context) error {
		_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return resilience.Permanent(fmt.Errorf("table %s: %w", s.table, err))
		}
		return err
	})
}

// FetchRemote queries every document of the user.
func (s *DocumentStrategy) FetchRemote(ctx context.Context) (map[string]RemoteRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#uid = :uid"),
		ProjectionExpression:   aws.String("#id, #updated, #img"),
		ExpressionAttributeNames: map[string]string{
			"#uid":     "user_id",
			"#id":      "expense_id",
			"#updated": "updated_at",
			"#img":     "image_url",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: s.userID},
		},
	}

	remote := make(map[string]RemoteRecord)
	paginator := dynamodb.NewQueryPaginator(s.db, input)
	for paginator.HasMorePages() {
		var page *dynamodb.QueryOutput
		err := s.exec.Do(ctx, "dynamodb", "query", func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}

		var docs []expenseDocument
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &docs); err != nil {
			return nil, fmt.Errorf("decode documents: %w", err)
		}
		for _, d := range docs {
			remote[d.ExpenseID] = RemoteRecord{
				ExpenseID: d.ExpenseID,
				UpdatedAt: time.UnixMilli(d.UpdatedAt).UTC(),
				ImageURL:  d.ImageURL,
				Ref:       d.ExpenseID,
			}
		}
	}

	s.logger.WithField("documents", len(remote)).Debug("Fetched remote documents")
	return remote, nil
}

// Prepare has nothing to set up on a document store.
func (s *DocumentStrategy) Prepare(ctx context.Context, batch Batch) error {
	return nil
}

// UploadImage puts a receipt under users/<uid>/expenses/<id>/<name>.
func (s *DocumentStrategy) UploadImage(ctx context.Context, expenseID, name string, data []byte) (string, error) {
	key := s.imageKey(expenseID, name)

	err := s.exec.Do(ctx, "s3", "put_object", func(ctx context.Context) error {
		_, err := s.objects.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentType:   aws.String("image/jpeg"),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return "", err
	}

	return s.baseURL + "/" + key, nil
}

// DeleteImage removes a receipt previously returned by UploadImage.
func (s *DocumentStrategy) DeleteImage(ctx context.Context, imageURL string) error {
	key, ok := s.keyFromURL(imageURL)
	if !ok {
		return fmt.Errorf("image %s is not in bucket %s", imageURL, s.bucket)
	}

	return s.exec.Do(ctx, "s3", "delete_object", func(ctx context.Context) error {
		_, err := s.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// Commit writes the batch in transactions of at most MaxTransactItems. Each
// transaction is all-or-nothing. Puts only overwrite documents that are not
// newer than the local copy.
func (s *DocumentStrategy) Commit(ctx context.Context, batch Batch) (*CommitResult, error) {
	result := NewCommitResult()

	items := make([]txItem, 0, len(batch.Upserts)+len(batch.Deletes))
	for _, u := range batch.Upserts {
		item, err := s.putItem(u)
		if err != nil {
			result.Rejected[u.Expense.ID] = err
			continue
		}
		items = append(items, item)
	}
	for _, d := range batch.Deletes {
		items = append(items, s.deleteItem(d))
	}

	var errs []error
	for start := 0; start < len(items); start += MaxTransactItems {
		end := min(start+MaxTransactItems, len(items))
		if err := s.commitChunk(ctx, items[start:end], result); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"upserted": len(result.Upserted),
		"deleted":  len(result.Deleted),
		"rejected": len(result.Rejected),
	}).Info("Committed documents")

	return result, errors.Join(errs...)
}

type txItem struct {
	expenseID string
	deletion  bool
	write     types.TransactWriteItem
	token     string
}

func (s *DocumentStrategy) putItem(u Upsert) (txItem, error) {
	e := u.Expense
	doc := expenseDocument{
		UserID:              s.userID,
		ExpenseID:           e.ID,
		Amount:              e.Amount,
		Timestamp:           e.Timestamp.UnixMilli(),
		Tag:                 e.Tag,
		ImageURL:            u.ImageURL,
		DestinationAmount:   e.DestinationAmount,
		DestinationCurrency: e.DestinationCurrency,
		Note:                e.Note,
		ContentHash:         u.ContentHash,
		CreatedAt:           e.CreatedAt.UnixMilli(),
		UpdatedAt:           e.UpdatedAt.UnixMilli(),
	}

	av, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return txItem{}, fmt.Errorf("encode %s: %w", e.ID, err)
	}

	return txItem{
		expenseID: e.ID,
		token:     e.ID + "|" + u.ContentHash,
		write: types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(#id) OR #updated <= :ts"),
				ExpressionAttributeNames: map[string]string{
					"#id":      "expense_id",
					"#updated": "updated_at",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ts": &types.AttributeValueMemberN{Value: strconv.FormatInt(doc.UpdatedAt, 10)},
				},
			},
		},
	}, nil
}

func (s *DocumentStrategy) deleteItem(d Delete) txItem {
	return txItem{
		expenseID: d.ExpenseID,
		deletion:  true,
		token:     d.ExpenseID + "|delete",
		write: types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.table),
				Key: map[string]types.AttributeValue{
					"user_id":    &types.AttributeValueMemberS{Value: s.userID},
					"expense_id": &types.AttributeValueMemberS{Value: d.ExpenseID},
				},
			},
		},
	}
}

// commitChunk runs one transaction. Items refused by the last-write-wins
// condition are recorded as rejected and the rest retried once without them.
func (s *DocumentStrategy) commitChunk(ctx context.Context, items []txItem, result *CommitResult) error {
	for round := 0; round < 2 && len(items) > 0; round++ {
		err := s.transact(ctx, items)
		if err == nil {
			for _, it := range items {
				if it.deletion {
					result.Deleted = append(result.Deleted, it.expenseID)
				} else {
					result.Upserted[it.expenseID] = it.expenseID
				}
			}
			return nil
		}

		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return err
		}

		remaining := items[:0:0]
		conflicts := 0
		for i, it := range items {
			if i < len(canceled.CancellationReasons) && aws.ToString(canceled.CancellationReasons[i].Code) == "ConditionalCheckFailed" {
				result.Rejected[it.expenseID] = models.ErrRemoteNewer
				conflicts++
				continue
			}
			remaining = append(remaining, it)
		}
		if conflicts == 0 {
			return err
		}

		s.logger.WithField("conflicts", conflicts).Warn("Remote documents are newer; retrying transaction without them")
		items = remaining
	}

	if len(items) > 0 {
		return fmt.Errorf("transaction of %d items still conflicting", len(items))
	}
	return nil
}

func (s *DocumentStrategy) transact(ctx context.Context, items []txItem) error {
	writes := make([]types.TransactWriteItem, len(items))
	for i, it := range items {
		writes[i] = it.write
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems:      writes,
		ClientRequestToken: aws.String(requestToken(items)),
	}

	return s.exec.Do(ctx, "dynamodb", "transact_write", func(ctx context.Context) error {
		_, err := s.db.TransactWriteItems(ctx, input)
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && hasConditionFailure(canceled) {
			return resilience.Permanent(err)
		}
		return err
	})
}

func hasConditionFailure(e *types.TransactionCanceledException) bool {
	for _, r := range e.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// requestToken makes retries of the same chunk idempotent.
func requestToken(items []txItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.token
	}
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])[:32]
}

func (s *DocumentStrategy) imageKey(expenseID, name string) string {
	return fmt.Sprintf("users/%s/expenses/%s/%s", s.userID, expenseID, name)
}

func (s *DocumentStrategy) keyFromURL(imageURL string) (string, bool) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(imageURL, prefix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimPrefix(imageURL, prefix))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}
