package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	ktypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	awsc "github.com/vindil/shardflow/aws"
	"github.com/vindil/shardflow/retry"
)

// leaseItem is the table representation of a Lease, one item per shard.
type leaseItem struct {
	ShardID    string `dynamodbav:"ShardID"`
	Owner      string `dynamodbav:"Owner,omitempty"`
	Expires    int64  `dynamodbav:"Expires,omitempty"`
	Checkpoint string `dynamodbav:"Checkpoint,omitempty"`
	Depleted   bool   `dynamodbav:"Depleted"`
}

func (i leaseItem) lease() *Lease {
	return &Lease{
		ShardID:    i.ShardID,
		Owner:      i.Owner,
		Checkpoint: i.Checkpoint,
		Expires:    time.UnixMilli(i.Expires),
		Depleted:   i.Depleted,
	}
}

// DynamoStore keeps leases and checkpoints in a DynamoDB table. All
// cross-process coordination goes through conditional writes on that table;
// shard topology comes from the stream service itself.
type DynamoStore struct {
	db         awsc.DynamoDB
	kds        awsc.Kinesis
	table      string
	streamName string
	classifier retry.Classifier
	attempts   int
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

type DynamoOption func(*DynamoStore)

// WithClassifier substitutes the retry policy applied to table round-trips.
func WithClassifier(c retry.Classifier) DynamoOption {
	return func(s *DynamoStore) {
		s.classifier = c
	}
}

// WithRetry tunes the fixed-backoff retry applied to transient table faults.
func WithRetry(attempts int, interval time.Duration) DynamoOption {
	return func(s *DynamoStore) {
		s.attempts = attempts
		s.interval = interval
	}
}

func WithStoreLogger(logger *zap.Logger) DynamoOption {
	return func(s *DynamoStore) {
		s.logger = logger
	}
}

func NewDynamoStore(db awsc.DynamoDB, kds awsc.Kinesis, table, streamName string, opts ...DynamoOption) *DynamoStore {
	s := &DynamoStore{
		db:         db,
		kds:        kds,
		table:      table,
		streamName: streamName,
		classifier: retry.DefaultClassifier{},
		attempts:   3,
		interval:   time.Second,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("lease-store")
	return s
}

// call wraps one table operation with the shared retry policy and a failure
// trace naming the operation rather than the retry machinery.
func (s *DynamoStore) call(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, s.classifier, s.attempts, s.interval, fn)
	if err != nil {
		return fmt.Errorf("lease store: %s: %w", op, err)
	}
	return nil
}

// mapError tags a table fault once, at this boundary.
func mapError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		return &retry.Error{
			Kind:      retry.KindStore,
			Code:      code,
			Retryable: retry.CodeRetryable(code),
			Err:       err,
		}
	}
	return retry.Transient(retry.KindStore, err)
}

func isConditionalCheckFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoStore) key(shardID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"ShardID": &ddbtypes.AttributeValueMemberS{Value: shardID},
	}
}

// GetShardTopology enumerates all shards of the stream, following
// pagination, and links parents to children.
func (s *DynamoStore) GetShardTopology(ctx context.Context) (*Topology, error) {
	var shards []ktypes.Shard
	var nextToken *string
	for {
		input := &kinesis.ListShardsInput{}
		if nextToken != nil {
			input.NextToken = nextToken
		} else {
			input.StreamName = &s.streamName
		}
		var out *kinesis.ListShardsOutput
		err := s.call(ctx, "list shards", func() error {
			var err error
			out, err = s.kds.ListShards(ctx, input)
			if err != nil {
				return mapError(err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		shards = append(shards, out.Shards...)
		nextToken = out.NextToken
		if nextToken == nil {
			break
		}
	}
	return FromSDKShards(shards), nil
}

// AcquireOrRenewLease is a single conditional update: it succeeds when the
// item is unowned, expired, or already ours, and never when the shard is
// depleted.
func (s *DynamoStore) AcquireOrRenewLease(ctx context.Context, shardID, ownerID string, duration time.Duration) (*Lease, error) {
	if shardID == "" || ownerID == "" {
		return nil, retry.Fatal(retry.KindStore, errors.New("lease store: acquire: shard id and owner id are required"))
	}

	now := s.now()
	expires := now.Add(duration)
	var out *dynamodb.UpdateItemOutput
	err := s.call(ctx, "acquire "+shardID, func() error {
		var err error
		out, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           &s.table,
			Key:                 s.key(shardID),
			UpdateExpression:    aws.String("SET #own = :owner, #exp = :expires"),
			ConditionExpression: aws.String("(attribute_not_exists(#own) OR #own = :owner OR #exp < :now) AND (attribute_not_exists(#dep) OR #dep = :false)"),
			ExpressionAttributeNames: map[string]string{
				"#own": "Owner",
				"#exp": "Expires",
				"#dep": "Depleted",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":owner":   &ddbtypes.AttributeValueMemberS{Value: ownerID},
				":expires": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expires.UnixMilli(), 10)},
				":now":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
				":false":   &ddbtypes.AttributeValueMemberBOOL{Value: false},
			},
			ReturnValues: ddbtypes.ReturnValueAllNew,
		})
		if err != nil {
			if isConditionalCheckFailed(err) {
				return &retry.Error{Kind: retry.KindStore, Code: "ConditionalCheckFailed", Retryable: false, Err: ErrLeaseHeld}
			}
			return mapError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var item leaseItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, retry.Fatal(retry.KindStore, fmt.Errorf("lease store: acquire %s: decode item: %w", shardID, err))
	}
	return item.lease(), nil
}

// StoreCheckpoint advances the checkpoint in one conditional update.
// Sequence numbers are decimal integers, so numeric order is "shorter is
// smaller, equal length compares lexicographically"; the condition encodes
// that with size(). A stale write fails the condition and is ignored.
func (s *DynamoStore) StoreCheckpoint(ctx context.Context, shardID, sequenceNumber string) error {
	if sequenceNumber == "" {
		return retry.Fatal(retry.KindStore, errors.New("lease store: checkpoint: sequence number is required"))
	}

	return s.call(ctx, "checkpoint "+shardID, func() error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        &s.table,
			Key:              s.key(shardID),
			UpdateExpression: aws.String("SET #cp = :sn"),
			ConditionExpression: aws.String(
				"attribute_not_exists(#cp) OR (#cp <> :end AND (#cp IN (:latest, :trim) OR size(#cp) < :snlen OR (size(#cp) = :snlen AND #cp <= :sn)))"),
			ExpressionAttributeNames: map[string]string{
				"#cp": "Checkpoint",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":sn":     &ddbtypes.AttributeValueMemberS{Value: sequenceNumber},
				":snlen":  &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(len(sequenceNumber))},
				":latest": &ddbtypes.AttributeValueMemberS{Value: Latest},
				":trim":   &ddbtypes.AttributeValueMemberS{Value: TrimHorizon},
				":end":    &ddbtypes.AttributeValueMemberS{Value: ShardEnd},
			},
		})
		if err != nil {
			if isConditionalCheckFailed(err) {
				s.logger.Debug("ignoring stale checkpoint", zap.String("shard-id", shardID), zap.String("sequence-number", sequenceNumber))
				return nil
			}
			return mapError(err)
		}
		return nil
	})
}

// MarkShardDepleted records the terminal state and seeds lease items for the
// children revealed by the topology so they become eligible for assignment.
func (s *DynamoStore) MarkShardDepleted(ctx context.Context, shardID string, topo *Topology) error {
	err := s.call(ctx, "mark depleted "+shardID, func() error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        &s.table,
			Key:              s.key(shardID),
			UpdateExpression: aws.String("SET #cp = :end, #dep = :true"),
			ExpressionAttributeNames: map[string]string{
				"#cp":  "Checkpoint",
				"#dep": "Depleted",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":end":  &ddbtypes.AttributeValueMemberS{Value: ShardEnd},
				":true": &ddbtypes.AttributeValueMemberBOOL{Value: true},
			},
		})
		if err != nil {
			return mapError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if topo == nil {
		return nil
	}
	for _, child := range topo.Children(shardID) {
		item, err := attributevalue.MarshalMap(leaseItem{ShardID: child, Checkpoint: TrimHorizon})
		if err != nil {
			return retry.Fatal(retry.KindStore, fmt.Errorf("lease store: seed child %s: %w", child, err))
		}
		err = s.call(ctx, "seed child "+child, func() error {
			_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           &s.table,
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(ShardID)"),
			})
			if err != nil {
				if isConditionalCheckFailed(err) {
					// another worker seeded it first
					return nil
				}
				return mapError(err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReleaseLease removes ownership if the caller still holds it. Losing the
// lease to someone else in the meantime is not an error.
func (s *DynamoStore) ReleaseLease(ctx context.Context, shardID, ownerID string) error {
	return s.call(ctx, "release "+shardID, func() error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           &s.table,
			Key:                 s.key(shardID),
			UpdateExpression:    aws.String("REMOVE #own, #exp"),
			ConditionExpression: aws.String("#own = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#own": "Owner",
				"#exp": "Expires",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":owner": &ddbtypes.AttributeValueMemberS{Value: ownerID},
			},
		})
		if err != nil {
			if isConditionalCheckFailed(err) {
				return nil
			}
			return mapError(err)
		}
		return nil
	})
}

// ListLeases scans the whole table, following pagination.
func (s *DynamoStore) ListLeases(ctx context.Context) ([]Lease, error) {
	var leases []Lease
	var startKey map[string]ddbtypes.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		err := s.call(ctx, "list leases", func() error {
			var err error
			out, err = s.db.Scan(ctx, &dynamodb.ScanInput{
				TableName:         &s.table,
				ExclusiveStartKey: startKey,
			})
			if err != nil {
				return mapError(err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		var items []leaseItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, retry.Fatal(retry.KindStore, fmt.Errorf("lease store: list leases: decode items: %w", err))
		}
		for _, item := range items {
			leases = append(leases, *item.lease())
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			break
		}
	}
	return leases, nil
}

// CreateTableIfNotExists provisions the lease table on first run.
func (s *DynamoStore) CreateTableIfNotExists(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.table})
	if err == nil {
		return nil
	}
	var nf *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("lease store: describe table: %w", mapError(err))
	}

	s.logger.Info("creating lease table", zap.String("table", s.table))
	return s.call(ctx, "create table", func() error {
		_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName:   &s.table,
			BillingMode: ddbtypes.BillingModePayPerRequest,
			AttributeDefinitions: []ddbtypes.AttributeDefinition{
				{AttributeName: aws.String("ShardID"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			},
			KeySchema: []ddbtypes.KeySchemaElement{
				{AttributeName: aws.String("ShardID"), KeyType: ddbtypes.KeyTypeHash},
			},
		})
		if err != nil {
			return mapError(err)
		}
		return nil
	})
}
