// Package ddbstore provides a DynamoDB-backed Metastore, using a
// conditional put for duplicate detection and a region suffix option for
// safe use with DynamoDB global tables.
package ddbstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/lockboxhq/envelope/envelope"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKey      = "Id"
	sortKey           = "Created"
	keyRecordAttr     = "KeyRecord"
)

var (
	loadTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.load", envelope.MetricsPrefix), nil)
	loadLatestTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.loadlatest", envelope.MetricsPrefix), nil)
	storeTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.store", envelope.MetricsPrefix), nil)
)

// Client is the subset of the DynamoDB v2 SDK client this package needs.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Options() dynamodb.Options
}

// Option configures a Metastore.
type Option func(*Metastore)

// WithRegionSuffix enables a per-region suffix on every key id this
// Metastore manages, avoiding write conflicts under DynamoDB global
// tables' last-writer-wins replication.
func WithRegionSuffix(enabled bool) Option {
	return func(d *Metastore) { d.regionSuffixEnabled = enabled }
}

// WithTableName overrides the default "EncryptionKey" table name.
func WithTableName(name string) Option {
	return func(d *Metastore) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithClient supplies a preconfigured DynamoDB client, bypassing New's
// default config loading.
func WithClient(c Client) Option {
	return func(d *Metastore) { d.svc = c }
}

var _ envelope.Metastore = (*Metastore)(nil)

// Metastore implements envelope.Metastore against DynamoDB.
type Metastore struct {
	svc       Client
	tableName string

	regionSuffix        string
	regionSuffixEnabled bool
}

// New returns a Metastore configured by opts, loading the default AWS
// config and building a client if WithClient wasn't supplied.
func New(opts ...Option) (*Metastore, error) {
	d := &Metastore{tableName: defaultTableName}

	for _, opt := range opts {
		opt(d)
	}

	if d.svc == nil {
		client, err := newDefaultClient()
		if err != nil {
			return nil, err
		}

		d.svc = client
	}

	if d.regionSuffixEnabled {
		d.regionSuffix = d.svc.Options().Region
	}

	return d, nil
}

func newDefaultClient() (Client, error) {
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("unable to load default AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg), nil
}

// GetRegionSuffix returns the region suffix this Metastore appends to key
// ids, or "" if WithRegionSuffix was not enabled. SessionFactory type-
// asserts for this method to decide whether to partition keys with a
// region suffix.
func (d *Metastore) GetRegionSuffix() string {
	return d.regionSuffix
}

// Load returns the record matching (keyID, created), or nil if absent.
func (d *Metastore) Load(ctx context.Context, keyID string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.GetItem(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]types.AttributeValue{
			partitionKey: &types.AttributeValueMemberS{Value: keyID},
			sortKey:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore error: %w", err)
	}

	if res.Item == nil {
		return nil, nil
	}

	return decodeItem(res.Item)
}

// LoadLatest returns the newest record matching keyID, or nil if none
// exists.
func (d *Metastore) LoadLatest(ctx context.Context, keyID string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKey).Equal(expression.Value(keyID))
	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.Query(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int32(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, fmt.Errorf("error querying metastore: %w", err)
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return decodeItem(res.Items[0])
}

// Store inserts ekr under (keyID, created), using a conditional put to
// reject an already-present key without a separate read.
func (d *Metastore) Store(ctx context.Context, keyID string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeTimer.UpdateSince(time.Now())

	av, err := attributevalue.MarshalMap(toItemEnvelope(ekr))
	if err != nil {
		return false, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]types.AttributeValue{
			partitionKey:  &types.AttributeValueMemberS{Value: keyID},
			sortKey:       &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
			keyRecordAttr: &types.AttributeValueMemberM{Value: av},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKey + ")"),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, fmt.Errorf("attempted to create duplicate key: %s, %d: %w", keyID, created, err)
		}

		return false, fmt.Errorf("error storing key: %s, %d: %w", keyID, created, err)
	}

	return true, nil
}

// metastoreItem mirrors the top-level DynamoDB item shape.
type metastoreItem struct {
	ID        string         `dynamodbav:"Id"`
	Created   int64          `dynamodbav:"Created"`
	KeyRecord *itemEnvelope  `dynamodbav:"KeyRecord"`
}

// itemEnvelope is envelope.EnvelopeKeyRecord's on-the-wire DynamoDB shape:
// the encrypted key is base64-encoded, since DynamoDB attribute values
// prefer strings over raw binary for this SDK's default marshaling.
type itemEnvelope struct {
	Revoked       bool         `dynamodbav:"Revoked,omitempty"`
	Created       int64        `dynamodbav:"Created"`
	EncryptedKey  string       `dynamodbav:"Key"`
	ParentKeyMeta *itemKeyMeta `dynamodbav:"ParentKeyMeta,omitempty"`
}

type itemKeyMeta struct {
	ID      string `dynamodbav:"KeyId"`
	Created int64  `dynamodbav:"Created"`
}

func toItemEnvelope(ekr *envelope.EnvelopeKeyRecord) *itemEnvelope {
	var km *itemKeyMeta
	if ekr.ParentKeyMeta != nil {
		km = &itemKeyMeta{ID: ekr.ParentKeyMeta.ID, Created: ekr.ParentKeyMeta.Created}
	}

	return &itemEnvelope{
		Revoked:       ekr.Revoked,
		Created:       ekr.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(ekr.EncryptedKey),
		ParentKeyMeta: km,
	}
}

func decodeItem(m map[string]types.AttributeValue) (*envelope.EnvelopeKeyRecord, error) {
	var item metastoreItem

	if err := attributevalue.UnmarshalMap(m, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	en := item.KeyRecord
	if en == nil {
		return nil, fmt.Errorf("%w: unexpected nil envelope key record", ErrItemDecode)
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(en.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted key: %w", err)
	}

	var km *envelope.KeyMeta
	if en.ParentKeyMeta != nil {
		km = &envelope.KeyMeta{ID: en.ParentKeyMeta.ID, Created: en.ParentKeyMeta.Created}
	}

	return &envelope.EnvelopeKeyRecord{
		ID:            item.ID,
		Revoked:       en.Revoked,
		Created:       en.Created,
		EncryptedKey:  encryptedKey,
		ParentKeyMeta: km,
	}, nil
}
