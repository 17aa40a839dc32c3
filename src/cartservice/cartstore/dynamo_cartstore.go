package cartstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

const (
	dynamoBatchSize     = 25
	dynamoBatchAttempts = 5
	itemSortPrefix      = "ITEM#"
	profileSortKey      = "PROFILE"
)

// DynamoAPI is the subset of *dynamodb.Client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoCartStore is a single-table layout: pk USER#<uid>, sk ITEM#<id> or PROFILE.
type DynamoCartStore struct {
	client DynamoAPI
	table  string
	log    logrus.FieldLogger
}

func NewDynamoCartStore(client DynamoAPI, table string, log logrus.FieldLogger) *DynamoCartStore {
	return &DynamoCartStore{client: client, table: table, log: log}
}

type ddbItem struct {
	PK            string  `dynamodbav:"pk"`
	SK            string  `dynamodbav:"sk"`
	ProductID     string  `dynamodbav:"productId"`
	Name          string  `dynamodbav:"name"`
	Price         int64   `dynamodbav:"price"`
	Image         string  `dynamodbav:"image"`
	Quantity      int     `dynamodbav:"quantity"`
	SelectedSize  *string `dynamodbav:"selectedSize"`
	SelectedColor int     `dynamodbav:"selectedColor"`
	AddedAt       int64   `dynamodbav:"addedAt"`
}

type ddbProfile struct {
	PK          string  `dynamodbav:"pk"`
	SK          string  `dynamodbav:"sk"`
	UID         string  `dynamodbav:"uid"`
	Email       string  `dynamodbav:"email"`
	DisplayName string  `dynamodbav:"displayName"`
	PhotoURL    *string `dynamodbav:"photoURL"`
	CreatedAt   int64   `dynamodbav:"createdAt"`
	LastLogin   int64   `dynamodbav:"lastLogin"`
}

func userPK(userID string) string {
	return "USER#" + userID
}

func (d *DynamoCartStore) key(userID, sk string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"pk": userPK(userID), "sk": sk})
	if err != nil {
		return nil, errors.Wrap(err, "marshal key")
	}
	return key, nil
}

// itemQueryValues binds :pk and :prefix for the cart rows of userID.
func (d *DynamoCartStore) itemQueryValues(userID string) (map[string]types.AttributeValue, error) {
	values, err := attributevalue.MarshalMap(map[string]string{":pk": userPK(userID), ":prefix": itemSortPrefix})
	if err != nil {
		return nil, errors.Wrap(err, "marshal query values")
	}
	return values, nil
}

func (d *DynamoCartStore) Initialize(ctx context.Context) error {
	out, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err != nil {
		return errors.Wrapf(err, "describe table %s", d.table)
	}
	if out.Table != nil {
		d.log.WithField("status", out.Table.TableStatus).Infof("DynamoCartStore initialized on table %s", d.table)
	}
	return nil
}

func (d *DynamoCartStore) ReadItems(ctx context.Context, userID string) ([]cart.LineItem, error) {
	values, err := d.itemQueryValues(userID)
	if err != nil {
		return nil, err
	}
	p := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: values,
	})

	items := make([]cart.LineItem, 0)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "dynamodb Query failed")
		}
		var rows []ddbItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, errors.Wrap(err, "unmarshal cart items")
		}
		for _, row := range rows {
			items = append(items, row.toDomain())
		}
	}
	sortItems(items)
	return items, nil
}

func (d *DynamoCartStore) ReadItem(ctx context.Context, userID, itemID string) (*cart.LineItem, error) {
	key, err := d.key(userID, itemSortPrefix+itemID)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(d.table), Key: key})
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb GetItem failed")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var row ddbItem
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, errors.Wrap(err, "unmarshal item")
	}
	it := row.toDomain()
	return &it, nil
}

func (d *DynamoCartStore) WriteItem(ctx context.Context, userID string, item cart.LineItem) error {
	row := ddbItem{
		PK:            userPK(userID),
		SK:            itemSortPrefix + item.ID,
		ProductID:     item.ProductID,
		Name:          item.Name,
		Price:         item.Price,
		Image:         item.Image,
		Quantity:      item.Quantity,
		SelectedSize:  item.SelectedSize,
		SelectedColor: item.SelectedColor,
		AddedAt:       item.AddedAt.UnixMilli(),
	}
	av, err := attributevalue.MarshalMap(row)
	if err != nil {
		return errors.Wrap(err, "marshal cart item")
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: av}); err != nil {
		return errors.Wrap(err, "dynamodb PutItem failed")
	}
	return nil
}

// PatchItem is conditional on the row existing so a removed entry is never recreated.
func (d *DynamoCartStore) PatchItem(ctx context.Context, userID, itemID string, updates cart.ItemUpdates) error {
	key, err := d.key(userID, itemSortPrefix+itemID)
	if err != nil {
		return err
	}
	err = d.conditionalUpdate(ctx, key, updates.Fields())
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrItemNotFound
	}
	return err
}

func (d *DynamoCartStore) DeleteItem(ctx context.Context, userID, itemID string) error {
	key, err := d.key(userID, itemSortPrefix+itemID)
	if err != nil {
		return err
	}
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(d.table), Key: key}); err != nil {
		return errors.Wrap(err, "dynamodb DeleteItem failed")
	}
	return nil
}

// DeleteCart deletes the cart rows in batches of 25, leaving the profile row alone.
func (d *DynamoCartStore) DeleteCart(ctx context.Context, userID string) error {
	items, err := d.ReadItems(ctx, userID)
	if err != nil {
		return err
	}

	var requests []types.WriteRequest
	for _, it := range items {
		key, err := d.key(userID, itemSortPrefix+it.ID)
		if err != nil {
			return err
		}
		requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(requests); start += dynamoBatchSize {
		end := start + dynamoBatchSize
		if end > len(requests) {
			end = len(requests)
		}
		chunk := requests[start:end]
		g.Go(func() error {
			return d.batchWrite(gctx, chunk)
		})
	}
	return g.Wait()
}

func (d *DynamoCartStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{d.table: requests}
	for attempt := 1; attempt <= dynamoBatchAttempts; attempt++ {
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return errors.Wrap(err, "dynamodb BatchWriteItem failed")
		}
		if len(out.UnprocessedItems) == 0 || len(out.UnprocessedItems[d.table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		d.log.WithField("unprocessed", len(pending[d.table])).Debug("DynamoCartStore: retrying unprocessed deletes")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*50) * time.Millisecond):
		}
	}
	return errors.Errorf("dynamodb BatchWriteItem left %d unprocessed items", len(pending[d.table]))
}

func (d *DynamoCartStore) NewItemID(ctx context.Context, userID string) (string, error) {
	return uuid.NewString(), nil
}

func (d *DynamoCartStore) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := d.client.DescribeTable(pingCtx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}); err != nil {
		d.log.WithError(err).Warn("DynamoCartStore: Ping failed")
		return false
	}
	return true
}

func (d *DynamoCartStore) ReadProfile(ctx context.Context, userID string) (*cart.Profile, error) {
	key, err := d.key(userID, profileSortKey)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(d.table), Key: key})
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb GetItem failed")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var row ddbProfile
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, errors.Wrap(err, "unmarshal profile")
	}
	return &cart.Profile{
		UID:         userID,
		Email:       row.Email,
		DisplayName: row.DisplayName,
		PhotoURL:    row.PhotoURL,
		CreatedAt:   time.UnixMilli(row.CreatedAt).UTC(),
		LastLogin:   time.UnixMilli(row.LastLogin).UTC(),
	}, nil
}

func (d *DynamoCartStore) WriteProfile(ctx context.Context, profile cart.Profile) error {
	row := ddbProfile{
		PK:          userPK(profile.UID),
		SK:          profileSortKey,
		UID:         profile.UID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
		CreatedAt:   profile.CreatedAt.UnixMilli(),
		LastLogin:   profile.LastLogin.UnixMilli(),
	}
	av, err := attributevalue.MarshalMap(row)
	if err != nil {
		return errors.Wrap(err, "marshal profile")
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: av}); err != nil {
		return errors.Wrap(err, "dynamodb PutItem failed")
	}
	return nil
}

func (d *DynamoCartStore) PatchProfile(ctx context.Context, userID string, updates cart.ProfileUpdates) error {
	fields := make(map[string]interface{}, 3)
	if updates.DisplayName != nil {
		fields["displayName"] = *updates.DisplayName
	}
	if updates.PhotoURL != nil {
		fields["photoURL"] = *updates.PhotoURL
	}
	if updates.LastLogin != nil {
		fields["lastLogin"] = updates.LastLogin.UnixMilli()
	}
	key, err := d.key(userID, profileSortKey)
	if err != nil {
		return err
	}
	err = d.conditionalUpdate(ctx, key, fields)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return cart.ErrProfileNotFound
	}
	return err
}

// conditionalUpdate SETs the fields on an existing row. The raw
// ConditionalCheckFailedException is returned when the row is absent.
func (d *DynamoCartStore) conditionalUpdate(ctx context.Context, key map[string]types.AttributeValue, fields map[string]interface{}) error {
	expr, names, values, err := buildSetExpression(fields)
	if err != nil {
		return err
	}
	cond := "attribute_exists(pk)"
	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       key,
		UpdateExpression:          &expr,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return err
		}
		return errors.Wrap(err, "update item failed")
	}
	return nil
}

// buildSetExpression renders "SET #f0 = :v0, ..." with fields in name order.
func buildSetExpression(fields map[string]interface{}) (string, map[string]string, map[string]types.AttributeValue, error) {
	if len(fields) == 0 {
		return "", nil, nil, errors.New("no fields to update")
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	exprNames := make(map[string]string, len(names))
	exprVals := make(map[string]types.AttributeValue, len(names))
	for i, name := range names {
		namePh := "#f" + strconv.Itoa(i)
		ph := ":v" + strconv.Itoa(i)
		av, err := attributevalue.Marshal(fields[name])
		if err != nil {
			return "", nil, nil, errors.Wrap(err, "marshal update value")
		}
		parts = append(parts, namePh+" = "+ph)
		exprNames[namePh] = name
		exprVals[ph] = av
	}
	return "SET " + strings.Join(parts, ", "), exprNames, exprVals, nil
}

func (r ddbItem) toDomain() cart.LineItem {
	size := r.SelectedSize
	if size != nil {
		size = cart.Size(*size)
	}
	return cart.LineItem{
		ID:            strings.TrimPrefix(r.SK, itemSortPrefix),
		ProductID:     r.ProductID,
		Name:          r.Name,
		Price:         r.Price,
		Image:         r.Image,
		Quantity:      r.Quantity,
		SelectedSize:  size,
		SelectedColor: r.SelectedColor,
		AddedAt:       time.UnixMilli(r.AddedAt).UTC(),
	}
}
