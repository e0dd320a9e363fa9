package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"lecture-chat/internal/domain"
)

const skHistory = "HISTORY"

// ErrConflict is returned when the durable history no longer has the length
// the caller expected to append after.
var ErrConflict = errors.New("repository: history changed concurrently")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores one item per conversation holding its full message list.
type Client struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
	now       func() time.Time
}

// New creates a new repository Client. A positive retention stamps every
// conversation with a ttl attribute that is pushed forward on each append.
func New(api dynamodbAPI, tableName string, retention time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, retention: retention, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func historyKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skHistory},
	}
}

// Load reads the conversation's history. A missing item is an empty history.
func (c *Client) Load(ctx context.Context, conversationID string) (domain.History, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            historyKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.History{}, nil
	}

	raw, ok := out.Item["messages"]
	if !ok {
		return domain.History{}, nil
	}
	list, ok := raw.(*types.AttributeValueMemberL)
	if !ok {
		return nil, errors.New("repository: Load: attribute \"messages\" is not a list")
	}

	history := make(domain.History, 0, len(list.Value))
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: Load: message %d is not a map", i)
		}
		msg, err := itemToMessage(m.Value)
		if err != nil {
			return nil, fmt.Errorf("repository: Load message %d: %w", i, err)
		}
		history = append(history, msg)
	}
	return history, nil
}

// Append adds msg at position prevLen. The write is conditional on the
// stored message count so a stale writer cannot clobber or reorder history.
func (c *Client) Append(ctx context.Context, conversationID string, msg domain.Message, prevLen int) error {
	if prevLen < 0 {
		return errors.New("repository: Append: previous length must not be negative")
	}

	now := c.now().UTC()
	set := []string{
		"#messages = list_append(if_not_exists(#messages, :empty), :new)",
		"#count = :count",
		"conversationId = :cid",
		"lastActivity = :now",
	}
	names := map[string]string{
		"#messages": "messages",
		"#count":    "messageCount",
	}
	values := map[string]types.AttributeValue{
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":new":   &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberM{Value: messageItem(msg)}}},
		":count": numAttr(int64(prevLen + 1)),
		":cid":   &types.AttributeValueMemberS{Value: conversationID},
		":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}
	if c.retention > 0 {
		set = append(set, "#ttl = :ttl")
		names["#ttl"] = "ttl"
		values[":ttl"] = numAttr(now.Add(c.retention).Unix())
	}

	condition := "attribute_not_exists(PK)"
	if prevLen > 0 {
		condition = "#count = :prev"
		values[":prev"] = numAttr(int64(prevLen))
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       historyKey(conversationID),
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: Append at %d: %w", prevLen, ErrConflict)
		}
		if isItemTooLarge(err) {
			return fmt.Errorf("repository: Append at %d: %w: %w", prevLen, domain.ErrHistoryFull, err)
		}
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// isItemTooLarge reports whether err is DynamoDB refusing to grow an item
// past its 400 KB limit.
func isItemTooLarge(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "ValidationException" {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "item size")
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := int64Attr(item, "ts")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		Role:      domain.Role(role),
		Content:   content,
		Timestamp: ts,
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"role":    &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content": &types.AttributeValueMemberS{Value: msg.Content},
		"ts":      numAttr(msg.Timestamp),
	}
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
