package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/retry"
)

// DynamoAPI is the slice of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Dynamo persists conversation data in one DynamoDB table. Every operation
// retries transient failures (throttling, 5xx, timeouts) on the configured
// schedule; permanent failures (validation, conditional checks) return
// immediately.
type Dynamo struct {
	client   DynamoAPI
	table    string
	retryCfg retry.Config
}

// NewDynamo creates a store over the given table.
func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{
		client:   client,
		table:    table,
		retryCfg: retry.DefaultConfig(),
	}
}

// messageItem is the stored row for a message. Key and index attributes are
// flat for querying; the message itself travels as a JSON document so part
// normalization runs on every read.
type messageItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	ChatID     string `dynamodbav:"ChatID"`
	MessageID  string `dynamodbav:"MessageID"`
	Status     string `dynamodbav:"Status"`
	CreatedAt  string `dynamodbav:"CreatedAt"`
	Document   string `dynamodbav:"Document"`

	UserPK   string `dynamodbav:"UserPK,omitempty"`
	UserSK   string `dynamodbav:"UserSK,omitempty"`
	GlobalPK string `dynamodbav:"GlobalPK"`
	GlobalSK string `dynamodbav:"GlobalSK"`
	ParentPK string `dynamodbav:"ParentPK,omitempty"`
	ParentSK string `dynamodbav:"ParentSK,omitempty"`
}

// chatItem is the stored row for chat metadata.
type chatItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	ChatID     string `dynamodbav:"ChatID"`
	CreatedAt  string `dynamodbav:"CreatedAt"`
	Document   string `dynamodbav:"Document"`

	UserPK   string `dynamodbav:"UserPK,omitempty"`
	UserSK   string `dynamodbav:"UserSK,omitempty"`
	GlobalPK string `dynamodbav:"GlobalPK"`
	GlobalSK string `dynamodbav:"GlobalSK"`
}

// messageItemAttrs builds the marshaled table row for a message.
func messageItemAttrs(msg *models.Message) (map[string]ddbtypes.AttributeValue, error) {
	doc, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", msg.MessageID, err)
	}

	item := messageItem{
		PK:         messagePK(msg.ChatID),
		SK:         messageSK(msg.MessageID),
		EntityType: EntityTypeMessage,
		ChatID:     msg.ChatID,
		MessageID:  msg.MessageID,
		Status:     string(msg.Status),
		CreatedAt:  formatTime(msg.Timestamp),
		Document:   string(doc),
		GlobalPK:   globalPK(EntityTypeMessage),
		GlobalSK:   createdAtSK(msg.Timestamp, msg.MessageID),
	}
	if msg.UserID != "" {
		item.UserPK = userPK(msg.UserID)
		item.UserSK = entitySK(EntityTypeMessage, msg.Timestamp, msg.MessageID)
	}
	if msg.ParentID != "" {
		item.ParentPK = parentPK(msg.ParentID)
		item.ParentSK = entitySK(EntityTypeMessage, msg.Timestamp, msg.MessageID)
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message item %s: %w", msg.MessageID, err)
	}
	return av, nil
}

// PutMessage writes a message, replacing any previous version of the same
// (chat_id, message_id).
func (d *Dynamo) PutMessage(ctx context.Context, msg *models.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	av, err := messageItemAttrs(msg)
	if err != nil {
		return err
	}
	return d.do(ctx, "put message", func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item:      av,
		})
		return err
	})
}

// GetMessage reads one message.
func (d *Dynamo) GetMessage(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	if chatID == "" {
		return nil, NewValidationError("chat_id", "must not be empty")
	}
	if messageID == "" {
		return nil, NewValidationError("message_id", "must not be empty")
	}

	var out *dynamodb.GetItemOutput
	err := d.do(ctx, "get message", func(ctx context.Context) error {
		var err error
		out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(d.table),
			Key: map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: messagePK(chatID)},
				"SK": &ddbtypes.AttributeValueMemberS{Value: messageSK(messageID)},
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("message %s in chat %s: %w", messageID, chatID, ErrNotFound)
	}
	return unmarshalMessage(out.Item)
}

// statusUpdateAttempts bounds the read-check-write loop when writers race on
// the same message.
const statusUpdateAttempts = 3

// UpdateMessageStatus flips the status of an existing message in both the
// queryable attribute and the stored document. The write is conditional on
// the status observed by the read, so a concurrent update is detected and
// the read-modify-write retried instead of silently overwritten.
func (d *Dynamo) UpdateMessageStatus(ctx context.Context, chatID, messageID string, status models.MessageStatus) error {
	var lastErr error
	for i := 0; i < statusUpdateAttempts; i++ {
		msg, err := d.GetMessage(ctx, chatID, messageID)
		if err != nil {
			return err
		}
		prev := msg.Status
		msg.Status = status

		av, err := messageItemAttrs(msg)
		if err != nil {
			return err
		}
		err = d.do(ctx, "update message status", func(ctx context.Context) error {
			_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                aws.String(d.table),
				Item:                     av,
				ConditionExpression:      aws.String("#st = :prev"),
				ExpressionAttributeNames: map[string]string{"#st": "Status"},
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":prev": &ddbtypes.AttributeValueMemberS{Value: string(prev)},
				},
			})
			return err
		})
		if err == nil {
			return nil
		}
		if !isConditionalCheckFailed(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("message %s status contended after %d attempts: %w",
		messageID, statusUpdateAttempts, lastErr)
}

// ListChatMessages returns every message of a chat oldest-first. The
// partition's sort key is MESSAGE#{message_id}, so the query comes back in
// message-id order; conversation order is restored from the timestamps.
func (d *Dynamo) ListChatMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	if chatID == "" {
		return nil, NewValidationError("chat_id", "must not be empty")
	}

	var out *dynamodb.QueryOutput
	err := d.do(ctx, "list chat messages", func(ctx context.Context) error {
		var err error
		out, err = d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk": &ddbtypes.AttributeValueMemberS{Value: messagePK(chatID)},
			},
			ScanIndexForward: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	msgs, err := unmarshalMessages(out.Items)
	if err != nil {
		return nil, err
	}
	sortChronological(msgs)
	return msgs, nil
}

// ListMessagesByParent queries the hierarchy index for the responses spawned
// by one request message, oldest-first.
func (d *Dynamo) ListMessagesByParent(ctx context.Context, parentID string) ([]*models.Message, error) {
	if parentID == "" {
		return nil, NewValidationError("parent_id", "must not be empty")
	}

	var out *dynamodb.QueryOutput
	err := d.do(ctx, "list messages by parent", func(ctx context.Context) error {
		var err error
		out, err = d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			IndexName:              aws.String(MessageHierarchyIndex),
			KeyConditionExpression: aws.String("ParentPK = :pk"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk": &ddbtypes.AttributeValueMemberS{Value: parentPK(parentID)},
			},
			ScanIndexForward: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	msgs, err := unmarshalMessages(out.Items)
	if err != nil {
		return nil, err
	}
	sortChronological(msgs)
	return msgs, nil
}

// PutChat writes chat metadata.
func (d *Dynamo) PutChat(ctx context.Context, chat *models.Chat) error {
	if chat.ChatID == "" {
		return NewValidationError("chat_id", "must not be empty")
	}

	doc, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to serialize chat %s: %w", chat.ChatID, err)
	}

	item := chatItem{
		PK:         chatPK(chat.ChatID),
		SK:         chatMetadataSK,
		EntityType: EntityTypeChat,
		ChatID:     chat.ChatID,
		CreatedAt:  formatTime(chat.CreatedAt),
		Document:   string(doc),
		GlobalPK:   globalPK(EntityTypeChat),
		GlobalSK:   createdAtSK(chat.CreatedAt, chat.ChatID),
	}
	if chat.UserID != "" {
		item.UserPK = userPK(chat.UserID)
		item.UserSK = entitySK(EntityTypeChat, chat.CreatedAt, chat.ChatID)
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal chat item %s: %w", chat.ChatID, err)
	}

	return d.do(ctx, "put chat", func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item:      av,
		})
		return err
	})
}

// GetChat reads chat metadata.
func (d *Dynamo) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	if chatID == "" {
		return nil, NewValidationError("chat_id", "must not be empty")
	}

	var out *dynamodb.GetItemOutput
	err := d.do(ctx, "get chat", func(ctx context.Context) error {
		var err error
		out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(d.table),
			Key: map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: chatPK(chatID)},
				"SK": &ddbtypes.AttributeValueMemberS{Value: chatMetadataSK},
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}

	var item chatItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat item: %w", err)
	}
	var chat models.Chat
	if err := json.Unmarshal([]byte(item.Document), &chat); err != nil {
		return nil, fmt.Errorf("failed to deserialize chat %s: %w", chatID, err)
	}
	return &chat, nil
}

// do runs one table operation with the retry schedule, classifying each error
// as transient or permanent first. Exhausted transient failures surface
// ErrUnavailable so callers know their in-memory state is still good.
func (d *Dynamo) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, d.retryCfg, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return retry.Permanent(err)
		}
		slog.Warn("Transient store error, will retry",
			"op", op, "attempt", attempt, "error", err)
		return err
	})
	if err == nil {
		return nil
	}
	if retry.IsPermanent(err) {
		return fmt.Errorf("failed to %s: %w", op, errors.Unwrap(err))
	}
	return fmt.Errorf("failed to %s after %d attempts: %w: %w", op, attempt, ErrUnavailable, err)
}

// isTransient reports whether a DynamoDB error is worth retrying: throttling,
// server-side 5xx, and network timeouts. Conditional and validation failures
// are permanent.
func isTransient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException",
			"ThrottlingException",
			"RequestLimitExceeded",
			"InternalServerError",
			"ServiceUnavailable",
			"TransactionConflictException",
			"LimitExceededException":
			return true
		case "ConditionalCheckFailedException",
			"ValidationException",
			"ResourceNotFoundException":
			return false
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= http.StatusInternalServerError {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return false
}

func isConditionalCheckFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// sortChronological orders messages by timestamp, message id breaking ties.
func sortChronological(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].MessageID < msgs[j].MessageID
	})
}

func validateMessage(msg *models.Message) error {
	if msg == nil {
		return NewValidationError("message", "must not be nil")
	}
	if msg.ChatID == "" {
		return NewValidationError("chat_id", "must not be empty")
	}
	if msg.MessageID == "" {
		return NewValidationError("message_id", "must not be empty")
	}
	return nil
}

func unmarshalMessage(av map[string]ddbtypes.AttributeValue) (*models.Message, error) {
	var item messageItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message item: %w", err)
	}
	var msg models.Message
	if err := json.Unmarshal([]byte(item.Document), &msg); err != nil {
		return nil, fmt.Errorf("failed to deserialize message %s: %w", item.MessageID, err)
	}
	return &msg, nil
}

func unmarshalMessages(items []map[string]ddbtypes.AttributeValue) ([]*models.Message, error) {
	msgs := make([]*models.Message, 0, len(items))
	for _, av := range items {
		msg, err := unmarshalMessage(av)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

var _ Store = (*Dynamo)(nil)
