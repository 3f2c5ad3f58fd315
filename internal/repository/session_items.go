package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"knowledge-agent/internal/domain"
)

const (
	pkPrefixSession   = "SESSION#"
	skPrefixTurn      = "TURN#"
	sessionTTL        = 30 * 24 * time.Hour // 30-day TTL
	maxAppendAttempts = 3
)

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return pkPrefixSession + sessionID
}

// turnSK returns the sort key for a turn; zero-padded so keys sort by sequence.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%08d", skPrefixTurn, seq)
}

// ttlValue returns a Unix timestamp 30 days after now.
func (c *Client) ttlValue() int64 {
	return c.now().Add(sessionTTL).Unix()
}

// SessionTurnCount returns the persisted turn count for a session.
func (c *Client) SessionTurnCount(ctx context.Context, sessionID string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(sessionPK(sessionID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: SessionTurnCount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, fmt.Errorf("repository: SessionTurnCount decode turns: %w", err)
	}
	return int(turns), nil
}

// AppendTurn assigns the next sequence number and writes the turn together
// with the session counter in one transaction. A concurrent append for the
// same session cancels the transaction and is retried.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if turn.SessionID == "" {
		return domain.Turn{}, errors.New("repository: AppendTurn: session id is required")
	}
	for attempt := 1; ; attempt++ {
		count, err := c.SessionTurnCount(ctx, turn.SessionID)
		if err != nil {
			return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
		}
		turn.Seq = count + 1
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = c.now().UTC()
		}

		err = c.saveTurn(ctx, turn, count)
		if err == nil {
			return turn, nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) || attempt == maxAppendAttempts {
			return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
		}
	}
}

func (c *Client) saveTurn(ctx context.Context, turn domain.Turn, prevTurns int) error {
	ttl := c.ttlValue()
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn, ttl),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 c.key(sessionPK(turn.SessionID), skMeta),
					UpdateExpression:    aws.String("SET sessionId = :sid, turns = :next, lastActivity = :now, createdAt = if_not_exists(createdAt, :now), #ttl = :ttl"),
					ConditionExpression: aws.String("attribute_not_exists(PK) OR turns = :prev"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":sid":  &types.AttributeValueMemberS{Value: turn.SessionID},
						":next": numAttr(int64(turn.Seq)),
						":prev": numAttr(int64(prevTurns)),
						":now":  &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
						":ttl":  numAttr(ttl),
					},
				},
			},
		},
	})
	return err
}

// RecentTurns returns up to limit most recent turns in chronological order.
func (c *Client) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to the resolver.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Turns returns the whole session in order.
func (c *Client) Turns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	var turns []domain.Turn
	var start map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: Turns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Turns unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		start = out.LastEvaluatedKey
	}
}

// SetRating attaches feedback to an existing turn.
func (c *Client) SetRating(ctx context.Context, sessionID string, seq, rating int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(sessionPK(sessionID), turnSK(seq)),
		UpdateExpression:    aws.String("SET rating = :rating"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rating": numAttr(int64(rating)),
		},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("repository: SetRating: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("repository: SetRating: %w", err)
	}
	return nil
}

// DeleteSession removes every turn and the session metadata. It returns the
// number of turns removed.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	keys, err := c.queryKeys(ctx, sessionPK(sessionID))
	if err != nil {
		return 0, fmt.Errorf("repository: DeleteSession: %w", err)
	}
	if err := c.batchDelete(ctx, keys); err != nil {
		return 0, fmt.Errorf("repository: DeleteSession: %w", err)
	}
	turns := 0
	for _, k := range keys {
		if sk, _ := strAttr(k, "SK"); sk != skMeta {
			turns++
		}
	}
	return turns, nil
}

func turnItem(t domain.Turn, ttl int64) map[string]types.AttributeValue {
	ids := make([]types.AttributeValue, 0, len(t.EvidenceIDs))
	for _, id := range t.EvidenceIDs {
		ids = append(ids, &types.AttributeValueMemberS{Value: id})
	}
	item := map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: sessionPK(t.SessionID)},
		"SK":               &types.AttributeValueMemberS{Value: turnSK(t.Seq)},
		"sessionId":        &types.AttributeValueMemberS{Value: t.SessionID},
		"seq":              numAttr(int64(t.Seq)),
		"kind":             &types.AttributeValueMemberS{Value: string(t.Kind)},
		"question":         &types.AttributeValueMemberS{Value: t.Question},
		"resolvedQuestion": &types.AttributeValueMemberS{Value: t.ResolvedQuestion},
		"topic":            &types.AttributeValueMemberS{Value: t.Topic},
		"answer":           &types.AttributeValueMemberS{Value: t.Answer},
		"evidenceIds":      &types.AttributeValueMemberL{Value: ids},
		"latencyMs":        numAttr(t.LatencyMs),
		"cached":           &types.AttributeValueMemberBOOL{Value: t.Cached},
		"reframed":         &types.AttributeValueMemberBOOL{Value: t.Reframed},
		"createdAt":        &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":              numAttr(ttl),
	}
	if t.Rating > 0 {
		item["rating"] = numAttr(int64(t.Rating))
	}
	return item
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Turn{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Turn{}, err
	}
	question, err := strAttr(item, "question")
	if err != nil {
		return domain.Turn{}, err
	}
	latency, _ := intAttr(item, "latencyMs") // allow missing
	rating, _ := intAttr(item, "rating")

	var ids []string
	if l, ok := item["evidenceIds"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				ids = append(ids, s.Value)
			}
		}
	}
	var createdAt time.Time
	if raw := optStrAttr(item, "createdAt"); raw != "" {
		if createdAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return domain.Turn{}, fmt.Errorf("repository: parse createdAt: %w", err)
		}
	}

	return domain.Turn{
		SessionID:        sessionID,
		Seq:              int(seq),
		Kind:             domain.TurnKind(optStrAttr(item, "kind")),
		Question:         question,
		ResolvedQuestion: optStrAttr(item, "resolvedQuestion"),
		Topic:            optStrAttr(item, "topic"),
		Answer:           optStrAttr(item, "answer"),
		EvidenceIDs:      ids,
		LatencyMs:        latency,
		Cached:           boolAttr(item, "cached"),
		Reframed:         boolAttr(item, "reframed"),
		Rating:           int(rating),
		CreatedAt:        createdAt,
	}, nil
}
