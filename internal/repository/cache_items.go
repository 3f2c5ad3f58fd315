package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"knowledge-agent/internal/domain"
)

const (
	pkPrefixCache = "CACHE#"
	skCacheEntry  = "ENTRY"
)

// cachePK returns the partition key for a cache entry.
func cachePK(id string) string {
	return pkPrefixCache + id
}

// GetEntry reads a cache entry. Expiry is left to the caller; DynamoDB TTL
// deletion lags behind the ttl attribute.
func (c *Client) GetEntry(ctx context.Context, id string) (domain.CacheEntry, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(cachePK(id), skCacheEntry),
	})
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("repository: GetEntry: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.CacheEntry{}, false, nil
	}
	entry, err := itemToEntry(out.Item)
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("repository: GetEntry decode: %w", err)
	}
	return entry, true, nil
}

// PutEntry writes or replaces the single entry for a fingerprint.
func (c *Client) PutEntry(ctx context.Context, entry domain.CacheEntry) error {
	item, err := entryItem(entry)
	if err != nil {
		return fmt.Errorf("repository: PutEntry: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutEntry: %w", err)
	}
	return nil
}

// RecordHit increments the hit counter of an existing entry. A missing entry is not an error.
func (c *Client) RecordHit(ctx context.Context, id string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(cachePK(id), skCacheEntry),
		UpdateExpression:    aws.String("ADD hits :one SET lastHitAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numAttr(1),
			":at":  unixAttr(at),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("repository: RecordHit: %w", err)
	}
	return nil
}

// DeleteEntry removes an entry and reports whether it existed.
func (c *Client) DeleteEntry(ctx context.Context, id string) (bool, error) {
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          c.key(cachePK(id), skCacheEntry),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("repository: DeleteEntry: %w", err)
	}
	return out != nil && len(out.Attributes) > 0, nil
}

// ClearEntries deletes every cache entry. Conversation items are untouched.
func (c *Client) ClearEntries(ctx context.Context) (int, error) {
	keys, err := c.scanKeys(ctx, pkPrefixCache)
	if err != nil {
		return 0, fmt.Errorf("repository: ClearEntries: %w", err)
	}
	if err := c.batchDelete(ctx, keys); err != nil {
		return 0, fmt.Errorf("repository: ClearEntries: %w", err)
	}
	return len(keys), nil
}

// EntryStats counts live entries and averages their confidence.
func (c *Client) EntryStats(ctx context.Context) (domain.TierStats, error) {
	var stats domain.TierStats
	var sum float64
	var start map[string]types.AttributeValue
	for {
		out, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(c.tableName),
			FilterExpression:     aws.String("begins_with(PK, :prefix) AND expiresAt > :now"),
			ProjectionExpression: aws.String("confidence"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: pkPrefixCache},
				":now":    unixAttr(c.now()),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return domain.TierStats{}, fmt.Errorf("repository: EntryStats: %w", err)
		}
		for _, item := range out.Items {
			conf, err := floatAttr(item, "confidence")
			if err != nil {
				return domain.TierStats{}, fmt.Errorf("repository: EntryStats decode: %w", err)
			}
			stats.Entries++
			sum += conf
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	if stats.Entries > 0 {
		stats.AvgConfidence = sum / float64(stats.Entries)
	}
	return stats, nil
}

func entryItem(e domain.CacheEntry) (map[string]types.AttributeValue, error) {
	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: cachePK(e.ID)},
		"SK":          &types.AttributeValueMemberS{Value: skCacheEntry},
		"id":          &types.AttributeValueMemberS{Value: e.ID},
		"fingerprint": &types.AttributeValueMemberS{Value: e.Fingerprint},
		"question":    &types.AttributeValueMemberS{Value: e.Question},
		"answer":      &types.AttributeValueMemberS{Value: e.Answer},
		"evidence":    &types.AttributeValueMemberS{Value: string(evidence)},
		"confidence":  &types.AttributeValueMemberN{Value: strconv.FormatFloat(e.Confidence, 'f', -1, 64)},
		"tier":        &types.AttributeValueMemberS{Value: string(e.Tier)},
		"createdAt":   unixAttr(e.CreatedAt),
		"expiresAt":   unixAttr(e.ExpiresAt),
		"hits":        numAttr(e.Hits),
		"lastHitAt":   unixAttr(e.LastHitAt),
		"ttl":         unixAttr(e.ExpiresAt),
	}, nil
}

func itemToEntry(item map[string]types.AttributeValue) (domain.CacheEntry, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	answer, err := strAttr(item, "answer")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	confidence, err := floatAttr(item, "confidence")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	expiresAt, err := intAttr(item, "expiresAt")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	createdAt, _ := intAttr(item, "createdAt") // allow missing
	hits, _ := intAttr(item, "hits")
	lastHit, _ := intAttr(item, "lastHitAt")

	var evidence []domain.Evidence
	if raw := optStrAttr(item, "evidence"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &evidence); err != nil {
			return domain.CacheEntry{}, fmt.Errorf("repository: unmarshal evidence: %w", err)
		}
	}

	return domain.CacheEntry{
		ID:          id,
		Fingerprint: optStrAttr(item, "fingerprint"),
		Question:    optStrAttr(item, "question"),
		Answer:      answer,
		Evidence:    evidence,
		Confidence:  confidence,
		Tier:        domain.ConfidenceTier(optStrAttr(item, "tier")),
		CreatedAt:   timeFromUnix(createdAt),
		ExpiresAt:   timeFromUnix(expiresAt),
		Hits:        hits,
		LastHitAt:   timeFromUnix(lastHit),
	}, nil
}
