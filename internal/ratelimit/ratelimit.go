// Package ratelimit gates calls to the model provider. Each model identifier
// gets its own quota document tracking a sliding one-minute window of request
// timestamps and a daily counter anchored to the provider's reset schedule
// (midnight Pacific Time).
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Model identifiers. The two call classes are limited independently so title
// generation never starves the conversational quota.
const (
	ChatModel  = "gemini-3-flash-preview"
	TitleModel = "gemini-2.5-flash-lite"
)

const (
	collectionName = "ratelimits"
	referenceZone  = "America/Los_Angeles"
	window         = time.Minute
	// A document's request list is pruned once it grows past this bound.
	pruneThreshold = 100
)

type Limits struct {
	PerMinute int
	PerDay    int
}

// RateLimits holds the per-model quota configuration.
var RateLimits = map[string]Limits{
	ChatModel:  {PerMinute: 9, PerDay: 19},
	TitleModel: {PerMinute: 4, PerDay: 19},
}

type Reason string

const (
	ReasonPerMinute Reason = "perMinute"
	ReasonPerDay    Reason = "perDay"
)

type Result struct {
	Allowed bool
	Reason  Reason
	// RetryAfter is the number of seconds until the next slot opens; only set
	// on denial, always at least 1.
	RetryAfter int
}

type quotaDoc struct {
	Model         string         `bson:"model"`
	Requests      []quotaRequest `bson:"requests"`
	DailyCount    int            `bson:"dailyCount"`
	LastResetDate string         `bson:"lastResetDate"`
}

type quotaRequest struct {
	Timestamp time.Time `bson:"timestamp"`
}

// Ledger is the quota ledger. All mutations of a quota document go through
// the store's atomic update primitives so concurrent admission checks cannot
// lose updates.
type Ledger struct {
	col    *mongo.Collection
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(db *mongo.Database, logger *zap.Logger) (*Ledger, error) {
	loc, err := time.LoadLocation(referenceZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference timezone: %w", err)
	}
	return &Ledger{
		col:    db.Collection(collectionName),
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}, nil
}

// EnsureIndexes is called once at startup; creating an existing index is a
// no-op.
func (l *Ledger) EnsureIndexes(ctx context.Context) error {
	_, err := l.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "model", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create ratelimit index: %w", err)
	}
	return nil
}

// Check decides whether a call to model is currently admitted. Beyond the
// lazy creation of the quota document and the guarded daily rollover it has
// no side effects; an allowed call is only counted once Record runs.
func (l *Ledger) Check(ctx context.Context, model string, limits Limits) (Result, error) {
	now := l.now()
	today := dateString(now, l.loc)

	// Fetch-or-create atomically so concurrent first callers converge on one
	// document.
	res := l.col.FindOneAndUpdate(ctx,
		bson.M{"model": model},
		bson.M{"$setOnInsert": bson.M{
			"model":         model,
			"requests":      bson.A{},
			"dailyCount":    0,
			"lastResetDate": today,
		}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))

	var doc quotaDoc
	if err := res.Decode(&doc); err != nil {
		return Result{}, fmt.Errorf("failed to load quota record for %s: %w", model, err)
	}

	if doc.LastResetDate != today {
		// The lastResetDate filter keeps concurrent rollovers from resetting
		// twice.
		_, err := l.col.UpdateOne(ctx,
			bson.M{"model": model, "lastResetDate": bson.M{"$ne": today}},
			bson.M{"$set": bson.M{"dailyCount": 0, "lastResetDate": today}})
		if err != nil {
			return Result{}, fmt.Errorf("failed to reset daily quota for %s: %w", model, err)
		}
		doc.DailyCount = 0
		doc.LastResetDate = today
	}

	return decide(requestTimes(doc.Requests), doc.DailyCount, limits, now, l.loc), nil
}

// Record counts a committed call: one timestamp in the minute window, one on
// the daily counter. It must run immediately after a successful Check, before
// the provider call starts, or concurrent requests could all pass the check
// unrecorded.
func (l *Ledger) Record(ctx context.Context, model string) error {
	now := l.now()
	_, err := l.col.UpdateOne(ctx,
		bson.M{"model": model},
		bson.M{
			"$push": bson.M{"requests": bson.M{"timestamp": now}},
			"$inc":  bson.M{"dailyCount": 1},
			"$set":  bson.M{"lastResetDate": dateString(now, l.loc)},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to record request for %s: %w", model, err)
	}

	l.pruneIfNeeded(ctx, model, now)
	return nil
}

// pruneIfNeeded bounds document growth by dropping timestamps that left the
// minute window. Best effort: a failure here never fails the Record that
// triggered it.
func (l *Ledger) pruneIfNeeded(ctx context.Context, model string, now time.Time) {
	var doc quotaDoc
	if err := l.col.FindOne(ctx, bson.M{"model": model}).Decode(&doc); err != nil {
		l.logger.Warn("quota prune read failed", zap.String("model", model), zap.Error(err))
		return
	}
	if len(doc.Requests) <= pruneThreshold {
		return
	}

	cutoff := now.Add(-window)
	recent := make([]quotaRequest, 0, len(doc.Requests))
	for _, req := range doc.Requests {
		if !req.Timestamp.Before(cutoff) {
			recent = append(recent, req)
		}
	}

	_, err := l.col.UpdateOne(ctx,
		bson.M{"model": model},
		bson.M{"$set": bson.M{"requests": recent}})
	if err != nil {
		l.logger.Warn("quota prune write failed", zap.String("model", model), zap.Error(err))
	}
}

// decide applies the quota policy to a point-in-time view of the record.
func decide(requests []time.Time, dailyCount int, limits Limits, now time.Time, loc *time.Location) Result {
	cutoff := now.Add(-window)
	var recent []time.Time
	for _, ts := range requests {
		if !ts.Before(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= limits.PerMinute {
		oldest := recent[0]
		for _, ts := range recent[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		retry := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Reason: ReasonPerMinute, RetryAfter: retry}
	}

	if dailyCount >= limits.PerDay {
		retry := secondsUntilMidnight(now, loc)
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Reason: ReasonPerDay, RetryAfter: retry}
	}

	return Result{Allowed: true}
}

// dateString renders the calendar date of t in the reference timezone.
func dateString(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// secondsUntilMidnight computes the seconds remaining until the next midnight
// in the reference timezone.
func secondsUntilMidnight(now time.Time, loc *time.Location) int {
	local := now.In(loc)
	elapsed := local.Hour()*3600 + local.Minute()*60 + local.Second()
	return 24*3600 - elapsed
}

func requestTimes(reqs []quotaRequest) []time.Time {
	times := make([]time.Time, 0, len(reqs))
	for _, r := range reqs {
		times = append(times, r.Timestamp)
	}
	return times
}
