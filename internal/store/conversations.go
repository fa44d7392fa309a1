package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *MongoStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	conv := &Conversation{
		Title:        title,
		CreatedAt:    now,
		UpdatedAt:    now,
		MessageCount: 0,
	}

	res, err := s.conversations().InsertOne(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	conv.ID = res.InsertedID.(primitive.ObjectID)
	return conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *MongoStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	cur, err := s.conversations().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer cur.Close(ctx)

	conversations := []Conversation{}
	if err := cur.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}

// GetConversation returns nil without error when the conversation does not
// exist.
func (s *MongoStore) GetConversation(ctx context.Context, id primitive.ObjectID) (*Conversation, error) {
	var conv Conversation
	err := s.conversations().FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return &conv, nil
}

// GetTurns returns the conversation's turns in sequence order.
func (s *MongoStore) GetTurns(ctx context.Context, conversationID primitive.ObjectID) ([]Turn, error) {
	cur, err := s.turns().Find(ctx, bson.M{"conversationId": conversationID},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer cur.Close(ctx)

	turns := []Turn{}
	if err := cur.All(ctx, &turns); err != nil {
		return nil, fmt.Errorf("failed to decode turns: %w", err)
	}
	return turns, nil
}

// AppendTurn inserts a turn at the next sequence index and bumps the
// conversation's turn count and update time. The index comes from a fresh
// count read at write time; two near-simultaneous writers to the same
// conversation can race, which is an accepted limitation.
func (s *MongoStore) AppendTurn(ctx context.Context, conversationID primitive.ObjectID, role Role, content string) (*Turn, error) {
	count, err := s.turns().CountDocuments(ctx, bson.M{"conversationId": conversationID})
	if err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}

	now := s.now()
	turn := &Turn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Index:          int(count),
		CreatedAt:      now,
	}

	res, err := s.turns().InsertOne(ctx, turn)
	if err != nil {
		return nil, fmt.Errorf("failed to insert turn: %w", err)
	}
	turn.ID = res.InsertedID.(primitive.ObjectID)

	_, err = s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"messageCount": count + 1, "updatedAt": now}})
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation counters: %w", err)
	}

	return turn, nil
}

// UpdateTitle replaces the conversation's title. Returns false when no
// conversation matched.
func (s *MongoStore) UpdateTitle(ctx context.Context, id primitive.ObjectID, title string) (bool, error) {
	res, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"title": title, "updatedAt": s.now()}})
	if err != nil {
		return false, fmt.Errorf("failed to update title: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// DeleteConversation removes the conversation and all of its turns. Returns
// false when the conversation did not exist.
func (s *MongoStore) DeleteConversation(ctx context.Context, id primitive.ObjectID) (bool, error) {
	res, err := s.conversations().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	if res.DeletedCount == 0 {
		return false, nil
	}

	if _, err := s.turns().DeleteMany(ctx, bson.M{"conversationId": id}); err != nil {
		return true, fmt.Errorf("failed to delete turns: %w", err)
	}
	return true, nil
}
