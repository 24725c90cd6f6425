package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"medivoz/avatar/internal/domain"
)

const collectionName = "did_conversations"

// ConversationRepo stores conversation aggregates keyed by (agentId, chatId)
// in the did_conversations collection. It implements domain.ConversationStore.
type ConversationRepo struct {
	coll *mongo.Collection
	log  *logrus.Entry
}

func NewConversationRepo(db *mongo.Database, log *logrus.Logger) *ConversationRepo {
	return &ConversationRepo{
		coll: db.Collection(collectionName),
		log:  log.WithField("component", "store"),
	}
}

type conversationDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	AgentID   string             `bson:"agentId"`
	ChatID    string             `bson:"chatId"`
	UserID    *int               `bson:"userId"`
	PatientID *int               `bson:"patientId"`
	Messages  []domain.Message   `bson:"messages"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

// AppendTurn pushes one message onto the conversation for the turn's
// (agentId, chatId) pair, creating the aggregate on first write. The user
// and patient identifiers are refreshed whenever the turn carries them.
func (r *ConversationRepo) AppendTurn(ctx context.Context, turn domain.ConversationTurn) (string, error) {
	filter := bson.M{"agentId": turn.AgentID, "chatId": turn.ChatID}

	var doc conversationDoc
	err := r.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		now := time.Now().UTC()
		doc = conversationDoc{
			AgentID:   turn.AgentID,
			ChatID:    turn.ChatID,
			UserID:    turn.UserID,
			PatientID: turn.PatientID,
			Messages:  []domain.Message{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		res, insertErr := r.coll.InsertOne(ctx, doc)
		if insertErr != nil {
			return "", fmt.Errorf("insert conversation: %w", insertErr)
		}
		doc.ID = res.InsertedID.(primitive.ObjectID)
	} else if err != nil {
		return "", fmt.Errorf("find conversation: %w", err)
	}

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	message := domain.Message{
		Role:      turn.Role,
		Content:   turn.Text,
		Audio:     turn.AudioURL,
		Timestamp: ts,
	}

	set := bson.M{"updatedAt": time.Now().UTC()}
	if turn.UserID != nil {
		set["userId"] = *turn.UserID
	}
	if turn.PatientID != nil {
		set["patientId"] = *turn.PatientID
	}

	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{
		"$push": bson.M{"messages": message},
		"$set":  set,
	})
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"agentId": turn.AgentID,
		"chatId":  turn.ChatID,
		"role":    turn.Role,
	}).Debug("turn appended")
	return doc.ID.Hex(), nil
}

// Get returns the full conversation for an (agentId, chatId) pair, or nil
// when none exists.
func (r *ConversationRepo) Get(ctx context.Context, agentID, chatID string) (*domain.Conversation, error) {
	var doc conversationDoc
	err := r.coll.FindOne(ctx, bson.M{"agentId": agentID, "chatId": chatID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	conv := doc.toConversation()
	return &conv, nil
}

// ListByUser returns a user's conversations as summaries, most recently
// updated first.
func (r *ConversationRepo) ListByUser(ctx context.Context, userID int, limit int64) ([]domain.ConversationSummary, error) {
	return r.list(ctx, bson.M{"userId": userID}, limit)
}

// ListByPatient returns a patient's conversations as summaries, most
// recently updated first.
func (r *ConversationRepo) ListByPatient(ctx context.Context, patientID int, limit int64) ([]domain.ConversationSummary, error) {
	return r.list(ctx, bson.M{"patientId": patientID}, limit)
}

func (r *ConversationRepo) list(ctx context.Context, filter bson.M, limit int64) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(limit)

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cur.Close(ctx)

	summaries := []domain.ConversationSummary{}
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		summaries = append(summaries, doc.toSummary())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return summaries, nil
}

func (d conversationDoc) toConversation() domain.Conversation {
	messages := d.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	return domain.Conversation{
		ID:        d.ID.Hex(),
		AgentID:   d.AgentID,
		ChatID:    d.ChatID,
		UserID:    d.UserID,
		PatientID: d.PatientID,
		Messages:  messages,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (d conversationDoc) toSummary() domain.ConversationSummary {
	s := domain.ConversationSummary{
		ID:           d.ID.Hex(),
		AgentID:      d.AgentID,
		ChatID:       d.ChatID,
		UserID:       d.UserID,
		PatientID:    d.PatientID,
		MessageCount: len(d.Messages),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if n := len(d.Messages); n > 0 {
		last := d.Messages[n-1]
		s.LastMessage = &last
	}
	return s
}
