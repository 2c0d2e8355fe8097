package remote

import (
	"context"
	"fmt"

	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Mongo implements Store over a MongoDB database. Messages live in one
// collection keyed by the message identity; conversations in another. Change
// streams supply the per-conversation change-notification feed.
type Mongo struct {
	client *mongo.Client
	msgs   *mongo.Collection
	convs  *mongo.Collection
	logger *zap.Logger
}

// Dial connects to the remote store and verifies the connection.
func Dial(ctx context.Context, uri, database string, logger *zap.Logger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect remote store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping remote store: %w", err)
	}
	db := client.Database(database)
	return &Mongo{
		client: client,
		msgs:   db.Collection("messages"),
		convs:  db.Collection("conversations"),
		logger: logging.OrNop(logger),
	}, nil
}

// Close disconnects from the remote store.
func (r *Mongo) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *Mongo) Send(ctx context.Context, m *model.Message) (string, error) {
	serverID := primitive.NewObjectID().Hex()
	doc := EncodeMessage(m)
	doc["serverId"] = serverID
	doc["status"] = string(model.StatusSent)

	// Upsert on identity so a retried send after a lost ack stays one
	// document.
	_, err := r.msgs.UpdateOne(ctx,
		bson.M{"_id": m.Key()},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return serverID, nil
}

func (r *Mongo) MessagesSince(ctx context.Context, conversationID string, sinceTs int64, limit int) ([]*model.Message, error) {
	cur, err := r.msgs.Find(ctx,
		bson.M{"conversationId": conversationID, "timestamp": bson.M{"$gt": sinceTs}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	return r.decodeCursor(ctx, cur)
}

func (r *Mongo) MessagesBefore(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]*model.Message, error) {
	cur, err := r.msgs.Find(ctx,
		bson.M{"conversationId": conversationID, "timestamp": bson.M{"$lt": beforeTs}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("messages before: %w", err)
	}
	return r.decodeCursor(ctx, cur)
}

func (r *Mongo) Watch(ctx context.Context, conversationID string) (<-chan *model.Message, func(), error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "fullDocument.conversationId", Value: conversationID},
		}}},
	}
	stream, err := r.msgs.Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, nil, fmt.Errorf("watch conversation: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan *model.Message, 64)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close(context.Background()) }()
		for stream.Next(ctx) {
			var evt struct {
				FullDocument bson.M `bson:"fullDocument"`
			}
			if err := stream.Decode(&evt); err != nil {
				r.logger.Warn("change stream decode failed", zap.Error(err))
				continue
			}
			if evt.FullDocument == nil {
				continue
			}
			m, err := DecodeMessage(normalize(evt.FullDocument))
			if err != nil {
				r.logger.Warn("malformed change feed document", zap.Error(err))
				continue
			}
			select {
			case ch <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, cancel, nil
}

func (r *Mongo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var doc bson.M
	err := r.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return DecodeConversation(normalize(doc))
}

func (r *Mongo) PutConversation(ctx context.Context, c *model.Conversation) error {
	details := make(bson.M, len(c.ParticipantDetails))
	for id, d := range c.ParticipantDetails {
		details[id] = bson.M{"name": d.Name, "avatarRef": d.AvatarRef}
	}
	_, err := r.convs.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{"$set": bson.M{
			"type":               string(c.Type),
			"participants":       c.Participants,
			"participantDetails": details,
			"lastMessageId":      c.LastMessageID,
			"lastMessage": bson.M{
				"text":      c.LastMessage.Text,
				"senderId":  c.LastMessage.SenderID,
				"timestamp": c.LastMessage.Timestamp,
			},
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

func (r *Mongo) UpdateSummary(ctx context.Context, conversationID, lastMessageID string, s model.Summary) error {
	_, err := r.convs.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{
			"lastMessageId": lastMessageID,
			"lastMessage": bson.M{
				"text":      s.Text,
				"senderId":  s.SenderID,
				"timestamp": s.Timestamp,
			},
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

func (r *Mongo) MarkDelivered(ctx context.Context, identity, participant string) error {
	return r.addToSet(ctx, identity, "deliveredTo", participant)
}

func (r *Mongo) MarkRead(ctx context.Context, identity, participant string) error {
	return r.addToSet(ctx, identity, "readBy", participant)
}

func (r *Mongo) MarkDeleted(ctx context.Context, identity, viewer string) error {
	return r.addToSet(ctx, identity, "deletedBy", viewer)
}

func (r *Mongo) addToSet(ctx context.Context, identity, field, participant string) error {
	_, err := r.msgs.UpdateOne(ctx,
		bson.M{"_id": identity},
		bson.M{"$addToSet": bson.M{field: participant}})
	if err != nil {
		return fmt.Errorf("mark %s: %w", field, err)
	}
	return nil
}

func (r *Mongo) decodeCursor(ctx context.Context, cur *mongo.Cursor) ([]*model.Message, error) {
	defer func() { _ = cur.Close(ctx) }()

	var msgs []*model.Message
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		m, err := DecodeMessage(normalize(doc))
		if err != nil {
			r.logger.Warn("malformed remote document skipped", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, cur.Err()
}

// normalize converts bson container types to plain maps and slices so the
// decoder stays independent of the driver.
func normalize(doc bson.M) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return normalize(val)
	case bson.A:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalizeValue(item)
		}
		return items
	case primitive.DateTime:
		return int64(val)
	default:
		return v
	}
}
