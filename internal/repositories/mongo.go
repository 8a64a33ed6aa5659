package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const (
	channelsCollection = "channels"
	messagesCollection = "messages"
	countersCollection = "counters"
)

type messageDoc struct {
	ID              int64                  `bson:"_id"`
	ChannelID       int64                  `bson:"channel_id"`
	SenderType      models.ParticipantType `bson:"sender_type"`
	SenderID        string                 `bson:"sender_id"`
	Content         string                 `bson:"content"`
	MetadataType    string                 `bson:"metadata_type,omitempty"`
	MetadataPayload []byte                 `bson:"metadata_payload,omitempty"`
	ClientMessageID string                 `bson:"client_message_id,omitempty"`
	IsRead          bool                   `bson:"is_read"`
	ReadAt          *time.Time             `bson:"read_at,omitempty"`
	CreatedAt       time.Time              `bson:"created_at"`
}

func (d messageDoc) model() models.Message {
	msg := models.Message{
		ID:              d.ID,
		ChannelID:       d.ChannelID,
		SenderType:      d.SenderType,
		SenderID:        d.SenderID,
		Content:         d.Content,
		ClientMessageID: d.ClientMessageID,
		IsRead:          d.IsRead,
		ReadAt:          d.ReadAt,
		CreatedAt:       d.CreatedAt,
	}
	if d.MetadataType != "" {
		msg.Metadata = &models.Metadata{Type: d.MetadataType, Payload: d.MetadataPayload}
	}
	return msg
}

// MongoStore keeps channels and messages in MongoDB. Integer ids come from a counters collection.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri and prepares the indexes the store relies on.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(channelsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "customer_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb channel index: %w", err)
	}
	_, err = s.db.Collection(messagesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "_id", Value: -1}}},
		{
			Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "client_message_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "client_message_id", Value: bson.D{{Key: "$type", Value: "string"}}}}),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb message index: %w", err)
	}
	return nil
}

func (s *MongoStore) nextID(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

// EnsureChannel returns the channel for the pair, creating it when missing.
func (s *MongoStore) EnsureChannel(ctx context.Context, organizationID, customerID string) (models.Channel, error) {
	if err := validateEnsure(organizationID, customerID); err != nil {
		return models.Channel{}, err
	}
	coll := s.db.Collection(channelsCollection)
	filter := bson.D{{Key: "organization_id", Value: organizationID}, {Key: "customer_id", Value: customerID}}

	var channel models.Channel
	err := coll.FindOne(ctx, filter).Decode(&channel)
	if err == nil {
		return channel, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return models.Channel{}, syncerr.Store("ensure channel", err)
	}

	id, err := s.nextID(ctx, channelsCollection)
	if err != nil {
		return models.Channel{}, syncerr.Store("ensure channel", err)
	}
	now := time.Now().UTC()
	channel = models.Channel{ID: id, OrganizationID: organizationID, CustomerID: customerID, CreatedAt: now, UpdatedAt: now}
	if _, err := coll.InsertOne(ctx, channel); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return models.Channel{}, syncerr.Store("ensure channel", err)
		}
		// another writer created the pair first
		if err := coll.FindOne(ctx, filter).Decode(&channel); err != nil {
			return models.Channel{}, syncerr.Store("ensure channel", err)
		}
	}
	return channel, nil
}

// GetChannel fetches a channel by id.
func (s *MongoStore) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	var channel models.Channel
	err := s.db.Collection(channelsCollection).FindOne(ctx, bson.D{{Key: "_id", Value: channelID}}).Decode(&channel)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, syncerr.Store("get channel", err)
	}
	return channel, nil
}

// Append stores a message and bumps the channel's last_message_at. The channel document
// is written first inside one transaction, which serializes appends per channel: ids are
// allocated and committed in the same order. Requires a replica set.
func (s *MongoStore) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	if err := in.Validate(); err != nil {
		return models.Message{}, err
	}
	if in.ClientMessageID != "" {
		if existing, ok, err := s.findByClientID(ctx, in.ChannelID, in.ClientMessageID); err != nil {
			return models.Message{}, err
		} else if ok {
			return existing, nil
		}
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return models.Message{}, syncerr.Store("append message", err)
	}
	defer sess.EndSession(ctx)

	var doc messageDoc
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		now := time.Now().UTC()
		res, err := s.db.Collection(channelsCollection).UpdateOne(sc,
			bson.D{{Key: "_id", Value: in.ChannelID}},
			bson.D{
				{Key: "$inc", Value: bson.D{{Key: "message_seq", Value: int64(1)}}},
				{Key: "$max", Value: bson.D{{Key: "last_message_at", Value: now}, {Key: "updated_at", Value: now}}},
			},
		)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, ErrChannelNotFound
		}
		id, err := s.nextID(sc, messagesCollection)
		if err != nil {
			return nil, err
		}
		doc = newMessageDoc(id, in, now)
		_, err = s.db.Collection(messagesCollection).InsertOne(sc, doc)
		return nil, err
	})
	switch {
	case err == nil:
		return doc.model(), nil
	case errors.Is(err, ErrChannelNotFound):
		return models.Message{}, err
	case in.ClientMessageID != "" && mongo.IsDuplicateKeyError(err):
		existing, _, ferr := s.findByClientID(ctx, in.ChannelID, in.ClientMessageID)
		return existing, ferr
	default:
		return models.Message{}, syncerr.Store("append message", err)
	}
}

func newMessageDoc(id int64, in models.NewMessage, createdAt time.Time) messageDoc {
	doc := messageDoc{
		ID:              id,
		ChannelID:       in.ChannelID,
		SenderType:      in.SenderType,
		SenderID:        in.SenderID,
		Content:         in.Content,
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       createdAt,
	}
	if in.Metadata != nil {
		doc.MetadataType = in.Metadata.Type
		doc.MetadataPayload = in.Metadata.Payload
	}
	return doc
}

func (s *MongoStore) findByClientID(ctx context.Context, channelID int64, clientID string) (models.Message, bool, error) {
	var doc messageDoc
	err := s.db.Collection(messagesCollection).FindOne(ctx, bson.D{
		{Key: "channel_id", Value: channelID},
		{Key: "client_message_id", Value: clientID},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, syncerr.Store("append message", err)
	}
	return doc.model(), true, nil
}

// Query returns up to limit messages older than before, oldest first.
func (s *MongoStore) Query(ctx context.Context, channelID int64, before *int64, limit int) (models.Page, error) {
	limit = normalizeLimit(limit)
	filter := bson.D{{Key: "channel_id", Value: channelID}}
	if before != nil {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$lt", Value: *before}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(limit + 1))
	cursor, err := s.db.Collection(messagesCollection).Find(ctx, filter, opts)
	if err != nil {
		return models.Page{}, syncerr.Store("query messages", err)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return models.Page{}, syncerr.Store("query messages", err)
	}
	rows := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, d.model())
	}
	return pageFromNewest(rows, limit), nil
}

// MarkRead flips every unread counterparty message to read. Each row is claimed with a
// conditional update so concurrent readers never report the same id twice.
func (s *MongoStore) MarkRead(ctx context.Context, channelID int64, reader models.ParticipantType) (models.ReadReceipt, error) {
	coll := s.db.Collection(messagesCollection)
	unread := bson.D{
		{Key: "channel_id", Value: channelID},
		{Key: "sender_type", Value: bson.D{{Key: "$ne", Value: reader}}},
		{Key: "is_read", Value: false},
	}
	cursor, err := coll.Find(ctx, unread, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return models.ReadReceipt{}, syncerr.Store("mark read", err)
	}
	var ids []struct {
		ID int64 `bson:"_id"`
	}
	if err := cursor.All(ctx, &ids); err != nil {
		return models.ReadReceipt{}, syncerr.Store("mark read", err)
	}

	now := time.Now().UTC()
	receipt := models.ReadReceipt{ChannelID: channelID, ReaderType: reader, MessageIDs: []int64{}, ReadAt: now}
	for _, row := range ids {
		res, err := coll.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: row.ID}, {Key: "is_read", Value: false}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "is_read", Value: true}, {Key: "read_at", Value: now}}}},
		)
		if err != nil {
			return models.ReadReceipt{}, syncerr.Store("mark read", err)
		}
		if res.ModifiedCount == 1 {
			receipt.MessageIDs = append(receipt.MessageIDs, row.ID)
		}
	}
	return receipt, nil
}

// CountUnread counts counterparty messages the viewer has not read.
func (s *MongoStore) CountUnread(ctx context.Context, channelID int64, viewer models.ParticipantType) (int, error) {
	count, err := s.db.Collection(messagesCollection).CountDocuments(ctx, bson.D{
		{Key: "channel_id", Value: channelID},
		{Key: "sender_type", Value: bson.D{{Key: "$ne", Value: viewer}}},
		{Key: "is_read", Value: false},
	})
	if err != nil {
		return 0, syncerr.Store("count unread", err)
	}
	return int(count), nil
}

// GetMessage retrieves a single message of a channel.
func (s *MongoStore) GetMessage(ctx context.Context, channelID, messageID int64) (models.Message, error) {
	var doc messageDoc
	err := s.db.Collection(messagesCollection).FindOne(ctx, bson.D{
		{Key: "_id", Value: messageID},
		{Key: "channel_id", Value: channelID},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, syncerr.Store("get message", err)
	}
	return doc.model(), nil
}

// Ping checks the MongoDB connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return syncerr.Store("ping", s.client.Ping(ctx, nil))
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
