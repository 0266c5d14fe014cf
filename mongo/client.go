package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agent-sessions/session"
)

const (
	defaultCollection = "agent_sessions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "sessions-mongo"
)

// Client exposes Mongo-backed operations over the session document schema.
// Every write is scoped to a single session document and relies on the
// store's atomic single-document update semantics; nested writes use the
// dot-path partial-update idiom so they never read and rewrite the whole
// document.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sess session.Session) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)

	CreateAgent(ctx context.Context, sessionID string, data session.AgentData) (session.Agent, error)
	LoadAgent(ctx context.Context, sessionID, agentID string) (session.Agent, error)
	UpdateAgent(ctx context.Context, sessionID string, data session.AgentData) error

	AppendMessage(ctx context.Context, sessionID, agentID string, msg session.Message) error
	UpdateMessage(ctx context.Context, sessionID, agentID string, messageID int, content []session.ContentBlock) error
	AttachMetrics(ctx context.Context, sessionID, agentID string, metrics session.EventLoopMetrics) error
	ListMessages(ctx context.Context, sessionID, agentID string, limit, offset int) ([]session.Message, error)
	LatestMessageID(ctx context.Context, sessionID, agentID string) (int, error)

	UpdateMetadata(ctx context.Context, sessionID string, update map[string]any) error
	DeleteMetadata(ctx context.Context, sessionID string, keys []string) error
	LoadMetadata(ctx context.Context, sessionID string) (map[string]any, error)

	AddFeedback(ctx context.Context, sessionID string, fb session.Feedback) (session.Feedback, error)
	ListFeedbacks(ctx context.Context, sessionID string) ([]session.Feedback, error)

	ApplicationName(ctx context.Context, sessionID string) (string, error)
}

// Options configures the Mongo session client.
type Options struct {
	// Client is the connected driver client. It may be owned by a pool; the
	// repository never disconnects it.
	Client *mongodriver.Client
	// Database is the database name.
	Database string
	// Collection is the sessions collection name; defaults to
	// "agent_sessions".
	Collection string
	// MetadataFields lists metadata keys to index (as metadata.<field>).
	MetadataFields []string
	// Timeout bounds each storage operation; defaults to 5s.
	Timeout time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB and ensures the collection's
// indexes exist. Index creation is idempotent and runs once per client
// construction, not once per operation.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	wrapper := mongoCollection{coll: coll}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper, opts.MetadataFields); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// CreateSession inserts a new root document with empty agents, metadata and
// feedbacks. Idempotent: creating over an existing id returns the stored
// session without overwriting anything.
func (c *client) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	existing, err := c.LoadSession(ctx, sess.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	now := time.Now().UTC()
	createdAt := sess.CreatedAt.UTC()
	if sess.CreatedAt.IsZero() {
		createdAt = now
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": sess.ID}
	// Idempotent insert: a pure $setOnInsert update never modifies an
	// existing session and stays safe under retries and races.
	update := bson.M{
		"$setOnInsert": newSessionDocument(sess, createdAt, now),
	}
	if _, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, options.Update().SetUpsert(true)); err != nil {
		return session.Session{}, mapWriteErr(err)
	}
	return c.LoadSession(ctx, sess.ID)
}

// LoadSession is a point lookup by primary key. Absence is reported as
// session.ErrSessionNotFound, not a generic failure.
func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

// CreateAgent writes the agent sub-document whole under agents.<id>.
// Idempotent: an existing agent is returned unchanged.
func (c *client) CreateAgent(ctx context.Context, sessionID string, data session.AgentData) (session.Agent, error) {
	if sessionID == "" {
		return session.Agent{}, errors.New("session id is required")
	}
	if data.AgentID == "" {
		return session.Agent{}, errors.New("agent id is required")
	}

	existing, err := c.LoadAgent(ctx, sessionID, data.AgentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, session.ErrAgentNotFound) {
		return session.Agent{}, err
	}

	now := time.Now().UTC()
	doc := agentDocument{
		AgentData: fromAgentData(data),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []messageDocument{},
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": sessionID}
	update := bson.M{"$set": bson.M{
		"agents." + data.AgentID: doc,
		"updated_at":             now,
	}}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return session.Agent{}, mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return session.Agent{}, session.ErrSessionNotFound
	}
	return doc.toAgent(), nil
}

// LoadAgent reads one agent sub-document via a projected point read.
func (c *client) LoadAgent(ctx context.Context, sessionID, agentID string) (session.Agent, error) {
	if sessionID == "" {
		return session.Agent{}, errors.New("session id is required")
	}
	if agentID == "" {
		return session.Agent{}, errors.New("agent id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	proj := options.FindOne().SetProjection(bson.M{"agents." + agentID: 1})
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": sessionID}, proj).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Agent{}, session.ErrSessionNotFound
		}
		return session.Agent{}, err
	}
	agent, ok := doc.Agents[agentID]
	if !ok {
		return session.Agent{}, session.ErrAgentNotFound
	}
	return agent.toAgent(), nil
}

// UpdateAgent partially rewrites agents.<id>.agent_data via dot paths and
// refreshes the agent- and session-level updated_at in the same atomic
// update. The document-level created_at fields are left untouched.
func (c *client) UpdateAgent(ctx context.Context, sessionID string, data session.AgentData) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if data.AgentID == "" {
		return errors.New("agent id is required")
	}
	now := time.Now().UTC()
	prefix := "agents." + data.AgentID + "."
	set := bson.M{
		prefix + "agent_data.model":                      data.Model,
		prefix + "agent_data.system_prompt":              data.SystemPrompt,
		prefix + "agent_data.state":                      ensureMap(data.State),
		prefix + "agent_data.conversation_manager_state": ensureMap(data.ConversationManagerState),
		prefix + "updated_at":                            now,
		"updated_at":                                     now,
	}
	if data.UpdatedAt != "" {
		set[prefix+"agent_data.updated_at"] = data.UpdatedAt
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": sessionID, "agents." + data.AgentID: bson.M{"$exists": true}}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, bson.M{"$set": set})
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return c.missingAgentErr(ctx, sessionID)
	}
	return nil
}

// AppendMessage appends to agents.<id>.messages and refreshes the agent-
// and session-level updated_at in one atomic document update.
func (c *client) AppendMessage(ctx context.Context, sessionID, agentID string, msg session.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if agentID == "" {
		return errors.New("agent id is required")
	}
	now := time.Now().UTC()
	doc := fromMessage(msg, now)
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": sessionID, "agents." + agentID: bson.M{"$exists": true}}
	update := bson.M{
		"$push": bson.M{"agents." + agentID + ".messages": doc},
		"$set": bson.M{
			"agents." + agentID + ".updated_at": now,
			"updated_at":                        now,
		},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return c.missingAgentErr(ctx, sessionID)
	}
	return nil
}

// UpdateMessage redacts the message with the given id: content and
// updated_at change, created_at is preserved. A missing message fails with
// session.ErrMessageNotFound instead of silently matching nothing.
func (c *client) UpdateMessage(ctx context.Context, sessionID, agentID string, messageID int, content []session.ContentBlock) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if agentID == "" {
		return errors.New("agent id is required")
	}
	now := time.Now().UTC()
	prefix := "agents." + agentID + ".messages.$[m]."
	update := bson.M{"$set": bson.M{
		prefix + "content":                   fromContentBlocks(content),
		prefix + "updated_at":                now,
		"agents." + agentID + ".updated_at": now,
		"updated_at":                        now,
	}}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"_id": sessionID,
		"agents." + agentID + ".messages.message_id": messageID,
	}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []any{bson.M{"m.message_id": messageID}},
	})
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, opts)
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: agent %q message %d", session.ErrMessageNotFound, agentID, messageID)
	}
	return nil
}

// AttachMetrics sets event_loop_metrics on the most recently appended
// message for the agent. The metrics field is storage-only telemetry and
// never appears in the view ListMessages returns.
func (c *client) AttachMetrics(ctx context.Context, sessionID, agentID string, metrics session.EventLoopMetrics) error {
	latest, err := c.LatestMessageID(ctx, sessionID, agentID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	prefix := "agents." + agentID + ".messages.$[m]."
	update := bson.M{"$set": bson.M{
		prefix + "event_loop_metrics":        fromMetrics(metrics),
		prefix + "updated_at":                now,
		"agents." + agentID + ".updated_at": now,
		"updated_at":                        now,
	}}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"_id": sessionID,
		"agents." + agentID + ".messages.message_id": latest,
	}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []any{bson.M{"m.message_id": latest}},
	})
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, opts)
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: agent %q message %d", session.ErrMessageNotFound, agentID, latest)
	}
	return nil
}

// ListMessages returns the agent's messages ordered by created_at
// ascending with offset/limit slice pagination. Metrics are stripped from
// the returned view; they are not part of the portable message contract.
func (c *client) ListMessages(ctx context.Context, sessionID, agentID string, limit, offset int) ([]session.Message, error) {
	agent, err := c.loadAgentMessages(ctx, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	msgs := make([]session.Message, 0, len(agent.Messages))
	for _, m := range agent.Messages {
		view := m.toMessage()
		view.Metrics = nil
		msgs = append(msgs, view)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []session.Message{}, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// UpdateMetadata sets metadata.<key> for every key in update as a single
// atomic multi-field $set. Keys absent from update are untouched.
func (c *client) UpdateMetadata(ctx context.Context, sessionID string, update map[string]any) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(update) == 0 {
		return errors.New("metadata update is empty")
	}
	now := time.Now().UTC()
	set := bson.M{"updated_at": now}
	for k, v := range update {
		if k == "" {
			return errors.New("metadata key is empty")
		}
		set["metadata."+k] = v
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.sessions.UpdateOne(ctxWithTimeout, bson.M{"_id": sessionID}, bson.M{"$set": set})
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// DeleteMetadata unsets exactly the named keys and leaves all others
// untouched.
func (c *client) DeleteMetadata(ctx context.Context, sessionID string, keys []string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(keys) == 0 {
		return errors.New("metadata keys are required")
	}
	unset := bson.M{}
	for _, k := range keys {
		if k == "" {
			return errors.New("metadata key is empty")
		}
		unset["metadata."+k] = ""
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$unset": unset,
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, bson.M{"_id": sessionID}, update)
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// LoadMetadata reads the metadata map via a projected point read.
func (c *client) LoadMetadata(ctx context.Context, sessionID string) (map[string]any, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	proj := options.FindOne().SetProjection(bson.M{"metadata": 1})
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": sessionID}, proj).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	if doc.Metadata == nil {
		return map[string]any{}, nil
	}
	return doc.Metadata, nil
}

// AddFeedback appends a server-timestamped feedback entry. Append-only, no
// dedup; the stored entry (with its assigned created_at) is returned.
func (c *client) AddFeedback(ctx context.Context, sessionID string, fb session.Feedback) (session.Feedback, error) {
	if sessionID == "" {
		return session.Feedback{}, errors.New("session id is required")
	}
	now := time.Now().UTC()
	fb.CreatedAt = now
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$push": bson.M{"feedbacks": fromFeedback(fb)},
		"$set":  bson.M{"updated_at": now},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, bson.M{"_id": sessionID}, update)
	if err != nil {
		return session.Feedback{}, mapWriteErr(err)
	}
	if res.MatchedCount == 0 {
		return session.Feedback{}, session.ErrSessionNotFound
	}
	return fb, nil
}

// ListFeedbacks returns the full feedback array in insertion order.
func (c *client) ListFeedbacks(ctx context.Context, sessionID string) ([]session.Feedback, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	proj := options.FindOne().SetProjection(bson.M{"feedbacks": 1})
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": sessionID}, proj).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	out := make([]session.Feedback, 0, len(doc.Feedbacks))
	for _, f := range doc.Feedbacks {
		out = append(out, f.toFeedback())
	}
	return out, nil
}

// ApplicationName reads the immutable session-level application tag.
func (c *client) ApplicationName(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	proj := options.FindOne().SetProjection(bson.M{"application_name": 1})
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": sessionID}, proj).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", session.ErrSessionNotFound
		}
		return "", err
	}
	return doc.ApplicationName, nil
}

// LatestMessageID returns the id of the most recently appended message for
// the agent, or session.ErrMessageNotFound when the history is empty.
func (c *client) LatestMessageID(ctx context.Context, sessionID, agentID string) (int, error) {
	agent, err := c.loadAgentMessages(ctx, sessionID, agentID)
	if err != nil {
		return 0, err
	}
	if len(agent.Messages) == 0 {
		return 0, fmt.Errorf("%w: agent %q has no messages", session.ErrMessageNotFound, agentID)
	}
	return agent.Messages[len(agent.Messages)-1].MessageID, nil
}

func (c *client) loadAgentMessages(ctx context.Context, sessionID, agentID string) (agentDocument, error) {
	if sessionID == "" {
		return agentDocument{}, errors.New("session id is required")
	}
	if agentID == "" {
		return agentDocument{}, errors.New("agent id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	proj := options.FindOne().SetProjection(bson.M{"agents." + agentID + ".messages": 1})
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": sessionID}, proj).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return agentDocument{}, session.ErrSessionNotFound
		}
		return agentDocument{}, err
	}
	agent, ok := doc.Agents[agentID]
	if !ok {
		return agentDocument{}, session.ErrAgentNotFound
	}
	return agent, nil
}

// missingAgentErr disambiguates a zero-match agent-scoped update: either
// the whole session is absent or just the agent.
func (c *client) missingAgentErr(ctx context.Context, sessionID string) error {
	if _, err := c.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	return session.ErrAgentNotFound
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection, metadataFields []string) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	}
	for _, field := range metadataFields {
		if field == "" {
			continue
		}
		models = append(models, mongodriver.IndexModel{
			Keys: bson.D{{Key: "metadata." + field, Value: 1}},
		})
	}
	for _, model := range models {
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: coll,
		timeout:  timeout,
	}, nil
}

func ensureMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
