// Package session implements the Session Manager: ephemeral multi-agent
// workspaces backed entirely by the key/value store — a hash for session
// state, a sorted set for the ordered event log (score = seq), and a
// counter for seq allocation — plus pub/sub notifications over the
// configured channels.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memento/internal/config"
	"memento/internal/kg/history"
	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// CheckpointJobPayload is handed to a JobQueue by Checkpoint; its shape
// mirrors the session-checkpoint job table's payload column.
type CheckpointJobPayload struct {
	SessionID      string                   `json:"sessionId"`
	SeedEntityIDs  []string                 `json:"seedEntityIds"`
	Reason         history.CheckpointReason `json:"reason"`
	HopCount       int                      `json:"hopCount"`
	OperationID    string                   `json:"operationId,omitempty"`
	SequenceNumber int64                    `json:"sequenceNumber,omitempty"`
	EventID        string                   `json:"eventId,omitempty"`
	Actor          string                   `json:"actor,omitempty"`
	Annotations    []string                 `json:"annotations,omitempty"`
	TriggeredBy    string                   `json:"triggeredBy,omitempty"`
	Window         *history.TimeWindow      `json:"window,omitempty"`
}

// JobQueue is the durable checkpoint job store the Session Manager
// enqueues into. Satisfied by the Session Checkpoint Job Runner; nil-safe
// so the Session Manager is independently testable (checkpoint still
// transitions state and publishes, it just has no job to show for it).
type JobQueue interface {
	Enqueue(ctx context.Context, payload CheckpointJobPayload) (jobID string, err error)
}

// MessageType enumerates the pub/sub notification kinds published to
// session channels.
type MessageType string

const (
	MsgNew               MessageType = "new"
	MsgModified          MessageType = "modified"
	MsgCheckpointComplete MessageType = "checkpoint_complete"
	MsgHandoff           MessageType = "handoff"
)

// Message is published as JSON to the global and/or per-session channel.
type Message struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"sessionId"`
	Seq          int64       `json:"seq,omitempty"`
	Actor        string      `json:"actor,omitempty"`
	Initiator    string      `json:"initiator,omitempty"`
	CheckpointID string      `json:"checkpointId,omitempty"`
	Outcome      string      `json:"outcome,omitempty"`
	Summary      string      `json:"summary,omitempty"`
}

// CreateOptions controls CreateSession.
type CreateOptions struct {
	InitialEntityIDs []string
	TTL              time.Duration
	Metadata         map[string]interface{}
}

// StateTransitionInput is the caller-supplied half of a state transition;
// Timestamp is stamped by EmitEvent.
type StateTransitionInput struct {
	To         graph.SessionState
	VerifiedBy graph.VerifiedBy
	Confidence float64
}

// EventInput is the caller-supplied half of a session event; Seq and
// Timestamp are assigned by EmitEvent.
type EventInput struct {
	Type            graph.SessionEventType
	ChangeInfo      *graph.ChangeInfo
	StateTransition *StateTransitionInput
	Impact          *graph.ImpactInfo
}

// CheckpointOptions controls Checkpoint.
type CheckpointOptions struct {
	ForceSnapshot          bool
	GraceTTL               time.Duration
	IncludeFailureSnapshot bool
}

// CheckpointResult is the outcome of Checkpoint.
type CheckpointResult struct {
	CheckpointID string
	Outcome      string
}

const (
	defaultHopCount = 2
	activeIndexKey  = "sessions:index:active"
)

func agentIndexKey(agentID string) string { return "sessions:index:agent:" + agentID }
func sessionKey(id string) string         { return "session:" + id }
func eventsKey(id string) string          { return "session:" + id + ":events" }
func seqKey(id string) string             { return "session:" + id + ":seq" }

// Service implements the Session Manager operations.
type Service struct {
	kv   storex.KVStore
	cfg  config.SessionConfig
	jobs JobQueue
}

// New creates a Session Manager backed by kv. jobs may be nil; Checkpoint
// degrades to transitioning state and publishing without a durable job.
func New(kv storex.KVStore, cfg config.SessionConfig, jobs JobQueue) *Service {
	return &Service{kv: kv, cfg: cfg, jobs: jobs}
}

func notFound(id string) error {
	return merrors.NotFound(fmt.Sprintf("session %s", id))
}

func expired(id string) error {
	return merrors.Newf(merrors.KindTimeout, "session %s expired", id).WithDetails("expired")
}

// CreateSession creates a new session owned by agentID and appends its
// opening "start" event.
func (s *Service) CreateSession(ctx context.Context, agentID string, opts CreateOptions) (*graph.Session, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := time.Now().UTC()
	metadata := opts.Metadata
	if len(opts.InitialEntityIDs) > 0 {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["initialEntityIds"] = opts.InitialEntityIDs
	}

	sess := &graph.Session{
		SessionID:    uuid.NewString(),
		AgentIDs:     []string{agentID},
		State:        graph.SessionWorking,
		Metadata:     metadata,
		Created:      now,
		LastModified: now,
	}
	if err := s.saveSession(ctx, sess, ttl); err != nil {
		return nil, err
	}
	if err := s.indexSession(ctx, sess, agentID); err != nil {
		return nil, err
	}

	if _, err := s.EmitEvent(ctx, sess.SessionID, EventInput{Type: graph.EventStart}, agentID); err != nil {
		return nil, err
	}
	s.publish(ctx, sess.SessionID, Message{Type: MsgNew, SessionID: sess.SessionID, Actor: agentID}, true)

	logging.Get(logging.CategorySession).Info("created session %s for agent %s", sess.SessionID, agentID)
	return s.GetSession(ctx, sess.SessionID)
}

// JoinSession adds agentID to the session's agent list.
func (s *Service) JoinSession(ctx context.Context, sessionID, agentID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range sess.AgentIDs {
		if id == agentID {
			return nil
		}
	}
	sess.AgentIDs = append(sess.AgentIDs, agentID)
	sess.LastModified = time.Now().UTC()
	if err := s.saveSession(ctx, sess, s.cfg.DefaultTTL); err != nil {
		return err
	}
	if err := s.indexSession(ctx, sess, agentID); err != nil {
		return err
	}
	s.publish(ctx, sessionID, Message{Type: MsgModified, SessionID: sessionID, Actor: agentID}, false)
	return nil
}

// LeaveSession removes agentID from the session's agent list.
func (s *Service) LeaveSession(ctx context.Context, sessionID, agentID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	remaining := sess.AgentIDs[:0]
	for _, id := range sess.AgentIDs {
		if id != agentID {
			remaining = append(remaining, id)
		}
	}
	sess.AgentIDs = remaining
	sess.LastModified = time.Now().UTC()
	if err := s.saveSession(ctx, sess, s.cfg.DefaultTTL); err != nil {
		return err
	}
	s.publish(ctx, sessionID, Message{Type: MsgModified, SessionID: sessionID, Actor: agentID}, false)
	return nil
}

// EmitEvent appends an event to the session's ordered log, applying any
// embedded state transition, resetting the session's TTL, and publishing
// to the session channel.
func (s *Service) EmitEvent(ctx context.Context, sessionID string, input EventInput, actor string) (*graph.SessionEvent, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	seq, err := s.kv.Incr(ctx, seqKey(sessionID))
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}

	evt := graph.SessionEvent{
		Seq:        seq,
		Type:       input.Type,
		Timestamp:  time.Now().UTC(),
		ChangeInfo: input.ChangeInfo,
		Impact:     input.Impact,
		Actor:      actor,
	}

	if input.StateTransition != nil {
		from := sess.State
		to := input.StateTransition.To
		if !graph.CanTransition(from, to) {
			return nil, merrors.Newf(merrors.KindInvalidTransition, "session %s cannot transition %s -> %s", sessionID, from, to)
		}
		evt.StateTransition = &graph.StateTransition{
			From: from, To: to,
			VerifiedBy: input.StateTransition.VerifiedBy,
			Confidence: input.StateTransition.Confidence,
			Timestamp:  evt.Timestamp,
		}
		sess.State = to
	}
	sess.LastModified = evt.Timestamp

	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.KindInternal, "failed to encode session event")
	}
	if err := s.kv.ZAdd(ctx, eventsKey(sessionID), string(raw), float64(seq)); err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}
	if err := s.saveSession(ctx, sess, s.cfg.DefaultTTL); err != nil {
		return nil, err
	}

	s.publish(ctx, sessionID, Message{Type: MsgModified, SessionID: sessionID, Seq: seq, Actor: actor}, false)
	return &evt, nil
}

// Checkpoint freezes the session's current state, enqueues a durable
// checkpoint job over every entity touched so far, and transitions the
// session to completed (clean outcome) or coordinating
// (includeFailureSnapshot, meaning the checkpoint captures a broken
// state that still needs another agent's attention).
func (s *Service) Checkpoint(ctx context.Context, sessionID string, opts CheckpointOptions) (*CheckpointResult, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	to := graph.SessionCompleted
	outcome := "completed"
	if opts.IncludeFailureSnapshot {
		to = graph.SessionCoordinating
		outcome = "needs_coordination"
	}
	if !graph.CanTransition(sess.State, to) {
		return nil, merrors.Newf(merrors.KindInvalidTransition, "session %s cannot checkpoint from state %s", sessionID, sess.State)
	}

	seeds := seedEntityIDs(sess)
	payload := CheckpointJobPayload{
		SessionID: sessionID, SeedEntityIDs: seeds,
		Reason: history.ReasonManual, HopCount: defaultHopCount,
		TriggeredBy: "checkpoint",
	}

	var jobID string
	if s.jobs != nil {
		jobID, err = s.jobs.Enqueue(ctx, payload)
		if err != nil {
			return nil, merrors.Wrap(err, merrors.KindInternal, "failed to enqueue checkpoint job")
		}
	} else {
		jobID = uuid.NewString()
		logging.Get(logging.CategorySession).Warn("session %s: no job queue wired, checkpoint %s will not materialize", sessionID, jobID)
	}

	if _, err := s.EmitEvent(ctx, sessionID, EventInput{
		Type: graph.EventCheckpoint,
		StateTransition: &StateTransitionInput{To: to, VerifiedBy: graph.VerifiedByNone, Confidence: 1.0},
	}, "system"); err != nil {
		return nil, err
	}

	graceTTL := opts.GraceTTL
	if graceTTL <= 0 {
		graceTTL = s.cfg.GraceTTL
	}
	if sess, err = s.GetSession(ctx, sessionID); err == nil {
		sess.CurrentCheckpoint = jobID
		_ = s.saveSession(ctx, sess, graceTTL)
	}

	s.publish(ctx, sessionID, Message{
		Type: MsgCheckpointComplete, SessionID: sessionID, CheckpointID: jobID, Outcome: outcome,
	}, true)

	return &CheckpointResult{CheckpointID: jobID, Outcome: outcome}, nil
}

// seedEntityIDs collects every distinct entity id touched across the
// session's initial seed set and its event log, for checkpoint framing.
func seedEntityIDs(sess *graph.Session) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if raw, ok := sess.Metadata["initialEntityIds"]; ok {
		switch v := raw.(type) {
		case []string:
			for _, id := range v {
				add(id)
			}
		case []interface{}:
			for _, id := range v {
				if s, ok := id.(string); ok {
					add(s)
				}
			}
		}
	}
	for _, evt := range sess.Events {
		if evt.ChangeInfo != nil {
			add(evt.ChangeInfo.EntityID)
		}
		if evt.Impact != nil {
			for _, id := range evt.Impact.AffectedEntityIDs {
				add(id)
			}
		}
	}
	return ids
}

// Cleanup deletes a session's keys. Intended to run after the session's
// grace TTL has elapsed; safe to call on an already-expired or missing
// session.
func (s *Service) Cleanup(ctx context.Context, sessionID string) error {
	for _, key := range []string{sessionKey(sessionID), eventsKey(sessionID), seqKey(sessionID)} {
		if err := s.kv.Del(ctx, key); err != nil {
			return merrors.StoreUnavailable(err, "kv")
		}
	}
	logging.Get(logging.CategorySession).Debug("cleaned up session %s", sessionID)
	return nil
}

// GetSession loads a session and its full event log.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*graph.Session, error) {
	fields, err := s.kv.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}
	if len(fields) == 0 {
		return nil, notFound(sessionID)
	}

	sess := &graph.Session{SessionID: sessionID}
	if v, ok := fields["agentIds"]; ok {
		json.Unmarshal([]byte(v), &sess.AgentIDs)
	}
	sess.State = graph.SessionState(fields["state"])
	sess.CurrentCheckpoint = fields["currentCheckpoint"]
	if v, ok := fields["metadata"]; ok && v != "" {
		json.Unmarshal([]byte(v), &sess.Metadata)
	}
	if v, ok := fields["created"]; ok {
		sess.Created, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := fields["lastModified"]; ok {
		sess.LastModified, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := fields["expiresAt"]; ok {
		if expiresAt, err := time.Parse(time.RFC3339Nano, v); err == nil && time.Now().UTC().After(expiresAt) {
			return nil, expired(sessionID)
		}
	}

	events, err := s.GetSessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Events = events
	return sess, nil
}

// GetSessionEvents returns a session's event log in seq order.
func (s *Service) GetSessionEvents(ctx context.Context, sessionID string) ([]graph.SessionEvent, error) {
	members, err := s.kv.ZRange(ctx, eventsKey(sessionID), 0, -1)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}
	events := make([]graph.SessionEvent, 0, len(members))
	for _, m := range members {
		var evt graph.SessionEvent
		if err := json.Unmarshal([]byte(m.Member), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// ListActiveSessions returns every session whose active-sessions index
// entry (written when the session is created or joined; events do not
// refresh it) falls within the default TTL window, lazily skipping entries
// whose backing hash has already expired.
func (s *Service) ListActiveSessions(ctx context.Context) ([]*graph.Session, error) {
	return s.listByIndex(ctx, activeIndexKey)
}

// GetSessionsByAgent returns every session agentID currently belongs to.
func (s *Service) GetSessionsByAgent(ctx context.Context, agentID string) ([]*graph.Session, error) {
	return s.listByIndex(ctx, agentIndexKey(agentID))
}

func (s *Service) listByIndex(ctx context.Context, indexKey string) ([]*graph.Session, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.DefaultTTL).Unix()
	members, err := s.kv.ZRangeByScore(ctx, indexKey, float64(cutoff), float64(1<<62))
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}
	var sessions []*graph.Session
	for _, m := range members {
		sess, err := s.GetSession(ctx, m.Member)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *Service) saveSession(ctx context.Context, sess *graph.Session, ttl time.Duration) error {
	agentIDs, err := json.Marshal(sess.AgentIDs)
	if err != nil {
		return merrors.Wrap(err, merrors.KindInternal, "failed to encode agentIds")
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return merrors.Wrap(err, merrors.KindInternal, "failed to encode metadata")
	}
	fields := map[string]string{
		"agentIds":          string(agentIDs),
		"state":             string(sess.State),
		"currentCheckpoint": sess.CurrentCheckpoint,
		"metadata":          string(metadata),
		"created":           sess.Created.Format(time.RFC3339Nano),
		"lastModified":      sess.LastModified.Format(time.RFC3339Nano),
		"expiresAt":         time.Now().UTC().Add(ttl).Format(time.RFC3339Nano),
	}
	if err := s.kv.HSet(ctx, sessionKey(sess.SessionID), fields); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	if err := s.kv.Expire(ctx, sessionKey(sess.SessionID), ttl); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *Service) indexSession(ctx context.Context, sess *graph.Session, agentID string) error {
	now := float64(time.Now().UTC().Unix())
	if err := s.kv.ZAdd(ctx, activeIndexKey, sess.SessionID, now); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	if err := s.kv.ZAdd(ctx, agentIndexKey(agentID), sess.SessionID, now); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, sessionID string, msg Message, alsoGlobal bool) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	channel := fmt.Sprintf(s.cfg.SessionChannelFmt, sessionID)
	if err := s.kv.Publish(ctx, channel, string(raw)); err != nil {
		logging.Get(logging.CategorySession).Warn("publish to %s failed: %v", channel, err)
	}
	if alsoGlobal {
		if err := s.kv.Publish(ctx, s.cfg.GlobalChannel, string(raw)); err != nil {
			logging.Get(logging.CategorySession).Warn("publish to %s failed: %v", s.cfg.GlobalChannel, err)
		}
	}
}
