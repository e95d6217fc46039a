package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"memento/internal/config"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memKV is an in-process fake of storex.KVStore, sufficient to exercise
// the Session Manager's hash/sorted-set/pub-sub usage without a live
// Redis instance.
type memKV struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	subs   map[string][]chan string
}

func newMemKV() *memKV {
	return &memKV{
		hashes: map[string]map[string]string{},
		zsets:  map[string]map[string]float64{},
		subs:   map[string][]chan string{},
	}
}

func (m *memKV) Initialize(ctx context.Context) error { return nil }
func (m *memKV) Close() error                          { return nil }
func (m *memKV) IsInitialized() bool                   { return true }
func (m *memKV) HealthCheck(ctx context.Context) error { return nil }

func (m *memKV) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error { return nil }
func (m *memKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, key)
	delete(m.zsets, key)
	return nil
}
func (m *memKV) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes["counter:"+key]
	if !ok {
		h = map[string]string{}
		m.hashes["counter:"+key] = h
	}
	n := int64(0)
	if v, ok := h["n"]; ok {
		for _, c := range v {
			n = n*10 + int64(c-'0')
		}
	}
	n++
	h["n"] = itoa(n)
	return n, nil
}
func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return string(buf)
}
func (m *memKV) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (m *memKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}
func (m *memKV) HSet(ctx context.Context, key string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}
func (m *memKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}
func (m *memKV) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *memKV) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = map[string]float64{}
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}
func (m *memKV) sortedMembers(key string) []scored {
	z := m.zsets[key]
	out := make([]scored, 0, len(z))
	for member, score := range z {
		out = append(out, scored{member, score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score < out[j].score })
	return out
}

type scored struct {
	member string
	score  float64
}

func (m *memKV) ZRange(ctx context.Context, key string, start, stop int64) ([]storex.ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.sortedMembers(key)
	n := int64(len(members))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	var out []storex.ScoredMember
	for i := start; i <= stop && i < n && i >= 0; i++ {
		out = append(out, storex.ScoredMember{Member: members[i].member, Score: members[i].score})
	}
	return out, nil
}
func (m *memKV) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]storex.ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storex.ScoredMember
	for _, s := range m.sortedMembers(key) {
		if s.score >= min && s.score <= max {
			out = append(out, storex.ScoredMember{Member: s.member, Score: s.score})
		}
	}
	return out, nil
}

func (m *memKV) Publish(ctx context.Context, channel, message string) error {
	m.mu.Lock()
	chans := append([]chan string(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}
func (m *memKV) Subscribe(ctx context.Context, channel string) (storex.Subscription, error) {
	ch := make(chan string, 16)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()
	return &memSub{ch: ch}, nil
}

type memSub struct{ ch chan string }

func (s *memSub) Channel() <-chan string { return s.ch }
func (s *memSub) Close() error           { close(s.ch); return nil }

func newTestService(t *testing.T) (*Service, *memKV) {
	t.Helper()
	kv := newMemKV()
	cfg := config.SessionConfig{
		DefaultTTL: time.Hour, GraceTTL: time.Minute,
		GlobalChannel: "sessions:global", SessionChannelFmt: "sessions:%s",
	}
	return New(kv, cfg, nil), kv
}

func TestCreateSessionEmitsStartEvent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, "agent-1", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.State != graph.SessionWorking {
		t.Fatalf("expected new session to be in working state, got %s", sess.State)
	}
	if len(sess.Events) != 1 || sess.Events[0].Type != graph.EventStart {
		t.Fatalf("expected a single start event, got %+v", sess.Events)
	}
}

func TestJoinAndLeaveSessionUpdatesAgentList(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, "agent-1", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := svc.JoinSession(ctx, sess.SessionID, "agent-2"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	reloaded, err := svc.GetSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(reloaded.AgentIDs) != 2 {
		t.Fatalf("expected 2 agents, got %v", reloaded.AgentIDs)
	}

	if err := svc.LeaveSession(ctx, sess.SessionID, "agent-1"); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	reloaded, err = svc.GetSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(reloaded.AgentIDs) != 1 || reloaded.AgentIDs[0] != "agent-2" {
		t.Fatalf("expected only agent-2 to remain, got %v", reloaded.AgentIDs)
	}
}

func TestEmitEventRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, "agent-1", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = svc.EmitEvent(ctx, sess.SessionID, EventInput{
		Type:            graph.EventCheckpoint,
		StateTransition: &StateTransitionInput{To: graph.SessionCompleted},
	}, "agent-1")
	if err != nil {
		t.Fatalf("expected working->completed to be legal, got %v", err)
	}

	_, err = svc.EmitEvent(ctx, sess.SessionID, EventInput{
		Type:            graph.EventModified,
		StateTransition: &StateTransitionInput{To: graph.SessionWorking},
	}, "agent-1")
	if err == nil {
		t.Fatal("expected completed->working to be rejected as invalid")
	}
}

func TestCheckpointTransitionsToCompletedAndPublishes(t *testing.T) {
	ctx := context.Background()
	svc, kv := newTestService(t)

	sess, err := svc.CreateSession(ctx, "agent-1", CreateOptions{InitialEntityIDs: []string{"e1", "e2"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sub, err := kv.Subscribe(ctx, "sessions:"+sess.SessionID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	result, err := svc.Checkpoint(ctx, sess.SessionID, CheckpointOptions{})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if result.Outcome != "completed" {
		t.Fatalf("expected completed outcome, got %s", result.Outcome)
	}

	reloaded, err := svc.GetSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.State != graph.SessionCompleted {
		t.Fatalf("expected session to be completed, got %s", reloaded.State)
	}
	if reloaded.CurrentCheckpoint != result.CheckpointID {
		t.Fatalf("expected currentCheckpoint to be set to the job id")
	}

	select {
	case <-sub.Channel():
	default:
		t.Fatal("expected at least one message published to the session channel")
	}
}

func TestListActiveSessionsAndGetSessionsByAgent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	s1, err := svc.CreateSession(ctx, "agent-1", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err = svc.CreateSession(ctx, "agent-2", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	active, err := svc.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}

	byAgent, err := svc.GetSessionsByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetSessionsByAgent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].SessionID != s1.SessionID {
		t.Fatalf("expected only agent-1's session, got %+v", byAgent)
	}
}

func TestCleanupRemovesSessionState(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess, err := svc.CreateSession(ctx, "agent-1", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := svc.Cleanup(ctx, sess.SessionID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := svc.GetSession(ctx, sess.SessionID); err == nil {
		t.Fatal("expected session to be gone after cleanup")
	}
}
