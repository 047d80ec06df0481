package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travelchat/internal/domain"
)

type fakeTransport struct {
	mu           sync.Mutex
	joined       []string
	left         []string
	sent         map[string][]string
	typingStarts []string
	typingStops  []string
	takes        []string
	transfers    []string
	closes       []string

	onMessage     []func(domain.ChatMessage)
	onTyping      []func(domain.TypingIndicator)
	onAssigned    []func(domain.AssignedPayload)
	onTransferred []func(domain.TransferredPayload)
	onClosed      []func(domain.ClosedPayload)
	onAgentStatus []func(domain.AgentStatusPayload)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]string)}
}

func (f *fakeTransport) JoinRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
}

func (f *fakeTransport) LeaveRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
}

func (f *fakeTransport) SendMessage(roomID, content string, _ domain.MessageType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[roomID] = append(f.sent[roomID], content)
}

func (f *fakeTransport) StartTyping(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStarts = append(f.typingStarts, roomID)
}

func (f *fakeTransport) StopTyping(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStops = append(f.typingStops, roomID)
}

func (f *fakeTransport) MarkRead(string, []string) {}

func (f *fakeTransport) TakeChat(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takes = append(f.takes, roomID)
}

func (f *fakeTransport) TransferChat(roomID, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, roomID)
}

func (f *fakeTransport) CloseChat(roomID, _ string, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, roomID)
}

func (f *fakeTransport) OnMessage(cb func(domain.ChatMessage)) { f.onMessage = append(f.onMessage, cb) }
func (f *fakeTransport) OnTyping(cb func(domain.TypingIndicator)) {
	f.onTyping = append(f.onTyping, cb)
}
func (f *fakeTransport) OnChatAssigned(cb func(domain.AssignedPayload)) {
	f.onAssigned = append(f.onAssigned, cb)
}
func (f *fakeTransport) OnChatTransferred(cb func(domain.TransferredPayload)) {
	f.onTransferred = append(f.onTransferred, cb)
}
func (f *fakeTransport) OnChatClosed(cb func(domain.ClosedPayload)) {
	f.onClosed = append(f.onClosed, cb)
}
func (f *fakeTransport) OnAgentStatus(cb func(domain.AgentStatusPayload)) {
	f.onAgentStatus = append(f.onAgentStatus, cb)
}

func (f *fakeTransport) emitAssigned(p domain.AssignedPayload) {
	for _, cb := range f.onAssigned {
		cb(p)
	}
}

func (f *fakeTransport) emitClosed(p domain.ClosedPayload) {
	for _, cb := range f.onClosed {
		cb(p)
	}
}

func (f *fakeTransport) emitMessage(m domain.ChatMessage) {
	for _, cb := range f.onMessage {
		cb(m)
	}
}

func (f *fakeTransport) emitAgentStatus(p domain.AgentStatusPayload) {
	for _, cb := range f.onAgentStatus {
		cb(p)
	}
}

// fakeAPI serves a mutable working set, moving rooms from the queue to the
// assigned list when TakeChat is called, the way the real service does.
type fakeAPI struct {
	mu         sync.Mutex
	agentID    string
	assigned   []domain.ChatRoom
	unassigned []domain.ChatRoom
	analytics  domain.Analytics
	takeErr    error
	closes     []string

	// When set, the next AssignedChats call snapshots its result, signals
	// assignedEntered and then blocks until assignedGate closes. This lets
	// tests hold a refetch in flight while a newer one completes.
	assignedEntered chan struct{}
	assignedGate    chan struct{}
}

func (f *fakeAPI) AssignedChats(context.Context) ([]domain.ChatRoom, error) {
	f.mu.Lock()
	out := append([]domain.ChatRoom(nil), f.assigned...)
	entered, gate := f.assignedEntered, f.assignedGate
	f.assignedEntered, f.assignedGate = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return out, nil
}

func (f *fakeAPI) UnassignedChats(context.Context) ([]domain.ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatRoom(nil), f.unassigned...), nil
}

func (f *fakeAPI) Analytics(context.Context, string) (*domain.Analytics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.analytics
	return &a, nil
}

func (f *fakeAPI) TakeChat(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeErr != nil {
		return f.takeErr
	}
	f.claim(roomID)
	return nil
}

// claim moves a waiting room into the assigned list.
func (f *fakeAPI) claim(roomID string) {
	for i, room := range f.unassigned {
		if room.ID == roomID {
			room.Status = domain.RoomActive
			room.AssignedAgent = &domain.AgentRef{ID: f.agentID, Name: "Sam"}
			f.assigned = append(f.assigned, room)
			f.unassigned = append(f.unassigned[:i], f.unassigned[i+1:]...)
			return
		}
	}
}

func (f *fakeAPI) CloseChat(_ context.Context, roomID string, _ domain.CloseChatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, roomID)
	for i, room := range f.assigned {
		if room.ID == roomID {
			f.assigned = append(f.assigned[:i], f.assigned[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeAPI) TransferChat(_ context.Context, roomID string, _ domain.TransferChatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, room := range f.assigned {
		if room.ID == roomID {
			f.assigned = append(f.assigned[:i], f.assigned[i+1:]...)
			break
		}
	}
	return nil
}

func activeRoom(id, agentID string, age time.Duration) domain.ChatRoom {
	return domain.ChatRoom{
		ID:            id,
		Status:        domain.RoomActive,
		AssignedAgent: &domain.AgentRef{ID: agentID, Name: "Sam"},
		CreatedAt:     time.Now().Add(-age),
	}
}

func queuedRoom(id string, age time.Duration) domain.ChatRoom {
	return domain.ChatRoom{
		ID:        id,
		Status:    domain.RoomWaiting,
		CreatedAt: time.Now().Add(-age),
	}
}

func newTestConsole(api *fakeAPI, opts Options) (*Controller, *fakeTransport) {
	tr := newFakeTransport()
	api.agentID = "a1"
	return NewController(api, tr, "a1", "Sam", opts), tr
}

func assertPartition(t *testing.T, c *Controller) {
	t.Helper()
	waiting := c.WaitingQueue()
	assigned := c.Assigned()
	for _, w := range waiting {
		for _, a := range assigned {
			assert.NotEqual(t, w.ID, a.ID, "room %s in both lists", w.ID)
		}
	}
}

func TestInitializeJoinsOnlyAssignedRooms(t *testing.T) {
	api := &fakeAPI{
		assigned:   []domain.ChatRoom{activeRoom("r1", "a1", time.Hour)},
		unassigned: []domain.ChatRoom{queuedRoom("r2", 30*time.Minute), queuedRoom("r3", 10*time.Minute)},
		analytics:  domain.Analytics{ChatsStarted: 4},
	}
	c, tr := newTestConsole(api, Options{})

	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, []string{"r1"}, tr.joined)
	require.Len(t, c.Assigned(), 1)
	waiting := c.WaitingQueue()
	require.Len(t, waiting, 2)
	assert.Equal(t, "r2", waiting[0].ID, "queue is oldest first")
	assert.Equal(t, 4, c.Analytics().ChatsStarted)
	assertPartition(t, c)
}

func TestTakeChatRefetchesAndAutoSelects(t *testing.T) {
	api := &fakeAPI{unassigned: []domain.ChatRoom{queuedRoom("r2", time.Minute)}}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.TakeChat(context.Background(), "r2"))

	assert.Equal(t, []string{"r2"}, tr.takes)
	assert.Contains(t, tr.joined, "r2")
	assert.Equal(t, "r2", c.Selected())
	assert.Empty(t, c.WaitingQueue())
	require.Len(t, c.Assigned(), 1)
	assert.Equal(t, "r2", c.Assigned()[0].ID)
	assertPartition(t, c)
}

func TestTakeChatFailureLeavesQueueUntouched(t *testing.T) {
	api := &fakeAPI{
		unassigned: []domain.ChatRoom{queuedRoom("r2", time.Minute)},
		takeErr:    errors.New("chat already assigned"),
	}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))

	err := c.TakeChat(context.Background(), "r2")
	require.Error(t, err)
	assert.Empty(t, tr.takes, "no take signal after REST failure")
	assert.Len(t, c.WaitingQueue(), 1)
	assert.Empty(t, c.Selected())
}

func TestCloseChatDiscardsRoomState(t *testing.T) {
	api := &fakeAPI{assigned: []domain.ChatRoom{activeRoom("r1", "a1", time.Hour)}}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.Select("r1"))
	c.SetInput("r1", "draft reply")

	require.NoError(t, c.CloseChat(context.Background(), "r1", "resolved"))

	assert.Equal(t, []string{"r1"}, api.closes, "REST close before the signal")
	assert.Equal(t, []string{"r1"}, tr.closes)
	assert.Empty(t, c.Selected())
	assert.Empty(t, c.Input("r1"))
	assert.Empty(t, c.Assigned())
	assert.Contains(t, tr.left, "r1")
}

func TestClosedEventRemovesRoom(t *testing.T) {
	api := &fakeAPI{assigned: []domain.ChatRoom{activeRoom("r1", "a1", time.Hour)}}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Select("r1"))
	c.SetInput("r1", "half-typed")

	tr.emitClosed(domain.ClosedPayload{RoomID: "r1", ClosedBy: "u1"})
	// Duplicate close events are harmless.
	tr.emitClosed(domain.ClosedPayload{RoomID: "r1", ClosedBy: "u1"})

	assert.Empty(t, c.Assigned())
	assert.Empty(t, c.Selected())
	assert.Empty(t, c.Input("r1"))
}

func TestSelfAssignmentFromElsewhereRefetches(t *testing.T) {
	// A second device claimed r2: local state is not authoritative, the
	// console refetches instead of patching.
	api := &fakeAPI{unassigned: []domain.ChatRoom{queuedRoom("r2", time.Minute)}}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))

	api.mu.Lock()
	api.claim("r2")
	api.mu.Unlock()

	tr.emitAssigned(domain.AssignedPayload{RoomID: "r2", AgentID: "a1", AgentName: "Sam"})

	require.Len(t, c.Assigned(), 1)
	assert.Equal(t, "r2", c.Assigned()[0].ID)
	assert.Empty(t, c.WaitingQueue())
	assert.Contains(t, tr.joined, "r2")
	assertPartition(t, c)
}

func TestStaleRefetchResultIsDiscarded(t *testing.T) {
	api := &fakeAPI{unassigned: []domain.ChatRoom{queuedRoom("r2", time.Minute)}}
	c, tr := newTestConsole(api, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	api.mu.Lock()
	api.assignedEntered = entered
	api.assignedGate = release
	api.mu.Unlock()

	// The first refetch snapshots the pre-claim working set (r2 waiting,
	// nothing assigned) and then stalls in flight.
	done := make(chan error, 1)
	go func() { done <- c.Initialize(context.Background()) }()
	<-entered

	// Meanwhile the claim lands and a fresh refetch applies it.
	api.mu.Lock()
	api.claim("r2")
	api.mu.Unlock()
	tr.emitAssigned(domain.AssignedPayload{RoomID: "r2", AgentID: "a1", AgentName: "Sam"})

	require.Len(t, c.Assigned(), 1)

	// Now the slow response arrives. Its result predates the claim and must
	// be discarded, not resurrect the queue entry or drop the assignment.
	close(release)
	require.NoError(t, <-done)

	assert.Empty(t, c.WaitingQueue())
	require.Len(t, c.Assigned(), 1)
	assert.Equal(t, "r2", c.Assigned()[0].ID)
	assertPartition(t, c)
}

func TestAgentPresenceTracksStatusEvents(t *testing.T) {
	api := &fakeAPI{}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))

	tr.emitAgentStatus(domain.AgentStatusPayload{AgentID: "a2", Status: "online"})
	tr.emitAgentStatus(domain.AgentStatusPayload{AgentID: "a3", Status: "online"})
	// A repeated announcement changes nothing.
	tr.emitAgentStatus(domain.AgentStatusPayload{AgentID: "a2", Status: "online"})
	// The console's own status is not a transfer target.
	tr.emitAgentStatus(domain.AgentStatusPayload{AgentID: "a1", Status: "online"})

	assert.Equal(t, []string{"a2", "a3"}, c.OnlineAgents())

	tr.emitAgentStatus(domain.AgentStatusPayload{AgentID: "a2", Status: "offline"})
	assert.Equal(t, []string{"a3"}, c.OnlineAgents())
}

func TestOtherAgentsClaimLeavesTheQueue(t *testing.T) {
	api := &fakeAPI{unassigned: []domain.ChatRoom{queuedRoom("r2", time.Minute), queuedRoom("r3", time.Second)}}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))

	tr.emitAssigned(domain.AssignedPayload{RoomID: "r2", AgentID: "a9", AgentName: "Kim"})

	waiting := c.WaitingQueue()
	require.Len(t, waiting, 1)
	assert.Equal(t, "r3", waiting[0].ID)
	assert.Empty(t, c.Assigned())
	assert.NotContains(t, tr.joined, "r2")
}

func TestPerRoomTypingTimersAreIndependent(t *testing.T) {
	api := &fakeAPI{assigned: []domain.ChatRoom{
		activeRoom("r1", "a1", time.Hour),
		activeRoom("r2", "a1", time.Minute),
	}}
	c, tr := newTestConsole(api, Options{TypingTimeout: 50 * time.Millisecond})
	require.NoError(t, c.Initialize(context.Background()))

	c.SetInput("r1", "first")
	time.Sleep(20 * time.Millisecond)
	c.SetInput("r2", "second")
	// Keep r2 alive past r1's deadline.
	time.Sleep(20 * time.Millisecond)
	c.SetInput("r2", "second, continued")

	time.Sleep(200 * time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.ElementsMatch(t, []string{"r1", "r2"}, tr.typingStarts)
	assert.ElementsMatch(t, []string{"r1", "r2"}, tr.typingStops)
	// One stop each, regardless of how many keystrokes landed.
	assert.Len(t, tr.typingStops, 2)
}

func TestSendMessageUsesAndClearsBuffer(t *testing.T) {
	api := &fakeAPI{assigned: []domain.ChatRoom{activeRoom("r1", "a1", time.Hour)}}
	c, tr := newTestConsole(api, Options{TypingTimeout: time.Minute})
	require.NoError(t, c.Initialize(context.Background()))

	assert.ErrorIs(t, c.SendMessage("r1"), ErrEmptyMessage)
	assert.ErrorIs(t, c.SendMessage("nope"), ErrUnknownRoom)

	c.SetInput("r1", "On it!")
	require.NoError(t, c.SendMessage("r1"))

	tr.mu.Lock()
	assert.Equal(t, []string{"On it!"}, tr.sent["r1"])
	assert.Equal(t, []string{"r1"}, tr.typingStops, "sending flushes the typing state")
	tr.mu.Unlock()
	assert.Empty(t, c.Input("r1"))
}

func TestIncomingMessagesTrackedPerRoom(t *testing.T) {
	api := &fakeAPI{assigned: []domain.ChatRoom{
		activeRoom("r1", "a1", time.Hour),
		activeRoom("r2", "a1", time.Minute),
	}}
	c, tr := newTestConsole(api, Options{})
	require.NoError(t, c.Initialize(context.Background()))

	tr.emitMessage(domain.ChatMessage{ID: "m1", RoomID: "r1", SenderID: "u1", Content: "hi", MessageType: domain.MessageText})
	tr.emitMessage(domain.ChatMessage{ID: "m2", RoomID: "r2", SenderID: "u2", Content: "hello", MessageType: domain.MessageText})
	tr.emitMessage(domain.ChatMessage{ID: "m3", RoomID: "unknown", SenderID: "u3", Content: "lost", MessageType: domain.MessageText})

	assert.Len(t, c.Messages("r1"), 1)
	assert.Len(t, c.Messages("r2"), 1)
	assert.Equal(t, 1, c.UnreadCount("r1"))
	assert.Equal(t, 1, c.UnreadCount("r2"))

	c.MarkRoomRead("r1")
	assert.Equal(t, 0, c.UnreadCount("r1"))
	assert.Equal(t, 1, c.UnreadCount("r2"))
}
