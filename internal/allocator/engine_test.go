package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatalloc/internal/directory"
	"github.com/nextlevelbuilder/chatalloc/internal/store"
)

// --- in-memory fakes -------------------------------------------------

type roomKey struct{ roomID, channelID int64 }

type memRooms struct {
	mu    sync.Mutex
	rooms map[roomKey]*store.Room
	seq   int
}

func newMemRooms() *memRooms {
	return &memRooms{rooms: make(map[roomKey]*store.Room)}
}

func (m *memRooms) CreateIfAbsent(_ context.Context, roomID, channelID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roomKey{roomID, channelID}
	if _, ok := m.rooms[key]; ok {
		return false, nil
	}
	m.seq++
	m.rooms[key] = &store.Room{
		RoomID:    roomID,
		ChannelID: channelID,
		Status:    store.StatusQueue,
		CreatedAt: time.Unix(int64(m.seq), 0),
	}
	return true, nil
}

func (m *memRooms) Get(_ context.Context, roomID, channelID int64) (*store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomKey{roomID, channelID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRooms) List(_ context.Context) ([]store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Room
	for _, r := range m.rooms {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memRooms) ListQueued(_ context.Context, channelID int64) ([]store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Room
	for _, r := range m.rooms {
		if r.ChannelID == channelID && r.Status == store.StatusQueue {
			out = append(out, *r)
		}
	}
	// oldest created first
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memRooms) ListQueuedChannels(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, r := range m.rooms {
		if r.Status == store.StatusQueue && !seen[r.ChannelID] {
			seen[r.ChannelID] = true
			out = append(out, r.ChannelID)
		}
	}
	return out, nil
}

func (m *memRooms) CountHandled(_ context.Context, agentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countHandledLocked(agentID), nil
}

func (m *memRooms) countHandledLocked(agentID int64) int {
	n := 0
	for _, r := range m.rooms {
		if r.Status == store.StatusHandled && r.AgentID != nil && *r.AgentID == agentID {
			n++
		}
	}
	return n
}

func (m *memRooms) TryAssign(_ context.Context, roomID, channelID, agentID int64, capacityLimit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countHandledLocked(agentID) >= capacityLimit {
		return false, nil
	}
	r, ok := m.rooms[roomKey{roomID, channelID}]
	if !ok || r.Status != store.StatusQueue || r.AgentID != nil {
		return false, nil
	}
	id := agentID
	r.AgentID = &id
	r.Status = store.StatusHandled
	return true, nil
}

func (m *memRooms) MarkResolved(_ context.Context, roomID, channelID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomKey{roomID, channelID}]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status == store.StatusResolved {
		return false, nil
	}
	r.Status = store.StatusResolved
	return true, nil
}

type memLoad struct {
	mu     sync.Mutex
	load   map[int64]int
	clamps int
}

func newMemLoad() *memLoad { return &memLoad{load: make(map[int64]int)} }

func (m *memLoad) Increment(_ context.Context, agentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load[agentID]++
	return m.load[agentID], nil
}

func (m *memLoad) Decrement(_ context.Context, agentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.load[agentID] <= 0 {
		m.clamps++
		m.load[agentID] = 0
		return 0, nil
	}
	m.load[agentID]--
	return m.load[agentID], nil
}

func (m *memLoad) Get(_ context.Context, agentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load[agentID], nil
}

func (m *memLoad) Reset(_ context.Context, agentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load[agentID] = 0
	return nil
}

type memGuard struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

func newMemGuard() *memGuard { return &memGuard{locks: make(map[string]time.Time)} }

func (m *memGuard) TryAcquire(_ context.Context, lockID string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.locks[lockID]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.locks[lockID] = time.Now().Add(window)
	return true, nil
}

func (m *memGuard) Release(_ context.Context, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, lockID)
	return nil
}

type fakeDirectory struct {
	mu           sync.Mutex
	agents       []directory.Agent
	listFailures int // fail the first N ListAgents calls
	listCalls    int
	assignErr    error
	assigned     []int64 // room ids passed to Assign
}

func (f *fakeDirectory) ListAgents(context.Context) ([]directory.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listCalls <= f.listFailures {
		return nil, errors.New("directory unavailable")
	}
	out := make([]directory.Agent, len(f.agents))
	copy(out, f.agents)
	return out, nil
}

func (f *fakeDirectory) Assign(_ context.Context, roomID, agentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, roomID)
	return nil
}

func testOptions(limit int) Options {
	return Options{
		CapacityLimit:  limit,
		DebounceWindow: time.Hour, // only released explicitly in tests
		GuardRetry:     RetryPolicy{MaxAttempts: 1},
		CandidateRetry: RetryPolicy{MaxAttempts: 3},
		ScanTimeout:    5 * time.Second,
	}
}

type fixture struct {
	rooms  *memRooms
	load   *memLoad
	guard  *memGuard
	dir    *fakeDirectory
	engine *Engine
}

func newFixture(t *testing.T, opts Options, agents ...directory.Agent) *fixture {
	t.Helper()
	f := &fixture{
		rooms: newMemRooms(),
		load:  newMemLoad(),
		guard: newMemGuard(),
		dir:   &fakeDirectory{agents: agents},
	}
	f.engine = New(f.rooms, f.load, f.guard, f.dir, nil, opts)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) status(t *testing.T, roomID, channelID int64) store.RoomStatus {
	t.Helper()
	r, err := f.rooms.Get(context.Background(), roomID, channelID)
	if err != nil {
		t.Fatalf("get room %d: %v", roomID, err)
	}
	return r.Status
}

// --- tests -----------------------------------------------------------

func TestNewSessionAssignsUpToCapacity(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	ctx := context.Background()

	for i, want := range []Outcome{OutcomeAssigned, OutcomeAssigned, OutcomeQueued} {
		roomID := int64(100 + i)
		got, err := f.engine.HandleNewSession(ctx, 1, roomID)
		if err != nil {
			t.Fatalf("room %d: %v", roomID, err)
		}
		if got != want {
			t.Errorf("room %d: outcome = %q, want %q", roomID, got, want)
		}
	}

	if n, _ := f.rooms.CountHandled(ctx, 7); n != 2 {
		t.Errorf("agent holds %d rooms, want 2", n)
	}
	if got := f.status(t, 102, 1); got != store.StatusQueue {
		t.Errorf("third room status = %q, want QUEUE", got)
	}
	if load, _ := f.load.Get(ctx, 7); load != 2 {
		t.Errorf("tracked load = %d, want 2", load)
	}
}

func TestNewSessionDuplicateDelivery(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	ctx := context.Background()

	if _, err := f.engine.HandleNewSession(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	got, err := f.engine.HandleNewSession(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != OutcomeDuplicate {
		t.Errorf("outcome = %q, want %q", got, OutcomeDuplicate)
	}
	if n, _ := f.rooms.CountHandled(ctx, 7); n != 1 {
		t.Errorf("agent holds %d rooms after duplicate, want 1", n)
	}
}

func TestNewSessionQueuesWhenNoAgentOnline(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: false})
	ctx := context.Background()

	got, err := f.engine.HandleNewSession(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != OutcomeQueued {
		t.Errorf("outcome = %q, want %q", got, OutcomeQueued)
	}
	if got := f.status(t, 100, 1); got != store.StatusQueue {
		t.Errorf("room status = %q, want QUEUE", got)
	}
}

func TestResolutionFreesCapacityAndRescanAssigns(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	ctx := context.Background()

	// Fill the agent, then queue a third room.
	for _, roomID := range []int64{100, 101, 102} {
		if _, err := f.engine.HandleNewSession(ctx, 1, roomID); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.status(t, 102, 1); got != store.StatusQueue {
		t.Fatalf("precondition: room 102 status = %q, want QUEUE", got)
	}

	res, err := f.engine.HandleResolution(ctx, 1, 100, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resolved {
		t.Error("Resolved = false, want true")
	}
	if res.Rescan != OutcomeScanning {
		t.Errorf("Rescan = %q, want %q", res.Rescan, OutcomeScanning)
	}

	f.engine.Close() // wait for the background scan

	if got := f.status(t, 102, 1); got != store.StatusHandled {
		t.Errorf("room 102 status after re-scan = %q, want HANDLED", got)
	}
	if n, _ := f.rooms.CountHandled(ctx, 7); n != 2 {
		t.Errorf("agent holds %d rooms, want 2", n)
	}
	// 2 assigned, 1 resolved, 1 re-assigned from the queue.
	if load, _ := f.load.Get(ctx, 7); load != 2 {
		t.Errorf("tracked load after re-scan = %d, want 2", load)
	}
}

func TestResolutionDebounced(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	ctx := context.Background()

	if _, err := f.engine.HandleNewSession(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}

	// Simulate a scan already in flight.
	if ok, _ := f.guard.TryAcquire(ctx, rescanLockID, time.Hour); !ok {
		t.Fatal("precondition: could not pre-acquire guard")
	}

	res, err := f.engine.HandleResolution(ctx, 1, 100, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resolved {
		t.Error("Resolved = false, want true")
	}
	if res.Rescan != OutcomeDebounced {
		t.Errorf("Rescan = %q, want %q", res.Rescan, OutcomeDebounced)
	}
}

func TestResolutionDuplicateSkipsDecrement(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	ctx := context.Background()

	if _, err := f.engine.HandleNewSession(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}
	if load, _ := f.load.Get(ctx, 7); load != 1 {
		t.Fatalf("precondition: load = %d, want 1", load)
	}

	if _, err := f.engine.HandleResolution(ctx, 1, 100, 7); err != nil {
		t.Fatal(err)
	}
	f.engine.Close()
	f.guard.Release(ctx, rescanLockID)

	res, err := f.engine.HandleResolution(ctx, 1, 100, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.Resolved {
		t.Error("second resolution reported Resolved = true")
	}
	if load, _ := f.load.Get(ctx, 7); load != 0 {
		t.Errorf("load after duplicate resolution = %d, want 0", load)
	}
	if f.load.clamps != 0 {
		t.Errorf("counter clamped %d times, want 0", f.load.clamps)
	}
}

func TestAllocateRetriesDirectoryOutage(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	f.dir.listFailures = 2 // third attempt succeeds
	ctx := context.Background()

	got, err := f.engine.HandleNewSession(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != OutcomeAssigned {
		t.Errorf("outcome = %q, want %q", got, OutcomeAssigned)
	}
	if f.dir.listCalls != 3 {
		t.Errorf("directory queried %d times, want 3", f.dir.listCalls)
	}
}

func TestAllocateGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	f.dir.listFailures = 3
	ctx := context.Background()

	got, err := f.engine.HandleNewSession(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != OutcomeQueued {
		t.Errorf("outcome = %q, want %q", got, OutcomeQueued)
	}
	if got := f.status(t, 100, 1); got != store.StatusQueue {
		t.Errorf("room status = %q, want QUEUE", got)
	}
}

func TestDirectoryAssignFailureKeepsRoomHandled(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true})
	f.dir.assignErr = errors.New("502 bad gateway")
	ctx := context.Background()

	got, err := f.engine.HandleNewSession(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	// The local claim stands even when the directory call fails.
	if got != OutcomeAssigned {
		t.Errorf("outcome = %q, want %q", got, OutcomeAssigned)
	}
	if got := f.status(t, 100, 1); got != store.StatusHandled {
		t.Errorf("room status = %q, want HANDLED", got)
	}
	if load, _ := f.load.Get(ctx, 7); load != 1 {
		t.Errorf("load = %d, want 1", load)
	}
}

func TestRescanAssignsOldestFirst(t *testing.T) {
	f := newFixture(t, testOptions(1),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: false})
	ctx := context.Background()

	// Two rooms queue while the agent is offline.
	for _, roomID := range []int64{200, 201} {
		if out, err := f.engine.HandleNewSession(ctx, 1, roomID); err != nil || out != OutcomeQueued {
			t.Fatalf("room %d: outcome %q err %v", roomID, out, err)
		}
	}

	// Agent comes back with capacity for exactly one room.
	f.dir.mu.Lock()
	f.dir.agents[0].IsAvailable = true
	f.dir.mu.Unlock()

	f.engine.Rescan(ctx, 1)

	if got := f.status(t, 200, 1); got != store.StatusHandled {
		t.Errorf("oldest room status = %q, want HANDLED", got)
	}
	if got := f.status(t, 201, 1); got != store.StatusQueue {
		t.Errorf("newer room status = %q, want QUEUE", got)
	}
}

func TestRescanSkipsRoomsWithNoCapacity(t *testing.T) {
	opts := testOptions(1)
	f := newFixture(t, opts,
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true, CurrentCustomerCount: 1})
	ctx := context.Background()

	if out, err := f.engine.HandleNewSession(ctx, 1, 300); err != nil || out != OutcomeQueued {
		t.Fatalf("outcome %q err %v", out, err)
	}

	f.engine.Rescan(ctx, 1)

	if got := f.status(t, 300, 1); got != store.StatusQueue {
		t.Errorf("room status = %q, want QUEUE", got)
	}
}

func TestSweepResetsOfflineAgentLoad(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: false})
	ctx := context.Background()

	// Stale load left behind, e.g. a crash between decrements.
	f.load.Increment(ctx, 7)
	f.load.Increment(ctx, 7)

	f.engine.Sweep(ctx)

	if load, _ := f.load.Get(ctx, 7); load != 0 {
		t.Errorf("load after sweep = %d, want 0", load)
	}
}

func TestSweepRescansQueuedChannels(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: false})
	ctx := context.Background()

	if _, err := f.engine.HandleNewSession(ctx, 1, 400); err != nil {
		t.Fatal(err)
	}
	f.dir.mu.Lock()
	f.dir.agents[0].IsAvailable = true
	f.dir.mu.Unlock()

	f.engine.Sweep(ctx)

	if got := f.status(t, 400, 1); got != store.StatusHandled {
		t.Errorf("room status after sweep = %q, want HANDLED", got)
	}
}

func TestConcurrentNewSessionsNeverExceedCapacity(t *testing.T) {
	f := newFixture(t, testOptions(2),
		directory.Agent{ID: 7, Name: "ana", IsAvailable: true},
		directory.Agent{ID: 8, Name: "bob", IsAvailable: true})
	ctx := context.Background()

	const rooms = 20
	var wg sync.WaitGroup
	for i := 0; i < rooms; i++ {
		wg.Add(1)
		go func(roomID int64) {
			defer wg.Done()
			f.engine.HandleNewSession(ctx, 1, roomID)
		}(int64(1000 + i))
	}
	wg.Wait()

	for _, agentID := range []int64{7, 8} {
		if n, _ := f.rooms.CountHandled(ctx, agentID); n > 2 {
			t.Errorf("agent %d holds %d rooms, capacity is 2", agentID, n)
		}
	}
}

// stallingRooms blocks ListQueued until the scan context expires, so the
// background pass consumes its entire timeout.
type stallingRooms struct {
	*memRooms
}

func (s stallingRooms) ListQueued(ctx context.Context, channelID int64) ([]store.Room, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// releaseTrackingGuard records the state of the context Release was
// called with.
type releaseTrackingGuard struct {
	*memGuard
	mu            sync.Mutex
	releaseCtxErr error
	released      bool
}

func (g *releaseTrackingGuard) Release(ctx context.Context, lockID string) error {
	g.mu.Lock()
	g.releaseCtxErr = ctx.Err()
	g.released = true
	g.mu.Unlock()
	return g.memGuard.Release(ctx, lockID)
}

func TestGuardReleasedAfterScanTimeout(t *testing.T) {
	rooms := newMemRooms()
	guard := &releaseTrackingGuard{memGuard: newMemGuard()}
	dir := &fakeDirectory{agents: []directory.Agent{{ID: 7, Name: "ana", IsAvailable: true}}}

	opts := testOptions(2)
	opts.ScanTimeout = 20 * time.Millisecond
	engine := New(stallingRooms{rooms}, newMemLoad(), guard, dir, nil, opts)

	ctx := context.Background()
	if _, err := rooms.CreateIfAbsent(ctx, 100, 1); err != nil {
		t.Fatal(err)
	}
	res, err := engine.HandleResolution(ctx, 1, 100, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rescan != OutcomeScanning {
		t.Fatalf("Rescan = %q, want %q", res.Rescan, OutcomeScanning)
	}

	engine.Close()

	guard.mu.Lock()
	defer guard.mu.Unlock()
	if !guard.released {
		t.Fatal("guard was never released after the scan pass")
	}
	if guard.releaseCtxErr != nil {
		t.Errorf("Release ran on a dead context (%v); it must use a live one", guard.releaseCtxErr)
	}
}

func TestSetOptionsIgnoresZeroValues(t *testing.T) {
	f := newFixture(t, testOptions(2))
	f.engine.SetOptions(Options{CapacityLimit: 5})

	got := f.engine.snapshot()
	if got.CapacityLimit != 5 {
		t.Errorf("CapacityLimit = %d, want 5", got.CapacityLimit)
	}
	if got.DebounceWindow != time.Hour {
		t.Errorf("DebounceWindow changed to %v, want untouched", got.DebounceWindow)
	}
}
