package action

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/thingserver/internal/invocation"
)

// fakeThing is a minimal Target for exercising the manager without HTTP.
type fakeThing struct {
	path    string
	actions map[string]*Definition
	lock    Serial
}

func newFakeThing(path string, defs ...*Definition) *fakeThing {
	ft := &fakeThing{path: path, actions: make(map[string]*Definition)}
	for _, d := range defs {
		ft.actions[d.Name] = d
	}
	return ft
}

func (f *fakeThing) Path() string { return f.path }

func (f *fakeThing) Action(name string) (*Definition, bool) {
	d, ok := f.actions[name]
	return d, ok
}

func (f *fakeThing) ActionLock() *Serial { return &f.lock }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(opts ...ManagerOption) *Manager {
	return NewManager(append([]ManagerOption{WithLogger(quietLogger())}, opts...)...)
}

// waitTerminal polls until the invocation finishes, recording every status
// it observes along the way.
func waitTerminal(t *testing.T, m *Manager, id string) (invocation.Snapshot, []invocation.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var seen []invocation.Status
	for time.Now().Before(deadline) {
		snap, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if len(seen) == 0 || seen[len(seen)-1] != snap.Status {
			seen = append(seen, snap.Status)
		}
		if snap.Status.Terminal() {
			return snap, seen
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("invocation %s did not finish", id)
	return invocation.Snapshot{}, nil
}

func returns(name string, v any) *Definition {
	return &Definition{
		Name: name,
		Func: func(ctx context.Context, inv *Invocation) (any, error) { return v, nil },
	}
}

func TestManager_InvokeCompletes(t *testing.T) {
	m := newTestManager()
	thing := newFakeThing("/thing/", returns("make_a_dict", map[string]string{"key": "value"}))

	snap, err := m.Invoke(context.Background(), thing, "make_a_dict", map[string]any{"extra_key": "a"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if snap.ID == "" {
		t.Fatal("Invoke() returned an empty id")
	}
	if snap.ThingPath != "/thing/" || snap.Action != "make_a_dict" {
		t.Errorf("snapshot identifies %s%s", snap.ThingPath, snap.Action)
	}

	final, seen := waitTerminal(t, m, snap.ID)
	if final.Status != invocation.StatusCompleted {
		t.Fatalf("Status = %v, want completed (error %q)", final.Status, final.Error)
	}
	order := map[invocation.Status]int{invocation.StatusPending: 0, invocation.StatusRunning: 1}
	step := func(s invocation.Status) int {
		if s.Terminal() {
			return 2
		}
		return order[s]
	}
	for i := 1; i < len(seen); i++ {
		if step(seen[i]) < step(seen[i-1]) {
			t.Errorf("status went backwards: %v", seen)
		}
	}

	out, err := m.Output(snap.ID)
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if got := out.(map[string]string)["key"]; got != "value" {
		t.Errorf("Output()[key] = %q, want value", got)
	}
	if final.Input["extra_key"] != "a" {
		t.Errorf("Input = %v", final.Input)
	}
}

func TestManager_ActionNotFound(t *testing.T) {
	m := newTestManager()
	thing := newFakeThing("/thing/")

	_, err := m.Invoke(context.Background(), thing, "nope", nil)
	if !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("Invoke() error = %v, want ErrActionNotFound", err)
	}
	if len(m.List(Filter{})) != 0 {
		t.Error("a failed invoke left a record behind")
	}
}

func TestManager_ActionError(t *testing.T) {
	tests := []struct {
		name string
		fn   Func
	}{
		{
			name: "returned error",
			fn: func(ctx context.Context, inv *Invocation) (any, error) {
				return nil, errors.New("sensor unplugged")
			},
		},
		{
			name: "invocation error",
			fn: func(ctx context.Context, inv *Invocation) (any, error) {
				return nil, &InvocationError{Msg: "stage out of range"}
			},
		},
		{
			name: "panic",
			fn: func(ctx context.Context, inv *Invocation) (any, error) {
				panic("unreachable state")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			thing := newFakeThing("/thing/", &Definition{Name: "fail", Func: tt.fn})

			snap, err := m.Invoke(context.Background(), thing, "fail", nil)
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}

			final, _ := waitTerminal(t, m, snap.ID)
			if final.Status != invocation.StatusError {
				t.Fatalf("Status = %v, want error", final.Status)
			}
			if final.Error == "" {
				t.Error("Error is empty")
			}
			if final.Output != nil {
				t.Errorf("Output = %v, want nil", final.Output)
			}
			if _, err := m.Output(snap.ID); !errors.Is(err, invocation.ErrNoOutput) {
				t.Errorf("Output() error = %v, want ErrNoOutput", err)
			}
			if len(final.Log) == 0 {
				t.Error("failure was not logged to the invocation")
			}
		})
	}
}

func TestManager_SameThingIsSerialized(t *testing.T) {
	m := newTestManager()

	var active, maxActive atomic.Int32
	slow := &Definition{
		Name: "slow",
		Func: func(ctx context.Context, inv *Invocation) (any, error) {
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	}
	thing := newFakeThing("/thing/", slow)

	first, err := m.Invoke(context.Background(), thing, "slow", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	second, err := m.Invoke(context.Background(), thing, "slow", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	a, _ := waitTerminal(t, m, first.ID)
	b, _ := waitTerminal(t, m, second.ID)

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent actions = %d, want 1", maxActive.Load())
	}
	if !b.TimeStarted.After(a.TimeFinished) {
		t.Errorf("second started at %v, not after first finished at %v", b.TimeStarted, a.TimeFinished)
	}
}

func TestManager_SubmissionOrderPerThing(t *testing.T) {
	m := newTestManager()

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})
	record := &Definition{
		Name: "record",
		Func: func(ctx context.Context, inv *Invocation) (any, error) {
			var args struct {
				N int `json:"n"`
			}
			if err := inv.Bind(&args); err != nil {
				return nil, err
			}
			if args.N == 0 {
				<-gate
			}
			mu.Lock()
			order = append(order, args.N)
			mu.Unlock()
			return args.N, nil
		},
	}
	thing := newFakeThing("/thing/", record)

	var ids []string
	for i := 0; i < 5; i++ {
		snap, err := m.Invoke(context.Background(), thing, "record", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		ids = append(ids, snap.ID)
	}
	close(gate)
	for _, id := range ids {
		waitTerminal(t, m, id)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Fatalf("execution order = %v, want submission order", order)
		}
	}
}

func TestManager_DifferentThingsRunConcurrently(t *testing.T) {
	m := newTestManager()

	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()

	rendezvous := &Definition{
		Name: "rendezvous",
		Func: func(ctx context.Context, inv *Invocation) (any, error) {
			started.Done()
			select {
			case <-both:
				return "met", nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("other thing never started")
			}
		},
	}

	a := newFakeThing("/a/", rendezvous)
	b := newFakeThing("/b/", rendezvous)

	snapA, err := m.Invoke(context.Background(), a, "rendezvous", nil)
	if err != nil {
		t.Fatalf("Invoke(a) error = %v", err)
	}
	snapB, err := m.Invoke(context.Background(), b, "rendezvous", nil)
	if err != nil {
		t.Fatalf("Invoke(b) error = %v", err)
	}

	for _, id := range []string{snapA.ID, snapB.ID} {
		final, _ := waitTerminal(t, m, id)
		if final.Status != invocation.StatusCompleted {
			t.Errorf("invocation %s Status = %v (%s), want completed", id, final.Status, final.Error)
		}
	}
}

func TestManager_RetentionExpiresOnNextInvoke(t *testing.T) {
	m := newTestManager()
	short := returns("short", 1)
	short.RetentionTime = 10 * time.Millisecond
	thing := newFakeThing("/thing/", short, returns("other", 2))

	first, err := m.Invoke(context.Background(), thing, "short", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	waitTerminal(t, m, first.ID)

	time.Sleep(20 * time.Millisecond)

	// retention has passed but nothing has swept yet
	if _, err := m.Get(first.ID); err != nil {
		t.Fatalf("Get() before next invoke error = %v", err)
	}

	if _, err := m.Invoke(context.Background(), thing, "other", nil); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if _, err := m.Get(first.ID); !errors.Is(err, invocation.ErrNotFound) {
		t.Errorf("Get() after sweep error = %v, want ErrNotFound", err)
	}
}

func TestManager_RetentionOverride(t *testing.T) {
	d := DefaultDefaults()
	d.RetentionOverrides = map[string]time.Duration{"pinned": time.Hour}
	m := newTestManager(WithDefaults(d))

	pinned := returns("pinned", 1)
	pinned.RetentionTime = time.Millisecond
	thing := newFakeThing("/thing/", pinned)

	snap, err := m.Invoke(context.Background(), thing, "pinned", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if snap.RetentionTime != time.Hour {
		t.Errorf("RetentionTime = %v, want 1h", snap.RetentionTime)
	}
}

func TestManager_ListMatchesGet(t *testing.T) {
	m := newTestManager()
	a := newFakeThing("/a/", returns("x", 1), returns("y", 2))
	b := newFakeThing("/b/", returns("x", 3))

	calls := []struct {
		thing *fakeThing
		name  string
	}{{a, "x"}, {a, "y"}, {b, "x"}, {a, "x"}}

	var ids []string
	for _, c := range calls {
		snap, err := m.Invoke(context.Background(), c.thing, c.name, nil)
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		ids = append(ids, snap.ID)
	}
	for _, id := range ids {
		waitTerminal(t, m, id)
	}

	all := m.List(Filter{})
	if len(all) != len(ids) {
		t.Fatalf("len(List()) = %d, want %d", len(all), len(ids))
	}
	for i, snap := range all {
		if snap.ID != ids[i] {
			t.Errorf("List()[%d] = %s, want %s", i, snap.ID, ids[i])
		}
		got, err := m.Get(snap.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != snap.Status || got.Action != snap.Action || got.ThingPath != snap.ThingPath {
			t.Errorf("Get(%s) = %+v, List entry = %+v", snap.ID, got, snap)
		}
	}

	tests := []struct {
		filter Filter
		want   int
	}{
		{Filter{ThingPath: "/a/"}, 3},
		{Filter{Action: "x"}, 3},
		{Filter{ThingPath: "/a/", Action: "x"}, 2},
		{Filter{ThingPath: "/c/"}, 0},
	}
	for _, tt := range tests {
		if got := len(m.List(tt.filter)); got != tt.want {
			t.Errorf("List(%+v) returned %d, want %d", tt.filter, got, tt.want)
		}
	}
}

func TestManager_CancelRunning(t *testing.T) {
	m := newTestManager()
	running := make(chan struct{})
	loop := &Definition{
		Name: "slowly_increase_counter",
		Func: func(ctx context.Context, inv *Invocation) (any, error) {
			close(running)
			for i := 0; i < 500; i++ {
				if err := inv.Cancel.Sleep(ctx, 10*time.Millisecond); err != nil {
					return nil, err
				}
			}
			return "finished", nil
		},
	}
	thing := newFakeThing("/thing/", loop)

	snap, err := m.Invoke(context.Background(), thing, "slowly_increase_counter", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	<-running

	if err := m.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	final, _ := waitTerminal(t, m, snap.ID)
	if final.Status != invocation.StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", final.Status)
	}
	if final.TimeFinished.IsZero() {
		t.Error("TimeFinished not set")
	}

	if err := m.Cancel(snap.ID); !errors.Is(err, invocation.ErrInvalidState) {
		t.Errorf("Cancel() on finished invocation error = %v, want ErrInvalidState", err)
	}
	if err := m.Cancel("does-not-exist"); !errors.Is(err, invocation.ErrNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestManager_CancelHandledCompletes(t *testing.T) {
	m := newTestManager()
	running := make(chan struct{})
	handled := &Definition{
		Name: "handled",
		Func: func(ctx context.Context, inv *Invocation) (any, error) {
			close(running)
			<-inv.Cancel.Done()
			inv.Cancel.Reset()
			return "stopped cleanly", nil
		},
	}
	thing := newFakeThing("/thing/", handled)

	snap, err := m.Invoke(context.Background(), thing, "handled", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	<-running
	if err := m.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	final, _ := waitTerminal(t, m, snap.ID)
	if final.Status != invocation.StatusCompleted {
		t.Errorf("Status = %v, want completed", final.Status)
	}
}

func TestManager_CancelQueued(t *testing.T) {
	m := newTestManager()
	gate := make(chan struct{})
	var ran atomic.Bool
	thing := newFakeThing("/thing/",
		&Definition{Name: "block", Func: func(ctx context.Context, inv *Invocation) (any, error) {
			<-gate
			return nil, nil
		}},
		&Definition{Name: "queued", Func: func(ctx context.Context, inv *Invocation) (any, error) {
			ran.Store(true)
			return nil, nil
		}},
	)

	first, err := m.Invoke(context.Background(), thing, "block", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	second, err := m.Invoke(context.Background(), thing, "queued", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if snap, _ := m.Get(second.ID); snap.Status != invocation.StatusPending {
		t.Fatalf("queued Status = %v, want pending", snap.Status)
	}
	if err := m.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(gate)

	waitTerminal(t, m, first.ID)
	final, _ := waitTerminal(t, m, second.ID)
	if final.Status != invocation.StatusCancelled {
		t.Errorf("Status = %v, want cancelled", final.Status)
	}
	if ran.Load() {
		t.Error("cancelled queued action still ran")
	}
	if !final.TimeStarted.IsZero() {
		t.Errorf("TimeStarted = %v, want zero for an action that never started", final.TimeStarted)
	}
	if final.TimeFinished.IsZero() {
		t.Error("TimeFinished not set")
	}
}

func TestManager_LogVisibleWhileRunning(t *testing.T) {
	m := newTestManager()
	logged := make(chan struct{})
	release := make(chan struct{})
	chatty := &Definition{
		Name: "chatty",
		Func: func(ctx context.Context, inv *Invocation) (any, error) {
			inv.Logger.Info("moving stage", slog.Int("steps", 3))
			inv.Logger.Debug("below the invocation log level")
			close(logged)
			<-release
			return nil, nil
		},
	}
	thing := newFakeThing("/thing/", chatty)

	snap, err := m.Invoke(context.Background(), thing, "chatty", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	<-logged

	mid, err := m.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if mid.Status != invocation.StatusRunning {
		t.Errorf("Status = %v, want running", mid.Status)
	}
	if len(mid.Log) != 1 {
		t.Fatalf("len(Log) = %d, want 1: %+v", len(mid.Log), mid.Log)
	}
	if mid.Log[0].Message != "moving stage" {
		t.Errorf("Log[0].Message = %q", mid.Log[0].Message)
	}
	if mid.Log[0].Attrs["steps"] != int64(3) {
		t.Errorf("Log[0].Attrs = %v", mid.Log[0].Attrs)
	}

	close(release)
	waitTerminal(t, m, snap.ID)
}

func TestManager_InvokeAndWait(t *testing.T) {
	m := newTestManager()
	block := make(chan struct{})
	defer close(block)

	fast := returns("fast", "done")
	slow := &Definition{
		Name:            "slow",
		ResponseTimeout: 20 * time.Millisecond,
		Func: func(ctx context.Context, inv *Invocation) (any, error) {
			<-block
			return nil, nil
		},
	}
	thing := newFakeThing("/thing/", fast)
	other := newFakeThing("/other/", slow)

	snap, err := m.InvokeAndWait(context.Background(), thing, "fast", nil)
	if err != nil {
		t.Fatalf("InvokeAndWait(fast) error = %v", err)
	}
	if snap.Status != invocation.StatusCompleted {
		t.Errorf("fast Status = %v, want completed", snap.Status)
	}

	start := time.Now()
	snap, err = m.InvokeAndWait(context.Background(), other, "slow", nil)
	if err != nil {
		t.Fatalf("InvokeAndWait(slow) error = %v", err)
	}
	if snap.Status.Terminal() {
		t.Errorf("slow Status = %v, want non-terminal", snap.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("InvokeAndWait ignored the response timeout")
	}
}

func TestManager_IsolatedRegistries(t *testing.T) {
	m1 := newTestManager()
	m2 := newTestManager()
	thing := newFakeThing("/thing/", returns("x", 1))

	snap, err := m1.Invoke(context.Background(), thing, "x", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if _, err := m2.Get(snap.ID); !errors.Is(err, invocation.ErrNotFound) {
		t.Errorf("second manager sees the first manager's invocation: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m1.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
