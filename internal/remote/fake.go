package remote

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// FakeTransport is an in-memory remote system for tests and dry runs.
// Records are stored per model; Search matches on exact field equality.
//
// The hook fields inject failures. Each is called with the 1-based attempt
// number for that (model, key) pair and must be set before use.
type FakeTransport struct {
	// FailAuth, when set, is consulted on every login.
	FailAuth func(attempt int) error
	// FailSearch, when set, is consulted before a search is answered.
	FailSearch func(model, value string, attempt int) error
	// FailCreate, when set, is consulted before a record is stored.
	FailCreate func(model string, values map[string]any, attempt int) error
	// LoseCreate, when set, is consulted after a record is stored. A non-nil
	// error is returned to the caller even though the record exists.
	LoseCreate func(model string, values map[string]any, attempt int) error
	// KeyFields names the natural-key field per model, used to count attempts.
	KeyFields map[string]string
	// Latency is slept before each call.
	Latency time.Duration

	mu             sync.Mutex
	nextID         int64
	uid            int64
	validUID       int64
	records        map[string]map[int64]map[string]any
	authAttempts   int
	searchAttempts map[string]int
	createAttempts map[string]int
	searches       int
	creates        int
}

// NewFakeTransport returns an empty fake remote.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		records:        make(map[string]map[int64]map[string]any),
		searchAttempts: make(map[string]int),
		createAttempts: make(map[string]int),
		KeyFields:      make(map[string]string),
	}
}

// NewFakeTransportFor returns an empty fake remote that knows the key field of
// every model in reg.
func NewFakeTransportFor(reg *core.Registry) *FakeTransport {
	f := NewFakeTransport()
	for _, def := range reg.Phases() {
		f.KeyFields[def.Model] = def.KeyField
	}
	return f
}

func (f *FakeTransport) Authenticate(ctx context.Context) (Session, error) {
	if err := f.wait(ctx); err != nil {
		return Session{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.authAttempts++
	if f.FailAuth != nil {
		if err := f.FailAuth(f.authAttempts); err != nil {
			return Session{}, err
		}
	}
	f.uid++
	f.validUID = f.uid
	return Session{UID: f.uid, AuthenticatedAt: time.Now()}, nil
}

func (f *FakeTransport) Search(ctx context.Context, sess Session, model, field, value string) (int64, bool, error) {
	if err := f.wait(ctx); err != nil {
		return 0, false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkSession("search", sess); err != nil {
		return 0, false, err
	}

	k := model + ":" + value
	f.searchAttempts[k]++
	f.searches++
	if f.FailSearch != nil {
		if err := f.FailSearch(model, value, f.searchAttempts[k]); err != nil {
			return 0, false, err
		}
	}

	var best int64
	for id, rec := range f.records[model] {
		if fmt.Sprint(rec[field]) == value && (best == 0 || id < best) {
			best = id
		}
	}
	return best, best != 0, nil
}

func (f *FakeTransport) Create(ctx context.Context, sess Session, model string, values map[string]any) (int64, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkSession("create", sess); err != nil {
		return 0, err
	}

	k := model + ":" + fmt.Sprint(values[f.KeyFields[model]])
	f.createAttempts[k]++
	attempt := f.createAttempts[k]
	if f.FailCreate != nil {
		if err := f.FailCreate(model, values, attempt); err != nil {
			return 0, err
		}
	}

	f.nextID++
	id := f.nextID
	if f.records[model] == nil {
		f.records[model] = make(map[int64]map[string]any)
	}
	f.records[model][id] = maps.Clone(values)
	f.creates++

	if f.LoseCreate != nil {
		if err := f.LoseCreate(model, values, attempt); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// ExpireSessions invalidates every session handed out so far.
func (f *FakeTransport) ExpireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validUID = -1
}

// Put seeds a record as if it had been created out of band.
func (f *FakeTransport) Put(model string, values map[string]any) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	if f.records[model] == nil {
		f.records[model] = make(map[int64]map[string]any)
	}
	f.records[model][f.nextID] = maps.Clone(values)
	return f.nextID
}

// Record returns the stored values for id.
func (f *FakeTransport) Record(model string, id int64) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[model][id]
	return maps.Clone(rec), ok
}

// Count returns the number of records stored for model.
func (f *FakeTransport) Count(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[model])
}

// Creates returns the number of successful create calls.
func (f *FakeTransport) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Searches returns the number of search calls answered or failed by a hook.
func (f *FakeTransport) Searches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

// AuthAttempts returns the number of login attempts.
func (f *FakeTransport) AuthAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authAttempts
}

func (f *FakeTransport) checkSession(op string, sess Session) error {
	if sess.UID == 0 || sess.UID != f.validUID {
		return NewError(op, ErrAuthentication, "session expired")
	}
	return nil
}

func (f *FakeTransport) wait(ctx context.Context) error {
	if f.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(f.Latency):
		return nil
	case <-ctx.Done():
		return NewError("call", ErrTimeout, ctx.Err().Error())
	}
}
