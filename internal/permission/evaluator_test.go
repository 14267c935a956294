package permission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func memberBundle(homeID string) *Bundle {
	return &Bundle{
		Version:  3,
		HomeID:   homeID,
		Role:     "user",
		HomeRole: HomeRoleMember,
		Menus:    map[string]bool{"devices": true, "rooms": true, "members": false},
		Devices: map[string][]string{
			"D1": {ActionView, ActionControl},
			"D2": {ActionView},
			"*":  {ActionView},
		},
		Rooms: map[string][]string{
			"kitchen": {Wildcard},
		},
	}
}

func readyEvaluator(t *testing.T, b *Bundle) *Evaluator {
	t.Helper()
	e := NewEvaluator(nil)
	gen := e.SetActiveHome(b.HomeID)
	if err := e.Load(gen, b); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return e
}

func TestEvaluator_Can(t *testing.T) {
	e := readyEvaluator(t, memberBundle("home-a"))

	tests := []struct {
		action, resourceType, key string
		want                      bool
	}{
		{ActionView, ResourceMenu, "devices", true},
		{ActionView, ResourceMenu, "members", false},
		{ActionView, ResourceMenu, "settings", false},
		{ActionControl, ResourceDevice, "D1", true},
		{ActionControl, ResourceDevice, "D2", false},
		{ActionView, ResourceDevice, "D2", true},
		{ActionView, ResourceDevice, "D9", true},     // wildcard fallback
		{ActionControl, ResourceDevice, "D9", false}, // wildcard grants view only
		{ActionManage, ResourceRoom, "kitchen", true},
		{ActionView, ResourceRoom, "garage", false},
		{ActionView, "firmware", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.action+"/"+tt.resourceType+"/"+tt.key, func(t *testing.T) {
			if got := e.Can(tt.action, tt.resourceType, tt.key); got != tt.want {
				t.Errorf("Can(%q, %q, %q) = %v, want %v", tt.action, tt.resourceType, tt.key, got, tt.want)
			}
		})
	}
}

func TestEvaluator_BypassRole(t *testing.T) {
	b := memberBundle("home-a")
	b.Role = RoleSuperAdmin
	b.Menus = map[string]bool{"devices": false}
	e := readyEvaluator(t, b)

	if !e.Can(ActionView, ResourceMenu, "devices") {
		t.Error("bypass role must see devices regardless of the menu map")
	}
	if !e.Can(ActionManage, ResourceDevice, "anything") {
		t.Error("bypass role must pass resource checks")
	}

	// Still allowed while the next home loads.
	e.SetActiveHome("home-b")
	if !e.Can(ActionView, ResourceMenu, "settings") {
		t.Error("bypass role must pass while loading")
	}
}

func TestEvaluator_DeniesWhileLoading(t *testing.T) {
	e := NewEvaluator(nil)
	if e.Can(ActionView, ResourceMenu, "devices") {
		t.Error("no bundle: expected deny")
	}

	e = readyEvaluator(t, memberBundle("home-a"))
	e.SetActiveHome("home-b")
	if e.Status().State != StateLoading {
		t.Fatal("SetActiveHome should enter loading")
	}
	if e.Can(ActionView, ResourceMenu, "devices") {
		t.Error("home-a bundle must not answer for home-b")
	}
	if e.HasRole(HomeRoleMember) {
		t.Error("home role of the previous home must not carry over")
	}
}

func TestEvaluator_LoadStale(t *testing.T) {
	e := NewEvaluator(nil)
	genA := e.SetActiveHome("home-a")
	genB := e.SetActiveHome("home-b")

	if err := e.Load(genA, memberBundle("home-a")); !errors.Is(err, ErrStaleBundle) {
		t.Errorf("Load(old gen) error = %v, want ErrStaleBundle", err)
	}
	if err := e.Load(genB, memberBundle("home-a")); !errors.Is(err, ErrStaleBundle) {
		t.Errorf("Load(foreign home) error = %v, want ErrStaleBundle", err)
	}
	if err := e.Load(genB, nil); !errors.Is(err, ErrStaleBundle) {
		t.Errorf("Load(nil) error = %v, want ErrStaleBundle", err)
	}
	if err := e.Load(genB, memberBundle("home-b")); err != nil {
		t.Fatalf("Load(current) error = %v", err)
	}
	if e.Status().State != StateReady {
		t.Error("expected ready after current load")
	}
}

func TestEvaluator_LoadCopiesBundle(t *testing.T) {
	b := memberBundle("home-a")
	e := readyEvaluator(t, b)

	b.Menus["settings"] = true
	if e.Can(ActionView, ResourceMenu, "settings") {
		t.Error("mutating the caller's bundle must not affect the evaluator")
	}
}

func TestEvaluator_HandleVersion(t *testing.T) {
	e := readyEvaluator(t, memberBundle("home-a"))

	if e.HandleVersion("home-a", 3) {
		t.Error("same version should not require refetch")
	}
	if e.HandleVersion("home-b", 9) {
		t.Error("version for another home should be ignored")
	}
	if e.Status().State != StateReady {
		t.Fatal("ignored pushes must not change state")
	}

	if !e.HandleVersion("home-a", 4) {
		t.Error("new version should require refetch")
	}
	if e.Status().State != StateLoading {
		t.Error("new version should return to loading")
	}
	if e.Can(ActionView, ResourceMenu, "devices") {
		t.Error("deny while reloading")
	}
}

type fakeFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	bundle  func(homeID string) *Bundle
	err     error
}

func (f *fakeFetcher) FetchPermissions(_ context.Context, homeID string) (*Bundle, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle(homeID), nil
}

func TestEvaluator_Refresh(t *testing.T) {
	f := &fakeFetcher{bundle: memberBundle}
	e := NewEvaluator(f)

	if err := e.Refresh(context.Background()); !errors.Is(err, ErrNoHome) {
		t.Errorf("Refresh() without home error = %v, want ErrNoHome", err)
	}

	e.SetActiveHome("home-a")
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !e.Can(ActionControl, ResourceDevice, "D1") {
		t.Error("refreshed bundle not applied")
	}

	f.err = errors.New("backend down")
	e.HandleVersion("home-a", 7)
	if err := e.Refresh(context.Background()); !errors.Is(err, f.err) {
		t.Errorf("Refresh() error = %v, want backend error", err)
	}

	if err := NewEvaluator(nil).Refresh(context.Background()); !errors.Is(err, ErrNoFetcher) {
		t.Errorf("Refresh() without fetcher error = %v, want ErrNoFetcher", err)
	}
}

func TestEvaluator_RefreshCollapsesConcurrentCalls(t *testing.T) {
	f := &fakeFetcher{bundle: memberBundle, release: make(chan struct{})}
	e := NewEvaluator(f)
	e.SetActiveHome("home-a")

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.Refresh(context.Background())
		}()
	}

	// Give the goroutines a moment to join the in-flight call.
	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Refresh() error = %v", err)
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Logf("fetch calls = %d (callers arriving late start a new fetch)", n)
	}
	if e.Status().State != StateReady {
		t.Error("expected ready after refresh")
	}
}

func TestEvaluator_RefreshDiscardedAfterSwitch(t *testing.T) {
	f := &fakeFetcher{bundle: memberBundle, release: make(chan struct{})}
	e := NewEvaluator(f)
	e.SetActiveHome("home-a")

	done := make(chan error, 1)
	go func() { done <- e.Refresh(context.Background()) }()

	for f.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	e.SetActiveHome("home-b")
	close(f.release)

	if err := <-done; !errors.Is(err, ErrStaleBundle) {
		t.Errorf("Refresh() error = %v, want ErrStaleBundle", err)
	}
	if st := e.Status(); st.HomeID != "home-b" || st.State != StateLoading {
		t.Errorf("Status() = %+v, want home-b loading", st)
	}
}

func TestEvaluator_HasRole(t *testing.T) {
	e := readyEvaluator(t, memberBundle("home-a"))

	if !e.HasRole(HomeRoleOwner, HomeRoleMember) {
		t.Error("member should match member")
	}
	if !e.HasRole("user") {
		t.Error("system role should match")
	}
	if e.HasRole(HomeRoleOwner, HomeRoleAdmin) {
		t.Error("member should not match owner/admin")
	}
	if e.HasRole("") {
		t.Error("empty role must not match")
	}
}

func TestEvaluator_SetSystemRole(t *testing.T) {
	e := NewEvaluator(nil)
	e.SetSystemRole(RoleSuperAdmin)
	e.SetActiveHome("home-a")
	if !e.Can(ActionView, ResourceMenu, "devices") {
		t.Error("system role from token should bypass before any bundle loads")
	}
}
