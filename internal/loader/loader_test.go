package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/normanking/cortexpuppet/internal/assets"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	assets  map[string][]*puppet.Asset
	gates   map[string]chan struct{}
	started chan string
	fail    map[string]error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		assets:  make(map[string][]*puppet.Asset),
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 64),
		fail:    make(map[string]error),
	}
}

// gate makes fetches of id block until the returned func is called.
func (f *fakeFetcher) gate(id string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *fakeFetcher) Fetch(ctx context.Context, desc puppet.Descriptor) (*puppet.Asset, error) {
	f.mu.Lock()
	f.calls = append(f.calls, desc.ID)
	gate := f.gates[desc.ID]
	err := f.fail[desc.ID]
	f.mu.Unlock()

	f.started <- desc.ID
	if gate != nil {
		// Ignores ctx on purpose: the asset is allocated regardless and the
		// loader has to release it.
		<-gate
	}
	if err != nil {
		return nil, err
	}

	a := &puppet.Asset{Descriptor: desc}
	f.mu.Lock()
	f.assets[desc.ID] = append(f.assets[desc.ID], a)
	f.mu.Unlock()
	return a, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFetcher) Assets(id string) []*puppet.Asset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*puppet.Asset(nil), f.assets[id]...)
}

func bundled(id string) puppet.Descriptor {
	return puppet.Descriptor{ID: id, Source: id + ".gltf"}
}

func remote(id string) puppet.Descriptor {
	return puppet.Descriptor{ID: id, Source: "https://cdn.example.com/" + id + ".gltf", Origin: puppet.OriginRemote}
}

func newTestLoader(f assets.Fetcher) *Loader {
	return New(f, Options{BundledSettle: 20 * time.Millisecond, RemoteSettle: 40 * time.Millisecond})
}

func waitResult(t *testing.T, l *Loader) Result {
	t.Helper()
	var res Result
	require.Eventually(t, func() bool {
		var ok bool
		res, ok = l.Poll()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return res
}

func TestRapidRequestsLastWins(t *testing.T) {
	f := newFakeFetcher()
	l := newTestLoader(f)
	defer l.Close()

	var tokens []uint64
	for i := 0; i < 20; i++ {
		tokens = append(tokens, l.RequestLoad(bundled(fmt.Sprintf("m%d", i))))
	}
	for i := 1; i < len(tokens); i++ {
		assert.Greater(t, tokens[i], tokens[i-1], "tokens strictly increase")
	}

	res := waitResult(t, l)
	require.NoError(t, res.Err)
	assert.Equal(t, "m19", res.Descriptor.ID)
	assert.Equal(t, tokens[19], res.Token)
	assert.Equal(t, []string{"m19"}, f.Calls(), "settled requests never start a fetch")
	assert.False(t, l.Busy())
}

func TestRequestInsideSettleWindowReplacesEarlier(t *testing.T) {
	f := newFakeFetcher()
	l := newTestLoader(f)
	defer l.Close()

	l.RequestLoad(bundled("A"))
	tokenB := l.RequestLoad(remote("B"))

	res := waitResult(t, l)
	assert.Equal(t, "B", res.Descriptor.ID)
	assert.Equal(t, tokenB, res.Token)

	// A's debounce timer still fires; it must not fetch.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"B"}, f.Calls())
	assert.Empty(t, f.Assets("A"))
}

func TestSupersededFetchReleasesItsAsset(t *testing.T) {
	f := newFakeFetcher()
	release := f.gate("A")
	l := newTestLoader(f)
	defer l.Close()

	l.RequestLoad(bundled("A"))
	require.Equal(t, "A", <-f.started)

	l.RequestLoad(bundled("B"))
	release()

	res := waitResult(t, l)
	assert.Equal(t, "B", res.Descriptor.ID)

	require.Eventually(t, func() bool { return len(f.Assets("A")) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.Assets("A")[0].Released(), "stale asset must be released")
	assert.False(t, res.Asset.Released())
}

func TestUnpolledResultReleasedWhenSuperseded(t *testing.T) {
	f := newFakeFetcher()
	l := newTestLoader(f)
	defer l.Close()

	l.RequestLoad(bundled("A"))
	require.Eventually(t, func() bool { return len(f.Assets("A")) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.state.kind == stateResolved
	}, time.Second, 5*time.Millisecond)

	l.RequestLoad(bundled("B"))
	assert.True(t, f.Assets("A")[0].Released())

	res := waitResult(t, l)
	assert.Equal(t, "B", res.Descriptor.ID)
}

func TestSameDescriptorShortCircuits(t *testing.T) {
	f := newFakeFetcher()
	l := newTestLoader(f)
	defer l.Close()

	token := l.RequestLoad(bundled("A"))
	res := waitResult(t, l)
	l.Commit(res)

	again := l.RequestLoad(bundled("A"))

	assert.Equal(t, token, again)
	assert.False(t, l.Busy())
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []string{"A"}, f.Calls())
}

func TestShortCircuitDropsInFlightLoad(t *testing.T) {
	f := newFakeFetcher()
	l := newTestLoader(f)
	defer l.Close()

	l.RequestLoad(bundled("A"))
	l.Commit(waitResult(t, l))

	l.RequestLoad(remote("B"))
	require.True(t, l.Busy())
	l.RequestLoad(bundled("A"))
	assert.False(t, l.Busy())

	time.Sleep(80 * time.Millisecond)
	_, ok := l.Poll()
	assert.False(t, ok)
	assert.Equal(t, []string{"A"}, f.Calls())
}

func TestFetchErrorIsReportedAndClearsShortCircuit(t *testing.T) {
	f := newFakeFetcher()
	l := newTestLoader(f)
	defer l.Close()

	l.RequestLoad(bundled("A"))
	l.Commit(waitResult(t, l))

	fetchErr := &assets.FetchError{Model: "B", Err: errors.New("404")}
	f.mu.Lock()
	f.fail["B"] = fetchErr
	f.mu.Unlock()

	l.RequestLoad(bundled("B"))
	res := waitResult(t, l)
	assert.Nil(t, res.Asset)
	assert.ErrorIs(t, res.Err, fetchErr)

	// With an error pending, asking for A again is a real load.
	l.RequestLoad(bundled("A"))
	res = waitResult(t, l)
	assert.Equal(t, "A", res.Descriptor.ID)
	assert.Equal(t, []string{"A", "B", "A"}, f.Calls())
}

func TestFailClearsShortCircuit(t *testing.T) {
	f := newFakeFetcher()
	l := newTestLoader(f)
	defer l.Close()

	l.RequestLoad(bundled("A"))
	res := waitResult(t, l)
	l.Commit(res)
	l.Fail(res, errors.New("upload failed"))

	l.RequestLoad(bundled("A"))
	assert.True(t, l.Busy())
}

func TestCancelAbandonsInFlight(t *testing.T) {
	f := newFakeFetcher()
	release := f.gate("A")
	l := newTestLoader(f)
	defer l.Close()

	l.RequestLoad(bundled("A"))
	require.Equal(t, "A", <-f.started)

	l.Cancel()
	assert.False(t, l.Busy())
	release()

	require.Eventually(t, func() bool {
		a := f.Assets("A")
		return len(a) == 1 && a[0].Released()
	}, time.Second, 5*time.Millisecond)
	_, ok := l.Poll()
	assert.False(t, ok)
}

func TestCloseWaitsForFetches(t *testing.T) {
	f := newFakeFetcher()
	release := f.gate("A")
	l := newTestLoader(f)

	l.RequestLoad(bundled("A"))
	require.Equal(t, "A", <-f.started)

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while a fetch was running")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	<-done

	assert.True(t, f.Assets("A")[0].Released())
	assert.Equal(t, uint64(0), l.RequestLoad(bundled("B")))
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context, puppet.Descriptor) (*puppet.Asset, error) {
	panic("runtime error: index out of range [9] with length 3")
}

func TestFetcherPanicBecomesFailedLoad(t *testing.T) {
	l := newTestLoader(panicFetcher{})
	defer l.Close()

	l.RequestLoad(bundled("broken"))
	res := waitResult(t, l)

	require.Error(t, res.Err)
	assert.Nil(t, res.Asset)
	assert.True(t, assets.IsFetchError(res.Err))
	assert.Contains(t, res.Err.Error(), "panic")
	assert.False(t, l.Busy())
}
