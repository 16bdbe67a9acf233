package consul

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/testcontainers/testcontainers-go"
	tcconsul "github.com/testcontainers/testcontainers-go/modules/consul"
	"github.com/zoobzio/prefz"
	preftest "github.com/zoobzio/prefz/testing"
)

func setupConsul(t *testing.T) *api.Client {
	t.Helper()
	return newClient(t, setupEndpoint(t), nil)
}

func setupEndpoint(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcconsul.Run(ctx, "consul:1.15")
	if err != nil {
		t.Fatalf("failed to start consul container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.ApiEndpoint(ctx)
	if err != nil {
		t.Fatalf("failed to get endpoint: %v", err)
	}
	return endpoint
}

func newClient(t *testing.T, endpoint string, hc *http.Client) *api.Client {
	t.Helper()
	client, err := api.NewClient(&api.Config{
		Address:    endpoint,
		HttpClient: hc,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestDiff(t *testing.T) {
	before := map[string]uint64{"a": 1, "b": 2, "c": 3}
	after := map[string]uint64{"a": 1, "b": 5, "d": 6}

	got := diff(before, after)
	sort.Strings(got)

	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestStore_Contract(t *testing.T) {
	client := setupConsul(t)
	preftest.StoreContract(t, New(client, WithWaitTime(5*time.Second)))
}

func TestStore_ClearKeepsOtherPrefixes(t *testing.T) {
	client := setupConsul(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := client.KV().Put(&api.KVPair{Key: "other/keep", Value: []byte("x")}, nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	store := New(client, WithPrefix("app/prefs/"))
	err := store.Commit(ctx, []prefz.Edit{
		prefz.Put("a", prefz.IntValue(1)),
		prefz.Clear(),
		prefz.Put("b", prefz.IntValue(2)),
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	pair, _, err := client.KV().Get("other/keep", nil)
	if err != nil || pair == nil {
		t.Fatalf("clear escaped its prefix: %v", err)
	}
	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 1 || all["b"].AsInt() != 2 {
		t.Errorf("expected only b=2, got %v", all)
	}
}

func TestStore_ObservesDirectWrites(t *testing.T) {
	client := setupConsul(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := prefz.New(New(client, WithWaitTime(5*time.Second)))

	rec := preftest.NewRecorder[string]()
	sub, err := prefz.Observe(p, "region", prefz.String, "us").Subscribe(ctx, rec)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	_, err = client.KV().Put(&api.KVPair{Key: "prefs/region", Value: []byte(`{"kind":"string","value":"eu"}`)}, nil)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !rec.WaitForValues(t, 2, 10*time.Second) {
		t.Fatalf("expected change, got %v", rec.Values())
	}

	if _, err := client.KV().Delete("prefs/region", nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !rec.WaitForValues(t, 3, 10*time.Second) {
		t.Fatalf("expected delete to be observed, got %v", rec.Values())
	}
	preftest.RequireValues(t, rec, "us", "eu", "us")
}

// refuseFirst fails the first request it sees.
type refuseFirst struct {
	calls atomic.Int32
}

func (r *refuseFirst) RoundTrip(req *http.Request) (*http.Response, error) {
	if r.calls.Add(1) == 1 {
		return nil, errors.New("connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestStore_FeedRecoversFromFailedListing(t *testing.T) {
	endpoint := setupEndpoint(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prev := retryDelay
	retryDelay = 50 * time.Millisecond
	t.Cleanup(func() { retryDelay = prev })

	client := newClient(t, endpoint, &http.Client{Transport: &refuseFirst{}})
	store := New(client, WithWaitTime(5*time.Second))

	notes := make(chan prefz.Notification, 16)
	id := store.RegisterListener(prefz.ListenerFunc(func(n prefz.Notification) {
		notes <- n
	}))
	defer store.UnregisterListener(id)

	select {
	case n := <-notes:
		if !n.All {
			t.Errorf("expected All after the first good listing, got %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("feed never recovered")
	}

	direct := newClient(t, endpoint, nil)
	_, err := direct.KV().Put(&api.KVPair{Key: "prefs/region", Value: []byte(`{"kind":"string","value":"eu"}`)}, nil)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	select {
	case n := <-notes:
		if n.Key != "region" {
			t.Errorf("expected region, got %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("no notification after recovering")
	}
}
