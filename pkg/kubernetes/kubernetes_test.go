package kubernetes

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/prefz"
	preftest "github.com/zoobzio/prefz/testing"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func TestStore_ReadsExistingConfigMap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "prefs",
			Namespace: "default",
		},
		Data: map[string]string{
			"port": `{"kind":"int","value":8080}`,
		},
	})

	p := prefz.New(New(client, "default", "prefs"))
	port, err := prefz.Read(p, "port", prefz.Int, 0).Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if port != 8080 {
		t.Errorf("expected 8080, got %d", port)
	}
}

func TestStore_MissingObjectReadsEmpty(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	store := New(client, "default", "prefs")

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty store, got %v", all)
	}
}

func TestStore_Contract_ConfigMap(t *testing.T) {
	client := fake.NewSimpleClientset()
	preftest.StoreContract(t, New(client, "default", "prefs"))
}

func TestStore_Contract_Secret(t *testing.T) {
	client := fake.NewSimpleClientset()
	preftest.StoreContract(t, New(client, "default", "prefs", WithResourceType(Secret)))

	secret, err := client.CoreV1().Secrets("default").Get(context.Background(), "prefs", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected secret to exist: %v", err)
	}
	if _, ok := secret.Data["fresh"]; !ok {
		t.Errorf("expected fresh key in secret data, got %v", secret.Data)
	}
}

func TestStore_CommitCreatesConfigMap(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	store := New(client, "default", "prefs")

	if err := store.Commit(ctx, []prefz.Edit{prefz.Put("theme", prefz.StringValue("DARK"))}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	cm, err := client.CoreV1().ConfigMaps("default").Get(ctx, "prefs", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected configmap to exist: %v", err)
	}
	if cm.Data["theme"] != `{"kind":"string","value":"DARK"}` {
		t.Errorf("unexpected stored form %q", cm.Data["theme"])
	}
}

func TestStore_ObservesExternalUpdate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "prefs", Namespace: "default"},
		Data:       map[string]string{"level": `{"kind":"string","value":"info"}`},
	})
	p := prefz.New(New(client, "default", "prefs"))

	rec := preftest.NewRecorder[string]()
	sub, err := prefz.Observe(p, "level", prefz.String, "warn").Subscribe(ctx, rec)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	// An unrelated key changing must not emit.
	_, err = client.CoreV1().ConfigMaps("default").Update(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "prefs", Namespace: "default"},
		Data: map[string]string{
			"level": `{"kind":"string","value":"info"}`,
			"other": `{"kind":"bool","value":true}`,
		},
	}, metav1.UpdateOptions{})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, err = client.CoreV1().ConfigMaps("default").Update(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "prefs", Namespace: "default"},
		Data:       map[string]string{"level": `{"kind":"string","value":"debug"}`},
	}, metav1.UpdateOptions{})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if !rec.WaitForValues(t, 2, 5*time.Second) {
		t.Fatalf("expected update, got %v", rec.Values())
	}
	preftest.RequireValues(t, rec, "info", "debug")
}

func TestStore_IgnoresOtherObjects(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	store := New(client, "default", "prefs")

	notes := make(chan prefz.Notification, 8)
	id := store.RegisterListener(prefz.ListenerFunc(func(n prefz.Notification) { notes <- n }))
	defer store.UnregisterListener(id)

	_, err := client.CoreV1().ConfigMaps("default").Create(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "unrelated", Namespace: "default"},
		Data:       map[string]string{"a": "b"},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	select {
	case n := <-notes:
		t.Errorf("unexpected notification %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStore_DeleteNotifiesRemovedKeys(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "prefs", Namespace: "default"},
		Data:       map[string]string{"a": `{"kind":"int","value":1}`},
	})
	store := New(client, "default", "prefs")

	notes := make(chan prefz.Notification, 8)
	id := store.RegisterListener(prefz.ListenerFunc(func(n prefz.Notification) { notes <- n }))
	defer store.UnregisterListener(id)

	if err := client.CoreV1().ConfigMaps("default").Delete(ctx, "prefs", metav1.DeleteOptions{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	select {
	case n := <-notes:
		if n.Key != "a" {
			t.Errorf("expected notification for a, got %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func TestStore_FeedRecoversFromFailedStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prev := retryDelay
	retryDelay = 50 * time.Millisecond
	t.Cleanup(func() { retryDelay = prev })

	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "prefs", Namespace: "default"},
		Data:       map[string]string{"level": `{"kind":"string","value":"info"}`},
	})
	unavailable := errors.New("apiserver unavailable")

	var gets atomic.Int32
	client.PrependReactor("get", "configmaps", func(k8stesting.Action) (bool, runtime.Object, error) {
		if gets.Add(1) == 1 {
			return true, nil, unavailable
		}
		return false, nil, nil
	})
	var watches atomic.Int32
	client.PrependWatchReactor("configmaps", func(k8stesting.Action) (bool, watch.Interface, error) {
		if watches.Add(1) == 1 {
			return true, nil, unavailable
		}
		return false, nil, nil
	})

	store := New(client, "default", "prefs")
	notes := make(chan prefz.Notification, 16)
	id := store.RegisterListener(prefz.ListenerFunc(func(n prefz.Notification) {
		notes <- n
	}))
	defer store.UnregisterListener(id)

	select {
	case n := <-notes:
		if !n.All {
			t.Errorf("expected All after the first successful read, got %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("feed never recovered from the failed read")
	}

	// The first watch after recovery fails too; wait for the retry.
	deadline := time.Now().Add(5 * time.Second)
	for watches.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if watches.Load() < 2 {
		t.Fatal("watch was never retried")
	}
	time.Sleep(100 * time.Millisecond)

	_, err := client.CoreV1().ConfigMaps("default").Update(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "prefs", Namespace: "default"},
		Data:       map[string]string{"level": `{"kind":"string","value":"debug"}`},
	}, metav1.UpdateOptions{})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	select {
	case n := <-notes:
		if n.Key != "level" {
			t.Errorf("expected level, got %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("no notification after the watch was re-established")
	}
}
