package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zoobzio/prefz"
	preftest "github.com/zoobzio/prefz/testing"
)

func TestOpen_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing path", Config{}},
		{"unknown format", Config{Path: "prefs.toml", Format: "toml"}},
		{"bad perm", Config{Path: "prefs.json", Perm: 0o1777}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "prefs.json")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty store, got %v", all)
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Path: path}); err == nil {
		t.Error("expected decode error")
	}
}

func TestStore_Contract_JSON(t *testing.T) {
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "prefs.json")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	preftest.StoreContract(t, store)
}

func TestStore_Contract_YAML(t *testing.T) {
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "prefs.yaml")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	preftest.StoreContract(t, store)
}

func TestStore_Contract_Watching(t *testing.T) {
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "prefs.json"), Watch: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	preftest.StoreContract(t, store)
}

func TestStore_CodecByExtension(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		path   string
		format string
		want   string
	}{
		{filepath.Join(dir, "a.json"), "", "application/json"},
		{filepath.Join(dir, "a.yaml"), "", "application/x-yaml"},
		{filepath.Join(dir, "a.YML"), "", "application/x-yaml"},
		{filepath.Join(dir, "a.conf"), "", "application/json"},
		{filepath.Join(dir, "a.conf"), "yaml", "application/x-yaml"},
	}
	for _, tt := range tests {
		store, err := Open(Config{Path: tt.path, Format: tt.format})
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", tt.path, err)
		}
		if got := store.codec.ContentType(); got != tt.want {
			t.Errorf("%s (%q): expected %s, got %s", tt.path, tt.format, tt.want, got)
		}
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.yaml")

	store, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	p := prefz.New(store)
	err = p.Update(ctx, func(e *prefz.Editor) {
		e.PutString("example_string", "hello")
		e.PutInt("example_int", 5)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "example_string") {
		t.Errorf("expected document to contain example_string, got:\n%s", data)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	n, err := prefz.Read(prefz.New(reopened), "example_int", prefz.Int, 0).Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5, got %d", n)
	}
}

func TestStore_CommitLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: filepath.Join(dir, "prefs.json"), Perm: 0o640})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Commit(context.Background(), []prefz.Edit{prefz.Put("n", prefz.IntValue(int32(i)))}); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "prefs.json" {
		t.Errorf("expected only prefs.json, got %v", entries)
	}
	info, err := os.Stat(filepath.Join(dir, "prefs.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("expected mode 0640, got %v", info.Mode().Perm())
	}
}

func TestStore_FailedWriteKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := Open(Config{Path: filepath.Join(dir, "prefs.json")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Commit(ctx, []prefz.Edit{prefz.Put("a", prefz.IntValue(1))}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Point the store at a directory that does not exist.
	store.path = filepath.Join(dir, "gone", "prefs.json")
	if err := store.Commit(ctx, []prefz.Edit{prefz.Put("a", prefz.IntValue(2))}); err == nil {
		t.Fatal("expected write error")
	}

	v, ok, err := store.Get(ctx, "a", prefz.KindInt)
	if err != nil || !ok {
		t.Fatalf("expected a present, got ok=%v err=%v", ok, err)
	}
	if v.AsInt() != 1 {
		t.Errorf("expected snapshot to keep 1, got %s", v)
	}
}

func TestStore_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.json")
	store, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Commit(ctx, []prefz.Edit{
		prefz.Put("keep", prefz.BoolValue(true)),
		prefz.Put("drop", prefz.IntValue(1)),
		prefz.Put("change", prefz.StringValue("old")),
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	var keys []string
	id := store.RegisterListener(prefz.ListenerFunc(func(n prefz.Notification) {
		keys = append(keys, n.Key)
	}))
	defer store.UnregisterListener(id)

	writeDocument(t, path, map[string]prefz.Value{
		"keep":   prefz.BoolValue(true),
		"change": prefz.StringValue("new"),
		"added":  prefz.LongValue(7),
	})
	if err := store.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	got := map[string]bool{}
	for _, k := range keys {
		got[k] = true
	}
	if len(keys) != 3 || !got["drop"] || !got["change"] || !got["added"] {
		t.Errorf("expected notifications for drop, change, added; got %v", keys)
	}
}

func TestStore_ReloadCorruptKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.json")
	store, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Commit(ctx, []prefz.Edit{prefz.Put("a", prefz.IntValue(1))}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(ctx); err == nil {
		t.Fatal("expected decode error")
	}
	if ok, _ := store.Contains(ctx, "a"); !ok {
		t.Error("expected snapshot to survive a bad reload")
	}
}

func TestStore_ObservesExternalEdit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "prefs.json")
	store, err := Open(Config{Path: path, Watch: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	p := prefz.New(store)

	rec := preftest.NewRecorder[string]()
	sub, err := prefz.Observe(p, "example_string", prefz.String, "default").Subscribe(ctx, rec)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	writeDocument(t, path, map[string]prefz.Value{
		"example_string": prefz.StringValue("from outside"),
	})

	if !preftest.WaitFor(t, 5*time.Second, func() bool {
		vals := rec.Values()
		return len(vals) > 0 && vals[len(vals)-1] == "from outside"
	}) {
		t.Fatalf("expected external edit to be observed, got %v", rec.Values())
	}
	if vals := rec.Values(); vals[0] != "default" {
		t.Errorf("expected initial default, got %v", vals)
	}
}

func TestStore_OwnCommitNotifiesOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "prefs.json"), Watch: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	p := prefz.New(store)

	rec := preftest.NewRecorder[int32]()
	sub, err := prefz.Observe(p, "count", prefz.Int, 0).Subscribe(ctx, rec)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if err := p.Edit().PutInt("count", 1).Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Give the watcher time to see the rename.
	time.Sleep(200 * time.Millisecond)
	preftest.RequireValues(t, rec, 0, 1)
}

func TestStore_WatchRetriesMissingDirectory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prev := retryDelay
	retryDelay = 50 * time.Millisecond
	t.Cleanup(func() { retryDelay = prev })

	dir := filepath.Join(t.TempDir(), "later")
	path := filepath.Join(dir, "prefs.json")
	store, err := Open(Config{Path: path, Watch: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	p := prefz.New(store)

	rec := preftest.NewRecorder[string]()
	sub, err := prefz.Observe(p, "theme", prefz.String, "light").Subscribe(ctx, rec)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	writeDocument(t, path, map[string]prefz.Value{
		"theme": prefz.StringValue("dark"),
	})

	if !preftest.WaitFor(t, 5*time.Second, func() bool {
		vals := rec.Values()
		return len(vals) > 0 && vals[len(vals)-1] == "dark"
	}) {
		t.Fatalf("expected the document to be picked up once watchable, got %v", rec.Values())
	}
}

func writeDocument(t *testing.T, path string, values map[string]prefz.Value) {
	t.Helper()
	data, err := prefz.JSONCodec{}.Marshal(values)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}
