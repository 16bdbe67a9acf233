package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/zoobzio/prefz"
)

type theme int

const (
	light theme = iota
	dark
	system
)

func (t theme) String() string {
	return [...]string{"LIGHT", "DARK", "SYSTEM"}[t]
}

func BenchmarkRead_Int(b *testing.B) {
	store := prefz.NewMemoryStore(map[string]prefz.Value{
		"count": prefz.IntValue(5),
	})
	p := prefz.New(store)
	read := prefz.Read(p, "count", prefz.Int, 0)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := read.Get(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRead_EnumByName(b *testing.B) {
	store := prefz.NewMemoryStore(map[string]prefz.Value{
		"theme": prefz.StringValue("DARK"),
	})
	p := prefz.New(store)
	read := prefz.Read(p, "theme", prefz.ByName(light, dark, system), light)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := read.Get(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRead_WithRetry(b *testing.B) {
	store := prefz.NewMemoryStore(map[string]prefz.Value{
		"count": prefz.IntValue(5),
	})
	p := prefz.New(store)
	read := prefz.Read(p, "count", prefz.Int, 0, prefz.WithRetry[int32](3))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := read.Get(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRead_SerialScheduler(b *testing.B) {
	sched := prefz.NewSerialScheduler()
	defer sched.Close()

	store := prefz.NewMemoryStore(map[string]prefz.Value{
		"count": prefz.IntValue(5),
	})
	p := prefz.New(store, prefz.WithStoreScheduler(sched))
	read := prefz.Read(p, "count", prefz.Int, 0)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := read.Get(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCommit_Single(b *testing.B) {
	p := prefz.New(prefz.NewMemoryStore(nil))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := p.Edit().PutInt("count", int32(i)).Commit(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCommit_Batch(b *testing.B) {
	for _, size := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			p := prefz.New(prefz.NewMemoryStore(nil))
			keys := make([]string, size)
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%d", i)
			}
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				e := p.Edit().Clear()
				for _, k := range keys {
					e.PutLong(k, int64(i))
				}
				if err := e.Commit(ctx); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkObserve_Emit(b *testing.B) {
	for _, subs := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("subscribers=%d", subs), func(b *testing.B) {
			p := prefz.New(prefz.NewMemoryStore(nil))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			obs := prefz.Observe(p, "count", prefz.Int, 0)
			for i := 0; i < subs; i++ {
				if _, err := obs.Subscribe(ctx, prefz.Funcs[int32]{}); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := p.Edit().PutInt("count", int32(i)).Commit(ctx); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSubscribe_Cancel(b *testing.B) {
	p := prefz.New(prefz.NewMemoryStore(nil))
	obs := prefz.Observe(p, "count", prefz.Int, 0)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sub, err := obs.Subscribe(ctx, prefz.Funcs[int32]{})
		if err != nil {
			b.Fatal(err)
		}
		sub.Cancel()
	}
}

func BenchmarkJSONCodec_Marshal(b *testing.B) {
	values := map[string]prefz.Value{
		"name":  prefz.StringValue("prefz"),
		"count": prefz.IntValue(5),
		"ratio": prefz.FloatValue(0.5),
		"tags":  prefz.StringSetValue("a", "b", "c"),
		"on":    prefz.BoolValue(true),
	}
	codec := prefz.JSONCodec{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Marshal(values); err != nil {
			b.Fatal(err)
		}
	}
}
