/*
Package prefz adapts a synchronous key-value preference store with change
notifications into lazy one-shot reads, live observations and ordered batch
commits.

prefz is designed to be embedded within services that keep small typed
settings in a store they do not own: a local file, Redis, NATS KV, Postgres,
etcd, Consul, ZooKeeper, Firestore or a Kubernetes ConfigMap. The store does the persistence;
prefz decides when it is queried, who is told about changes and in which
order a batch is applied.

# Basic Usage

Wrap a store:

	store := prefz.NewMemoryStore(nil)
	p := prefz.New(store)

Read a value once. Nothing touches the store until Get runs, and an absent
key yields the default:

	count, err := prefz.Read(p, "count", prefz.Int, 0).Get(ctx)

Observe a value. The subscriber gets the current value at once and a fresh
one after every change to the key:

	sub, err := prefz.Observe(p, "count", prefz.Int, 0).Subscribe(ctx, prefz.Funcs[int32]{
	    Next:  func(n int32) { fmt.Println("count is", n) },
	    Error: func(err error) { log.Println(err) },
	})
	defer sub.Cancel()

Commit a batch. Removes and clears are applied before puts:

	err := p.Edit().
	    PutInt("count", 5).
	    Remove("legacy").
	    Commit(ctx)

# Enums

Enums are stored either by name or by declared position:

	theme := prefz.ByName(Light, Dark, System)
	prefz.Set(p.Edit(), "theme", theme, Dark).Commit(ctx)
	t, err := prefz.Read(p, "theme", theme, System).Get(ctx)

# Scheduling

Store access and observer delivery run on Schedulers. Both default to
Immediate. A SerialScheduler pins all store access to one goroutine:

	access := prefz.NewSerialScheduler()
	defer access.Close()
	p := prefz.New(store, prefz.WithStoreScheduler(access))

# Observability

prefz emits capitan signals for subscription lifecycle, read failures and
commits, and reports to an optional MetricsProvider.

# Backends

Store implementations live in pkg/:

  - pkg/file: JSON or YAML document on disk, fsnotify for external edits
  - pkg/redis: hash plus pub/sub change channel
  - pkg/nats: JetStream key-value bucket
  - pkg/postgres: table plus LISTEN/NOTIFY
  - pkg/etcd: keys under a prefix, transactional commits
  - pkg/consul: KV prefix, blocking queries
  - pkg/zookeeper: single node, versioned writes
  - pkg/firestore: single document, realtime listeners
  - pkg/kubernetes: ConfigMap or Secret data

The package is built on top of:
  - capitan: For lifecycle events
  - pipz: For read retry, backoff, timeout, fallback and circuit breaking
  - clockz: For testable commit timing
*/
package prefz
