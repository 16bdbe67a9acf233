// Package kubernetes provides a prefz.Store backed by a Kubernetes ConfigMap
// or Secret. Every preference is one data key of the object; commits are
// optimistic updates retried on conflict, and changes are picked up with the
// Watch API.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// retryDelay is how long the change feed waits after a failed read or watch.
var retryDelay = time.Second

// ResourceType specifies the type of Kubernetes resource backing the store.
type ResourceType int

const (
	// ConfigMap stores preferences in a ConfigMap.
	ConfigMap ResourceType = iota
	// Secret stores preferences in a Secret.
	Secret
)

// Store keeps preferences in the data of one ConfigMap or Secret, encoded
// in prefz's JSON wire form. The object is created on the first commit.
type Store struct {
	client    kubernetes.Interface
	namespace string
	name      string
	res       resource
	registry  *prefz.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithResourceType sets the resource type.
// Defaults to ConfigMap.
func WithResourceType(rt ResourceType) Option {
	return func(s *Store) {
		if rt == Secret {
			s.res = secrets{s}
		} else {
			s.res = configMaps{s}
		}
	}
}

// New creates a Store for the named object.
func New(client kubernetes.Interface, namespace, name string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		namespace: namespace,
		name:      name,
	}
	s.res = configMaps{s}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = prefz.NewRegistry(s.watch)
	return s
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	data, _, err := s.res.get(ctx)
	if err != nil {
		return prefz.Value{}, false, err
	}
	raw, ok := data[key]
	if !ok {
		return prefz.Value{}, false, nil
	}
	var v prefz.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return prefz.Value{}, false, fmt.Errorf("kubernetes: decode %q: %w", key, err)
	}
	if err := prefz.CheckKind(key, kind, v); err != nil {
		return prefz.Value{}, false, err
	}
	return v, true, nil
}

// Contains implements prefz.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	data, _, err := s.res.get(ctx)
	if err != nil {
		return false, err
	}
	_, ok := data[key]
	return ok, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	data, _, err := s.res.get(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]prefz.Value, len(data))
	for k, raw := range data {
		var v prefz.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("kubernetes: decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Commit implements prefz.Store. The whole batch is one update of the
// object, retried from a fresh read when the resource version moved.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	encoded := make(map[int]string, len(edits))
	for i, e := range edits {
		if e.Op != prefz.OpPut {
			continue
		}
		data, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("kubernetes: encode %q: %w", e.Key, err)
		}
		encoded[i] = string(data)
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		data, version, err := s.res.get(ctx)
		if err != nil {
			return err
		}
		next := maps.Clone(data)
		if next == nil {
			next = make(map[string]string)
		}
		for i, e := range edits {
			switch e.Op {
			case prefz.OpPut:
				next[e.Key] = encoded[i]
			case prefz.OpRemove:
				delete(next, e.Key)
			case prefz.OpClear:
				clear(next)
			}
		}
		return s.res.put(ctx, next, version)
	})
	if err != nil {
		return fmt.Errorf("kubernetes: commit: %w", err)
	}
	return nil
}

// RegisterListener implements prefz.Store.
func (s *Store) RegisterListener(l prefz.Listener) prefz.ListenerID {
	return s.registry.Register(l)
}

// UnregisterListener implements prefz.Store.
func (s *Store) UnregisterListener(id prefz.ListenerID) {
	s.registry.Unregister(id)
}

// watch starts the change feed. The object is read once up front and every
// watch event is diffed against the last known data. When the watch ends or
// fails the object is read again, changes since the last known data are
// reported, and a new watch starts from the fresh version. Failures are
// retried after retryDelay.
func (s *Store) watch() func() {
	ctx, cancel := context.WithCancel(context.Background())

	var w watch.Interface
	known, version, err := s.res.get(ctx)
	synced := err == nil
	if err == nil {
		w, err = s.res.watch(ctx, version)
	}

	go func() {
		for {
			if err == nil {
				known = s.follow(ctx, w, known)
			}
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.feedFailed(err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
			}

			var data map[string]string
			if data, version, err = s.res.get(ctx); err != nil {
				continue
			}
			if synced {
				s.notify(known, data)
			} else {
				// Nothing was ever read; every key may have changed.
				s.registry.Notify(prefz.Notification{All: true})
				synced = true
			}
			known = data
			w, err = s.res.watch(ctx, version)
		}
	}()

	return cancel
}

// follow consumes watch events until the watch ends and returns the last
// known data.
func (s *Store) follow(ctx context.Context, w watch.Interface, known map[string]string) map[string]string {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return known
		case event, ok := <-w.ResultChan():
			if !ok {
				return known
			}
			var data map[string]string
			switch event.Type {
			case watch.Added, watch.Modified:
				name, d, ok := s.res.extract(event.Object)
				if !ok || name != s.name {
					continue
				}
				data = d
			case watch.Deleted:
				name, _, ok := s.res.extract(event.Object)
				if !ok || name != s.name {
					continue
				}
			default:
				return known
			}
			s.notify(known, data)
			known = data
		}
	}
}

// notify reports every key whose raw value differs between two snapshots.
func (s *Store) notify(before, after map[string]string) {
	for k, v := range after {
		if prev, ok := before[k]; !ok || prev != v {
			s.registry.Notify(prefz.Notification{Key: k})
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			s.registry.Notify(prefz.Notification{Key: k})
		}
	}
}

func (s *Store) feedFailed(err error) {
	capitan.Emit(context.Background(), prefz.StoreFeedFailed,
		prefz.KeyBackend.Field("kubernetes"),
		prefz.KeyError.Field(err.Error()),
	)
}

func (s *Store) watchOptions(version string) metav1.ListOptions {
	return metav1.ListOptions{
		FieldSelector:   fields.OneTermEqualSelector("metadata.name", s.name).String(),
		ResourceVersion: version,
	}
}

// resource abstracts the object kind holding the data.
type resource interface {
	// get returns the object's data and resource version. A missing object
	// reads as empty data with an empty version.
	get(ctx context.Context) (map[string]string, string, error)

	// put writes data, creating the object when version is empty.
	put(ctx context.Context, data map[string]string, version string) error

	watch(ctx context.Context, version string) (watch.Interface, error)

	extract(obj any) (name string, data map[string]string, ok bool)
}

type configMaps struct{ s *Store }

func (r configMaps) get(ctx context.Context) (map[string]string, string, error) {
	cm, err := r.s.client.CoreV1().ConfigMaps(r.s.namespace).Get(ctx, r.s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return map[string]string{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("kubernetes: get configmap %s/%s: %w", r.s.namespace, r.s.name, err)
	}
	return maps.Clone(cm.Data), cm.ResourceVersion, nil
}

func (r configMaps) put(ctx context.Context, data map[string]string, version string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:            r.s.name,
			Namespace:       r.s.namespace,
			ResourceVersion: version,
		},
		Data: data,
	}
	api := r.s.client.CoreV1().ConfigMaps(r.s.namespace)
	if version == "" {
		_, err := api.Create(ctx, cm, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			// Lost a race with another creator; retry as an update.
			return apierrors.NewConflict(corev1.Resource("configmaps"), r.s.name, err)
		}
		return err
	}
	_, err := api.Update(ctx, cm, metav1.UpdateOptions{})
	return err
}

func (r configMaps) watch(ctx context.Context, version string) (watch.Interface, error) {
	return r.s.client.CoreV1().ConfigMaps(r.s.namespace).Watch(ctx, r.s.watchOptions(version))
}

func (configMaps) extract(obj any) (string, map[string]string, bool) {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		return "", nil, false
	}
	return cm.Name, maps.Clone(cm.Data), true
}

type secrets struct{ s *Store }

func (r secrets) get(ctx context.Context) (map[string]string, string, error) {
	secret, err := r.s.client.CoreV1().Secrets(r.s.namespace).Get(ctx, r.s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return map[string]string{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("kubernetes: get secret %s/%s: %w", r.s.namespace, r.s.name, err)
	}
	return fromBytes(secret.Data), secret.ResourceVersion, nil
}

func (r secrets) put(ctx context.Context, data map[string]string, version string) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:            r.s.name,
			Namespace:       r.s.namespace,
			ResourceVersion: version,
		},
		Data: toBytes(data),
	}
	api := r.s.client.CoreV1().Secrets(r.s.namespace)
	if version == "" {
		_, err := api.Create(ctx, secret, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return apierrors.NewConflict(corev1.Resource("secrets"), r.s.name, err)
		}
		return err
	}
	_, err := api.Update(ctx, secret, metav1.UpdateOptions{})
	return err
}

func (r secrets) watch(ctx context.Context, version string) (watch.Interface, error) {
	return r.s.client.CoreV1().Secrets(r.s.namespace).Watch(ctx, r.s.watchOptions(version))
}

func (secrets) extract(obj any) (string, map[string]string, bool) {
	secret, ok := obj.(*corev1.Secret)
	if !ok {
		return "", nil, false
	}
	return secret.Name, fromBytes(secret.Data), true
}

func fromBytes(in map[string][]byte) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = string(v)
	}
	return out
}

func toBytes(in map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = []byte(v)
	}
	return out
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
