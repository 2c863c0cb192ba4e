// Package pipelinetest provides in-memory implementations of the pipeline's
// collaborator interfaces for use in tests.
package pipelinetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
)

// Message is one payload recorded by Bus.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

// Bus records every published message. Fail, when set, is consulted before
// recording and may reject a publish.
type Bus struct {
	mu       sync.Mutex
	messages []Message
	Fail     func(topic string) error
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Publish(_ context.Context, topic, key string, payload any) error {
	if b.Fail != nil {
		if err := b.Fail(topic); err != nil {
			return err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.messages = append(b.messages, Message{Topic: topic, Key: key, Payload: data})
	b.mu.Unlock()
	return nil
}

// Messages returns the messages published to topic, in publish order.
func (b *Bus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Decode unmarshals every message on topic into T.
func Decode[T any](b *Bus, topic string) []T {
	msgs := b.Messages(topic)
	out := make([]T, 0, len(msgs))
	for _, m := range msgs {
		var v T
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			panic(fmt.Sprintf("decoding %s payload: %v", topic, err))
		}
		out = append(out, v)
	}
	return out
}

type entry struct {
	value   []byte
	version int64
	expires time.Time
}

// Store is a versioned in-memory state store. BeforeCAS runs inside
// CompareAndSwap before the version check, letting tests simulate a
// concurrent writer.
type Store struct {
	mu        sync.Mutex
	data      map[string]entry
	sets      map[string]map[int]struct{}
	next      int64
	BeforeCAS func(key string)
}

func NewStore() *Store {
	return &Store{
		data: make(map[string]entry),
		sets: make(map[string]map[int]struct{}),
	}
}

func (s *Store) Get(_ context.Context, key string) (pipeline.Versioned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return pipeline.Versioned{}, nil
	}
	return pipeline.Versioned{
		Value:   append([]byte(nil), e.value...),
		Version: strconv.FormatInt(e.version, 10),
		Found:   true,
	}, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, 0)
	return nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, value []byte, version string) error {
	if s.BeforeCAS != nil {
		s.BeforeCAS(key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || strconv.FormatInt(e.version, 10) != version {
		return fmt.Errorf("%w: %s", apperrors.ErrConcurrencyConflict, key)
	}
	s.put(key, value, 0)
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.sets, key)
	return nil
}

// AddAndCount adds member to the set at key and returns whether it was new
// together with the set's size after the add.
func (s *Store) AddAndCount(_ context.Context, key string, member int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[int]struct{})
		s.sets[key] = set
	}
	_, exists := set[member]
	set[member] = struct{}{}
	return !exists, len(set), nil
}

// Has reports whether key currently holds a value.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key)
	return ok
}

// Keys returns the live keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if _, ok := s.lookup(k); ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key string, value []byte, ttl time.Duration) {
	s.next++
	e := entry{value: append([]byte(nil), value...), version: s.next}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.data[key] = e
}

// Blobs is an in-memory object store.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes int
}

func NewBlobs() *Blobs {
	return &Blobs{objects: make(map[string][]byte)}
}

func (b *Blobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", apperrors.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (b *Blobs) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *Blobs) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Blobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	b.deletes++
	return nil
}

// Len returns the number of stored objects.
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Secrets is a fixed secret map.
type Secrets map[string]string

func (s Secrets) Secret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: secret %s", apperrors.ErrNotFound, name)
	}
	return v, nil
}
