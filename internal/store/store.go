package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orderdash/internal/faults"
)

// Entry is one cached response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	Hash32   uint32
}

// NewEntry builds an Entry stamped with now and the body checksum.
func NewEntry(status int, header http.Header, body []byte, now time.Time) Entry {
	return Entry{
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: now.UTC(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// PartitionInfo describes one live partition.
type PartitionInfo struct {
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time // zero until the first write
	Entries   int
}

type partitionMeta struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

var errNotFound = errors.New("not found")

// backend is the ordered key-value layer under a Store. Keys returns keys
// with the given prefix in ascending byte order.
type backend interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, puts map[string][]byte, dels []string) error
	Keys(ctx context.Context, prefix []byte) ([]string, error)
	DeletePrefix(ctx context.Context, prefix []byte) error
	Close() error
}

const (
	metaPrefix  = "p:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

func metaKey(partition string) string { return metaPrefix + partition }

func entryKeyPrefix(partition string) string { return entryPrefix + partition + keySep }

func entryKey(partition, key string) string { return entryKeyPrefix(partition) + key }

// Store is the persistent, partitioned cache store. Writes are last-write-wins.
type Store struct {
	kv     backend
	logger zerolog.Logger

	mu    sync.Mutex
	parts map[string]partitionMeta
}

func newStore(kv backend, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		kv:     kv,
		logger: logger.With().Str("component", "Store").Logger(),
		parts:  map[string]partitionMeta{},
	}
	if err := s.loadPartitions(context.Background()); err != nil {
		_ = kv.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadPartitions(ctx context.Context) error {
	keys, err := s.kv.Keys(ctx, []byte(metaPrefix))
	if err != nil {
		return faults.NewStoreIO("", "list partitions", err)
	}
	parts := make(map[string]partitionMeta, len(keys))
	for _, k := range keys {
		b, err := s.kv.Get(ctx, []byte(k))
		if err != nil {
			continue
		}
		var meta partitionMeta
		if err := decodeGob(b, &meta); err != nil {
			s.logger.Warn().Err(err).Str("partition", k).Msg("Skipping unreadable partition metadata.")
			continue
		}
		parts[strings.TrimPrefix(k, metaPrefix)] = meta
	}
	s.mu.Lock()
	s.parts = parts
	s.mu.Unlock()
	return nil
}

func validatePartition(name string) error {
	if name == "" || strings.Contains(name, keySep) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	return nil
}

// OpenPartition creates the partition if it does not exist yet.
func (s *Store) OpenPartition(ctx context.Context, name string) error {
	if err := validatePartition(name); err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.parts[name]
	s.mu.Unlock()
	if ok {
		return nil
	}
	meta := partitionMeta{CreatedAt: time.Now().UTC()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	if err := s.kv.Write(ctx, map[string][]byte{metaKey(name): mb}, nil); err != nil {
		return faults.NewStoreIO(name, "create partition", err)
	}
	s.mu.Lock()
	if _, ok := s.parts[name]; !ok {
		s.parts[name] = meta
	}
	s.mu.Unlock()
	s.logger.Debug().Str("partition", name).Msg("Partition created.")
	return nil
}

// Put stores ent under key, creating the partition on demand.
func (s *Store) Put(ctx context.Context, partition, key string, ent Entry) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	b, err := encodeGob(ent)
	if err != nil {
		return faults.NewStoreIO(key, "encode entry", err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	meta, ok := s.parts[partition]
	if !ok {
		meta.CreatedAt = now
	}
	if now.After(meta.UpdatedAt) {
		meta.UpdatedAt = now
	}
	s.parts[partition] = meta
	s.mu.Unlock()

	mb, err := encodeGob(meta)
	if err != nil {
		return faults.NewStoreIO(key, "encode partition metadata", err)
	}
	puts := map[string][]byte{
		entryKey(partition, key): b,
		metaKey(partition):       mb,
	}
	if err := s.kv.Write(ctx, puts, nil); err != nil {
		s.logger.Error().Err(err).Str("partition", partition).Str("key", key).Msg("Failed to write entry.")
		return faults.NewStoreIO(key, "write entry", err)
	}
	return nil
}

// Get returns a CacheMiss fault when the key is absent and a StoreIOFailure
// fault when the backend or decoding fails.
func (s *Store) Get(ctx context.Context, partition, key string) (Entry, error) {
	b, err := s.kv.Get(ctx, []byte(entryKey(partition, key)))
	if errors.Is(err, errNotFound) {
		return Entry{}, faults.NewMiss(key)
	}
	if err != nil {
		return Entry{}, faults.NewStoreIO(key, "read entry", err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, faults.NewStoreIO(key, "decode entry", err)
	}
	return ent, nil
}

func (s *Store) Evict(ctx context.Context, partition, key string) error {
	if err := s.kv.Write(ctx, nil, []string{entryKey(partition, key)}); err != nil {
		return faults.NewStoreIO(key, "evict entry", err)
	}
	return nil
}

// Keys lists the keys of partition in ascending order.
func (s *Store) Keys(ctx context.Context, partition string) ([]string, error) {
	prefix := entryKeyPrefix(partition)
	raw, err := s.kv.Keys(ctx, []byte(prefix))
	if err != nil {
		return nil, faults.NewStoreIO("", "list keys", err)
	}
	out := make([]string, len(raw))
	for i, k := range raw {
		out[i] = strings.TrimPrefix(k, prefix)
	}
	return out, nil
}

// Partitions lists every known partition with its entry count, sorted by name.
func (s *Store) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	s.mu.Lock()
	infos := make([]PartitionInfo, 0, len(s.parts))
	for name, meta := range s.parts {
		infos = append(infos, PartitionInfo{Name: name, CreatedAt: meta.CreatedAt, UpdatedAt: meta.UpdatedAt})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	for i := range infos {
		keys, err := s.Keys(ctx, infos[i].Name)
		if err != nil {
			return nil, err
		}
		infos[i].Entries = len(keys)
	}
	return infos, nil
}

// DeletePartition removes the partition and all of its entries.
func (s *Store) DeletePartition(ctx context.Context, name string) error {
	if err := s.kv.DeletePrefix(ctx, []byte(entryKeyPrefix(name))); err != nil {
		return faults.NewStoreIO(name, "delete partition entries", err)
	}
	if err := s.kv.Write(ctx, nil, []string{metaKey(name)}); err != nil {
		return faults.NewStoreIO(name, "delete partition", err)
	}
	s.mu.Lock()
	delete(s.parts, name)
	s.mu.Unlock()
	return nil
}

// Activate deletes every partition whose name is not in valid and returns
// the names it deleted. Orphan entries without metadata are purged too.
func (s *Store) Activate(ctx context.Context, valid ...string) ([]string, error) {
	keep := make(map[string]bool, len(valid))
	for _, v := range valid {
		keep[v] = true
	}

	names, err := s.partitionNamesOnDisk(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := s.DeletePartition(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		s.logger.Info().Strs("deleted", deleted).Msg("Removed outdated partitions.")
	}
	return deleted, nil
}

// Clear deletes all partitions unconditionally.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.Activate(ctx)
	return err
}

// partitionNamesOnDisk unions partitions known by metadata with partitions
// that only have entries left behind.
func (s *Store) partitionNamesOnDisk(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	s.mu.Lock()
	for name := range s.parts {
		seen[name] = struct{}{}
	}
	s.mu.Unlock()

	keys, err := s.kv.Keys(ctx, []byte(entryPrefix))
	if err != nil {
		return nil, faults.NewStoreIO("", "list entries", err)
	}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, entryPrefix)
		if i := strings.Index(rest, keySep); i > 0 {
			seen[rest[:i]] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error {
	return s.kv.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
