package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBOptions tunes the on-disk backend. Zero values use leveldb defaults.
type LevelDBOptions struct {
	WriteBuffer int64
	BlockCache  int64
}

type levelBackend struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a Store backed by a leveldb directory.
func OpenLevelDB(path string, o LevelDBOptions, logger zerolog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer:        int(o.WriteBuffer),
		BlockCacheCapacity: int(o.BlockCache),
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", path).Msg("Opened leveldb cache store.")
	return newStore(&levelBackend{db: db}, logger)
}

func (b *levelBackend) Get(_ context.Context, key []byte) ([]byte, error) {
	v, err := b.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errNotFound
	}
	return v, err
}

func (b *levelBackend) Write(_ context.Context, puts map[string][]byte, dels []string) error {
	batch := new(leveldb.Batch)
	for k, v := range puts {
		batch.Put([]byte(k), v)
	}
	for _, k := range dels {
		batch.Delete([]byte(k))
	}
	return b.db.Write(batch, nil)
}

func (b *levelBackend) Keys(_ context.Context, prefix []byte) ([]string, error) {
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *levelBackend) DeletePrefix(_ context.Context, prefix []byte) error {
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	return b.db.Write(batch, nil)
}

func (b *levelBackend) Close() error {
	return b.db.Close()
}
