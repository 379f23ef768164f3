package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

var (
	peerPrefix = []byte("peer:")
	roomPrefix = []byte("room:")
)

// PebbleStore keeps the directory in a pebble database so it survives restarts.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble directory at path.
func OpenPebble(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create directory store: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open directory store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) get(key []byte, v any, missing error) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return missing
	}
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	return json.Unmarshal(data, v)
}

func (s *PebbleStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *PebbleStore) del(key []byte, missing error) error {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return missing
	}
	if err != nil {
		return err
	}
	_ = closer.Close()
	return s.db.Delete(key, pebble.Sync)
}

// scan decodes every value under prefix in key order.
func (s *PebbleStore) scan(prefix []byte, fn func(data []byte) error) error {
	upper := append(bytes.Clone(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func peerKey(name string) []byte { return append(bytes.Clone(peerPrefix), name...) }
func roomKey(id string) []byte   { return append(bytes.Clone(roomPrefix), id...) }

func (s *PebbleStore) GetPeer(_ context.Context, name string) (*Peer, error) {
	var p Peer
	if err := s.get(peerKey(name), &p, ErrUnknownPeer); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PebbleStore) PutPeer(_ context.Context, p *Peer) error {
	return s.put(peerKey(p.Name), p)
}

func (s *PebbleStore) DeletePeer(_ context.Context, name string) error {
	return s.del(peerKey(name), ErrUnknownPeer)
}

func (s *PebbleStore) ListPeers(_ context.Context) ([]Peer, error) {
	var out []Peer
	err := s.scan(peerPrefix, func(data []byte) error {
		var p Peer
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *PebbleStore) GetRoom(_ context.Context, id string) (*Room, error) {
	var r Room
	if err := s.get(roomKey(id), &r, ErrUnknownRoom); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PebbleStore) PutRoom(_ context.Context, r *Room) error {
	return s.put(roomKey(r.ID), r)
}

func (s *PebbleStore) DeleteRoom(_ context.Context, id string) error {
	return s.del(roomKey(id), ErrUnknownRoom)
}

func (s *PebbleStore) ListRooms(_ context.Context) ([]Room, error) {
	var out []Room
	err := s.scan(roomPrefix, func(data []byte) error {
		var r Room
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}
