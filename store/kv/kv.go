// Package kv implements a profile archive backend using key-value storage.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micromdm/nanomc/store"

	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keyPfxInfo = "info."
	keyPfxRaw  = "raw."
)

// KV is a profile archive backend using key-value storage.
type KV struct {
	b kv.KeysPrefixTraversingBucket
}

func New(b kv.KeysPrefixTraversingBucket) *KV {
	return &KV{b: b}
}

// RetrieveInfos returns the profile metadata in the key-value store by name.
// Will return all metadata if no names were provided.
func (s *KV) RetrieveInfos(ctx context.Context, names []string) (map[string]store.Info, error) {
	if len(names) < 1 {
		for k := range s.b.KeysPrefix(ctx, keyPfxInfo, nil) {
			names = append(names, k[len(keyPfxInfo):])
		}
	}

	r := make(map[string]store.Info)
	for _, name := range names {
		raw, err := s.b.Get(ctx, keyPfxInfo+name)
		if errors.Is(err, kv.ErrKeyNotFound) {
			return r, fmt.Errorf("%w: %s: %v", store.ErrProfileNotFound, name, err)
		} else if err != nil {
			return r, err
		}

		var info store.Info
		if err = json.Unmarshal(raw, &info); err != nil {
			return r, fmt.Errorf("unmarshal info for %s: %w", name, err)
		}
		r[name] = info
	}
	return r, nil
}

// RetrieveRaw returns the raw profile bytes in the key-value store by name.
func (s *KV) RetrieveRaw(ctx context.Context, names []string) (map[string][]byte, error) {
	if len(names) < 1 {
		return nil, store.ErrNoNames
	}
	r := make(map[string][]byte)
	for _, name := range names {
		profile, err := s.b.Get(ctx, keyPfxRaw+name)
		if errors.Is(err, kv.ErrKeyNotFound) {
			return r, fmt.Errorf("%w: %s: %v", store.ErrProfileNotFound, name, err)
		} else if err != nil {
			return r, err
		}
		r[name] = profile
	}
	return r, nil
}

// Store archives a raw profile and associated info in the key-value store by name.
func (s *KV) Store(ctx context.Context, name string, info store.Info, raw []byte) error {
	infoJSON, err := json.Marshal(&info)
	if err != nil {
		return fmt.Errorf("marshal info for %s: %w", name, err)
	}
	return kv.SetMap(ctx, s.b, map[string][]byte{
		keyPfxInfo + name: infoJSON,
		keyPfxRaw + name:  raw,
	})
}

// Delete deletes a profile from the key-value store by name.
func (s *KV) Delete(ctx context.Context, name string) error {
	return kv.DeleteSlice(ctx, s.b, []string{
		keyPfxInfo + name,
		keyPfxRaw + name,
	})
}
