// Package test exercises a profile archive backend against expected behavior.
package test

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/micromdm/nanomc/store"
)

func TestStorage(t *testing.T, newStorage func() store.Storage) {
	s := newStorage()
	ctx := context.Background()

	info := store.Info{
		Identifier:  "com.example.test",
		UUID:        "01FEBD58-42B6-4167-BF37-95E14D8F2D26",
		Version:     1,
		DisplayName: "Test Profile",
	}
	raw := []byte("profile-bytes")

	err := s.Store(ctx, "test", info, raw)
	if err != nil {
		t.Fatal(err)
	}

	infos, err := s.RetrieveInfos(ctx, []string{"test"})
	if err != nil {
		t.Fatal(err)
	}

	info2, ok := infos["test"]
	if !ok {
		t.Error("key not found after retrieval")
	}

	if !reflect.DeepEqual(info, info2) {
		t.Error("info not equal")
	}

	// test with no names (should return all)
	infos, err = s.RetrieveInfos(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	info2, ok = infos["test"]
	if !ok {
		t.Error("key not found after retrieval (retrieving all keys)")
	}

	if !reflect.DeepEqual(info, info2) {
		t.Error("info not equal")
	}

	raws, err := s.RetrieveRaw(ctx, []string{"test"})
	if err != nil {
		t.Fatal(err)
	}

	raw2, ok := raws["test"]
	if !ok {
		t.Error("key not found after retrieval")
	}

	if !bytes.Equal(raw, raw2) {
		t.Error("raw not equal")
	}

	raws, err = s.RetrieveRaw(ctx, []string{})
	if len(raws) > 0 {
		t.Error("should not return any profiles when using no names")
	}
	if !errors.Is(err, store.ErrNoNames) {
		t.Fatal("expected ErrNoNames")
	}

	err = s.Delete(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.RetrieveInfos(ctx, []string{"test"})
	if !errors.Is(err, store.ErrProfileNotFound) {
		t.Fatal("expected ErrProfileNotFound")
	}
}
