/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/store"
	"github.com/acronis/go-resilience/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	suite.Run(t, storetest.New(func(c clock.Clock) (store.Store, func()) {
		s := NewWithOpts(Options{Clock: c})
		return s, func() { _ = s.Close() }
	}))
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	val := []byte("abc")
	require.NoError(t, s.Put(ctx, store.Item{Key: "k", Value: val, Attrs: map[string]string{"a": "1"}}))
	val[0] = 'x'

	got, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("abc"), got.Value)

	got.Attrs["a"] = "2"
	got2, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "1", got2.Attrs["a"])
}

func TestStore_GetRemovesExpired(t *testing.T) {
	ctx := context.Background()
	c := clock.NewMock(time.Time{})
	s := NewWithOpts(Options{Clock: c})
	require.NoError(t, s.Put(ctx, store.Item{Key: "k", Value: []byte("v"), ExpiresAt: c.Now().Add(time.Second)}))
	require.Equal(t, 1, s.Len())
	c.Add(time.Second)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 0, s.Len())
}
