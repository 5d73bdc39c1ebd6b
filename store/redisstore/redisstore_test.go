/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/store"
	"github.com/acronis/go-resilience/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	suite.Run(t, storetest.New(func(c clock.Clock) (store.Store, func()) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s := New(client, Options{KeyPrefix: "test:", Clock: c})
		return s, func() {
			_ = s.Close()
			mr.Close()
		}
	}))
}

func TestStore_KeyPrefixAndServerTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, Options{KeyPrefix: "gov:"})
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Put(ctx, store.Item{
		Key: "k", Value: []byte("v"), Attrs: map[string]string{"status": "pending"}, ExpiresAt: time.Now().Add(time.Minute),
	}))
	require.True(t, mr.Exists("gov:k"))
	require.Equal(t, "v", mr.HGet("gov:k", "v"))
	require.Equal(t, "pending", mr.HGet("gov:k", "a:status"))
	require.Greater(t, mr.TTL("gov:k"), time.Duration(0))

	mr.FastForward(2 * time.Minute)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_ErrorsAreClassified(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := New(client, Options{})
	defer func() { _ = s.Close() }()

	require.NoError(t, client.Ping(ctx).Err()) // Establish the pooled connection before injecting errors.
	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, _, err := s.Get(ctx, "k")
	require.Error(t, err)
	require.ErrorIs(t, err, fault.ErrBackingStore)
	require.Equal(t, fault.KindServiceUnavailable, fault.KindOf(err))
	require.True(t, fault.IsSevere(err))
	mr.SetError("")

	require.NoError(t, mr.Set("plain", "string"))
	_, _, err = s.Get(ctx, "plain")
	require.Error(t, err)
	require.Equal(t, fault.KindSerialization, fault.KindOf(err))
	require.False(t, fault.IsSevere(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{name: "closed", err: redis.ErrClosed, want: fault.KindServiceUnavailable},
		{name: "pool timeout", err: redis.ErrPoolTimeout, want: fault.KindConnectionTimeout},
		{name: "deadline", err: context.DeadlineExceeded, want: fault.KindConnectionTimeout},
		{name: "unknown transport", err: errors.New("broken pipe"), want: fault.KindServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
