package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoopLockerNeverBlocks(t *testing.T) {
	var l DecisionLocker = NoopLocker{}
	release, err := l.Acquire(context.Background(), "proposal:1")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()

	again, err := l.Acquire(context.Background(), "proposal:1")
	require.NoError(t, err)
	again()
}

func TestNewRedisLockerDefaultsTTL(t *testing.T) {
	l := NewRedisLocker(nil, 0)
	require.Equal(t, 15*time.Second, l.ttl)
}
