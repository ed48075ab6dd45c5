package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Put(context.Background(), "k", []byte("v"), 0))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestKVRoundTripAndOverwrite(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("one"), 0))
	require.NoError(t, s.Put(ctx, "a", []byte("two"), 0))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, "a"))
}

func TestKVRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	assert.Error(t, s.Put(ctx, "", []byte("x"), 0))
	assert.Error(t, s.Put(ctx, "k", []byte("x"), -time.Second))
}

func TestKVExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := tempStore(t, WithClock(clock.Now))

	require.NoError(t, s.Put(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, s.Put(ctx, "forever", []byte("y"), 0))

	_, err := s.Get(ctx, "short")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "y", string(got))
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.PutTx(ctx, tx, "k", []byte("v"), 0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInTxSerializesReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	const perHandle = 20
	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		for range perHandle {
			wg.Add(1)
			go func(s *Store) {
				defer wg.Done()
				err := s.InTx(ctx, func(tx *sql.Tx) error {
					cur, err := s.GetTx(ctx, tx, "counter")
					if errors.Is(err, ErrNotFound) {
						cur = []byte{0}
					} else if err != nil {
						return err
					}
					return s.PutTx(ctx, tx, "counter", []byte{cur[0] + 1}, 0)
				})
				assert.NoError(t, err)
			}(s)
		}
	}
	wg.Wait()

	got, err := a.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, byte(2*perHandle), got[0])
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := tempStore(t, WithClock(clock.Now))

	ok, err := s.AcquireLease(ctx, "sweep", "p1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "sweep", "p2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be stolen")

	ok, err = s.AcquireLease(ctx, "sweep", "p1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews")

	clock.Advance(2 * time.Minute)
	ok, err = s.AcquireLease(ctx, "sweep", "p2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")

	require.NoError(t, s.ReleaseLease(ctx, "sweep", "p1"))
	ok, err = s.AcquireLease(ctx, "sweep", "p1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-owner is a no-op")

	require.NoError(t, s.ReleaseLease(ctx, "sweep", "p2"))
	ok, err = s.AcquireLease(ctx, "sweep", "p1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{1.5, -2, 0, 3.25}
	assert.Equal(t, v, DecodeVector(EncodeVector(v)))
	assert.Nil(t, EncodeVector(nil))
	assert.Nil(t, DecodeVector([]byte{1, 2}))
}

func TestTimeFormatOrdersLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 5, time.UTC)
	b := a.Add(time.Second)
	assert.Less(t, FormatTime(a), FormatTime(b))
	assert.True(t, ParseTime(FormatTime(a)).Equal(a))
	assert.True(t, ParseTime("garbage").IsZero())
	assert.True(t, ParseNullTime(sql.NullString{}).IsZero())
}
