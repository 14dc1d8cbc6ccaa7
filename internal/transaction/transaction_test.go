package transaction

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIV(t *testing.T) {
	for _, chunkNo := range []uint32{0, 1, 42, 1 << 20} {
		iv := DeriveIV(chunkNo)
		var want [16]byte
		binary.LittleEndian.PutUint32(want[0:4], chunkNo)
		binary.LittleEndian.PutUint32(want[4:8], chunkNo)
		assert.Equal(t, want, iv, "chunk_no=%d", chunkNo)
		assert.Equal(t, [8]byte{}, [8]byte(iv[8:16]), "remainder must be zero")
	}
}

func TestDeriveSHA(t *testing.T) {
	chunkNo := uint32(12345)
	sha := DeriveSHA(chunkNo)
	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], chunkNo)
	assert.Equal(t, want, [4]byte(sha[0:4]))
	for _, b := range sha[4:] {
		assert.Zero(t, b)
	}
}

func TestPoolAllocRelease(t *testing.T) {
	p := NewPool(2)
	assert.Equal(t, 2, p.Capacity())

	tx1, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, 1, p.InUse())

	tx2, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, 2, p.InUse())
	assert.NotEqual(t, tx1.TransID, tx2.TransID)

	_, ok = p.Alloc()
	assert.False(t, ok, "pool must report exhaustion rather than block")

	p.Release(tx1)
	assert.Equal(t, 1, p.InUse())

	tx3, ok := p.Alloc()
	require.True(t, ok)
	assert.NotNil(t, tx3.Payload)
	assert.Len(t, tx3.Payload, MaxPayload)
}

func TestPoolReleaseWakesWaiter(t *testing.T) {
	p := NewPool(1)
	tx, ok := p.Alloc()
	require.True(t, ok)

	var wg sync.WaitGroup
	woke := make(chan struct{}, 1)
	p.OnRelease(func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Release(tx)
	}()
	wg.Wait()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("onRelease hook was not invoked")
	}
}

func TestPoolTrans_IDMonotonic(t *testing.T) {
	p := NewPool(1)
	var last uint64
	for i := 0; i < 5; i++ {
		tx, ok := p.Alloc()
		require.True(t, ok)
		assert.Greater(t, tx.TransID, last)
		last = tx.TransID
		p.Release(tx)
	}
}

func TestWaitOneRelease(t *testing.T) {
	p := NewPool(1)
	tx, ok := p.Alloc()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.waitOneRelease(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(tx)

	require.NoError(t, <-done)
}

func TestStatsString(t *testing.T) {
	var s Stats
	s.AddBytesTot(100)
	s.AddBytesRead(40)
	assert.Contains(t, s.String(), "bytes_tot=100")
	assert.Contains(t, s.String(), "bytes_read=40")
}
