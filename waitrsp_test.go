package serial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newWaitResponse(t *testing.T, f *fakeTransport) *WaitResponsePort {
	t.Helper()
	w := NewWaitResponsePort(f)
	w.SetReadInterval(time.Millisecond)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWaitResponse_CollectsAndClampsToCapacity(t *testing.T) {
	f := newFake("/dev/fake-wr0", true)
	w := newWaitResponse(t, f)
	f.setOnWrite(func([]byte) {
		f.feedAfter(10*time.Millisecond, []byte{0x01, 0x02})
		f.feedAfter(50*time.Millisecond, []byte{0x03, 0x04, 0x05})
	})

	start := time.Now()
	resp, err := w.WriteWaitRsp(context.Background(), []byte{0xAA}, WithTimeout(100*time.Millisecond), WithCapacity(4))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, 4, resp.Size)
	require.Len(t, resp.Data, 4)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, resp.Bytes())
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 400*time.Millisecond)
}

func TestWaitResponse_TimeoutIsNotAnError(t *testing.T) {
	f := newFake("/dev/fake-wr1", true)
	w := newWaitResponse(t, f)

	start := time.Now()
	resp, err := w.WriteWaitRsp(context.Background(), []byte("ping"), WithTimeout(50*time.Millisecond))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Zero(t, resp.Size)
	require.Empty(t, resp.Bytes())
	require.Len(t, resp.Data, DefaultMaxReadSize)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 350*time.Millisecond)
}

func TestWaitResponse_ConcurrentCallersDoNotInterleave(t *testing.T) {
	f := newFake("/dev/fake-wr2", true)
	w := newWaitResponse(t, f)
	f.setOnWrite(echo(f, 5*time.Millisecond))

	const window = 80 * time.Millisecond
	reqs := [][]byte{[]byte("AAAA"), []byte("BBBB")}
	resps := make([]Response, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := w.WriteWaitRsp(context.Background(), reqs[i], WithTimeout(window))
			require.NoError(t, err)
			resps[i] = r
		}(i)
	}
	wg.Wait()

	for i := range reqs {
		require.Equal(t, reqs[i], resps[i].Bytes())
	}
	_, times := f.written()
	require.Len(t, times, 2)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), window)
}

func TestWaitResponse_WriteAllInOrder(t *testing.T) {
	for _, counts := range []bool{true, false} {
		f := newFake("/dev/fake-wr3", counts)
		w := newWaitResponse(t, f)
		f.setOnWrite(echo(f, 2*time.Millisecond))

		reqs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
		resps, err := w.WriteAllWaitRsp(context.Background(), reqs, WithTimeout(40*time.Millisecond))
		require.NoError(t, err)
		require.Len(t, resps, 3)
		for i := range reqs {
			require.Equal(t, reqs[i], resps[i].Bytes(), "counts=%v request %d", counts, i)
		}

		_, times := f.written()
		require.GreaterOrEqual(t, times[1].Sub(times[0]), 40*time.Millisecond)
		require.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
	}
}

func TestWaitResponse_BlindModeKeepsSession(t *testing.T) {
	f := newFake("/dev/fake-wr4", false)
	w := newWaitResponse(t, f)
	f.setOnWrite(echo(f, 2*time.Millisecond))

	resp, err := w.WriteWaitRsp(context.Background(), []byte("hi"), WithTimeout(30*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), resp.Bytes())
	require.True(t, w.poller.Running())

	// bytes arriving between windows are not attributed to the next request
	f.setOnWrite(nil)
	f.feed([]byte("stray"))
	time.Sleep(20 * time.Millisecond)
	resp, err = w.WriteWaitRsp(context.Background(), []byte("x"), WithTimeout(30*time.Millisecond))
	require.NoError(t, err)
	require.Zero(t, resp.Size)
}

func TestWaitResponse_CountingModeStopsBetweenCycles(t *testing.T) {
	f := newFake("/dev/fake-wr5", true)
	w := newWaitResponse(t, f)

	_, err := w.WriteWaitRsp(context.Background(), []byte("a"), WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	require.False(t, w.poller.Running())
}

func TestWaitResponse_WriteErrorIsScopedToCycle(t *testing.T) {
	f := newFake("/dev/fake-wr6", true)
	w := newWaitResponse(t, f)

	boom := errors.New("line down")
	f.setWriteErr(boom)
	resp, err := w.WriteWaitRsp(context.Background(), []byte("a"), WithTimeout(10*time.Millisecond))
	require.ErrorIs(t, err, boom)
	require.Zero(t, resp.Size)

	f.setWriteErr(nil)
	f.setOnWrite(echo(f, time.Millisecond))
	resp, err = w.WriteWaitRsp(context.Background(), []byte("b"), WithTimeout(30*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), resp.Bytes())
}

func TestWaitResponse_WriteAllStopsAtFirstError(t *testing.T) {
	f := newFake("/dev/fake-wr7", true)
	w := newWaitResponse(t, f)
	boom := errors.New("line down")
	f.setWriteErr(boom)

	resps, err := w.WriteAllWaitRsp(context.Background(), [][]byte{[]byte("a"), []byte("b")}, WithTimeout(10*time.Millisecond))
	require.ErrorIs(t, err, boom)
	require.Len(t, resps, 1)
}

func TestWaitResponse_ContextCancelEndsWindow(t *testing.T) {
	f := newFake("/dev/fake-wr8", true)
	w := newWaitResponse(t, f)
	f.setOnWrite(echo(f, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	start := time.Now()
	resp, err := w.WriteWaitRsp(ctx, []byte("abc"), WithTimeout(time.Second))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, []byte("abc"), resp.Bytes())
}

func TestWaitResponse_WriteOnlyWaitsForCycle(t *testing.T) {
	f := newFake("/dev/fake-wr9", true)
	w := newWaitResponse(t, f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.WriteWaitRsp(context.Background(), []byte("req"), WithTimeout(60*time.Millisecond))
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Write(context.Background(), []byte("cmd")))
	<-done

	writes, times := f.written()
	require.Equal(t, [][]byte{[]byte("req"), []byte("cmd")}, writes)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 60*time.Millisecond)
}

func TestWaitResponse_CloseWaitsForCycle(t *testing.T) {
	f := newFake("/dev/fake-wr10", true)
	reg := NewRegistry(WithOpener(func(Config) (Transport, error) { return f, nil }))
	w, err := OpenWaitResponse(reg, Config{Device: f.Path()})
	require.NoError(t, err)
	f.setOnWrite(echo(f, time.Millisecond))

	var resp Response
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, _ = w.WriteWaitRsp(context.Background(), []byte("last"), WithTimeout(80*time.Millisecond))
	}()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	require.NoError(t, w.Close())
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cycle did not finish")
	}
	require.Equal(t, []byte("last"), resp.Bytes())
	require.True(t, f.isClosed())
	require.Zero(t, reg.Len())

	_, err = w.WriteWaitRsp(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, w.Write(context.Background(), []byte("x")), ErrClosed)
	require.NoError(t, w.Close())
}

func TestWaitResponse_AcquireHonorsContext(t *testing.T) {
	f := newFake("/dev/fake-wr11", true)
	w := newWaitResponse(t, f)

	go w.WriteWaitRsp(context.Background(), []byte("long"), WithTimeout(150*time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.WriteWaitRsp(ctx, []byte("queued"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponse_EqualIgnoresCapacity(t *testing.T) {
	a := Response{Data: []byte{1, 2, 0, 0}, Size: 2}
	b := Response{Data: []byte{1, 2, 9, 9, 9, 9}, Size: 2}
	c := Response{Data: []byte{1, 3}, Size: 2}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(Response{Data: []byte{1}, Size: 1}))
}
