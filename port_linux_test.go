//go:build linux

package serial

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

// openPty opens a pty pair and a Port on its slave side.
func openPty(t *testing.T) (*os.File, *Port) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	port, err := OpenPort(Config{Device: slave.Name(), BaudRate: 115200})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return master, port
}

func TestPort_BasicRead(t *testing.T) {
	master, port := openPty(t)

	_, err := master.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	var got []byte
	deadline := time.Now().Add(time.Second)
	for len(got) < 5 && time.Now().Before(deadline) {
		n, err := port.ReadTimeout(buf, 50*time.Millisecond)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, "hello", string(got))
}

func TestPort_ReadTimeoutExpires(t *testing.T) {
	_, port := openPty(t)

	start := time.Now()
	n, err := port.ReadTimeout(make([]byte, 8), 20*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, n)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPort_Available(t *testing.T) {
	master, port := openPty(t)

	n, err := port.Available()
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = master.Write([]byte("abc"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := port.Available()
		return err == nil && n == 3
	}, time.Second, 5*time.Millisecond)
	require.True(t, port.CountsAvailable())
}

func TestPort_Write(t *testing.T) {
	master, port := openPty(t)

	line := "testline\r\n"
	n, err := port.Write([]byte(line))
	require.NoError(t, err)
	require.Equal(t, len(line), n)

	buf := make([]byte, len(line))
	n, err = master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, line, string(buf[:n]))
}

func TestPort_CloseUnblocksRead(t *testing.T) {
	_, port := openPty(t)

	errs := make(chan error, 1)
	go func() {
		_, err := port.ReadTimeout(make([]byte, 8), 5*time.Second)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, port.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ReadTimeout to return after Close")
	}
	require.NoError(t, port.Close())

	_, err := port.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = port.Available()
	require.ErrorIs(t, err, ErrClosed)
}

func TestPort_CloseWhileInUse(t *testing.T) {
	master, port := openPty(t)
	go io.Copy(io.Discard, master)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	use := func(op func() error) {
		defer wg.Done()
		for {
			if err := op(); err != nil {
				errs <- err
				return
			}
		}
	}
	wg.Add(3)
	go use(func() error { _, err := port.Available(); return err })
	go use(func() error { _, err := port.ReadTimeout(make([]byte, 8), time.Millisecond); return err })
	go use(func() error { _, err := port.Write([]byte("x")); return err })

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, port.Close())

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("port users did not observe Close")
	}
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, ErrClosed)
	}
}

func TestPort_ErrorOnDisconnect(t *testing.T) {
	master, port := openPty(t)

	// Simulate device disconnect by closing master
	require.NoError(t, master.Close())

	_, err := port.ReadTimeout(make([]byte, 8), 100*time.Millisecond)
	require.Error(t, err)
}

func TestOpenPort_Errors(t *testing.T) {
	_, err := OpenPort(Config{Device: "/dev/does-not-exist-easyserial"})
	require.ErrorIs(t, err, ErrOpenFailed)

	_, err = OpenPort(Config{Device: "/dev/null", BaudRate: 1234})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWaitResponse_OverPty(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	reg := NewRegistry()
	t.Cleanup(func() { reg.CloseAll() })
	w, err := OpenWaitResponse(reg, Config{Device: slave.Name(), ReadInterval: time.Millisecond})
	require.NoError(t, err)

	// master acts as the device and answers every request
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := master.Read(buf)
			if err != nil {
				return
			}
			master.Write(append([]byte("OK:"), buf[:n]...))
		}
	}()

	resp, err := w.WriteWaitRsp(context.Background(), []byte("ping"), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, "OK:ping", string(resp.Bytes()))
}

func TestKeepReceive_OverPty(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	reg := NewRegistry()
	t.Cleanup(func() { reg.CloseAll() })
	k, err := OpenKeepReceive[string](reg, Config{Device: slave.Name(), ReadInterval: time.Millisecond})
	require.NoError(t, err)
	k.SetDecoder(NewPatternDecoder("$", "\n"))

	lines := make(chan string, 4)
	_, err = k.AddSubscriberFunc(func(s string) { lines <- s })
	require.NoError(t, err)

	_, err = master.Write([]byte("junk$GPS,1\n$G"))
	require.NoError(t, err)
	_, err = master.Write([]byte("PS,2\n"))
	require.NoError(t, err)

	for _, want := range []string{"$GPS,1\n", "$GPS,2\n"} {
		select {
		case got := <-lines:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}
