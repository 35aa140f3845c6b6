package native_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/rudransh-shrivastava/ewonic/internal/transport/native"
	"github.com/rudransh-shrivastava/ewonic/internal/transport/native/nativetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func join(t *testing.T, mesh *nativetest.Mesh, id transport.PeerID) *native.Transport {
	t.Helper()
	fw := mesh.Join()
	tr := native.New(native.Options{Framework: fw, DisplayName: string(id), Logger: logger.Discard()})
	t.Cleanup(func() {
		_ = tr.Close()
		fw.Shutdown()
	})
	require.NoError(t, tr.Start(context.Background()))
	return tr
}

func next[T transport.Event](t *testing.T, tr *native.Transport, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if v, ok := ev.(T); ok && match(v) {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func stateOf(peer transport.PeerID, s transport.State) func(transport.StateChanged) bool {
	return func(sc transport.StateChanged) bool { return sc.PeerID == peer && sc.State == s }
}

func TestDiscoveryAndMessaging(t *testing.T) {
	mesh := nativetest.NewMesh()
	a := join(t, mesh, "alpha")
	b := join(t, mesh, "bravo")

	found := next(t, a, func(f transport.PeerFound) bool { return f.Peer.ID == "bravo" })
	assert.Equal(t, "bravo", found.Peer.DisplayName)

	require.NoError(t, a.Connect(context.Background(), "bravo"))
	next(t, a, stateOf("bravo", transport.StateConnecting))
	next(t, a, stateOf("bravo", transport.StateConnected))
	next(t, b, stateOf("alpha", transport.StateConnected))

	a.Send("bravo", "hello")
	msg := next(t, b, func(m transport.MessageReceived) bool { return true })
	assert.Equal(t, transport.PeerID("alpha"), msg.PeerID)
	assert.Equal(t, "hello", msg.Text)

	b.Broadcast("hi all")
	msg = next(t, a, func(m transport.MessageReceived) bool { return true })
	assert.Equal(t, "hi all", msg.Text)
}

func TestSendToUnconnectedIsNoop(t *testing.T) {
	mesh := nativetest.NewMesh()
	a := join(t, mesh, "alpha")
	b := join(t, mesh, "bravo")
	_ = b

	a.Send("bravo", "nobody home")
	a.Broadcast("nobody home")

	select {
	case ev := <-b.Events():
		if _, ok := ev.(transport.MessageReceived); ok {
			t.Fatalf("unexpected message %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSingleConnectionAdmission(t *testing.T) {
	mesh := nativetest.NewMesh()
	hub := join(t, mesh, "hub")
	b := join(t, mesh, "bravo")
	c := join(t, mesh, "charlie")
	d := join(t, mesh, "delta")

	ctx := context.Background()
	require.NoError(t, b.Connect(ctx, "hub"))
	require.NoError(t, c.Connect(ctx, "hub"))

	next(t, hub, stateOf("bravo", transport.StateConnected))

	// The second simultaneous invitation was declined: charlie saw its
	// attempt drop from connecting.
	failed := next(t, c, stateOf("hub", transport.StateFailed))
	assert.Contains(t, failed.Reason, "failed")

	// Once connected, every further invitation is declined.
	require.NoError(t, d.Connect(ctx, "hub"))
	next(t, d, stateOf("hub", transport.StateFailed))
}

func TestDisconnectReportsDisconnected(t *testing.T) {
	mesh := nativetest.NewMesh()
	a := join(t, mesh, "alpha")
	b := join(t, mesh, "bravo")

	require.NoError(t, a.Connect(context.Background(), "bravo"))
	next(t, a, stateOf("bravo", transport.StateConnected))
	next(t, b, stateOf("alpha", transport.StateConnected))

	a.Disconnect("bravo")
	a.Disconnect("bravo")
	a.Disconnect("never-seen")

	next(t, a, stateOf("bravo", transport.StateDisconnected))
	next(t, b, stateOf("alpha", transport.StateDisconnected))

	// After the drop the slot is free again.
	require.NoError(t, a.Connect(context.Background(), "bravo"))
	next(t, b, stateOf("alpha", transport.StateConnected))
}

func TestStartTwiceIsNoop(t *testing.T) {
	mesh := nativetest.NewMesh()
	a := join(t, mesh, "alpha")
	assert.NoError(t, a.Start(context.Background()))
}

func TestStartFailure(t *testing.T) {
	mesh := nativetest.NewMesh()
	fw := mesh.Join()
	defer fw.Shutdown()
	fw.StartErr = errors.New("bluetooth off")

	tr := native.New(native.Options{Framework: fw, DisplayName: "alpha", Logger: logger.Discard()})
	err := tr.Start(context.Background())
	assert.ErrorIs(t, err, transport.ErrDiscovery)
}

func TestInviteUnknownPeer(t *testing.T) {
	mesh := nativetest.NewMesh()
	a := join(t, mesh, "alpha")

	err := a.Connect(context.Background(), "ghost")
	assert.ErrorIs(t, err, transport.ErrConnectionSetup)
}

// stubFramework hands its delegate to the test and records sends.
type stubFramework struct {
	delegate native.Delegate

	mu   sync.Mutex
	sent [][]transport.PeerID
}

func (f *stubFramework) SetDelegate(d native.Delegate)                    { f.delegate = d }
func (f *stubFramework) StartAdvertising(string, map[string]string) error { return nil }
func (f *stubFramework) StopAdvertising() error                           { return nil }
func (f *stubFramework) StartBrowsing() error                             { return nil }
func (f *stubFramework) StopBrowsing() error                              { return nil }
func (f *stubFramework) Invite(transport.PeerID) error                    { return nil }
func (f *stubFramework) Disconnect(transport.PeerID) error                { return nil }
func (f *stubFramework) Close() error                                     { return nil }

func (f *stubFramework) Send(peers []transport.PeerID, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, peers)
	return nil
}

func (f *stubFramework) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestConcurrentStateChangesReportInOrder(t *testing.T) {
	const peer = transport.PeerID("Peer_0000000B")

	for i := 0; i < 50; i++ {
		fw := &stubFramework{}
		tr := native.New(native.Options{Framework: fw, DisplayName: "Peer_0000000A", Logger: logger.Discard()})

		fw.delegate.PeerChangedState(peer, native.Connecting)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			fw.delegate.PeerChangedState(peer, native.Connected)
		}()
		go func() {
			defer wg.Done()
			fw.delegate.PeerChangedState(peer, native.NotConnected)
		}()
		wg.Wait()

		var last transport.State
		for len(tr.Events()) > 0 {
			if sc, ok := (<-tr.Events()).(transport.StateChanged); ok {
				last = sc.State
			}
		}

		// The last report must agree with what the transport ended up tracking.
		tr.Broadcast("ping")
		if fw.sends() > 0 {
			assert.Equal(t, transport.StateConnected, last, "run %d", i)
		} else {
			assert.True(t, last.Terminal(), "run %d: got %s", i, last)
		}
		require.NoError(t, tr.Close())
	}
}
