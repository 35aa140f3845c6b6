// Package nativetest provides an in-memory native.Framework for tests.
package nativetest

import (
	"errors"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/rudransh-shrivastava/ewonic/internal/transport/native"
)

var (
	ErrUnknownPeer = errors.New("peer not advertising")
	ErrClosed      = errors.New("framework closed")
)

// Mesh links every Framework joined to it.
type Mesh struct {
	mu    sync.Mutex
	nodes map[transport.PeerID]*Framework
}

func NewMesh() *Mesh {
	return &Mesh{nodes: make(map[transport.PeerID]*Framework)}
}

// Join adds a framework. Its peer id is the display name it advertises
// with, as with the platform framework.
func (m *Mesh) Join() *Framework {
	f := &Framework{
		mesh:  m,
		peers: make(map[transport.PeerID]native.PeerState),
		queue: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	go f.run()
	return f
}

type post struct {
	to *Framework
	fn func()
}

func (m *Mesh) flush(posts []post) {
	for _, p := range posts {
		p.to.post(p.fn)
	}
}

// Framework implements native.Framework. All state is guarded by the
// mesh lock; delegate calls run on the framework's own goroutine.
type Framework struct {
	mesh  *Mesh
	id    transport.PeerID
	queue chan func()
	done  chan struct{}
	once  sync.Once

	delegate    native.Delegate
	name        string
	info        map[string]string
	advertising bool
	browsing    bool
	closed      bool
	peers       map[transport.PeerID]native.PeerState

	// StartErr, when set, is returned by StartAdvertising.
	StartErr error
}

var _ native.Framework = (*Framework)(nil)

func (f *Framework) run() {
	for {
		select {
		case fn := <-f.queue:
			fn()
		case <-f.done:
			return
		}
	}
}

func (f *Framework) post(fn func()) {
	select {
	case f.queue <- fn:
	case <-f.done:
	}
}

func (f *Framework) ID() transport.PeerID {
	f.mesh.mu.Lock()
	defer f.mesh.mu.Unlock()
	return f.id
}

func (f *Framework) SetDelegate(d native.Delegate) {
	f.mesh.mu.Lock()
	f.delegate = d
	f.mesh.mu.Unlock()
}

func (f *Framework) sortedOthersLocked() []*Framework {
	out := make([]*Framework, 0, len(f.mesh.nodes))
	for _, n := range f.mesh.nodes {
		if n != f && !n.closed {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (f *Framework) foundPost(to, about *Framework) post {
	d := to.delegate
	id, name, info := about.id, about.name, about.info
	return post{to: to, fn: func() { d.FoundPeer(id, name, info) }}
}

func (f *Framework) StartAdvertising(displayName string, info map[string]string) error {
	m := f.mesh
	m.mu.Lock()
	if f.StartErr != nil {
		err := f.StartErr
		m.mu.Unlock()
		return err
	}
	f.name, f.info, f.advertising = displayName, info, true
	if f.id == "" {
		f.id = transport.PeerID(displayName)
		m.nodes[f.id] = f
	}

	var posts []post
	for _, n := range f.sortedOthersLocked() {
		if n.browsing && n.delegate != nil {
			posts = append(posts, f.foundPost(n, f))
		}
	}
	m.mu.Unlock()
	m.flush(posts)
	return nil
}

func (f *Framework) StopAdvertising() error {
	m := f.mesh
	m.mu.Lock()
	posts := f.stopAdvertisingLocked()
	m.mu.Unlock()
	m.flush(posts)
	return nil
}

func (f *Framework) stopAdvertisingLocked() []post {
	if !f.advertising {
		return nil
	}
	f.advertising = false

	var posts []post
	for _, n := range f.sortedOthersLocked() {
		if n.browsing && n.delegate != nil {
			d, id := n.delegate, f.id
			posts = append(posts, post{to: n, fn: func() { d.LostPeer(id) }})
		}
	}
	return posts
}

func (f *Framework) StartBrowsing() error {
	m := f.mesh
	m.mu.Lock()
	f.browsing = true

	var posts []post
	if f.delegate != nil {
		for _, n := range f.sortedOthersLocked() {
			if n.advertising {
				posts = append(posts, f.foundPost(f, n))
			}
		}
	}
	m.mu.Unlock()
	m.flush(posts)
	return nil
}

func (f *Framework) StopBrowsing() error {
	f.mesh.mu.Lock()
	f.browsing = false
	f.mesh.mu.Unlock()
	return nil
}

func (f *Framework) setStateLocked(peer transport.PeerID, s native.PeerState) []post {
	cur, tracked := f.peers[peer]
	if (tracked && cur == s) || (!tracked && s == native.NotConnected) {
		return nil
	}
	if s == native.NotConnected {
		delete(f.peers, peer)
	} else {
		f.peers[peer] = s
	}
	if f.delegate == nil {
		return nil
	}
	d := f.delegate
	return []post{{to: f, fn: func() { d.PeerChangedState(peer, s) }}}
}

func (f *Framework) link(other *Framework, s native.PeerState) []post {
	posts := f.setStateLocked(other.id, s)
	return append(posts, other.setStateLocked(f.id, s)...)
}

func (f *Framework) Invite(peerID transport.PeerID) error {
	m := f.mesh
	m.mu.Lock()
	target, ok := m.nodes[peerID]
	if !ok || target.closed || !target.advertising || target == f || f.id == "" {
		m.mu.Unlock()
		return ErrUnknownPeer
	}
	if _, linked := f.peers[peerID]; linked {
		m.mu.Unlock()
		return nil
	}

	posts := f.link(target, native.Connecting)
	if target.delegate != nil {
		d, from := target.delegate, f.id
		respond := func(accept bool) {
			next := native.NotConnected
			if accept {
				next = native.Connected
			}
			m.mu.Lock()
			var posts []post
			if f.peers[target.id] == native.Connecting {
				posts = f.link(target, next)
			}
			m.mu.Unlock()
			m.flush(posts)
		}
		posts = append(posts, post{to: target, fn: func() { d.ReceivedInvitation(from, respond) }})
	}
	m.mu.Unlock()
	m.flush(posts)
	return nil
}

func (f *Framework) Send(peerIDs []transport.PeerID, data []byte) error {
	m := f.mesh
	m.mu.Lock()
	if f.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	var posts []post
	for _, id := range peerIDs {
		target, ok := m.nodes[id]
		if !ok || f.peers[id] != native.Connected || target.delegate == nil {
			continue
		}
		d, from := target.delegate, f.id
		payload := append([]byte(nil), data...)
		posts = append(posts, post{to: target, fn: func() { d.ReceivedData(from, payload) }})
	}
	m.mu.Unlock()
	m.flush(posts)
	return nil
}

func (f *Framework) Disconnect(peerID transport.PeerID) error {
	m := f.mesh
	m.mu.Lock()
	var posts []post
	if target, ok := m.nodes[peerID]; ok {
		if _, tracked := f.peers[peerID]; tracked {
			posts = f.link(target, native.NotConnected)
		}
	}
	m.mu.Unlock()
	m.flush(posts)
	return nil
}

func (f *Framework) Close() error {
	m := f.mesh
	m.mu.Lock()
	posts := f.stopAdvertisingLocked()
	f.browsing = false
	for id := range f.peers {
		if target, ok := m.nodes[id]; ok {
			posts = append(posts, f.link(target, native.NotConnected)...)
		}
	}
	f.closed = true
	m.mu.Unlock()
	m.flush(posts)
	return nil
}

// Shutdown stops the delivery goroutine.
func (f *Framework) Shutdown() {
	f.once.Do(func() { close(f.done) })
}
