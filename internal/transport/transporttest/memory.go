// Package transporttest provides an in-process gateway connection for tests.
package transporttest

import (
	"context"
	"net/http"
	"sync"

	"github.com/haasonsaas/opswire/internal/transport"
)

// Dialer hands out in-process connections in place of a gateway.
type Dialer struct {
	mu      sync.Mutex
	dials   int
	failErr error
	hold    chan struct{}
	conns   []*Conn
	dialed  chan *Conn
}

// NewDialer returns a dialer whose dials succeed.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// Dial records the attempt and returns a new Conn.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	hold := d.hold
	failErr := d.failErr
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	conn := NewConn(url, header)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	select {
	case d.dialed <- conn:
	default:
	}
	return conn, nil
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// FailWith makes subsequent dials return err. Nil restores success.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.failErr = err
	d.mu.Unlock()
}

// Hold blocks subsequent dials until the returned release function is called.
func (d *Dialer) Hold() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.hold == ch {
				d.hold = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Dialed delivers each connection as it is opened.
func (d *Dialer) Dialed() <-chan *Conn {
	return d.dialed
}

// Conns returns every connection opened so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Conn is the client side of an in-process connection. The test drives the
// remote side through Deliver, Drop and Written.
type Conn struct {
	URL    string
	Header http.Header

	inbound chan []byte
	closed  chan struct{}

	mu        sync.Mutex
	written   [][]byte
	writeErr  error
	remoteErr error
	closeOnce sync.Once
}

// NewConn returns an open connection.
func NewConn(url string, header http.Header) *Conn {
	return &Conn{
		URL:     url,
		Header:  header,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// ReadMessage returns the next delivered frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.remoteErr
		c.mu.Unlock()
		if err == nil {
			err = transport.ErrClosed
		}
		return nil, err
	}
}

// WriteMessage records data.
func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	c.mu.Unlock()
	return nil
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Deliver queues a frame for ReadMessage.
func (c *Conn) Deliver(data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	case c.inbound <- data:
		return nil
	}
}

// Drop simulates the remote end closing the connection with err.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.remoteErr = err
	c.mu.Unlock()
	c.Close()
}

// FailWrites makes subsequent writes return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Closed reports whether the connection has been closed by either side.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
