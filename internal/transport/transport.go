// Package transport abstracts the message-oriented connection to the gateway.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport closed")

// Conn is a bidirectional, message-oriented connection. ReadMessage is called
// from a single goroutine; WriteMessage and Close may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections. Dial returns once the connection is open.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}
