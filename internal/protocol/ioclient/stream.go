package ioclient

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// OpenFunc opens the underlying byte stream of a StreamClient.
type OpenFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamClient is a Client over a byte stream split into delimited frames.
type StreamClient struct {
	uri    string
	open   OpenFunc
	delim  []byte
	strip  bool
	maxLen int

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	framer *Framer
	// gen is bumped by Close; a dial that started before it is discarded.
	gen uint64
}

// NewStreamClient creates a client reading frames separated by delim.
func NewStreamClient(uri string, open OpenFunc, delim []byte, strip bool, maxLen int) *StreamClient {
	return &StreamClient{uri: uri, open: open, delim: delim, strip: strip, maxLen: maxLen}
}

func (c *StreamClient) URI() string { return c.uri }

func (c *StreamClient) Dial(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil || gen != c.gen {
		conn.Close()
		if err == nil {
			err = io.ErrClosedPipe
		}
		return err
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.framer = NewFramer(conn, c.delim, c.strip, c.maxLen)
	return nil
}

// Read returns the next frame. Cancelling ctx does not interrupt a pending
// read; Close does.
func (c *StreamClient) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	f := c.framer
	c.mu.Unlock()
	if f == nil {
		return nil, io.ErrClosedPipe
	}
	return f.Next()
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Write sends msg, terminated by the frame delimiter.
func (c *StreamClient) Write(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	if d, ok := conn.(deadliner); ok {
		if dl, ok := ctx.Deadline(); ok {
			_ = d.SetWriteDeadline(dl)
		}
	}
	if len(c.delim) > 0 && !bytes.HasSuffix(msg, c.delim) {
		msg = append(msg[:len(msg):len(msg)], c.delim...)
	}
	_, err := conn.Write(msg)
	return err
}

func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.framer = nil
	return err
}
