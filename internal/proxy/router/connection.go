package router

import (
	"net"
	"sync"
)

// connection pairs a raw websocket net.Conn with its bounded outbound
// queue. One reader goroutine and one writer goroutine share it.
type connection struct {
	conn  net.Conn
	queue *outboundQueue

	closeOnce sync.Once
}

func newConnection(conn net.Conn, queueDepth int) *connection {
	return &connection{
		conn:  conn,
		queue: newOutboundQueue(queueDepth),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.queue.close()
		_ = c.conn.Close()
	})
}
