package connstream

import "net"

// readMsg is one result from the dedicated per-connection reader
// goroutine: either n>0 bytes of data copied out of its private scratch
// buffer, or a terminal err (io.EOF or a net error). The goroutine stops
// issuing reads after the first error.
type readMsg struct {
	data []byte
	err  error
}

// startReader spawns a dedicated goroutine that owns the blocking
// conn.Read call and posts results on a channel, so the driver's select
// loop can multiplex stream reads against backend messages and timers
// without blocking on either.
func startReader(conn net.Conn) <-chan readMsg {
	ch := make(chan readMsg, 1)
	go func() {
		scratch := make([]byte, 32*1024)
		for {
			n, err := conn.Read(scratch)
			var out []byte
			if n > 0 {
				out = make([]byte, n)
				copy(out, scratch[:n])
			}
			ch <- readMsg{data: out, err: err}
			if err != nil {
				close(ch)
				return
			}
		}
	}()
	return ch
}
