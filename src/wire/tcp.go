package wire

import (
	"net"
	"time"
)

// StreamLayer provides the TCP listener the controller accepts on and
// the dialer its outbound sessions use.
type StreamLayer struct {
	listener *net.TCPListener
}

// Listen binds the given address. A failure here is fatal at startup.
func Listen(bindAddr string) (*StreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &StreamLayer{listener: list.(*net.TCPListener)}, nil
}

// Dial opens a TCP connection to the given address.
func (s *StreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept waits for the next inbound connection.
func (s *StreamLayer) Accept() (net.Conn, error) {
	return s.listener.Accept()
}

// Close closes the listener. Blocked Accept calls return an error.
func (s *StreamLayer) Close() error {
	return s.listener.Close()
}

// Addr returns the bound address, which may carry an OS-assigned port.
func (s *StreamLayer) Addr() net.Addr {
	return s.listener.Addr()
}
