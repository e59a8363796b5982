package media

import (
	"fmt"
	"net"
	"sync"
)

// PortPool hands out even RTP ports from a range; the odd port above each
// stays free for RTCP.
type PortPool struct {
	mu       sync.Mutex
	min, max int
	free     []int
	inUse    map[int]struct{}
}

// NewPortPool creates a pool over [minPort, maxPort].
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}
	p := &PortPool{min: minPort, max: maxPort, inUse: make(map[int]struct{})}
	for port := minPort; port+1 <= maxPort; port += 2 {
		p.free = append(p.free, port)
	}
	return p
}

// Allocate takes the least recently released port.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, fmt.Errorf("no ports available in pool (range %d-%d)", p.min, p.max)
	}
	port := p.free[0]
	p.free = p.free[1:]
	p.inUse[port] = struct{}{}
	return port, nil
}

// Release returns port to the pool. Unknown ports are ignored.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.free = append(p.free, port)
}

// Available returns the number of free ports.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Listen binds a UDP socket on the first pool port that is not taken by
// another process. The port returns to the pool when the returned release
// func is called.
func (p *PortPool) Listen(bindAddr string) (net.PacketConn, func(), error) {
	for attempts := p.Available(); attempts > 0; attempts-- {
		port, err := p.Allocate()
		if err != nil {
			return nil, nil, err
		}
		conn, err := net.ListenPacket("udp", net.JoinHostPort(bindAddr, fmt.Sprint(port)))
		if err != nil {
			p.Release(port)
			continue
		}
		return conn, func() { p.Release(port) }, nil
	}
	return nil, nil, fmt.Errorf("no bindable RTP port in range %d-%d", p.min, p.max)
}
