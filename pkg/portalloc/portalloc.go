// Package portalloc hands out TCP ports that nothing is listening on and that
// no other worker in this process currently holds.
package portalloc

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"
)

// MaxPort is the top of the TCP port range; scans stop here.
const MaxPort = 65535

// ErrNoFreePort is returned when the scan reaches MaxPort.
var ErrNoFreePort = errors.New("no free port at or above requested baseline")

// InUseFunc reports whether something accepts connections on port.
type InUseFunc func(port int) bool

// IsInUse dials host:port and reports whether the connection was accepted.
func IsInUse(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// LocalInUse probes 127.0.0.1.
func LocalInUse(port int) bool {
	return IsInUse("127.0.0.1", port)
}

// FindFree returns the smallest port >= start with no listener on 127.0.0.1.
func FindFree(start int) (int, error) {
	return scan(start, LocalInUse, nil)
}

func scan(start int, inUse InUseFunc, skip map[int]struct{}) (int, error) {
	if start < 1 {
		start = 1
	}
	for port := start; port <= MaxPort; port++ {
		if _, held := skip[port]; held {
			continue
		}
		if !inUse(port) {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// Allocator is FindFree plus a reservation set, so ports handed to one worker
// are not handed to another before they are released. Safe for concurrent use.
type Allocator struct {
	inUse InUseFunc

	mu       sync.Mutex
	reserved map[int]struct{}
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithInUse replaces the connection probe.
func WithInUse(fn InUseFunc) Option {
	return func(a *Allocator) { a.inUse = fn }
}

// New creates an Allocator probing 127.0.0.1.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		inUse:    LocalInUse,
		reserved: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var (
	defaultOnce sync.Once
	defaultAlloc *Allocator
)

// Default returns the process-wide allocator shared by all workers.
func Default() *Allocator {
	defaultOnce.Do(func() { defaultAlloc = New() })
	return defaultAlloc
}

// Reserve returns the smallest port >= start that is neither reserved nor in
// use, and marks it reserved.
func (a *Allocator) Reserve(start int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, err := scan(start, a.inUse, a.reserved)
	if err != nil {
		return 0, err
	}
	a.reserved[port] = struct{}{}
	return port, nil
}

// Release returns port to the pool. Releasing an unreserved port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved reports whether port is currently held.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}

// InUse runs the allocator's connection probe.
func (a *Allocator) InUse(port int) bool {
	return a.inUse(port)
}
