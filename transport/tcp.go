package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"go.dedis.ch/protobuf"

	"github.com/sarchlab/shukuba/fed"
)

// A TCPGroup is a Group over TCP arranged as a star: the master owns the
// listening socket and every other rank holds one connection to it. Traffic
// therefore always flows between rank 0 and another rank; two non-zero ranks
// have no link.
type TCPGroup struct {
	fed.HookableBase
	inbox

	rank      fed.Rank
	worldSize int
	logger    *log.Logger
	maxFrame  uint32

	mu       sync.Mutex // guards conns and frame writes
	conns    map[fed.Rank]net.Conn
	listener net.Listener

	readers   []*fed.Task
	closeOnce sync.Once
}

// TCPGroupBuilder can build TCP groups.
type TCPGroupBuilder struct {
	rank        fed.Rank
	worldSize   int
	masterAddr  string
	listener    net.Listener
	logger      *log.Logger
	dialTimeout time.Duration
	maxFrame    uint32
}

// MakeTCPGroupBuilder returns a builder with default limits.
func MakeTCPGroupBuilder() TCPGroupBuilder {
	return TCPGroupBuilder{
		maxFrame: DefaultMaxFrameBytes,
	}
}

// WithRank sets the rank this process holds in the group.
func (b TCPGroupBuilder) WithRank(r fed.Rank) TCPGroupBuilder {
	b.rank = r
	return b
}

// WithWorldSize sets the number of processes in the group, master included.
func (b TCPGroupBuilder) WithWorldSize(n int) TCPGroupBuilder {
	b.worldSize = n
	return b
}

// WithMasterAddr sets the address the master listens on and the other ranks
// dial.
func (b TCPGroupBuilder) WithMasterAddr(addr string) TCPGroupBuilder {
	b.masterAddr = addr
	return b
}

// WithListener hands the master an already bound listener instead of binding
// the master address itself.
func (b TCPGroupBuilder) WithListener(ln net.Listener) TCPGroupBuilder {
	b.listener = ln
	return b
}

// WithLogger sets the logger the group reports joins and closures to.
func (b TCPGroupBuilder) WithLogger(l *log.Logger) TCPGroupBuilder {
	b.logger = l
	return b
}

// WithDialTimeout bounds how long a joining rank keeps dialing the master.
// Zero, the default, keeps dialing until the master answers.
func (b TCPGroupBuilder) WithDialTimeout(d time.Duration) TCPGroupBuilder {
	b.dialTimeout = d
	return b
}

// WithMaxFrameBytes bounds the size of one wire frame.
func (b TCPGroupBuilder) WithMaxFrameBytes(n uint32) TCPGroupBuilder {
	b.maxFrame = n
	return b
}

// Build connects the group. The master accepts one join per other rank
// before returning; other ranks dial until the master answers. Build blocks
// until this process is fully linked.
func (b TCPGroupBuilder) Build(name string) (*TCPGroup, error) {
	fed.NameMustBeValid(name)
	b.paramsMustBeValid()

	if b.logger == nil {
		b.logger = log.Default()
	}

	g := &TCPGroup{
		inbox:     makeInbox(name, b.worldSize),
		rank:      b.rank,
		worldSize: b.worldSize,
		logger:    b.logger,
		maxFrame:  b.maxFrame,
		conns:     make(map[fed.Rank]net.Conn),
	}

	var err error
	if b.rank == 0 {
		err = g.bindAndCollect(b)
	} else {
		err = g.join(b)
	}

	if err != nil {
		g.Close()
		return nil, err
	}

	for rank, conn := range g.conns {
		taskName := fmt.Sprintf("%s reader for rank %d", name, rank)
		g.readers = append(g.readers, fed.Go(taskName, func() error {
			return g.serveConn(rank, conn)
		}))
	}

	return g, nil
}

func (b TCPGroupBuilder) paramsMustBeValid() {
	if b.worldSize < 2 {
		panic(fmt.Sprintf(
			"a group needs a master and at least one other rank, "+
				"world size %d", b.worldSize))
	}

	if b.rank < 0 || int(b.rank) >= b.worldSize {
		panic(fmt.Sprintf("rank %d is outside a group of world size %d",
			b.rank, b.worldSize))
	}

	if b.masterAddr == "" && b.listener == nil {
		panic("a group needs a master address or a listener")
	}
}

func (g *TCPGroup) bindAndCollect(b TCPGroupBuilder) error {
	ln := b.listener
	if ln == nil {
		var err error

		ln, err = net.Listen("tcp", b.masterAddr)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", g.name, fed.ErrTransportFailure, err)
		}
	}

	g.listener = ln
	g.logger.Printf("%s: rank 0 listening on %s", g.name, ln.Addr())

	for len(g.conns) < g.worldSize-1 {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("%s: %w: %v", g.name, fed.ErrTransportFailure, err)
		}

		conn.SetReadDeadline(time.Now().Add(helloTimeout))
		rank, err := readHello(conn, g.maxFrame)
		conn.SetReadDeadline(time.Time{})

		if err != nil {
			g.logger.Printf("%s: rejecting join from %s: %v",
				g.name, conn.RemoteAddr(), err)
			conn.Close()

			continue
		}

		if rank < 1 || int(rank) >= g.worldSize {
			g.logger.Printf("%s: rejecting join of out-of-range rank %d",
				g.name, rank)
			conn.Close()

			continue
		}

		if _, taken := g.conns[rank]; taken {
			g.logger.Printf("%s: rejecting second join of rank %d",
				g.name, rank)
			conn.Close()

			continue
		}

		g.conns[rank] = conn
		g.logger.Printf("%s: rank %d joined from %s",
			g.name, rank, conn.RemoteAddr())
	}

	return nil
}

func (g *TCPGroup) join(b TCPGroupBuilder) error {
	var deadline time.Time
	if b.dialTimeout > 0 {
		deadline = time.Now().Add(b.dialTimeout)
	}

	delay := 50 * time.Millisecond

	var conn net.Conn
	for {
		var err error

		conn, err = net.DialTimeout("tcp", b.masterAddr, 3*time.Second)
		if err == nil {
			break
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%s: %w: dialing master at %s: %v",
				g.name, fed.ErrTransportFailure, b.masterAddr, err)
		}

		time.Sleep(delay)

		delay *= 2
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}

	if err := writeHello(conn, g.rank, g.maxFrame); err != nil {
		conn.Close()
		return fmt.Errorf("%s: %w: announcing rank to master: %v",
			g.name, fed.ErrTransportFailure, err)
	}

	g.conns[0] = conn
	g.logger.Printf("%s: rank %d joined master at %s",
		g.name, g.rank, b.masterAddr)

	return nil
}

func writeHello(conn net.Conn, rank fed.Rank, maxFrame uint32) error {
	payload, err := protobuf.Encode(&wireHello{Rank: int64(rank)})
	if err != nil {
		return err
	}

	return writeFrame(conn, payload, maxFrame)
}

func readHello(conn net.Conn, maxFrame uint32) (fed.Rank, error) {
	payload, err := readFrame(conn, maxFrame)
	if err != nil {
		return 0, err
	}

	var hello wireHello
	if err := protobuf.Decode(payload, &hello); err != nil {
		return 0, fmt.Errorf("malformed hello frame: %w", err)
	}

	return fed.Rank(hello.Rank), nil
}

// serveConn reads frames from one link and feeds the inbox. The rank the
// link was established under is authoritative, whatever the frame claims.
func (g *TCPGroup) serveConn(src fed.Rank, conn net.Conn) error {
	for {
		payload, err := readFrame(conn, g.maxFrame)
		if err != nil {
			if !g.isClosed() {
				g.deliver(arrival{
					err: fmt.Errorf("link to rank %d: %w", src, err),
				})
			}

			return nil
		}

		e, err := decodeEnvelope(payload)
		if err != nil {
			if !g.isClosed() {
				g.deliver(arrival{
					err: fmt.Errorf("link to rank %d: %w", src, err),
				})
			}

			return nil
		}

		e.Sender = src
		g.deliver(arrival{env: e})
	}
}

func (g *TCPGroup) isClosed() bool {
	select {
	case <-g.closed:
		return true
	default:
		return false
	}
}

// Name returns the name of the group.
func (g *TCPGroup) Name() string {
	return g.name
}

// Rank returns the rank this process holds in the group.
func (g *TCPGroup) Rank() fed.Rank {
	return g.rank
}

// WorldSize returns the number of processes in the group.
func (g *TCPGroup) WorldSize() int {
	return g.worldSize
}

// Addr returns the address the master listens on.
func (g *TCPGroup) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}

	return g.listener.Addr()
}

// Send delivers the envelope over the link to its Receiver.
func (g *TCPGroup) Send(ctx context.Context, e *fed.Envelope) error {
	if e.Sender != g.rank {
		return fmt.Errorf("%s: envelope names sender %d, but this is rank %d",
			g.name, e.Sender, g.rank)
	}

	payload, err := encodeEnvelope(e)
	if err != nil {
		return fmt.Errorf("%s: %w", g.name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.conns[e.Receiver]
	if !ok {
		if g.isClosed() {
			return g.closedErr()
		}

		return fmt.Errorf("%s: no link from rank %d to rank %d",
			g.name, g.rank, e.Receiver)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	if err := writeFrame(conn, payload, g.maxFrame); err != nil {
		return fmt.Errorf("%s: %w: sending to rank %d: %v",
			g.name, fed.ErrTransportFailure, e.Receiver, err)
	}

	if g.NumHooks() > 0 {
		g.InvokeHook(fed.HookCtx{
			Domain: g,
			Pos:    fed.HookPosEnvelopeSend,
			Item:   e,
		})
	}

	return nil
}

// Recv returns the next envelope sent by src.
func (g *TCPGroup) Recv(ctx context.Context, src fed.Rank) (*fed.Envelope, error) {
	e, err := g.recvFrom(ctx, src)
	if err != nil {
		return nil, err
	}

	g.hookRecv(e)

	return e, nil
}

// RecvAny returns the next envelope from any rank.
func (g *TCPGroup) RecvAny(ctx context.Context) (*fed.Envelope, error) {
	e, err := g.recvAny(ctx)
	if err != nil {
		return nil, err
	}

	g.hookRecv(e)

	return e, nil
}

func (g *TCPGroup) hookRecv(e *fed.Envelope) {
	if g.NumHooks() > 0 {
		g.InvokeHook(fed.HookCtx{
			Domain: g,
			Pos:    fed.HookPosEnvelopeRecv,
			Item:   e,
		})
	}
}

// Close tears every link down and joins the reader tasks.
func (g *TCPGroup) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)

		g.mu.Lock()
		for _, conn := range g.conns {
			conn.Close()
		}

		if g.listener != nil {
			g.listener.Close()
		}
		g.mu.Unlock()

		for _, t := range g.readers {
			t.Join()
		}

		g.logger.Printf("%s: rank %d closed", g.name, g.rank)
	})

	return nil
}
