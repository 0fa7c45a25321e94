package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/zsiec/rcvbuf/internal/config"
	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/internal/metrics"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	ErrAlreadyStarted = errors.New("receiver already started")
	ErrNotStarted     = errors.New("receiver not started")
)

// Receiver reads datagrams from a UDP socket into a receive buffer. It is also
// the buffer's CapacityProvider, reporting the socket's SO_RCVBUF.
type Receiver struct {
	cfg     *config.ReceiverConfig
	logger  logger.Logger
	sampled *logger.SampledLogger
	buffer  *rcvbuf.Buffer

	mu      sync.RWMutex
	conn    *net.UDPConn
	metrics *metrics.ReceiverMetrics
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	packets    atomic.Uint64
	bytes      atomic.Uint64
	batches    atomic.Uint64
	readErrors atomic.Uint64
}

// Stats holds receiver counters
type Stats struct {
	LocalAddr  string `json:"local_addr"`
	Running    bool   `json:"running"`
	BatchSize  int    `json:"batch_size"`
	Packets    uint64 `json:"packets"`
	Bytes      uint64 `json:"bytes"`
	Batches    uint64 `json:"batches"`
	ReadErrors uint64 `json:"read_errors"`
}

// NewReceiver creates a receiver and its buffer. Extra options are applied to
// the buffer after the ones derived from bufCfg.
func NewReceiver(cfg *config.ReceiverConfig, bufCfg *config.BufferConfig, log logger.Logger, opts ...rcvbuf.Option) *Receiver {
	if log == nil {
		log = logger.NewNullLogger()
	}

	r := &Receiver{
		cfg:    cfg,
		logger: log.WithField("component", "udp_receiver"),
	}
	r.sampled = logger.NewPacketLogger(r.logger)

	bufOpts := append([]rcvbuf.Option{
		rcvbuf.WithLogger(log.WithField("component", "rcvbuf")),
		rcvbuf.WithMetrics(bufCfg.MetricsEnabled),
	}, opts...)
	r.buffer = rcvbuf.NewBuffer(bufCfg.Name, r, bufOpts...)

	return r
}

// Buffer returns the buffer fed by this receiver.
func (r *Receiver) Buffer() *rcvbuf.Buffer {
	return r.buffer
}

// LocalAddr returns the bound address, or nil before Start.
func (r *Receiver) LocalAddr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// ReceiveBufferSize implements rcvbuf.CapacityProvider.
func (r *Receiver) ReceiveBufferSize() (int, error) {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	if conn == nil {
		return 0, ErrNotStarted
	}
	return socketReceiveBufferSize(conn)
}

// Start binds the socket, retrying per config, and starts the read loop. The
// loop runs until ctx is cancelled or Stop is called.
func (r *Receiver) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	conn, err := retry.DoWithData(
		r.bind,
		retry.Context(ctx),
		retry.Attempts(r.cfg.BindAttempts),
		retry.Delay(r.cfg.BindRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.WithError(err).WithField("attempt", n+1).Warn("Failed to bind UDP socket, retrying")
		}),
	)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("failed to bind UDP receiver: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.conn = conn
	r.cancel = cancel
	r.metrics = metrics.NewReceiverMetrics(conn.LocalAddr().String())
	r.mu.Unlock()

	// Resolve while the socket is known so stats report the real SO_RCVBUF
	capacity := r.buffer.Capacity()

	r.logger.WithFields(map[string]interface{}{
		"address":    conn.LocalAddr().String(),
		"batch_size": r.cfg.BatchSize,
		"buffer":     r.buffer.Name(),
		"capacity":   capacity,
	}).Info("UDP receiver started")

	r.wg.Add(1)
	go r.readLoop(loopCtx, conn)

	return nil
}

// Stop closes the socket and waits for the read loop. Calling Stop on a
// receiver that is not running is a no-op.
func (r *Receiver) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	r.mu.Lock()
	cancel := r.cancel
	conn := r.conn
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	r.wg.Wait()

	r.mu.Lock()
	r.conn = nil
	r.cancel = nil
	r.mu.Unlock()

	r.logger.WithFields(map[string]interface{}{
		"packets":     r.packets.Load(),
		"read_errors": r.readErrors.Load(),
	}).Info("UDP receiver stopped")

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("failed to close UDP socket: %w", closeErr)
	}
	return nil
}

func (r *Receiver) Stats() Stats {
	s := Stats{
		Running:    r.running.Load(),
		BatchSize:  r.cfg.BatchSize,
		Packets:    r.packets.Load(),
		Bytes:      r.bytes.Load(),
		Batches:    r.batches.Load(),
		ReadErrors: r.readErrors.Load(),
	}
	if addr := r.LocalAddr(); addr != nil {
		s.LocalAddr = addr.String()
	}
	return s
}

func (r *Receiver) bind() (*net.UDPConn, error) {
	network := listenNetwork(r.cfg.ListenAddr)
	hostPort := net.JoinHostPort(r.cfg.ListenAddr, strconv.Itoa(r.cfg.Port))

	addr, err := net.ResolveUDPAddr(network, hostPort)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to resolve UDP address %s: %w", hostPort, err))
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", hostPort, err)
	}

	if r.cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(r.cfg.ReadBufferSize); err != nil {
			// Some systems cap the size; the buffer follows whatever the kernel grants
			r.logger.WithError(err).WithField("read_buffer_size", r.cfg.ReadBufferSize).
				Warn("Failed to set UDP read buffer size")
		}
	}

	return conn, nil
}

// listenNetwork pins IPv4 addresses, including the wildcard, to udp4 so batch
// reads can use the matching x/net wrapper.
func listenNetwork(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "udp6"
	}
	return "udp4"
}

func (r *Receiver) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer r.wg.Done()

	metrics.IncrementGoroutineCreated("udp_receiver")
	defer metrics.IncrementGoroutineDestroyed("udp_receiver")

	reader := r.newReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		if err := reader.read(); err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			r.readErrors.Add(1)
			r.currentMetrics().ReadError()
			r.sampled.Warn(logger.CategoryReadError, "UDP read failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (r *Receiver) currentMetrics() *metrics.ReceiverMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

// recordRead accounts for one read call returning n datagrams.
func (r *Receiver) recordRead(n, bytes int) {
	r.packets.Add(uint64(n))
	r.bytes.Add(uint64(bytes))
	r.batches.Add(1)
	r.currentMetrics().Received(n, bytes)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type datagramReader interface {
	read() error
}

func (r *Receiver) newReader(conn *net.UDPConn) datagramReader {
	if r.cfg.BatchSize <= 1 {
		return &singleReader{
			receiver: r,
			conn:     conn,
			buf:      make([]byte, r.cfg.MaxDatagramSize),
		}
	}

	var bc batchConn
	if listenNetwork(r.cfg.ListenAddr) == "udp6" {
		bc = ipv6.NewPacketConn(conn)
	} else {
		bc = ipv4.NewPacketConn(conn)
	}

	msgs := make([]ipv4.Message, r.cfg.BatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, r.cfg.MaxDatagramSize)}
	}
	return &batchReader{receiver: r, conn: bc, msgs: msgs}
}

// singleReader inserts one datagram per read with Add.
type singleReader struct {
	receiver *Receiver
	conn     *net.UDPConn
	buf      []byte
}

func (s *singleReader) read() error {
	n, addr, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		return err
	}

	data := make([]byte, n)
	copy(data, s.buf[:n])
	if _, err := s.receiver.buffer.Add(rcvbuf.NewPacket(data, addr)); err != nil {
		return err
	}

	s.receiver.recordRead(1, n)
	return nil
}

// batchConn is satisfied by both ipv4.PacketConn and ipv6.PacketConn, whose
// Message types alias the same struct.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// batchReader drains up to len(msgs) datagrams per recvmmsg and inserts them
// with AddAll.
type batchReader struct {
	receiver *Receiver
	conn     batchConn
	msgs     []ipv4.Message
}

func (b *batchReader) read() error {
	n, err := b.conn.ReadBatch(b.msgs, 0)
	if err != nil {
		return err
	}

	now := time.Now()
	packets := make([]*rcvbuf.Packet, n)
	total := 0
	for i := 0; i < n; i++ {
		msg := &b.msgs[i]
		data := make([]byte, msg.N)
		copy(data, msg.Buffers[0][:msg.N])
		packets[i] = &rcvbuf.Packet{Data: data, Addr: msg.Addr, ReceivedAt: now}
		total += msg.N
	}

	if err := b.receiver.buffer.AddAll(packets); err != nil {
		return err
	}

	b.receiver.recordRead(n, total)
	return nil
}
