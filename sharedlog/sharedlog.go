// Package sharedlog replicates an oplog.Log across peers.
//
// Each node claims a segment of the keyspace, sized by a PID controller in
// dynamic mode, and announces it to the other nodes of the log. A sync tick
// reconciles the hashes held within overlapping segments with every peer
// and exchanges the difference. Entries outside the node's own segment are
// pruned once enough other replicators cover them.
package sharedlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/keys"
	"xdao.co/peerlog/logger"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/pid"
	"xdao.co/peerlog/rangeindex"
	"xdao.co/peerlog/reconcile"
	"xdao.co/peerlog/state"
	"xdao.co/peerlog/storage"
	"xdao.co/peerlog/storage/casregistry"
	"xdao.co/peerlog/storage/memcas"
	"xdao.co/peerlog/transport"
	"xdao.co/peerlog/wire"
)

var (
	// ErrClosed is returned by operations on a SharedLog that is not open.
	ErrClosed = errors.New("sharedlog: not open")
	// ErrNotClosed is returned by Open on a SharedLog that is already running.
	ErrNotClosed = errors.New("sharedlog: already open")
	// ErrForeignSegment is returned for an announcement carrying segments
	// of a key other than the sender's.
	ErrForeignSegment = errors.New("sharedlog: segment owner is not the sender")
	// ErrUnexpected is returned for a message with no handler.
	ErrUnexpected = errors.New("sharedlog: unexpected message")
)

// State is the lifecycle state of a SharedLog.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Deps are the collaborators of a SharedLog.
type Deps struct {
	// Transport must identify the node by the String form of Signer's key.
	Transport transport.Transport
	Signer    keys.Signer
	Keychain  keys.Keychain
	// CAS stores entry blocks. Nil opens Config.Blocks.
	CAS storage.CAS
	// State persists heads and segments. Nil opens Config.StatePath.
	State      *state.DB
	Clock      clock.Clock
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// CPU reports the node's CPU usage in [0,1]. Nil disables the CPU override.
	CPU func() (float64, bool)
	// Verify is an extra trust check run on every remote entry.
	Verify oplog.VerifyFunc
}

// SharedLog is one node's replica of a shared log.
type SharedLog struct {
	cfg        Config
	deps       Deps
	self       keys.PublicKey
	peerID     transport.PeerID
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics
	controller *pid.Controller
	limiter    *rate.Limiter
	topic      string
	rpcTopic   string
	offset     uint64

	// rebalanceMu serializes controller ticks.
	rebalanceMu sync.Mutex

	mu        sync.Mutex
	state     State
	log       *oplog.Log
	index     *rangeindex.Index
	local     storage.CAS
	simple    *reconcile.Simple
	iblt      *reconcile.RatelessIBLT
	closers   []func() error
	unsub     []func()
	peers     map[transport.PeerID]uint32
	greeted   map[transport.PeerID]bool
	segment   rangeindex.Segment
	hasSeg    bool
	lastTS    int64
	announced struct {
		once    bool
		factor  float64
		pending bool
	}
	debounce   *clock.Timer
	syncCursor int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool
}

// New validates cfg and returns a closed SharedLog.
func New(cfg Config, deps Deps) (*SharedLog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil || deps.Signer == nil {
		return nil, errors.New("sharedlog: transport and signer are required")
	}
	self := deps.Signer.PublicKey()
	if deps.Transport.Self() != transport.PeerID(self.String()) {
		return nil, fmt.Errorf("sharedlog: transport identity %s does not match signer %s", deps.Transport.Self(), self)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	log := logger.OrNop(deps.Logger).With(zap.String("log_id", cfg.LogID), zap.Stringer("self", self))

	controller := pid.New()
	if cfg.PID.KP > 0 {
		controller.KP = cfg.PID.KP
	}
	if cfg.PID.KI > 0 {
		controller.KI = cfg.PID.KI
	}
	if cfg.PID.KD > 0 {
		controller.KD = cfg.PID.KD
	}
	controller.TargetMemory = float64(cfg.TargetMemoryBytes)
	controller.MaxCPU = cfg.MaxCPUUsage

	limit := rate.Inf
	if cfg.AnnounceRate > 0 {
		limit = rate.Limit(cfg.AnnounceRate)
	}

	return &SharedLog{
		cfg:        cfg,
		deps:       deps,
		self:       self,
		peerID:     transport.PeerID(self.String()),
		clock:      deps.Clock,
		logger:     log,
		metrics:    newMetrics(deps.Registerer, cfg.LogID),
		controller: controller,
		limiter:    rate.NewLimiter(limit, 1),
		topic:      "peerlog/" + cfg.LogID,
		rpcTopic:   "peerlog/" + cfg.LogID + "/rpc",
		offset:     domain.CoordinateOfGID(self.String(), domain.U64),
		events:     make(chan Event, max(cfg.EventBuffer, 1)),
	}, nil
}

// Open restores the log and the range index, joins the log topics and
// announces the node's segment.
func (s *SharedLog) Open(ctx context.Context) (err error) {
	s.eventsMu.RLock()
	reopened := s.eventsClosed
	s.eventsMu.RUnlock()
	if reopened {
		return errors.New("sharedlog: cannot reopen a closed log")
	}
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return ErrNotClosed
	}
	s.state = StateOpening
	s.mu.Unlock()

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				err = multierr.Append(err, closers[i]())
			}
			s.setState(StateClosed)
		}
	}()

	local := s.deps.CAS
	if local == nil {
		if len(s.cfg.Blocks.Backends) > 0 {
			cas, closeFn, err := s.cfg.Blocks.Open(casregistry.UsageNode, "")
			if err != nil {
				return fmt.Errorf("sharedlog: open blocks: %w", err)
			}
			local = cas
			if closeFn != nil {
				closers = append(closers, closeFn)
			}
		} else {
			local = memcas.New()
		}
	}

	db := s.deps.State
	if db == nil && s.cfg.StatePath != "" {
		db, err = state.Open(s.cfg.StatePath, s.logger)
		if err != nil {
			return fmt.Errorf("sharedlog: %w", err)
		}
		closers = append(closers, db.Close)
	}

	var (
		heads oplog.HeadStore
		index *rangeindex.Index
	)
	if db != nil {
		heads = db
		index, err = rangeindex.Load(db.Segments(s.cfg.LogID))
		if err != nil {
			return fmt.Errorf("sharedlog: %w", err)
		}
	} else {
		index = rangeindex.New()
	}

	blocks := &storage.FallbackCAS{
		Local:   local,
		Remote:  storage.FetcherFunc(s.fetchBlock),
		Timeout: s.cfg.FetchTimeout,
	}
	l, err := oplog.Open(ctx, blocks, oplog.Options{
		ID:           s.cfg.LogID,
		Identity:     s.deps.Signer,
		Keychain:     s.deps.Keychain,
		Trim:         s.cfg.Trim.Policy(),
		Logger:       s.logger,
		FetchTimeout: s.cfg.FetchTimeout,
		Heads:        heads,
	})
	if err != nil {
		return fmt.Errorf("sharedlog: %w", err)
	}
	closers = append(closers, func() error { return l.Close(context.Background()) })

	requester := reconcile.RequesterFunc(s.request)
	source := reconcile.SourceFunc(s.hashes)

	s.mu.Lock()
	s.log = l
	s.index = index
	s.local = local
	s.simple = reconcile.NewSimple(source, requester, domain.U32, s.logger)
	s.iblt = reconcile.NewRatelessIBLT(source, requester, reconcile.IBLTOptions{Clock: s.clock, Logger: s.logger})
	s.peers = make(map[transport.PeerID]uint32)
	s.greeted = make(map[transport.PeerID]bool)
	s.hasSeg = false
	if own := index.Segments(s.self); len(own) > 0 {
		s.segment, s.hasSeg = own[0], true
		s.lastTS = own[0].Timestamp
	}
	s.mu.Unlock()

	cancelSub, err := s.deps.Transport.Subscribe(s.topic, s.onMessage)
	if err != nil {
		return fmt.Errorf("sharedlog: subscribe: %w", err)
	}
	closers = append(closers, func() error { cancelSub(); return nil })
	cancelReq, err := s.deps.Transport.HandleRequests(s.rpcTopic, s.onRequest)
	if err != nil {
		return fmt.Errorf("sharedlog: handle requests: %w", err)
	}
	closers = append(closers, func() error { cancelReq(); return nil })

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.closers = closers
	s.ctx, s.cancel = loopCtx, cancel
	s.state = StateOpen
	s.mu.Unlock()

	if err := s.rebalance(ctx, true); err != nil {
		s.logger.Warn("Initial announcement failed", zap.Error(err))
	}
	if s.cfg.Compatibility < wire.CompatIncremental {
		if err := s.publish(ctx, &wire.RequestReplicationInfo{}); err != nil {
			s.logger.Warn("Failed to request replication info", zap.Error(err))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(loopCtx)
	}()

	s.logger.Info("Opened shared log",
		zap.String("replicate", string(s.cfg.Replicate)),
		zap.Uint32("compatibility", s.cfg.Compatibility),
		zap.Int("entries", l.Len()),
		zap.Int("segments", index.Len()))
	return nil
}

// Close withdraws the node's segments, stops background work and closes
// the log. A closed SharedLog cannot be reopened.
func (s *SharedLog) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	cancel, closers := s.cancel, s.closers
	s.closers = nil
	ts := s.nextTSLocked()
	s.mu.Unlock()

	err := s.publish(ctx, &wire.StoppedReplicating{Timestamp: ts})

	cancel()
	s.wg.Wait()

	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}

	s.setState(StateClosed)
	s.eventsMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.eventsMu.Unlock()

	s.logger.Info("Closed shared log")
	return err
}

func (s *SharedLog) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the lifecycle state.
func (s *SharedLog) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SharedLog) isOpen() bool { return s.State() == StateOpen }

// Log returns the underlying log. It is nil before the first Open.
func (s *SharedLog) Log() *oplog.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// Index returns the range index. It is nil before the first Open.
func (s *SharedLog) Index() *rangeindex.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// PeerID is the node's transport identity.
func (s *SharedLog) PeerID() transport.PeerID { return s.peerID }

// Events delivers background activity. Events are dropped when the buffer
// is full. The channel is closed by Close.
func (s *SharedLog) Events() <-chan Event { return s.events }

func (s *SharedLog) emit(ev Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Append appends payload to the log and publishes the new head.
func (s *SharedLog) Append(ctx context.Context, payload []byte, opts ...oplog.AppendOption) (*oplog.AppendResult, error) {
	if !s.isOpen() {
		return nil, ErrClosed
	}
	res, err := s.log.Append(ctx, payload, opts...)
	if err != nil {
		return nil, err
	}
	s.metrics.appends.Inc()
	if err := s.publish(ctx, &wire.ExchangeHeads{Heads: [][]byte{res.Entry.Bytes()}}); err != nil {
		s.logger.Warn("Failed to publish head", zap.Stringer("hash", res.Entry.Hash()), zap.Error(err))
	}
	s.scheduleRebalance()
	return res, nil
}

// goTracked runs fn in a goroutine that Close waits for. It reports false
// when the log is no longer open.
func (s *SharedLog) goTracked(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return false
	}
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
	return true
}

func (s *SharedLog) run(ctx context.Context) {
	control := s.clock.Ticker(s.cfg.ControlInterval)
	defer control.Stop()
	syncTick := s.clock.Ticker(s.cfg.SyncInterval)
	defer syncTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-control.C:
			if err := s.Rebalance(ctx); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Warn("Rebalance failed", zap.Error(err))
			}
		case <-syncTick.C:
			if err := s.Sync(ctx); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Debug("Sync round finished with errors", zap.Error(err))
			}
		}
	}
}
