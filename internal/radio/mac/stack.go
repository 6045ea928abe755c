// Package mac is a small software LoRaWAN 1.0 class A stack. It builds and
// secures frames with github.com/brocaar/lorawan, enforces regional duty
// cycles, tracks receive windows and reports progress as radio events.
package mac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brocaar/lorawan"

	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/jobs"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/region"
)

const (
	DefaultTxPower         = 16 // dBm
	DefaultMaxJoinAttempts = 8
	DefaultJoinBackoff     = 10 * time.Second

	adrAckLimit   = 64
	adrAckDelay   = 32
	linkDeadAfter = adrAckLimit + adrAckDelay

	maxFCntGap     = 16384
	maxJoinBackoff = time.Hour
)

var ErrNoChannel = errors.New("no channel supports the data rate")

// NonceStore keeps the last DevNonce used so join requests are never
// replayed across restarts.
type NonceStore interface {
	LoadDevNonce() (uint16, error)
	SaveDevNonce(uint16) error
}

type Config struct {
	Plan region.Plan
	// DataRate index used for uplinks and joins. Negative selects the
	// fastest 125 kHz LoRa rate of the plan.
	DataRate        int
	TxPower         int
	ADR             bool
	MaxJoinAttempts int
	JoinBackoff     time.Duration

	Credentials *radio.Credentials
	Nonces      NonceStore

	Clock  clock.Clock
	Logger *slog.Logger
}

type Stack struct {
	cfg       Config
	transport radio.Transport
	clock     clock.Clock
	logger    *slog.Logger
	queue     *jobs.Queue
	dr        region.DataRate

	mu        sync.Mutex
	ctx       context.Context
	handler   radio.EventHandler
	events    []radio.Event
	session   *radio.Session
	rx1Delay  time.Duration
	bands     map[string]time.Time // band -> time it may transmit again
	nextCh    int
	tx        *uplink
	join      *joinState
	ackDown   bool // a confirmed downlink waits for our ACK bit
	adrAckCnt int
	linkDead  bool
	uplinks   int
	downlinks int

	txJob   jobs.Job
	rxJob   jobs.Job
	joinJob jobs.Job
}

var _ radio.Service = (*Stack)(nil)

func New(transport radio.Transport, cfg Config) (*Stack, error) {
	if transport == nil {
		return nil, errors.New("mac: nil transport")
	}
	if err := cfg.Plan.Validate(); err != nil {
		return nil, err
	}
	if cfg.DataRate < 0 {
		cfg.DataRate = fastestDataRate(cfg.Plan)
	}
	dr, ok := cfg.Plan.DataRate(cfg.DataRate)
	if !ok {
		return nil, fmt.Errorf("mac: data rate %d not in plan %s", cfg.DataRate, cfg.Plan.Name)
	}
	supported := false
	for _, ch := range cfg.Plan.Channels {
		if ch.SupportsDR(dr.Index) {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("mac: data rate %d: %w", dr.Index, ErrNoChannel)
	}
	if cfg.TxPower == 0 {
		cfg.TxPower = DefaultTxPower
	}
	if cfg.MaxJoinAttempts <= 0 {
		cfg.MaxJoinAttempts = DefaultMaxJoinAttempts
	}
	if cfg.JoinBackoff <= 0 {
		cfg.JoinBackoff = DefaultJoinBackoff
	}
	if cfg.Nonces == nil {
		cfg.Nonces = &MemoryNonces{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Wall
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Stack{
		cfg:       cfg,
		transport: transport,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "mac"),
		queue:     jobs.New(),
		dr:        dr,
		ctx:       context.Background(),
		bands:     make(map[string]time.Time),
		rx1Delay:  cfg.Plan.ReceiveDelay1(),
	}, nil
}

func fastestDataRate(p region.Plan) int {
	best, bestSF := -1, 0
	for _, dr := range p.DataRates {
		if dr.Modulation != region.ModulationLoRa || dr.Bandwidth != 125000 {
			continue
		}
		if best < 0 || dr.SpreadingFactor < bestSF {
			best, bestSF = dr.Index, dr.SpreadingFactor
		}
	}
	if best < 0 && len(p.DataRates) > 0 {
		return p.DataRates[0].Index
	}
	return best
}

// DataRate returns the data rate used for transmissions.
func (s *Stack) DataRate() region.DataRate { return s.dr }

func (s *Stack) OnEvent(h radio.EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Schedule arms a caller-owned job on the stack's queue. It fires from
// RunOnce like the stack's own timers.
func (s *Stack) Schedule(job *jobs.Job, at time.Time, fn func()) {
	s.queue.Schedule(job, at, fn)
}

// NextWake returns the time of the earliest pending timer.
func (s *Stack) NextWake() (time.Time, bool) {
	return s.queue.Next()
}

// RunOnce processes received frames, fires due timers and delivers the
// resulting events to the handler.
func (s *Stack) RunOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	downlinks := s.transport.Downlinks()
drain:
	for {
		select {
		case frame, ok := <-downlinks:
			if !ok {
				break drain
			}
			s.handleDownlink(frame)
		default:
			break drain
		}
	}

	s.queue.RunDue(s.clock.Now())
	s.flush()
	return nil
}

func (s *Stack) ConfigureFixedSession(netID lorawan.NetID, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.join != nil {
		s.queue.Cancel(&s.joinJob)
		s.join = nil
	}
	s.session = &radio.Session{
		NetID:      netID,
		DevAddr:    devAddr,
		NwkSKey:    nwkSKey,
		AppSKey:    appSKey,
		Activation: radio.ActivationABP,
	}
	s.rx1Delay = s.cfg.Plan.ReceiveDelay1()
	s.adrAckCnt = 0
	s.linkDead = false
	s.logger.Info("session configured", "dev_addr", devAddr.String(), "net_id", netID.String())
}

func (s *Stack) SessionKeys() (radio.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return radio.Session{}, false
	}
	return *s.session, true
}

func (s *Stack) Counters() radio.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := radio.Counters{
		ADRAckCount: s.adrAckCnt,
		Uplinks:     s.uplinks,
		Downlinks:   s.downlinks,
	}
	if s.session != nil {
		c.FCntUp = s.session.FCntUp
		c.FCntDown = s.session.FCntDown
	}
	if s.join != nil {
		c.JoinAttempts = s.join.attempts
	}
	return c
}

// Reset drops the session and any work in progress. Timers armed through
// Schedule by callers are left alone.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.Cancel(&s.txJob)
	s.queue.Cancel(&s.rxJob)
	s.queue.Cancel(&s.joinJob)
	s.session = nil
	s.tx = nil
	s.join = nil
	s.ackDown = false
	s.adrAckCnt = 0
	s.linkDead = false
	s.rx1Delay = s.cfg.Plan.ReceiveDelay1()
	s.emit(radio.Reset{})
}

// emit queues an event for delivery at the end of RunOnce. Callers hold mu.
func (s *Stack) emit(ev radio.Event) {
	s.events = append(s.events, ev)
}

func (s *Stack) flush() {
	for {
		s.mu.Lock()
		if len(s.events) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.events[0]
		s.events = s.events[1:]
		h := s.handler
		s.mu.Unlock()

		if h != nil {
			h(ev)
		}
	}
}
