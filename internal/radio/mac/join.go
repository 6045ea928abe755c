package mac

import (
	"crypto/aes"
	"fmt"
	"sync"
	"time"

	"github.com/brocaar/lorawan"

	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/region"
)

type joinState struct {
	attempts   int
	hadSession bool
	channel    int
	devNonce   lorawan.DevNonce
	txEnd      time.Time // zero until the current request is on air
}

// StartJoin begins over-the-air activation. Any session and pending uplink
// are dropped. Calling it while a join is in progress is a no-op.
func (s *Stack) StartJoin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Credentials == nil {
		return radio.ErrNoCredentials
	}
	if s.join != nil {
		return nil
	}

	s.queue.Cancel(&s.txJob)
	s.queue.Cancel(&s.rxJob)
	s.tx = nil
	s.join = &joinState{hadSession: s.session != nil}
	s.session = nil

	s.emit(radio.JoinStarted{})
	return s.scheduleJoinRequest(s.clock.Now())
}

// Callers hold mu.
func (s *Stack) scheduleJoinRequest(after time.Time) error {
	ch, at, err := s.pickChannel(after, s.dr.Index)
	if err != nil {
		s.join = nil
		return err
	}
	s.join.channel = ch
	s.join.txEnd = time.Time{}
	s.queue.Schedule(&s.joinJob, at, s.sendJoinRequest)
	return nil
}

func (s *Stack) sendJoinRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()

	js := s.join
	if js == nil {
		return
	}
	creds := s.cfg.Credentials

	nonce, err := s.nextDevNonce()
	if err != nil {
		s.logger.Error("dev nonce unavailable, abandoning join", "error", err)
		js.attempts++
		s.failJoin(js)
		return
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  creds.JoinEUI,
			DevEUI:   creds.DevEUI,
			DevNonce: nonce,
		},
	}
	if err := phy.SetUplinkJoinMIC(creds.AppKey); err != nil {
		s.logger.Error("join request mic", "error", err)
		js.attempts++
		s.failJoin(js)
		return
	}
	frame, err := phy.MarshalBinary()
	if err != nil {
		s.logger.Error("marshal join request", "error", err)
		js.attempts++
		s.failJoin(js)
		return
	}

	ch := s.cfg.Plan.Channels[js.channel]
	now := s.clock.Now()
	js.attempts++
	js.devNonce = nonce

	err = s.transport.Send(s.ctx, radio.Transmission{
		PHYPayload:      frame,
		Frequency:       ch.Frequency,
		DataRate:        s.dr.Index,
		SpreadingFactor: s.dr.SpreadingFactor,
		Bandwidth:       s.dr.Bandwidth,
		TxPower:         s.cfg.TxPower,
		At:              now,
	})
	if err != nil {
		s.logger.Warn("join request not sent", "attempt", js.attempts, "error", err)
		s.retryJoin(js, now)
		return
	}

	airtime := region.TimeOnAir(s.dr, len(frame))
	s.markBand(ch, now, airtime)
	js.txEnd = now.Add(airtime)

	s.logger.Info("join request sent",
		"attempt", js.attempts,
		"dev_nonce", uint16(nonce),
		"freq", ch.Frequency,
		"dr", s.dr.Index,
	)

	closeAt := js.txEnd.Add(s.cfg.Plan.JoinAcceptDelay2() + s.cfg.Plan.RXWindow())
	s.queue.Schedule(&s.joinJob, closeAt, s.joinWindowsClosed)
}

func (s *Stack) joinWindowsClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	js := s.join
	if js == nil {
		return
	}
	s.emit(radio.JoinTxComplete{Attempt: js.attempts})
	s.retryJoin(js, s.clock.Now())
}

// retryJoin schedules the next attempt with a linear backoff, or gives up.
// Callers hold mu.
func (s *Stack) retryJoin(js *joinState, now time.Time) {
	if js.attempts >= s.cfg.MaxJoinAttempts {
		s.failJoin(js)
		return
	}
	backoff := time.Duration(js.attempts) * s.cfg.JoinBackoff
	if backoff > maxJoinBackoff {
		backoff = maxJoinBackoff
	}
	if err := s.scheduleJoinRequest(now.Add(backoff)); err != nil {
		s.logger.Error("join retry not scheduled", "error", err)
		s.emitJoinFailure(js)
	}
}

// Callers hold mu.
func (s *Stack) failJoin(js *joinState) {
	s.queue.Cancel(&s.joinJob)
	s.join = nil
	s.emitJoinFailure(js)
}

func (s *Stack) emitJoinFailure(js *joinState) {
	s.logger.Warn("join failed", "attempts", js.attempts)
	if js.hadSession {
		s.emit(radio.RejoinFailed{Attempts: js.attempts})
		return
	}
	s.emit(radio.JoinFailed{Attempts: js.attempts})
}

// Callers hold mu.
func (s *Stack) handleJoinAccept(phy *lorawan.PHYPayload) {
	js := s.join
	if js == nil || js.txEnd.IsZero() {
		s.logger.Debug("unexpected join accept")
		return
	}
	creds := s.cfg.Credentials

	if err := phy.DecryptJoinAcceptPayload(creds.AppKey); err != nil {
		s.logger.Warn("join accept decrypt failed", "error", err)
		return
	}
	valid, err := phy.ValidateDownlinkJoinMIC(lorawan.JoinRequestType, creds.JoinEUI, js.devNonce, creds.AppKey)
	if err != nil || !valid {
		s.logger.Warn("join accept MIC invalid", "error", err)
		return
	}
	ja, ok := phy.MACPayload.(*lorawan.JoinAcceptPayload)
	if !ok {
		s.logger.Warn("join accept without payload")
		return
	}

	nwkSKey, appSKey, err := deriveSessionKeys(creds.AppKey, ja.JoinNonce, ja.HomeNetID, js.devNonce)
	if err != nil {
		s.logger.Error("derive session keys", "error", err)
		return
	}

	s.queue.Cancel(&s.joinJob)
	s.join = nil
	s.session = &radio.Session{
		NetID:      ja.HomeNetID,
		DevAddr:    ja.DevAddr,
		NwkSKey:    nwkSKey,
		AppSKey:    appSKey,
		Activation: radio.ActivationOTAA,
	}
	s.rx1Delay = time.Duration(ja.RXDelay) * time.Second
	if s.rx1Delay == 0 {
		s.rx1Delay = time.Second
	}
	s.adrAckCnt = 0
	s.linkDead = false

	s.logger.Info("joined", "dev_addr", ja.DevAddr.String(), "net_id", ja.HomeNetID.String(), "attempts", js.attempts)
	s.emit(radio.Joined{Session: *s.session})
}

// Callers hold mu.
func (s *Stack) nextDevNonce() (lorawan.DevNonce, error) {
	last, err := s.cfg.Nonces.LoadDevNonce()
	if err != nil {
		return 0, fmt.Errorf("load dev nonce: %w", err)
	}
	next := last + 1
	if err := s.cfg.Nonces.SaveDevNonce(next); err != nil {
		return 0, fmt.Errorf("save dev nonce: %w", err)
	}
	return lorawan.DevNonce(next), nil
}

// deriveSessionKeys computes the LoRaWAN 1.0 session keys:
// aes128(AppKey, type | JoinNonce | NetID | DevNonce | pad), all fields
// little endian.
func deriveSessionKeys(appKey lorawan.AES128Key, joinNonce lorawan.JoinNonce, netID lorawan.NetID, devNonce lorawan.DevNonce) (nwkSKey, appSKey lorawan.AES128Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, err
	}

	derive := func(typ byte) lorawan.AES128Key {
		var in, out [16]byte
		in[0] = typ
		in[1] = byte(joinNonce)
		in[2] = byte(joinNonce >> 8)
		in[3] = byte(joinNonce >> 16)
		in[4] = netID[2]
		in[5] = netID[1]
		in[6] = netID[0]
		in[7] = byte(devNonce)
		in[8] = byte(devNonce >> 8)
		block.Encrypt(out[:], in[:])
		return lorawan.AES128Key(out)
	}
	return derive(0x01), derive(0x02), nil
}

// MemoryNonces is a NonceStore that forgets on restart.
type MemoryNonces struct {
	mu   sync.Mutex
	last uint16
}

func (m *MemoryNonces) LoadDevNonce() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *MemoryNonces) SaveDevNonce(v uint16) error {
	m.mu.Lock()
	m.last = v
	m.mu.Unlock()
	return nil
}
