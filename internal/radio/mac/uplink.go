package mac

import (
	"fmt"
	"time"

	"github.com/brocaar/lorawan"

	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/region"
	"cloudpico-node/internal/utils"
)

type uplink struct {
	port      uint8
	payload   []byte
	confirmed bool
	channel   int

	sent     bool
	fcnt     uint32
	txEnd    time.Time
	rx2Open  time.Time
	rx2Close time.Time
}

func (s *Stack) QueueUplink(port uint8, payload []byte, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return radio.ErrNoSession
	}
	if s.tx != nil || s.join != nil {
		return radio.ErrTxPending
	}
	if port == 0 || port > 223 {
		return fmt.Errorf("%w: %d", radio.ErrInvalidPort, port)
	}
	if s.dr.MaxPayload > 0 && len(payload) > s.dr.MaxPayload {
		return fmt.Errorf("%w: %d > %d bytes", radio.ErrPayloadTooLarge, len(payload), s.dr.MaxPayload)
	}

	ch, at, err := s.pickChannel(s.clock.Now(), s.dr.Index)
	if err != nil {
		return err
	}

	s.tx = &uplink{
		port:      port,
		payload:   append([]byte(nil), payload...),
		confirmed: confirmed,
		channel:   ch,
	}
	s.queue.Schedule(&s.txJob, at, s.transmitUplink)

	s.logger.Debug("uplink queued",
		"port", port,
		"len", len(payload),
		"confirmed", confirmed,
		"tx_at", at,
	)
	return nil
}

func (s *Stack) transmitUplink() {
	s.mu.Lock()
	defer s.mu.Unlock()

	up := s.tx
	if up == nil || up.sent || s.session == nil {
		return
	}

	frame, err := s.buildDataUp(up)
	if err != nil {
		s.failUplink(err)
		return
	}

	ch := s.cfg.Plan.Channels[up.channel]
	now := s.clock.Now()
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
		s.failUplink(err)
		return
	}

	airtime := region.TimeOnAir(s.dr, len(frame))
	s.markBand(ch, now, airtime)

	up.sent = true
	up.fcnt = s.session.FCntUp
	up.txEnd = now.Add(airtime)
	up.rx2Open = up.txEnd.Add(s.rx1Delay + time.Second)
	up.rx2Close = up.rx2Open.Add(s.cfg.Plan.RXWindow())

	s.session.FCntUp++
	s.uplinks++
	s.ackDown = false
	s.adrAckCnt++
	if s.adrAckCnt >= linkDeadAfter && !s.linkDead {
		s.linkDead = true
		s.logger.Warn("no downlink received, link considered dead", "uplinks", s.adrAckCnt)
		s.emit(radio.LinkDead{})
	}

	s.logger.Info("uplink sent",
		"fcnt", up.fcnt,
		"port", up.port,
		"freq", ch.Frequency,
		"dr", s.dr.Index,
		"airtime", airtime,
		"frame", utils.BytesToHex(frame),
	)
	s.emit(radio.TxStart{})
	s.queue.Schedule(&s.rxJob, up.rx2Close, s.closeWindows)
}

func (s *Stack) buildDataUp(up *uplink) ([]byte, error) {
	sess := s.session
	mtype := lorawan.UnconfirmedDataUp
	if up.confirmed {
		mtype = lorawan.ConfirmedDataUp
	}
	fport := up.port

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: sess.DevAddr,
				FCtrl: lorawan.FCtrl{
					ADR:       s.cfg.ADR,
					ADRACKReq: s.cfg.ADR && s.adrAckCnt >= adrAckLimit,
					ACK:       s.ackDown,
				},
				FCnt: sess.FCntUp,
			},
			FPort:      &fport,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: up.payload}},
		},
	}
	if err := phy.EncryptFRMPayload(sess.AppSKey); err != nil {
		return nil, fmt.Errorf("encrypt frm payload: %w", err)
	}
	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, sess.NwkSKey, sess.NwkSKey); err != nil {
		return nil, fmt.Errorf("set uplink mic: %w", err)
	}
	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal uplink: %w", err)
	}
	return b, nil
}

// failUplink abandons the pending uplink. Callers hold mu.
func (s *Stack) failUplink(err error) {
	s.logger.Warn("uplink failed", "error", err)
	s.tx = nil
	s.emit(radio.TxComplete{Flags: radio.FlagTxError})
}

// closeWindows runs after RX2 without a downlink.
func (s *Stack) closeWindows() {
	s.mu.Lock()
	defer s.mu.Unlock()

	up := s.tx
	if up == nil || !up.sent {
		return
	}
	s.tx = nil

	var flags radio.TxRxFlags
	if up.confirmed {
		flags |= radio.FlagNack
	}
	s.emit(radio.TxComplete{Flags: flags})
}

func (s *Stack) handleDownlink(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		s.logger.Debug("dropping malformed frame", "error", err, "frame", utils.BytesToHex(frame))
		return
	}

	switch phy.MHDR.MType {
	case lorawan.JoinAccept:
		s.handleJoinAccept(&phy)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		s.handleDataDown(&phy)
	default:
		s.logger.Debug("ignoring frame", "mtype", phy.MHDR.MType.String())
	}
}

func (s *Stack) handleDataDown(phy *lorawan.PHYPayload) {
	sess := s.session
	if sess == nil {
		return
	}
	mac, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok || mac.FHDR.DevAddr != sess.DevAddr {
		s.logger.Debug("downlink not addressed to us")
		return
	}

	fcnt := expandFCnt(sess.FCntDown, mac.FHDR.FCnt)
	if fcnt-sess.FCntDown > maxFCntGap {
		s.logger.Warn("downlink frame counter out of range", "fcnt", fcnt, "expected", sess.FCntDown)
		return
	}
	mac.FHDR.FCnt = fcnt

	valid, err := phy.ValidateDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, sess.NwkSKey)
	if err != nil || !valid {
		s.logger.Warn("downlink MIC invalid", "fcnt", fcnt, "error", err)
		return
	}

	key := sess.AppSKey
	if mac.FPort != nil && *mac.FPort == 0 {
		key = sess.NwkSKey
	}
	if len(mac.FRMPayload) > 0 {
		if err := phy.DecryptFRMPayload(key); err != nil {
			s.logger.Warn("downlink decrypt failed", "error", err)
			return
		}
	}

	var port uint8
	var data []byte
	if mac.FPort != nil {
		port = *mac.FPort
	}
	if port > 0 && len(mac.FRMPayload) > 0 {
		if dp, ok := mac.FRMPayload[0].(*lorawan.DataPayload); ok {
			data = append([]byte(nil), dp.Bytes...)
		}
	}

	sess.FCntDown = fcnt + 1
	s.downlinks++
	s.adrAckCnt = 0
	if phy.MHDR.MType == lorawan.ConfirmedDataDown {
		s.ackDown = true
	}
	if s.linkDead {
		s.linkDead = false
		s.emit(radio.LinkAlive{})
	}

	s.logger.Info("downlink received", "fcnt", fcnt, "port", port, "len", len(data), "ack", mac.FHDR.FCtrl.ACK)

	now := s.clock.Now()
	up := s.tx
	if up == nil || !up.sent || now.Before(up.txEnd) || now.After(up.rx2Close) {
		if port > 0 {
			s.emit(radio.RxComplete{Port: port, Data: data})
		}
		return
	}

	flags := radio.FlagDNW1
	if !now.Before(up.rx2Open) {
		flags = radio.FlagDNW2
	}
	if up.confirmed {
		if mac.FHDR.FCtrl.ACK {
			flags |= radio.FlagAck
		} else {
			flags |= radio.FlagNack
		}
	}
	if port > 0 {
		flags |= radio.FlagPort
	} else {
		flags |= radio.FlagNoPort
	}

	s.queue.Cancel(&s.rxJob)
	s.tx = nil
	s.emit(radio.TxComplete{Flags: flags, Port: port, Data: data})
}

// expandFCnt widens a 16-bit downlink counter to the 32-bit value closest
// above the next expected one.
func expandFCnt(next uint32, fcnt16 uint32) uint32 {
	fcnt := next&^0xffff | fcnt16&0xffff
	if fcnt < next {
		fcnt += 0x10000
	}
	return fcnt
}
