// Package rylr896 drives a REYAX RYLR896 LoRa module over its UART AT
// command set and exposes it as a radio transport. PHY payloads travel
// hex-encoded inside AT+SEND and +RCV lines.
package rylr896

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"cloudpico-node/internal/radio"
)

const (
	commandTimeout = 10 * time.Second
	// The module drops commands sent back to back.
	commandGap = 4 * time.Millisecond

	maxSendChars     = 240
	maxRFOutputPower = 15
	downlinkCapacity = 16

	codingRate4_5 = 1
	preamble      = 4
)

var (
	ErrCommandTimeout = errors.New("rylr896: command timeout")
	ErrFrameTooLong   = errors.New("rylr896: frame exceeds 120 bytes")
)

// result codes reported as +ERR=<code>
var errText = map[int]string{
	1:  "missing CRLF",
	2:  "command does not start with AT",
	3:  "missing '='",
	4:  "unknown command",
	10: "transmit over time",
	11: "receive over time",
	12: "CRC error",
	13: "transmit over run",
	15: "unknown error",
}

// CommandError is a +ERR reply from the module.
type CommandError struct {
	Code int
}

func (e *CommandError) Error() string {
	if s, ok := errText[e.Code]; ok {
		return fmt.Sprintf("rylr896: +ERR=%d (%s)", e.Code, s)
	}
	return fmt.Sprintf("rylr896: +ERR=%d", e.Code)
}

type Config struct {
	Port      string
	Baud      int
	Address   uint16 // our module address
	NetworkID uint8
	Gateway   uint16 // address frames are sent to
	// Initial RF settings; Send retunes when a transmission differs.
	Frequency       uint32
	SpreadingFactor int
	Bandwidth       int // Hz
	TxPower         int // dBm
}

type command struct {
	text string
	resp chan error
}

type Modem struct {
	port   io.ReadWriteCloser
	cfg    Config
	logger *slog.Logger

	commands  chan command
	downlinks chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex // serialises Send
	frequency uint32
	sf        int
	bandwidth int
}

var _ radio.Transport = (*Modem)(nil)

// Open attaches to the serial port and configures the module.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Modem, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}

	m := New(port, cfg, logger)
	if err := m.Configure(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// New wraps an already open port. The caller should follow up with
// Configure.
func New(port io.ReadWriteCloser, cfg Config, logger *slog.Logger) *Modem {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Modem{
		port:      port,
		cfg:       cfg,
		logger:    logger.With("component", "rylr896"),
		commands:  make(chan command),
		downlinks: make(chan []byte, downlinkCapacity),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Configure applies address, network id and RF parameters.
func (m *Modem) Configure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := []struct {
		name string
		cmd  string
	}{
		{"address", fmt.Sprintf("AT+ADDRESS=%d", m.cfg.Address)},
		{"network ID", fmt.Sprintf("AT+NETWORKID=%d", m.cfg.NetworkID)},
		{"RF output power", fmt.Sprintf("AT+CRFOP=%d", clampPower(m.cfg.TxPower))},
	}
	for _, s := range steps {
		if err := m.do(ctx, s.cmd); err != nil {
			return fmt.Errorf("set %s: %w", s.name, err)
		}
	}
	return m.tune(ctx, m.cfg.Frequency, m.cfg.SpreadingFactor, m.cfg.Bandwidth)
}

// tune sends AT+BAND / AT+PARAMETER when the requested settings differ from
// the current ones. Callers hold mu.
func (m *Modem) tune(ctx context.Context, freq uint32, sf, bw int) error {
	if freq != 0 && freq != m.frequency {
		if err := m.do(ctx, fmt.Sprintf("AT+BAND=%d", freq)); err != nil {
			return fmt.Errorf("set band: %w", err)
		}
		m.frequency = freq
	}
	if sf != 0 && (sf != m.sf || bw != m.bandwidth) {
		code, err := bandwidthCode(bw)
		if err != nil {
			return err
		}
		cmd := fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d", sf, code, codingRate4_5, preamble)
		if err := m.do(ctx, cmd); err != nil {
			return fmt.Errorf("set parameter: %w", err)
		}
		m.sf, m.bandwidth = sf, bw
	}
	return nil
}

func (m *Modem) Send(ctx context.Context, tx radio.Transmission) error {
	data := strings.ToUpper(hex.EncodeToString(tx.PHYPayload))
	if len(data) > maxSendChars {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(tx.PHYPayload))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.tune(ctx, tx.Frequency, tx.SpreadingFactor, tx.Bandwidth); err != nil {
		return err
	}
	if err := m.do(ctx, fmt.Sprintf("AT+SEND=%d,%d,%s", m.cfg.Gateway, len(data), data)); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

func (m *Modem) Downlinks() <-chan []byte { return m.downlinks }

// Close stops the reader and closes the port. Safe to call more than once.
func (m *Modem) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.port.Close()
	})
	return err
}

func (m *Modem) do(ctx context.Context, text string) error {
	resp := make(chan error, 1)
	select {
	case m.commands <- command{text: text, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return radio.ErrTransportStopped
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return radio.ErrTransportStopped
	}
}

// run owns the port: it writes one command at a time and routes every line
// either to the pending command or to the unsolicited handler.
func (m *Modem) run() {
	lines := make(chan string, 10)
	readErr := make(chan error, 1)

	go func() {
		reader := bufio.NewReader(m.port)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-m.done:
				return
			}
		}
	}()

	var pending chan error
	var timeout <-chan time.Time
	commands := m.commands

	for {
		select {
		case <-m.done:
			return

		case cmd := <-commands:
			m.logger.Debug("tx", "cmd", cmd.text)
			if _, err := m.port.Write([]byte(cmd.text + "\r\n")); err != nil {
				cmd.resp <- fmt.Errorf("write command: %w", err)
				continue
			}
			pending = cmd.resp
			timeout = time.After(commandTimeout)
			commands = nil // one command in flight

		case line := <-lines:
			line = strings.TrimRight(line, "\r\n")
			m.logger.Debug("rx", "line", line)
			if pending != nil && !strings.HasPrefix(line, "+RCV=") {
				pending <- parseReply(line)
				pending, timeout, commands = nil, nil, m.commands
				time.Sleep(commandGap)
				continue
			}
			m.unsolicited(line)

		case <-timeout:
			if pending != nil {
				pending <- ErrCommandTimeout
			}
			pending, timeout, commands = nil, nil, m.commands

		case err := <-readErr:
			select {
			case <-m.done:
			default:
				m.logger.Error("serial read failed", "error", err)
			}
			if pending != nil {
				pending <- fmt.Errorf("read reply: %w", err)
			}
			m.drainCommands(err)
			return
		}
	}
}

// drainCommands fails any later command once the reader is gone.
func (m *Modem) drainCommands(cause error) {
	for {
		select {
		case cmd := <-m.commands:
			cmd.resp <- fmt.Errorf("read reply: %w", cause)
		case <-m.done:
			return
		}
	}
}

func parseReply(line string) error {
	if strings.HasPrefix(line, "+OK") {
		return nil
	}
	if codeStr, found := strings.CutPrefix(line, "+ERR="); found {
		if code, err := strconv.Atoi(codeStr); err == nil {
			return &CommandError{Code: code}
		}
	}
	// data replies such as +ADDRESS=1
	return nil
}

func (m *Modem) unsolicited(line string) {
	payload, found := strings.CutPrefix(line, "+RCV=")
	if !found {
		if codeStr, isErr := strings.CutPrefix(line, "+ERR="); isErr {
			m.logger.Warn("module error", "code", codeStr)
			return
		}
		if line != "" {
			m.logger.Debug("unknown unsolicited data", "line", line)
		}
		return
	}

	rcv, err := parseReceived(payload)
	if err != nil {
		m.logger.Warn("malformed +RCV", "line", line, "error", err)
		return
	}
	m.logger.Debug("frame received", "from", rcv.Address, "len", len(rcv.Data), "rssi", rcv.RSSI, "snr", rcv.SNR)

	select {
	case m.downlinks <- rcv.Data:
	default:
		m.logger.Warn("downlink buffer full, dropping frame")
	}
}

// Received is one parsed +RCV=<address>,<length>,<data>,<rssi>,<snr> line.
type Received struct {
	Address uint16
	Data    []byte
	RSSI    int
	SNR     int
}

func parseReceived(payload string) (Received, error) {
	var r Received
	parts := strings.Split(payload, ",")
	if len(parts) != 5 {
		return r, fmt.Errorf("want 5 fields, got %d", len(parts))
	}

	addr, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return r, fmt.Errorf("address: %w", err)
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil {
		return r, fmt.Errorf("length: %w", err)
	}
	if length != len(parts[2]) {
		return r, fmt.Errorf("length %d does not match data %d", length, len(parts[2]))
	}
	data, err := hex.DecodeString(parts[2])
	if err != nil {
		return r, fmt.Errorf("data: %w", err)
	}
	rssi, err := strconv.Atoi(parts[3])
	if err != nil {
		return r, fmt.Errorf("rssi: %w", err)
	}
	snr, err := strconv.Atoi(parts[4])
	if err != nil {
		return r, fmt.Errorf("snr: %w", err)
	}

	r.Address = uint16(addr)
	r.Data = data
	r.RSSI = rssi
	r.SNR = snr
	return r, nil
}

func bandwidthCode(hz int) (int, error) {
	switch hz {
	case 125000:
		return 7, nil
	case 250000:
		return 8, nil
	case 500000:
		return 9, nil
	default:
		return 0, fmt.Errorf("rylr896: unsupported bandwidth %d Hz", hz)
	}
}

func clampPower(dbm int) int {
	switch {
	case dbm < 0:
		return 0
	case dbm > maxRFOutputPower:
		return maxRFOutputPower
	default:
		return dbm
	}
}
