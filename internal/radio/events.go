package radio

import "fmt"

// Kind is the numeric event code reported by the radio stack. The values
// follow the classic LMIC event numbering so logs stay comparable with
// firmware traces.
type Kind int

const (
	KindScanTimeout Kind = iota + 1
	KindBeaconFound
	KindBeaconMissed
	KindBeaconTracked
	KindJoining
	KindJoined
	KindRFU1
	KindJoinFailed
	KindRejoinFailed
	KindTxComplete
	KindLostTSync
	KindReset
	KindRxComplete
	KindLinkDead
	KindLinkAlive
	KindScanFound
	KindTxStart
	KindTxCanceled
	KindRxStart
	KindJoinTxComplete
)

var kindNames = map[Kind]string{
	KindScanTimeout:    "scan_timeout",
	KindBeaconFound:    "beacon_found",
	KindBeaconMissed:   "beacon_missed",
	KindBeaconTracked:  "beacon_tracked",
	KindJoining:        "joining",
	KindJoined:         "joined",
	KindRFU1:           "rfu1",
	KindJoinFailed:     "join_failed",
	KindRejoinFailed:   "rejoin_failed",
	KindTxComplete:     "tx_complete",
	KindLostTSync:      "lost_tsync",
	KindReset:          "reset",
	KindRxComplete:     "rx_complete",
	KindLinkDead:       "link_dead",
	KindLinkAlive:      "link_alive",
	KindScanFound:      "scan_found",
	KindTxStart:        "tx_start",
	KindTxCanceled:     "tx_canceled",
	KindRxStart:        "rx_start",
	KindJoinTxComplete: "join_tx_complete",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one notification from the radio stack. The concrete types below
// form a closed set; consumers switch on the type.
type Event interface {
	Kind() Kind
}

// TxRxFlags describe the outcome of an uplink and its receive windows.
type TxRxFlags uint8

const (
	FlagDNW1    TxRxFlags = 0x01 // downlink received in RX1
	FlagDNW2    TxRxFlags = 0x02 // downlink received in RX2
	FlagPing    TxRxFlags = 0x04
	FlagTxError TxRxFlags = 0x08 // transport rejected the frame
	FlagPort    TxRxFlags = 0x10 // downlink carried a port
	FlagNoPort  TxRxFlags = 0x20 // downlink without port (MAC only)
	FlagNack    TxRxFlags = 0x40 // confirmed uplink was not acknowledged
	FlagAck     TxRxFlags = 0x80 // confirmed uplink was acknowledged
)

func (f TxRxFlags) Has(flag TxRxFlags) bool { return f&flag != 0 }

type (
	ScanTimeout   struct{}
	BeaconFound   struct{}
	BeaconMissed  struct{}
	BeaconTracked struct{}
	LostTSync     struct{}
	Reset         struct{}
	LinkDead      struct{}
	LinkAlive     struct{}
	TxStart       struct{}

	// JoinStarted is emitted when a join procedure begins.
	JoinStarted struct{}

	// Joined carries the session negotiated by the join.
	Joined struct {
		Session Session
	}

	// JoinTxComplete reports a join request that got no JoinAccept.
	JoinTxComplete struct {
		Attempt int
	}

	JoinFailed struct {
		Attempts int
	}

	RejoinFailed struct {
		Attempts int
	}

	// TxComplete finishes an uplink, including its receive windows.
	TxComplete struct {
		Flags TxRxFlags
		Port  uint8
		Data  []byte
	}

	// RxComplete is a downlink received outside any uplink's windows.
	RxComplete struct {
		Port uint8
		Data []byte
	}

	// Unknown wraps any code this package has no type for.
	Unknown struct {
		Code Kind
	}
)

func (ScanTimeout) Kind() Kind    { return KindScanTimeout }
func (BeaconFound) Kind() Kind    { return KindBeaconFound }
func (BeaconMissed) Kind() Kind   { return KindBeaconMissed }
func (BeaconTracked) Kind() Kind  { return KindBeaconTracked }
func (LostTSync) Kind() Kind      { return KindLostTSync }
func (Reset) Kind() Kind          { return KindReset }
func (LinkDead) Kind() Kind       { return KindLinkDead }
func (LinkAlive) Kind() Kind      { return KindLinkAlive }
func (TxStart) Kind() Kind        { return KindTxStart }
func (JoinStarted) Kind() Kind    { return KindJoining }
func (Joined) Kind() Kind         { return KindJoined }
func (JoinTxComplete) Kind() Kind { return KindJoinTxComplete }
func (JoinFailed) Kind() Kind     { return KindJoinFailed }
func (RejoinFailed) Kind() Kind   { return KindRejoinFailed }
func (TxComplete) Kind() Kind     { return KindTxComplete }
func (RxComplete) Kind() Kind     { return KindRxComplete }
func (u Unknown) Kind() Kind      { return u.Code }

// Acked reports whether a confirmed uplink was acknowledged.
func (e TxComplete) Acked() bool { return e.Flags.Has(FlagAck) }
