// Package journal keeps a small SQLite history of uplinks and the node
// state that has to survive a restart: the last DevNonce and the uplink
// counter.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloudpico-node/internal/utils"
)

//go:embed sql/insert-uplink.sql
var insertUplinkSQL string

//go:embed sql/update-last-sequence.sql
var updateLastSequenceSQL string

//go:embed sql/complete-uplink.sql
var completeUplinkSQL string

//go:embed sql/get-node-state.sql
var getNodeStateSQL string

//go:embed sql/update-dev-nonce.sql
var updateDevNonceSQL string

//go:embed sql/get-recent-uplinks.sql
var getRecentUplinksSQL string

var ErrUnknownUplink = errors.New("journal: no open uplink with that sequence")

// Uplink is a frame handed to the radio.
type Uplink struct {
	Sequence  uint16
	Port      uint8
	Confirmed bool
	Payload   []byte
	QueuedAt  time.Time
}

// Completion is the outcome the radio reported for an uplink.
type Completion struct {
	Sequence    uint16
	At          time.Time
	Acked       bool
	TxError     bool
	DownlinkLen int
}

// Entry is a journal row as served by the status endpoint.
type Entry struct {
	Sequence    uint16     `json:"sequence"`
	Port        uint8      `json:"port"`
	Confirmed   bool       `json:"confirmed"`
	Payload     string     `json:"payload"`
	QueuedAt    time.Time  `json:"queued_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Acked       bool       `json:"acked"`
	TxError     bool       `json:"tx_error"`
	DownlinkLen int        `json:"downlink_len"`
}

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database and brings its schema up to date.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	db, err := open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := migrate(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

func (j *Journal) RecordUplink(u Uplink) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	_, err = tx.Exec(insertUplinkSQL,
		u.Sequence,
		u.Port,
		u.Confirmed,
		utils.BytesToHex(u.Payload),
		u.QueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert uplink: %w", err)
	}
	if _, err := tx.Exec(updateLastSequenceSQL, u.Sequence); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update last sequence: %w", err)
	}
	return tx.Commit()
}

// RecordCompletion closes the most recent open uplink with c.Sequence.
func (j *Journal) RecordCompletion(c Completion) error {
	res, err := j.db.Exec(completeUplinkSQL,
		c.At.UTC().Format(time.RFC3339Nano),
		c.Acked,
		c.TxError,
		c.DownlinkLen,
		c.Sequence,
	)
	if err != nil {
		return fmt.Errorf("complete uplink: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownUplink, c.Sequence)
	}
	return nil
}

func (j *Journal) nodeState() (devNonce, lastSequence uint16, err error) {
	err = j.db.QueryRow(getNodeStateSQL).Scan(&devNonce, &lastSequence)
	return devNonce, lastSequence, err
}

// LastSequence returns the counter of the last recorded uplink.
func (j *Journal) LastSequence() (uint16, error) {
	_, seq, err := j.nodeState()
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq, nil
}

func (j *Journal) LoadDevNonce() (uint16, error) {
	nonce, _, err := j.nodeState()
	if err != nil {
		return 0, fmt.Errorf("load dev nonce: %w", err)
	}
	return nonce, nil
}

func (j *Journal) SaveDevNonce(v uint16) error {
	if _, err := j.db.Exec(updateDevNonceSQL, v); err != nil {
		return fmt.Errorf("save dev nonce: %w", err)
	}
	return nil
}

// Recent returns up to limit uplinks, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	rows, err := j.db.Query(getRecentUplinksSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			j.logger.Error("close uplink rows", "error", err)
		}
	}()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			queued    string
			completed sql.NullString
			acked     sql.NullBool
			txErr     sql.NullBool
			dlLen     sql.NullInt64
		)
		if err := rows.Scan(&e.Sequence, &e.Port, &e.Confirmed, &e.Payload, &queued, &completed, &acked, &txErr, &dlLen); err != nil {
			return nil, err
		}
		if e.QueuedAt, err = time.Parse(time.RFC3339Nano, queued); err != nil {
			return nil, fmt.Errorf("parse queued_at %q: %w", queued, err)
		}
		if completed.Valid {
			t, err := time.Parse(time.RFC3339Nano, completed.String)
			if err != nil {
				return nil, fmt.Errorf("parse completed_at %q: %w", completed.String, err)
			}
			e.CompletedAt = &t
		}
		e.Acked = acked.Bool
		e.TxError = txErr.Bool
		e.DownlinkLen = int(dlLen.Int64)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
