package ntag424

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// Connection wraps a PC/SC card connection.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
	inTx      bool
}

// ListReaders returns the names of the attached PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	return readers, nil
}

// Connect establishes a connection to the card on reader readerIndex
// (0-based).
func Connect(readerIndex int) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect %q failed: %w", reader, err)
	}

	return &Connection{
		ctx:       ctx,
		Card:      card,
		Reader:    reader,
		ReaderIdx: readerIndex,
	}, nil
}

// Begin takes an exclusive transaction on the card so no other process
// interleaves APDUs with an authenticated session.
func (c *Connection) Begin() error {
	if c == nil || c.Card == nil {
		return fmt.Errorf("connection not established")
	}
	if err := c.Card.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	c.inTx = true
	return nil
}

// End releases the transaction taken by Begin.
func (c *Connection) End() error {
	if c == nil || c.Card == nil || !c.inTx {
		return nil
	}
	c.inTx = false
	if err := c.Card.EndTransaction(scard.LeaveCard); err != nil {
		return fmt.Errorf("end transaction: %w", err)
	}
	return nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	_ = c.End()
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// Transmit sends an APDU to the card (implements Card interface).
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return c.Card.Transmit(apdu)
}

// ReaderWatcher reports card arrival and removal on one reader.
type ReaderWatcher struct {
	ctx    *scard.Context
	Reader string
	state  scard.StateFlag
}

// WatchReader opens a PC/SC context for reader readerIndex.
func WatchReader(readerIndex int) (*ReaderWatcher, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}
	return &ReaderWatcher{ctx: ctx, Reader: readers[readerIndex], state: scard.StateUnaware}, nil
}

// WaitPresent blocks until a card is on the reader or ctx is done.
func (w *ReaderWatcher) WaitPresent(ctx context.Context) error {
	return w.wait(ctx, true)
}

// WaitRemoved blocks until the reader is empty or ctx is done.
func (w *ReaderWatcher) WaitRemoved(ctx context.Context) error {
	return w.wait(ctx, false)
}

func (w *ReaderWatcher) wait(ctx context.Context, present bool) error {
	states := []scard.ReaderState{{Reader: w.Reader, CurrentState: w.state}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.ctx.GetStatusChange(states, time.Second)
		if err != nil && !errors.Is(err, scard.ErrTimeout) {
			return fmt.Errorf("reader %q status: %w", w.Reader, err)
		}
		st := states[0].EventState
		states[0].CurrentState = st
		w.state = st
		if (st&scard.StatePresent != 0) == present {
			return nil
		}
	}
}

// Close releases the PC/SC context.
func (w *ReaderWatcher) Close() {
	if w != nil && w.ctx != nil {
		_ = w.ctx.Release()
	}
}
