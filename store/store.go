// Package store persists auction state, accepted bids, settlements and
// signed receipts in SQLite. A Store is an auction.Observer: attach it to an
// engine and every committed change is recorded.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cloudx-io/dutchauction/auction"
	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/core"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS auctions (
	   auction_id TEXT PRIMARY KEY,
	   snapshot TEXT NOT NULL,
	   updated_at INTEGER NOT NULL
	 )`,
	`CREATE TABLE IF NOT EXISTS bids (
	   bid_id TEXT PRIMARY KEY,
	   auction_id TEXT NOT NULL,
	   seq INTEGER NOT NULL,
	   bidder TEXT NOT NULL,
	   amount INTEGER NOT NULL,
	   price INTEGER NOT NULL,
	   step INTEGER NOT NULL,
	   refunded TEXT NOT NULL,
	   hash TEXT NOT NULL,
	   created_at INTEGER NOT NULL
	 )`,
	`CREATE INDEX IF NOT EXISTS bids_by_auction ON bids (auction_id, seq)`,
	`CREATE TABLE IF NOT EXISTS settlements (
	   auction_id TEXT PRIMARY KEY,
	   settlement TEXT NOT NULL,
	   created_at INTEGER NOT NULL
	 )`,
	`CREATE TABLE IF NOT EXISTS withdrawals (
	   auction_id TEXT PRIMARY KEY,
	   owner TEXT NOT NULL,
	   amount INTEGER NOT NULL,
	   created_at INTEGER NOT NULL
	 )`,
	`CREATE TABLE IF NOT EXISTS receipts (
	   auction_id TEXT PRIMARY KEY,
	   receipt_hash TEXT NOT NULL,
	   receipt_cose BLOB NOT NULL,
	   attestation_cose BLOB,
	   public_key TEXT NOT NULL,
	   created_at INTEGER NOT NULL
	 )`,
}

// Store persists auction history in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ auction.Observer = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqlDB.Exec(stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

// SaveSnapshot records the latest state of an auction.
func (s *Store) SaveSnapshot(ctx context.Context, snap auction.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if snap.AuctionID == "" {
		return fmt.Errorf("auction id is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO auctions (auction_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (auction_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snap.AuctionID, string(data), s.nowMillis())
	if err != nil {
		return fmt.Errorf("save snapshot of %s: %w", snap.AuctionID, err)
	}
	return nil
}

// LoadSnapshot returns the last recorded state of an auction.
func (s *Store) LoadSnapshot(ctx context.Context, auctionID string) (auction.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return auction.Snapshot{}, err
	}
	var data string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT snapshot FROM auctions WHERE auction_id = ?`, auctionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return auction.Snapshot{}, fmt.Errorf("auction %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return auction.Snapshot{}, fmt.Errorf("load snapshot of %s: %w", auctionID, err)
	}
	var snap auction.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return auction.Snapshot{}, fmt.Errorf("unmarshal snapshot of %s: %w", auctionID, err)
	}
	return snap, nil
}

// SaveBid appends an accepted bid to the auction's bid history.
func (s *Store) SaveBid(ctx context.Context, bid core.BidRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if bid.ID == "" || bid.AuctionID == "" {
		return fmt.Errorf("bid id and auction id are required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO bids (bid_id, auction_id, seq, bidder, amount, price, step, refunded, hash, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM bids WHERE auction_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
		bid.ID, bid.AuctionID, bid.AuctionID, string(bid.Bidder), int64(bid.Amount), int64(bid.Price),
		bid.Step, string(bid.Refunded), bid.Hash, s.nowMillis())
	if err != nil {
		return fmt.Errorf("save bid %s: %w", bid.ID, err)
	}
	return nil
}

// ListBids returns the accepted bids of an auction in acceptance order.
func (s *Store) ListBids(ctx context.Context, auctionID string) ([]core.BidRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT bid_id, auction_id, bidder, amount, price, step, refunded, hash
		 FROM bids WHERE auction_id = ? ORDER BY seq`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids of %s: %w", auctionID, err)
	}
	defer rows.Close()

	bids := make([]core.BidRecord, 0)
	for rows.Next() {
		var (
			bid              core.BidRecord
			bidder, refunded string
			amount, price    int64
		)
		if err := rows.Scan(&bid.ID, &bid.AuctionID, &bidder, &amount, &price, &bid.Step, &refunded, &bid.Hash); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bid.Bidder = core.Identity(bidder)
		bid.Refunded = core.Identity(refunded)
		bid.Amount = core.Amount(amount)
		bid.Price = core.Amount(price)
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bids of %s: %w", auctionID, err)
	}
	return bids, nil
}

// SaveSettlement records the outcome of a closed auction.
func (s *Store) SaveSettlement(ctx context.Context, settlement core.Settlement) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(settlement)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO settlements (auction_id, settlement, created_at) VALUES (?, ?, ?)`,
		settlement.AuctionID, string(data), s.nowMillis())
	if err != nil {
		return fmt.Errorf("save settlement of %s: %w", settlement.AuctionID, err)
	}
	return nil
}

// LoadSettlement returns the recorded outcome of a closed auction.
func (s *Store) LoadSettlement(ctx context.Context, auctionID string) (core.Settlement, error) {
	if err := s.ready(ctx); err != nil {
		return core.Settlement{}, err
	}
	var data string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT settlement FROM settlements WHERE auction_id = ?`, auctionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Settlement{}, fmt.Errorf("settlement of %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return core.Settlement{}, fmt.Errorf("load settlement of %s: %w", auctionID, err)
	}
	var settlement core.Settlement
	if err := json.Unmarshal([]byte(data), &settlement); err != nil {
		return core.Settlement{}, fmt.Errorf("unmarshal settlement of %s: %w", auctionID, err)
	}
	return settlement, nil
}

// SaveReceipt stores the signed receipt of a settled auction.
func (s *Store) SaveReceipt(ctx context.Context, auctionID string, receipt auctionapi.ReceiptResponse) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	receiptCOSE, err := receipt.SignedReceipt()
	if err != nil {
		return fmt.Errorf("save receipt of %s: %w", auctionID, err)
	}
	var attestation []byte
	if receipt.AttestationCOSE != "" {
		if attestation, err = receipt.AttestationCOSE.Decode(); err != nil {
			return fmt.Errorf("save receipt of %s: %w", auctionID, err)
		}
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO receipts (auction_id, receipt_hash, receipt_cose, attestation_cose, public_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (auction_id) DO UPDATE SET
		   receipt_hash = excluded.receipt_hash,
		   receipt_cose = excluded.receipt_cose,
		   attestation_cose = excluded.attestation_cose,
		   public_key = excluded.public_key`,
		auctionID, receipt.ReceiptHash, []byte(receiptCOSE), attestation, receipt.PublicKey, s.nowMillis())
	if err != nil {
		return fmt.Errorf("save receipt of %s: %w", auctionID, err)
	}
	return nil
}

// LoadReceipt returns the signed receipt of a settled auction.
func (s *Store) LoadReceipt(ctx context.Context, auctionID string) (auctionapi.ReceiptResponse, error) {
	if err := s.ready(ctx); err != nil {
		return auctionapi.ReceiptResponse{}, err
	}
	var (
		hash, publicKey          string
		receiptCOSE, attestation []byte
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT receipt_hash, receipt_cose, attestation_cose, public_key FROM receipts WHERE auction_id = ?`,
		auctionID).Scan(&hash, &receiptCOSE, &attestation, &publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return auctionapi.ReceiptResponse{}, fmt.Errorf("receipt of %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return auctionapi.ReceiptResponse{}, fmt.Errorf("load receipt of %s: %w", auctionID, err)
	}

	resp := auctionapi.ReceiptResponse{
		Type:        "receipt",
		ReceiptHash: hash,
		ReceiptCOSE: auctionapi.COSE(receiptCOSE).EncodeBase64(),
		PublicKey:   publicKey,
	}
	if len(attestation) > 0 {
		resp.AttestationCOSE = auctionapi.COSE(attestation).EncodeBase64()
	}
	return resp, nil
}

// Withdrawal returns the proceeds paid out for an auction.
func (s *Store) Withdrawal(ctx context.Context, auctionID string) (core.Identity, core.Amount, error) {
	if err := s.ready(ctx); err != nil {
		return core.NoIdentity, 0, err
	}
	var (
		owner  string
		amount int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `SELECT owner, amount FROM withdrawals WHERE auction_id = ?`, auctionID).
		Scan(&owner, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NoIdentity, 0, fmt.Errorf("withdrawal of %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return core.NoIdentity, 0, fmt.Errorf("load withdrawal of %s: %w", auctionID, err)
	}
	return core.Identity(owner), core.Amount(amount), nil
}

// AuctionOpened implements auction.Observer.
func (s *Store) AuctionOpened(ctx context.Context, snap auction.Snapshot) error {
	return s.SaveSnapshot(ctx, snap)
}

// BidAccepted implements auction.Observer.
func (s *Store) BidAccepted(ctx context.Context, bid core.BidRecord, snap auction.Snapshot) error {
	if err := s.SaveBid(ctx, bid); err != nil {
		return err
	}
	return s.SaveSnapshot(ctx, snap)
}

// AuctionSettled implements auction.Observer.
func (s *Store) AuctionSettled(ctx context.Context, settlement core.Settlement, snap auction.Snapshot) error {
	if err := s.SaveSettlement(ctx, settlement); err != nil {
		return err
	}
	return s.SaveSnapshot(ctx, snap)
}

// ProceedsWithdrawn implements auction.Observer.
func (s *Store) ProceedsWithdrawn(ctx context.Context, amount core.Amount, snap auction.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO withdrawals (auction_id, owner, amount, created_at) VALUES (?, ?, ?, ?)`,
		snap.AuctionID, string(snap.Config.Owner), int64(amount), s.nowMillis())
	if err != nil {
		return fmt.Errorf("save withdrawal of %s: %w", snap.AuctionID, err)
	}
	return s.SaveSnapshot(ctx, snap)
}
