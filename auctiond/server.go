package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/mdlayher/vsock"

	"github.com/cloudx-io/dutchauction/auction"
	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/core"
	"github.com/cloudx-io/dutchauction/nft"
	"github.com/cloudx-io/dutchauction/store"
	"github.com/cloudx-io/dutchauction/token"
)

const maxRequestBytes = 1 << 20

// getEnclaveAttester attempts to get the NSM attester, returns error if not available
func getEnclaveAttester() (EnclaveAttester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

// AuctionServer runs one auction over a socket. Every connection carries a
// single JSON request and receives a single JSON response.
type AuctionServer struct {
	cfg        Config
	engine     *auction.Engine
	ledger     *token.Ledger
	registry   *nft.Registry
	steps      *auction.StepCounter
	store      *store.Store
	limiter    *BidLimiter
	metrics    *Metrics
	keyManager *KeyManager
	attester   EnclaveAttester
	now        func() time.Time

	receiptMu sync.Mutex
	receipt   *auctionapi.ReceiptResponse
}

// ServerDeps are the optional parts of an AuctionServer. A nil Store
// disables persistence, a nil KeyManager disables receipts and a nil
// Attester disables attestation.
type ServerDeps struct {
	Store      *store.Store
	KeyManager *KeyManager
	Attester   EnclaveAttester
	Metrics    *Metrics
}

// NewAuctionServer seeds the ledger and registry from file and opens the
// auction it describes.
func NewAuctionServer(ctx context.Context, cfg Config, file *AuctionFile, deps ServerDeps) (*AuctionServer, error) {
	ledger := token.NewLedger(file.Token.Symbol, file.Token.Decimals)
	registry := nft.NewRegistry()
	if err := applyGenesis(file, ledger, registry); err != nil {
		return nil, err
	}

	var observers []auction.Observer
	if deps.Store != nil {
		observers = append(observers, deps.Store)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	steps := auction.NewStepCounter(file.StartStep)
	engine, err := auction.New(ctx, file.Auction, auction.Deps{
		Account:       file.EscrowAccount,
		Tokens:        ledger.Client(file.EscrowAccount),
		Assets:        registry.Client(file.EscrowAccount),
		Steps:         steps,
		AuctionID:     file.AuctionID,
		Observers:     observers,
		TokenDecimals: file.Token.Decimals,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open auction: %w", err)
	}

	s := &AuctionServer{
		cfg:        cfg,
		engine:     engine,
		ledger:     ledger,
		registry:   registry,
		steps:      steps,
		store:      deps.Store,
		limiter:    NewBidLimiter(cfg.BidRate, cfg.BidBurst, 0),
		metrics:    metrics,
		keyManager: deps.KeyManager,
		attester:   deps.Attester,
		now:        time.Now,
	}
	s.updateGauges()
	return s, nil
}

func applyGenesis(file *AuctionFile, ledger *token.Ledger, registry *nft.Registry) error {
	for account, amount := range file.Genesis.Balances {
		if err := ledger.Mint(account, amount); err != nil {
			return fmt.Errorf("genesis balance of %s: %w", account, err)
		}
	}
	for _, a := range file.Genesis.Allowances {
		if err := ledger.Approve(a.Owner, a.Spender, a.Amount); err != nil {
			return fmt.Errorf("genesis allowance of %s to %s: %w", a.Owner, a.Spender, err)
		}
	}
	for _, asset := range file.Genesis.Assets {
		if err := registry.Mint(asset.Owner, asset.Ref); err != nil {
			return fmt.Errorf("genesis asset %s: %w", asset.Ref, err)
		}
		if asset.Approved != core.NoIdentity {
			if err := registry.Approve(asset.Owner, asset.Approved, asset.Ref); err != nil {
				return fmt.Errorf("genesis approval of %s: %w", asset.Ref, err)
			}
		}
	}
	log.Printf("INFO: Genesis applied: %d balances, %d allowances, %d assets",
		len(file.Genesis.Balances), len(file.Genesis.Allowances), len(file.Genesis.Assets))
	return nil
}

func (s *AuctionServer) listen() (net.Listener, error) {
	switch s.cfg.Transport {
	case TransportVsock:
		listener, err := vsock.Listen(s.cfg.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		log.Printf("INFO: Auction server listening on vsock port %d", s.cfg.VsockPort)
		return listener, nil
	default:
		listener, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create tcp listener: %w", err)
		}
		log.Printf("INFO: Auction server listening on %s", listener.Addr())
		return listener, nil
	}
}

// Start listens on the configured transport and serves until ctx is done.
func (s *AuctionServer) Start(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("ERROR: Failed to close listener: %v", err)
		}
	}()
	return s.Serve(ctx, listener)
}

// Serve accepts connections until listener is closed.
func (s *AuctionServer) Serve(ctx context.Context, listener net.Listener) error {
	semaphore := make(chan struct{}, s.cfg.MaxWorkers)
	log.Printf("INFO: Worker pool initialized with %d max concurrent workers", s.cfg.MaxWorkers)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Printf("INFO: Auction server stopped")
				return nil
			}
			log.Printf("ERROR: Failed to accept connection: %v", err)
			continue
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			log.Printf("INFO: No workers available, rejecting connection (pool full)")
			s.metrics.rejectedConnections.Inc()
			if err := conn.Close(); err != nil {
				log.Printf("ERROR: Failed to close rejected connection: %v", err)
			}
		}
	}
}

func (s *AuctionServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Panic recovered in handleConnection: %v", r)
		}
		if err := conn.Close(); err != nil {
			log.Printf("ERROR: Failed to close connection: %v", err)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	var payload json.RawMessage
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestBytes)).Decode(&payload); err != nil {
		log.Printf("ERROR: Failed to read request: %v", err)
		return
	}

	response := s.handleRequest(ctx, payload)

	if err := json.NewEncoder(conn).Encode(response); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

// handleRequest decodes one request and returns the value to send back.
func (s *AuctionServer) handleRequest(ctx context.Context, payload []byte) any {
	var baseReq auctionapi.BaseRequest
	if err := json.Unmarshal(payload, &baseReq); err != nil {
		log.Printf("ERROR: Failed to decode base request: %v", err)
		return auctionapi.NewErrorResponse("bad_request", fmt.Sprintf("Failed to decode request: %v", err))
	}

	log.Printf("INFO: Received request type: %s", baseReq.Type)
	s.metrics.requests.WithLabelValues(requestLabel(baseReq.Type)).Inc()

	switch baseReq.Type {
	case auctionapi.RequestPing:
		return auctionapi.PongResponse{
			Type:      "pong",
			Message:   "Auction server is healthy",
			Timestamp: s.now().Unix(),
		}
	case auctionapi.RequestStatus:
		return auctionapi.StatusResponse{Type: "status", Auction: s.status()}
	case auctionapi.RequestPrice:
		return s.handlePrice()
	case auctionapi.RequestAdvanceStep:
		var req auctionapi.AdvanceStepRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.handleAdvanceStep(req)
	case auctionapi.RequestBid:
		var req auctionapi.BidRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.handleBid(ctx, req)
	case auctionapi.RequestClose:
		var req auctionapi.CloseRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.handleClose(ctx, req)
	case auctionapi.RequestWithdraw:
		var req auctionapi.CloseRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.handleWithdraw(ctx, req)
	case auctionapi.RequestMint:
		var req auctionapi.MintRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.handleMint(req)
	case auctionapi.RequestApprove:
		var req auctionapi.ApproveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.handleApprove(req)
	case auctionapi.RequestBalance:
		var req auctionapi.BalanceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.balance(req.Account)
	case auctionapi.RequestReceipt:
		var req auctionapi.ReceiptRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return decodeError(baseReq.Type, err)
		}
		return s.handleReceipt(ctx, req)
	case auctionapi.RequestHistory:
		return s.handleHistory(ctx)
	default:
		return auctionapi.NewErrorResponse("unknown_request", fmt.Sprintf("Unknown request type: %s", baseReq.Type))
	}
}

// requestLabel keeps the request type label bounded to the known types.
func requestLabel(requestType string) string {
	switch requestType {
	case auctionapi.RequestPing, auctionapi.RequestStatus, auctionapi.RequestPrice,
		auctionapi.RequestAdvanceStep, auctionapi.RequestBid, auctionapi.RequestClose,
		auctionapi.RequestWithdraw, auctionapi.RequestMint, auctionapi.RequestApprove,
		auctionapi.RequestBalance, auctionapi.RequestReceipt, auctionapi.RequestHistory:
		return requestType
	default:
		return "unknown"
	}
}

func decodeError(requestType string, err error) auctionapi.ErrorResponse {
	log.Printf("ERROR: Failed to decode %s request: %v", requestType, err)
	return auctionapi.NewErrorResponse("bad_request", fmt.Sprintf("Failed to decode %s request: %v", requestType, err))
}

func engineError(err error) auctionapi.ErrorResponse {
	return auctionapi.NewErrorResponse(core.ErrorCode(err), err.Error())
}

func (s *AuctionServer) status() auctionapi.AuctionStatus {
	snap := s.engine.Snapshot()
	step := s.steps.CurrentStep()
	return auctionapi.AuctionStatus{
		AuctionID:             snap.AuctionID,
		Owner:                 snap.Config.Owner,
		EscrowAccount:         snap.Account,
		AssetRef:              snap.Config.AssetRef,
		ReservePrice:          snap.Config.ReservePrice,
		DurationSteps:         snap.Config.DurationSteps,
		PriceDecrementPerStep: snap.Config.PriceDecrementPerStep,
		OpenStep:              snap.OpenStep,
		LastBidStep:           snap.Config.LastBidStep(snap.OpenStep),
		CurrentStep:           step,
		CurrentPrice:          snap.Config.PriceAt(snap.OpenStep, step),
		WinningBidder:         snap.WinningBidder,
		WinningAmount:         snap.WinningAmount,
		Ended:                 snap.Ended,
		ProceedsWithdrawn:     snap.ProceedsWithdrawn,
		BidCount:              snap.BidCount,
		TokenSymbol:           s.ledger.Symbol(),
		TokenDecimals:         s.ledger.Decimals(),
	}
}

func (s *AuctionServer) handlePrice() auctionapi.PriceResponse {
	cfg := s.engine.Config()
	step := s.steps.CurrentStep()
	price := cfg.PriceAt(s.engine.OpenStep(), step)
	return auctionapi.PriceResponse{
		Type:         "price",
		Step:         step,
		Price:        price,
		DisplayPrice: s.ledger.Format(price),
		WindowOpen:   !s.engine.Ended() && cfg.WindowOpen(s.engine.OpenStep(), step),
	}
}

func (s *AuctionServer) handleAdvanceStep(req auctionapi.AdvanceStepRequest) any {
	var step int64
	switch {
	case req.To > 0:
		step = s.steps.AdvanceTo(req.To)
	case req.Steps > 0:
		step = s.steps.Advance(req.Steps)
	default:
		return auctionapi.NewErrorResponse("bad_request", "advance_step needs a positive steps or to")
	}
	s.updateGauges()
	log.Printf("INFO: Step counter at %d", step)
	return auctionapi.StepResponse{Type: "step", Step: step}
}

func (s *AuctionServer) handleBid(ctx context.Context, req auctionapi.BidRequest) any {
	if !s.limiter.Allow(req.Bidder, s.now()) {
		log.Printf("INFO: Rate limited bid from %s", req.Bidder)
		s.metrics.bids.WithLabelValues("rate_limited").Inc()
		return auctionapi.NewErrorResponse("rate_limited", fmt.Sprintf("Too many bids from %s", req.Bidder))
	}

	bid, err := s.engine.PlaceBid(ctx, req.Bidder, req.Amount)
	if err != nil {
		s.metrics.bids.WithLabelValues(core.ErrorCode(err)).Inc()
		return engineError(err)
	}
	s.metrics.bids.WithLabelValues("accepted").Inc()
	return auctionapi.BidResponse{Type: "bid_accepted", Bid: bid}
}

func (s *AuctionServer) handleClose(ctx context.Context, req auctionapi.CloseRequest) any {
	settlement, err := s.engine.Close(ctx, req.Caller)
	if err != nil {
		return engineError(err)
	}

	outcome := "no_winner"
	if settlement.HasWinner() {
		outcome = "winner"
	}
	s.metrics.settlements.WithLabelValues(outcome).Inc()

	resp := auctionapi.CloseResponse{Type: "settled", Settlement: settlement}
	if receipt, ok := s.issueReceipt(ctx, settlement); ok {
		resp.Receipt = &receipt
	}
	return resp
}

// issueReceipt signs a receipt for a committed settlement. Failures are
// logged; the settlement itself stands.
func (s *AuctionServer) issueReceipt(ctx context.Context, settlement core.Settlement) (auctionapi.ReceiptResponse, bool) {
	if s.keyManager == nil {
		return auctionapi.ReceiptResponse{}, false
	}
	snap := s.engine.Snapshot()
	receipt, err := IssueReceipt(s.keyManager, s.attester, settlement, snap.Config, snap.BidHashNonce, s.now())
	if err != nil {
		log.Printf("ERROR: Failed to issue receipt for auction %s: %v", settlement.AuctionID, err)
		return auctionapi.ReceiptResponse{}, false
	}

	s.receiptMu.Lock()
	s.receipt = &receipt
	s.receiptMu.Unlock()

	if s.store != nil {
		if err := s.store.SaveReceipt(ctx, settlement.AuctionID, receipt); err != nil {
			log.Printf("ERROR: Failed to store receipt for auction %s: %v", settlement.AuctionID, err)
		}
	}
	return receipt, true
}

func (s *AuctionServer) handleWithdraw(ctx context.Context, req auctionapi.CloseRequest) any {
	amount, err := s.engine.WithdrawProceeds(ctx, req.Caller)
	if err != nil {
		return engineError(err)
	}
	s.metrics.proceeds.Add(float64(amount))
	return auctionapi.WithdrawResponse{Type: "withdrawn", Owner: req.Caller, Amount: amount}
}

func (s *AuctionServer) handleMint(req auctionapi.MintRequest) any {
	if !s.cfg.AllowMint {
		return auctionapi.NewErrorResponse("unauthorized", "minting is disabled")
	}
	if err := s.ledger.Mint(req.Account, req.Amount); err != nil {
		return auctionapi.NewErrorResponse("bad_request", err.Error())
	}
	log.Printf("INFO: Minted %s to %s", s.ledger.Format(req.Amount), req.Account)
	return s.balance(req.Account)
}

func (s *AuctionServer) handleApprove(req auctionapi.ApproveRequest) any {
	spender := req.Spender
	if spender == core.NoIdentity {
		spender = s.engine.Account()
	}
	if err := s.ledger.Approve(req.Owner, spender, req.Amount); err != nil {
		return auctionapi.NewErrorResponse("bad_request", err.Error())
	}
	return s.balance(req.Owner)
}

// balance reports account's balance and the allowance it grants the escrow
// account.
func (s *AuctionServer) balance(account core.Identity) auctionapi.BalanceResponse {
	balance := s.ledger.BalanceOf(account)
	return auctionapi.BalanceResponse{
		Type:      "balance",
		Account:   account,
		Balance:   balance,
		Allowance: s.ledger.Allowance(account, s.engine.Account()),
		Display:   s.ledger.Format(balance),
	}
}

func (s *AuctionServer) handleReceipt(ctx context.Context, req auctionapi.ReceiptRequest) any {
	if !s.engine.Ended() {
		return engineError(fmt.Errorf("%w: no receipt before the auction is closed", core.ErrAuctionNotEnded))
	}

	receipt, ok := s.loadReceipt(ctx)
	if !ok {
		return auctionapi.NewErrorResponse("receipt_unavailable", "no receipt was issued for this auction")
	}
	if !req.Compact {
		return receipt
	}

	compact, err := receipt.Compact()
	if err != nil {
		log.Printf("ERROR: Failed to compress receipt: %v", err)
		return auctionapi.NewErrorResponse("receipt_unavailable", err.Error())
	}
	return compact
}

func (s *AuctionServer) loadReceipt(ctx context.Context) (auctionapi.ReceiptResponse, bool) {
	s.receiptMu.Lock()
	receipt := s.receipt
	s.receiptMu.Unlock()
	if receipt != nil {
		return *receipt, true
	}

	if s.store != nil {
		stored, err := s.store.LoadReceipt(ctx, s.engine.ID())
		if err == nil {
			return stored, true
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("ERROR: Failed to load receipt: %v", err)
		}
	}
	return auctionapi.ReceiptResponse{}, false
}

// handleHistory serves the auction as recorded by the store.
func (s *AuctionServer) handleHistory(ctx context.Context) any {
	if s.store == nil {
		return auctionapi.NewErrorResponse("history_unavailable", "storage is not configured")
	}
	id := s.engine.ID()

	snap, err := s.store.LoadSnapshot(ctx, id)
	if err != nil {
		log.Printf("ERROR: Failed to load snapshot of %s: %v", id, err)
		return auctionapi.NewErrorResponse("history_unavailable", err.Error())
	}
	bids, err := s.store.ListBids(ctx, id)
	if err != nil {
		log.Printf("ERROR: Failed to list bids of %s: %v", id, err)
		return auctionapi.NewErrorResponse("history_unavailable", err.Error())
	}

	resp := auctionapi.HistoryResponse{
		Type:          "history",
		AuctionID:     id,
		Bids:          bids,
		WinningBidder: snap.WinningBidder,
		WinningAmount: snap.WinningAmount,
		Ended:         snap.Ended,
	}

	settlement, err := s.store.LoadSettlement(ctx, id)
	switch {
	case err == nil:
		resp.Settlement = &settlement
	case !errors.Is(err, store.ErrNotFound):
		log.Printf("ERROR: Failed to load settlement of %s: %v", id, err)
		return auctionapi.NewErrorResponse("history_unavailable", err.Error())
	}

	owner, amount, err := s.store.Withdrawal(ctx, id)
	switch {
	case err == nil:
		resp.Withdrawal = &auctionapi.WithdrawResponse{Type: "withdrawn", Owner: owner, Amount: amount}
	case !errors.Is(err, store.ErrNotFound):
		log.Printf("ERROR: Failed to load withdrawal of %s: %v", id, err)
		return auctionapi.NewErrorResponse("history_unavailable", err.Error())
	}
	return resp
}

func (s *AuctionServer) updateGauges() {
	step := s.steps.CurrentStep()
	s.metrics.currentStep.Set(float64(step))
	s.metrics.currentPrice.Set(float64(s.engine.Config().PriceAt(s.engine.OpenStep(), step)))
}
