// Package token implements an in-memory fungible token ledger with
// ERC-20 style balances and allowances. It is the reference payment ledger
// the auction engine settles against.
package token

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cloudx-io/dutchauction/core"
)

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidAccount        = errors.New("invalid account")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrSupplyOverflow        = errors.New("supply overflow")
)

const maxAmount core.Amount = math.MaxInt64

// Ledger holds balances and allowances for one token.
type Ledger struct {
	symbol   string
	decimals int32

	mu          sync.Mutex
	balances    map[core.Identity]core.Amount
	allowances  map[allowanceKey]core.Amount
	totalSupply core.Amount
}

type allowanceKey struct {
	owner   core.Identity
	spender core.Identity
}

// NewLedger creates an empty ledger for a token with the given symbol and
// number of decimals.
func NewLedger(symbol string, decimals int32) *Ledger {
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[core.Identity]core.Amount),
		allowances: make(map[allowanceKey]core.Amount),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }
func (l *Ledger) Decimals() int32 { return l.decimals }

// Format renders an amount in whole token units followed by the symbol.
func (l *Ledger) Format(amount core.Amount) string {
	return core.FormatAmount(amount, l.decimals) + " " + l.symbol
}

// Mint credits newly created tokens to an account.
func (l *Ledger) Mint(to core.Identity, amount core.Amount) error {
	if to == core.NoIdentity {
		return fmt.Errorf("%w: mint to empty account", ErrInvalidAccount)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: mint amount must be positive, got %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.totalSupply > maxAmount-amount {
		return fmt.Errorf("%w: minting %d", ErrSupplyOverflow, amount)
	}
	l.totalSupply += amount
	l.balances[to] += amount
	return nil
}

// Approve sets the amount spender may pull from owner, replacing any
// previous allowance.
func (l *Ledger) Approve(owner, spender core.Identity, amount core.Amount) error {
	if owner == core.NoIdentity || spender == core.NoIdentity {
		return fmt.Errorf("%w: approve requires owner and spender", ErrInvalidAccount)
	}
	if amount < 0 {
		return fmt.Errorf("%w: negative allowance %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{owner: owner, spender: spender}
	if amount == 0 {
		delete(l.allowances, key)
		return nil
	}
	l.allowances[key] = amount
	return nil
}

// Transfer moves tokens from one account to another.
func (l *Ledger) Transfer(from, to core.Identity, amount core.Amount) error {
	return l.apply(from, []core.Movement{{From: from, To: to, Amount: amount}})
}

// TransferFrom moves tokens out of from's balance on behalf of spender,
// consuming spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to core.Identity, amount core.Amount) error {
	if spender == from {
		return fmt.Errorf("%w: %s cannot spend its own allowance", ErrInvalidAccount, spender)
	}
	return l.apply(spender, []core.Movement{{From: from, To: to, Amount: amount}})
}

// BalanceOf returns the balance of an account.
func (l *Ledger) BalanceOf(id core.Identity) core.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id]
}

// Allowance returns how much spender may still pull from owner.
func (l *Ledger) Allowance(owner, spender core.Identity) core.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[allowanceKey{owner: owner, spender: spender}]
}

// TotalSupply returns the amount minted so far.
func (l *Ledger) TotalSupply() core.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSupply
}

// apply executes movements in order on behalf of caller. Either every
// movement takes effect or none does.
func (l *Ledger) apply(caller core.Identity, moves []core.Movement) error {
	if caller == core.NoIdentity {
		return fmt.Errorf("%w: empty caller", ErrInvalidAccount)
	}
	for _, m := range moves {
		if m.From == core.NoIdentity || m.To == core.NoIdentity {
			return fmt.Errorf("%w: transfer %s -> %s", ErrInvalidAccount, m.From, m.To)
		}
		if m.Amount <= 0 {
			return fmt.Errorf("%w: transfer amount must be positive, got %d", ErrInvalidAmount, m.Amount)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Stage every change before touching the live maps.
	balances := make(map[core.Identity]core.Amount)
	allowances := make(map[allowanceKey]core.Amount)
	balanceOf := func(id core.Identity) core.Amount {
		if v, ok := balances[id]; ok {
			return v
		}
		return l.balances[id]
	}

	for i, m := range moves {
		if m.From != caller {
			key := allowanceKey{owner: m.From, spender: caller}
			allowance, ok := allowances[key]
			if !ok {
				allowance = l.allowances[key]
			}
			if allowance < m.Amount {
				return fmt.Errorf("%w: movement %d needs %d from %s, %s may spend %d",
					ErrInsufficientAllowance, i, m.Amount, m.From, caller, allowance)
			}
			allowances[key] = allowance - m.Amount
		}

		fromBalance := balanceOf(m.From)
		if fromBalance < m.Amount {
			return fmt.Errorf("%w: movement %d needs %d, %s holds %d",
				ErrInsufficientBalance, i, m.Amount, m.From, fromBalance)
		}
		balances[m.From] = fromBalance - m.Amount
		balances[m.To] = balanceOf(m.To) + m.Amount
	}

	for id, v := range balances {
		if v == 0 {
			delete(l.balances, id)
			continue
		}
		l.balances[id] = v
	}
	for key, v := range allowances {
		if v == 0 {
			delete(l.allowances, key)
			continue
		}
		l.allowances[key] = v
	}
	return nil
}

// Client returns a view of the ledger bound to account, the identity that
// calls the ledger. The auction engine holds a client bound to its escrow
// account.
func (l *Ledger) Client(account core.Identity) *Client {
	return &Client{ledger: l, account: account}
}

// Client is a ledger handle acting as one account. It satisfies the
// auction engine's token ledger contract, including atomic batches.
type Client struct {
	ledger  *Ledger
	account core.Identity
}

// Account returns the identity the client acts as.
func (c *Client) Account() core.Identity { return c.account }

func (c *Client) TransferFrom(ctx context.Context, from, to core.Identity, amount core.Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.TransferFrom(c.account, from, to, amount)
}

func (c *Client) Transfer(ctx context.Context, to core.Identity, amount core.Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.Transfer(c.account, to, amount)
}

func (c *Client) BalanceOf(ctx context.Context, id core.Identity) (core.Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.ledger.BalanceOf(id), nil
}

func (c *Client) Allowance(ctx context.Context, owner, spender core.Identity) (core.Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.ledger.Allowance(owner, spender), nil
}

// TransferBatch applies moves in order as a single all-or-nothing operation.
func (c *Client) TransferBatch(ctx context.Context, moves []core.Movement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ledger.apply(c.account, moves)
}
