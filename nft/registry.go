// Package nft implements an in-memory registry of non-fungible assets with
// ERC-721 style ownership and approvals.
package nft

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudx-io/dutchauction/core"
)

var (
	ErrInvalidAccount = errors.New("invalid account")
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrAlreadyMinted  = errors.New("asset already minted")
	ErrNotOwner       = errors.New("not the asset owner")
	ErrNotApproved    = errors.New("caller not approved for asset")
)

// Registry tracks the owner of every minted asset.
type Registry struct {
	mu        sync.Mutex
	owners    map[core.AssetRef]core.Identity
	approvals map[core.AssetRef]core.Identity
	operators map[core.Identity]map[core.Identity]bool
}

func NewRegistry() *Registry {
	return &Registry{
		owners:    make(map[core.AssetRef]core.Identity),
		approvals: make(map[core.AssetRef]core.Identity),
		operators: make(map[core.Identity]map[core.Identity]bool),
	}
}

// Mint creates ref and assigns it to owner.
func (r *Registry) Mint(owner core.Identity, ref core.AssetRef) error {
	if owner == core.NoIdentity {
		return fmt.Errorf("%w: mint to empty account", ErrInvalidAccount)
	}
	if ref == "" {
		return fmt.Errorf("%w: empty asset reference", ErrUnknownAsset)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[ref]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyMinted, ref)
	}
	r.owners[ref] = owner
	return nil
}

// Approve lets operator transfer ref once on behalf of its owner.
// Passing core.NoIdentity clears the approval.
func (r *Registry) Approve(caller, operator core.Identity, ref core.AssetRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	if caller != owner && !r.operators[owner][caller] {
		return fmt.Errorf("%w: %s cannot approve %s", ErrNotOwner, caller, ref)
	}
	if operator == core.NoIdentity {
		delete(r.approvals, ref)
		return nil
	}
	r.approvals[ref] = operator
	return nil
}

// SetApprovalForAll grants or revokes operator control over every asset
// held by owner.
func (r *Registry) SetApprovalForAll(owner, operator core.Identity, approved bool) error {
	if owner == core.NoIdentity || operator == core.NoIdentity || owner == operator {
		return fmt.Errorf("%w: operator approval %s -> %s", ErrInvalidAccount, owner, operator)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !approved {
		delete(r.operators[owner], operator)
		return nil
	}
	if r.operators[owner] == nil {
		r.operators[owner] = make(map[core.Identity]bool)
	}
	r.operators[owner][operator] = true
	return nil
}

// TransferFrom moves ref from its current owner to a new owner. The caller
// must be the owner, the approved address for ref, or an operator of the
// owner. A per-asset approval is cleared by the transfer.
func (r *Registry) TransferFrom(caller, from, to core.Identity, ref core.AssetRef) error {
	if to == core.NoIdentity {
		return fmt.Errorf("%w: transfer of %s to empty account", ErrInvalidAccount, ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	if owner != from {
		return fmt.Errorf("%w: %s is held by %s, not %s", ErrNotOwner, ref, owner, from)
	}
	if caller != owner && r.approvals[ref] != caller && !r.operators[owner][caller] {
		return fmt.Errorf("%w: %s may not move %s", ErrNotApproved, caller, ref)
	}

	delete(r.approvals, ref)
	r.owners[ref] = to
	return nil
}

// OwnerOf returns the current owner of ref.
func (r *Registry) OwnerOf(ref core.AssetRef) (core.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[ref]
	if !ok {
		return core.NoIdentity, fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	return owner, nil
}

// Client returns a view of the registry acting as operator.
func (r *Registry) Client(operator core.Identity) *Client {
	return &Client{registry: r, operator: operator}
}

// Client is a registry handle acting as one account. It satisfies the
// auction engine's asset registry contract.
type Client struct {
	registry *Registry
	operator core.Identity
}

func (c *Client) TransferOwnership(ctx context.Context, ref core.AssetRef, from, to core.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.registry.TransferFrom(c.operator, from, to, ref)
}

func (c *Client) OwnerOf(ctx context.Context, ref core.AssetRef) (core.Identity, error) {
	if err := ctx.Err(); err != nil {
		return core.NoIdentity, err
	}
	return c.registry.OwnerOf(ref)
}
