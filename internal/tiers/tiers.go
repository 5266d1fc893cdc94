// Package tiers defines the catalog of policy tiers: coverage classes with a
// coverage multiplier, a premium discount, and a minimum collateral stake.
package tiers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/coverpool/internal/protocol"
)

// ErrTierNotFound wraps ErrInvalidParameters so pricing an unknown tier
// surfaces as an invalid-parameters failure.
var ErrTierNotFound = fmt.Errorf("%w: tier not found", protocol.ErrInvalidParameters)

// Well-known tier IDs.
const (
	Basic   uint32 = 1
	Premium uint32 = 2
	Elite   uint32 = 3
)

// MaxNameLength bounds tier names.
const MaxNameLength = 64

// Tier is a named coverage class.
type Tier struct {
	ID                 uint32    `json:"id"`
	Name               string    `json:"name"`
	CoverageMultiplier uint64    `json:"coverageMultiplier"`
	DiscountPercent    uint64    `json:"premiumDiscountPercent"`
	MinStake           uint64    `json:"minStake"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// New validates and builds a tier. Discounts above 100 are rejected here so
// premium computation can never go negative.
func New(id uint32, name string, multiplier, discount, minStake uint64) (*Tier, error) {
	name = strings.TrimSpace(name)
	switch {
	case id == 0:
		return nil, fmt.Errorf("%w: tier id must be positive", protocol.ErrInvalidParameters)
	case name == "" || len(name) > MaxNameLength:
		return nil, fmt.Errorf("%w: tier name must be 1-%d characters", protocol.ErrInvalidParameters, MaxNameLength)
	case multiplier < 1:
		return nil, fmt.Errorf("%w: coverage multiplier must be at least 1", protocol.ErrInvalidParameters)
	case discount > 100:
		return nil, fmt.Errorf("%w: premium discount must be within 0-100", protocol.ErrInvalidParameters)
	}
	return &Tier{
		ID:                 id,
		Name:               name,
		CoverageMultiplier: multiplier,
		DiscountPercent:    discount,
		MinStake:           minStake,
		UpdatedAt:          time.Now(),
	}, nil
}

// Validate re-checks the invariants of an already-built tier (e.g. one
// loaded from storage).
func (t *Tier) Validate() error {
	_, err := New(t.ID, t.Name, t.CoverageMultiplier, t.DiscountPercent, t.MinStake)
	return err
}

// DefaultCatalog returns the Basic/Premium/Elite catalog seeded on bootstrap.
func DefaultCatalog() []*Tier {
	now := time.Now()
	return []*Tier{
		{ID: Basic, Name: "Basic", CoverageMultiplier: 1, DiscountPercent: 0, MinStake: 1_000_000, UpdatedAt: now},
		{ID: Premium, Name: "Premium", CoverageMultiplier: 3, DiscountPercent: 10, MinStake: 5_000_000, UpdatedAt: now},
		{ID: Elite, Name: "Elite", CoverageMultiplier: 5, DiscountPercent: 20, MinStake: 10_000_000, UpdatedAt: now},
	}
}

// SortByID orders tiers by ascending ID in place.
func SortByID(ts []*Tier) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

// RegisterRequest is the request body for POST /v1/admin/tiers.
type RegisterRequest struct {
	ID                 uint32 `json:"id" binding:"required"`
	Name               string `json:"name" binding:"required"`
	CoverageMultiplier uint64 `json:"coverageMultiplier" binding:"required"`
	DiscountPercent    uint64 `json:"premiumDiscountPercent"`
	MinStake           uint64 `json:"minStake"`
}
