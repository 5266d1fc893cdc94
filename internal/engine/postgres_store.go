package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/stakes"
	"github.com/mbd888/coverpool/internal/tiers"
)

// PostgresStore persists engine records in PostgreSQL. Tables are created
// by the goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL engine store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// --- State ---

func (s *PostgresStore) GetState(ctx context.Context) (*protocol.State, error) {
	st := &protocol.State{}
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, custody, reserve_pool, stake_pool, reward_pool, base_premium,
			claim_ceiling, total_policies, active_claims, updated_at
		FROM protocol_state WHERE id = 1`,
	).Scan(
		&st.Owner, &st.Custody,
		amount.Scanner(&st.ReservePool), amount.Scanner(&st.StakePool), amount.Scanner(&st.RewardPool),
		amount.Scanner(&st.BasePremium), amount.Scanner(&st.ClaimCeiling),
		amount.Scanner(&st.TotalPolicies), amount.Scanner(&st.ActiveClaims),
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- Tiers ---

const tierColumns = `id, name, coverage_multiplier, premium_discount_percent, min_stake, updated_at`

func (s *PostgresStore) GetTier(ctx context.Context, id uint32) (*tiers.Tier, error) {
	t, err := scanTier(s.db.QueryRowContext(ctx, `SELECT `+tierColumns+` FROM policy_tiers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTiers(ctx context.Context) ([]*tiers.Tier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tierColumns+` FROM policy_tiers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*tiers.Tier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Policies ---

const policyColumns = `account, tier_id, premium_paid, coverage_limit, stake_amount, start_time,
	expiry_time, risk_score, claims_made, status, last_claim_time, paid_out, stake_released,
	created_at, updated_at`

func (s *PostgresStore) GetPolicy(ctx context.Context, account string) (*policy.Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE account = $1`, account))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) ListLapsedPolicies(ctx context.Context, height uint64, limit int) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE status = 'active' AND expiry_time < $1
		ORDER BY expiry_time ASC LIMIT $2`,
		amount.Numeric(height), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Claims ---

const claimColumns = `account, claim_id, amount_requested, evidence, category, submitted_height,
	assessor, verdict, payout_amount, decided_at, created_at, updated_at`

func (s *PostgresStore) GetClaim(ctx context.Context, account string, id uint64) (*claims.Claim, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE account = $1 AND claim_id = $2`,
		account, amount.Numeric(id),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) ListClaims(ctx context.Context, account string) ([]*claims.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE account = $1 ORDER BY claim_id ASC`,
		account,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*claims.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Risk ---

func (s *PostgresStore) GetProfile(ctx context.Context, account string) (*risk.Profile, error) {
	p := &risk.Profile{Account: account}
	err := s.db.QueryRowContext(ctx, `
		SELECT base_score, claim_history, stake_weight, duration_multiplier, updated_at
		FROM risk_profiles WHERE account = $1`, account,
	).Scan(
		&p.BaseScore, amount.Scanner(&p.ClaimHistory), amount.Scanner(&p.StakeWeight),
		amount.Scanner(&p.DurationMultiplier), &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListAssessments(ctx context.Context, account string, limit int) ([]*risk.Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, score, decision, height, created_at
		FROM risk_assessments WHERE account = $1
		ORDER BY created_at DESC LIMIT $2`,
		account, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*risk.Assessment
	for rows.Next() {
		a := &risk.Assessment{}
		if err := rows.Scan(&a.ID, &a.Account, &a.Score, &a.Decision, amount.Scanner(&a.Height), &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Staking ---

func (s *PostgresStore) GetStakeAccount(ctx context.Context, account string) (*stakes.Account, error) {
	a := &stakes.Account{Account: account}
	err := s.db.QueryRowContext(ctx, `
		SELECT amount, rewards_accrued, lock_until, last_reward_time, total_claimed, created_at, updated_at
		FROM stake_accounts WHERE account = $1`, account,
	).Scan(
		amount.Scanner(&a.Amount), amount.Scanner(&a.RewardsAccrued), amount.Scanner(&a.LockUntil),
		amount.Scanner(&a.LastRewardTime), amount.Scanner(&a.TotalClaimed),
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// --- Commit ---

// Commit writes the changeset in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if cs.State != nil {
		if err := upsertState(ctx, tx, cs.State); err != nil {
			return fmt.Errorf("write state: %w", err)
		}
	}
	for _, t := range cs.Tiers {
		if err := upsertTier(ctx, tx, t); err != nil {
			return fmt.Errorf("write tier %d: %w", t.ID, err)
		}
	}
	if cs.Policy != nil {
		if err := upsertPolicy(ctx, tx, cs.Policy); err != nil {
			return fmt.Errorf("write policy: %w", err)
		}
	}
	if cs.Claim != nil {
		if err := upsertClaim(ctx, tx, cs.Claim); err != nil {
			return fmt.Errorf("write claim: %w", err)
		}
	}
	if cs.Profile != nil {
		if err := upsertProfile(ctx, tx, cs.Profile); err != nil {
			return fmt.Errorf("write risk profile: %w", err)
		}
	}
	if a := cs.Assessment; a != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO risk_assessments (id, account, score, decision, height, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.Account, a.Score, string(a.Decision), amount.Numeric(a.Height), a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("write assessment: %w", err)
		}
	}
	if cs.Stake != nil {
		if err := upsertStake(ctx, tx, cs.Stake); err != nil {
			return fmt.Errorf("write stake account: %w", err)
		}
	}
	return tx.Commit()
}

func upsertState(ctx context.Context, tx *sql.Tx, st *protocol.State) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO protocol_state (id, owner, custody, reserve_pool, stake_pool, reward_pool,
			base_premium, claim_ceiling, total_policies, active_claims, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner, custody = EXCLUDED.custody,
			reserve_pool = EXCLUDED.reserve_pool, stake_pool = EXCLUDED.stake_pool,
			reward_pool = EXCLUDED.reward_pool, base_premium = EXCLUDED.base_premium,
			claim_ceiling = EXCLUDED.claim_ceiling, total_policies = EXCLUDED.total_policies,
			active_claims = EXCLUDED.active_claims, updated_at = NOW()`,
		st.Owner, st.Custody,
		amount.Numeric(st.ReservePool), amount.Numeric(st.StakePool), amount.Numeric(st.RewardPool),
		amount.Numeric(st.BasePremium), amount.Numeric(st.ClaimCeiling),
		amount.Numeric(st.TotalPolicies), amount.Numeric(st.ActiveClaims),
	)
	return err
}

func upsertTier(ctx context.Context, tx *sql.Tx, t *tiers.Tier) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO policy_tiers (id, name, coverage_multiplier, premium_discount_percent, min_stake, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, coverage_multiplier = EXCLUDED.coverage_multiplier,
			premium_discount_percent = EXCLUDED.premium_discount_percent,
			min_stake = EXCLUDED.min_stake, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, amount.Numeric(t.CoverageMultiplier), t.DiscountPercent,
		amount.Numeric(t.MinStake), t.UpdatedAt,
	)
	return err
}

func upsertPolicy(ctx context.Context, tx *sql.Tx, p *policy.Policy) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (account) DO UPDATE SET
			tier_id = EXCLUDED.tier_id, premium_paid = EXCLUDED.premium_paid,
			coverage_limit = EXCLUDED.coverage_limit, stake_amount = EXCLUDED.stake_amount,
			start_time = EXCLUDED.start_time, expiry_time = EXCLUDED.expiry_time,
			risk_score = EXCLUDED.risk_score, claims_made = EXCLUDED.claims_made,
			status = EXCLUDED.status, last_claim_time = EXCLUDED.last_claim_time,
			paid_out = EXCLUDED.paid_out, stake_released = EXCLUDED.stake_released,
			created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`,
		p.Account, p.TierID, amount.Numeric(p.PremiumPaid), amount.Numeric(p.CoverageLimit),
		amount.Numeric(p.StakeAmount), amount.Numeric(p.StartTime), amount.Numeric(p.ExpiryTime),
		p.RiskScore, amount.Numeric(p.ClaimsMade), string(p.Status), amount.Numeric(p.LastClaimTime),
		amount.Numeric(p.PaidOut), p.StakeReleased, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func upsertClaim(ctx context.Context, tx *sql.Tx, c *claims.Claim) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account, claim_id) DO UPDATE SET
			assessor = EXCLUDED.assessor, verdict = EXCLUDED.verdict,
			payout_amount = EXCLUDED.payout_amount, decided_at = EXCLUDED.decided_at,
			updated_at = EXCLUDED.updated_at`,
		c.Account, amount.Numeric(c.ID), amount.Numeric(c.AmountRequested), c.Evidence.Hex(),
		c.Category, amount.Numeric(c.Timestamp), c.Assessor, string(c.Verdict),
		amount.Numeric(c.PayoutAmount), amount.Numeric(c.DecidedAt), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func upsertProfile(ctx context.Context, tx *sql.Tx, p *risk.Profile) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO risk_profiles (account, base_score, claim_history, stake_weight, duration_multiplier, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account) DO UPDATE SET
			base_score = EXCLUDED.base_score, claim_history = EXCLUDED.claim_history,
			stake_weight = EXCLUDED.stake_weight, duration_multiplier = EXCLUDED.duration_multiplier,
			updated_at = EXCLUDED.updated_at`,
		p.Account, p.BaseScore, amount.Numeric(p.ClaimHistory), amount.Numeric(p.StakeWeight),
		amount.Numeric(p.DurationMultiplier), p.UpdatedAt,
	)
	return err
}

func upsertStake(ctx context.Context, tx *sql.Tx, a *stakes.Account) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stake_accounts (account, amount, rewards_accrued, lock_until, last_reward_time,
			total_claimed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account) DO UPDATE SET
			amount = EXCLUDED.amount, rewards_accrued = EXCLUDED.rewards_accrued,
			lock_until = EXCLUDED.lock_until, last_reward_time = EXCLUDED.last_reward_time,
			total_claimed = EXCLUDED.total_claimed, updated_at = EXCLUDED.updated_at`,
		a.Account, amount.Numeric(a.Amount), amount.Numeric(a.RewardsAccrued), amount.Numeric(a.LockUntil),
		amount.Numeric(a.LastRewardTime), amount.Numeric(a.TotalClaimed), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTier(row scanner) (*tiers.Tier, error) {
	t := &tiers.Tier{}
	err := row.Scan(&t.ID, &t.Name, amount.Scanner(&t.CoverageMultiplier), &t.DiscountPercent,
		amount.Scanner(&t.MinStake), &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanPolicy(row scanner) (*policy.Policy, error) {
	p := &policy.Policy{}
	var status string
	err := row.Scan(
		&p.Account, &p.TierID, amount.Scanner(&p.PremiumPaid), amount.Scanner(&p.CoverageLimit),
		amount.Scanner(&p.StakeAmount), amount.Scanner(&p.StartTime), amount.Scanner(&p.ExpiryTime),
		&p.RiskScore, amount.Scanner(&p.ClaimsMade), &status, amount.Scanner(&p.LastClaimTime),
		amount.Scanner(&p.PaidOut), &p.StakeReleased, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = policy.Status(status)
	return p, nil
}

func scanClaim(row scanner) (*claims.Claim, error) {
	c := &claims.Claim{}
	var evidence, verdict string
	err := row.Scan(
		&c.Account, amount.Scanner(&c.ID), amount.Scanner(&c.AmountRequested), &evidence,
		&c.Category, amount.Scanner(&c.Timestamp), &c.Assessor, &verdict,
		amount.Scanner(&c.PayoutAmount), amount.Scanner(&c.DecidedAt), &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Evidence = common.HexToHash(evidence)
	c.Verdict = claims.Verdict(verdict)
	return c, nil
}
