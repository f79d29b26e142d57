package swarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"anima/internal/logging"
	"anima/internal/store"
)

var (
	// ErrUnknownProposal is returned for votes on an id that was never
	// proposed.
	ErrUnknownProposal = errors.New("unknown proposal")

	// ErrProposalClosed is returned for votes on a decided proposal.
	ErrProposalClosed = errors.New("proposal is closed")
)

// Strategy selects the approval rule for a proposal.
type Strategy string

const (
	StrategyMajority      Strategy = "majority"
	StrategySupermajority Strategy = "supermajority"
	StrategyUnanimous     Strategy = "unanimous"
	StrategyWeighted      Strategy = "weighted"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyMajority, StrategySupermajority, StrategyUnanimous, StrategyWeighted:
		return true
	}
	return false
}

// Choice is one agent's vote.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

// Valid reports whether c is one of the known choices.
func (c Choice) Valid() bool {
	switch c {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
		return true
	}
	return false
}

// ProposalStatus is a proposal's lifecycle position. Active proposals
// accept votes; the other three are terminal.
type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "active"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalTimedOut ProposalStatus = "timed-out"
)

// Vote is one agent's recorded position on a proposal.
type Vote struct {
	Choice     Choice    `json:"choice"`
	Weight     float64   `json:"weight"`
	Confidence float64   `json:"confidence"`
	CastAt     time.Time `json:"cast_at"`
}

// Proposal is one decision put to the swarm.
type Proposal struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Proposer      string          `json:"proposer"`
	Strategy      Strategy        `json:"strategy"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	RequiredVotes int             `json:"required_votes,omitempty"`
	Status        ProposalStatus  `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	Votes         map[string]Vote `json:"votes,omitempty"`
}

// Consensus is the durable voting ledger. Tallies run on every new vote;
// approval can land early, rejection and timeout only at the deadline,
// because the electorate size is unknown and a losing tally might still
// flip while votes can arrive.
type Consensus struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewConsensus opens (or creates) the proposal ledger at path.
func NewConsensus(path string) (*Consensus, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	c := &Consensus{db: db, path: path, now: time.Now}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Swarm("Consensus ledger ready at %s", path)
	return c, nil
}

func (c *Consensus) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		proposer TEXT NOT NULL,
		strategy TEXT NOT NULL,
		deadline TEXT,
		required_votes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		decided_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

	CREATE TABLE IF NOT EXISTS votes (
		proposal_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		choice TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		confidence REAL NOT NULL DEFAULT 1.0,
		cast_at TEXT NOT NULL,
		PRIMARY KEY (proposal_id, agent_id)
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		logging.StoreError("Failed to initialize consensus schema: %v", err)
		return fmt.Errorf("failed to initialize consensus schema: %w", err)
	}
	return nil
}

// Propose opens a proposal for votes and returns its id. A missing
// strategy defaults to majority; a deadline in the past is rejected.
func (c *Consensus) Propose(ctx context.Context, p Proposal) (string, error) {
	if strings.TrimSpace(p.Title) == "" {
		return "", fmt.Errorf("%w: proposal title is required", ErrValidation)
	}
	if strings.TrimSpace(p.Proposer) == "" {
		return "", fmt.Errorf("%w: proposer is required", ErrValidation)
	}
	if p.Strategy == "" {
		p.Strategy = StrategyMajority
	}
	if !p.Strategy.Valid() {
		return "", fmt.Errorf("%w: unknown strategy %q", ErrValidation, p.Strategy)
	}
	if p.Deadline != nil && !p.Deadline.After(c.now()) {
		return "", fmt.Errorf("%w: deadline is in the past", ErrValidation)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	var deadline any
	if p.Deadline != nil {
		deadline = store.FormatTimestamp(*p.Deadline)
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO proposals (id, title, description, proposer, strategy, deadline, required_votes, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?)`,
		p.ID, p.Title, p.Description, p.Proposer, string(p.Strategy), deadline,
		p.RequiredVotes, store.FormatTimestamp(c.now())); err != nil {
		logging.SwarmError("Failed to create proposal %q: %v", p.Title, err)
		return "", fmt.Errorf("failed to create proposal: %w", err)
	}
	logging.Swarm("Proposal %s opened: %q strategy=%s quorum=%d", p.ID, p.Title, p.Strategy, p.RequiredVotes)
	return p.ID, nil
}

// CastVote records an agent's vote. Voting twice replaces the first vote.
// Weight defaults to 1 when non-positive; confidence is clamped to [0,1].
// The tally runs immediately; the returned status reflects any early
// approval this vote caused.
func (c *Consensus) CastVote(ctx context.Context, proposalID, agentID string, choice Choice, confidence, weight float64) (ProposalStatus, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	if !choice.Valid() {
		return "", fmt.Errorf("%w: unknown choice %q", ErrValidation, choice)
	}
	if weight <= 0 {
		weight = 1.0
	}
	confidence = clamp01(confidence)

	status, err := c.proposalStatus(ctx, proposalID)
	if err != nil {
		return "", err
	}
	if status != ProposalActive {
		return status, fmt.Errorf("%w: %s is %s", ErrProposalClosed, proposalID, status)
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO votes (proposal_id, agent_id, choice, weight, confidence, cast_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		proposalID, agentID, string(choice), weight, confidence, store.FormatTimestamp(c.now())); err != nil {
		return "", fmt.Errorf("failed to record vote: %w", err)
	}
	logging.SwarmDebug("Vote on %s: %s -> %s (weight %.2f, confidence %.2f)", proposalID, agentID, choice, weight, confidence)

	return c.evaluate(ctx, proposalID, false)
}

// SweepDeadlines settles every active proposal whose deadline has passed:
// quorum unmet means timed-out, otherwise the strategy decides approved
// or rejected. Returns how many proposals were settled.
func (c *Consensus) SweepDeadlines(ctx context.Context) (int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM proposals WHERE status = 'active' AND deadline IS NOT NULL AND deadline <= ?`,
		store.FormatTimestamp(c.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to find expired proposals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	settled := 0
	for _, id := range ids {
		status, err := c.evaluate(ctx, id, true)
		if err != nil {
			logging.SwarmError("Failed to settle proposal %s: %v", id, err)
			continue
		}
		if status != ProposalActive {
			settled++
		}
	}
	return settled, nil
}

// Get returns a proposal with its votes.
func (c *Consensus) Get(ctx context.Context, id string) (Proposal, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, title, description, proposer, strategy, deadline, required_votes, status, created_at, decided_at
		 FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Proposal{}, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
		}
		return Proposal{}, fmt.Errorf("failed to load proposal %s: %w", id, err)
	}
	p.Votes, err = c.votes(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// ListActive returns open proposals, oldest first, with their votes.
func (c *Consensus) ListActive(ctx context.Context) ([]Proposal, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, title, description, proposer, strategy, deadline, required_votes, status, created_at, decided_at
		 FROM proposals WHERE status = 'active' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			logging.StoreWarn("Skipping unreadable proposal row: %v", err)
			continue
		}
		out = append(out, p)
	}
	for i := range out {
		votes, err := c.votes(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Votes = votes
	}
	return out, nil
}

// Stats counts proposals by status and the total vote count.
func (c *Consensus) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	rows, err := c.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count proposals: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err == nil {
			stats[status] = n
		}
	}
	rows.Close()

	var votes int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes`).Scan(&votes); err == nil {
		stats["votes"] = votes
	}
	return stats, nil
}

// Health verifies the database answers queries.
func (c *Consensus) Health(ctx context.Context) error {
	var one int
	return c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close releases the database handle.
func (c *Consensus) Close() error {
	logging.StoreDebug("Closing consensus ledger at %s", c.path)
	return c.db.Close()
}

type tallyResult struct {
	approve       int
	reject        int
	abstain       int
	approveWeight float64
	rejectWeight  float64
}

// evaluate tallies a proposal. On a vote (deadline=false) only an
// approval is terminal. At the deadline, quorum decides between a real
// verdict and timed-out.
func (c *Consensus) evaluate(ctx context.Context, id string, atDeadline bool) (ProposalStatus, error) {
	var strategy string
	var required int
	var status string
	err := c.db.QueryRowContext(ctx,
		`SELECT strategy, required_votes, status FROM proposals WHERE id = ?`, id).
		Scan(&strategy, &required, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrUnknownProposal, id)
		}
		return "", fmt.Errorf("failed to load proposal %s: %w", id, err)
	}
	if ProposalStatus(status) != ProposalActive {
		return ProposalStatus(status), nil
	}

	votes, err := c.votes(ctx, id)
	if err != nil {
		return "", err
	}
	tally := tallyVotes(votes)
	quorumMet := required <= 0 || len(votes) >= required

	switch {
	case quorumMet && satisfied(Strategy(strategy), tally, required):
		return c.settle(ctx, id, ProposalApproved)
	case atDeadline && quorumMet:
		return c.settle(ctx, id, ProposalRejected)
	case atDeadline:
		return c.settle(ctx, id, ProposalTimedOut)
	default:
		return ProposalActive, nil
	}
}

// settle writes a terminal status, guarded so only the first transition
// wins if two evaluations race.
func (c *Consensus) settle(ctx context.Context, id string, status ProposalStatus) (ProposalStatus, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, decided_at = ? WHERE id = ? AND status = 'active'`,
		string(status), store.FormatTimestamp(c.now()), id)
	if err != nil {
		return "", fmt.Errorf("failed to settle proposal %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Someone else settled it first; report what they decided.
		return c.proposalStatus(ctx, id)
	}
	logging.Swarm("Proposal %s settled: %s", id, status)
	return status, nil
}

func (c *Consensus) proposalStatus(ctx context.Context, id string) (ProposalStatus, error) {
	var status string
	err := c.db.QueryRowContext(ctx, `SELECT status FROM proposals WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrUnknownProposal, id)
		}
		return "", fmt.Errorf("failed to load proposal %s: %w", id, err)
	}
	return ProposalStatus(status), nil
}

func (c *Consensus) votes(ctx context.Context, proposalID string) (map[string]Vote, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT agent_id, choice, weight, confidence, cast_at FROM votes WHERE proposal_id = ?`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load votes for %s: %w", proposalID, err)
	}
	defer rows.Close()

	votes := make(map[string]Vote)
	for rows.Next() {
		var agent, choice, castAt string
		var v Vote
		if err := rows.Scan(&agent, &choice, &v.Weight, &v.Confidence, &castAt); err != nil {
			continue
		}
		v.Choice = Choice(choice)
		v.CastAt = store.ParseTimestamp(castAt)
		votes[agent] = v
	}
	return votes, rows.Err()
}

func tallyVotes(votes map[string]Vote) tallyResult {
	var t tallyResult
	for _, v := range votes {
		switch v.Choice {
		case ChoiceApprove:
			t.approve++
			t.approveWeight += v.Weight * v.Confidence
		case ChoiceReject:
			t.reject++
			t.rejectWeight += v.Weight * v.Confidence
		case ChoiceAbstain:
			t.abstain++
		}
	}
	return t
}

func satisfied(strategy Strategy, t tallyResult, quorum int) bool {
	switch strategy {
	case StrategySupermajority:
		nonAbstain := t.approve + t.reject
		return nonAbstain > 0 && float64(t.approve) >= 2.0/3.0*float64(nonAbstain)
	case StrategyUnanimous:
		minApprovals := quorum
		if minApprovals < 1 {
			minApprovals = 1
		}
		return t.reject == 0 && t.approve >= minApprovals
	case StrategyWeighted:
		return t.approveWeight > t.rejectWeight
	default:
		return t.approve > t.reject
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (Proposal, error) {
	var p Proposal
	var strategy, status, createdAt string
	var description, deadline, decidedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Title, &description, &p.Proposer, &strategy,
		&deadline, &p.RequiredVotes, &status, &createdAt, &decidedAt); err != nil {
		return Proposal{}, err
	}
	p.Description = description.String
	p.Strategy = Strategy(strategy)
	p.Status = ProposalStatus(status)
	p.CreatedAt = store.ParseTimestamp(createdAt)
	if deadline.Valid {
		t := store.ParseTimestamp(deadline.String)
		p.Deadline = &t
	}
	if decidedAt.Valid {
		t := store.ParseTimestamp(decidedAt.String)
		p.DecidedAt = &t
	}
	return p, nil
}
