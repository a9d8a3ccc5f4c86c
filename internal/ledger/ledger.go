// Package ledger is the append-only, hash-chained record of verified
// artifacts. A single writer serializes appends so the chain invariant
// (block[i].previousHash == block[i-1].hash) always holds; blocks seal via a
// bounded proof-of-work search once they reach the statement threshold.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/observability"
	"github.com/forgeworks/foundry/internal/store"
	"github.com/forgeworks/foundry/internal/verify"
)

const (
	counterAttempts = "ledger_attempts"
	counterRejected = "ledger_rejected"
)

type Ledger struct {
	cfg      config.LedgerConfig
	store    *store.Store
	verifier *verify.Verifier
	logger   zerolog.Logger

	// mu is the single-writer guard for appends. Concurrent verified
	// submissions must serialize before touching the chain.
	mu sync.Mutex
}

func New(cfg config.LedgerConfig, st *store.Store, verifier *verify.Verifier, logger zerolog.Logger) *Ledger {
	return &Ledger{
		cfg:      cfg,
		store:    st,
		verifier: verifier,
		logger:   logger.With().Str("component", "ledger").Logger(),
	}
}

type StoreResult struct {
	Verified     bool
	Verification verify.Result
	Block        *model.LedgerBlock
	Statement    *model.LedgerStatement
}

// VerifyAndStore runs the verification gate over the content and appends a
// statement only when it passes. Rejections are counted, never stored.
func (l *Ledger) VerifyAndStore(ctx context.Context, agentID, taskID, prompt, content, language string, baseline model.Role) (StoreResult, error) {
	result := l.verifier.Verify(ctx, verify.Request{
		AgentID:      agentID,
		TaskID:       taskID,
		Prompt:       prompt,
		Artifact:     content,
		Language:     language,
		RoleBaseline: baseline,
	})

	if _, err := l.store.IncrementCounter(ctx, counterAttempts); err != nil {
		return StoreResult{}, err
	}
	if !result.Passed {
		if _, err := l.store.IncrementCounter(ctx, counterRejected); err != nil {
			return StoreResult{}, err
		}
		observability.RecordLedgerStatement(false)
		return StoreResult{Verified: false, Verification: result}, nil
	}

	block, stmt, err := l.Append(ctx, agentID, taskID, result)
	if err != nil {
		return StoreResult{}, err
	}
	return StoreResult{Verified: true, Verification: result, Block: &block, Statement: &stmt}, nil
}

// Append records an already-verified result. Sealing happens inline when the
// open block reaches the threshold; the next append opens a fresh block
// chained to the sealed hash.
func (l *Ledger) Append(ctx context.Context, agentID, taskID string, verification verify.Result) (model.LedgerBlock, model.LedgerStatement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	checks := map[string]bool{}
	for _, c := range verification.Checks {
		checks[c.Name] = c.Passed
	}
	checksJSON, err := json.Marshal(checks)
	if err != nil {
		return model.LedgerBlock{}, model.LedgerStatement{}, fmt.Errorf("marshal check bits: %w", err)
	}

	stmt, count, err := l.store.AppendStatement(ctx, model.LedgerStatement{
		ContentHash: verification.ContentHash,
		ProofHash:   verification.ProofHash,
		AgentID:     agentID,
		TaskID:      taskID,
		Checks:      string(checksJSON),
	})
	if err != nil {
		return model.LedgerBlock{}, model.LedgerStatement{}, err
	}
	observability.RecordLedgerStatement(true)

	block, err := l.store.GetBlock(ctx, stmt.BlockIndex)
	if err != nil {
		return model.LedgerBlock{}, model.LedgerStatement{}, err
	}

	if count >= l.cfg.SealThreshold {
		sealed, err := l.seal(ctx, block)
		if err != nil {
			return model.LedgerBlock{}, model.LedgerStatement{}, err
		}
		block = sealed
	}

	l.logger.Info().
		Int64("block", stmt.BlockIndex).
		Int64("seq", stmt.Seq).
		Str("task_id", taskID).
		Msg("statement appended")
	return block, stmt, nil
}

// seal finalizes the block hash via a bounded nonce search. This is tamper
// evidence, not consensus: at the iteration cap the block seals with the
// best hash found rather than spinning forever.
func (l *Ledger) seal(ctx context.Context, block model.LedgerBlock) (model.LedgerBlock, error) {
	stmts, err := l.store.StatementsForBlock(ctx, block.Index)
	if err != nil {
		return model.LedgerBlock{}, err
	}

	prefix := strings.Repeat("0", l.cfg.Difficulty)
	var nonce int64
	hash := blockHash(block.Index, block.PreviousHash, stmts, nonce)
	for nonce = 0; nonce < int64(l.cfg.NonceCap); nonce++ {
		hash = blockHash(block.Index, block.PreviousHash, stmts, nonce)
		if strings.HasPrefix(hash, prefix) {
			break
		}
	}
	if nonce == int64(l.cfg.NonceCap) {
		nonce--
		hash = blockHash(block.Index, block.PreviousHash, stmts, nonce)
		l.logger.Warn().Int64("block", block.Index).Msg("nonce cap reached, sealing with best-effort hash")
	}

	if err := l.store.SealBlock(ctx, block.Index, hash, nonce); err != nil {
		return model.LedgerBlock{}, err
	}
	if err := l.store.AppendTrace(ctx, model.TraceEvent{
		Event: model.TraceEventLedgerSealed,
		Metadata: map[string]string{
			"block": fmt.Sprintf("%d", block.Index),
			"hash":  hash,
		},
	}); err != nil {
		l.logger.Warn().Err(err).Msg("sealed block trace failed")
	}

	l.logger.Info().Int64("block", block.Index).Str("hash", hash).Int64("nonce", nonce).Msg("block sealed")
	block.Hash = hash
	block.Nonce = nonce
	block.Sealed = true
	return block, nil
}

// blockHash digests index + previous hash + the statements' hashes in
// sequence order + nonce. Recomputable from stored fields alone.
func blockHash(index int64, previousHash string, stmts []model.LedgerStatement, nonce int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n%s\n", index, previousHash)
	for _, s := range stmts {
		fmt.Fprintf(&b, "%s:%s\n", s.ContentHash, s.ProofHash)
	}
	fmt.Fprintf(&b, "%d", nonce)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CheckIntegrity walks every sealed block in index order, recomputes its
// hash from stored fields, and confirms the previous-hash chain. Returns the
// first bad block index, or -1 when the chain is intact. It never blocks
// appends beyond the read itself.
func (l *Ledger) CheckIntegrity(ctx context.Context) (int64, error) {
	blocks, err := l.store.ListBlocks(ctx)
	if err != nil {
		return -1, err
	}

	previous := strings.Repeat("0", 64)
	for _, block := range blocks {
		if !block.Sealed {
			break
		}
		if block.PreviousHash != previous {
			observability.RecordLedgerIntegrity(false)
			return block.Index, nil
		}
		stmts, err := l.store.StatementsForBlock(ctx, block.Index)
		if err != nil {
			return -1, err
		}
		if blockHash(block.Index, block.PreviousHash, stmts, block.Nonce) != block.Hash {
			observability.RecordLedgerIntegrity(false)
			return block.Index, nil
		}
		previous = block.Hash
	}
	observability.RecordLedgerIntegrity(true)
	return -1, nil
}

type Stats struct {
	Blocks         int64   `json:"blocks"`
	Statements     int64   `json:"statements"`
	Rejected       int64   `json:"rejected"`
	RejectionRatio float64 `json:"rejection_ratio"`
}

func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	blocks, err := l.store.ListBlocks(ctx)
	if err != nil {
		return Stats{}, err
	}
	statements, err := l.store.CountStatements(ctx)
	if err != nil {
		return Stats{}, err
	}
	attempts, err := l.store.Counter(ctx, counterAttempts)
	if err != nil {
		return Stats{}, err
	}
	rejected, err := l.store.Counter(ctx, counterRejected)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Blocks:     int64(len(blocks)),
		Statements: statements,
		Rejected:   rejected,
	}
	if attempts > 0 {
		stats.RejectionRatio = float64(rejected) / float64(attempts)
	}
	return stats, nil
}
