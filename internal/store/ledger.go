package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeworks/foundry/internal/model"
)

// OpenBlock returns the current unsealed block, creating the genesis block or
// a successor chained to the last sealed block's hash when none is open.
func (s *Store) OpenBlock(ctx context.Context) (model.LedgerBlock, error) {
	block, err := s.scanBlockRow(s.db.QueryRowContext(ctx, `
		SELECT idx, previous_hash, hash, nonce, sealed, created_at
		FROM ledger_blocks WHERE sealed = 0 ORDER BY idx DESC LIMIT 1;
	`))
	if err == nil {
		return block, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.LedgerBlock{}, fmt.Errorf("find open block: %w", err)
	}

	previous := strings.Repeat("0", 64)
	var nextIdx int64
	last, err := s.lastSealedBlock(ctx)
	if err == nil {
		previous = last.Hash
		nextIdx = last.Index + 1
	} else if !errors.Is(err, ErrNotFound) {
		return model.LedgerBlock{}, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_blocks (idx, previous_hash) VALUES (?, ?);
	`, nextIdx, previous); err != nil {
		return model.LedgerBlock{}, fmt.Errorf("create block %d: %w", nextIdx, err)
	}
	return s.GetBlock(ctx, nextIdx)
}

func (s *Store) GetBlock(ctx context.Context, idx int64) (model.LedgerBlock, error) {
	block, err := s.scanBlockRow(s.db.QueryRowContext(ctx, `
		SELECT idx, previous_hash, hash, nonce, sealed, created_at
		FROM ledger_blocks WHERE idx = ?;
	`, idx))
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerBlock{}, fmt.Errorf("block %d: %w", idx, ErrNotFound)
	}
	if err != nil {
		return model.LedgerBlock{}, fmt.Errorf("get block %d: %w", idx, err)
	}
	return block, nil
}

func (s *Store) lastSealedBlock(ctx context.Context) (model.LedgerBlock, error) {
	block, err := s.scanBlockRow(s.db.QueryRowContext(ctx, `
		SELECT idx, previous_hash, hash, nonce, sealed, created_at
		FROM ledger_blocks WHERE sealed = 1 ORDER BY idx DESC LIMIT 1;
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerBlock{}, ErrNotFound
	}
	if err != nil {
		return model.LedgerBlock{}, fmt.Errorf("find last sealed block: %w", err)
	}
	return block, nil
}

// AppendStatement adds a statement to the open block and returns it together
// with the number of statements the block now holds.
func (s *Store) AppendStatement(ctx context.Context, stmt model.LedgerStatement) (model.LedgerStatement, int, error) {
	if strings.TrimSpace(stmt.ID) == "" {
		stmt.ID = uuid.NewString()
	}
	if stmt.ContentHash == "" || stmt.ProofHash == "" {
		return model.LedgerStatement{}, 0, fmt.Errorf("statement hashes are required")
	}
	block, err := s.OpenBlock(ctx)
	if err != nil {
		return model.LedgerStatement{}, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.LedgerStatement{}, 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM ledger_statements WHERE block_idx = ?;
	`, block.Index).Scan(&seq); err != nil {
		return model.LedgerStatement{}, 0, fmt.Errorf("next seq for block %d: %w", block.Index, err)
	}

	checks := stmt.Checks
	if checks == "" {
		checks = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_statements (id, block_idx, seq, content_hash, proof_hash, agent_id, task_id, checks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, stmt.ID, block.Index, seq, stmt.ContentHash, stmt.ProofHash,
		stmt.AgentID, stmt.TaskID, checks); err != nil {
		return model.LedgerStatement{}, 0, fmt.Errorf("insert statement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.LedgerStatement{}, 0, fmt.Errorf("commit append tx: %w", err)
	}

	stmt.BlockIndex = block.Index
	stmt.Seq = seq
	stmt.Checks = checks
	return stmt, int(seq) + 1, nil
}

// SealBlock records the mined hash and nonce for the open block.
func (s *Store) SealBlock(ctx context.Context, idx int64, hash string, nonce int64) error {
	if hash == "" {
		return fmt.Errorf("seal hash is required")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_blocks SET hash = ?, nonce = ?, sealed = 1
		WHERE idx = ? AND sealed = 0;
	`, hash, nonce, idx)
	if err != nil {
		return fmt.Errorf("seal block %d: %w", idx, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("block %d not open: %w", idx, ErrConflict)
	}
	return nil
}

// ListBlocks returns all blocks in chain order, sealed and open alike.
func (s *Store) ListBlocks(ctx context.Context) ([]model.LedgerBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, previous_hash, hash, nonce, sealed, created_at
		FROM ledger_blocks ORDER BY idx;
	`)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	out := []model.LedgerBlock{}
	for rows.Next() {
		var block model.LedgerBlock
		var sealed int
		if err := rows.Scan(&block.Index, &block.PreviousHash, &block.Hash,
			&block.Nonce, &sealed, &block.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		block.Sealed = sealed != 0
		out = append(out, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// StatementsForBlock returns a block's statements in sequence order.
func (s *Store) StatementsForBlock(ctx context.Context, idx int64) ([]model.LedgerStatement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, block_idx, seq, content_hash, proof_hash, agent_id, task_id, checks, created_at
		FROM ledger_statements WHERE block_idx = ? ORDER BY seq;
	`, idx)
	if err != nil {
		return nil, fmt.Errorf("query statements for block %d: %w", idx, err)
	}
	defer rows.Close()

	out := []model.LedgerStatement{}
	for rows.Next() {
		var stmt model.LedgerStatement
		if err := rows.Scan(&stmt.ID, &stmt.BlockIndex, &stmt.Seq, &stmt.ContentHash,
			&stmt.ProofHash, &stmt.AgentID, &stmt.TaskID, &stmt.Checks,
			&stmt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan statement: %w", err)
		}
		out = append(out, stmt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statements: %w", err)
	}
	return out, nil
}

// CountStatements returns the total number of recorded statements.
func (s *Store) CountStatements(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger_statements;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count statements: %w", err)
	}
	return n, nil
}

func (s *Store) scanBlockRow(row *sql.Row) (model.LedgerBlock, error) {
	var block model.LedgerBlock
	var sealed int
	if err := row.Scan(&block.Index, &block.PreviousHash, &block.Hash,
		&block.Nonce, &sealed, &block.CreatedAt); err != nil {
		return model.LedgerBlock{}, err
	}
	block.Sealed = sealed != 0
	return block, nil
}
