package model

import "time"

// LedgerBlock groups sealed proof statements under a hash chained to the
// previous block. An unsealed block is the current append target; its hash
// and nonce are only meaningful once sealed.
type LedgerBlock struct {
	Index        int64     `json:"index"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash,omitempty"`
	Nonce        int64     `json:"nonce"`
	Sealed       bool      `json:"sealed"`
	CreatedAt    time.Time `json:"created_at"`
}

// LedgerStatement is one accepted verification verdict. ContentHash digests
// the artifact itself; ProofHash digests the full verification context so a
// later reader can confirm which checks passed.
type LedgerStatement struct {
	ID          string    `json:"id"`
	BlockIndex  int64     `json:"block_index"`
	Seq         int64     `json:"seq"`
	ContentHash string    `json:"content_hash"`
	ProofHash   string    `json:"proof_hash"`
	AgentID     string    `json:"agent_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Checks      string    `json:"checks,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
