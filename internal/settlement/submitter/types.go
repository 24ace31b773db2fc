package submitter

import (
	"github.com/photonx/coordinator/internal/codec"
)

// CheckpointBatchRequest carries one or more witnessed checkpoints for a
// single on-chain submission.
type CheckpointBatchRequest struct {
	Checkpoints []CheckpointItem `json:"checkpoints"`
}

// CheckpointItem is one channel's checkpoint within a batch.
type CheckpointItem struct {
	ChannelID       codec.ChannelID `json:"channel_id"`
	Nonce           uint64          `json:"nonce"`
	StateHash       [32]byte        `json:"state_hash"`
	TraderSignature codec.Signature `json:"trader_signature"`
	LPSignature     codec.Signature `json:"lp_signature"`
}

// FinalStateRequest submits a single channel's dual-signed close.
type FinalStateRequest struct {
	ChannelID       codec.ChannelID    `json:"channel_id"`
	FinalState      codec.ChannelState `json:"final_state"`
	TraderSignature codec.Signature    `json:"trader_signature"`
	LPSignature     codec.Signature    `json:"lp_signature"`
}

// Receipt is the submitter's synchronous acknowledgement that a job was
// accepted for processing; final confirmation arrives later via the
// receipt callback.
type Receipt struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"` // "accepted" | "rejected"
	Message string `json:"message,omitempty"`
}

// SubmissionReceipt is the receipt callback's payload: an asynchronous
// confirmation or failure notification for a job accepted earlier by
// SubmitFinalState, delivered out-of-band over Client.Receipts().
type SubmissionReceipt struct {
	ChannelID codec.ChannelID `json:"channel_id"`
	JobID     string          `json:"job_id"`
	Confirmed bool            `json:"confirmed"`
	Message   string          `json:"message,omitempty"`
}
