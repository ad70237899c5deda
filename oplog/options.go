package oplog

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/peerlog/compliance"
	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/keys"
)

// DefaultFetchTimeout bounds each ancestor fetch when Options.FetchTimeout is zero.
const DefaultFetchTimeout = 10 * time.Second

// HeadStore persists the head set of a log across restarts.
type HeadStore interface {
	LoadHeads(ctx context.Context, logID string) ([]cid.Cid, error)
	SaveHeads(ctx context.Context, logID string, heads []cid.Cid) error
}

// Change describes entries added to or removed from a log by one operation.
type Change struct {
	Added   []*entry.Entry
	Removed []*entry.Entry
}

// Options configures a Log.
type Options struct {
	// ID names the log. Entries from other logs are never merged.
	ID string
	// Identity signs appended entries. A log without identity is read-only.
	Identity keys.Signer
	// Keychain opens sealed fields.
	Keychain keys.Keychain
	// Trim is applied after every append and join. Nil disables trimming.
	Trim TrimPolicy
	Logger *zap.Logger
	// FetchTimeout bounds each block store fetch of a missing ancestor.
	FetchTimeout time.Duration
	Heads        HeadStore
	// OnChange is called after each mutation, outside of the log's locks.
	OnChange func(Change)
}

// AppendOption customises a single append.
type AppendOption func(*appendOptions)

type appendOptions struct {
	next      []*entry.Entry
	nextSet   bool
	signers   []keys.Signer
	receivers entry.Receivers
	data      []byte
	typ       entry.Type
}

// WithNext overrides the causal predecessors, which default to the current heads.
// An empty list creates a new root.
func WithNext(next ...*entry.Entry) AppendOption {
	return func(o *appendOptions) {
		o.next = next
		o.nextSet = true
	}
}

// WithSigners replaces the log identity with one or more co-signers.
func WithSigners(signers ...keys.Signer) AppendOption {
	return func(o *appendOptions) { o.signers = signers }
}

// WithReceivers seals the selected fields to the given keys.
func WithReceivers(r entry.Receivers) AppendOption {
	return func(o *appendOptions) { o.receivers = r }
}

// WithMeta attaches user metadata bytes.
func WithMeta(data []byte) AppendOption {
	return func(o *appendOptions) { o.data = data }
}

// WithType sets the entry type.
func WithType(t entry.Type) AppendOption {
	return func(o *appendOptions) { o.typ = t }
}

// VerifyFunc is an additional trust check run on every entry a join would add.
type VerifyFunc func(e *entry.Entry) error

// JoinOptions controls verification during a join.
type JoinOptions struct {
	// Mode Strict verifies every signature. Permissive does not.
	Mode compliance.Mode
	// Verify, when set, must accept each new entry.
	Verify VerifyFunc
}

// JoinSource is what a join merges: another log, entries, or hashes.
type JoinSource interface {
	isJoinSource()
}

// FromLog joins every entry held by another log.
type FromLog struct{ Log *Log }

// FromEntries joins decoded entries.
type FromEntries []*entry.Entry

// FromHashes joins entries fetched from the block store by hash.
type FromHashes []cid.Cid

func (FromLog) isJoinSource()     {}
func (FromEntries) isJoinSource() {}
func (FromHashes) isJoinSource()  {}

// AppendResult is returned by Append.
type AppendResult struct {
	Entry *entry.Entry
	// Removed lists entries dropped by the trim policy.
	Removed []*entry.Entry
}

// JoinResult is returned by Join.
type JoinResult struct {
	Added []*entry.Entry
	// Missing lists ancestors that could not be resolved. Entries that depend
	// on them are held back until a later join resolves them.
	Missing []cid.Cid
	Removed []*entry.Entry
}
