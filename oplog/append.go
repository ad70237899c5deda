package oplog

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"xdao.co/peerlog/entry"
	"xdao.co/peerlog/keys"
)

// Append creates a new entry on top of the current heads, stores it in the
// block store and makes it the only head it descends from.
func (l *Log) Append(ctx context.Context, payload []byte, opts ...AppendOption) (*AppendResult, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	signers := o.signers
	if len(signers) == 0 && l.identity != nil {
		signers = []keys.Signer{l.identity}
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("oplog: append requires an identity")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return nil, ErrClosed
	}

	next := o.next
	if !o.nextSet {
		next = l.Heads()
	} else {
		for _, n := range next {
			if n == nil || !l.Known(n.Hash()) {
				h := cid.Undef
				if n != nil {
					h = n.Hash()
				}
				return nil, newError(KindMissingAncestor, h, "predecessor is not part of the log", nil)
			}
		}
	}

	e, err := entry.Create(entry.CreateOptions{
		LogID:     l.id,
		Payload:   payload,
		Next:      next,
		Signers:   signers,
		Type:      o.typ,
		Data:      o.data,
		Receivers: o.receivers,
	})
	if err != nil {
		return nil, newError(KindInternal, cid.Undef, "create entry", err)
	}
	if _, err := l.cas.Put(ctx, e.Bytes()); err != nil {
		return nil, fmt.Errorf("oplog: store entry: %w", err)
	}

	l.mu.Lock()
	l.insertLocked(e)
	l.mu.Unlock()

	var removed []*entry.Entry
	if e.Meta.Type == entry.TypeCut {
		removed = append(removed, l.cutLocked(ctx, e)...)
	}
	removed = append(removed, l.trimLocked(ctx, l.trim)...)

	if err := l.saveHeads(ctx); err != nil {
		l.logger.Warn("Failed to persist heads", zap.Error(err))
	}
	l.notify(Change{Added: []*entry.Entry{e}, Removed: removed})
	return &AppendResult{Entry: e, Removed: removed}, nil
}
