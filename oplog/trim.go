package oplog

import (
	"context"

	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xdao.co/peerlog/entry"
)

// TrimPolicy selects which entries Trim removes.
type TrimPolicy interface {
	isTrimPolicy()
}

// TrimLength cuts the log back to the To most recent entries once it holds more than From.
type TrimLength struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

// TrimBytes drops the oldest entries until the payload bytes are at most Max.
type TrimBytes struct {
	Max int64 `yaml:"max"`
}

func (TrimLength) isTrimPolicy() {}
func (TrimBytes) isTrimPolicy()  {}

// Trim removes the oldest entries selected by p. Heads are never removed.
// Trimmed hashes keep satisfying causal references and are not re-added by
// later joins.
func (l *Log) Trim(ctx context.Context, p TrimPolicy) ([]*entry.Entry, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return nil, ErrClosed
	}
	removed := l.trimLocked(ctx, p)
	if len(removed) > 0 {
		if err := l.saveHeads(ctx); err != nil {
			return removed, err
		}
		l.notify(Change{Removed: removed})
	}
	return removed, nil
}

// Prune removes specific non-head entries. Unlike trimming, pruned entries
// are re-added if a later join supplies them again.
func (l *Log) Prune(ctx context.Context, hashes []cid.Cid) ([]*entry.Entry, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return nil, ErrClosed
	}
	var victims []*entry.Entry
	for _, h := range hashes {
		e, ok := l.entries[h]
		if !ok {
			continue
		}
		if _, head := l.heads[h]; head {
			continue
		}
		victims = append(victims, e)
	}
	l.remove(ctx, victims, false)
	if len(victims) > 0 {
		l.notify(Change{Removed: victims})
	}
	return victims, nil
}

// trimLocked requires writeMu.
func (l *Log) trimLocked(ctx context.Context, p TrimPolicy) []*entry.Entry {
	var victims []*entry.Entry
	switch p := p.(type) {
	case nil:
		return nil
	case TrimLength:
		if len(l.entries) <= p.From {
			return nil
		}
		excess := len(l.entries) - p.To
		l.sorted.Ascend(func(e *entry.Entry) bool {
			if excess <= 0 {
				return false
			}
			if _, head := l.heads[e.Hash()]; !head {
				victims = append(victims, e)
				excess--
			}
			return true
		})
	case TrimBytes:
		over := l.byteLen - p.Max
		l.sorted.Ascend(func(e *entry.Entry) bool {
			if over <= 0 {
				return false
			}
			if _, head := l.heads[e.Hash()]; !head {
				victims = append(victims, e)
				over -= int64(e.PayloadSize())
			}
			return true
		})
	}
	l.remove(ctx, victims, true)
	return victims
}

// cutLocked removes the whole ancestry of a cut entry. Requires writeMu.
func (l *Log) cutLocked(ctx context.Context, cut *entry.Entry) []*entry.Entry {
	var victims []*entry.Entry
	seen := map[cid.Cid]struct{}{cut.Hash(): {}}
	stack := append([]cid.Cid(nil), cut.Meta.Next...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		e, ok := l.entries[h]
		if !ok {
			continue
		}
		if _, head := l.heads[h]; !head {
			victims = append(victims, e)
		}
		stack = append(stack, e.Meta.Next...)
	}
	l.remove(ctx, victims, true)
	return victims
}

// remove drops victims from memory and the block store. Requires writeMu.
func (l *Log) remove(ctx context.Context, victims []*entry.Entry, sticky bool) {
	if len(victims) == 0 {
		return
	}
	l.mu.Lock()
	for _, v := range victims {
		l.removeLocked(v, sticky)
	}
	l.mu.Unlock()

	var errs error
	for _, v := range victims {
		errs = multierr.Append(errs, l.cas.Rm(ctx, v.Hash()))
	}
	if errs != nil {
		l.logger.Warn("Failed to remove blocks", zap.Int("entries", len(victims)), zap.Error(errs))
	}
	l.logger.Debug("Removed entries", zap.Int("entries", len(victims)), zap.Bool("sticky", sticky))
}
