package oplog

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/storage/bundle"
)

const headLabelPrefix = "head/"

// Snapshot writes every present entry as a deterministic bundle whose index
// labels the current heads.
func (l *Log) Snapshot(ctx context.Context, w io.Writer) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return ErrClosed
	}
	values := l.Values()
	ids := make([]cid.Cid, len(values))
	for i, e := range values {
		ids[i] = e.Hash()
	}
	labels := make(map[string]cid.Cid)
	for i, h := range l.HeadHashes() {
		labels[fmt.Sprintf("%s%d", headLabelPrefix, i)] = h
	}
	return bundle.Export(ctx, w, l.cas, ids, bundle.ExportOptions{IncludeIndex: true, Labels: labels})
}

// Restore imports a bundle written by Snapshot and joins its heads.
func (l *Log) Restore(ctx context.Context, r io.Reader) (*JoinResult, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	m, err := bundle.Import(ctx, r, l.cas)
	if err != nil {
		return nil, fmt.Errorf("oplog: restore: %w", err)
	}
	names := make([]string, 0, len(m.Labels))
	for name := range m.Labels {
		if strings.HasPrefix(name, headLabelPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	heads := make([]cid.Cid, len(names))
	for i, name := range names {
		heads[i] = m.Labels[name]
	}
	return l.Join(ctx, FromHashes(heads), JoinOptions{})
}
