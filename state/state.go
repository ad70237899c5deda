// Package state persists replication state in a bbolt file: the head set of
// every log and the segments of its range index.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"xdao.co/peerlog/internal/pb"
	"xdao.co/peerlog/logger"
	"xdao.co/peerlog/oplog"
	"xdao.co/peerlog/rangeindex"
)

var (
	headsBucket    = []byte("headsv1")
	segmentsBucket = []byte("segmentsv1")
)

const headField = 1

var (
	_ oplog.HeadStore  = (*DB)(nil)
	_ rangeindex.Store = (*SegmentStore)(nil)
)

// DB is a bbolt-backed state store.
type DB struct {
	Path   string
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the state file at path.
func Open(path string, log *zap.Logger) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("state: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: unable to open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{headsBucket, segmentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: initialize: %w", err)
	}
	log = logger.OrNop(log)
	log.Debug("Opened state", zap.String("path", path))
	return &DB{Path: path, db: db, logger: log}, nil
}

// Close releases the file.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// LoadHeads returns the persisted heads of logID.
func (d *DB) LoadHeads(_ context.Context, logID string) ([]cid.Cid, error) {
	var heads []cid.Cid
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(headsBucket).Get([]byte(logID))
		if v == nil {
			return nil
		}
		return pb.Walk(v, func(f pb.Field) error {
			if f.Num != headField {
				return pb.Unknown(f)
			}
			if err := pb.WantBytes(f); err != nil {
				return err
			}
			c, err := cid.Cast(f.Bytes)
			if err != nil {
				return err
			}
			heads = append(heads, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state: load heads of %q: %w", logID, err)
	}
	return heads, nil
}

// SaveHeads replaces the persisted heads of logID.
func (d *DB) SaveHeads(_ context.Context, logID string, heads []cid.Cid) error {
	var v []byte
	for _, h := range heads {
		v = pb.AppendBytes(v, headField, h.Bytes())
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(headsBucket)
		if len(v) == 0 {
			return b.Delete([]byte(logID))
		}
		return b.Put([]byte(logID), v)
	})
}

// Segments returns the segment store of logID.
func (d *DB) Segments(logID string) *SegmentStore {
	return &SegmentStore{db: d, logID: []byte(logID)}
}

// SegmentStore persists the segments of one log.
type SegmentStore struct {
	db    *DB
	logID []byte
}

func (s *SegmentStore) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	root := tx.Bucket(segmentsBucket)
	if tx.Writable() {
		return root.CreateBucketIfNotExists(s.logID)
	}
	return root.Bucket(s.logID), nil
}

func (s *SegmentStore) PutSegments(segs []rangeindex.Segment) error {
	if len(segs) == 0 {
		return nil
	}
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			v, err := seg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(seg.ID[:], v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SegmentStore) DeleteSegments(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := b.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSegments skips records that no longer decode and logs them.
func (s *SegmentStore) LoadSegments() ([]rangeindex.Segment, error) {
	var out []rangeindex.Segment
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var seg rangeindex.Segment
			if err := seg.UnmarshalBinary(v); err != nil {
				s.db.logger.Warn("Skipping corrupt segment record",
					zap.ByteString("log_id", s.logID),
					zap.Binary("key", k),
					zap.Error(err))
				return nil
			}
			out = append(out, seg)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state: load segments: %w", err)
	}
	return out, nil
}
