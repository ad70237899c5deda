package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/cidutil"
	"xdao.co/peerlog/storage"
)

// FormatVersion is the current bundle index schema version.
const FormatVersion = 1

// ExportOptions controls bundle export behavior.
type ExportOptions struct {
	// Labels is optional, non-authoritative metadata mapping names to CIDs.
	Labels map[string]cid.Cid
	// IncludeIndex controls whether index.json is included.
	IncludeIndex bool
}

var epoch0 = time.Unix(0, 0).UTC()

// Export writes a deterministic TAR bundle containing the blocks for the given CIDs.
//
// The bundle bytes are deterministic: entry order is lexicographic and TAR headers are normalized.
// All exported bytes are validated against their CIDs.
func Export(ctx context.Context, w io.Writer, cas storage.CAS, ids []cid.Cid, opts ExportOptions) error {
	if cas == nil {
		return fmt.Errorf("bundle: nil CAS")
	}

	uniq := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}

	cidStrings := make([]string, 0, len(uniq))
	for s := range uniq {
		cidStrings = append(cidStrings, s)
	}
	sort.Strings(cidStrings)

	tw := tar.NewWriter(w)

	blocks := make([]indexBlock, 0, len(cidStrings))
	for _, s := range cidStrings {
		id := uniq[s]
		b, err := cas.Get(ctx, id)
		if err != nil {
			_ = tw.Close()
			return err
		}
		got, err := cidutil.CIDv1RawSHA256CID(b)
		if err != nil {
			_ = tw.Close()
			return err
		}
		if got != id {
			_ = tw.Close()
			return storage.ErrCIDMismatch
		}

		entryPath := "blocks/" + id.String()
		if err := writeFile(tw, entryPath, b); err != nil {
			_ = tw.Close()
			return err
		}
		blocks = append(blocks, indexBlock{CID: id.String(), Size: len(b)})
	}

	if opts.IncludeIndex {
		idx := indexJSON{
			Version:   FormatVersion,
			CIDCodec:  "raw",
			Multihash: "sha2-256",
			Blocks:    blocks,
			Labels:    nil,
		}

		if len(opts.Labels) > 0 {
			keys := make([]string, 0, len(opts.Labels))
			for k := range opts.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			labels := make([]indexLabel, 0, len(keys))
			for _, k := range keys {
				if k == "" {
					_ = tw.Close()
					return fmt.Errorf("bundle: empty label key")
				}
				v := opts.Labels[k]
				if !v.Defined() {
					_ = tw.Close()
					return storage.ErrInvalidCID
				}
				labels = append(labels, indexLabel{Name: k, CID: v.String()})
			}
			idx.Labels = labels
		}

		b, err := marshalCanonicalIndexJSON(idx)
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeFile(tw, "index.json", b); err != nil {
			_ = tw.Close()
			return err
		}
	}

	return tw.Close()
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown controls whether unknown TAR entries are ignored.
	//
	// Default (false) is fail-closed: unknown entries cause Import to return an error.
	IgnoreUnknown bool
}

// Manifest describes what an import placed into the target CAS.
type Manifest struct {
	// Blocks lists imported CIDs in bundle order.
	Blocks []cid.Cid
	// Labels is read from index.json when present.
	Labels map[string]cid.Cid
}

// Import reads a bundle from r and imports all blocks into cas.
//
// Default behavior is fail-closed: unknown entries cause an error.
// Use ImportWithOptions to allow ignoring unknown entries.
func Import(ctx context.Context, r io.Reader, cas storage.CAS) (Manifest, error) {
	return ImportWithOptions(ctx, r, cas, ImportOptions{})
}

// ImportWithOptions reads a bundle from r and imports all blocks into cas.
//
// It validates that each block's bytes match both the filename CID and the computed CID.
func ImportWithOptions(ctx context.Context, r io.Reader, cas storage.CAS, opts ImportOptions) (Manifest, error) {
	var m Manifest
	if cas == nil {
		return m, fmt.Errorf("bundle: nil CAS")
	}

	tr := tar.NewReader(r)
	seen := map[cid.Cid]struct{}{}

	for {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		h, err := tr.Next()
		if err == io.EOF {
			return m, nil
		}
		if err != nil {
			return m, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return m, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}

		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return m, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}

		if name == "index.json" {
			labels, err := readLabels(tr)
			if err != nil {
				return m, err
			}
			m.Labels = labels
			continue
		}

		if !strings.HasPrefix(name, "blocks/") {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return m, fmt.Errorf("bundle: unknown entry: %s", name)
		}

		id, derr := cidutil.Parse(strings.TrimPrefix(name, "blocks/"))
		if derr != nil {
			return m, storage.ErrInvalidCID
		}

		payload, rerr := io.ReadAll(tr)
		if rerr != nil {
			return m, rerr
		}
		got, herr := cidutil.CIDv1RawSHA256CID(payload)
		if herr != nil {
			return m, herr
		}
		if got != id {
			return m, storage.ErrCIDMismatch
		}

		if _, ok := seen[id]; ok {
			return m, fmt.Errorf("bundle: duplicate block entry: %s", id)
		}
		seen[id] = struct{}{}

		putID, perr := cas.Put(ctx, payload)
		if perr != nil {
			return m, perr
		}
		if putID != id {
			return m, storage.ErrCIDMismatch
		}
		m.Blocks = append(m.Blocks, id)
	}
}

func readLabels(r io.Reader) (map[string]cid.Cid, error) {
	var idx indexJSON
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, fmt.Errorf("bundle: index.json: %w", err)
	}
	if idx.Version != FormatVersion {
		return nil, fmt.Errorf("bundle: unsupported index version %d", idx.Version)
	}
	if len(idx.Labels) == 0 {
		return nil, nil
	}
	out := make(map[string]cid.Cid, len(idx.Labels))
	for _, l := range idx.Labels {
		id, err := cidutil.Parse(l.CID)
		if err != nil {
			return nil, storage.ErrInvalidCID
		}
		out[l.Name] = id
	}
	return out, nil
}

type indexJSON struct {
	Version   int          `json:"version"`
	CIDCodec  string       `json:"cidCodec"`
	Multihash string       `json:"multihash"`
	Blocks    []indexBlock `json:"blocks"`
	Labels    []indexLabel `json:"labels,omitempty"`
}

type indexBlock struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

type indexLabel struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

func marshalCanonicalIndexJSON(idx indexJSON) ([]byte, error) {
	// indexJSON is composed only of structs + slices; encoding/json will be deterministic.
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		Uid:      0,
		Gid:      0,
		Uname:    "",
		Gname:    "",
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}

	parts := strings.Split(name, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." {
			return ""
		}
		if part == ".." {
			return ""
		}
		out = append(out, part)
	}
	return strings.Join(out, "/")
}
