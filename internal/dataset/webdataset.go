package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"vitforge/internal/errkind"
)

// Record is a paired image/label entry from a WebDataset shard. Image holds
// the encoded bytes.
type Record struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = fmt.Errorf("%w: webdataset: pending pair buffer exceeded", errkind.ErrResource)

const defaultPendingCap = 1024

// StreamShard streams paired records from the shard at path. Entries are
// paired by basename: <key>.jpg|.jpeg|.png with <key>.cls holding a decimal
// label. Other extensions are ignored.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Record, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errkind.Resourcef("open shard: %v", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(pendingPairs)

		for {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errkind.Resourcef("read tar %s: %v", path, err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, filepath.Ext(name))

			var part *partial
			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errkind.Resourcef("read image %s: %v", name, err)
					return
				}
				part = pending.get(key)
				part.image = data
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errkind.Resourcef("read label %s: %v", name, err)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil || label < 0 {
					errCh <- errkind.Resourcef("parse label %s: %q", name, payload)
					return
				}
				part = pending.get(key)
				part.label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}
			if !part.ready() {
				continue
			}
			delete(pending, key)
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- Record{Key: key, Image: part.image, Label: *part.label}:
			}
		}

		if len(pending) > 0 {
			errCh <- errkind.Resourcef("shard %s: %d samples incomplete", path, len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

type pendingPairs map[string]*partial

func (m pendingPairs) get(key string) *partial {
	p := m[key]
	if p == nil {
		p = &partial{}
		m[key] = p
	}
	return p
}

// WebDataset indexes every record of a shard directory in memory and
// decodes images on access.
type WebDataset struct {
	Root    string
	records []Record
}

// WebDatasetOptions tune OpenWebDataset.
type WebDatasetOptions struct {
	// Workers read shards concurrently; records keep shard order.
	Workers    int
	PendingCap int
	// Classes bounds every label to [0, Classes); 0 skips the check.
	Classes int
}

// OpenWebDataset reads every shard-NNNNNN.tar beneath root.
func OpenWebDataset(ctx context.Context, root string, opts WebDatasetOptions) (*WebDataset, error) {
	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, errkind.Resourcef("%v", err)
	}
	if len(shards) == 0 {
		return nil, errkind.Resourcef("no shards found under %s", root)
	}

	perShard, errCh := runOrdered(ctx, len(shards), opts.Workers, func(ctx context.Context, id int) ([]Record, error) {
		records, err := readShard(ctx, shards[id], opts.PendingCap)
		if err != nil {
			return nil, err
		}
		if opts.Classes > 0 {
			for _, r := range records {
				if r.Label >= opts.Classes {
					return nil, errkind.Resourcef("shard %s: sample %s label %d out of range [0, %d)", shards[id], r.Key, r.Label, opts.Classes)
				}
			}
		}
		return records, nil
	})
	ds := &WebDataset{Root: root}
	for records := range perShard {
		ds.records = append(ds.records, records...)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	klog.Infof("webdataset root=%s shards=%d samples=%d", root, len(shards), len(ds.records))
	return ds, nil
}

func readShard(ctx context.Context, path string, pendingCap int) ([]Record, error) {
	records, errCh := StreamShard(ctx, path, pendingCap)
	var out []Record
	for r := range records {
		out = append(out, r)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

func (w *WebDataset) Len() int { return len(w.records) }

func (w *WebDataset) Get(i int) (Sample, error) {
	if i < 0 || i >= len(w.records) {
		return Sample{}, errkind.Resourcef("webdataset index %d out of range [0, %d)", i, len(w.records))
	}
	r := w.records[i]
	img, _, err := image.Decode(bytes.NewReader(r.Image))
	if err != nil {
		return Sample{}, errkind.Resourcef("decode %s: %v", r.Key, err)
	}
	return Sample{Image: img, Label: r.Label}, nil
}
