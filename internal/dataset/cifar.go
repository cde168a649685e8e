package dataset

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"vitforge/internal/errkind"
	"vitforge/internal/fetch"
)

// CIFAR-10 binary layout: one label byte followed by 32x32 pixels stored as
// the red plane, then green, then blue.
const (
	CIFARSide    = 32
	CIFARClasses = 10
	cifarPlane   = CIFARSide * CIFARSide
	cifarRecord  = 1 + 3*cifarPlane

	cifarArchive = "cifar-10-binary.tar.gz"
)

// CIFAROptions locate the CIFAR-10 binary distribution.
type CIFAROptions struct {
	// Root caches the archive and its extracted batch files.
	Root string
	// URL is fetched when Root holds no batch files.
	URL    string
	Train  bool
	Client *http.Client
}

// CIFAR10 holds the raw records of the training or test split.
type CIFAR10 struct {
	records []byte
	n       int
}

// OpenCIFAR10 loads the requested split from opts.Root, downloading and
// extracting the archive first if no batch files are present.
func OpenCIFAR10(ctx context.Context, opts CIFAROptions) (*CIFAR10, error) {
	files, err := DiscoverBatches(opts.Root, opts.Train)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errkind.Resourcef("%v", err)
	}
	if len(files) == 0 {
		if opts.URL == "" {
			return nil, errkind.Resourcef("no CIFAR-10 batch files under %s and no download url", opts.Root)
		}
		archive := filepath.Join(opts.Root, cifarArchive)
		if err := fetch.File(ctx, opts.Client, opts.URL, archive); err != nil {
			return nil, err
		}
		if err := extractTarGz(archive, opts.Root); err != nil {
			return nil, err
		}
		if files, err = DiscoverBatches(opts.Root, opts.Train); err != nil {
			return nil, errkind.Resourcef("%v", err)
		}
		if len(files) == 0 {
			return nil, errkind.Resourcef("archive %s holds no %s batch files", archive, splitName(opts.Train))
		}
	}

	ds := &CIFAR10{}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errkind.Resourcef("read batch: %v", err)
		}
		if len(data)%cifarRecord != 0 {
			return nil, errkind.Resourcef("batch %s: %d bytes is not a whole number of %d-byte records", path, len(data), cifarRecord)
		}
		ds.records = append(ds.records, data...)
	}
	ds.n = len(ds.records) / cifarRecord
	klog.Infof("cifar10 split=%s files=%d samples=%d", splitName(opts.Train), len(files), ds.n)
	return ds, nil
}

func splitName(train bool) string {
	if train {
		return "train"
	}
	return "test"
}

func (c *CIFAR10) Len() int { return c.n }

func (c *CIFAR10) Get(i int) (Sample, error) {
	if i < 0 || i >= c.n {
		return Sample{}, errkind.Resourcef("cifar10 index %d out of range [0, %d)", i, c.n)
	}
	return decodeCIFAR(c.records[i*cifarRecord : (i+1)*cifarRecord])
}

func decodeCIFAR(rec []byte) (Sample, error) {
	label := int(rec[0])
	if label >= CIFARClasses {
		return Sample{}, errkind.Resourcef("cifar10 record has label %d", label)
	}
	img := image.NewRGBA(image.Rect(0, 0, CIFARSide, CIFARSide))
	px := rec[1:]
	for y := 0; y < CIFARSide; y++ {
		for x := 0; x < CIFARSide; x++ {
			o := y*CIFARSide + x
			img.SetRGBA(x, y, color.RGBA{R: px[o], G: px[cifarPlane+o], B: px[2*cifarPlane+o], A: 0xff})
		}
	}
	return Sample{Image: img, Label: label}, nil
}

// extractTarGz unpacks the regular files of a .tar.gz archive under dst.
func extractTarGz(archive, dst string) error {
	f, err := os.Open(archive)
	if err != nil {
		return errkind.Resourcef("open archive: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errkind.Resourcef("archive %s: %v", archive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errkind.Resourcef("archive %s: %v", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return errkind.Resourcef("archive %s: entry %q escapes destination", archive, hdr.Name)
		}
		target := filepath.Join(dst, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errkind.Resourcef("extract: %v", err)
		}
		out, err := os.Create(target)
		if err != nil {
			return errkind.Resourcef("extract: %v", err)
		}
		_, copyErr := io.Copy(out, tr)
		if closeErr := out.Close(); copyErr == nil {
			copyErr = closeErr
		}
		if copyErr != nil {
			return errkind.Resourcef("extract %s: %v", name, copyErr)
		}
	}
}
