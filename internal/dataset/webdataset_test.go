package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"vitforge/internal/errkind"
)

func TestStreamShardPairsEntries(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, []filePair{
		{key: "000001", imageExt: ".jpg", image: []byte("jpeg"), label: "3"},
		{key: "000002", imageExt: ".png", image: []byte("png"), label: "7"},
	})

	records, err := readShard(context.Background(), shard, 4)
	if err != nil {
		t.Fatalf("readShard: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	if records[0].Label != 3 || records[1].Label != 7 || string(records[1].Image) != "png" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestStreamShardRejectsIncompleteAndBadLabels(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]filePair{
		"unpaired":  {{key: "a", imageExt: ".png", image: []byte("x")}},
		"bad label": {{key: "a", imageExt: ".png", image: []byte("x"), label: "cat"}},
	}
	for name, pairs := range cases {
		shard := filepath.Join(dir, name+".tar")
		writeShard(t, shard, pairs)
		if _, err := readShard(context.Background(), shard, 4); !errors.Is(err, errkind.ErrResource) {
			t.Fatalf("%s: expected resource error, got %v", name, err)
		}
	}
}

func TestStreamShardPendingOverflow(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	var pairs []filePair
	for i := 0; i < 4; i++ {
		pairs = append(pairs, filePair{key: strconv.Itoa(i), imageExt: ".png", image: []byte("x")})
	}
	writeShard(t, shard, pairs)
	_, err := readShard(context.Background(), shard, 2)
	if !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
	if !errors.Is(err, errkind.ErrResource) {
		t.Fatalf("pending overflow is not a resource error: %v", err)
	}
}

func TestOpenWebDatasetRejectsLabelOutsideClasses(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "shard-000000.tar"), []filePair{
		{key: "a", imageExt: ".png", image: []byte("x"), label: "9"},
		{key: "b", imageExt: ".png", image: []byte("x"), label: "10"},
	})
	if _, err := OpenWebDataset(context.Background(), root, WebDatasetOptions{Classes: 10}); !errors.Is(err, errkind.ErrResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
	ds, err := OpenWebDataset(context.Background(), root, WebDatasetOptions{Classes: 11})
	if err != nil {
		t.Fatalf("OpenWebDataset: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len=%d want 2", ds.Len())
	}
}

func TestOpenWebDatasetKeepsShardOrderAndDecodes(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "shard-000000.tar"), []filePair{
		{key: "a", imageExt: ".png", image: encodePNG(t, color.RGBA{R: 255, A: 255}), label: "1"},
	})
	writeShard(t, filepath.Join(root, "part", "shard-000001.tar"), []filePair{
		{key: "b", imageExt: ".png", image: encodePNG(t, color.RGBA{B: 255, A: 255}), label: "2"},
	})

	ds, err := OpenWebDataset(context.Background(), root, WebDatasetOptions{Workers: 2})
	if err != nil {
		t.Fatalf("OpenWebDataset: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len=%d want 2", ds.Len())
	}
	// part/shard-000001.tar sorts before shard-000000.tar.
	s, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Label != 2 {
		t.Fatalf("first label %d want 2", s.Label)
	}
	r, g, b, _ := s.Image.At(0, 0).RGBA()
	if r != 0 || g != 0 || b != 0xffff {
		t.Fatalf("decoded pixel %d %d %d", r, g, b)
	}
	if _, err := ds.Get(2); !errors.Is(err, errkind.ErrResource) {
		t.Fatalf("expected resource error for out of range, got %v", err)
	}
}

func TestOpenWebDatasetEmptyRoot(t *testing.T) {
	if _, err := OpenWebDataset(context.Background(), t.TempDir(), WebDatasetOptions{}); !errors.Is(err, errkind.ErrResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
}

type filePair struct {
	key      string
	imageExt string
	image    []byte
	// label is written verbatim; empty omits the .cls entry.
	label string
}

func writeShard(t *testing.T, path string, pairs []filePair) {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, pair := range pairs {
		addTarEntry(t, tw, pair.key+pair.imageExt, pair.image)
		if pair.label != "" {
			addTarEntry(t, tw, pair.key+".cls", []byte(pair.label))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func addTarEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func encodePNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
