package checkpoint

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"vitforge/internal/errkind"
	"vitforge/internal/tensor"
)

func sampleParams() []*tensor.Param {
	rng := rand.New(rand.NewSource(3))
	w := tensor.NewParam("blocks.0.attn.qkv.weight", 3, 2)
	for i := range w.Value.Data() {
		w.Value.Data()[i] = rng.NormFloat64()
	}
	special := tensor.NewParam("head.bias", 5)
	copy(special.Value.Data(), []float64{math.Copysign(0, -1), math.Inf(1), math.Inf(-1), math.NaN(), math.SmallestNonzeroFloat64})
	return []*tensor.Param{w, special}
}

func TestSaveLoadRoundTripIsBitIdentical(t *testing.T) {
	params := sampleParams()
	path := filepath.Join(t.TempDir(), "vit_minimal.ckpt")
	if err := Save(path, "minimal", params); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Variant != "minimal" {
		t.Fatalf("variant=%q", f.Variant)
	}
	for _, p := range params {
		got, ok := f.Lookup(p.Name)
		if !ok {
			t.Fatalf("missing %s", p.Name)
		}
		if !got.Equal(p.Value) {
			t.Fatalf("%s: round trip changed bits: %v vs %v", p.Name, got.Data(), p.Value.Data())
		}
	}
}

func TestApplyCopiesValues(t *testing.T) {
	src := sampleParams()
	f := FromParams("transfer", src)

	dst := []*tensor.Param{
		tensor.NewParam("blocks.0.attn.qkv.weight", 3, 2),
		tensor.NewParam("head.bias", 5),
	}
	n, err := f.Apply(dst, ApplyOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d want 2", n)
	}
	for i := range dst {
		if !dst[i].Value.Equal(src[i].Value) {
			t.Fatalf("%s not copied", dst[i].Name)
		}
	}
}

func TestApplyShapeMismatch(t *testing.T) {
	f := FromParams("", sampleParams())
	head := tensor.NewParam("head.bias", 10)
	_, err := f.Apply([]*tensor.Param{head}, ApplyOptions{})
	if !errors.Is(err, errkind.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	n, err := f.Apply([]*tensor.Param{head}, ApplyOptions{
		Tolerate: func(name string) bool { return strings.HasPrefix(name, "head.") },
	})
	if err != nil || n != 0 {
		t.Fatalf("tolerated mismatch: n=%d err=%v", n, err)
	}
}

func TestApplyMissingTensor(t *testing.T) {
	f := FromParams("", sampleParams())
	_, err := f.Apply([]*tensor.Param{tensor.NewParam("cls_token", 1, 1, 4)}, ApplyOptions{})
	if !errors.Is(err, errkind.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestUnmarshalRejectsCorruptInput(t *testing.T) {
	good := Marshal(FromParams("custom", sampleParams()))
	if _, err := Unmarshal(good[:len(good)-3]); !errors.Is(err, errkind.ErrResource) {
		t.Fatalf("truncated: expected resource error, got %v", err)
	}

	dup := append(append([]byte(nil), good...), good[len(protowire.AppendTag(nil, fieldVariant, protowire.BytesType))+1+len("custom"):]...)
	if _, err := Unmarshal(dup); !errors.Is(err, errkind.ErrResource) {
		t.Fatalf("duplicate names: expected resource error, got %v", err)
	}

	cases := map[string][]uint64{
		"wrapped negative dims": {math.MaxUint64, math.MaxUint64},
		"overflowing product":   {1 << 30, 1 << 30, 1 << 30},
		"oversized dim":         {1 << 40},
	}
	for name, dims := range cases {
		if _, err := Unmarshal(rawTensor(dims, 1)); !errors.Is(err, errkind.ErrResource) {
			t.Fatalf("%s: expected resource error, got %v", name, err)
		}
	}
}

// rawTensor encodes a single tensor with the given shape and n zero values,
// bypassing Marshal's shape handling.
func rawTensor(dims []uint64, n int) []byte {
	var t []byte
	t = protowire.AppendTag(t, fieldName, protowire.BytesType)
	t = protowire.AppendString(t, "w")
	var shape []byte
	for _, d := range dims {
		shape = protowire.AppendVarint(shape, d)
	}
	t = protowire.AppendTag(t, fieldShape, protowire.BytesType)
	t = protowire.AppendBytes(t, shape)
	var data []byte
	for i := 0; i < n; i++ {
		data = protowire.AppendFixed64(data, 0)
	}
	t = protowire.AppendTag(t, fieldData, protowire.BytesType)
	t = protowire.AppendBytes(t, data)

	b := protowire.AppendTag(nil, fieldParams, protowire.BytesType)
	return protowire.AppendBytes(b, t)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = append(b, Marshal(FromParams("minimal", sampleParams()))...)
	f, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.Variant != "minimal" || len(f.Entries) != 2 {
		t.Fatalf("unexpected file %+v", f)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.ckpt"))
	if !errors.Is(err, errkind.ErrResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
}
