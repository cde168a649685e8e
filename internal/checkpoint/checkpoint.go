// Package checkpoint serializes parameter mappings in protobuf wire format.
//
//	message Checkpoint {
//	  string variant = 1;
//	  repeated Tensor params = 2;
//	}
//	message Tensor {
//	  string name = 1;
//	  repeated int64 shape = 2;   // packed
//	  repeated fixed64 data = 3;  // packed IEEE-754 float64 bits
//	}
//
// Values are stored as raw float64 bits, so a save/load round trip is
// bit-identical.
package checkpoint

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"vitforge/internal/errkind"
	"vitforge/internal/tensor"
)

const (
	fieldVariant = 1
	fieldParams  = 2

	fieldName  = 1
	fieldShape = 2
	fieldData  = 3
)

// Entry is one named tensor in a checkpoint.
type Entry struct {
	Name  string
	Value *tensor.Tensor
}

// File is a decoded checkpoint.
type File struct {
	Variant string
	Entries []Entry
}

// FromParams snapshots params into a File. Values are copied.
func FromParams(variant string, params []*tensor.Param) *File {
	f := &File{Variant: variant, Entries: make([]Entry, 0, len(params))}
	for _, p := range params {
		f.Entries = append(f.Entries, Entry{Name: p.Name, Value: p.Value.Clone()})
	}
	return f
}

// Lookup returns the tensor stored under name.
func (f *File) Lookup(name string) (*tensor.Tensor, bool) {
	for _, e := range f.Entries {
		if e.Name == name {
			return e.Value, true
		}
	}
	return nil, false
}

// Marshal encodes f.
func Marshal(f *File) []byte {
	var b []byte
	if f.Variant != "" {
		b = protowire.AppendTag(b, fieldVariant, protowire.BytesType)
		b = protowire.AppendString(b, f.Variant)
	}
	for _, e := range f.Entries {
		b = protowire.AppendTag(b, fieldParams, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(e))
	}
	return b
}

func marshalTensor(e Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)

	var shape []byte
	for _, d := range e.Value.Shape() {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*e.Value.Len())
	for _, v := range e.Value.Data() {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// Unmarshal decodes a checkpoint. Duplicate tensor names are rejected.
func Unmarshal(b []byte) (*File, error) {
	f := &File{}
	seen := make(map[string]bool)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldVariant && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			f.Variant = v
			b = b[n:]
		case num == fieldParams && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			e, err := unmarshalTensor(raw)
			if err != nil {
				return nil, err
			}
			if seen[e.Name] {
				return nil, corrupt(fmt.Errorf("duplicate tensor %q", e.Name))
			}
			seen[e.Name] = true
			f.Entries = append(f.Entries, e)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func unmarshalTensor(b []byte) (Entry, error) {
	var (
		name  string
		shape []int
		data  []float64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			name = v
			b = b[n:]
		case num == fieldShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return Entry{}, corrupt(protowire.ParseError(m))
				}
				d, err := dim(name, v)
				if err != nil {
					return Entry{}, err
				}
				shape = append(shape, d)
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldShape && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			d, err := dim(name, v)
			if err != nil {
				return Entry{}, err
			}
			shape = append(shape, d)
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			if len(packed)%8 != 0 {
				return Entry{}, corrupt(fmt.Errorf("tensor %q: data length %d not a multiple of 8", name, len(packed)))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return Entry{}, corrupt(protowire.ParseError(m))
				}
				data = append(data, math.Float64frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldData && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			data = append(data, math.Float64frombits(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if name == "" {
		return Entry{}, corrupt(fmt.Errorf("tensor without a name"))
	}
	size := 1
	for _, d := range shape {
		if d != 0 && size > len(data)/d {
			return Entry{}, corrupt(fmt.Errorf("tensor %q: shape %v exceeds the %d stored values", name, shape, len(data)))
		}
		size *= d
	}
	if size != len(data) {
		return Entry{}, corrupt(fmt.Errorf("tensor %q: shape %v holds %d values, found %d", name, shape, size, len(data)))
	}
	if data == nil {
		data = []float64{}
	}
	return Entry{Name: name, Value: tensor.FromData(data, shape...)}, nil
}

// dim converts a decoded shape entry, rejecting values that do not fit a
// sane dimension.
func dim(name string, v uint64) (int, error) {
	if v > math.MaxInt32 {
		return 0, corrupt(fmt.Errorf("tensor %q: dimension %d out of range", name, v))
	}
	return int(v), nil
}

func corrupt(err error) error {
	return errkind.Resourcef("corrupt checkpoint: %v", err)
}

// Save writes params to path. The write is not atomic.
func Save(path, variant string, params []*tensor.Param) error {
	if err := os.WriteFile(path, Marshal(FromParams(variant, params)), 0o644); err != nil {
		return errkind.Resourcef("write checkpoint %s: %v", path, err)
	}
	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Resourcef("read checkpoint %s: %v", path, err)
	}
	f, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ApplyOptions relaxes Apply for selected parameters.
type ApplyOptions struct {
	// Tolerate reports parameters that may be absent from the file or
	// stored with a different shape; they keep their current value.
	Tolerate func(name string) bool
}

// Apply copies stored values into params by name and returns how many
// params were loaded. Entries without a matching param are ignored.
func (f *File) Apply(params []*tensor.Param, opts ApplyOptions) (int, error) {
	tolerate := opts.Tolerate
	if tolerate == nil {
		tolerate = func(string) bool { return false }
	}
	loaded := 0
	for _, p := range params {
		stored, ok := f.Lookup(p.Name)
		if !ok {
			if tolerate(p.Name) {
				continue
			}
			return loaded, errkind.Configf("checkpoint has no tensor %q", p.Name)
		}
		if !tensor.SameShape(stored, p.Value) {
			if tolerate(p.Name) {
				continue
			}
			return loaded, errkind.Configf("tensor %q: checkpoint shape %v, model shape %v", p.Name, stored.Shape(), p.Value.Shape())
		}
		p.Value.CopyFrom(stored)
		loaded++
	}
	return loaded, nil
}
