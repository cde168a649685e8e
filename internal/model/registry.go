package model

import (
	"context"
	"math/rand"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"vitforge/internal/checkpoint"
	"vitforge/internal/config"
	"vitforge/internal/errkind"
	"vitforge/internal/fetch"
)

// MaxClasses bounds the head width accepted by Create.
const MaxClasses = config.MaxClasses

// DefaultArch is the backbone every variant uses unless configured otherwise.
var DefaultArch = Arch{
	Name:      "vit-mini-patch16-224",
	ImageSize: 224,
	Patch:     16,
	Dim:       192,
	Depth:     8,
	Heads:     3,
	MLPRatio:  4,
	InChans:   3,
	Mean:      [3]float64{0.5, 0.5, 0.5},
	Std:       [3]float64{0.5, 0.5, 0.5},
}

// WeightStore resolves pretrained weights for an architecture id.
type WeightStore interface {
	Weights(ctx context.Context, id string) (*checkpoint.File, error)
}

// DirStore reads <Dir>/<id>.ckpt. When BaseURL is set a missing file is
// first fetched from <BaseURL>/<id>.ckpt.
type DirStore struct {
	Dir     string
	BaseURL string
	Client  *http.Client
}

func (s DirStore) Weights(ctx context.Context, id string) (*checkpoint.File, error) {
	path := filepath.Join(s.Dir, id+".ckpt")
	if !fetch.Exists(path) {
		if s.BaseURL == "" {
			return nil, errkind.Resourcef("no pretrained weights for %q at %s (place the checkpoint there or set model.weights_url)", id, path)
		}
		url := strings.TrimSuffix(s.BaseURL, "/") + "/" + id + ".ckpt"
		if err := fetch.File(ctx, s.Client, url, path); err != nil {
			return nil, err
		}
	}
	return checkpoint.Load(path)
}

// Options control how Create builds a backbone.
type Options struct {
	// NumClasses is the head width; 0 builds a feature extractor.
	NumClasses int
	Pretrained bool
	// InChans overrides the architecture's input channel count when > 0.
	// Pretrained loading requires the stored patch embedding to match.
	InChans int
	Seed    int64
}

// Registry maps identifiers to architectures and their weights.
type Registry struct {
	mu     sync.RWMutex
	arches map[string]Arch
	store  WeightStore
}

// NewRegistry returns a registry holding DefaultArch. store may be nil when
// no pretrained model will be requested.
func NewRegistry(store WeightStore) *Registry {
	r := &Registry{arches: make(map[string]Arch), store: store}
	r.Register(DefaultArch)
	return r
}

// Register adds or replaces an architecture.
func (r *Registry) Register(a Arch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arches[a.Name] = a
}

// Lookup returns the architecture registered under id.
func (r *Registry) Lookup(id string) (Arch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.arches[id]
	if !ok {
		known := make([]string, 0, len(r.arches))
		for name := range r.arches {
			known = append(known, name)
		}
		sort.Strings(known)
		return Arch{}, errkind.Configf("unknown backbone %q (known: %s)", id, strings.Join(known, ", "))
	}
	return a, nil
}

// Create instantiates the backbone id. With Pretrained set, every stored
// tensor is loaded except head parameters, which are re-initialised when
// the class count differs from the stored one.
func (r *Registry) Create(ctx context.Context, id string, opts Options) (*ViT, error) {
	arch, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if opts.NumClasses < 0 || opts.NumClasses > MaxClasses {
		return nil, errkind.Configf("num_classes must be in [1, %d] (got %d)", MaxClasses, opts.NumClasses)
	}
	if arch.Dim%arch.Heads != 0 || arch.ImageSize%arch.Patch != 0 {
		return nil, errkind.Configf("backbone %q: dim %d / heads %d or image %d / patch %d not integral",
			id, arch.Dim, arch.Heads, arch.ImageSize, arch.Patch)
	}
	if opts.InChans > 0 {
		arch.InChans = opts.InChans
	}

	vit := NewViT(arch, opts.NumClasses, rand.New(rand.NewSource(opts.Seed)))
	if !opts.Pretrained {
		return vit, nil
	}
	if r.store == nil {
		return nil, errkind.Resourcef("no weight store configured for pretrained %q", id)
	}
	file, err := r.store.Weights(ctx, id)
	if err != nil {
		return nil, err
	}
	loaded, err := file.Apply(vit.Params(), checkpoint.ApplyOptions{
		Tolerate: func(name string) bool { return strings.HasPrefix(name, "head.") },
	})
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %d pretrained tensors for %s", loaded, id)
	return vit, nil
}
