package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

var (
	shardRegexp      = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)
	trainBatchRegexp = regexp.MustCompile(`^data_batch_[0-9]+\.bin$`)
	testBatchRegexp  = regexp.MustCompile(`^test_batch\.bin$`)
)

// DiscoverShards returns paths to WebDataset shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	return discover(root, shardRegexp)
}

// DiscoverBatches returns the CIFAR-10 binary batch files beneath root:
// data_batch_N.bin for training, test_batch.bin otherwise.
func DiscoverBatches(root string, train bool) ([]string, error) {
	if train {
		return discover(root, trainBatchRegexp)
	}
	return discover(root, testBatchRegexp)
}

func discover(root string, re *regexp.Regexp) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if re.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", re, err)
	}
	sort.Strings(entries)
	return entries, nil
}
