package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %d", len(want), len(shards))
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverBatchesSplitsTrainAndTest(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "cifar-10-batches-bin")
	for _, name := range []string{"data_batch_2.bin", "data_batch_1.bin", "test_batch.bin", "batches.meta.txt"} {
		mustWrite(t, filepath.Join(bin, name))
	}

	train, err := DiscoverBatches(dir, true)
	if err != nil {
		t.Fatalf("train discover error: %v", err)
	}
	if len(train) != 2 || filepath.Base(train[0]) != "data_batch_1.bin" {
		t.Fatalf("train batches %v", train)
	}
	test, err := DiscoverBatches(dir, false)
	if err != nil {
		t.Fatalf("test discover error: %v", err)
	}
	if len(test) != 1 || filepath.Base(test[0]) != "test_batch.bin" {
		t.Fatalf("test batches %v", test)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
