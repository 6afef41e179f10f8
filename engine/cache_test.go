package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeRuleFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing rule file: %v", err)
	}
}

func TestRuleCache_AcquireReturnsSameInstanceWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.yaml")

	writeRuleFile(t, globalPath, "rules:\n  - name: r1\n    commands: [rm]\n    action: deny\n")

	cache := NewRuleCache(&FileRuleSource{GlobalPath: globalPath})

	rs1, err := cache.Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	rs2, err := cache.Acquire(dir)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}

	if rs1 != rs2 {
		t.Fatal("expected pointer-equal RuleSet when source is unchanged")
	}
}

func TestRuleCache_RebuildsWhenFileChanges(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.yaml")

	writeRuleFile(t, globalPath, "rules:\n  - name: r1\n    commands: [rm]\n    action: deny\n")

	cache := NewRuleCache(&FileRuleSource{GlobalPath: globalPath})

	rs1, err := cache.Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Ensure a visibly different mtime on filesystems with coarse resolution.
	time.Sleep(10 * time.Millisecond)
	writeRuleFile(t, globalPath, "rules:\n  - name: r1\n    commands: [rm]\n    action: deny\n  - name: r2\n    commands: [git]\n    action: deny\n")

	rs2, err := cache.Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after change error = %v", err)
	}

	if rs1 == rs2 {
		t.Fatal("expected a new RuleSet after the backing file changed")
	}

	if len(rs2.Rules) != 2 {
		t.Fatalf("expected 2 rules after update, got %d", len(rs2.Rules))
	}
}

func TestRuleCache_RetainsLastGoodOnRebuildFailure(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.yaml")

	writeRuleFile(t, globalPath, "rules:\n  - name: r1\n    commands: [rm]\n    action: deny\n")

	cache := NewRuleCache(&FileRuleSource{GlobalPath: globalPath})

	good, err := cache.Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeRuleFile(t, globalPath, "rules:\n  - name: r1\n    commands: [rm]\n    action: not-a-real-action\n")

	retained, err := cache.Acquire(dir)
	if err == nil {
		t.Fatal("expected an error when the backing file becomes invalid")
	}

	// The caller that triggered the failed rebuild gets the error together
	// with the last good RuleSet, and that RuleSet is left unchanged.
	if retained != good {
		t.Fatalf("failed rebuild returned %p, want the last good RuleSet %p", retained, good)
	}

	if good == nil || len(good.Rules) != 1 {
		t.Fatalf("previously returned good RuleSet was mutated: %+v", good)
	}
}

func TestRuleCache_ConcurrentAcquireCoalesces(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.yaml")

	writeRuleFile(t, globalPath, "rules:\n  - name: r1\n    commands: [rm]\n    action: deny\n")

	cache := NewRuleCache(&FileRuleSource{GlobalPath: globalPath})

	const n = 20

	var wg sync.WaitGroup

	results := make([]*RuleSet, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = cache.Acquire(dir)
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: Acquire() error = %v", i, err)
		}
	}

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("goroutine %d got a different RuleSet instance than goroutine 0", i)
		}
	}
}
