package loader

import "testing"

func TestInsertPreservesReverseDependencyOrder(t *testing.T) {
	r := NewRegistry()
	r.MarkAllocatorLive()

	a := r.Insert(nil, 0x1000, 0x1000, "a.dll", false)
	b := r.Insert(a, 0x2000, 0x1000, "b.dll", false)
	c := r.Insert(b, 0x3000, 0x1000, "c.dll", false)

	var order []string
	for m := r.Head(); m != nil; m = m.Next {
		order = append(order, m.Name)
	}
	if len(order) != 3 || order[0] != "a.dll" || order[1] != "b.dll" || order[2] != "c.dll" {
		t.Fatalf("unexpected registry order: %v", order)
	}
	_ = c
}

func TestLookupByNameCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.MarkAllocatorLive()
	r.Insert(nil, 0x1000, 0x1000, "Kernel32.dll", false)

	if r.LookupByName("kernel32.DLL") == nil {
		t.Fatal("LookupByName must be case-insensitive")
	}
	if r.LookupByName("missing.dll") != nil {
		t.Fatal("LookupByName found a module that was never inserted")
	}
}

func TestLookupByBaseExactMatch(t *testing.T) {
	r := NewRegistry()
	r.MarkAllocatorLive()
	m := r.Insert(nil, 0x5000, 0x2000, "a.dll", false)

	if r.LookupByBase(0x5000) != m {
		t.Fatal("LookupByBase should return the inserted record")
	}
	if r.LookupByBase(0x5001) != nil {
		t.Fatal("LookupByBase must require an exact base match")
	}
}

func TestContainsRangeMembership(t *testing.T) {
	r := NewRegistry()
	r.MarkAllocatorLive()
	r.Insert(nil, 0x10000, 0x2000, "a.dll", false)

	if !r.Contains(0x10000) || !r.Contains(0x11FFF) {
		t.Fatal("Contains should cover [base, base+size)")
	}
	if r.Contains(0x12000) || r.Contains(0xFFFF) {
		t.Fatal("Contains should reject addresses outside the range")
	}
}

func TestRemoveUnlinksFromListAndIndex(t *testing.T) {
	r := NewRegistry()
	r.MarkAllocatorLive()
	a := r.Insert(nil, 0x1000, 0x1000, "a.dll", false)
	b := r.Insert(a, 0x2000, 0x1000, "b.dll", false)

	r.Remove(a)
	if r.LookupByBase(0x1000) != nil {
		t.Fatal("removed module still reachable by base")
	}
	if r.Contains(0x1000) {
		t.Fatal("removed module's range should no longer be contained")
	}
	if r.Head() != b {
		t.Fatal("head should advance to the next module after removal")
	}
}

func TestBootstrapMigrationCopiesRecords(t *testing.T) {
	r := NewRegistry()
	r.Insert(nil, 0x1000, 0x1000, "boot.dll", false)

	migrated := r.MarkAllocatorLive()
	if len(migrated) != 1 || migrated[0].Name != "boot.dll" {
		t.Fatalf("expected one migrated record, got %v", migrated)
	}

	// A second bootstrap-only insert after migration must go straight to
	// the heap-backed path (invariant 4).
	r.Insert(nil, 0x2000, 0x1000, "after.dll", false)
	if r.bootstrapLen != 0 {
		t.Fatal("bootstrap array must stay abandoned after the allocator comes up")
	}
}
