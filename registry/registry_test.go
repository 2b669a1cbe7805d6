package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"vsfy/models"
)

func TestRegisterAssignsDistinctIdentities(t *testing.T) {
	r := New()

	a := r.Register(models.PeerDescriptor{Address: "10.0.0.1"}, nil)
	b := r.Register(models.PeerDescriptor{Address: "10.0.0.2"}, nil)
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct non-empty identities, got %q and %q", a, b)
	}

	descriptor, ok := r.Lookup(a)
	if !ok {
		t.Fatalf("expected %s to be live", a)
	}
	if descriptor.Identity != a || descriptor.Address != "10.0.0.1" {
		t.Fatalf("unexpected stored descriptor: %+v", descriptor)
	}
}

func TestRegisterRetriesOnCollision(t *testing.T) {
	ids := []string{"dup", "dup", "", "dup", "fresh"}
	next := 0
	r := New(WithIdentityGenerator(func() string {
		id := ids[next]
		next++
		return id
	}))

	if got := r.Register(models.PeerDescriptor{}, nil); got != "dup" {
		t.Fatalf("first identity = %q, want dup", got)
	}
	if got := r.Register(models.PeerDescriptor{}, nil); got != "fresh" {
		t.Fatalf("second identity = %q, want fresh", got)
	}
	if next != len(ids) {
		t.Fatalf("expected %d generator calls, got %d", len(ids), next)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	id := r.Register(models.PeerDescriptor{}, nil)

	if !r.Unregister(id) {
		t.Fatalf("expected first Unregister to remove %s", id)
	}
	if r.Unregister(id) {
		t.Fatalf("expected second Unregister to be a no-op")
	}
	if r.Unregister("never-registered") {
		t.Fatalf("expected unknown identity to be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	r := New(WithClock(func() time.Time { return clock }))

	first := r.Register(models.PeerDescriptor{Catalog: []models.FileEntry{{Name: "a.mp3", SizeBytes: 1}}}, nil)
	second := r.Register(models.PeerDescriptor{}, nil)
	third := r.Register(models.PeerDescriptor{}, nil)
	r.Unregister(second)

	snapshot := r.Snapshot()
	if len(snapshot) != 2 || snapshot[0].Identity != first || snapshot[1].Identity != third {
		t.Fatalf("unexpected snapshot order: %+v", snapshot)
	}

	snapshot[0].Catalog[0].Name = "mutated.mp3"
	descriptor, _ := r.Lookup(first)
	if descriptor.Catalog[0].Name != "a.mp3" {
		t.Fatalf("snapshot shares catalog storage with the registry")
	}
}

func TestRegisterCopiesCallerDescriptor(t *testing.T) {
	r := New()
	catalog := []models.FileEntry{{Name: "a.mp3", SizeBytes: 1}}
	id := r.Register(models.PeerDescriptor{Catalog: catalog}, nil)

	catalog[0].Name = "changed.mp3"
	descriptor, _ := r.Lookup(id)
	if descriptor.Catalog[0].Name != "a.mp3" {
		t.Fatalf("registry kept a reference to the caller's catalog")
	}
}

func TestAnnounceReplacesDescriptor(t *testing.T) {
	r := New()
	id := r.Register(models.PeerDescriptor{TransferPort: 1000}, nil)

	if !r.Announce(id, models.PeerDescriptor{Identity: "spoofed", TransferPort: 2000}) {
		t.Fatalf("expected Announce on live identity to succeed")
	}
	descriptor, _ := r.Lookup(id)
	if descriptor.Identity != id || descriptor.TransferPort != 2000 {
		t.Fatalf("unexpected descriptor after announce: %+v", descriptor)
	}

	if r.Announce("missing", models.PeerDescriptor{}) {
		t.Fatalf("expected Announce on unknown identity to fail")
	}
}

func TestConcurrentRegistrationsStayUnique(t *testing.T) {
	r := New()

	const workers = 32
	const perWorker = 50

	var wg sync.WaitGroup
	ids := make(chan string, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := r.Register(models.PeerDescriptor{Address: fmt.Sprintf("10.0.%d.%d", w, i)}, nil)
				ids <- id
				if i%2 == 0 {
					r.Unregister(id)
				}
				_ = r.Snapshot()
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("identity %s issued twice", id)
		}
		seen[id] = struct{}{}
	}

	live := r.Snapshot()
	if len(live) != workers*perWorker/2 {
		t.Fatalf("expected %d live sessions, got %d", workers*perWorker/2, len(live))
	}
}
