package writerset

import (
	"testing"

	"pearsync/internal/identity"
	"pearsync/internal/ops"
)

func TestBootstrapMemberIsWritable(t *testing.T) {
	boot, _ := identity.Generate()
	s := New(boot.Public, boot.Public)
	if !s.Writable() {
		t.Fatal("expected bootstrap writer to be writable")
	}
	if !s.Contains(boot.Public) {
		t.Fatal("expected bootstrap key to be a member")
	}
}

func TestLocalNotYetAdmittedIsNotWritable(t *testing.T) {
	boot, _ := identity.Generate()
	local, _ := identity.Generate()
	s := New(boot.Public, local.Public)
	if s.Writable() {
		t.Fatal("expected non-member local key to be unwritable")
	}
}

func TestApplyAddWriterAdmitsAndIsIdempotent(t *testing.T) {
	boot, _ := identity.Generate()
	newWriter, _ := identity.Generate()
	s := New(boot.Public, newWriter.Public)

	if changed := s.Apply(ops.AddWriter(newWriter.Public), 10); !changed {
		t.Fatal("expected first add-writer to change membership")
	}
	if !s.Writable() {
		t.Fatal("expected newly admitted key to be writable")
	}
	if changed := s.Apply(ops.AddWriter(newWriter.Public), 20); changed {
		t.Fatal("expected duplicate add-writer to be a no-op")
	}
}

func TestApplyRemoveWriterRevokesMembership(t *testing.T) {
	boot, _ := identity.Generate()
	victim, _ := identity.Generate()
	s := New(boot.Public, boot.Public)
	s.Apply(ops.AddWriter(victim.Public), 1)

	if changed := s.Apply(ops.RemoveWriter(victim.Public), 5); !changed {
		t.Fatal("expected remove-writer to change membership")
	}
	if s.Contains(victim.Public) {
		t.Fatal("expected removed key to no longer be a member")
	}
}

func TestApplyRemoveWriterIsTerminal(t *testing.T) {
	boot, _ := identity.Generate()
	victim, _ := identity.Generate()
	s := New(boot.Public, boot.Public)
	s.Apply(ops.AddWriter(victim.Public), 1)
	s.Apply(ops.RemoveWriter(victim.Public), 2)

	if changed := s.Apply(ops.AddWriter(victim.Public), 3); changed {
		t.Fatal("expected re-admission of a removed writer to be rejected")
	}
	if s.Contains(victim.Public) {
		t.Fatal("removed writer must not reappear")
	}
}

func TestApplyNonMembershipOpIsNoOp(t *testing.T) {
	boot, _ := identity.Generate()
	s := New(boot.Public, boot.Public)
	if changed := s.Apply(ops.Put("a", ops.FileMeta{}), 0); changed {
		t.Fatal("expected put to be a no-op on the writer set")
	}
}

func TestApplyRemoveWriterUnknownKeyIsNoOp(t *testing.T) {
	boot, _ := identity.Generate()
	stranger, _ := identity.Generate()
	s := New(boot.Public, boot.Public)
	if changed := s.Apply(ops.RemoveWriter(stranger.Public), 1); changed {
		t.Fatal("expected remove-writer for a non-member to be a no-op")
	}
}

func TestKeysReflectsCurrentMembership(t *testing.T) {
	boot, _ := identity.Generate()
	other, _ := identity.Generate()
	s := New(boot.Public, boot.Public)
	s.Apply(ops.AddWriter(other.Public), 1)

	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("want 2 members, got %d", len(keys))
	}
}
