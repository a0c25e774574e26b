package schema

import (
	"strings"
	"testing"
	"time"
)

func TestChecksum_Equal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b Checksum
		want bool
	}{
		{
			name: "identical",
			a:    Checksum{Count: 3, MaxUpdatedAt: now, KeyHash: 7, HashedKeys: true},
			b:    Checksum{Count: 3, MaxUpdatedAt: now, KeyHash: 7, HashedKeys: true},
			want: true,
		},
		{
			name: "count differs",
			a:    Checksum{Count: 3, MaxUpdatedAt: now},
			b:    Checksum{Count: 4, MaxUpdatedAt: now},
			want: false,
		},
		{
			name: "timestamp differs",
			a:    Checksum{Count: 3, MaxUpdatedAt: now},
			b:    Checksum{Count: 3, MaxUpdatedAt: now.Add(time.Second)},
			want: false,
		},
		{
			name: "key hash differs",
			a:    Checksum{Count: 3, MaxUpdatedAt: now, KeyHash: 1, HashedKeys: true},
			b:    Checksum{Count: 3, MaxUpdatedAt: now, KeyHash: 2, HashedKeys: true},
			want: false,
		},
		{
			name: "hash ignored when one side skipped",
			a:    Checksum{Count: 3, MaxUpdatedAt: now, KeyHash: 1, HashedKeys: true},
			b:    Checksum{Count: 3, MaxUpdatedAt: now, HashedKeys: false},
			want: true,
		},
		{
			name: "same wall time different zones",
			a:    Checksum{Count: 1, MaxUpdatedAt: now},
			b:    Checksum{Count: 1, MaxUpdatedAt: now.In(time.FixedZone("X", 3600))},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
			if got := tt.b.Equal(tt.a); got != tt.want {
				t.Errorf("Equal() not symmetric: reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashKeys_OrderIndependent(t *testing.T) {
	a := HashKeys([]string{"c-1", "c-2", "c-3"})
	b := HashKeys([]string{"c-3", "c-1", "c-2"})
	if a != b {
		t.Errorf("hash depends on enumeration order: %x != %x", a, b)
	}

	c := HashKeys([]string{"c-1", "c-2"})
	if a == c {
		t.Error("different key sets should not collide")
	}
}

func TestHashKeys_SeparatorPreventsJoining(t *testing.T) {
	// "ab"+"c" must not hash like "a"+"bc".
	if HashKeys([]string{"ab", "c"}) == HashKeys([]string{"a", "bc"}) {
		t.Error("key boundaries are not separated")
	}
}

func TestChecksum_String(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cs := Checksum{Count: 5, MaxUpdatedAt: now, KeyHash: 0xdeadbeef, HashedKeys: true}
	s := cs.String()
	if !strings.HasPrefix(s, "5:2026-03-01T12:00:00Z:") {
		t.Errorf("String() = %q", s)
	}

	empty := Checksum{}
	if got := empty.String(); got != "0::-" {
		t.Errorf("empty String() = %q, want %q", got, "0::-")
	}
}
