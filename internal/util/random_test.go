package util

import (
	"strings"
	"testing"
)

func TestRandomHex(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 6, 32} {
		got := RandomHex(n)
		want := n
		if want < 0 {
			want = 0
		}
		if len(got) != want {
			t.Errorf("RandomHex(%d) length = %d", n, len(got))
		}
		for _, c := range got {
			if !strings.ContainsRune(hexChars, c) {
				t.Errorf("RandomHex(%d) = %q contains non-hex %q", n, got, c)
			}
		}
	}
}

func TestInstanceName(t *testing.T) {
	a, b := InstanceName("smtre"), InstanceName("smtre")
	if !strings.HasPrefix(a, "smtre-") {
		t.Errorf("expected prefix, got %q", a)
	}
	if a == b {
		t.Errorf("expected distinct names, got %q twice", a)
	}
}
