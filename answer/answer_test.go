package answer

import "testing"

func TestIsUnanswered(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"\n\t ", true},
		{"five years", false},
		{"  ok ", false},
	}
	for _, tt := range tests {
		if got := IsUnanswered(tt.raw); got != tt.want {
			t.Errorf("IsUnanswered(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestAppend(t *testing.T) {
	acc := ""
	for _, f := range []string{"I worked", "", "  ", "on payments ", "for five years"} {
		acc = Append(acc, f)
	}
	if acc != "I worked on payments for five years" {
		t.Fatalf("acc = %q", acc)
	}
}

func TestReconcile(t *testing.T) {
	if got := Reconcile(" final text ", []string{"partial"}); got != "final text" {
		t.Fatalf("got %q", got)
	}
	if got := Reconcile("", []string{"from", "chunks"}); got != "from chunks" {
		t.Fatalf("got %q", got)
	}
	if got := Reconcile(" ", []string{" ", ""}); !IsUnanswered(got) {
		t.Fatalf("got %q, want unanswered", got)
	}
}
