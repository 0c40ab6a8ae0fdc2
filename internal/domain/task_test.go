package domain

import "testing"

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"new-checkout-flow", "new-checkout-flow"},
		{"exp/checkout v2", "exp-checkout-v2"},
		{"FLAG_2024.rollout", "FLAG_2024.rollout"},
		{"weird!!key##", "weird-key"},
		{"///", "flag"},
	}

	for _, tt := range tests {
		if got := SanitizeKey(tt.input); got != tt.want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTask_Branch(t *testing.T) {
	task := &Task{Key: "exp/checkout v2", KeepBranch: KeepEnabled}
	if got := task.Branch(); got != "remove-flag/exp-checkout-v2" {
		t.Errorf("Branch() = %q, want remove-flag/exp-checkout-v2", got)
	}
}

func TestKeyFromBranch(t *testing.T) {
	key, ok := KeyFromBranch("remove-flag/new-checkout-flow")
	if !ok || key != "new-checkout-flow" {
		t.Errorf("KeyFromBranch = %q, %v, want new-checkout-flow, true", key, ok)
	}

	if _, ok := KeyFromBranch("feat/other-work"); ok {
		t.Error("KeyFromBranch accepted a non-removal branch")
	}
	if _, ok := KeyFromBranch("remove-flag/"); ok {
		t.Error("KeyFromBranch accepted an empty key")
	}
}

func TestTask_Validate(t *testing.T) {
	valid := &Task{Key: "k", KeepBranch: KeepDisabled}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	if err := (&Task{KeepBranch: KeepEnabled}).Validate(); err == nil {
		t.Error("Validate() accepted a task without a key")
	}
	if err := (&Task{Key: "k", KeepBranch: "both"}).Validate(); err == nil {
		t.Error("Validate() accepted keepBranch=both")
	}
}

func TestTask_Reservation(t *testing.T) {
	tests := []struct {
		repos []string
		want  int
	}{
		{nil, 1},
		{[]string{"svcA"}, 1},
		{[]string{"svcA", "svcB", "web"}, 3},
	}

	for _, tt := range tests {
		task := &Task{Key: "k", ReposWithMatch: tt.repos}
		if got := task.Reservation(); got != tt.want {
			t.Errorf("Reservation() with %d repos = %d, want %d", len(tt.repos), got, tt.want)
		}
	}
}
