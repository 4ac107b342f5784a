package job

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"admit", StatusPending, StatusQueued, true},
		{"assign", StatusQueued, StatusAssigned, true},
		{"start", StatusAssigned, StatusRunning, true},
		{"complete", StatusRunning, StatusCompleted, true},
		{"fail", StatusRunning, StatusFailed, true},
		{"timeout running", StatusRunning, StatusTimeout, true},
		{"timeout queued", StatusQueued, StatusTimeout, true},
		{"timeout assigned", StatusAssigned, StatusTimeout, true},
		{"cancel queued", StatusQueued, StatusCancelled, true},
		{"cancel assigned", StatusAssigned, StatusCancelled, true},
		{"cancel running", StatusRunning, StatusCancelled, true},
		{"release assigned", StatusAssigned, StatusQueued, true},
		{"release running", StatusRunning, StatusQueued, true},
		{"skip assignment", StatusQueued, StatusRunning, false},
		{"complete queued", StatusQueued, StatusCompleted, false},
		{"complete pending", StatusPending, StatusCompleted, false},
		{"resurrect completed", StatusCompleted, StatusQueued, false},
		{"resurrect cancelled", StatusCancelled, StatusQueued, false},
		{"refail failed", StatusFailed, StatusFailed, false},
		{"recomplete completed", StatusCompleted, StatusCompleted, false},
		{"cancel after timeout", StatusTimeout, StatusCancelled, false},
		{"unknown from", Status("BOGUS"), StatusQueued, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestTerminalSelfTransitionsRefused(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout} {
		if CanTransition(s, s) {
			t.Fatalf("CanTransition(%s, %s) = true, want false", s, s)
		}
		if !s.Terminal() {
			t.Fatalf("%s.Terminal() = false, want true", s)
		}
	}
}

func TestStatusActive(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusAssigned, StatusRunning} {
		if !s.Active() {
			t.Fatalf("%s.Active() = false, want true", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusQueued, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout} {
		if s.Active() {
			t.Fatalf("%s.Active() = true, want false", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		want   Status
		wantOK bool
	}{
		{"queued", StatusQueued, true},
		{" RUNNING ", StatusRunning, true},
		{"", "", true},
		{"nope", Status("NOPE"), false},
	}
	for _, tc := range cases {
		got, ok := ParseStatus(tc.in)
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Fatalf("ParseStatus(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}
