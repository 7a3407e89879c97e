package ledger

import "testing"

func TestWalletAvailable(t *testing.T) {
	w := Wallet{BalanceCents: 1000, ReservedCents: 400}
	if got := w.Available(); got != 600 {
		t.Fatalf("Available() = %d, want 600", got)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobSucceeded, JobFailed, JobCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	nonTerminal := []JobStatus{JobPending, JobRunning, JobPendingRetry}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestRunnerAccepts_EmptySetAcceptsAll(t *testing.T) {
	r := Runner{}
	if !r.Accepts("anything") {
		t.Fatal("empty CompatibleJobTypes should accept all")
	}
}

func TestRunnerAccepts_NonEmptySetIsExclusive(t *testing.T) {
	r := Runner{CompatibleJobTypes: []string{"image.resize", "video.transcode"}}
	if !r.Accepts("image.resize") {
		t.Fatal("expected runner to accept a listed type")
	}
	if r.Accepts("pdf.render") {
		t.Fatal("expected runner to reject an unlisted type")
	}
}
