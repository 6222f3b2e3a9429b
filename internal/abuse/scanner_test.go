package abuse

import (
	"math"
	"testing"
)

func TestScanCleanProfile(t *testing.T) {
	s := NewScanner(0.7, 0.5)

	res := s.Scan(Profile{DisplayName: "Alice Peterson", HasAvatar: true})
	if res.Score != 0 {
		t.Fatalf("expected zero score, got %v (flags %v)", res.Score, res.Flags)
	}
	if res.SilentBan || res.Challenge {
		t.Fatalf("clean profile should pass, got %+v", res)
	}
}

func TestScanChallengeBand(t *testing.T) {
	s := NewScanner(0.7, 0.5)

	// no_avatar (0.4) + spam_words (0.25) lands between the thresholds.
	res := s.Scan(Profile{DisplayName: "Crypto Support", HasAvatar: false})
	if math.Abs(res.Score-0.65) > 1e-9 {
		t.Fatalf("expected score 0.65, got %v (flags %v)", res.Score, res.Flags)
	}
	if !res.Challenge || res.SilentBan {
		t.Fatalf("expected challenge verdict, got %+v", res)
	}
}

func TestScanSilentBanThreshold(t *testing.T) {
	s := NewScanner(0.7, 0.5)

	res := s.Scan(Profile{DisplayName: "Crypto7777777", HasAvatar: false})
	if !res.SilentBan {
		t.Fatalf("expected silent ban, got %+v", res)
	}
	if res.Challenge {
		t.Fatalf("silent ban should win over challenge, got %+v", res)
	}
	want := map[string]bool{FlagNoAvatar: true, FlagSpamWords: true, FlagNumberHeavy: true}
	for _, f := range res.Flags {
		if !want[f] {
			t.Fatalf("unexpected flag %q in %v", f, res.Flags)
		}
		delete(want, f)
	}
	if len(want) != 0 {
		t.Fatalf("missing flags %v, got %v", want, res.Flags)
	}
}

func TestScanPremiumOffsetsScore(t *testing.T) {
	s := NewScanner(0.7, 0.5)

	res := s.Scan(Profile{DisplayName: "Crypto7777777", HasAvatar: false, IsPremium: true})
	if res.SilentBan || res.Challenge {
		t.Fatalf("premium discount should drop the verdict, got %+v", res)
	}
	if math.Abs(res.Score-0.45) > 1e-9 {
		t.Fatalf("expected score 0.45, got %v", res.Score)
	}
}

func TestScanRTLName(t *testing.T) {
	s := NewScanner(0.7, 0.5)

	res := s.Scan(Profile{DisplayName: "مرحبا", HasAvatar: true})
	if len(res.Flags) != 1 || res.Flags[0] != FlagRTLChars {
		t.Fatalf("expected only %q, got %v", FlagRTLChars, res.Flags)
	}
	if math.Abs(res.Score-0.2) > 1e-9 {
		t.Fatalf("expected score 0.2, got %v", res.Score)
	}
}

func TestScanScoreNeverNegative(t *testing.T) {
	s := NewScanner(0.7, 0.5)

	res := s.Scan(Profile{DisplayName: "Alice Peterson", HasAvatar: true, IsPremium: true})
	if res.Score != 0 {
		t.Fatalf("score must clamp at zero, got %v", res.Score)
	}
}
