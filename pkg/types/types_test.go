package types

import (
	"testing"
	"time"
)

func TestOrderStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct {
		from, to OrderStatus
	}{
		{StatusPending, StatusWorking},
		{StatusPending, StatusRejected},
		{StatusPending, StatusCancelled},
		{StatusWorking, StatusPartiallyFilled},
		{StatusWorking, StatusFilled},
		{StatusWorking, StatusCancelled},
		{StatusPartiallyFilled, StatusPartiallyFilled},
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to OrderStatus
	}{
		{StatusWorking, StatusPending},
		{StatusFilled, StatusWorking},
		{StatusFilled, StatusCancelled},
		{StatusRejected, StatusWorking},
		{StatusCancelled, StatusFilled},
		{StatusPartiallyFilled, StatusWorking},
		{StatusPartiallyFilled, StatusRejected},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestSideSignAndOpposite(t *testing.T) {
	t.Parallel()

	if SideBuy.Sign() != 1 || SideSell.Sign() != -1 || SideClose.Sign() != 0 {
		t.Errorf("unexpected side signs: %d %d %d", SideBuy.Sign(), SideSell.Sign(), SideClose.Sign())
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite mismatch")
	}
}

func TestSessionContains(t *testing.T) {
	t.Parallel()

	// Regular day session: 14:30 - 21:00 UTC (US equities).
	day := Session{OpenMinute: 14*60 + 30, CloseMinute: 21 * 60}
	if !day.Contains(time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)) {
		t.Error("15:00 should be inside the day session")
	}
	if day.Contains(time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC)) {
		t.Error("22:00 should be outside the day session")
	}

	// Overnight futures session: 23:00 - 22:00 next day UTC.
	night := Session{OpenMinute: 23 * 60, CloseMinute: 22 * 60}
	if !night.Contains(time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)) {
		t.Error("03:00 should be inside the overnight session")
	}
	if night.Contains(time.Date(2025, 6, 2, 22, 30, 0, 0, time.UTC)) {
		t.Error("22:30 should be in the maintenance break")
	}

	all := Session{AllDay: true}
	if !all.Contains(time.Now()) {
		t.Error("all-day session should always contain now")
	}
}

func TestTopicKeyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Topic{
		{Kind: TopicQuote, Selector: "ES"},
		{Kind: TopicAccount, Selector: "sim-1"},
		{Kind: TopicViolation},
	}
	for _, want := range cases {
		got, err := ParseTopic(want.Key())
		if err != nil {
			t.Fatalf("ParseTopic(%q): %v", want.Key(), err)
		}
		if got != want {
			t.Errorf("round trip %q: got %+v want %+v", want.Key(), got, want)
		}
	}

	if _, err := ParseTopic("nonsense:ES"); err == nil {
		t.Error("expected error for unknown topic kind")
	}
}

func TestTopicMatches(t *testing.T) {
	t.Parallel()

	wildcard := Topic{Kind: TopicQuote}
	if !wildcard.Matches(TopicQuote, "ES") || !wildcard.Matches(TopicQuote, "NQ") {
		t.Error("empty selector should match any selector")
	}
	narrow := Topic{Kind: TopicQuote, Selector: "ES"}
	if !narrow.Matches(TopicQuote, "ES") {
		t.Error("exact selector should match")
	}
	if narrow.Matches(TopicQuote, "NQ") || narrow.Matches(TopicFill, "ES") {
		t.Error("mismatched selector or kind should not match")
	}
}

func TestAlertStateTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []AlertState{AlertFilled, AlertCancelled, AlertRejected, AlertFailed, AlertIgnored, AlertDuplicate} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []AlertState{AlertReceived, AlertValidating, AlertRouting, AlertPlacing, AlertWorking} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
