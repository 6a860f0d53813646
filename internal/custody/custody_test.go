package custody

import (
	"errors"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]EscrowStatus]bool{
		{EscrowPending, EscrowLocked}:  true,
		{EscrowLocked, EscrowReleased}: true,
		{EscrowLocked, EscrowRefunded}: true,
	}
	all := []EscrowStatus{EscrowPending, EscrowLocked, EscrowReleased, EscrowRefunded}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]EscrowStatus{from, to}] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestCanSettle(t *testing.T) {
	if !CanSettle(TxPending, TxConfirmed) || !CanSettle(TxPending, TxFailed) {
		t.Fatalf("pending must settle")
	}
	if CanSettle(TxConfirmed, TxFailed) || CanSettle(TxFailed, TxPending) || CanSettle(TxConfirmed, TxPending) {
		t.Fatalf("settled transactions must not move")
	}
}

func TestAssetValidateMintAddress(t *testing.T) {
	cases := []struct {
		status  AssetStatus
		address string
		ok      bool
	}{
		{AssetPending, "", true},
		{AssetMinting, "", true},
		{AssetFailed, "", true},
		{AssetMinted, "eip155:1/erc721:0x01/1", true},
		{AssetMinted, "", false},
		{AssetPending, "eip155:1/erc721:0x01/1", false},
		{AssetFailed, "eip155:1/erc721:0x01/1", false},
	}
	for _, tc := range cases {
		a := MintableAsset{Status: tc.status, MintAddress: tc.address}
		err := a.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("status %s address %q: got %v", tc.status, tc.address, err)
		}
	}
}

func TestNewReviewBadge(t *testing.T) {
	m, err := NewReviewBadge("Five Star Seller", "Earned for a 5-star review", "ipfs://img", ReviewBadge{ReviewID: "r-1", Rating: 5})
	if err != nil {
		t.Fatalf("new review badge: %v", err)
	}
	if m.Kind != ReviewBadgeKind || m.Review == nil || m.Achievement != nil {
		t.Fatalf("unexpected tagging %+v", m)
	}
	if len(m.Attributes) != 2 || m.Attributes[0].Value != "5" {
		t.Fatalf("unexpected attributes %+v", m.Attributes)
	}

	if _, err := NewReviewBadge("x", "", "", ReviewBadge{ReviewID: "r-1", Rating: 4}); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected rating rejection got %v", err)
	}
	if _, err := NewReviewBadge("x", "", "", ReviewBadge{Rating: 5}); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected review id rejection got %v", err)
	}
}

func TestNewAchievementBadge(t *testing.T) {
	if _, err := NewAchievementBadge("Top Rated", "", "", AchievementBadge{Code: "top_rated", Tier: "gold"}); err != nil {
		t.Fatalf("new achievement badge: %v", err)
	}
	if _, err := NewAchievementBadge("Top Rated", "", "", AchievementBadge{Code: "top_rated"}); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected tier rejection got %v", err)
	}
}

func TestMetadataBounds(t *testing.T) {
	badge := ReviewBadge{ReviewID: "r-1", Rating: 5}
	long := func(n int) string { return strings.Repeat("a", n) }

	if _, err := NewReviewBadge(long(MaxNameLen+1), "", "", badge); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected name bound")
	}
	if _, err := NewReviewBadge("ok", long(MaxDescriptionLen+1), "", badge); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected description bound")
	}
	if _, err := NewReviewBadge("ok", "", long(MaxImageURILen+1), badge); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected image bound")
	}
	extra := make([]Attribute, MaxAttributes-1)
	for i := range extra {
		extra[i] = Attribute{Trait: "t", Value: "v"}
	}
	if _, err := NewReviewBadge("ok", "", "", badge, extra...); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected attribute count bound")
	}
	if _, err := NewReviewBadge("ok", "", "", badge, Attribute{Trait: "t", Value: long(MaxValueLen + 1)}); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected attribute value bound")
	}

	mixed := Metadata{Kind: ReviewBadgeKind, Name: "x", Review: &badge, Achievement: &AchievementBadge{Code: "c", Tier: "t"}}
	if err := mixed.Validate(); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected mixed payload rejection")
	}
}
