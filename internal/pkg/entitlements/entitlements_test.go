package entitlements

import "testing"

func TestParseTier(t *testing.T) {
	cases := []struct {
		in   string
		want Tier
	}{
		{"free", TierFree},
		{"basic", TierBasic},
		{"PRO", TierPro},
		{" enterprise ", TierEnterprise},
		{"premium", TierFree},
		{"", TierFree},
	}
	for _, c := range cases {
		if got := ParseTier(c.in); got != c.want {
			t.Fatalf("ParseTier(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRankOrdering(t *testing.T) {
	order := []Tier{TierFree, TierBasic, TierPro, TierEnterprise}
	for i := 1; i < len(order); i++ {
		if Rank(order[i-1]) >= Rank(order[i]) {
			t.Fatalf("expected Rank(%s) < Rank(%s)", order[i-1], order[i])
		}
	}
}

func TestIsUnlimited(t *testing.T) {
	if IsUnlimited(Unlimited - 1) {
		t.Fatalf("value below sentinel must not be unlimited")
	}
	if !IsUnlimited(Unlimited) {
		t.Fatalf("sentinel itself must be unlimited")
	}
	if !IsUnlimited(Unlimited + 500) {
		t.Fatalf("values above sentinel must be unlimited")
	}
}

func TestLimitsFor(t *testing.T) {
	l := Limits{WordsPerDay: 1, ImagesPerDay: 2, VideosPerDay: 3, SearchesPerDay: 4, MessagesPerDay: 5}
	cases := []struct {
		svc  Service
		want int64
	}{
		{ServiceWords, 1},
		{ServiceImages, 2},
		{ServiceVideos, 3},
		{ServiceSearches, 4},
		{ServiceMessages, 5},
		{Service("unknown"), 0},
	}
	for _, c := range cases {
		if got := l.For(c.svc); got != c.want {
			t.Fatalf("For(%s) = %d, want %d", c.svc, got, c.want)
		}
	}
}

func TestForTierFreeHasNoVideo(t *testing.T) {
	l := ForTier(TierFree)
	if l.VideosPerDay != 0 {
		t.Fatalf("free tier should not include video generation, got %d", l.VideosPerDay)
	}
	if IsUnlimited(l.WordsPerDay) {
		t.Fatalf("free tier words must be capped")
	}
}

func TestForTierEnterpriseUnlimitedWords(t *testing.T) {
	l := ForTier(TierEnterprise)
	if !IsUnlimited(l.WordsPerDay) {
		t.Fatalf("enterprise words should be unlimited, got %d", l.WordsPerDay)
	}
}
