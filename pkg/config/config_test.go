package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseStrike(t *testing.T) {
	cases := []struct {
		instrument string
		want       float64
		wantErr    bool
	}{
		{"BTC-1SEP25-107298-C", 107298, false},
		{"BTC-29AUG25-106000-P", 106000, false},
		{"ETH-26SEP25-4400-C", 4400, false},
		{"BTC-PERPETUAL", 0, true},
		{"BTC-1SEP25-abc-C", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseStrike(tc.instrument)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseStrike(%q): expected error, got %v", tc.instrument, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStrike(%q): %v", tc.instrument, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseStrike(%q) = %v, want %v", tc.instrument, got, tc.want)
		}
	}
}

func TestStrikeOverride(t *testing.T) {
	m := MarketConfig{
		Slug:         "btc-above-107000",
		TargetStrike: 107000,
		Legs:         DeribitLegs{TargetInstrument: "BTC-1SEP25-107298-C"},
	}
	got, err := m.Strike()
	if err != nil {
		t.Fatal(err)
	}
	if got != 107000 {
		t.Fatalf("Strike() = %v, want explicit override 107000", got)
	}

	m.TargetStrike = 0
	got, err = m.Strike()
	if err != nil {
		t.Fatal(err)
	}
	if got != 107298 {
		t.Fatalf("Strike() = %v, want parsed 107298", got)
	}
}

func TestLoadMarkets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "markets.json")
	table := `[
  {
    "slug": "btc-above-107298-sep-1",
    "deribit": {
      "lowerEarlier": "BTC-29AUG25-106000-C",
      "upperEarlier": "BTC-29AUG25-108000-C",
      "lowerLater": "BTC-5SEP25-106000-C",
      "upperLater": "BTC-5SEP25-108000-C",
      "targetInstrument": "BTC-1SEP25-107298-C"
    },
    "allocationUSD": 50
  }
]`
	if err := os.WriteFile(path, []byte(table), 0o600); err != nil {
		t.Fatal(err)
	}

	markets, err := loadMarkets(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 {
		t.Fatalf("expected 1 market, got %d", len(markets))
	}
	m := markets[0]
	if m.Slug != "btc-above-107298-sep-1" {
		t.Errorf("slug = %q", m.Slug)
	}
	strike, err := m.Strike()
	if err != nil {
		t.Fatal(err)
	}
	if strike != 107298 {
		t.Errorf("strike = %v, want 107298", strike)
	}
	if m.AllocationUSD != 50 {
		t.Errorf("allocation = %v, want 50", m.AllocationUSD)
	}
}

func TestLoadMarketsRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "markets.json")

	cases := []struct {
		name string
		body string
	}{
		{"empty table", `[]`},
		{"missing slug", `[{"deribit":{"lowerEarlier":"a","upperEarlier":"b","lowerLater":"c","upperLater":"d","targetInstrument":"BTC-1SEP25-107298-C"},"allocationUSD":50}]`},
		{"missing leg", `[{"slug":"m","deribit":{"lowerEarlier":"a","upperEarlier":"b","lowerLater":"c","targetInstrument":"BTC-1SEP25-107298-C"},"allocationUSD":50}]`},
		{"zero allocation", `[{"slug":"m","deribit":{"lowerEarlier":"a","upperEarlier":"b","lowerLater":"c","upperLater":"d","targetInstrument":"BTC-1SEP25-107298-C"}}]`},
		{"bad target", `[{"slug":"m","deribit":{"lowerEarlier":"a","upperEarlier":"b","lowerLater":"c","upperLater":"d","targetInstrument":"BTC-PERPETUAL"},"allocationUSD":50}]`},
	}
	for _, tc := range cases {
		if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadMarkets(path); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
