package optimizer

import (
	"bytes"
	"testing"
	"time"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/oracle"
)

func tx(fee uint64, payload string, symbols ...string) bundle.Transaction {
	t := bundle.Transaction{
		Signatures:  [][]byte{{1}},
		Payload:     []byte(payload),
		PriorityFee: fee,
	}
	for _, s := range symbols {
		t.Markers = append(t.Markers, bundle.InjectionMarker{Symbol: s})
	}
	return t
}

func usable(symbol string, price int64) oracle.Lookup {
	return oracle.Lookup{Symbol: symbol, Quote: bundle.PriceQuote{
		Symbol: symbol, Price: price, Conf: 1, Expo: -2,
		PublishedAt: time.Unix(1_700_000_000, 0), Source: "static",
	}}
}

func fees(b *bundle.Bundle) []uint64 {
	out := make([]uint64, len(b.Transactions))
	for i, t := range b.Transactions {
		out[i] = t.PriorityFee
	}
	return out
}

func TestReorderDescendingPriority(t *testing.T) {
	b := &bundle.Bundle{Transactions: []bundle.Transaction{tx(10, "a"), tx(50, "b"), tx(30, "c")}}
	Reorder(b)
	got := fees(b)
	want := []uint64{50, 30, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestReorderIsStable(t *testing.T) {
	b := &bundle.Bundle{Transactions: []bundle.Transaction{tx(20, "first"), tx(40, "x"), tx(20, "second"), tx(20, "third")}}
	Reorder(b)
	order := []string{"x", "first", "second", "third"}
	for i, want := range order {
		if string(b.Transactions[i].Payload) != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, b.Transactions[i].Payload)
		}
	}
}

func TestOptimizeInjectsUsableQuotes(t *testing.T) {
	b := &bundle.Bundle{Transactions: []bundle.Transaction{
		tx(10, "plain"),
		tx(50, "swap", "SOL/USD", "ETH/USD"),
		tx(30, "hedge", "SOL/USD"),
	}}
	prices := map[string]oracle.Lookup{
		"SOL/USD": usable("SOL/USD", 15_000),
		"ETH/USD": usable("ETH/USD", 300_000),
	}

	report, err := New(false).Optimize(b, prices)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if len(report.Injected) != 3 || len(report.Skipped) != 0 {
		t.Fatalf("unexpected report %s", report)
	}
	q, err := bundle.DecodePriceSlot("ETH/USD", b.Transactions[0].Markers[1].Slot)
	if err != nil {
		t.Fatalf("decode slot: %v", err)
	}
	if q.Price != 300_000 {
		t.Fatalf("expected ETH price in slot, got %d", q.Price)
	}
	if string(b.Transactions[2].Payload) != "plain" {
		t.Fatal("payload must be untouched")
	}
	if len(report.Dependent) != 2 || len(report.Independent) != 1 || report.Independent[0] != 2 {
		t.Fatalf("unexpected dependency split %v %v", report.Dependent, report.Independent)
	}
	if len(report.SharedFeeds) != 1 || report.SharedFeeds[0].Symbol != "SOL/USD" || report.SharedFeeds[0].Transactions != 2 {
		t.Fatalf("unexpected shared feeds %+v", report.SharedFeeds)
	}
}

func TestOptimizeLenientSkipsMissingQuotes(t *testing.T) {
	prior := []byte("previous")
	b := &bundle.Bundle{Transactions: []bundle.Transaction{tx(10, "a", "SOL/USD"), tx(5, "b", "DOGE/USD")}}
	b.Transactions[1].Markers[0].Slot = prior
	prices := map[string]oracle.Lookup{
		"SOL/USD":  usable("SOL/USD", 15_000),
		"DOGE/USD": {Symbol: "DOGE/USD", Err: errs.New("oracle", errs.CodeOracleStalePrice)},
	}

	report, err := New(false).Optimize(b, prices)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if len(report.Injected) != 1 || len(report.Skipped) != 1 {
		t.Fatalf("unexpected report %s", report)
	}
	if report.Skipped[0].Code != errs.CodeOracleStalePrice || report.Skipped[0].TxIndex != 1 {
		t.Fatalf("unexpected skip %+v", report.Skipped[0])
	}
	if !bytes.Equal(b.Transactions[1].Markers[0].Slot, prior) {
		t.Fatal("skipped marker must keep its content")
	}
}

func TestOptimizeStrictFailsWithoutWriting(t *testing.T) {
	b := &bundle.Bundle{Transactions: []bundle.Transaction{tx(50, "a", "SOL/USD"), tx(10, "b", "ETH/USD")}}
	prices := map[string]oracle.Lookup{"SOL/USD": usable("SOL/USD", 15_000)}

	_, err := New(true).Optimize(b, prices)
	if errs.CodeOf(err) != errs.CodeOracleMissing {
		t.Fatalf("expected oracle missing, got %v", err)
	}
	if b.Transactions[0].Markers[0].Slot != nil {
		t.Fatal("strict failure must not leave partial injections")
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	build := func() *bundle.Bundle {
		return &bundle.Bundle{Transactions: []bundle.Transaction{tx(10, "a", "SOL/USD"), tx(50, "b"), tx(30, "c", "SOL/USD")}}
	}
	prices := map[string]oracle.Lookup{"SOL/USD": usable("SOL/USD", 15_000)}
	opt := New(false)

	once := build()
	if _, err := opt.Optimize(once, prices); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	twice := build()
	_, _ = opt.Optimize(twice, prices)
	if _, err := opt.Optimize(twice, prices); err != nil {
		t.Fatalf("second Optimize: %v", err)
	}
	for i := range once.Transactions {
		a, c := once.Transactions[i], twice.Transactions[i]
		if a.PriorityFee != c.PriorityFee || !bytes.Equal(a.Payload, c.Payload) || len(a.Markers) != len(c.Markers) {
			t.Fatalf("transaction %d differs after re-optimisation", i)
		}
		for j := range a.Markers {
			if !bytes.Equal(a.Markers[j].Slot, c.Markers[j].Slot) {
				t.Fatalf("slot %d/%d differs after re-optimisation", i, j)
			}
		}
	}
}

func TestOptimizeNilBundle(t *testing.T) {
	if _, err := New(false).Optimize(nil, nil); errs.CodeOf(err) != errs.CodeNullInput {
		t.Fatalf("expected null input, got %v", err)
	}
}
