package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bjoelf/multibroker/broker"
)

var (
	relianceNSE = broker.Symbol{Symbol: "RELIANCE", Exchange: "NSE"}
	tcsNSE      = broker.Symbol{Symbol: "TCS", Exchange: "NSE"}
)

func TestSubscribeQuotesMultiplexesOntoOneWireSubscription(t *testing.T) {
	m, a := newTestManager("zerodha")

	var first, second []broker.Quote
	h1, err := m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE, tcsNSE}, func(q broker.Quote) {
		first = append(first, q)
	})
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	// Same set in reverse order must join the existing subscription.
	h2, err := m.SubscribeQuotes("zerodha", []broker.Symbol{tcsNSE, relianceNSE}, func(q broker.Quote) {
		second = append(second, q)
	})
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if h1.Key != h2.Key {
		t.Errorf("subscription keys differ: %q vs %q", h1.Key, h2.Key)
	}
	if _, _, subs, _ := a.counts(); subs != 1 {
		t.Fatalf("adapter subscriptions = %d, want 1", subs)
	}

	a.pushQuote(broker.Quote{Symbol: "RELIANCE", Exchange: "NSE", Bid: 2500})
	if len(first) != 1 || len(second) != 1 {
		t.Errorf("fan-out reached %d/%d callbacks, want 1/1", len(first), len(second))
	}
}

func TestRemoveCallbackTearsDownOnlyWhenLastLeaves(t *testing.T) {
	m, a := newTestManager("zerodha")

	h1, _ := m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE}, func(broker.Quote) {})
	h2, _ := m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE}, func(broker.Quote) {})

	m.RemoveCallback(h1)
	if _, _, _, unsubs := a.counts(); unsubs != 0 {
		t.Fatalf("unsubscribed while a callback remained")
	}

	m.RemoveCallback(h2)
	if _, _, _, unsubs := a.counts(); unsubs != 1 {
		t.Fatalf("adapter unsubscribes = %d, want exactly 1", unsubs)
	}

	// The entry is gone: a fresh subscribe creates a new wire subscription.
	if _, err := m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE}, func(broker.Quote) {}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if _, _, subs, _ := a.counts(); subs != 2 {
		t.Errorf("adapter subscriptions = %d, want 2", subs)
	}
}

func TestUnsubscribeQuotesStopsEveryone(t *testing.T) {
	m, a := newTestManager("zerodha")

	delivered := 0
	h, _ := m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE}, func(broker.Quote) { delivered++ })
	m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE}, func(broker.Quote) { delivered++ })

	if err := m.UnsubscribeQuotes(h.Key); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, _, _, unsubs := a.counts(); unsubs != 1 {
		t.Errorf("adapter unsubscribes = %d, want 1", unsubs)
	}

	// A late delivery from the half-closed adapter must be muted.
	a.pushQuote(broker.Quote{Symbol: "RELIANCE"})
	if delivered != 0 {
		t.Errorf("callbacks fired %d times after unsubscribe", delivered)
	}

	if err := m.UnsubscribeQuotes(h.Key); err == nil {
		t.Error("second unsubscribe succeeded, want error for unknown key")
	}
}

func TestSubscribeQuotesAdapterFailureLeavesNoEntry(t *testing.T) {
	m, a := newTestManager("zerodha")
	a.subErr = fmt.Errorf("stream rejected")

	if _, err := m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE}, func(broker.Quote) {}); err == nil {
		t.Fatal("subscribe succeeded despite adapter failure")
	}

	// After the adapter recovers, the same set subscribes cleanly again.
	a.subErr = nil
	if _, err := m.SubscribeQuotes("zerodha", []broker.Symbol{relianceNSE}, func(broker.Quote) {}); err != nil {
		t.Fatalf("resubscribe after recovery: %v", err)
	}
	if _, _, subs, _ := a.counts(); subs != 1 {
		t.Errorf("adapter subscriptions = %d, want 1", subs)
	}
}

func TestSubscribeQuotesUnknownBroker(t *testing.T) {
	m, _ := newTestManager("zerodha")
	_, err := m.SubscribeQuotes("fyers", []broker.Symbol{relianceNSE}, func(broker.Quote) {})
	var ub *UnknownBrokerError
	if !errors.As(err, &ub) {
		t.Fatalf("err = %v, want UnknownBrokerError", err)
	}
}

func TestSubscribeMarketDepthIsPerCall(t *testing.T) {
	m, a := newTestManager("zerodha")
	if err := m.Connect(context.Background(), "zerodha"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var events []broker.Message
	m.On(broker.EventDepthUpdate, func(msg broker.Message) { events = append(events, msg) })

	var direct []broker.Depth
	key, err := m.SubscribeMarketDepth("zerodha", "RELIANCE", "NSE", func(d broker.Depth) {
		direct = append(direct, d)
	})
	if err != nil {
		t.Fatalf("depth subscribe: %v", err)
	}

	a.depthCb(broker.Depth{Symbol: "RELIANCE", Exchange: "NSE"})
	if len(direct) != 1 {
		t.Fatalf("direct callback fired %d times, want 1", len(direct))
	}
	if len(events) != 1 || events[0].Event != broker.EventDepthUpdate {
		t.Fatalf("depth_update events = %d, want 1", len(events))
	}
	if events[0].BrokerID != "zerodha" {
		t.Errorf("depth event brokerId = %q", events[0].BrokerID)
	}

	m.ReleaseMarketDepth(key)
	a.depthCb(broker.Depth{Symbol: "RELIANCE"})
	if len(direct) != 1 {
		t.Errorf("depth callback fired after release")
	}
}
