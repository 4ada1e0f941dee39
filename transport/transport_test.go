package transport

import (
	"testing"

	"artio/proxy"
)

func TestEndpointOfferBackPressureThenDisconnected(t *testing.T) {
	r := NewRegistry()
	ep, created := r.LoadOrCreate("SELLSIDE|BUYSIDE", 1)
	if !created {
		t.Fatalf("expected a new endpoint to be created")
	}

	if status := ep.Offer([]byte("first")); status != proxy.OK {
		t.Fatalf("first Offer = %s, want OK", status)
	}
	if status := ep.Offer([]byte("second")); status != proxy.BackPressure {
		t.Fatalf("second Offer on a full queue = %s, want BACK_PRESSURE", status)
	}

	<-ep.Outbound() // drain the first frame
	if status := ep.Offer([]byte("third")); status != proxy.OK {
		t.Fatalf("Offer after drain = %s, want OK", status)
	}

	ep.Disconnect()
	if status := ep.Offer([]byte("fourth")); status != proxy.Disconnected {
		t.Fatalf("Offer after Disconnect = %s, want DISCONNECTED", status)
	}
	// Second Disconnect must not panic (close on an already-closed channel).
	ep.Disconnect()
}

func TestRegistryLoadOrCreateReusesExistingEndpoint(t *testing.T) {
	r := NewRegistry()
	first, created := r.LoadOrCreate("A|B", 0)
	if !created {
		t.Fatalf("expected first LoadOrCreate to create")
	}
	second, created := r.LoadOrCreate("A|B", 0)
	if created {
		t.Fatalf("expected second LoadOrCreate to reuse the existing endpoint")
	}
	if first != second {
		t.Fatalf("LoadOrCreate returned two different endpoints for the same key")
	}
}

func TestRegistryRemovesOnDisconnect(t *testing.T) {
	r := NewRegistry()
	ep, _ := r.LoadOrCreate("A|B", 4)
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1 before disconnect", r.Count())
	}
	ep.Disconnect()
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0 after disconnect", r.Count())
	}
	if _, ok := r.Lookup("A|B"); ok {
		t.Fatalf("expected Lookup to fail after disconnect")
	}
}

func TestEndpointPublishInboundDropsWhenFull(t *testing.T) {
	ep := newEndpoint("A|B", 1, nil)
	if !ep.PublishInbound([]byte("one")) {
		t.Fatalf("expected first PublishInbound to succeed")
	}
	if ep.PublishInbound([]byte("two")) {
		t.Fatalf("expected second PublishInbound to be dropped (queue full)")
	}
	if got := <-ep.Inbound(); string(got) != "one" {
		t.Fatalf("Inbound() = %q, want %q", got, "one")
	}
}
