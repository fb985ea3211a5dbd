package discovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()

	inst1 := Instance{Addr: "10.0.0.1:5060", Weight: 10}
	inst2 := Instance{Addr: "10.0.0.2:5060", Weight: 5}
	if err := reg.Register(ctx, "registrar", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "registrar", inst2, 10); err != nil {
		t.Fatal(err)
	}
	// re-registering the same address replaces it
	inst1.Weight = 20
	if err := reg.Register(ctx, "registrar", inst1, 10); err != nil {
		t.Fatal(err)
	}

	instances, _ := reg.Discover(ctx, "registrar")
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[0].Weight != 20 {
		t.Fatalf("expect replaced weight 20, got %d", instances[0].Weight)
	}

	if err := reg.Deregister(ctx, "registrar", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover(ctx, "registrar")
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s, got %+v", inst2.Addr, instances)
	}
}

func TestStaticRejectsBadAddr(t *testing.T) {
	reg := NewStaticRegistry()
	err := reg.Register(context.Background(), "registrar", Instance{Addr: "no-port"}, 10)
	if !errors.Is(err, ErrBadInstance) {
		t.Fatalf("expect ErrBadInstance, got %v", err)
	}
}

func TestStaticWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStaticRegistry()
	ch := reg.Watch(ctx, "registrar")

	reg.Register(ctx, "registrar", Instance{Addr: "10.0.0.1:5060"}, 10)
	reg.Register(ctx, "registrar", Instance{Addr: "10.0.0.2:5060"}, 10)

	select {
	case got := <-ch:
		// 只保留最新一次快照
		if len(got) != 2 {
			t.Fatalf("expect latest snapshot with 2 instances, got %d", len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expect channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestInstanceHostPort(t *testing.T) {
	host, port, err := Instance{Addr: "[2001:db8::1]:5070"}.HostPort()
	if err != nil {
		t.Fatal(err)
	}
	if host != "2001:db8::1" || port != 5070 {
		t.Fatalf("got %s %d", host, port)
	}
	if _, _, err := (Instance{Addr: "host:abc"}).HostPort(); err == nil {
		t.Fatal("expect error for non-numeric port")
	}
}
