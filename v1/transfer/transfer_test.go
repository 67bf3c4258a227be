package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
)

func newUsers(t *testing.T) (*core.Redis, *core.Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	alice := core.NewRedis(client, "alice")
	return alice, alice.AsUser("bob")
}

func newTransfer(t *testing.T, svc core.Service, opts ...Option) *Transfer {
	t.Helper()
	tr, err := New(svc, opts...)
	if err != nil {
		t.Fatalf("new transfer: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestDirectTransferExactBytes(t *testing.T) {
	aliceSvc, bobSvc := newUsers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alice := newTransfer(t, aliceSvc)
	bob := newTransfer(t, bobSvc, WithPublicAddr("127.0.0.1"), WithListenAddr("127.0.0.1:0"))

	// Stand in for bob's advertisement landing in alice's namespace.
	ib, err := bob.startInbox()
	if err != nil {
		t.Fatalf("start inbox: %v", err)
	}
	token, _ := ib.token("alice")
	desc, _ := json.Marshal(Descriptor{Addr: ib.addr, Token: token, TLSCert: ib.cert})
	if _, err := aliceSvc.CreateEntry(ctx, core.RemoteStorageKey("bob", descriptorKey, false), desc); err != nil {
		t.Fatalf("descriptor: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5a, 0x00}, 3<<19)
	if err := alice.Send(ctx, "t1", "output", payload, []core.Participant{{UserID: "bob", Role: "receiver"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := bob.Receive(ctx, "t1", "output", core.Participant{UserID: "alice", Role: "sender"})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %d bytes", len(got))
	}
	// Nothing went through the relay.
	if _, err := bobSvc.ReadEntry(ctx, core.RemoteStorageKey("alice", RelayKeyName("t1", "output"), false)); err == nil {
		t.Fatal("unexpected relayed copy")
	}
}

func TestSendFallsBackToRelay(t *testing.T) {
	aliceSvc, bobSvc := newUsers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alice := newTransfer(t, aliceSvc)

	desc, _ := json.Marshal(Descriptor{})
	if _, err := aliceSvc.CreateEntry(ctx, core.RemoteStorageKey("bob", descriptorKey, false), desc); err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if err := alice.Send(ctx, "t1", "x", []byte("v"), []core.Participant{{UserID: "bob", Role: "receiver"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	outstanding, err := bobSvc.ReadKeys(ctx, core.OutstandingPrefix(core.RemoteStorageCreate, core.RoleProvider), false)
	if err != nil || len(outstanding) != 1 {
		t.Fatalf("expected one relay task for bob, got %+v %v", outstanding, err)
	}
}

func TestSelfTransferUsesLocalRelay(t *testing.T) {
	aliceSvc, _ := newUsers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice := newTransfer(t, aliceSvc, WithPublicAddr("127.0.0.1"))
	me := core.Participant{UserID: "alice", Role: "both"}

	done := make(chan []byte, 1)
	go func() {
		p, err := alice.Receive(ctx, "t1", "self", me)
		if err != nil {
			t.Errorf("receive: %v", err)
		}
		done <- p
	}()
	if err := alice.Send(ctx, "t1", "self", []byte("mine"), []core.Participant{me}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := <-done; string(got) != "mine" {
		t.Fatalf("got %q", got)
	}
}

func TestTransferRequiresTask(t *testing.T) {
	aliceSvc, _ := newUsers(t)
	alice := newTransfer(t, aliceSvc)
	if err := alice.Send(context.Background(), "", "x", nil, nil); err == nil {
		t.Fatal("expected error without task")
	}
	if _, err := alice.Receive(context.Background(), "", "x", core.Participant{UserID: "bob"}); err == nil {
		t.Fatal("expected error without task")
	}
}

func TestRelayFallbackKeepsEveryReceiver(t *testing.T) {
	aliceSvc, _ := newUsers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	alice := newTransfer(t, aliceSvc)

	peers := []string{"bob", "carol", "dave"}
	desc, _ := json.Marshal(Descriptor{})
	for _, p := range peers {
		if _, err := aliceSvc.CreateEntry(ctx, core.RemoteStorageKey(p, descriptorKey, false), desc); err != nil {
			t.Fatalf("descriptor %s: %v", p, err)
		}
	}
	receivers := []core.Participant{
		{UserID: "bob", Role: "r"},
		{UserID: "carol", Role: "r"},
		{UserID: "dave", Role: "r"},
		{UserID: "alice", Role: "r"},
	}

	const rounds = 20
	for i := 0; i < rounds; i++ {
		taskID := "t" + strconv.Itoa(i)
		if err := alice.Send(ctx, taskID, "x", []byte("v"), receivers); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		local, err := aliceSvc.ReadEntry(ctx, core.RemoteStorageKey("alice", RelayKeyName(taskID, "x"), false))
		if err != nil || string(local) != "v" {
			t.Fatalf("local relay copy %d: %q %v", i, local, err)
		}
	}
	for _, p := range peers {
		outstanding, err := aliceSvc.AsUser(p).ReadKeys(ctx, core.OutstandingPrefix(core.RemoteStorageCreate, core.RoleProvider), false)
		if err != nil {
			t.Fatalf("outstanding %s: %v", p, err)
		}
		if len(outstanding) != rounds {
			t.Fatalf("expected %d relay tasks for %s, got %d", rounds, p, len(outstanding))
		}
	}
}
