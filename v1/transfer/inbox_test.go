package transfer

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestInbox(t *testing.T) *inbox {
	t.Helper()
	ib, err := startInbox("127.0.0.1", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start inbox: %v", err)
	}
	t.Cleanup(func() { _ = ib.close(context.Background()) })
	return ib
}

func post(t *testing.T, ib *inbox, headers map[string]string, body []byte) int {
	t.Helper()
	client, err := pinnedClient(ib.cert)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ib.addr, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestInboxStatusCodes(t *testing.T) {
	ib := newTestInbox(t)
	good, err := ib.token("alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	other := newTestInbox(t)
	foreign, _ := other.token("alice")

	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing token", map[string]string{"user_id": "alice", "key": "k"}, http.StatusBadRequest},
		{"missing key", map[string]string{"user_id": "alice", "token": good}, http.StatusBadRequest},
		{"foreign secret", map[string]string{"user_id": "alice", "key": "k", "token": foreign}, http.StatusUnauthorized},
		{"user mismatch", map[string]string{"user_id": "mallory", "key": "k", "token": good}, http.StatusUnauthorized},
		{"ok", map[string]string{"user_id": "alice", "key": "k", "token": good}, http.StatusOK},
	}
	for _, c := range cases {
		if got := post(t, ib, c.headers, []byte("v")); got != c.want {
			t.Fatalf("%s: expected %d, got %d", c.name, c.want, got)
		}
	}
	got, err := ib.wait(context.Background(), inboxKey{sender: "alice", key: "k"})
	if err != nil || string(got) != "v" {
		t.Fatalf("wait: %q %v", got, err)
	}
}

func TestInboxWaitBeforePush(t *testing.T) {
	ib := newTestInbox(t)
	token, _ := ib.token("alice")
	payload := bytes.Repeat([]byte{7}, 1<<20)
	done := make(chan []byte, 1)
	go func() {
		p, err := ib.wait(context.Background(), inboxKey{sender: "alice", key: "t:x"})
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- p
	}()
	time.Sleep(50 * time.Millisecond)
	if got := post(t, ib, map[string]string{"user_id": "alice", "key": "t:x", "token": token}, payload); got != http.StatusOK {
		t.Fatalf("post: %d", got)
	}
	select {
	case p := <-done:
		if !bytes.Equal(p, payload) {
			t.Fatalf("payload mismatch")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestInboxWaitHonorsContext(t *testing.T) {
	ib := newTestInbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ib.wait(ctx, inboxKey{sender: "a", key: "k"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPinnedClientRejectsOtherCert(t *testing.T) {
	ib := newTestInbox(t)
	other := newTestInbox(t)
	client, err := pinnedClient(other.cert)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, ib.addr, nil)
	if resp, err := client.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("expected TLS verification failure")
	}
}

func TestInboxTokensDoNotExpire(t *testing.T) {
	ib := newTestInbox(t)
	// Tokens stay valid for the life of the inbox; expiry claims are ignored.
	old := time.Now().Add(-48 * time.Hour)
	claims := inboxClaims{UserID: "alice", RegisteredClaims: jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(old),
		ExpiresAt: jwt.NewNumericDate(old.Add(time.Hour)),
	}}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ib.secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	plain, err := ib.token("alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	for name, tok := range map[string]string{"expired": expired, "no exp": plain} {
		if got := post(t, ib, map[string]string{"user_id": "alice", "key": name, "token": tok}, []byte("v")); got != http.StatusOK {
			t.Fatalf("%s token: expected 200, got %d", name, got)
		}
	}
}
