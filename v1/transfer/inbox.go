package transfer

import (
	"context"
	"crypto/tls"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/hashicorp/go-uuid"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

// Inbox request headers.
const (
	headerUserID = "user_id"
	headerKey    = "key"
	headerToken  = "token"
)

type inboxClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type inboxKey struct {
	sender string
	key    string
}

// inbox is the HTTPS endpoint peers push variables to. Received payloads
// stay in memory for the life of the process.
type inbox struct {
	addr   string
	secret []byte
	cert   []byte
	srv    *http.Server
	ln     net.Listener

	mu      sync.RWMutex
	data    map[inboxKey][]byte
	waiters map[inboxKey]chan struct{}
}

// startInbox listens on listenAddr (an OS-assigned port when it has none)
// and advertises https://{publicAddr}:{port}.
func startInbox(publicAddr, listenAddr string) (*inbox, error) {
	secret, err := uuid.GenerateRandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("inbox secret: %w", err)
	}
	cert, der, err := generateCert()
	if err != nil {
		return nil, err
	}
	if listenAddr == "" {
		listenAddr = ":0"
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("inbox listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ib := &inbox{
		addr:    "https://" + net.JoinHostPort(publicAddr, strconv.Itoa(port)),
		secret:  secret,
		cert:    der,
		ln:      ln,
		data:    make(map[inboxKey][]byte),
		waiters: make(map[inboxKey]chan struct{}),
	}
	ib.srv = &http.Server{Handler: ib, ReadHeaderTimeout: 10 * time.Second}
	tlsLn := tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	go func() {
		if err := ib.srv.Serve(tlsLn); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			slog.Error("colink: inbox server stopped", "addr", ib.addr, "error", err)
		}
	}()
	return ib, nil
}

// token issues the capability a sender presents when pushing to this inbox.
// Tokens carry no expiry.
func (ib *inbox) token(sender string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, inboxClaims{UserID: sender}).SignedString(ib.secret)
}

// verify checks the signature and the sender only. Tokens never expire.
func (ib *inbox) verify(token, sender string) error {
	var claims inboxClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return ib.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return fmt.Errorf("%w: %v", colinkerrors.ErrUnauthorized, err)
	}
	if claims.UserID != sender {
		return colinkerrors.ErrUnauthorized
	}
	return nil
}

func (ib *inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sender := r.Header.Get(headerUserID)
	key := r.Header.Get(headerKey)
	token := r.Header.Get(headerToken)
	if sender == "" || key == "" || token == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := ib.verify(token, sender); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ib.put(inboxKey{sender: sender, key: key}, body)
	w.WriteHeader(http.StatusOK)
}

func (ib *inbox) put(k inboxKey, payload []byte) {
	ib.mu.Lock()
	ib.data[k] = payload
	ch := ib.waiters[k]
	delete(ib.waiters, k)
	ib.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// wait returns the payload pushed for k, blocking until it arrives.
// Checking and registering happen under one lock, so a push between the
// two cannot be missed.
func (ib *inbox) wait(ctx context.Context, k inboxKey) ([]byte, error) {
	ib.mu.Lock()
	if v, ok := ib.data[k]; ok {
		ib.mu.Unlock()
		return v, nil
	}
	ch, ok := ib.waiters[k]
	if !ok {
		ch = make(chan struct{})
		ib.waiters[k] = ch
	}
	ib.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ib.mu.RLock()
	v, ok := ib.data[k]
	ib.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fail to retrieve data from the inbox: %w", colinkerrors.ErrNotFound)
	}
	return v, nil
}

func (ib *inbox) close(ctx context.Context) error {
	return ib.srv.Shutdown(ctx)
}
