// Package transfer moves task-scoped variables between participants.
//
// A variable goes directly to the receiver's HTTPS inbox when the receiver
// advertised one, and through the relay (remote storage in the receiver's
// namespace) otherwise. Receivers accept from whichever path delivers first.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/metrics"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/watch"
)

var tracer = otel.Tracer("github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/transfer")

// descriptorKey is the relay key receivers publish their inbox under.
const descriptorKey = "_variable_transfer:inbox"

// Descriptor tells a sender how to reach a receiver's inbox. An empty Addr
// means the receiver only accepts relayed variables.
type Descriptor struct {
	Addr    string `json:"addr"`
	Token   string `json:"token"`
	TLSCert []byte `json:"tls_cert"`
}

type peer struct {
	desc   Descriptor
	client *http.Client
}

// Option configures a Transfer.
type Option func(*Transfer)

// WithPublicAddr enables the direct path. Peers reach the inbox at
// https://{addr}:{port}.
func WithPublicAddr(addr string) Option {
	return func(t *Transfer) { t.publicAddr = addr }
}

// WithListenAddr sets the local address the inbox binds. The default is an
// OS-assigned port on every interface.
func WithListenAddr(addr string) Option {
	return func(t *Transfer) { t.listenAddr = addr }
}

// Transfer holds the process-wide state of variable transfer: the local
// inbox, the senders it has been advertised to and the inboxes of peers.
type Transfer struct {
	svc        core.Service
	publicAddr string
	listenAddr string

	group singleflight.Group
	peers *ristretto.Cache

	mu         sync.Mutex
	inbox      *inbox
	advertised map[string]bool
}

// New returns a Transfer acting as svc's user.
func New(svc core.Service, opts ...Option) (*Transfer, error) {
	peers, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("peer cache: %w", err)
	}
	t := &Transfer{svc: svc, peers: peers, advertised: make(map[string]bool)}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Close stops the inbox server if one was started.
func (t *Transfer) Close(ctx context.Context) error {
	t.mu.Lock()
	ib := t.inbox
	t.mu.Unlock()
	t.peers.Close()
	if ib == nil {
		return nil
	}
	return ib.close(ctx)
}

func scopedKey(taskID, key string) string { return taskID + ":" + key }

// Send delivers payload to every receiver under key. Each receiver is tried
// on the direct path first; receivers that cannot be reached directly get
// the variable through one relay task.
func (t *Transfer) Send(ctx context.Context, taskID, key string, payload []byte, receivers []core.Participant) error {
	if taskID == "" {
		return colinkerrors.ErrNoTask
	}
	ctx, span := tracer.Start(ctx, "Transfer.Send", trace.WithAttributes(
		attribute.String("colink.task_id", taskID),
		attribute.String("colink.variable", key),
		attribute.Int("colink.receivers", len(receivers)),
	))
	defer span.End()

	me := t.svc.UserID()
	var (
		mu       sync.Mutex
		fallback []core.Participant
		local    []core.Participant
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range receivers {
		r := r
		if r.UserID == me {
			local = append(local, r)
			continue
		}
		g.Go(func() error {
			err := t.sendDirect(gctx, scopedKey(taskID, key), payload, r.UserID)
			if err == nil {
				metrics.TransferCounter.WithLabelValues("send", "direct").Inc()
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !stdErrors.Is(err, colinkerrors.ErrUnavailable) {
				slog.Debug("colink: direct send failed, using relay", "receiver", r.UserID, "key", key, "error", err)
			}
			mu.Lock()
			fallback = append(fallback, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return err
	}
	fallback = append(fallback, local...)
	if len(fallback) == 0 {
		return nil
	}
	if err := t.SendRelay(ctx, taskID, key, payload, fallback); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Receive returns the variable key sent by sender in taskID.
func (t *Transfer) Receive(ctx context.Context, taskID, key string, sender core.Participant) ([]byte, error) {
	if taskID == "" {
		return nil, colinkerrors.ErrNoTask
	}
	ctx, span := tracer.Start(ctx, "Transfer.Receive", trace.WithAttributes(
		attribute.String("colink.task_id", taskID),
		attribute.String("colink.variable", key),
		attribute.String("colink.sender", sender.UserID),
	))
	defer span.End()

	if sender.UserID == t.svc.UserID() {
		return t.receiveRelay(ctx, taskID, key, sender)
	}
	ib, err := t.advertise(ctx, sender.UserID)
	if err != nil {
		if !stdErrors.Is(err, colinkerrors.ErrUnavailable) {
			slog.Debug("colink: inbox unavailable, using relay", "sender", sender.UserID, "error", err)
		}
		return t.receiveRelay(ctx, taskID, key, sender)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type result struct {
		payload []byte
		path    string
		err     error
	}
	results := make(chan result, 2)
	go func() {
		p, err := ib.wait(ctx, inboxKey{sender: sender.UserID, key: scopedKey(taskID, key)})
		results <- result{p, "direct", err}
	}()
	go func() {
		p, err := ReceiveRelay(ctx, t.svc, taskID, key, sender.UserID)
		results <- result{p, "relay", err}
	}()
	first := <-results
	if first.err == nil {
		metrics.TransferCounter.WithLabelValues("receive", first.path).Inc()
		return first.payload, nil
	}
	second := <-results
	if second.err == nil {
		metrics.TransferCounter.WithLabelValues("receive", second.path).Inc()
		return second.payload, nil
	}
	span.RecordError(first.err)
	return nil, first.err
}

func (t *Transfer) receiveRelay(ctx context.Context, taskID, key string, sender core.Participant) ([]byte, error) {
	p, err := ReceiveRelay(ctx, t.svc, taskID, key, sender.UserID)
	if err != nil {
		return nil, err
	}
	metrics.TransferCounter.WithLabelValues("receive", "relay").Inc()
	return p, nil
}

// SendRelay delivers payload to receivers through remote storage only.
func (t *Transfer) SendRelay(ctx context.Context, taskID, key string, payload []byte, receivers []core.Participant) error {
	if taskID == "" {
		return colinkerrors.ErrNoTask
	}
	if err := SendRelay(ctx, t.svc, taskID, key, payload, receivers); err != nil {
		return err
	}
	metrics.TransferCounter.WithLabelValues("send", "relay").Add(float64(len(receivers)))
	return nil
}

// ReceiveRelay waits for a relayed variable only.
func (t *Transfer) ReceiveRelay(ctx context.Context, taskID, key string, sender core.Participant) ([]byte, error) {
	if taskID == "" {
		return nil, colinkerrors.ErrNoTask
	}
	return t.receiveRelay(ctx, taskID, key, sender)
}

// startInbox lazily starts the local inbox. It returns ErrUnavailable when
// no public address is configured.
func (t *Transfer) startInbox() (*inbox, error) {
	if t.publicAddr == "" {
		return nil, colinkerrors.ErrUnavailable
	}
	v, err, _ := t.group.Do("inbox", func() (any, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.inbox != nil {
			return t.inbox, nil
		}
		ib, err := startInbox(t.publicAddr, t.listenAddr)
		if err != nil {
			return nil, err
		}
		slog.Info("colink: inbox listening", "addr", ib.addr)
		t.inbox = ib
		return ib, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*inbox), nil
}

// advertise publishes this user's inbox descriptor to sender once per
// process. Without a public address an empty descriptor is published so
// the sender stops waiting for one, and ErrUnavailable is returned.
func (t *Transfer) advertise(ctx context.Context, sender string) (*inbox, error) {
	ib, inboxErr := t.startInbox()
	if inboxErr != nil && !stdErrors.Is(inboxErr, colinkerrors.ErrUnavailable) {
		slog.Warn("colink: inbox failed to start", "error", inboxErr)
	}
	_, err, _ := t.group.Do("advertise:"+sender, func() (any, error) {
		t.mu.Lock()
		done := t.advertised[sender]
		t.mu.Unlock()
		if done {
			return nil, nil
		}
		var desc Descriptor
		if ib != nil {
			token, err := ib.token(sender)
			if err != nil {
				return nil, err
			}
			desc = Descriptor{Addr: ib.addr, Token: token, TLSCert: ib.cert}
		}
		payload, err := json.Marshal(desc)
		if err != nil {
			return nil, err
		}
		if err := publishDescriptor(ctx, t.svc, sender, payload); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.advertised[sender] = true
		t.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if ib == nil {
		return nil, colinkerrors.ErrUnavailable
	}
	return ib, nil
}

// peer returns the cached inbox of receiver, waiting for the receiver to
// publish one on first use. A nil peer means relay only.
func (t *Transfer) peer(ctx context.Context, receiver string) (*peer, error) {
	if v, ok := t.peers.Get(receiver); ok {
		return v.(*peer), nil
	}
	v, err, _ := t.group.Do("peer:"+receiver, func() (any, error) {
		raw, err := watch.WaitFor(ctx, t.svc, core.RemoteStorageKey(receiver, descriptorKey, false))
		if err != nil {
			return nil, err
		}
		var desc Descriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return nil, fmt.Errorf("inbox descriptor of %s: %w", receiver, err)
		}
		var p *peer
		if desc.Addr != "" {
			client, err := pinnedClient(desc.TLSCert)
			if err != nil {
				return nil, err
			}
			p = &peer{desc: desc, client: client}
		}
		t.peers.Set(receiver, p, 1)
		t.peers.Wait()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*peer), nil
}

func (t *Transfer) sendDirect(ctx context.Context, key string, payload []byte, receiver string) error {
	p, err := t.peer(ctx, receiver)
	if err != nil {
		return err
	}
	if p == nil {
		return colinkerrors.ErrUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.desc.Addr, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set(headerUserID, t.svc.UserID())
	req.Header.Set(headerKey, key)
	req.Header.Set(headerToken, p.desc.Token)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return colinkerrors.ErrBadRequest
	case http.StatusUnauthorized:
		return colinkerrors.ErrUnauthorized
	default:
		return fmt.Errorf("inbox of %s: unexpected status %d", receiver, resp.StatusCode)
	}
}
