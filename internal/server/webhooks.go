package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"streampay/internal/adapter"
	"streampay/internal/domain"
	"streampay/internal/engine"
	"streampay/internal/repo"
)

const defaultQueueSize = 256

// Processor drains normalized webhook events off an in-memory queue and
// runs them through the coordinator, one at a time. Queued events are
// lost on process exit; platforms redeliver on non-2xx, so a full queue
// answers 503 rather than accepting work it may drop.
type Processor struct {
	engine engine.Engine
	logger *log.Logger
	queue  chan domain.CanonicalEvent

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newProcessor(e engine.Engine, size int) *Processor {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Processor{
		engine: e,
		logger: log.Default(),
		queue:  make(chan domain.CanonicalEvent, size),
		done:   make(chan struct{}),
	}
}

func (p *Processor) Start() {
	go p.run()
}

func (p *Processor) run() {
	defer close(p.done)
	for ev := range p.queue {
		out, err := p.engine.HandleEvent(context.Background(), ev)
		if err != nil {
			p.logger.Printf("webhook event failed: platform=%s external_id=%s task=%s detail=%s err=%v",
				ev.Platform, ev.ExternalID, ev.TaskID, out.Detail, err)
			continue
		}
		p.logger.Printf("webhook event %s: platform=%s external_id=%s task=%s detail=%s",
			out.Status, ev.Platform, ev.ExternalID, ev.TaskID, out.Detail)
	}
}

// Enqueue reports false when the queue is full.
func (p *Processor) Enqueue(ev domain.CanonicalEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- ev:
		return true
	default:
		return false
	}
}

// Close stops intake and waits for in-flight events to drain.
func (p *Processor) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func registerWebhooks(router chi.Router, basePath string, e engine.Engine, proc *Processor) {
	router.Post(path.Join(basePath, "webhooks", "{platform}"), func(w http.ResponseWriter, r *http.Request) {
		platform := chi.URLParam(r, "platform")
		ad, err := adapter.ForPlatform(platform)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "unsupported_platform", err.Error(), nil))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}

		ev, err := ad.Normalize(r.Header.Get("X-GitHub-Event"), body)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_payload", err.Error(), nil))
			return
		}

		// Verify the delivery against the connection's shared secret when
		// one is bound. Unknown identities are acked so platforms stop
		// retrying traffic we will never match.
		conn, err := e.Repo.GetConnection(r.Context(), ev.Platform, ev.ExternalID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case errors.Is(err, repo.ErrAmbiguousConnection):
			respondStatusError(w, newAPIError(http.StatusConflict, "ambiguous_connection", err.Error(), nil))
			return
		case err != nil:
			respondStatusError(w, handleError(err))
			return
		default:
			if conn.WebhookSecret != "" && !verifySignature(r, body, conn.WebhookSecret) {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook signature mismatch", nil))
				return
			}
		}

		if !proc.Enqueue(ev) {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "queue_full", "event queue full, retry later", nil))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	})
}

// verifySignature checks an HMAC-SHA256 hex digest of the raw body. It
// accepts the GitHub header form ("sha256=<hex>") and a bare digest in
// X-StreamPay-Signature for platforms without a native scheme.
func verifySignature(r *http.Request, body []byte, secret string) bool {
	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = r.Header.Get("X-StreamPay-Signature")
	}
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(sig)))
}
