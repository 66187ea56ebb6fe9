package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	defaultNotifyInterval  = 10 * time.Second
	defaultNotifyBatch     = 20
	maxNotifyAttempts      = 5
)

// StartDispatchers launches the background delivery loops: the notification
// queue drainer and the event webhook fanout. Both no-op when the config
// carries no sink or webhook URLs.
func StartDispatchers(e engine.Engine) {
	startNotificationDispatcher(e)
	startWebhookDispatcher(e)
}

// notificationDispatcher drains queued notifications rows to the configured
// sink URL. Failures are marked and requeued once per tick until the attempt
// cap; the engines never retry deliveries themselves.
type notificationDispatcher struct {
	engine   engine.Engine
	sink     string
	client   *http.Client
	interval time.Duration
}

func startNotificationDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	sink := strings.TrimSpace(e.Config.Notifications.Webhook)
	if sink == "" {
		return
	}
	interval := defaultNotifyInterval
	if e.Config.Sweep.NotifyIntervalSeconds > 0 {
		interval = time.Duration(e.Config.Sweep.NotifyIntervalSeconds) * time.Second
	}
	d := &notificationDispatcher{
		engine:   e,
		sink:     sink,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: interval,
	}
	go d.run()
}

func (d *notificationDispatcher) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.deliverQueued()
		<-ticker.C
	}
}

func (d *notificationDispatcher) deliverQueued() {
	ctx := context.Background()
	queued, err := d.engine.Repo.ListQueuedNotifications(ctx, defaultNotifyBatch)
	if err != nil {
		log.Printf("notify: fetch queue failed: %v", err)
		return
	}
	for _, n := range queued {
		if err := d.post(ctx, n); err != nil {
			log.Printf("notify: deliver %s (%s) failed: %v", n.ID, n.TemplateKey, err)
			if markErr := d.engine.Repo.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
				log.Printf("notify: mark failed %s: %v", n.ID, markErr)
				continue
			}
			// One redelivery per tick until the cap.
			if n.Attempts+1 < maxNotifyAttempts {
				if reqErr := d.engine.Repo.RequeueNotification(ctx, n.ID); reqErr != nil {
					log.Printf("notify: requeue %s: %v", n.ID, reqErr)
				}
			}
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := d.engine.Repo.MarkNotificationSent(ctx, n.ID, now); err != nil {
			log.Printf("notify: mark sent %s: %v", n.ID, err)
		}
	}
}

type notificationDelivery struct {
	ID             string          `json:"id"`
	CycleID        string          `json:"cycle_id"`
	ReportID       string          `json:"report_id,omitempty"`
	RecipientRole  string          `json:"recipient_role,omitempty"`
	RecipientActor string          `json:"recipient_actor,omitempty"`
	TemplateKey    string          `json:"template_key"`
	Context        json.RawMessage `json:"context"`
	Attempt        int             `json:"attempt"`
	CreatedAt      string          `json:"created_at"`
}

func (d *notificationDispatcher) post(ctx context.Context, n domain.Notification) error {
	contextJSON := json.RawMessage([]byte("{}"))
	if n.ContextJSON != "" && json.Valid([]byte(n.ContextJSON)) {
		contextJSON = json.RawMessage([]byte(n.ContextJSON))
	}
	body := notificationDelivery{
		ID:             n.ID,
		CycleID:        n.CycleID,
		ReportID:       n.ReportID,
		RecipientRole:  n.RecipientRole,
		RecipientActor: n.RecipientActor,
		TemplateKey:    n.TemplateKey,
		Context:        contextJSON,
		Attempt:        n.Attempts + 1,
		CreatedAt:      n.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.sink, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Regline-Notification", n.TemplateKey)
	req.Header.Set("X-Regline-Cycle", n.CycleID)
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// webhookDispatcher fans the event log out to subscribed endpoints, one
// cursor per hook so a slow endpoint never loses events.
type webhookDispatcher struct {
	engine   engine.Engine
	cycle    string
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifications.Webhooks) == 0 {
		return
	}
	cycleID := e.Config.Cycle.ID
	if strings.TrimSpace(cycleID) == "" {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		cycle:    cycleID,
		webhooks: e.Config.Notifications.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.cycle, "")
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	ctx := context.Background()
	cur, err := d.engine.Repo.LatestEventID(ctx, d.cycle)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CycleID    string          `json:"cycle_id"`
	ReportID   string          `json:"report_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		CycleID:    evt.CycleID,
		ReportID:   evt.ReportID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Regline-Event", evt.Type)
	req.Header.Set("X-Regline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Regline-Cycle", d.cycle)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Regline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
