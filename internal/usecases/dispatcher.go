package usecases

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
	"bulkmailer/internal/repository"
)

const (
	maxRecipientsPerBatch = 10000
	maxSubjectLength      = 998
	maxBodyLength         = 512 * 1024
	historySize           = 50
	scheduleCheckInterval = time.Minute
)

type DispatcherSettings struct {
	BatchSize           int           `json:"batch_size"`
	DelayBetweenEmails  time.Duration `json:"delay_between_emails"`
	DelayBetweenBatches time.Duration `json:"delay_between_batches"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	Cooldown            time.Duration `json:"cooldown"` // wait after a denial before re-evaluating
	MinIdle             time.Duration `json:"min_idle"` // floor for every idle wait
	SendTimeout         time.Duration `json:"send_timeout"`
	RateLimitPerHour    int           `json:"rate_limit_per_hour"` // 0 disables
	RateLimitPerDay     int           `json:"rate_limit_per_day"`  // 0 disables
	LockOnUserLimit     bool          `json:"lock_on_user_limit"`
}

func DefaultDispatcherSettings() DispatcherSettings {
	return DispatcherSettings{
		BatchSize:           10,
		DelayBetweenEmails:  time.Second,
		DelayBetweenBatches: 5 * time.Second,
		MaxRetries:          3,
		RetryDelay:          2 * time.Second,
		Cooldown:            time.Minute,
		MinIdle:             time.Second,
		SendTimeout:         30 * time.Second,
		RateLimitPerHour:    100,
		RateLimitPerDay:     1000,
		LockOnUserLimit:     true,
	}
}

func (s DispatcherSettings) normalized() DispatcherSettings {
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.MaxRetries < 1 {
		s.MaxRetries = 1
	}
	if s.MinIdle <= 0 {
		s.MinIdle = 10 * time.Millisecond
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = 30 * time.Second
	}
	return s
}

type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type EnqueueRequest struct {
	Recipients []Recipient `json:"recipients"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	IsHTML     bool        `json:"is_html"`
	Campaign   string      `json:"campaign"`
	Template   string      `json:"template"`
	Priority   int         `json:"priority"`
	// ScheduledAt holds the batch back until the given time.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// QueueExport is the portable form of the queue.
type QueueExport struct {
	Batches    []entities.Batch   `json:"queue"`
	Stats      entities.Stats     `json:"stats"`
	Settings   DispatcherSettings `json:"settings"`
	ExportedAt time.Time          `json:"exported_at"`
}

// Dispatcher drains batches FIFO through the safety gate.
type Dispatcher struct {
	mu        sync.RWMutex
	batches   []*entities.Batch
	history   []entities.Batch
	current   string
	totals    entities.Stats
	global    entities.UsageWindow
	globalRes int

	running   bool
	paused    bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt *time.Time
	processed int

	settings  DispatcherSettings
	gate      *SafetyGate
	pool      *AccountPool
	quota     *UserQuota
	transport interfaces.Transport
	tracker   *QuotaTracker
	repo      *repository.QueueRepository
	usage     *repository.UsageRepository
	log       *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type DispatcherDeps struct {
	Gate      *SafetyGate
	Pool      *AccountPool
	Quota     *UserQuota
	Transport interfaces.Transport
	Tracker   *QuotaTracker
	Queue     *repository.QueueRepository // optional
	Usage     *repository.UsageRepository // optional
	Log       *zap.Logger
	Now       func() time.Time
}

func NewDispatcher(ctx context.Context, deps DispatcherDeps, settings DispatcherSettings) *Dispatcher {
	d := &Dispatcher{
		settings:  settings.normalized(),
		gate:      deps.Gate,
		pool:      deps.Pool,
		quota:     deps.Quota,
		transport: deps.Transport,
		tracker:   deps.Tracker,
		repo:      deps.Queue,
		usage:     deps.Usage,
		log:       deps.Log,
		now:       deps.Now,
		sleep:     sleepCtx,
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.tracker == nil {
		d.tracker = NewQuotaTracker(nil)
	}
	if d.repo != nil {
		snap := d.repo.Load(ctx)
		for i := range snap.Batches {
			b := snap.Batches[i]
			d.batches = append(d.batches, &b)
		}
		d.totals = snap.Totals
		d.global = snap.Global
	}
	if d.global.LastResetDate == "" {
		d.tracker.Stamp(&d.global, d.now())
	}
	return d
}

// Enqueue validates and queues a batch for ownerID.
func (d *Dispatcher) Enqueue(ctx context.Context, ownerID string, req EnqueueRequest) (string, error) {
	owner, ok := d.quota.Get(ownerID)
	if !ok {
		return "", entities.ErrNotFound
	}
	if !owner.HasPermission(entities.PermSendEmails) {
		return "", entities.ErrForbidden
	}
	items, err := buildItems(req)
	if err != nil {
		return "", err
	}

	b := &entities.Batch{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Campaign:  strings.TrimSpace(req.Campaign),
		Template:  strings.TrimSpace(req.Template),
		Priority:    req.Priority,
		IsHTML:      req.IsHTML,
		Status:      entities.BatchQueued,
		Items:       items,
		CreatedAt:   d.now(),
		ScheduledAt: req.ScheduledAt,
	}

	d.mu.Lock()
	d.batches = append(d.batches, b)
	d.persistLocked(ctx)
	d.mu.Unlock()

	fields := []zap.Field{zap.String("batch_id", b.ID), zap.String("owner_id", ownerID), zap.Int("items", len(items))}
	if b.ScheduledAt != nil {
		fields = append(fields, zap.Time("scheduled_at", *b.ScheduledAt))
	}
	d.log.Info("batch enqueued", fields...)
	return b.ID, nil
}

// Import appends the pending items of an exported queue as new batches owned
// by ownerID. Sent and failed items are left behind; nothing is imported when
// any item is invalid.
func (d *Dispatcher) Import(ctx context.Context, ownerID string, in QueueExport) (int, error) {
	owner, ok := d.quota.Get(ownerID)
	if !ok {
		return 0, entities.ErrNotFound
	}
	if !owner.HasPermission(entities.PermSendEmails) {
		return 0, entities.ErrForbidden
	}

	now := d.now()
	verr := &entities.ValidationError{}
	var batches []*entities.Batch
	for _, src := range in.Batches {
		var items []entities.Item
		for _, it := range src.Items {
			if it.Terminal() {
				continue
			}
			addr, err := mail.ParseAddress(strings.TrimSpace(it.Recipient))
			switch {
			case err != nil:
				verr.Add("queue", "invalid address: "+it.Recipient)
			case strings.TrimSpace(it.Subject) == "" || strings.TrimSpace(it.Body) == "":
				verr.Add("queue", "item without subject or body for "+it.Recipient)
			}
			if err != nil {
				continue
			}
			items = append(items, entities.Item{
				ID:        uuid.NewString(),
				Recipient: addr.Address,
				Name:      it.Name,
				Subject:   it.Subject,
				Body:      it.Body,
				Status:    entities.ItemQueued,
				Retry:     entities.Pending(),
			})
		}
		if len(items) == 0 {
			continue
		}
		batches = append(batches, &entities.Batch{
			ID:          uuid.NewString(),
			OwnerID:     ownerID,
			Campaign:    src.Campaign,
			Template:    src.Template,
			Priority:    src.Priority,
			IsHTML:      src.IsHTML,
			Status:      entities.BatchQueued,
			Items:       items,
			CreatedAt:   now,
			ScheduledAt: src.ScheduledAt,
		})
	}
	if len(batches) == 0 && len(verr.Fields) == 0 {
		verr.Add("queue", "no pending items")
	}
	if err := verr.OrNil(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.batches = append(d.batches, batches...)
	d.persistLocked(ctx)
	d.mu.Unlock()

	d.log.Info("queue imported", zap.String("owner_id", ownerID), zap.Int("batches", len(batches)))
	return len(batches), nil
}

// Export snapshots the active queue with the running totals and settings.
func (d *Dispatcher) Export() QueueExport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := QueueExport{
		Batches:    make([]entities.Batch, len(d.batches)),
		Stats:      d.statsLocked(),
		Settings:   d.settings,
		ExportedAt: d.now(),
	}
	for i, b := range d.batches {
		out.Batches[i] = copyBatch(b)
	}
	return out
}

func buildItems(req EnqueueRequest) ([]entities.Item, error) {
	verr := &entities.ValidationError{}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		verr.Add("subject", "required")
	} else if len(subject) > maxSubjectLength {
		verr.Add("subject", "too long")
	}
	if strings.TrimSpace(req.Body) == "" {
		verr.Add("body", "required")
	} else if len(req.Body) > maxBodyLength {
		verr.Add("body", "too long")
	}
	switch {
	case len(req.Recipients) == 0:
		verr.Add("recipients", "at least one recipient required")
	case len(req.Recipients) > maxRecipientsPerBatch:
		verr.Add("recipients", "too many recipients")
	}

	items := make([]entities.Item, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		addr, err := mail.ParseAddress(strings.TrimSpace(r.Email))
		if err != nil {
			verr.Add("recipients", "invalid address: "+r.Email)
			continue
		}
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = addr.Name
		}
		items = append(items, entities.Item{
			ID:        uuid.NewString(),
			Recipient: addr.Address,
			Name:      name,
			Subject:   personalize(subject, addr.Address, name),
			Body:      personalize(req.Body, addr.Address, name),
			Status:    entities.ItemQueued,
			Retry:     entities.Pending(),
		})
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return items, nil
}

func personalize(s, email, name string) string {
	if name == "" {
		name = email
	}
	return strings.NewReplacer("{{email}}", email, "{{name}}", name).Replace(s)
}

// Start launches the drain loop. It exits on its own when the queue empties.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return entities.ErrDispatcherRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	now := d.now()
	d.running = true
	d.paused = false
	d.cancel = cancel
	d.done = make(chan struct{})
	d.startedAt = &now
	d.processed = 0
	go d.run(runCtx, d.done)
	d.log.Info("dispatcher started", zap.Int("batches", len(d.batches)))
	return nil
}

// Stop halts at the next chunk boundary and waits for in-flight sends.
func (d *Dispatcher) Stop() error { return d.halt(false) }

// Pause is Stop that reports the session as paused; Start resumes.
func (d *Dispatcher) Pause() error { return d.halt(true) }

func (d *Dispatcher) halt(paused bool) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return entities.ErrDispatcherNotRunning
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
	d.log.Info("dispatcher halted", zap.Bool("paused", paused))
	return nil
}

// Wait blocks until the current drain loop exits.
func (d *Dispatcher) Wait() {
	d.mu.RLock()
	done := d.done
	d.mu.RUnlock()
	if done != nil {
		<-done
	}
}

func (d *Dispatcher) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Clear drops every queued batch. It fails while the dispatcher runs.
func (d *Dispatcher) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return entities.ErrDispatcherRunning
	}
	d.batches = nil
	d.persistLocked(ctx)
	d.log.Info("queue cleared")
	return nil
}

// RemoveBatch deletes a batch that is not being processed right now.
func (d *Dispatcher) RemoveBatch(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running && d.current == id {
		return entities.ErrBatchInProgress
	}
	for i, b := range d.batches {
		if b.ID == id {
			d.batches = append(d.batches[:i], d.batches[i+1:]...)
			d.persistLocked(ctx)
			return nil
		}
	}
	return entities.ErrNotFound
}

// RemoveOwnerBatches drops every waiting batch owned by ownerID, for example
// after the user is deleted. The batch being processed is left to finish its
// chunk; its remaining items are then denied for lack of an owner.
func (d *Dispatcher) RemoveOwnerBatches(ctx context.Context, ownerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.batches[:0]
	removed := 0
	for _, b := range d.batches {
		if b.OwnerID == ownerID && !(d.running && d.current == b.ID) {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(d.batches); i++ {
		d.batches[i] = nil
	}
	d.batches = kept
	if removed > 0 {
		d.persistLocked(ctx)
	}
	return removed
}

// Reschedule moves a waiting batch to at; nil makes it due now.
func (d *Dispatcher) Reschedule(ctx context.Context, id string, at *time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running && d.current == id {
		return entities.ErrBatchInProgress
	}
	for _, b := range d.batches {
		if b.ID == id {
			b.ScheduledAt = at
			d.persistLocked(ctx)
			return nil
		}
	}
	return entities.ErrNotFound
}

// Stats is a read-only snapshot: live queued/sending plus cumulative sent/failed.
func (d *Dispatcher) Stats() entities.Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.statsLocked()
}

func (d *Dispatcher) statsLocked() entities.Stats {
	now := d.now()
	s := entities.Stats{Sent: d.totals.Sent, Failed: d.totals.Failed}
	for _, b := range d.batches {
		c := b.Counts()
		s.Queued += c.Queued
		s.Sending += c.Sending
		if !b.Due(now) {
			s.Scheduled += c.Queued
		}
	}
	return s
}

// Batches returns copies of the active queue in FIFO order.
func (d *Dispatcher) Batches() []entities.Batch {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]entities.Batch, len(d.batches))
	for i, b := range d.batches {
		out[i] = copyBatch(b)
	}
	return out
}

// Batch finds a batch in the active queue or the recent completion history.
func (d *Dispatcher) Batch(id string) (entities.Batch, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.batches {
		if b.ID == id {
			return copyBatch(b), true
		}
	}
	for i := len(d.history) - 1; i >= 0; i-- {
		if d.history[i].ID == id {
			return d.history[i], true
		}
	}
	return entities.Batch{}, false
}

func (d *Dispatcher) Progress() entities.Progress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p := entities.Progress{
		Running:   d.running,
		Paused:    d.paused,
		Batches:   len(d.batches),
		Processed: d.processed,
		StartedAt: d.startedAt,
	}
	for _, b := range d.batches {
		for _, it := range b.Items {
			if !it.Terminal() {
				p.Remaining++
			}
		}
	}
	if total := p.Processed + p.Remaining; total > 0 {
		p.Percent = float64(p.Processed) * 100 / float64(total)
	}
	if d.startedAt != nil && p.Processed > 0 && p.Remaining > 0 {
		per := d.now().Sub(*d.startedAt) / time.Duration(p.Processed)
		p.EstimatedLeft = per * time.Duration(p.Remaining)
	}
	return p
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		d.mu.Lock()
		d.running = false
		d.current = ""
		d.cancel()
		d.mu.Unlock()
	}()

	for ctx.Err() == nil {
		b, wait := d.nextBatch()
		if b == nil && wait == 0 {
			d.log.Info("queue drained, dispatcher idle")
			return
		}
		if b == nil {
			if err := d.sleep(ctx, wait); err != nil {
				return
			}
			continue
		}
		wait = d.processBatch(ctx, b)
		if wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return
			}
		}
	}
}

// nextBatch returns the oldest due batch. When every waiting batch is
// scheduled for later it returns how long to idle before looking again.
func (d *Dispatcher) nextBatch() (*entities.Batch, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.current = ""
	var wait time.Duration
	for _, b := range d.batches {
		if b.Due(now) {
			d.current = b.ID
			return b, 0
		}
		if w := b.ScheduledAt.Sub(now); wait == 0 || w < wait {
			wait = w
		}
	}
	if len(d.batches) == 0 {
		return nil, 0
	}
	return nil, min(maxDuration(wait, d.settings.MinIdle), scheduleCheckInterval)
}

// processBatch runs one pass over the batch's ready items and returns how
// long the loop should wait before the next pass.
func (d *Dispatcher) processBatch(ctx context.Context, b *entities.Batch) time.Duration {
	d.mu.Lock()
	if b.Status == entities.BatchQueued {
		now := d.now()
		b.Status = entities.BatchProcessing
		b.StartedAt = &now
		d.persistLocked(ctx)
	}
	ready := d.readyItemsLocked(b)
	d.mu.Unlock()

	denied := entities.ReasonNone
	for start := 0; start < len(ready) && ctx.Err() == nil; start += d.settings.BatchSize {
		end := start + d.settings.BatchSize
		if end > len(ready) {
			end = len(ready)
		}
		denied = d.processChunk(ctx, b, ready[start:end])
		if denied != entities.ReasonNone {
			break
		}
		if end < len(ready) {
			if err := d.sleep(ctx, d.settings.DelayBetweenEmails); err != nil {
				break
			}
		}
	}

	// A stop between chunks still records outcomes that already happened.
	if d.completeIfDone(context.WithoutCancel(ctx), b) {
		if d.hasQueued() {
			return d.settings.DelayBetweenBatches
		}
		return 0
	}
	if denied != entities.ReasonNone {
		d.log.Info("sending paused for cooldown",
			zap.String("batch_id", b.ID), zap.String("reason", string(denied)), zap.Duration("cooldown", d.settings.Cooldown))
		return maxDuration(d.settings.Cooldown, d.settings.MinIdle)
	}
	return maxDuration(d.untilNextRetry(b), d.settings.MinIdle)
}

func (d *Dispatcher) readyItemsLocked(b *entities.Batch) []int {
	now := d.now()
	var ready []int
	for i, it := range b.Items {
		if it.Status == entities.ItemQueued && it.Retry.Ready(now) {
			ready = append(ready, i)
		}
	}
	return ready
}

type sendJob struct {
	idx     int
	account entities.Account
	email   entities.Email
}

// processChunk evaluates items one by one, reserving capacity for each allowed
// item, then fires all allowed sends together and waits for them. It returns
// the first denial reason, after which the rest of the chunk stays queued.
func (d *Dispatcher) processChunk(ctx context.Context, b *entities.Batch, idxs []int) entities.Reason {
	var owner *entities.User
	if u, ok := d.quota.Get(b.OwnerID); ok {
		owner = &u
	}

	denied := entities.ReasonNone
	jobs := make([]sendJob, 0, len(idxs))
	for _, i := range idxs {
		if !d.reserveGlobal() {
			denied = entities.ReasonNoAccountAvailable
			d.log.Warn("global send rate limit reached", zap.Int("per_hour", d.settings.RateLimitPerHour), zap.Int("per_day", d.settings.RateLimitPerDay))
			break
		}
		decision := d.gate.Evaluate(owner)
		if !decision.Allowed {
			d.releaseGlobal()
			denied = decision.Reason
			d.noteDenial(b, i, decision.Reason)
			break
		}
		d.pool.Reserve(decision.Account.ID)
		d.quota.Reserve(owner.ID)

		d.mu.Lock()
		it := &b.Items[i]
		it.Status = entities.ItemSending
		it.AccountID = decision.Account.ID
		it.Denial = ""
		email := entities.Email{To: it.Recipient, Subject: it.Subject, Body: it.Body, IsHTML: b.IsHTML}
		d.mu.Unlock()
		jobs = append(jobs, sendJob{idx: i, account: *decision.Account, email: email})
	}

	// Sends and the bookkeeping after them run to completion even if the
	// dispatcher is stopped meanwhile.
	sendCtx := context.WithoutCancel(ctx)
	if denied == entities.ReasonUserLimitExceeded && d.settings.LockOnUserLimit {
		d.gate.LockForLimits(sendCtx, "daily limits reached")
	}
	if len(jobs) == 0 {
		return denied
	}

	d.mu.Lock()
	d.persistLocked(sendCtx)
	d.mu.Unlock()

	var g errgroup.Group
	for _, job := range jobs {
		g.Go(func() error {
			d.send(sendCtx, b, owner.ID, job)
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	d.persistLocked(sendCtx)
	d.mu.Unlock()
	return denied
}

func (d *Dispatcher) noteDenial(b *entities.Batch, idx int, reason entities.Reason) {
	d.mu.Lock()
	b.Items[idx].Denial = reason
	d.mu.Unlock()
}

func (d *Dispatcher) send(ctx context.Context, b *entities.Batch, ownerID string, job sendJob) {
	sendCtx, cancel := context.WithTimeout(ctx, d.settings.SendTimeout)
	messageID, err := d.transport.Send(sendCtx, job.account, job.email)
	cancel()

	var throttled *entities.ThrottledError
	if errors.As(err, &throttled) {
		d.deferThrottled(b, ownerID, job, throttled)
		return
	}
	success := err == nil

	d.pool.RecordAccountOutcome(ctx, job.account.ID, success)
	if success {
		d.quota.RecordSend(ctx, ownerID)
	} else {
		d.quota.Release(ownerID)
	}

	now := d.now()
	d.mu.Lock()
	d.settleGlobalLocked(success, now)
	it := &b.Items[job.idx]
	it.Attempts++
	var entry *entities.SendLogEntry
	switch {
	case success:
		it.Status = entities.ItemSent
		it.MessageID = messageID
		it.Error = ""
		it.SentAt = &now
		it.Retry = entities.Pending()
		d.totals.Sent++
		d.processed++
		entry = logEntry(b, it, ownerID, now)
	case it.Attempts >= d.settings.MaxRetries:
		it.Status = entities.ItemFailed
		it.Error = err.Error()
		d.totals.Failed++
		d.processed++
		entry = logEntry(b, it, ownerID, now)
	default:
		it.Status = entities.ItemQueued
		it.Error = err.Error()
		it.Retry = entities.Retrying(it.Attempts, now.Add(d.settings.RetryDelay))
	}
	attempts, itemID := it.Attempts, it.ID
	d.mu.Unlock()

	if err != nil {
		d.log.Warn("send failed",
			zap.String("batch_id", b.ID), zap.String("item_id", itemID),
			zap.String("account_id", job.account.ID), zap.Int("attempts", attempts), zap.Error(err))
	}
	if entry != nil && d.usage != nil {
		if err := d.usage.Append(ctx, now, *entry); err != nil {
			d.log.Warn("append send log failed", zap.Error(err))
		}
	}
}

// deferThrottled puts an item back without spending an attempt: the message
// never reached the provider.
func (d *Dispatcher) deferThrottled(b *entities.Batch, ownerID string, job sendJob, throttled *entities.ThrottledError) {
	d.pool.Release(job.account.ID)
	d.quota.Release(ownerID)

	notBefore := d.now().Add(maxDuration(throttled.RetryAfter, d.settings.MinIdle))
	d.mu.Lock()
	d.settleGlobalLocked(false, notBefore)
	it := &b.Items[job.idx]
	it.Status = entities.ItemQueued
	it.AccountID = ""
	it.Retry = entities.Retrying(it.Attempts, notBefore)
	itemID := it.ID
	d.mu.Unlock()

	d.log.Debug("send deferred by account pacing",
		zap.String("batch_id", b.ID), zap.String("item_id", itemID),
		zap.String("account_id", job.account.ID), zap.Duration("retry_after", throttled.RetryAfter))
}

func logEntry(b *entities.Batch, it *entities.Item, ownerID string, now time.Time) *entities.SendLogEntry {
	return &entities.SendLogEntry{
		BatchID:   b.ID,
		ItemID:    it.ID,
		AccountID: it.AccountID,
		UserID:    ownerID,
		Recipient: it.Recipient,
		Status:    it.Status,
		Error:     it.Error,
		At:        now,
	}
}

// reserveGlobal holds one unit of the dispatcher-wide hourly and daily budget.
func (d *Dispatcher) reserveGlobal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracker.ResetIfStale(&d.global, d.now())
	if d.settings.RateLimitPerHour > 0 && d.global.HourlyUsage+d.globalRes >= d.settings.RateLimitPerHour {
		return false
	}
	if d.settings.RateLimitPerDay > 0 && d.global.DailyUsage+d.globalRes >= d.settings.RateLimitPerDay {
		return false
	}
	d.globalRes++
	return true
}

func (d *Dispatcher) releaseGlobal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.globalRes > 0 {
		d.globalRes--
	}
}

func (d *Dispatcher) settleGlobalLocked(success bool, now time.Time) {
	if d.globalRes > 0 {
		d.globalRes--
	}
	if success {
		d.tracker.ResetIfStale(&d.global, now)
		d.tracker.RecordSend(&d.global)
	}
}

func (d *Dispatcher) completeIfDone(ctx context.Context, b *entities.Batch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !b.Done() {
		return false
	}
	now := d.now()
	b.Status = entities.BatchCompleted
	b.CompletedAt = &now
	for i, q := range d.batches {
		if q == b {
			d.batches = append(d.batches[:i], d.batches[i+1:]...)
			break
		}
	}
	d.history = append(d.history, copyBatch(b))
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	d.current = ""
	d.persistLocked(ctx)

	c := b.Counts()
	d.log.Info("batch completed", zap.String("batch_id", b.ID), zap.Int("sent", c.Sent), zap.Int("failed", c.Failed))
	return true
}

func (d *Dispatcher) hasQueued() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.batches) > 0
}

func (d *Dispatcher) untilNextRetry(b *entities.Batch) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.now()
	var wait time.Duration
	for _, it := range b.Items {
		if it.Status != entities.ItemQueued || it.Retry.Kind != entities.RetryRetrying {
			continue
		}
		w := it.Retry.NotBefore.Sub(now)
		if w <= 0 {
			return 0
		}
		if wait == 0 || w < wait {
			wait = w
		}
	}
	return wait
}

func (d *Dispatcher) persistLocked(ctx context.Context) {
	if d.repo == nil {
		return
	}
	batches := make([]entities.Batch, len(d.batches))
	for i, b := range d.batches {
		batches[i] = copyBatch(b)
	}
	if err := d.repo.SaveBatches(ctx, batches); err != nil {
		d.log.Warn("persist queue failed", zap.Error(err))
	}
	if err := d.repo.SaveStats(ctx, d.totals, d.global); err != nil {
		d.log.Warn("persist stats failed", zap.Error(err))
	}
}

func copyBatch(b *entities.Batch) entities.Batch {
	c := *b
	c.Items = append([]entities.Item(nil), b.Items...)
	return c
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
