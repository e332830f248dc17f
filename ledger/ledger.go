/*
Package ledger is the authoritative store of execution records.

Records live in an in-memory map which is always the source of truth. A background persister writes a snapshot of the map to a Store at most once per persist interval after a mutation, and once more synchronously when it is stopped, so the durable copy lags by at most one interval except across a crash.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultMaxRecords      = 1000
	DefaultListWindow      = 100
	DefaultByCommandWindow = 20
	DefaultPersistInterval = 2 * time.Second
	DefaultOutputLimit     = 1 << 20

	truncatedMarker   = "\n[truncated]\n"
	interruptedMarker = "\n[INTERRUPTED] server stopped before the command finished"
)

var ErrExists = errors.New("execution record already exists")

type entry struct {
	rec Record

	out     strings.Builder
	errb    strings.Builder
	outFull bool
	errFull bool
}

func (e *entry) snapshot() Record {
	r := e.rec
	r.Output = e.out.String()
	r.Error = e.errb.String()
	return r
}

type Ledger struct {
	log             *zap.SugaredLogger
	store           Store
	maxRecords      int
	listWindow      int
	persistInterval time.Duration
	outputLimit     int
	now             func() time.Time

	mut     sync.RWMutex
	entries map[string]*entry

	persistMut sync.Mutex
	dirty      chan struct{}
}

type Option func(l *Ledger)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Ledger) {
		l.log = log.Named("ledger")
	}
}

// WithStore sets where snapshots are persisted. Without a store the ledger is memory-only.
func WithStore(s Store) Option {
	return func(l *Ledger) {
		l.store = s
	}
}

func WithMaxRecords(n int) Option {
	return func(l *Ledger) {
		l.maxRecords = n
	}
}

func WithListWindow(n int) Option {
	return func(l *Ledger) {
		l.listWindow = n
	}
}

func WithPersistInterval(d time.Duration) Option {
	return func(l *Ledger) {
		l.persistInterval = d
	}
}

// WithOutputLimit caps each of a record's output and error buffers, in bytes. 0 disables the cap.
func WithOutputLimit(n int) Option {
	return func(l *Ledger) {
		l.outputLimit = n
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		log:             zap.NewNop().Sugar(),
		maxRecords:      DefaultMaxRecords,
		listWindow:      DefaultListWindow,
		persistInterval: DefaultPersistInterval,
		outputLimit:     DefaultOutputLimit,
		now:             time.Now,
		entries:         map[string]*entry{},
		dirty:           make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) markDirty() {
	select {
	case l.dirty <- struct{}{}:
	default:
	}
}

// Add inserts a new record. A running record never carries FinishedAt or ExitCode,
// and a terminal one always carries FinishedAt.
func (l *Ledger) Add(rec Record) error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if _, ok := l.entries[rec.ID]; ok {
		return fmt.Errorf("adding %s: %w", rec.ID, ErrExists)
	}
	l.insert(rec)
	l.markDirty()
	return nil
}

func (l *Ledger) insert(rec Record) {
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	if rec.Status.Terminal() {
		if rec.FinishedAt == nil {
			now := l.now()
			rec.FinishedAt = &now
		}
	} else {
		rec.FinishedAt = nil
		rec.ExitCode = nil
	}

	e := &entry{}
	l.appendTo(&e.out, &e.outFull, rec.Output)
	l.appendTo(&e.errb, &e.errFull, rec.Error)
	rec.Output, rec.Error = "", ""
	e.rec = rec
	l.entries[rec.ID] = e

	for len(l.entries) > l.maxRecords && l.maxRecords > 0 {
		l.evictOldest()
	}
}

func (l *Ledger) evictOldest() {
	var oldest *entry
	for _, e := range l.entries {
		if oldest == nil || e.rec.StartedAt.Before(oldest.rec.StartedAt) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(l.entries, oldest.rec.ID)
		l.log.Debugf("evicted execution %s started at %s", oldest.rec.ID, oldest.rec.StartedAt)
	}
}

func (l *Ledger) appendTo(b *strings.Builder, full *bool, s string) {
	if *full || s == "" {
		return
	}
	if l.outputLimit > 0 && b.Len()+len(s) > l.outputLimit {
		remaining := l.outputLimit - b.Len()
		for remaining > 0 && !utf8.RuneStart(s[remaining]) {
			remaining--
		}
		if remaining > 0 {
			b.WriteString(s[:remaining])
		}
		b.WriteString(truncatedMarker)
		*full = true
		return
	}
	b.WriteString(s)
}

// Update applies p to a running record. It is a no-op returning false when the
// record is unknown (for example, already evicted) or already terminal.
func (l *Ledger) Update(id string, p Patch) bool {
	l.mut.Lock()
	defer l.mut.Unlock()

	e, ok := l.entries[id]
	if !ok || e.rec.Status.Terminal() {
		return false
	}

	l.appendTo(&e.out, &e.outFull, p.AppendOutput)
	l.appendTo(&e.errb, &e.errFull, p.AppendError)

	if p.Status.Terminal() {
		finished := l.now()
		if p.FinishedAt != nil {
			finished = *p.FinishedAt
		}
		exitCode := p.ExitCode
		if exitCode == nil {
			if p.Status == StatusSuccess {
				exitCode = IntPtr(0)
			} else {
				exitCode = IntPtr(-1)
			}
		}
		e.rec.Status = p.Status
		e.rec.FinishedAt = &finished
		e.rec.ExitCode = exitCode
	}

	l.markDirty()
	return true
}

func (l *Ledger) Get(id string) (Record, bool) {
	l.mut.RLock()
	defer l.mut.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// Remove deletes a record outright and reports whether it existed.
func (l *Ledger) Remove(id string) bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	l.markDirty()
	return true
}

func (l *Ledger) Len() int {
	l.mut.RLock()
	defer l.mut.RUnlock()
	return len(l.entries)
}

// newest returns records matching keep, newest first, at most limit of them (all if limit <= 0).
func (l *Ledger) newest(limit int, keep func(*Record) bool) []Record {
	l.mut.RLock()
	records := make([]Record, 0, len(l.entries))
	for _, e := range l.entries {
		if keep != nil && !keep(&e.rec) {
			continue
		}
		records = append(records, e.snapshot())
	}
	l.mut.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// List returns the newest records first. The result never exceeds the list window, whatever limit is.
func (l *Ledger) List(limit int) []Record {
	if limit <= 0 || limit > l.listWindow {
		limit = l.listWindow
	}
	return l.newest(limit, nil)
}

// History returns finished records, newest first, capped at the list window.
func (l *Ledger) History() []Record {
	return l.newest(l.listWindow, func(r *Record) bool { return r.Status.Terminal() })
}

func (l *Ledger) ListByCommand(commandID string) []Record {
	return l.newest(DefaultByCommandWindow, func(r *Record) bool { return r.CommandID == commandID })
}

type Stats struct {
	Total       int            `json:"total"`
	Successful  int            `json:"successful"`
	Failed      int            `json:"failed"`
	Running     int            `json:"running"`
	SuccessRate int            `json:"successRate"`
	ByCommand   map[string]int `json:"byCommand"`
}

func (l *Ledger) Stats() Stats {
	l.mut.RLock()
	defer l.mut.RUnlock()
	s := Stats{ByCommand: map[string]int{}}
	for _, e := range l.entries {
		s.Total++
		switch e.rec.Status {
		case StatusSuccess:
			s.Successful++
		case StatusError:
			s.Failed++
		case StatusRunning:
			s.Running++
		}
		s.ByCommand[e.rec.CommandID]++
	}
	if s.Total > 0 {
		s.SuccessRate = s.Successful * 100 / s.Total
	}
	return s
}

// Load adds the records found in the store to the ledger.
// Records persisted while running can never finish now, so they are finalized as errors.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	records, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading execution records: %w", err)
	}

	l.mut.Lock()
	defer l.mut.Unlock()
	interrupted := 0
	for _, rec := range records {
		if _, ok := l.entries[rec.ID]; ok {
			continue
		}
		if !rec.Status.Terminal() {
			rec.Status = StatusError
			rec.Error += interruptedMarker
			rec.ExitCode = IntPtr(-1)
			rec.FinishedAt = nil
			interrupted++
		}
		l.insert(rec)
	}
	if interrupted > 0 {
		l.markDirty()
	}
	l.log.Infow("loaded execution records", "Count", len(l.entries), "Interrupted", interrupted)
	return nil
}

// Persist writes the newest records, up to the retention bound, to the store.
func (l *Ledger) Persist(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.persistMut.Lock()
	defer l.persistMut.Unlock()

	records := l.newest(l.maxRecords, nil)
	if err := l.store.Save(ctx, records); err != nil {
		return fmt.Errorf("persisting %d execution records: %w", len(records), err)
	}
	l.log.Debugf("persisted %d execution records", len(records))
	return nil
}

// Run is the persister task. After a mutation it waits one persist interval, coalescing
// every further mutation in that window, then writes a single snapshot. Failed writes are
// retried on the next cycle. When ctx is done, Run flushes synchronously and returns.
func (l *Ledger) Run(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return l.Persist(flushCtx)
		case <-l.dirty:
			if fire == nil {
				timer = time.NewTimer(l.persistInterval)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			if err := l.Persist(ctx); err != nil {
				l.log.Errorf("persist failed, retrying next cycle: %s", err)
				l.markDirty()
			}
		}
	}
}
