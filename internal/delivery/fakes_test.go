package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/audience"
	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	"github.com/Cypherspark/campaign-dispatcher/internal/jobqueue"
	"github.com/Cypherspark/campaign-dispatcher/internal/provider"
)

// memData is one version of the store contents. Transactions work on a
// clone that replaces the committed version only on success, so reads from
// outside a transaction never see uncommitted rows.
type memData struct {
	seq        int64
	campaigns  map[int64]core.Campaign
	recipients map[int64]core.Recipient
	attempts   map[int64]core.Attempt
	refreshes  int
}

func newMemData() *memData {
	return &memData{
		campaigns:  map[int64]core.Campaign{},
		recipients: map[int64]core.Recipient{},
		attempts:   map[int64]core.Attempt{},
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	c.seq, c.refreshes = d.seq, d.refreshes
	for k, v := range d.campaigns {
		v.RecipientFilter = append([]string(nil), v.RecipientFilter...)
		c.campaigns[k] = v
	}
	for k, v := range d.recipients {
		v.Tags = append([]string(nil), v.Tags...)
		c.recipients[k] = v
	}
	for k, v := range d.attempts {
		c.attempts[k] = v
	}
	return c
}

func (d *memData) next() int64 { d.seq++; return d.seq }

func (d *memData) CreateCampaign(_ context.Context, c *core.Campaign) error {
	c.ID = d.next()
	d.campaigns[c.ID] = *c
	return nil
}

func (d *memData) GetCampaign(_ context.Context, id int64) (*core.Campaign, error) {
	c, ok := d.campaigns[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &c, nil
}

func (d *memData) LockCampaign(ctx context.Context, id int64) (*core.Campaign, error) {
	return d.GetCampaign(ctx, id)
}

func (d *memData) UpdateCampaign(_ context.Context, c *core.Campaign) error {
	cur, ok := d.campaigns[c.ID]
	if !ok {
		return core.ErrNotFound
	}
	next := *c
	next.Counters, next.AudienceSize = cur.Counters, cur.AudienceSize
	d.campaigns[c.ID] = next
	return nil
}

func (d *memData) DeleteCampaign(_ context.Context, id int64) error {
	if _, ok := d.campaigns[id]; !ok {
		return core.ErrNotFound
	}
	delete(d.campaigns, id)
	for k, a := range d.attempts {
		if a.CampaignID != nil && *a.CampaignID == id {
			a.CampaignID = nil
			d.attempts[k] = a
		}
	}
	return nil
}

func (d *memData) SetAudienceSize(_ context.Context, id int64, n int) error {
	c, ok := d.campaigns[id]
	if !ok {
		return core.ErrNotFound
	}
	c.AudienceSize = n
	d.campaigns[id] = c
	return nil
}

func (d *memData) CountByStatus(_ context.Context, campaignID int64) (core.Counters, error) {
	var out core.Counters
	for _, a := range d.attempts {
		if a.CampaignID != nil && *a.CampaignID == campaignID {
			out.Add(a.Status, 1)
		}
	}
	return out, nil
}

func (d *memData) RefreshCounters(ctx context.Context, campaignID int64) (core.Counters, error) {
	counters, _ := d.CountByStatus(ctx, campaignID)
	d.refreshes++
	if c, ok := d.campaigns[campaignID]; ok {
		c.Counters = counters
		d.campaigns[campaignID] = c
	}
	return counters, nil
}

func (d *memData) CreateRecipient(_ context.Context, r *core.Recipient) error {
	for _, other := range d.recipients {
		if other.Address == r.Address {
			return core.NewAppError(core.ErrCodeConflictRecipientExists, "address already registered", nil)
		}
	}
	r.ID = d.next()
	r.DerivedCode = core.DeriveCode(r.Address)
	d.recipients[r.ID] = *r
	return nil
}

func (d *memData) GetRecipient(_ context.Context, id int64) (*core.Recipient, error) {
	r, ok := d.recipients[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &r, nil
}

func (d *memData) UpdateRecipient(_ context.Context, r *core.Recipient) error {
	if _, ok := d.recipients[r.ID]; !ok {
		return core.ErrNotFound
	}
	r.DerivedCode = core.DeriveCode(r.Address)
	d.recipients[r.ID] = *r
	return nil
}

// ListRecipients ignores the filter on purpose: the selector must narrow.
func (d *memData) ListRecipients(_ context.Context, _ []string) ([]core.Recipient, error) {
	out := make([]core.Recipient, 0, len(d.recipients))
	for _, r := range d.recipients {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memData) PageRecipients(ctx context.Context, filter []string, p core.Page) ([]core.Recipient, error) {
	all, _ := d.ListRecipients(ctx, nil)
	var out []core.Recipient
	for i := range all {
		if audience.Matches(filter, &all[i]) {
			out = append(out, all[i])
		}
	}
	return page(out, p), nil
}

func (d *memData) DeleteRecipient(_ context.Context, id int64) error {
	if _, ok := d.recipients[id]; !ok {
		return core.ErrNotFound
	}
	delete(d.recipients, id)
	for k, a := range d.attempts {
		if a.RecipientID == id {
			delete(d.attempts, k)
		}
	}
	return nil
}

func (d *memData) ListCampaigns(_ context.Context, p core.Page) ([]core.Campaign, error) {
	out := make([]core.Campaign, 0, len(d.campaigns))
	for _, c := range d.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, p), nil
}

func (d *memData) ListAttempts(_ context.Context, campaignID int64, p core.Page) ([]core.Attempt, error) {
	out := d.attemptsWhere(func(a core.Attempt) bool { return a.CampaignID != nil && *a.CampaignID == campaignID })
	return page(out, p), nil
}

func (d *memData) ListRecipientAttempts(_ context.Context, recipientID int64) ([]core.Attempt, error) {
	return d.attemptsWhere(func(a core.Attempt) bool { return a.RecipientID == recipientID }), nil
}

func (d *memData) attemptsWhere(keep func(core.Attempt) bool) []core.Attempt {
	out := []core.Attempt{}
	for _, a := range d.attempts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func page[T any](items []T, p core.Page) []T {
	p = p.Normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}

func (d *memData) CreateAttempt(_ context.Context, a *core.Attempt) error {
	if a.PredecessorID != nil {
		for _, other := range d.attempts {
			if other.PredecessorID != nil && *other.PredecessorID == *a.PredecessorID {
				return errors.New("duplicate successor")
			}
		}
	}
	a.ID = d.next()
	d.attempts[a.ID] = *a
	return nil
}

func (d *memData) GetAttempt(_ context.Context, id int64) (*core.Attempt, error) {
	a, ok := d.attempts[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &a, nil
}

func (d *memData) LockAttempt(ctx context.Context, id int64) (*core.Attempt, error) {
	return d.GetAttempt(ctx, id)
}

func (d *memData) ListOpenAttempts(_ context.Context, campaignID int64) ([]core.Attempt, error) {
	var out []core.Attempt
	for _, a := range d.attempts {
		if a.CampaignID != nil && *a.CampaignID == campaignID && a.Status == core.StatusScheduled {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memData) DeliveredRecipients(_ context.Context, campaignID int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	for _, a := range d.attempts {
		if a.CampaignID != nil && *a.CampaignID == campaignID && a.Status == core.StatusDelivered {
			out[a.RecipientID] = true
		}
	}
	return out, nil
}

func (d *memData) HasSuccessor(_ context.Context, attemptID int64) (bool, error) {
	for _, a := range d.attempts {
		if a.PredecessorID != nil && *a.PredecessorID == attemptID {
			return true, nil
		}
	}
	return false, nil
}

func (d *memData) SetAttemptStatus(_ context.Context, id int64, status core.Status) error {
	a, ok := d.attempts[id]
	if !ok {
		return core.ErrNotFound
	}
	a.Status = status
	d.attempts[id] = a
	return nil
}

func (d *memData) SetAttemptJob(_ context.Context, id int64, handle string) error {
	a, ok := d.attempts[id]
	if !ok {
		return core.ErrNotFound
	}
	a.JobHandle = &handle
	d.attempts[id] = a
	return nil
}

func (d *memData) DailyRollup(_ context.Context, from, to time.Time) ([]core.RollupRow, error) {
	return nil, nil
}

// memStore guards the committed version and swaps in a transaction's clone
// on commit.
type memStore struct {
	mu         sync.Mutex
	data       *memData
	failCommit error
	hidden     map[int64]int // attempt id -> remaining not-found answers
	lookups    int
}

func newMemStore() *memStore { return &memStore{data: newMemData(), hidden: map[int64]int{}} }

var _ core.TxRepository = (*memStore)(nil)

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, r core.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(ctx, work); err != nil {
		return err
	}
	if s.failCommit != nil {
		return s.failCommit
	}
	s.data = work
	return nil
}

func (s *memStore) setFailCommit(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

func (s *memStore) committed() *memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *memStore) attempts() []core.Attempt {
	d := s.committed()
	out := make([]core.Attempt, 0, len(d.attempts))
	for _, a := range d.attempts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) CreateCampaign(ctx context.Context, c *core.Campaign) error {
	return s.committed().CreateCampaign(ctx, c)
}
func (s *memStore) GetCampaign(ctx context.Context, id int64) (*core.Campaign, error) {
	return s.committed().GetCampaign(ctx, id)
}
func (s *memStore) LockCampaign(ctx context.Context, id int64) (*core.Campaign, error) {
	return s.committed().LockCampaign(ctx, id)
}
func (s *memStore) UpdateCampaign(ctx context.Context, c *core.Campaign) error {
	return s.committed().UpdateCampaign(ctx, c)
}
func (s *memStore) DeleteCampaign(ctx context.Context, id int64) error {
	return s.committed().DeleteCampaign(ctx, id)
}
func (s *memStore) SetAudienceSize(ctx context.Context, id int64, n int) error {
	return s.committed().SetAudienceSize(ctx, id, n)
}
func (s *memStore) CountByStatus(ctx context.Context, id int64) (core.Counters, error) {
	return s.committed().CountByStatus(ctx, id)
}
func (s *memStore) RefreshCounters(ctx context.Context, id int64) (core.Counters, error) {
	return s.committed().RefreshCounters(ctx, id)
}
func (s *memStore) CreateRecipient(ctx context.Context, r *core.Recipient) error {
	return s.committed().CreateRecipient(ctx, r)
}
func (s *memStore) GetRecipient(ctx context.Context, id int64) (*core.Recipient, error) {
	return s.committed().GetRecipient(ctx, id)
}
func (s *memStore) UpdateRecipient(ctx context.Context, r *core.Recipient) error {
	return s.committed().UpdateRecipient(ctx, r)
}
func (s *memStore) ListRecipients(ctx context.Context, filter []string) ([]core.Recipient, error) {
	return s.committed().ListRecipients(ctx, filter)
}
func (s *memStore) PageRecipients(ctx context.Context, filter []string, p core.Page) ([]core.Recipient, error) {
	return s.committed().PageRecipients(ctx, filter, p)
}
func (s *memStore) DeleteRecipient(ctx context.Context, id int64) error {
	return s.committed().DeleteRecipient(ctx, id)
}
func (s *memStore) ListCampaigns(ctx context.Context, p core.Page) ([]core.Campaign, error) {
	return s.committed().ListCampaigns(ctx, p)
}
func (s *memStore) ListAttempts(ctx context.Context, id int64, p core.Page) ([]core.Attempt, error) {
	return s.committed().ListAttempts(ctx, id, p)
}
func (s *memStore) ListRecipientAttempts(ctx context.Context, id int64) ([]core.Attempt, error) {
	return s.committed().ListRecipientAttempts(ctx, id)
}
func (s *memStore) CreateAttempt(ctx context.Context, a *core.Attempt) error {
	return s.committed().CreateAttempt(ctx, a)
}
func (s *memStore) GetAttempt(ctx context.Context, id int64) (*core.Attempt, error) {
	s.mu.Lock()
	s.lookups++
	if s.hidden[id] > 0 {
		s.hidden[id]--
		s.mu.Unlock()
		return nil, core.ErrNotFound
	}
	s.mu.Unlock()
	return s.committed().GetAttempt(ctx, id)
}
func (s *memStore) LockAttempt(ctx context.Context, id int64) (*core.Attempt, error) {
	return s.committed().LockAttempt(ctx, id)
}
func (s *memStore) ListOpenAttempts(ctx context.Context, id int64) ([]core.Attempt, error) {
	return s.committed().ListOpenAttempts(ctx, id)
}
func (s *memStore) DeliveredRecipients(ctx context.Context, id int64) (map[int64]bool, error) {
	return s.committed().DeliveredRecipients(ctx, id)
}
func (s *memStore) HasSuccessor(ctx context.Context, id int64) (bool, error) {
	return s.committed().HasSuccessor(ctx, id)
}
func (s *memStore) SetAttemptStatus(ctx context.Context, id int64, st core.Status) error {
	return s.committed().SetAttemptStatus(ctx, id, st)
}
func (s *memStore) SetAttemptJob(ctx context.Context, id int64, handle string) error {
	return s.committed().SetAttemptJob(ctx, id, handle)
}
func (s *memStore) DailyRollup(ctx context.Context, from, to time.Time) ([]core.RollupRow, error) {
	return s.committed().DailyRollup(ctx, from, to)
}

// recordingQueue wraps the in-memory backend, records call order, checks
// that submitted attempts are already committed and can simulate an outage.
type recordingQueue struct {
	*jobqueue.Memory
	store       *memStore
	mu          sync.Mutex
	calls       []string
	failSubmit  bool
	failCancel  bool
	failState   bool
	uncommitted []int64
}

func newRecordingQueue(store *memStore) *recordingQueue {
	return &recordingQueue{Memory: jobqueue.NewMemory(), store: store}
}

var errQueueDown = core.NewAppError(core.ErrCodeUnavailableQueue, "queue down", nil)

func (q *recordingQueue) Submit(ctx context.Context, attemptID int64, eta time.Time) (string, error) {
	q.mu.Lock()
	q.calls = append(q.calls, fmt.Sprintf("submit:%d", attemptID))
	fail := q.failSubmit
	if _, ok := q.store.committed().attempts[attemptID]; !ok {
		q.uncommitted = append(q.uncommitted, attemptID)
	}
	q.mu.Unlock()
	if fail {
		return "", errQueueDown
	}
	return q.Memory.Submit(ctx, attemptID, eta)
}

func (q *recordingQueue) Cancel(ctx context.Context, handle string) error {
	q.mu.Lock()
	q.calls = append(q.calls, "cancel:"+handle)
	fail := q.failCancel
	q.mu.Unlock()
	if fail {
		return errQueueDown
	}
	return q.Memory.Cancel(ctx, handle)
}

func (q *recordingQueue) State(ctx context.Context, handle string) (jobqueue.State, error) {
	if q.failState {
		return "", errQueueDown
	}
	return q.Memory.State(ctx, handle)
}

func (q *recordingQueue) callLog() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.calls...)
}

type fakeTransport struct {
	mu    sync.Mutex
	err   error
	block bool
	sent  []provider.Message
}

func (f *fakeTransport) Send(ctx context.Context, m provider.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	err, block := f.err, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
