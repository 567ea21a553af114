package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/mandates"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeRecords is an in-memory payment-record system.
type fakeRecords struct {
	mu        sync.Mutex
	recurs    []*models.RecurringPayment
	payments  []*models.Contribution
	contacts  map[uint]*models.Contact
	source    string
	nextId    uint
	saves     []models.PaymentParams
	completes []uint
	repeats   []models.PaymentParams
	recurSave int
	failSave  error

	failComplete error
	failRepeat   error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{contacts: map[uint]*models.Contact{}, nextId: 100}
}

func (f *fakeRecords) addRecurring(r *models.RecurringPayment) *models.RecurringPayment {
	f.recurs = append(f.recurs, r)
	if _, ok := f.contacts[r.ContactId]; !ok {
		f.contacts[r.ContactId] = &models.Contact{ID: r.ContactId, DisplayName: "Jane Payer"}
	}
	return r
}

func (f *fakeRecords) addPayment(p *models.Contribution) *models.Contribution {
	if p.ID == 0 {
		f.nextId++
		p.ID = f.nextId
	}
	f.payments = append(f.payments, p)
	return p
}

func (f *fakeRecords) paymentsOf(recurringId uint) []*models.Contribution {
	var out []*models.Contribution
	for _, p := range f.payments {
		if p.RecurringPaymentId == recurringId {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeRecords) GetRecurringByTransactionId(_ context.Context, transactionId string) (*models.RecurringPayment, error) {
	var found []*models.RecurringPayment
	for _, r := range f.recurs {
		if r.TransactionId == transactionId {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return nil, models.ErrRecurringNotFound
	case 1:
		return found[0], nil
	}
	return nil, models.ErrRecurringAmbiguous
}

func (f *fakeRecords) ListPayments(_ context.Context, recurringId uint) ([]*models.Contribution, error) {
	out := f.paymentsOf(recurringId)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := receiveDateOf(out[i]), receiveDateOf(out[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (f *fakeRecords) OldestPayment(_ context.Context, recurringId uint) (*models.Contribution, error) {
	var oldest *models.Contribution
	for _, p := range f.paymentsOf(recurringId) {
		if p.ReceiveDate == nil {
			continue
		}
		if oldest == nil || p.ReceiveDate.Before(*oldest.ReceiveDate) {
			oldest = p
		}
	}
	return oldest, nil
}

func (f *fakeRecords) GetPaymentByTransactionId(_ context.Context, transactionId string) (*models.Contribution, error) {
	for _, p := range f.payments {
		if p.TransactionId == transactionId {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) GetPayment(_ context.Context, id uint) (*models.Contribution, error) {
	for _, p := range f.payments {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func applyParams(p *models.Contribution, params models.PaymentParams) {
	date := params.ReceiveDate
	p.ContactId = params.ContactId
	p.RecurringPaymentId = params.RecurringPaymentId
	p.Amount = params.Amount
	p.ReceiveDate = &date
	p.TransactionId = params.TransactionId
	p.InvoiceId = params.InvoiceId
	p.FinancialTypeId = params.FinancialTypeId
	p.PaymentInstrumentId = params.PaymentInstrumentId
	p.Source = params.Source
	if params.Status != "" {
		p.Status = params.Status
	}
	if p.Status == "" {
		p.Status = models.PaymentStatusCompleted
	}
}

func (f *fakeRecords) SavePayment(ctx context.Context, params models.PaymentParams) (*models.Contribution, error) {
	f.saves = append(f.saves, params)
	if f.failSave != nil {
		return nil, f.failSave
	}
	if params.ID != 0 {
		p, err := f.GetPayment(ctx, params.ID)
		if err != nil {
			return nil, err
		}
		applyParams(p, params)
		return p, nil
	}
	p := &models.Contribution{}
	applyParams(p, params)
	return f.addPayment(p), nil
}

func (f *fakeRecords) CompleteTransaction(ctx context.Context, payment *models.Contribution) (*models.Contribution, error) {
	f.completes = append(f.completes, payment.ID)
	if f.failComplete != nil {
		return nil, f.failComplete
	}
	p, err := f.GetPayment(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatusCompleted
	return p, nil
}

func (f *fakeRecords) RepeatTransaction(ctx context.Context, params models.PaymentParams) (*models.Contribution, error) {
	f.repeats = append(f.repeats, params)
	if f.failRepeat != nil {
		return nil, f.failRepeat
	}
	if params.OriginalPaymentId == 0 {
		return nil, models.ErrMissingTemplate
	}
	if _, err := f.GetPayment(ctx, params.OriginalPaymentId); err != nil {
		return nil, err
	}
	p := &models.Contribution{}
	applyParams(p, params)
	return f.addPayment(p), nil
}

func (f *fakeRecords) SaveRecurring(_ context.Context, _ *models.RecurringPayment) error {
	f.recurSave++
	return nil
}

func (f *fakeRecords) GetContact(_ context.Context, id uint) (*models.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return nil, models.ErrContactNotFound
	}
	return c, nil
}

func (f *fakeRecords) GetSubscriptionSource(_ context.Context, _ uint) (string, error) {
	return f.source, nil
}

// fakeMandates serves mandates from a map.
type fakeMandates struct {
	byRef   map[string]*mandates.Mandate
	lookups []string
	err     error
}

func newFakeMandates(ms ...*mandates.Mandate) *fakeMandates {
	f := &fakeMandates{byRef: map[string]*mandates.Mandate{}}
	for _, m := range ms {
		f.byRef[m.Reference] = m
	}
	return f
}

func (f *fakeMandates) LookupByTransactionId(_ context.Context, reference string, _ bool) (*mandates.Mandate, error) {
	f.lookups = append(f.lookups, reference)
	if f.err != nil {
		return nil, f.err
	}
	return f.byRef[reference], nil
}

func (f *fakeMandates) Page(_ context.Context, offset, limit int, onlyWithRecurLink bool) ([]*mandates.Mandate, error) {
	var all []*mandates.Mandate
	for _, m := range f.byRef {
		if onlyWithRecurLink && !m.HasRecurLink() {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Reference < all[j].Reference })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

type fakeResults struct {
	entries []*models.SyncResultEntry
	cleared int
}

func (f *fakeResults) SaveSyncResult(_ context.Context, entry *models.SyncResultEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeResults) ClearSyncResults(_ context.Context) error {
	f.cleared++
	f.entries = nil
	return nil
}

// fakeQueue mirrors models.SyncQueue without a database.
type fakeQueue struct {
	items  []*models.SyncQueueItem
	nextId uint
}

func (q *fakeQueue) Reset(context.Context) error {
	q.items = nil
	return nil
}

func (q *fakeQueue) Push(_ context.Context, kind string, title string, payload []byte) (*models.SyncQueueItem, error) {
	q.nextId++
	item := &models.SyncQueueItem{
		ID:        q.nextId,
		QueueName: QueueName,
		Sequence:  len(q.items) + 1,
		Kind:      kind,
		Title:     title,
		Payload:   payload,
		Status:    models.SyncQueueStatusPending,
	}
	q.items = append(q.items, item)
	return item, nil
}

func (q *fakeQueue) Next(context.Context) (*models.SyncQueueItem, error) {
	for _, it := range q.items {
		if it.Status == models.SyncQueueStatusDone {
			continue
		}
		if it.Status == models.SyncQueueStatusFailed {
			return nil, models.ErrQueueBlocked
		}
		it.Status = models.SyncQueueStatusRunning
		it.Attempts++
		return it, nil
	}
	return nil, nil
}

func (q *fakeQueue) find(id uint) *models.SyncQueueItem {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (q *fakeQueue) MarkDone(_ context.Context, id uint) error {
	q.find(id).Status = models.SyncQueueStatusDone
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id uint, cause error) error {
	it := q.find(id)
	msg := cause.Error()
	it.Status = models.SyncQueueStatusFailed
	it.LastError = &msg
	return nil
}

func (q *fakeQueue) Requeue(context.Context) (int64, error) {
	var n int64
	for _, it := range q.items {
		if it.Status == models.SyncQueueStatusFailed || it.Status == models.SyncQueueStatusRunning {
			it.Status = models.SyncQueueStatusPending
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) Items(context.Context) ([]*models.SyncQueueItem, error) {
	return q.items, nil
}

func (q *fakeQueue) kinds() []string {
	var out []string
	for _, it := range q.items {
		out = append(out, it.Kind)
	}
	return out
}

// fakeReports holds report rows in memory.
type fakeReports struct {
	rows       []*models.CollectionReportEntry
	retrieved  []time.Time
	getErr     error
	removed    int64
	retention  time.Duration
	retrieveFn func(date time.Time) int
	deleted    int
}

func (f *fakeReports) RetrieveDaily(_ context.Context, date time.Time) (int, error) {
	f.retrieved = append(f.retrieved, date)
	if f.retrieveFn != nil {
		return f.retrieveFn(date), nil
	}
	return 0, nil
}

func (f *fakeReports) Delete(context.Context) error {
	f.deleted++
	f.rows = nil
	return nil
}

func (f *fakeReports) Count(context.Context) (int, error) {
	return len(f.rows), nil
}

func (f *fakeReports) Get(_ context.Context, offset, limit int) ([]*models.CollectionReportEntry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], nil
}

func (f *fakeReports) RemoveOld(_ context.Context, retention time.Duration) (int64, error) {
	f.retention = retention
	return f.removed, nil
}

var errBoom = errors.New("boom")

func quietLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }
