package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"connectreward/pkg/taskname"
	"connectreward/services/ledger"
	"connectreward/services/notification"
	"connectreward/services/settings"
	"connectreward/services/testutil"
	"connectreward/services/tier"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if f.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.ids[id] = true
		}
	}
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (r *recordingNotifier) Notify(_ context.Context, events ...notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memArchive) Archive(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

type tenantFlags map[string]bool

func (f tenantFlags) ExpiryEnabled(_ context.Context, tenantID string) bool {
	on, ok := f[tenantID]
	return !ok || on
}

type harness struct {
	db        *gorm.DB
	svc       *Service
	settings  *settings.Service
	projector *ledger.Projector
	enqueuer  *fakeEnqueuer
	notifier  *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	models := append([]any{&settings.Tenant{}}, ledger.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	st := settings.NewService(settings.Params{DB: db, Node: node})
	projector := ledger.NewProjector(ledger.ProjectorParams{DB: db, Store: ledger.NewStore(db, node), Thresholds: st})
	enq := &fakeEnqueuer{}
	notifier := &recordingNotifier{}

	return &harness{
		db:        db,
		settings:  st,
		projector: projector,
		enqueuer:  enq,
		notifier:  notifier,
		svc: NewService(Params{
			DB:        db,
			Node:      node,
			Enqueuer:  enq,
			Tenants:   st,
			Projector: projector,
			Notifier:  notifier,
		}),
	}
}

func (h *harness) tenant(t *testing.T, months int) string {
	t.Helper()
	ts := settings.Defaults()
	ts.PointsExpirationMonths = months
	tn, err := h.settings.CreateTenant(context.Background(), settings.CreateTenantParams{Name: "Acme", Settings: &ts})
	require.NoError(t, err)
	return tn.ID
}

func (h *harness) account(t *testing.T, tenantID string) string {
	t.Helper()
	acc := &ledger.Account{ID: tenantID + "-acc", TenantID: tenantID, Tier: tier.Bronze}
	require.NoError(t, h.db.Create(acc).Error)
	return acc.ID
}

func (h *harness) apply(t *testing.T, accountID string, amount int64, typ ledger.EntryType) {
	t.Helper()
	_, err := h.projector.ApplyAndProject(context.Background(), ledger.ApplyParams{
		AccountID: accountID, Amount: amount, Type: typ, Description: "test",
	})
	require.NoError(t, err)
}

func (h *harness) age(t *testing.T, accountID string, by time.Duration) {
	t.Helper()
	require.NoError(t, h.db.Model(&ledger.CreditLot{}).
		Where("account_id = ?", accountID).
		Update("created_at", time.Now().UTC().Add(-by)).Error)
}

func TestRunExpiryExpiresOldLots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, 12)
	accountID := h.account(t, tenantID)

	h.apply(t, accountID, 1500, ledger.EntryEarned)
	h.apply(t, accountID, -200, ledger.EntryAdjusted)
	h.age(t, accountID, 400*24*time.Hour)
	h.apply(t, accountID, 100, ledger.EntryEarned)

	job, err := h.svc.RunExpiry(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, JobSuccess, job.Status)
	require.EqualValues(t, 1, job.LotsExpired)
	require.EqualValues(t, 1300, job.PointsExpired)

	acc, err := h.projector.Account(ctx, accountID)
	require.NoError(t, err)
	require.EqualValues(t, 100, acc.Balance)
	require.Equal(t, tier.Bronze, acc.Tier)

	entries, err := h.projector.Store().ListByAccount(ctx, accountID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.Equal(t, ledger.EntryExpired, last.Type)
	require.EqualValues(t, -1300, last.Amount)

	rec, err := h.projector.Reconcile(ctx, accountID)
	require.NoError(t, err)
	require.False(t, rec.Corrected)

	var kinds []notification.Kind
	for _, e := range h.notifier.events {
		kinds = append(kinds, e.Kind)
	}
	require.Contains(t, kinds, notification.KindPointsExpired)
	require.Contains(t, kinds, notification.KindTierChange)

	again, err := h.svc.RunExpiry(ctx, tenantID)
	require.NoError(t, err)
	require.Zero(t, again.LotsExpired)

	jobs, err := h.svc.Jobs(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestRunExpiryNeverExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenantID := h.tenant(t, 0)
	accountID := h.account(t, tenantID)

	h.apply(t, accountID, 500, ledger.EntryEarned)
	h.age(t, accountID, 10*365*24*time.Hour)

	job, err := h.svc.RunExpiry(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, JobSuccess, job.Status)
	require.Nil(t, job.Cutoff)

	b, err := h.projector.CurrentBalance(ctx, accountID)
	require.NoError(t, err)
	require.EqualValues(t, 500, b)
}

func TestRunExpiryUnknownTenant(t *testing.T) {
	h := newHarness(t)

	job, err := h.svc.RunExpiry(context.Background(), "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.Equal(t, JobFailed, job.Status)
}

func TestEnqueueAllTenants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.tenant(t, 6)
	}

	n, err := h.svc.EnqueueAllTenants(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, h.enqueuer.tasks, 3)
	require.Equal(t, taskname.LedgerExpiryTenant, h.enqueuer.tasks[0].Type())

	// Same day: the task ids collide and nothing new is queued.
	_, err = h.svc.EnqueueAllTenants(ctx)
	require.NoError(t, err)
	require.Len(t, h.enqueuer.tasks, 3)
}

func TestHandleExpiryTask(t *testing.T) {
	h := newHarness(t)
	tenantID := h.tenant(t, 6)

	require.NoError(t, h.svc.EnqueueTenant(context.Background(), tenantID))
	require.NoError(t, h.svc.HandleExpiryTask(context.Background(), h.enqueuer.tasks[0]))

	err := h.svc.HandleExpiryTask(context.Background(), asynq.NewTask(taskname.LedgerExpiryTenant, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2025, 10, 18, 1, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 10, 18, 2, 0, 0, 0, time.UTC), nextRunTime(now, 2, 0))
	require.Equal(t, time.Date(2025, 10, 19, 1, 0, 0, 0, time.UTC), nextRunTime(now, 1, 0))
	require.Equal(t, time.Date(2025, 10, 19, 1, 30, 0, 0, time.UTC), nextRunTime(now, 1, 30))
}

func TestRunExpiryArchivesReport(t *testing.T) {
	h := newHarness(t)
	archive := &memArchive{}
	h.svc.archiver = archive
	ctx := context.Background()
	tenantID := h.tenant(t, 6)
	accountID := h.account(t, tenantID)

	h.apply(t, accountID, 400, ledger.EntryEarned)
	h.age(t, accountID, 200*24*time.Hour)

	job, err := h.svc.RunExpiry(ctx, tenantID)
	require.NoError(t, err)

	body, ok := archive.objects[ArchiveKey(job)]
	require.True(t, ok)

	var report runReport
	require.NoError(t, json.Unmarshal(body, &report))
	require.Equal(t, job.ID, report.Job.ID)
	require.Len(t, report.Accounts, 1)
	require.Equal(t, accountID, report.Accounts[0].AccountID)
	require.EqualValues(t, 400, report.Accounts[0].Points)

	// A failing store does not fail the run.
	archive.err = errors.New("bucket unavailable")
	_, err = h.svc.RunExpiry(ctx, tenantID)
	require.NoError(t, err)
}

func TestEnqueueAllTenantsSkipsDisabled(t *testing.T) {
	h := newHarness(t)
	on := h.tenant(t, 6)
	off := h.tenant(t, 6)
	h.svc.flags = tenantFlags{on: true, off: false}

	n, err := h.svc.EnqueueAllTenants(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, h.enqueuer.tasks, 1)

	var payload tenantPayload
	require.NoError(t, json.Unmarshal(h.enqueuer.tasks[0].Payload(), &payload))
	require.Equal(t, on, payload.TenantID)
}
