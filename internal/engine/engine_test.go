package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/engine/auth"
	"intakeline/internal/migrate"
	"intakeline/internal/notify"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []notify.Event
}

func (b *recordingBroadcaster) Emit(_ context.Context, ev notify.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBroadcaster) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		out = append(out, ev.Kind)
	}
	return out
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *recordingMailer) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		out = append(out, msg.Subject)
	}
	return out
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Events *recordingBroadcaster
	Mail   *recordingMailer
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	b := &recordingBroadcaster{}
	m := &recordingMailer{}
	eng.Notify = &notify.Dispatcher{Broadcaster: b, Mailer: m, Users: eng.Repo}
	env := testEnv{Engine: eng, Ctx: context.Background(), Events: b, Mail: m, clock: &clock}
	env.seedUser(t, domain.User{ID: "tester", Name: "Tess", Email: "tess@example.com", Role: repo.RolePM})
	env.seedUser(t, domain.User{ID: "pm-1", Name: "Pat", Email: "pat@example.com", Role: repo.RolePM})
	env.seedUser(t, domain.User{ID: "alice", Name: "Alice", Email: "alice@example.com", Role: repo.RoleClient})
	env.seedClient(t, domain.Client{ID: "client-1", Name: "Acme"})
	return env
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) seedUser(t *testing.T, u domain.User) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	u.CreatedAt = env.clock.Format(time.RFC3339)
	if err := env.Engine.Repo.UpsertUser(env.Ctx, tx, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) seedClient(t *testing.T, c domain.Client) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	c.CreatedAt = env.clock.Format(time.RFC3339)
	if err := env.Engine.Repo.InsertClient(env.Ctx, tx, c); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) create(t *testing.T, title string, typ domain.RequestType) domain.Request {
	t.Helper()
	req, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		Title:       title,
		Description: "details",
		Type:        typ,
		Priority:    domain.PriorityHigh,
		ClientID:    "client-1",
		RequesterID: "alice",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	return req
}

func (env testEnv) move(t *testing.T, id string, to domain.Stage) domain.Request {
	t.Helper()
	req, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: id, ToStage: to, Reason: "because", ActorID: "tester"})
	if err != nil {
		t.Fatalf("move %s to %s: %v", id, to, err)
	}
	return req
}

func (env testEnv) estimate(t *testing.T, id string, points int) engine.EstimateResult {
	t.Helper()
	env.move(t, id, domain.StageEstimation)
	res, err := env.Engine.Estimate(env.Ctx, engine.EstimateOptions{ID: id, StoryPoints: points, Confidence: domain.ConfidenceMedium, ActorID: "tester"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	return res
}

func (env testEnv) actions(t *testing.T, id string) []domain.HistoryAction {
	t.Helper()
	hist, err := env.Engine.History(env.Ctx, id, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var out []domain.HistoryAction
	for _, h := range hist {
		out = append(out, h.Action)
	}
	return out
}

func TestCreateAssignsNumberAndHistory(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, "Login broken", domain.TypeBug)
	second := env.create(t, "Dark mode", domain.TypeFeature)
	if first.RequestNumber != "REQ-0001" || second.RequestNumber != "REQ-0002" {
		t.Fatalf("unexpected numbers %s %s", first.RequestNumber, second.RequestNumber)
	}
	if first.Stage != domain.StageInTreatment || first.StageEnteredAt != "2024-01-01T09:00:00Z" {
		t.Fatalf("unexpected initial stage %+v", first)
	}
	if got := env.actions(t, first.ID); len(got) != 1 || got[0] != domain.ActionCreated {
		t.Fatalf("expected created history, got %v", got)
	}
	env.Engine.Notify.Wait()
	if kinds := env.Events.kinds(); len(kinds) != 2 || kinds[0] != notify.KindCreated {
		t.Fatalf("expected two created broadcasts, got %v", kinds)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]engine.CreateOptions{
		"empty title":    {Title: " ", Description: "d", Type: domain.TypeBug, ActorID: "tester"},
		"long title":     {Title: strings.Repeat("x", 501), Description: "d", Type: domain.TypeBug, ActorID: "tester"},
		"no description": {Title: "t", Type: domain.TypeBug, ActorID: "tester"},
		"bad type":       {Title: "t", Description: "d", Type: "chore", ActorID: "tester"},
		"bad priority":   {Title: "t", Description: "d", Type: domain.TypeBug, Priority: "urgent", ActorID: "tester"},
	}
	for name, opts := range cases {
		if _, err := env.Engine.Create(env.Ctx, opts); !errors.Is(err, pipeline.ErrInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Title: "t", Description: "d", Type: domain.TypeBug, ClientID: "nope", ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("expected unknown client to be not found, got %v", err)
	}
}

func TestConcurrentCreatesGetDistinctNumbers(t *testing.T) {
	env := newTestEnv(t)
	const n = 12
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
				Title:       fmt.Sprintf("req %d", i),
				Description: "d",
				Type:        domain.TypeSupport,
				ActorID:     "tester",
			})
			if err != nil {
				errs <- err
				return
			}
			numbers <- req.RequestNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}
	seen := map[string]bool{}
	for num := range numbers {
		if seen[num] {
			t.Fatalf("duplicate request number %s", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d numbers, got %d", n, len(seen))
	}
}

func TestTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Export CSV", domain.TypeFeature)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: req.ID, ToStage: domain.StageReady, ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrInvalidArgument) || !strings.Contains(err.Error(), "in_treatment") || !strings.Contains(err.Error(), "ready") {
		t.Fatalf("expected invalid edge naming both stages, got %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: req.ID, ToStage: domain.StageInTreatment, ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected same-stage move to be rejected, got %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: req.ID, ToStage: domain.StageOnHold, ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected missing hold reason to be rejected, got %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: "missing", ToStage: domain.StageEstimation, ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	env.advance(time.Hour)
	moved := env.move(t, req.ID, domain.StageEstimation)
	if moved.Stage != domain.StageEstimation || moved.StageEnteredAt != "2024-01-01T10:00:00Z" {
		t.Fatalf("stage clock not reset: %+v", moved)
	}
	hist, err := env.Engine.History(env.Ctx, req.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := hist[len(hist)-1]
	if last.Action != domain.ActionStageChanged || last.Metadata["old_stage"] != "in_treatment" || last.Metadata["new_stage"] != "estimation" {
		t.Fatalf("unexpected history %+v", last)
	}

	env.Engine.Notify.Wait()
	subjects := env.Mail.subjects()
	if len(subjects) != 1 || subjects[0] != fmt.Sprintf("Request %s moved to estimation", req.RequestNumber) {
		t.Fatalf("expected requester email on estimation, got %v", subjects)
	}
}

func TestHoldAndResume(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "SSO", domain.TypeFeature)

	held, err := env.Engine.Hold(env.Ctx, req.ID, "waiting on client", "tester")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if held.HoldReason == nil || *held.HoldReason != "waiting on client" || held.HoldStartedAt == nil {
		t.Fatalf("hold fields not set: %+v", held)
	}
	if _, err := env.Engine.Hold(env.Ctx, req.ID, "again", "tester"); !errors.Is(err, pipeline.ErrConflict) {
		t.Fatalf("expected conflict on second hold, got %v", err)
	}

	env.advance(90 * time.Minute)
	resumed, err := env.Engine.Resume(env.Ctx, req.ID, "tester")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Stage != domain.StageInTreatment || resumed.HoldReason != nil || resumed.HoldStartedAt != nil {
		t.Fatalf("hold fields not cleared: %+v", resumed)
	}
	if _, err := env.Engine.Resume(env.Ctx, req.ID, "tester"); !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected resume of active request to fail, got %v", err)
	}
	hist, err := env.Engine.History(env.Ctx, req.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := hist[len(hist)-1]
	if last.Action != domain.ActionResumed || last.Metadata["hold_hours"] != 1.5 {
		t.Fatalf("unexpected resume history %+v", last)
	}
}

func TestEstimateMovesToReady(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Reports", domain.TypeFeature)

	if _, err := env.Engine.Estimate(env.Ctx, engine.EstimateOptions{ID: req.ID, StoryPoints: 3, Confidence: domain.ConfidenceHigh, ActorID: "tester"}); !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected estimate outside estimation to fail, got %v", err)
	}
	env.move(t, req.ID, domain.StageEstimation)
	for _, pts := range []int{0, 101} {
		if _, err := env.Engine.Estimate(env.Ctx, engine.EstimateOptions{ID: req.ID, StoryPoints: pts, Confidence: domain.ConfidenceHigh, ActorID: "tester"}); !errors.Is(err, pipeline.ErrInvalidArgument) {
			t.Fatalf("expected %d points to be rejected, got %v", pts, err)
		}
	}
	res, err := env.Engine.Estimate(env.Ctx, engine.EstimateOptions{ID: req.ID, StoryPoints: 13, Confidence: domain.ConfidenceLow, Notes: "big", ActorID: "tester"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if res.Request.Stage != domain.StageReady || res.Recommendation != domain.ConvertToProject {
		t.Fatalf("unexpected estimate result %+v", res)
	}
	if res.Request.EstimatorID == nil || *res.Request.EstimatorID != "tester" || res.Request.EstimatedAt == nil {
		t.Fatalf("estimation fields not set: %+v", res.Request)
	}
	env.Engine.Notify.Wait()
	found := false
	for _, k := range env.Events.kinds() {
		if k == notify.KindEstimated {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected estimated broadcast")
	}
}

func TestConvertRoutesAndOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	small := env.create(t, "Typo", domain.TypeBug)
	env.estimate(t, small.ID, 3)

	res, err := env.Engine.Convert(env.Ctx, engine.ConvertOptions{ID: small.ID, DestinationType: domain.ConvertToProject, ActorID: "tester"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.ConvertedToType != domain.ConvertToTicket || res.RoutedBy != engine.RoutedByPolicy {
		t.Fatalf("expected routing to pick ticket, got %+v", res)
	}
	ticket, err := env.Engine.Repo.GetTicket(env.Ctx, res.ConvertedToID)
	if err != nil {
		t.Fatalf("load ticket: %v", err)
	}
	if ticket.TicketNumber != "TKT-0001" || ticket.Type != "bug" || ticket.Status != "open" || ticket.ClientID != "client-1" {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	got, err := env.Engine.Get(env.Ctx, small.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsConverted || got.ConvertedToID == nil || *got.ConvertedToID != res.ConvertedToID {
		t.Fatalf("request not marked converted: %+v", got)
	}

	_, err = env.Engine.Convert(env.Ctx, engine.ConvertOptions{ID: small.ID, DestinationType: domain.ConvertToTicket, ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected second convert to fail, got %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: small.ID, ToStage: domain.StageEstimation, ActorID: "tester"}); !errors.Is(err, pipeline.ErrConflict) {
		t.Fatalf("expected converted request to reject transitions, got %v", err)
	}
	n, err := env.Engine.Repo.CountHistory(env.Ctx, small.ID, domain.ActionConverted)
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one converted entry, got %d (%v)", n, err)
	}

	env.Engine.Notify.Wait()
	want := fmt.Sprintf("Your request %s has been converted to a ticket", small.RequestNumber)
	found := false
	for _, s := range env.Mail.subjects() {
		if s == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected conversion email %q in %v", want, env.Mail.subjects())
	}
}

func TestConvertOverrideAndPrerequisites(t *testing.T) {
	env := newTestEnv(t)
	big := env.create(t, "Platform", domain.TypeFeature)
	big, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ID: big.ID, Priority: ptr(domain.PriorityCritical), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	env.estimate(t, big.ID, 5)
	res, err := env.Engine.Convert(env.Ctx, engine.ConvertOptions{ID: big.ID, DestinationType: domain.ConvertToProject, OverrideRouting: true, ActorID: "tester"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.ConvertedToType != domain.ConvertToProject || res.RoutedBy != engine.RoutedByOverride {
		t.Fatalf("override ignored: %+v", res)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, res.ConvertedToID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Priority != "urgent" || p.Status != "proposal" || p.OwnerID != "tester" {
		t.Fatalf("unexpected project %+v", p)
	}

	noClient, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Title: "Orphan", Description: "d", Type: domain.TypeBug, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	env.estimate(t, noClient.ID, 2)
	_, err = env.Engine.Convert(env.Ctx, engine.ConvertOptions{ID: noClient.ID, DestinationType: domain.ConvertToTicket, ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrInvalidArgument) || err.Error() != "request must have a client assigned to convert to a ticket" {
		t.Fatalf("expected client prerequisite error, got %v", err)
	}

	early := env.create(t, "Early", domain.TypeBug)
	if _, err := env.Engine.Convert(env.Ctx, engine.ConvertOptions{ID: early.ID, DestinationType: domain.ConvertToTicket, ActorID: "tester"}); !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected convert outside ready to fail, got %v", err)
	}
}

func TestBulkTransitionPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", domain.TypeBug)
	b := env.create(t, "b", domain.TypeBug)
	c := env.create(t, "c", domain.TypeBug)
	if _, err := env.Engine.Cancel(env.Ctx, c.ID, "duplicate", "tester"); err != nil {
		t.Fatal(err)
	}
	env.move(t, b.ID, domain.StageEstimation)

	env.advance(time.Hour)
	res, err := env.Engine.BulkTransition(env.Ctx, engine.BulkTransitionOptions{
		IDs:     []string{a.ID, b.ID, c.ID, "ghost", a.ID},
		ToStage: domain.StageEstimation,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(res.SuccessIDs)+len(res.Failed) != 5 {
		t.Fatalf("every id must be reported once: %+v", res)
	}
	if len(res.SuccessIDs) != 2 || res.SuccessIDs[0] != a.ID || res.SuccessIDs[1] != b.ID {
		t.Fatalf("unexpected successes %v", res.SuccessIDs)
	}
	wantErrs := map[string]string{c.ID: "cannot transition a cancelled request", "ghost": "request not found"}
	for _, f := range res.Failed {
		if want, ok := wantErrs[f.ID]; ok && f.Error != want {
			t.Fatalf("%s: got %q want %q", f.ID, f.Error, want)
		}
	}
	if res.Failed[len(res.Failed)-1].Error != "duplicate request id" {
		t.Fatalf("expected duplicate id failure, got %+v", res.Failed)
	}

	gotA, _ := env.Engine.Get(env.Ctx, a.ID)
	gotB, _ := env.Engine.Get(env.Ctx, b.ID)
	if gotA.Stage != domain.StageEstimation || gotA.StageEnteredAt != "2024-01-01T10:00:00Z" {
		t.Fatalf("a not moved: %+v", gotA)
	}
	if gotB.StageEnteredAt != "2024-01-01T09:00:00Z" {
		t.Fatalf("same-stage item must keep its stage clock: %+v", gotB)
	}
	if n, _ := env.Engine.Repo.CountHistory(env.Ctx, b.ID, domain.ActionStageChanged); n != 1 {
		t.Fatalf("same-stage item must not get bulk history, got %d entries", n)
	}
	hist, _ := env.Engine.History(env.Ctx, a.ID, 0)
	last := hist[len(hist)-1]
	if last.Metadata["bulk_operation"] != true {
		t.Fatalf("expected bulk marker, got %+v", last)
	}
}

func TestBulkTransitionHoldAndValidation(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", domain.TypeBug)
	_, err := env.Engine.BulkTransition(env.Ctx, engine.BulkTransitionOptions{IDs: []string{a.ID}, ToStage: domain.StageOnHold, ActorID: "tester"})
	if !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected missing reason to reject the call, got %v", err)
	}
	if _, err := env.Engine.BulkTransition(env.Ctx, engine.BulkTransitionOptions{ToStage: domain.StageReady, ActorID: "tester"}); !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected empty id list to be rejected, got %v", err)
	}
	res, err := env.Engine.BulkTransition(env.Ctx, engine.BulkTransitionOptions{IDs: []string{a.ID}, ToStage: domain.StageOnHold, Reason: "budget", ActorID: "tester"})
	if err != nil || len(res.SuccessIDs) != 1 {
		t.Fatalf("bulk hold: %+v %v", res, err)
	}
	got, _ := env.Engine.Get(env.Ctx, a.ID)
	if got.HoldReason == nil || *got.HoldReason != "budget" || got.HoldStartedAt == nil {
		t.Fatalf("hold fields not set by bulk: %+v", got)
	}
	if acts := env.actions(t, a.ID); acts[len(acts)-1] != domain.ActionPutOnHold {
		t.Fatalf("expected put_on_hold history, got %v", acts)
	}
	env.Engine.Notify.Wait()
	for _, k := range env.Events.kinds() {
		if k == notify.KindStageChanged {
			t.Fatalf("bulk operations must not broadcast stage changes")
		}
	}
}

func TestBulkAssignPM(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", domain.TypeBug)
	b := env.create(t, "b", domain.TypeBug)
	if _, err := env.Engine.AssignPM(env.Ctx, b.ID, "pm-1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BulkAssignPM(env.Ctx, []string{a.ID}, "nobody", "tester"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("expected unknown PM to be not found, got %v", err)
	}
	res, err := env.Engine.BulkAssignPM(env.Ctx, []string{a.ID, b.ID, "ghost"}, "pm-1", "tester")
	if err != nil {
		t.Fatalf("bulk assign: %v", err)
	}
	if len(res.SuccessIDs) != 2 || len(res.Failed) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := env.Engine.Get(env.Ctx, a.ID)
	if got.AssignedPMID == nil || *got.AssignedPMID != "pm-1" {
		t.Fatalf("pm not assigned: %+v", got)
	}
	if n, _ := env.Engine.Repo.CountHistory(env.Ctx, b.ID, domain.ActionAssignedPM); n != 1 {
		t.Fatalf("unchanged PM must not add history, got %d", n)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Old idea", domain.TypeOther)
	if _, err := env.Engine.Cancel(env.Ctx, req.ID, "obsolete", "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, req.ID, "again", "tester"); !errors.Is(err, pipeline.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	title := "New title"
	if _, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ID: req.ID, Title: &title, ActorID: "tester"}); !errors.Is(err, pipeline.ErrConflict) {
		t.Fatalf("expected cancelled request to reject updates, got %v", err)
	}
	list, err := env.Engine.List(env.Ctx, repo.RequestFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("cancelled requests are hidden by default, got %d", len(list))
	}
}

func TestMutationsRequireActor(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "x", domain.TypeBug)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: req.ID, ToStage: domain.StageEstimation}); !errors.Is(err, pipeline.ErrInvalidArgument) {
		t.Fatalf("expected missing actor to be rejected, got %v", err)
	}
}

func TestBulkTransitionLargeBatch(t *testing.T) {
	env := newTestEnv(t)
	const n = 6000
	_, err := env.Engine.DB.ExecContext(env.Ctx, `WITH RECURSIVE seq(i) AS (SELECT 1 UNION ALL SELECT i+1 FROM seq WHERE i < ?)
INSERT INTO requests(id, request_number, title, description, type, priority, stage, stage_entered_at, requester_id, created_at, updated_at)
SELECT 'bulk-' || i, printf('BULK-%05d', i), 'seeded', 'seeded', 'bug', 'medium', 'in_treatment', ?, 'alice', ?, ? FROM seq`,
		n, "2024-01-01T09:00:00Z", "2024-01-01T09:00:00Z", "2024-01-01T09:00:00Z")
	if err != nil {
		t.Fatalf("seed requests: %v", err)
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("bulk-%d", i+1)
	}

	env.advance(time.Hour)
	res, err := env.Engine.BulkTransition(env.Ctx, engine.BulkTransitionOptions{IDs: ids, ToStage: domain.StageEstimation, ActorID: "tester"})
	if err != nil {
		t.Fatalf("bulk transition of %d requests: %v", n, err)
	}
	if len(res.SuccessIDs) != n || len(res.Failed) != 0 {
		t.Fatalf("expected %d successes, got %d (failed %d)", n, len(res.SuccessIDs), len(res.Failed))
	}
	var moved, history int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM requests WHERE stage='estimation' AND stage_entered_at='2024-01-01T10:00:00Z'`).Scan(&moved); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM request_history WHERE action=?`, string(domain.ActionStageChanged)).Scan(&history); err != nil {
		t.Fatal(err)
	}
	if moved != n || history != n {
		t.Fatalf("moved %d rows with %d history entries, want %d", moved, history, n)
	}

	res, err = env.Engine.BulkAssignPM(env.Ctx, ids, "pm-1", "tester")
	if err != nil || len(res.SuccessIDs) != n {
		t.Fatalf("bulk assign of %d requests: %d successes, err %v", n, len(res.SuccessIDs), err)
	}
}

func TestBulkTransitionSameStageRowsKeepClock(t *testing.T) {
	env := newTestEnv(t)
	held := env.create(t, "held", domain.TypeBug)
	if _, err := env.Engine.Hold(env.Ctx, held.ID, "vendor", "tester"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	fresh := env.create(t, "fresh", domain.TypeBug)

	env.advance(2 * time.Hour)
	res, err := env.Engine.BulkTransition(env.Ctx, engine.BulkTransitionOptions{IDs: []string{held.ID, fresh.ID}, ToStage: domain.StageOnHold, Reason: "freeze", ActorID: "tester"})
	if err != nil || len(res.SuccessIDs) != 2 {
		t.Fatalf("bulk hold: %+v %v", res, err)
	}
	kept, _ := env.Engine.Get(env.Ctx, held.ID)
	if kept.StageEnteredAt != "2024-01-01T09:00:00Z" || kept.HoldReason == nil || *kept.HoldReason != "vendor" {
		t.Fatalf("already-held request lost its clock or reason: %+v", kept)
	}
	if n, _ := env.Engine.Repo.CountHistory(env.Ctx, held.ID, domain.ActionPutOnHold); n != 1 {
		t.Fatalf("already-held request got extra history: %d", n)
	}
	moved, _ := env.Engine.Get(env.Ctx, fresh.ID)
	if moved.StageEnteredAt != "2024-01-01T11:00:00Z" || moved.HoldReason == nil || *moved.HoldReason != "freeze" {
		t.Fatalf("fresh request not held: %+v", moved)
	}
}

func TestStageChangeRollsBackWithHistory(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Atomic", domain.TypeBug)
	if _, err := env.Engine.DB.Exec(`CREATE TRIGGER history_unavailable BEFORE INSERT ON request_history
BEGIN
  SELECT RAISE(ABORT, 'history unavailable');
END`); err != nil {
		t.Fatalf("install trigger: %v", err)
	}

	env.advance(time.Hour)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: req.ID, ToStage: domain.StageEstimation, ActorID: "tester"}); err == nil {
		t.Fatalf("expected transition to fail when history cannot be written")
	}
	if _, err := env.Engine.BulkTransition(env.Ctx, engine.BulkTransitionOptions{IDs: []string{req.ID}, ToStage: domain.StageEstimation, ActorID: "tester"}); err == nil {
		t.Fatalf("expected bulk transition to fail when history cannot be written")
	}
	got, err := env.Engine.Get(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StageInTreatment || got.StageEnteredAt != req.StageEnteredAt {
		t.Fatalf("stage changed without history: %+v", got)
	}

	if _, err := env.Engine.DB.Exec(`DROP TRIGGER history_unavailable`); err != nil {
		t.Fatal(err)
	}
	env.move(t, req.ID, domain.StageEstimation)
}

func TestUnknownActorRegisteredAsClient(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Title: "Portal bug", Description: "d", Type: domain.TypeBug, ActorID: "newclient"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	roles, err := env.Engine.Auth.ActorRoles(env.Ctx, "newclient", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != repo.RoleClient {
		t.Fatalf("new actor registered with roles %v", roles)
	}
	var fe auth.ForbiddenError
	if err := env.Engine.Auth.Require(env.Ctx, "newclient", nil, auth.PermRequestManage); !errors.As(err, &fe) {
		t.Fatalf("registered actor must not gain manage, got %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
