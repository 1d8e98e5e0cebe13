package lifecycle

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/reservation"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: -6.175, Lon: 106.827}

func north(km float64) models.Coord {
	return models.Coord{Lat: pickup.Lat + km/111.195, Lon: pickup.Lon}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sent struct {
	target string
	msg    dispatch.Message
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Notify(_ context.Context, target string, msg dispatch.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{target, msg})
}

func (r *recorder) types(target string) []dispatch.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.MessageType
	for _, s := range r.msgs {
		if s.target == target {
			out = append(out, s.msg.Type)
		}
	}
	return out
}

func (r *recorder) last(target string) dispatch.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].target == target {
			return r.msgs[i].msg
		}
	}
	return dispatch.Message{}
}

type gateway struct {
	mu         sync.Mutex
	captured   []string
	released   []string
	captureErr error
}

func (g *gateway) Capture(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureErr != nil {
		return g.captureErr
	}
	g.captured = append(g.captured, id)
	return nil
}

func (g *gateway) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, id)
	return nil
}

type fixture struct {
	clock  *clock
	store  *storage.MemoryStore
	index  *geo.MemoryIndex
	queue  *queue.MemoryQueue
	leases *reservation.MemoryLeaser
	notes  *recorder
	pay    *gateway
	d      *matcher.Dispatcher
	c      *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	f := &fixture{
		clock:  clk,
		store:  storage.NewMemoryStore(),
		index:  geo.NewMemoryIndex(),
		queue:  queue.NewMemoryQueue(30 * time.Second).WithClock(clk.now),
		leases: reservation.NewMemoryLeaser().WithClock(clk.now),
		notes:  &recorder{},
		pay:    &gateway{},
	}
	f.d = &matcher.Dispatcher{
		Config:   matcher.DefaultConfig(),
		Store:    f.store,
		Index:    f.index,
		Queue:    f.queue,
		Leases:   f.leases,
		Notifier: f.notes,
		Payments: f.pay,
		Logger:   zerolog.Nop(),
		Now:      clk.now,
	}
	f.c = &Controller{
		Store:        f.store,
		Index:        f.index,
		Queue:        f.queue,
		Leases:       f.leases,
		Dispatcher:   f.d,
		Notifier:     f.notes,
		Payments:     f.pay,
		Logger:       zerolog.Nop(),
		Now:          clk.now,
		EnqueueDelay: time.Millisecond,
	}
	return f
}

func (f *fixture) driver(id string, km float64) {
	_ = f.index.Upsert(context.Background(), models.VehicleCar, id, north(km))
}

func (f *fixture) get(t *testing.T, id string) *models.Ride {
	t.Helper()
	r, err := f.store.GetRide(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (f *fixture) storedDriver(t *testing.T, id string) *models.Driver {
	t.Helper()
	d, err := f.store.GetDriver(context.Background(), id)
	if err != nil {
		t.Fatalf("driver %s: %v", id, err)
	}
	return d
}

func request(rider string) CreateRideRequest {
	return CreateRideRequest{
		RiderID:        rider,
		VehicleType:    models.VehicleCar,
		ServiceVariant: "standard",
		Fare:           models.Fare{Amount: 25000, PlatformFee: 2000, DriverEarning: 20000, Commission: 3000, Currency: "IDR"},
		Pickup:         models.Location{Coord: pickup, Address: "Monas"},
		Dropoff:        models.Location{Coord: north(8), Address: "Kota Tua"},
		PaymentMethod:  models.PaymentCash,
	}
}

func (f *fixture) create(t *testing.T, req CreateRideRequest) *models.Ride {
	t.Helper()
	r, err := f.c.CreateRide(context.Background(), req)
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestCreateRideOffersTwoKmDriverFirst(t *testing.T) {
	f := newFixture(t)
	f.driver("far", 5)
	f.driver("near", 2)

	r := f.create(t, request("rider-1"))
	if r.Status != models.StatusRequestingDriver || r.DriverID != "near" {
		t.Fatalf("expected offer to near driver, got %s/%q", r.Status, r.DriverID)
	}
	offer := f.notes.last("near")
	if offer.Type != dispatch.MsgRideOffer || offer.Data["distance_km"] != "2.00" {
		t.Fatalf("unexpected offer %+v", offer)
	}
	if got := f.notes.types("far"); len(got) != 0 {
		t.Fatalf("far driver must not be contacted, got %v", got)
	}
	if !f.queue.Has(models.JobKey(r.ID, 0)) {
		t.Fatal("match job must stay queued until the offer resolves")
	}
	if holder, _ := f.leases.Holder(context.Background(), "near"); holder != r.ID {
		t.Fatalf("near driver should be reserved for %s, got %q", r.ID, holder)
	}
}

func TestRejectOffersNextNearest(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.driver("B", 5)
	r := f.create(t, request("rider-1"))

	got, err := f.c.Reject(context.Background(), r.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.MatchAttempt.RetryCount != 1 {
		t.Fatalf("expected retry 1, got %d", got.MatchAttempt.RetryCount)
	}
	if att := got.MatchAttempt.AttemptedDrivers; !slices.Equal(att, []string{"A"}) {
		t.Fatalf("expected attempted [A], got %v", att)
	}
	if got.Status != models.StatusRequestingDriver || got.DriverID != "B" {
		t.Fatalf("expected offer to B, got %s/%q", got.Status, got.DriverID)
	}
	if f.queue.Has(models.JobKey(r.ID, 0)) || !f.queue.Has(models.JobKey(r.ID, 1)) {
		t.Fatal("job must be re-keyed to retry 1")
	}
	if holder, _ := f.leases.Holder(context.Background(), "A"); holder != "" {
		t.Fatalf("A's reservation must be released, held by %q", holder)
	}
	if d := f.storedDriver(t, "A"); d.DeclineCount != 1 || d.MissedRequests != 0 {
		t.Fatalf("unexpected counters %+v", d)
	}
}

func TestRejectByOtherDriverIsConflict(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	r := f.create(t, request("rider-1"))

	_, err := f.c.Reject(context.Background(), r.ID, "B")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := f.get(t, r.ID); got.Version != r.Version || got.DriverID != "A" {
		t.Fatal("conflict must not mutate the ride")
	}
}

func TestExhaustionCancelsRide(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	r := f.create(t, request("rider-1"))

	got, err := f.c.Reject(context.Background(), r.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled || got.StatusReason != models.ReasonNoDriver {
		t.Fatalf("expected cancelled %q, got %s %q", models.ReasonNoDriver, got.Status, got.StatusReason)
	}
	if got.EndedAt == nil {
		t.Fatal("cancelled ride must record its end")
	}
	if n, _ := f.queue.Len(context.Background()); n != 0 {
		t.Fatalf("no job may remain, found %d", n)
	}
	if m := f.notes.last("rider-1"); m.Type != dispatch.MsgRideCancelled {
		t.Fatalf("rider must be told, got %+v", m)
	}
	if _, err := f.store.ActiveRideForRider(context.Background(), "rider-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("rider must be free to request again")
	}
}

func TestRiderCancelMakesLeftoverJobNoop(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	r := f.create(t, request("rider-1"))

	cancelled, err := f.c.CancelByRider(context.Background(), r.ID, "rider-1")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.StatusReason != models.ReasonRiderCancelled {
		t.Fatalf("unexpected ride %+v", cancelled)
	}
	if holder, _ := f.leases.Holder(context.Background(), "A"); holder != "" {
		t.Fatal("offered driver's reservation must be released")
	}
	if m := f.notes.last("A"); m.Type != dispatch.MsgOfferWithdrawn {
		t.Fatalf("offered driver must be told, got %+v", m)
	}

	// a delivery of the old job that raced the cancel
	_ = f.queue.Enqueue(context.Background(), models.NewMatchJob(r, f.clock.now()))
	pool := &matcher.Pool{Dispatcher: f.d, Queue: f.queue, Expirer: f.c, Logger: zerolog.Nop()}
	handled, err := pool.RunOnce(context.Background())
	if err != nil || !handled {
		t.Fatalf("expected stale job to be handled, got %v %v", handled, err)
	}
	after := f.get(t, r.ID)
	if after.Version != cancelled.Version || after.Status != models.StatusCancelled {
		t.Fatal("stale job must not mutate the ride")
	}
	if n, _ := f.queue.Len(context.Background()); n != 0 {
		t.Fatalf("stale job must be acked, %d left", n)
	}
}

func TestRiderCancelMakesLaterRetryJobsNoop(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.driver("B", 4)
	f.driver("C", 6)
	ctx := context.Background()
	r := f.create(t, request("rider-1"))
	if _, err := f.c.Reject(ctx, r.ID, "A"); err != nil {
		t.Fatal(err)
	}
	second, err := f.c.Reject(ctx, r.ID, "B")
	if err != nil {
		t.Fatal(err)
	}
	if second.MatchAttempt.RetryCount != 2 || second.DriverID != "C" {
		t.Fatalf("expected C offered on retry 2, got %q on %d", second.DriverID, second.MatchAttempt.RetryCount)
	}

	cancelled, err := f.c.CancelByRider(ctx, r.ID, "rider-1")
	if err != nil {
		t.Fatal(err)
	}
	withdrawn := len(f.notes.types("C"))

	// leftovers of every attempt racing the cancel
	_ = f.queue.Enqueue(ctx, models.NewMatchJob(r, f.clock.now()))
	_ = f.queue.Enqueue(ctx, models.NewMatchJob(second, f.clock.now()))
	pool := &matcher.Pool{Dispatcher: f.d, Queue: f.queue, Expirer: f.c, Logger: zerolog.Nop()}
	for i := 0; i < 2; i++ {
		if handled, err := pool.RunOnce(ctx); err != nil || !handled {
			t.Fatalf("expected stale job %d to be handled, got %v %v", i, handled, err)
		}
	}
	after := f.get(t, r.ID)
	if after.Version != cancelled.Version || after.Status != models.StatusCancelled || after.DriverID != "" {
		t.Fatalf("stale jobs must not mutate the ride, got %+v", after)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("stale jobs must be acked, %d left", n)
	}
	if got := len(f.notes.types("C")); got != withdrawn {
		t.Fatal("no driver may be contacted after the cancel")
	}
	if holder, _ := f.leases.Holder(ctx, "C"); holder != "" {
		t.Fatalf("C must stay free, held by %q", holder)
	}
}

func TestRiderCancelRequiresOwner(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	r := f.create(t, request("rider-1"))

	if _, err := f.c.CancelByRider(context.Background(), r.ID, "rider-2"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := f.c.Confirm(context.Background(), r.ID, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.CancelByRider(context.Background(), r.ID, "rider-1"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("accepted rides cannot be cancelled by the rider, got %v", err)
	}
}

func TestFullTripCapturesCardPayment(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	req := request("rider-1")
	req.PaymentMethod = models.PaymentCard
	req.PaymentIntentID = "pi_123"
	r := f.create(t, req)
	ctx := context.Background()

	r, err := f.c.Confirm(ctx, r.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusDriverAccepted {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if f.index.Len(models.VehicleCar) != 0 {
		t.Fatal("assigned driver must leave the index")
	}
	if d := f.storedDriver(t, "A"); d.Availability != models.DriverEnRouteToPickup {
		t.Fatalf("unexpected availability %s", d.Availability)
	}
	if f.queue.Has(r.JobKey()) {
		t.Fatal("match job must be gone after acceptance")
	}

	if r, err = f.c.Arrive(ctx, r.ID, "A"); err != nil {
		t.Fatal(err)
	}
	f.clock.advance(2 * time.Minute)
	if r, err = f.c.ConfirmPickup(ctx, r.ID, "A", models.Coord{}); err != nil {
		t.Fatal(err)
	}
	if r.ActualPickup == nil || *r.ActualPickup != pickup || r.StartedAt == nil {
		t.Fatalf("pickup not recorded: %+v", r)
	}
	f.clock.advance(20 * time.Minute)
	if r, err = f.c.ConfirmDropoff(ctx, r.ID, "A", models.Coord{}); err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusPaymentInProgress || r.EndedAt == nil {
		t.Fatalf("unexpected ride after dropoff %+v", r)
	}
	if d := f.storedDriver(t, "A"); d.Availability != models.DriverWaitingForPayment {
		t.Fatalf("unexpected availability %s", d.Availability)
	}

	if r, err = f.c.ConfirmPayment(ctx, r.ID, "A"); err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusCompleted {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if len(f.pay.captured) != 1 || f.pay.captured[0] != "pi_123" {
		t.Fatalf("payment not captured: %v", f.pay.captured)
	}
	if d := f.storedDriver(t, "A"); d.Availability != models.DriverAvailable {
		t.Fatalf("driver must be available again, got %s", d.Availability)
	}
	cands, _ := f.index.Nearby(ctx, models.VehicleCar, north(8), 1, 5)
	if len(cands) != 1 || cands[0].DriverID != "A" {
		t.Fatalf("driver must be indexed at the dropoff, got %+v", cands)
	}
	want := []dispatch.MessageType{
		dispatch.MsgDriverAssigned, dispatch.MsgDriverArrived, dispatch.MsgRideStarted,
		dispatch.MsgPaymentRequested, dispatch.MsgRideCompleted,
	}
	got := f.notes.types("rider-1")
	if len(got) != len(want) {
		t.Fatalf("rider notifications %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rider notifications %v, want %v", got, want)
		}
	}
}

func TestPaymentCaptureFailureKeepsRideOpen(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	req := request("rider-1")
	req.PaymentMethod = models.PaymentCard
	req.PaymentIntentID = "pi_123"
	r := f.create(t, req)
	ctx := context.Background()
	for _, step := range []func() error{
		func() error { _, err := f.c.Confirm(ctx, r.ID, "A"); return err },
		func() error { _, err := f.c.Arrive(ctx, r.ID, "A"); return err },
		func() error { _, err := f.c.ConfirmPickup(ctx, r.ID, "A", models.Coord{}); return err },
		func() error { _, err := f.c.ConfirmDropoff(ctx, r.ID, "A", north(7.5)); return err },
	} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}

	f.pay.captureErr = errors.New("card declined")
	_, err := f.c.ConfirmPayment(ctx, r.ID, "A")
	if !errors.Is(err, apperrors.ErrDependencyFailure) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
	if got := f.get(t, r.ID); got.Status != models.StatusPaymentInProgress {
		t.Fatalf("ride must wait for payment, got %s", got.Status)
	}
}

func TestOutOfOrderTransitionIsConflict(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	r := f.create(t, request("rider-1"))
	ctx := context.Background()

	if _, err := f.c.Arrive(ctx, r.ID, "A"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("arrive before accept must conflict, got %v", err)
	}
	if _, err := f.c.ConfirmPayment(ctx, r.ID, "A"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("payment before dropoff must conflict, got %v", err)
	}
	if got := f.get(t, r.ID); got.Version != r.Version {
		t.Fatal("conflicts must not mutate the ride")
	}
	if _, err := f.store.GetDriver(ctx, "A"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("conflicts must not touch the driver")
	}
	if _, err := f.c.Confirm(ctx, "missing", "A"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConfirmAfterOfferExpiryIsConflict(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	r := f.create(t, request("rider-1"))

	f.clock.advance(f.d.OfferTimeout + time.Second)
	if _, err := f.c.Confirm(context.Background(), r.ID, "A"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOfferTimeoutMovesToNextDriver(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.driver("B", 5)
	r := f.create(t, request("rider-1"))
	pool := &matcher.Pool{Dispatcher: f.d, Queue: f.queue, Expirer: f.c, Logger: zerolog.Nop()}

	if handled, _ := pool.RunOnce(context.Background()); handled {
		t.Fatal("job must wait for the offer window")
	}
	f.clock.advance(f.d.OfferTimeout)
	if handled, err := pool.RunOnce(context.Background()); !handled || err != nil {
		t.Fatalf("expected expiry to run, got %v %v", handled, err)
	}

	got := f.get(t, r.ID)
	if got.DriverID != "B" || got.MatchAttempt.RetryCount != 1 {
		t.Fatalf("expected B offered on retry 1, got %q/%d", got.DriverID, got.MatchAttempt.RetryCount)
	}
	if d := f.storedDriver(t, "A"); d.MissedRequests != 1 || d.DeclineCount != 1 {
		t.Fatalf("timeout counts as decline and miss, got %+v", d)
	}
	if m := f.notes.last("A"); m.Type != dispatch.MsgOfferWithdrawn {
		t.Fatalf("A must be told the offer expired, got %+v", m)
	}
}

func TestExpireOfferOfEarlierAttemptIsConflict(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	r := f.create(t, request("rider-1"))

	err := f.c.ExpireOffer(context.Background(), r.ID, "A", 3)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := f.get(t, r.ID); got.DriverID != "A" || got.Version != r.Version {
		t.Fatal("ride must keep its offer")
	}
}

func TestDriverCancelReassigns(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.driver("B", 5)
	r := f.create(t, request("rider-1"))
	ctx := context.Background()
	if _, err := f.c.Confirm(ctx, r.ID, "A"); err != nil {
		t.Fatal(err)
	}
	_, _ = f.store.UpsertDriver(ctx, models.Driver{ID: "A", VehicleType: models.VehicleCar, Loc: north(1), Availability: models.DriverEnRouteToPickup})

	got, err := f.c.CancelByDriver(ctx, r.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusRequestingDriver || got.DriverID != "B" {
		t.Fatalf("expected B offered, got %s/%q", got.Status, got.DriverID)
	}
	if !got.MatchAttempt.HasAttempted("A") || got.MatchAttempt.RetryCount != 1 {
		t.Fatalf("A must be excluded on retry 1, got %+v", got.MatchAttempt)
	}
	if d := f.storedDriver(t, "A"); d.Availability != models.DriverAvailable {
		t.Fatalf("cancelling driver must be available, got %s", d.Availability)
	}
	cands, _ := f.index.Nearby(ctx, models.VehicleCar, north(1), 0.5, 5)
	if len(cands) != 1 || cands[0].DriverID != "A" {
		t.Fatalf("A must be back in the index, got %+v", cands)
	}
	if types := f.notes.types("rider-1"); types[len(types)-1] != dispatch.MsgDriverReassigning {
		t.Fatalf("rider must hear about reassignment, got %v", types)
	}
}

func TestCreateRideValidation(t *testing.T) {
	f := newFixture(t)
	req := CreateRideRequest{PaymentMethod: "bitcoin"}
	req.Pickup.Coord = models.Coord{Lat: 95, Lon: 10}

	_, err := f.c.CreateRide(context.Background(), req)
	var ae *apperrors.Error
	if !errors.As(err, &ae) || ae.Kind != apperrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{
		"rider_id", "vehicle_type", "service_variant", "payment_method",
		"fare.amount", "fare.currency", "pickup.coord.lat", "pickup.address", "dropoff.coord",
	} {
		if _, ok := ae.Fields[field]; !ok {
			t.Errorf("missing field error for %s in %v", field, ae.Fields)
		}
	}
}

func TestCardRideNeedsPaymentIntent(t *testing.T) {
	req := request("rider-1")
	req.PaymentMethod = models.PaymentCard
	err := req.Validate()
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := ae.Fields["payment_intent_id"]; !ok {
		t.Fatalf("expected payment_intent_id error, got %v", ae.Fields)
	}
}

func TestCreateRideWithoutDriversIsNoCandidate(t *testing.T) {
	f := newFixture(t)
	f.driver("far", 50)

	_, err := f.c.CreateRide(context.Background(), request("rider-1"))
	if !errors.Is(err, apperrors.ErrNoCandidate) {
		t.Fatalf("expected no candidate, got %v", err)
	}
	if _, err := f.store.ActiveRideForRider(context.Background(), "rider-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("no ride may be stored")
	}
}

func TestSecondActiveRideIsConflict(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.create(t, request("rider-1"))

	if _, err := f.c.CreateRide(context.Background(), request("rider-1")); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

type brokenQueue struct {
	*queue.MemoryQueue
}

func (brokenQueue) Enqueue(context.Context, models.MatchJob) error {
	return errors.New("redis: connection refused")
}

func TestEnqueueFailureCancelsRide(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.c.Queue = brokenQueue{f.queue}
	f.c.NewID = func() string { return "ride-1" }

	_, err := f.c.CreateRide(context.Background(), request("rider-1"))
	if !errors.Is(err, apperrors.ErrDependencyFailure) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
	got := f.get(t, "ride-1")
	if got.Status != models.StatusCancelled || got.StatusReason != models.ReasonDispatchUnavailable {
		t.Fatalf("unexpected ride %s %q", got.Status, got.StatusReason)
	}
}

// flakyStore fails the next n ride writes before passing them through.
type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpdateRideIfStatus(ctx context.Context, next *models.Ride, expected []models.RideStatus, effects ...storage.DriverEffect) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("pq: connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.UpdateRideIfStatus(ctx, next, expected, effects...)
}

func TestEnqueueFailureCancelRetriesStoreWrite(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.c.Queue = brokenQueue{f.queue}
	f.c.Store = &flakyStore{MemoryStore: f.store, failures: 2}
	f.c.NewID = func() string { return "ride-1" }

	if _, err := f.c.CreateRide(context.Background(), request("rider-1")); !errors.Is(err, apperrors.ErrDependencyFailure) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
	got := f.get(t, "ride-1")
	if got.Status != models.StatusCancelled || got.StatusReason != models.ReasonDispatchUnavailable {
		t.Fatalf("ride must not stay searching without a job, got %s %q", got.Status, got.StatusReason)
	}
	if _, err := f.store.ActiveRideForRider(context.Background(), "rider-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("rider must be free to request again")
	}
}

func TestDriverCancelWithoutOtherDriversCancelsRide(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	ctx := context.Background()
	r := f.create(t, request("rider-1"))
	if _, err := f.c.Confirm(ctx, r.ID, "A"); err != nil {
		t.Fatal(err)
	}

	got, err := f.c.CancelByDriver(ctx, r.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled || got.StatusReason != models.ReasonNoDriver {
		t.Fatalf("expected cancelled %q, got %s %q", models.ReasonNoDriver, got.Status, got.StatusReason)
	}
	if got.DriverID != "" || !slices.Equal(got.MatchAttempt.AttemptedDrivers, []string{"A"}) {
		t.Fatalf("A must be excluded and unassigned, got %q %v", got.DriverID, got.MatchAttempt.AttemptedDrivers)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("no job may remain, found %d", n)
	}
	if m := f.notes.last("rider-1"); m.Type != dispatch.MsgRideCancelled {
		t.Fatalf("rider must be told, got %+v", m)
	}
	if d := f.storedDriver(t, "A"); d.Availability != models.DriverAvailable {
		t.Fatalf("cancelling driver must be available, got %s", d.Availability)
	}
	if _, err := f.store.ActiveRideForRider(ctx, "rider-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("rider must be free to request again")
	}
}

// assignDuringUpsert commits an assignment after a location report was
// built but before it is written.
type assignDuringUpsert struct {
	*storage.MemoryStore
	assign func()
}

func (s *assignDuringUpsert) UpsertDriver(ctx context.Context, d models.Driver) (*models.Driver, error) {
	if s.assign != nil {
		assign := s.assign
		s.assign = nil
		assign()
	}
	return s.MemoryStore.UpsertDriver(ctx, d)
}

func TestLocationReportRacingConfirmKeepsDriverAssigned(t *testing.T) {
	f := newFixture(t)
	f.driver("A", 2)
	f.driver("B", 5)
	ctx := context.Background()
	r := f.create(t, request("rider-1"))
	_, _ = f.store.UpsertDriver(ctx, models.Driver{ID: "A", VehicleType: models.VehicleCar, Availability: models.DriverAvailable, Loc: north(2)})

	store := &assignDuringUpsert{MemoryStore: f.store, assign: func() {
		if _, err := f.c.Confirm(ctx, r.ID, "A"); err != nil {
			t.Errorf("confirm: %v", err)
		}
	}}
	report := models.Driver{ID: "A", VehicleType: models.VehicleCar, Availability: models.DriverAvailable, Loc: north(2)}
	if err := ingest.NewApplier(store, f.index).Apply(ctx, report); err != nil {
		t.Fatal(err)
	}

	if d := f.storedDriver(t, "A"); d.Availability != models.DriverEnRouteToPickup {
		t.Fatalf("assignment overwritten by location report, got %s", d.Availability)
	}
	if cands, _ := f.index.Nearby(ctx, models.VehicleCar, north(2), 0.5, 5); len(cands) != 0 {
		t.Fatalf("assigned driver must stay out of the index, got %+v", cands)
	}
	other := f.create(t, request("rider-2"))
	if other.DriverID != "B" {
		t.Fatalf("second ride must go to B, got %q", other.DriverID)
	}
}
