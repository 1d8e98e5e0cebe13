package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var here = models.Coord{Lat: -6.175, Lon: 106.827}

func TestApplyIndexesAvailableDrivers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex()
	a := NewApplier(store, idx)

	d := models.Driver{ID: "d1", VehicleType: models.VehicleCar, Availability: models.DriverAvailable, Loc: here}
	if err := a.Apply(ctx, d); err != nil {
		t.Fatal(err)
	}
	if idx.Len(models.VehicleCar) != 1 {
		t.Fatal("available driver not indexed")
	}

	d.Availability = models.DriverOffline
	if err := a.Apply(ctx, d); err != nil {
		t.Fatal(err)
	}
	if idx.Len(models.VehicleCar) != 0 {
		t.Fatal("offline driver still indexed")
	}
	got, _ := store.GetDriver(ctx, "d1")
	if got.Availability != models.DriverOffline {
		t.Fatalf("unexpected availability %s", got.Availability)
	}
}

func TestApplyKeepsTripAvailability(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex()
	a := NewApplier(store, idx)
	_, _ = store.UpsertDriver(ctx, models.Driver{ID: "d1", VehicleType: models.VehicleCar, Availability: models.DriverEnRouteToPickup})

	err := a.Apply(ctx, models.Driver{ID: "d1", VehicleType: models.VehicleCar, Availability: models.DriverAvailable, Loc: here})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len(models.VehicleCar) != 0 {
		t.Fatal("driver on a trip must not be indexed")
	}
	got, _ := store.GetDriver(ctx, "d1")
	if got.Availability != models.DriverEnRouteToPickup || got.Loc != here {
		t.Fatalf("unexpected driver %+v", got)
	}
}

func TestApplySwitchingVehicleType(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewMemoryIndex()
	a := NewApplier(storage.NewMemoryStore(), idx)
	_ = a.Apply(ctx, models.Driver{ID: "d1", VehicleType: models.VehicleCar, Loc: here})
	_ = a.Apply(ctx, models.Driver{ID: "d1", VehicleType: models.VehicleMotorcycle, Loc: here})
	if idx.Len(models.VehicleCar) != 0 || idx.Len(models.VehicleMotorcycle) != 1 {
		t.Fatal("driver must be indexed under its current vehicle type only")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]models.Driver{
		"missing id":   {VehicleType: models.VehicleCar, Loc: here},
		"bad vehicle":  {ID: "d", VehicleType: "bus", Loc: here},
		"zero coord":   {ID: "d", VehicleType: models.VehicleCar},
		"out of range": {ID: "d", VehicleType: models.VehicleCar, Loc: models.Coord{Lat: 91, Lon: 0}},
		"trip state":   {ID: "d", VehicleType: models.VehicleCar, Loc: here, Availability: models.DriverEnRouteToPickup},
	}
	for name, d := range cases {
		if err := Validate(d); !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("%s: expected ErrInvalidUpdate, got %v", name, err)
		}
	}
}

type fakeWriter struct {
	msgs     []kafka.Message
	deadline bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, f.deadline = ctx.Deadline()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishLocation(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(w, time.Second)
	if err := p.PublishLocation(context.Background(), models.Driver{ID: "d1", VehicleType: models.VehicleCar, Loc: here}); err != nil {
		t.Fatal(err)
	}
	if !w.deadline {
		t.Fatal("publish must be bounded by a timeout")
	}
	if string(w.msgs[0].Key) != "d1" {
		t.Fatalf("unexpected key %s", w.msgs[0].Key)
	}
	var d models.Driver
	if err := json.Unmarshal(w.msgs[0].Value, &d); err != nil || d.Loc != here {
		t.Fatalf("unexpected payload %s", w.msgs[0].Value)
	}
}
