package product

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/store/testutil"
)

func ptr(f float64) *float64 { return &f }

func TestRegistry_RegisterIsIdempotentOnMatchingBasePath(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	reg := New(db, testutil.Logger(t))

	in := RegisterInput{
		DataID:   "prod-1",
		DataType: "image",
		BasePath: "/staging/prod-1.fits",
	}
	first, err := reg.Register(dbc, in)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := reg.Register(dbc, in)
	if err != nil {
		t.Fatalf("re-register with matching base_path should be a no-op: %v", err)
	}
	if first.DataID != second.DataID {
		t.Fatalf("expected same record back, got %q vs %q", first.DataID, second.DataID)
	}
}

func TestRegistry_RegisterConflictsOnMismatchedBasePath(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	reg := New(db, testutil.Logger(t))

	if _, err := reg.Register(dbc, RegisterInput{DataID: "prod-2", DataType: "image", BasePath: "/a.fits"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Register(dbc, RegisterInput{DataID: "prod-2", DataType: "image", BasePath: "/b.fits"})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegistry_ByDataTypeAndTime(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	reg := New(db, testutil.Logger(t))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inWindow := base.Add(time.Hour)
	outOfWindow := base.Add(-24 * time.Hour)

	mustRegister(t, reg, dbc, RegisterInput{DataID: "img-1", DataType: "image", BasePath: "/a", ObservedAt: &inWindow})
	mustRegister(t, reg, dbc, RegisterInput{DataID: "img-2", DataType: "image", BasePath: "/b", ObservedAt: &outOfWindow})
	mustRegister(t, reg, dbc, RegisterInput{DataID: "cat-1", DataType: "catalog", BasePath: "/c", ObservedAt: &inWindow})

	from := base
	to := base.Add(24 * time.Hour)
	records, err := reg.ByDataTypeAndTime(dbc, "image", from, to, 10, 0)
	if err != nil {
		t.Fatalf("by_data_type_and_time: %v", err)
	}
	if len(records) != 1 || records[0].DataID != "img-1" {
		t.Fatalf("expected only img-1 in window, got %+v", records)
	}
}

func TestRegistry_BySkyBox(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	reg := New(db, testutil.Logger(t))

	mustRegister(t, reg, dbc, RegisterInput{DataID: "sky-1", DataType: "image", BasePath: "/a", RA: ptr(180.0), Dec: ptr(-30.0)})
	mustRegister(t, reg, dbc, RegisterInput{DataID: "sky-2", DataType: "image", BasePath: "/b", RA: ptr(10.0), Dec: ptr(60.0)})

	records, err := reg.BySkyBox(dbc, 170, 190, -40, -20, 10, 0)
	if err != nil {
		t.Fatalf("by_sky_box: %v", err)
	}
	if len(records) != 1 || records[0].DataID != "sky-1" {
		t.Fatalf("expected only sky-1 in box, got %+v", records)
	}
}

func TestRegistry_ProvenanceWalksMultipleGenerations(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	reg := New(db, testutil.Logger(t))

	mustRegister(t, reg, dbc, RegisterInput{DataID: "raw-1", DataType: "raw", BasePath: "/raw/1"})
	mustRegister(t, reg, dbc, RegisterInput{DataID: "ms-1", DataType: "ms", BasePath: "/ms/1", ParentIDs: []string{"raw-1"}})
	mustRegister(t, reg, dbc, RegisterInput{DataID: "image-1", DataType: "image", BasePath: "/image/1", ParentIDs: []string{"ms-1"}})

	ancestors, err := reg.Provenance(dbc, "image-1")
	if err != nil {
		t.Fatalf("provenance: %v", err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("expected 2 ancestors (ms-1, raw-1), got %+v", ancestors)
	}
	if ancestors[0].DataID != "ms-1" || ancestors[1].DataID != "raw-1" {
		t.Fatalf("expected ancestors ordered by depth [ms-1, raw-1], got [%s, %s]", ancestors[0].DataID, ancestors[1].DataID)
	}
}

func mustRegister(t *testing.T, reg *Registry, dbc dbctx.Context, in RegisterInput) {
	t.Helper()
	if in.MetadataJSON == nil {
		in.MetadataJSON = datatypes.JSON([]byte(`{}`))
	}
	if _, err := reg.Register(dbc, in); err != nil {
		t.Fatalf("register %q: %v", in.DataID, err)
	}
}
