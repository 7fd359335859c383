package credstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := &Record{
		ServiceName:    "zerodha",
		Username:       "trader1",
		APIKey:         "k1",
		APISecret:      "s1",
		Password:       "pw",
		AdditionalData: `{"totp_secret":"seed"}`,
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.GetByService(ctx, "zerodha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out == nil {
		t.Fatal("get returned nil for stored record")
	}
	if *out != *in {
		t.Errorf("round trip changed record:\n got %+v\nwant %+v", out, in)
	}
}

func TestSQLiteStoreMissingRecordIsNilNil(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.GetByService(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Errorf("missing record = %+v, want nil", rec)
	}
}

func TestSQLiteStoreSaveUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, &Record{ServiceName: "zerodha", APIKey: "old"}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.Save(ctx, &Record{ServiceName: "zerodha", APIKey: "new", APISecret: "s2"}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	rec, err := s.GetByService(ctx, "zerodha")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if rec.APIKey != "new" || rec.APISecret != "s2" {
		t.Errorf("record after upsert = %+v", rec)
	}
}

func TestSQLiteStoreDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, &Record{ServiceName: "zerodha", APIKey: "k1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteByService(ctx, "zerodha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec, _ := s.GetByService(ctx, "zerodha"); rec != nil {
		t.Errorf("record survived delete: %+v", rec)
	}
	// Deleting a missing record stays a no-op.
	if err := s.DeleteByService(ctx, "zerodha"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestSQLiteStoreRejectsEmptyServiceName(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save(context.Background(), &Record{}); err == nil {
		t.Error("save without service name succeeded")
	}
}
