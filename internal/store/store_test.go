package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// A second connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func ptr[T any](v T) *T { return &v }

func createTestUser(t *testing.T, st *Store, username string) int64 {
	t.Helper()
	id, err := st.CreateUser(context.Background(), username, "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, st, "alice")
	_, err := st.CreateUser(ctx, "alice", "other-hash")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("err = %v, want ErrUsernameTaken", err)
	}
}

func TestGetUserByUsername(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	id := createTestUser(t, st, "alice")
	u, err := st.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.ID != id || u.Username != "alice" || u.PasswordHash != "hash" {
		t.Errorf("user = %+v", u)
	}

	if _, err := st.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, st, "alice")

	p, err := st.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.BirthDate != nil || p.Height != nil || p.Weight != nil {
		t.Errorf("fresh profile should be empty, got %+v", p)
	}

	update := Profile{
		BirthDate: ptr("1990-04-12"),
		Height:    ptr(182.5),
		Weight:    ptr(78.0),
	}
	if err := st.UpdateProfile(ctx, id, update); err != nil {
		t.Fatalf("update profile: %v", err)
	}

	p, err = st.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.BirthDate == nil || *p.BirthDate != "1990-04-12" {
		t.Errorf("birth date = %v", p.BirthDate)
	}
	if p.Height == nil || *p.Height != 182.5 {
		t.Errorf("height = %v", p.Height)
	}
}

func TestQueryRecords_DateRangeAndOrder(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, st, "alice")

	dates := []string{"2026-08-10", "2026-08-20", "2026-08-15", "2026-07-01"}
	for _, d := range dates {
		if _, err := st.CreateRecord(ctx, FitnessRecord{
			UserID: id, Date: d, Part: "chest", Exercise: "bench press",
			Sets: ptr(3), Reps: ptr(10),
		}); err != nil {
			t.Fatalf("create record: %v", err)
		}
	}

	// Unbounded query returns everything, newest first.
	recs, err := st.QueryRecords(ctx, id, "", "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Date > recs[i-1].Date {
			t.Errorf("records not in descending date order: %s before %s", recs[i-1].Date, recs[i].Date)
		}
	}

	// Bounded range is inclusive on both ends.
	recs, err = st.QueryRecords(ctx, id, "2026-08-10", "2026-08-15")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records in range = %d, want 2", len(recs))
	}
	if recs[0].Date != "2026-08-15" || recs[1].Date != "2026-08-10" {
		t.Errorf("range results = %s, %s", recs[0].Date, recs[1].Date)
	}

	// Records belong to their user only.
	other := createTestUser(t, st, "bob")
	recs, err = st.QueryRecords(ctx, other, "", "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("other user sees %d records", len(recs))
	}
}

func TestDeleteRecord_OwnershipGuard(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, st, "alice")
	bob := createTestUser(t, st, "bob")

	recID, err := st.CreateRecord(ctx, FitnessRecord{
		UserID: alice, Date: "2026-08-20", Exercise: "squat", Sets: ptr(5), Reps: ptr(5),
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	// Another user cannot delete it.
	if err := st.DeleteRecord(ctx, bob, recID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user delete err = %v, want ErrNotFound", err)
	}

	if err := st.DeleteRecord(ctx, alice, recID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteRecord(ctx, alice, recID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestChatMessageLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, st, "alice")

	msgID, err := st.SaveChatMessage(ctx, id, "what did I train this week?")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if msgID == "" {
		t.Fatal("empty message id")
	}

	if err := st.CompleteChatMessage(ctx, msgID, "Chest on Monday, legs on Thursday.", 3, false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	msgs, err := st.GetChatHistory(ctx, id, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("history = %d messages", len(msgs))
	}
	m := msgs[0]
	if m.ID != msgID || m.Response != "Chest on Monday, legs on Thursday." || m.Rounds != 3 || m.Degraded {
		t.Errorf("message = %+v", m)
	}
}

func TestGetChatHistory_LimitAndOrder(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, st, "alice")

	var last string
	for i := 0; i < 5; i++ {
		mid, err := st.SaveChatMessage(ctx, id, "msg")
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		last = mid
	}

	msgs, err := st.GetChatHistory(ctx, id, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	// UUIDv7 ids are time-ordered, so newest first means the last saved
	// message comes back first.
	if msgs[0].ID != last {
		t.Errorf("first message = %s, want newest %s", msgs[0].ID, last)
	}
}

func TestGetFullChatHistory_NoPaging(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, st, "alice")

	for i := 0; i < 25; i++ {
		mid, err := st.SaveChatMessage(ctx, id, "msg")
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := st.CompleteChatMessage(ctx, mid, "ok", 1, false); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	// The paged accessor clamps a non-positive limit to its default page.
	page, err := st.GetChatHistory(ctx, id, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 20 {
		t.Fatalf("default page = %d messages, want 20", len(page))
	}

	// The full accessor returns every row.
	all, err := st.GetFullChatHistory(ctx, id)
	if err != nil {
		t.Fatalf("full history: %v", err)
	}
	if len(all) != 25 {
		t.Errorf("full history = %d messages, want 25", len(all))
	}
}

func TestTokenLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := createTestUser(t, st, "alice")

	expires := time.Now().Add(30 * time.Minute).UTC()
	if err := st.SaveToken(ctx, "tok-1", id, expires); err != nil {
		t.Fatalf("save token: %v", err)
	}

	userID, gotExpiry, err := st.LookupToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if userID != id {
		t.Errorf("user id = %d, want %d", userID, id)
	}
	if gotExpiry.Unix() != expires.Unix() {
		t.Errorf("expiry = %v, want %v", gotExpiry, expires)
	}

	if _, _, err := st.LookupToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup missing err = %v, want ErrNotFound", err)
	}

	// Purge removes only expired tokens.
	if err := st.SaveToken(ctx, "tok-old", id, time.Now().Add(-time.Hour).UTC()); err != nil {
		t.Fatalf("save token: %v", err)
	}
	n, err := st.PurgeExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, _, err := st.LookupToken(ctx, "tok-1"); err != nil {
		t.Errorf("live token purged: %v", err)
	}
}
