package srv

import (
	"errors"
	"path/filepath"
	"testing"

	"syllabomb.exe.dev/db"
)

func testStore(t *testing.T) *db.Store {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.RunMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &db.Store{DB: d}
}

func TestStaffAuthenticate(t *testing.T) {
	st := NewStaffStore(testStore(t))
	if err := st.Create("mod", "secret123", RoleModerator); err != nil {
		t.Fatalf("create: %v", err)
	}

	token, role, err := st.Authenticate("mod", "secret123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if role != RoleModerator {
		t.Fatalf("role = %q; want moderator", role)
	}
	if st.RoleForToken(token) != RoleModerator {
		t.Fatal("issued token does not resolve")
	}

	if _, _, err := st.Authenticate("mod", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password err = %v; want ErrBadCredentials", err)
	}
	if _, _, err := st.Authenticate("ghost", "secret123"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user err = %v; want ErrBadCredentials", err)
	}
}

func TestStaffPersistence(t *testing.T) {
	store := testStore(t)
	st := NewStaffStore(store)
	if err := st.Create("mod", "secret123", RoleModerator); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A fresh store over the same database sees the account.
	st2 := NewStaffStore(store)
	if err := st2.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, _, err := st2.Authenticate("mod", "secret123"); err != nil {
		t.Fatalf("authenticate after reload: %v", err)
	}
}

func TestStaffDeleteRevokesTokens(t *testing.T) {
	st := NewStaffStore(testStore(t))
	st.Create("mod", "secret123", RoleModerator)
	token, _, _ := st.Authenticate("mod", "secret123")

	if err := st.Delete("mod"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st.RoleForToken(token) != "" {
		t.Fatal("token survived account deletion")
	}
	if err := st.Delete("mod"); !errors.Is(err, ErrStaffNotFound) {
		t.Fatalf("second delete err = %v; want ErrStaffNotFound", err)
	}
}

func TestSeedAdminIdempotent(t *testing.T) {
	st := NewStaffStore(testStore(t))
	if err := st.SeedAdmin("firstpassword"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.SeedAdmin("otherpassword"); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	// The original password stays valid.
	if _, role, err := st.Authenticate("admin", "firstpassword"); err != nil || role != RoleAdmin {
		t.Fatalf("admin auth: role %q, err %v", role, err)
	}
}

func TestStaffListHidesHashes(t *testing.T) {
	st := NewStaffStore(testStore(t))
	st.Create("mod", "secret123", RoleModerator)
	for _, acc := range st.List() {
		if acc.PasswordHash != "" {
			t.Fatal("List leaked a password hash")
		}
	}
}

func TestBanStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	bs := NewBanStore(store)
	if err := bs.Add("1.2.3.4", "scraping", "admin"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !bs.Has("1.2.3.4") {
		t.Fatal("ban not recorded")
	}

	bs2 := NewBanStore(store)
	if err := bs2.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bs2.Has("1.2.3.4") {
		t.Fatal("ban lost across reload")
	}
	if err := bs2.Remove("1.2.3.4"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if bs2.Has("1.2.3.4") {
		t.Fatal("ban survived removal")
	}
}

func TestUserLogThrottlesWrites(t *testing.T) {
	ul := NewUserLog(testStore(t))
	ul.Seen("tok", "Alice", "1.1.1.1")
	ul.Seen("tok", "Alice", "1.1.1.1") // inside the throttle window

	users, err := ul.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %d; want 1", len(users))
	}

	// An IP change writes through immediately.
	ul.Seen("tok", "Alice", "2.2.2.2")
	users, _ = ul.List()
	if len(users) != 1 || users[0].IP != "2.2.2.2" {
		t.Fatalf("users after IP change = %+v", users)
	}
}
