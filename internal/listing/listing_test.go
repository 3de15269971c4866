package listing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/gridserver"
	"github.com/mataphp/jargon/internal/gridserver/gridtest"
	"github.com/mataphp/jargon/internal/listing"
	"github.com/mataphp/jargon/internal/negotiation"
)

const (
	numCollections = 5
	numDataObjects = 7
	pageSize       = 2
)

type fixture struct {
	grid   *gridtest.Grid
	home   string
	lister *listing.Lister
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := gridtest.Start(t, gridserver.Options{})
	home := g.Home("alice")
	cat := g.Server.Catalog()
	for i := 1; i <= numCollections; i++ {
		if err := cat.Mkdir(fmt.Sprintf("%s/c%d", home, i), "alice", gridtest.Zone, false); err != nil {
			t.Fatalf("Mkdir() error = %v", err)
		}
	}
	for i := 1; i <= numDataObjects; i++ {
		p := fmt.Sprintf("%s/f%d.dat", home, i)
		if _, err := cat.PutDataObject(p, "alice", gridtest.Zone, int64(i*100), fmt.Sprintf("sum%d", i)); err != nil {
			t.Fatalf("PutDataObject() error = %v", err)
		}
	}
	if _, err := cat.PutDataObject(home+"/c2/report-2026.csv", "alice", gridtest.Zone, 42, "abc"); err != nil {
		t.Fatalf("PutDataObject() error = %v", err)
	}

	s := g.Open(t, "alice", negotiation.DontCare, config.DefaultPipeline())
	return &fixture{grid: g, home: home, lister: listing.New(s, pageSize, nil)}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// drain pages through a listing until the entry flagged last for its type.
func drain(t *testing.T, list func(start int) ([]listing.Entry, error)) []listing.Entry {
	t.Helper()
	var all []listing.Entry
	for start := 0; ; {
		page, err := list(start)
		if err != nil {
			t.Fatalf("list(start=%d) error = %v", start, err)
		}
		if len(page) == 0 {
			return all
		}
		all = append(all, page...)
		if page[len(page)-1].IsLastEntryForType {
			return all
		}
		if len(page) > pageSize {
			t.Fatalf("page has %d entries, want at most %d", len(page), pageSize)
		}
		start += len(page)
	}
}

func TestListCollectionsPaging(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	all := drain(t, func(start int) ([]listing.Entry, error) {
		return f.lister.ListCollectionsUnderPath(ctx, f.home, start)
	})
	if len(all) != numCollections {
		t.Fatalf("got %d collections, want %d", len(all), numCollections)
	}
	for i, e := range all {
		if want := fmt.Sprintf("c%d", i+1); e.Name != want {
			t.Errorf("entry %d name = %q, want %q", i, e.Name, want)
		}
		if e.Type != listing.Collection {
			t.Errorf("entry %d type = %q", i, e.Type)
		}
		if e.ParentPath != f.home {
			t.Errorf("entry %d parent = %q, want %q", i, e.ParentPath, f.home)
		}
		if e.PositionInType != i+1 {
			t.Errorf("entry %d position = %d, want %d", i, e.PositionInType, i+1)
		}
		if e.IsLastEntryForType != (i == numCollections-1) {
			t.Errorf("entry %d last = %v", i, e.IsLastEntryForType)
		}
		if e.TotalRecords != numCollections {
			t.Errorf("entry %d total = %d, want %d", i, e.TotalRecords, numCollections)
		}
		if e.Owner != "alice" {
			t.Errorf("entry %d owner = %q", i, e.Owner)
		}
	}
}

func TestListDataObjectsPaging(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	all := drain(t, func(start int) ([]listing.Entry, error) {
		return f.lister.ListDataObjectsUnderPath(ctx, f.home, start)
	})
	if len(all) != numDataObjects {
		t.Fatalf("got %d data objects, want %d", len(all), numDataObjects)
	}
	for i, e := range all {
		n := i + 1
		if want := fmt.Sprintf("f%d.dat", n); e.Name != want {
			t.Errorf("entry %d name = %q, want %q", i, e.Name, want)
		}
		if e.Type != listing.DataObject {
			t.Errorf("entry %d type = %q", i, e.Type)
		}
		if e.Size != int64(n*100) {
			t.Errorf("entry %d size = %d, want %d", i, e.Size, n*100)
		}
		if want := fmt.Sprintf("sum%d", n); e.Checksum != want {
			t.Errorf("entry %d checksum = %q, want %q", i, e.Checksum, want)
		}
		if e.PositionInType != n {
			t.Errorf("entry %d position = %d, want %d", i, e.PositionInType, n)
		}
		if e.Path() != fmt.Sprintf("%s/f%d.dat", f.home, n) {
			t.Errorf("entry %d path = %q", i, e.Path())
		}
		if e.CreatedAt.IsZero() {
			t.Errorf("entry %d has no create time", i)
		}
	}
}

func TestCountMatchesPages(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	for _, parent := range []string{f.home, f.home + "/c2", f.home + "/c1"} {
		n, err := f.lister.CountDataObjectsAndCollectionsUnderPath(ctx, parent)
		if err != nil {
			t.Fatalf("Count(%s) error = %v", parent, err)
		}
		colls := drain(t, func(start int) ([]listing.Entry, error) {
			return f.lister.ListCollectionsUnderPath(ctx, parent, start)
		})
		objs := drain(t, func(start int) ([]listing.Entry, error) {
			return f.lister.ListDataObjectsUnderPath(ctx, parent, start)
		})
		if n != len(colls)+len(objs) {
			t.Errorf("Count(%s) = %d, pages hold %d", parent, n, len(colls)+len(objs))
		}
	}
}

func TestCollectionsListedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	got, err := f.lister.ListDataObjectsAndCollectionsUnderPath(ctx, f.home)
	if err != nil {
		t.Fatalf("ListDataObjectsAndCollectionsUnderPath() error = %v", err)
	}
	if len(got) != 2*pageSize {
		t.Fatalf("got %d entries, want %d", len(got), 2*pageSize)
	}
	seenData := false
	for i, e := range got {
		switch e.Type {
		case listing.DataObject:
			seenData = true
		case listing.Collection:
			if seenData {
				t.Fatalf("collection %q at %d follows a data object", e.Name, i)
			}
		}
	}
}

func TestDataObjectParentListsItsCollection(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	want, err := f.lister.ListDataObjectsUnderPath(ctx, f.home, 0)
	if err != nil {
		t.Fatalf("list home: %v", err)
	}
	got, err := f.lister.ListDataObjectsUnderPath(ctx, f.home+"/f3.dat", 0)
	if err != nil {
		t.Fatalf("list data object: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].Path() != want[i].Path() {
			t.Errorf("entry %d = %q, want %q", i, got[i].Path(), want[i].Path())
		}
	}
}

func TestListingErrors(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	tests := []struct {
		name string
		call func() error
		kind errors.Kind
	}{
		{"missing parent", func() error {
			_, err := f.lister.ListCollectionsUnderPath(ctx, f.home+"/nope", 0)
			return err
		}, errors.NotFound},
		{"missing parent count", func() error {
			_, err := f.lister.CountDataObjectsAndCollectionsUnderPath(ctx, f.home+"/nope")
			return err
		}, errors.NotFound},
		{"relative parent", func() error {
			_, err := f.lister.ListDataObjectsUnderPath(ctx, "home/alice", 0)
			return err
		}, errors.Invalid},
		{"negative start", func() error {
			_, err := f.lister.ListCollectionsUnderPath(ctx, f.home, -1)
			return err
		}, errors.Invalid},
		{"missing stat", func() error {
			_, err := f.lister.RetrieveObjectStatForPath(ctx, f.home+"/ghost.dat")
			return err
		}, errors.NotFound},
		{"blank search", func() error {
			_, err := f.lister.SearchDataObjectsBasedOnName(ctx, "  ", 0)
			return err
		}, errors.Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(tt.kind, err) {
				t.Fatalf("error = %v, want kind %v", err, tt.kind)
			}
		})
	}
}

func TestEmptyCollection(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	got, err := f.lister.ListDataObjectsAndCollectionsUnderPath(ctx, f.home+"/c1")
	if err != nil {
		t.Fatalf("list empty collection: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d entries, want 0", len(got))
	}
	n, err := f.lister.CountDataObjectsAndCollectionsUnderPath(ctx, f.home+"/c1")
	if err != nil || n != 0 {
		t.Fatalf("Count() = %d, %v, want 0", n, err)
	}
}

func TestListWithPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	cat := f.grid.Server.Catalog()
	if err := cat.Grant(f.home+"/c1", gridserver.AdminUser, gridserver.AccessRead); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if err := cat.Grant(f.home+"/f1.dat", gridserver.AdminUser, gridserver.AccessWrite); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	colls, err := f.lister.ListCollectionsUnderPathWithPermissions(ctx, f.home, 0)
	if err != nil {
		t.Fatalf("ListCollectionsUnderPathWithPermissions() error = %v", err)
	}
	assertPerms(t, colls[0], map[string]string{"alice": gridserver.AccessOwn, gridserver.AdminUser: gridserver.AccessRead})
	assertPerms(t, colls[1], map[string]string{"alice": gridserver.AccessOwn})

	objs, err := f.lister.ListDataObjectsUnderPathWithPermissions(ctx, f.home, 0)
	if err != nil {
		t.Fatalf("ListDataObjectsUnderPathWithPermissions() error = %v", err)
	}
	assertPerms(t, objs[0], map[string]string{"alice": gridserver.AccessOwn, gridserver.AdminUser: gridserver.AccessWrite})

	plain, err := f.lister.ListCollectionsUnderPath(ctx, f.home, 0)
	if err != nil {
		t.Fatalf("ListCollectionsUnderPath() error = %v", err)
	}
	if plain[0].Permissions != nil {
		t.Errorf("plain listing has permissions %v", plain[0].Permissions)
	}
}

func assertPerms(t *testing.T, e listing.Entry, want map[string]string) {
	t.Helper()
	if len(e.Permissions) != len(want) {
		t.Fatalf("%s permissions = %v, want %v", e.Name, e.Permissions, want)
	}
	for _, p := range e.Permissions {
		if want[p.User] != p.Level {
			t.Errorf("%s: %s has %q, want %q", e.Name, p.User, p.Level, want[p.User])
		}
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	objs, err := f.lister.SearchDataObjectsBasedOnName(ctx, "report", 0)
	if err != nil {
		t.Fatalf("SearchDataObjectsBasedOnName() error = %v", err)
	}
	if len(objs) != 1 || objs[0].Path() != f.home+"/c2/report-2026.csv" {
		t.Fatalf("search report = %+v", objs)
	}
	if objs[0].Size != 42 {
		t.Errorf("size = %d, want 42", objs[0].Size)
	}

	colls := drain(t, func(start int) ([]listing.Entry, error) {
		return f.lister.SearchCollectionsBasedOnName(ctx, "alice/c", start)
	})
	if len(colls) != numCollections {
		t.Fatalf("search collections got %d, want %d", len(colls), numCollections)
	}

	both, err := f.lister.SearchCollectionsAndDataObjectsBasedOnName(ctx, "2")
	if err != nil {
		t.Fatalf("SearchCollectionsAndDataObjectsBasedOnName() error = %v", err)
	}
	if len(both) == 0 || both[0].Type != listing.Collection {
		t.Fatalf("combined search = %+v, want collections first", both)
	}
}

func TestSearchTreatsWildcardsLiterally(t *testing.T) {
	f := newFixture(t)
	cat := f.grid.Server.Catalog()
	for _, name := range []string{"a_b.log", "aXb.log", "100%.log", "1000.log"} {
		if _, err := cat.PutDataObject(f.home+"/c3/"+name, "alice", gridtest.Zone, 1, ""); err != nil {
			t.Fatalf("PutDataObject(%s) error = %v", name, err)
		}
	}
	tests := []struct {
		term string
		want string
	}{
		{"a_b", "a_b.log"},
		{"100%", "100%.log"},
	}
	for _, tt := range tests {
		got, err := f.lister.SearchDataObjectsBasedOnName(testContext(t), tt.term, 0)
		if err != nil {
			t.Fatalf("SearchDataObjectsBasedOnName(%q) error = %v", tt.term, err)
		}
		if len(got) != 1 || got[0].Name != tt.want {
			t.Errorf("SearchDataObjectsBasedOnName(%q) = %+v, want only %s", tt.term, got, tt.want)
		}
	}
}

func TestRetrieveObjectStat(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	st, err := f.lister.RetrieveObjectStatForPath(ctx, f.home+"/f4.dat")
	if err != nil {
		t.Fatalf("stat data object: %v", err)
	}
	if st.Type != listing.DataObject || st.Size != 400 || st.Checksum != "sum4" || st.Owner != "alice" {
		t.Errorf("stat = %+v", st)
	}
	if st.Zone != gridtest.Zone {
		t.Errorf("zone = %q, want %q", st.Zone, gridtest.Zone)
	}

	st, err = f.lister.RetrieveObjectStatForPath(ctx, f.home+"/c3")
	if err != nil {
		t.Fatalf("stat collection: %v", err)
	}
	if st.Type != listing.Collection || st.Path != f.home+"/c3" {
		t.Errorf("stat = %+v", st)
	}
}
