// Package listing lists and searches the grid namespace on top of paged
// queries. Collections and data objects are paged independently: each
// entry carries its 1-based position within its own type, and the next
// page for a type starts at the position of the last entry received.
package listing

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/query"
	"github.com/mataphp/jargon/pkg/protocol"
)

// ObjectType distinguishes collections from data objects.
type ObjectType string

const (
	Collection ObjectType = protocol.ObjectTypeCollection
	DataObject ObjectType = protocol.ObjectTypeDataObject
)

// Permission is one access control entry.
type Permission struct {
	User  string
	Level string
}

// Entry is one collection or data object in a listing.
type Entry struct {
	Name       string
	Type       ObjectType
	ParentPath string
	// PositionInType is the entry's 1-based position among entries of
	// the same type in this listing.
	PositionInType     int
	IsLastEntryForType bool
	// TotalRecords is the server's count hint for the entry's type.
	TotalRecords int64

	Size        int64
	Owner       string
	Checksum    string
	CreatedAt   time.Time
	ModifiedAt  time.Time
	Permissions []Permission
}

// Path returns the absolute path of the entry.
func (e Entry) Path() string { return path.Join(e.ParentPath, e.Name) }

// Stat describes a single path.
type Stat struct {
	Path       string
	Type       ObjectType
	Size       int64
	Owner      string
	Zone       string
	Checksum   string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Lister runs listings and searches over one control channel.
type Lister struct {
	caller query.Caller
	exec   *query.Executor
	logger *slog.Logger
}

// New returns a lister requesting pageSize rows per query page.
func New(c query.Caller, pageSize int, logger *slog.Logger) *Lister {
	logger = logging.OrDiscard(logger)
	return &Lister{caller: c, exec: query.NewExecutor(c, pageSize, logger), logger: logger}
}

var (
	collColumns = []string{query.ColCollName, query.ColCollOwnerName, query.ColCollCreateTime, query.ColCollModifyTime}
	dataColumns = []string{query.ColCollName, query.ColDataName, query.ColDataSize, query.ColDataOwnerName,
		query.ColDataChecksum, query.ColDataCreateTime, query.ColDataModifyTime}
)

// RetrieveObjectStatForPath describes the collection or data object at p.
func (l *Lister) RetrieveObjectStatForPath(ctx context.Context, p string) (Stat, error) {
	const op = "listing.RetrieveObjectStatForPath"
	if err := checkAbsolute(p); err != nil {
		return Stat{}, errors.E(op, errors.Path(p), err)
	}
	var res protocol.ObjStatResult
	if err := l.caller.Call(ctx, protocol.TypeObjStat, protocol.ObjStat{Path: p}, &res); err != nil {
		return Stat{}, errors.E(op, errors.Path(p), err)
	}
	return Stat{
		Path:       res.Path,
		Type:       ObjectType(res.Type),
		Size:       res.Size,
		Owner:      res.Owner,
		Zone:       res.Zone,
		Checksum:   res.Checksum,
		CreatedAt:  unixOrZero(res.CreateTime),
		ModifiedAt: unixOrZero(res.ModifyTime),
	}, nil
}

// resolveParent returns the collection to list for parent. A data object
// resolves to the collection that holds it.
func (l *Lister) resolveParent(ctx context.Context, parent string) (string, error) {
	stat, err := l.RetrieveObjectStatForPath(ctx, parent)
	if err != nil {
		return "", err
	}
	if stat.Type == DataObject {
		dir := path.Dir(path.Clean(parent))
		l.logger.Debug("listing parent of data object", "path", parent, "parent", dir)
		return dir, nil
	}
	return path.Clean(parent), nil
}

// ListCollectionsUnderPath returns one page of the collections directly
// under parent, starting after position start.
func (l *Lister) ListCollectionsUnderPath(ctx context.Context, parent string, start int) ([]Entry, error) {
	return l.listCollections(ctx, "listing.ListCollectionsUnderPath", parent, start, false)
}

// ListCollectionsUnderPathWithPermissions is ListCollectionsUnderPath with
// each entry's access control list filled in.
func (l *Lister) ListCollectionsUnderPathWithPermissions(ctx context.Context, parent string, start int) ([]Entry, error) {
	return l.listCollections(ctx, "listing.ListCollectionsUnderPathWithPermissions", parent, start, true)
}

// ListDataObjectsUnderPath returns one page of the data objects directly
// under parent, starting after position start.
func (l *Lister) ListDataObjectsUnderPath(ctx context.Context, parent string, start int) ([]Entry, error) {
	return l.listDataObjects(ctx, "listing.ListDataObjectsUnderPath", parent, start, false)
}

// ListDataObjectsUnderPathWithPermissions is ListDataObjectsUnderPath with
// each entry's access control list filled in.
func (l *Lister) ListDataObjectsUnderPathWithPermissions(ctx context.Context, parent string, start int) ([]Entry, error) {
	return l.listDataObjects(ctx, "listing.ListDataObjectsUnderPathWithPermissions", parent, start, true)
}

// ListDataObjectsAndCollectionsUnderPath returns the first page of
// collections followed by the first page of data objects under parent.
func (l *Lister) ListDataObjectsAndCollectionsUnderPath(ctx context.Context, parent string) ([]Entry, error) {
	return l.listBoth(ctx, parent, false)
}

// ListDataObjectsAndCollectionsUnderPathWithPermissions is
// ListDataObjectsAndCollectionsUnderPath with access control lists.
func (l *Lister) ListDataObjectsAndCollectionsUnderPathWithPermissions(ctx context.Context, parent string) ([]Entry, error) {
	return l.listBoth(ctx, parent, true)
}

func (l *Lister) listBoth(ctx context.Context, parent string, perms bool) ([]Entry, error) {
	const op = "listing.ListDataObjectsAndCollectionsUnderPath"
	colls, err := l.listCollections(ctx, op, parent, 0, perms)
	if err != nil {
		return nil, err
	}
	objs, err := l.listDataObjects(ctx, op, parent, 0, perms)
	if err != nil {
		return nil, err
	}
	return append(colls, objs...), nil
}

// CountDataObjectsAndCollectionsUnderPath counts the entries every page of
// both listings under parent would return.
func (l *Lister) CountDataObjectsAndCollectionsUnderPath(ctx context.Context, parent string) (int, error) {
	const op = "listing.CountDataObjectsAndCollectionsUnderPath"
	if err := checkAbsolute(parent); err != nil {
		return 0, errors.E(op, errors.Path(parent), err)
	}
	dir, err := l.resolveParent(ctx, parent)
	if err != nil {
		return 0, errors.E(op, err)
	}
	colls, err := l.count(ctx, collectionsQuery(dir))
	if err != nil {
		return 0, errors.E(op, errors.Path(parent), err)
	}
	objs, err := l.count(ctx, dataObjectsQuery(dir))
	if err != nil {
		return 0, errors.E(op, errors.Path(parent), err)
	}
	return colls + objs, nil
}

func (l *Lister) count(ctx context.Context, text string) (int, error) {
	page, err := l.exec.ExecuteQuery(ctx, text)
	if err != nil {
		return 0, err
	}
	if page.LastPage {
		return len(page.Rows), nil
	}
	if page.TotalRecords > 0 {
		return int(page.TotalRecords), nil
	}
	n := len(page.Rows)
	for !page.LastPage {
		if page, err = l.exec.Continue(ctx, page); err != nil {
			return 0, err
		}
		n += len(page.Rows)
	}
	return n, nil
}

func collectionsQuery(parent string) string {
	return query.Select(collColumns...).Where(query.ColCollParentName, query.OpEqual, parent).String()
}

func dataObjectsQuery(parent string) string {
	return query.Select(dataColumns...).Where(query.ColCollName, query.OpEqual, parent).String()
}

func (l *Lister) listCollections(ctx context.Context, op, parent string, start int, perms bool) ([]Entry, error) {
	if err := checkListArgs(parent, start); err != nil {
		return nil, errors.E(op, errors.Path(parent), err)
	}
	dir, err := l.resolveParent(ctx, parent)
	if err != nil {
		return nil, errors.E(op, err)
	}
	entries, err := l.page(ctx, collectionsQuery(dir), start, collectionEntry)
	if err != nil {
		return nil, errors.E(op, errors.Path(parent), err)
	}
	if perms {
		if err := l.fillPermissions(ctx, entries); err != nil {
			return nil, errors.E(op, errors.Path(parent), err)
		}
	}
	return entries, nil
}

func (l *Lister) listDataObjects(ctx context.Context, op, parent string, start int, perms bool) ([]Entry, error) {
	if err := checkListArgs(parent, start); err != nil {
		return nil, errors.E(op, errors.Path(parent), err)
	}
	dir, err := l.resolveParent(ctx, parent)
	if err != nil {
		return nil, errors.E(op, err)
	}
	entries, err := l.page(ctx, dataObjectsQuery(dir), start, dataObjectEntry)
	if err != nil {
		return nil, errors.E(op, errors.Path(parent), err)
	}
	if perms {
		if err := l.fillPermissions(ctx, entries); err != nil {
			return nil, errors.E(op, errors.Path(parent), err)
		}
	}
	return entries, nil
}

// page fetches the page starting at start and converts its rows.
func (l *Lister) page(ctx context.Context, text string, start int, convert func(query.Row) (Entry, error)) ([]Entry, error) {
	page, err := l.exec.ExecuteQueryContinuation(ctx, text, start)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(page.Rows))
	for i, row := range page.Rows {
		e, err := convert(row)
		if err != nil {
			return nil, err
		}
		e.PositionInType = row.Index + 1
		e.IsLastEntryForType = page.LastPage && i == len(page.Rows)-1
		e.TotalRecords = page.TotalRecords
		entries = append(entries, e)
	}
	return entries, nil
}

func collectionEntry(row query.Row) (Entry, error) {
	full, err := row.Get(query.ColCollName)
	if err != nil {
		return Entry{}, err
	}
	owner, err := row.Get(query.ColCollOwnerName)
	if err != nil {
		return Entry{}, err
	}
	created, err := row.TimeOrZero(query.ColCollCreateTime)
	if err != nil {
		return Entry{}, err
	}
	modified, err := row.TimeOrZero(query.ColCollModifyTime)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Name:       path.Base(full),
		Type:       Collection,
		ParentPath: path.Dir(full),
		Owner:      owner,
		CreatedAt:  created,
		ModifiedAt: modified,
	}, nil
}

func dataObjectEntry(row query.Row) (Entry, error) {
	var e Entry
	var err error
	get := func(col string) string {
		var v string
		if err == nil {
			v, err = row.Get(col)
		}
		return v
	}
	e.ParentPath = get(query.ColCollName)
	e.Name = get(query.ColDataName)
	e.Owner = get(query.ColDataOwnerName)
	e.Checksum = get(query.ColDataChecksum)
	if err != nil {
		return Entry{}, err
	}
	e.Type = DataObject
	if e.Size, err = row.LongOrZero(query.ColDataSize); err != nil {
		return Entry{}, err
	}
	if e.CreatedAt, err = row.TimeOrZero(query.ColDataCreateTime); err != nil {
		return Entry{}, err
	}
	if e.ModifiedAt, err = row.TimeOrZero(query.ColDataModifyTime); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// fillPermissions queries the access control list of every entry.
func (l *Lister) fillPermissions(ctx context.Context, entries []Entry) error {
	for i := range entries {
		e := &entries[i]
		var text string
		var userCol, levelCol string
		if e.Type == Collection {
			userCol, levelCol = query.ColCollAccessUser, query.ColCollAccessName
			text = query.Select(userCol, levelCol).
				Where(query.ColCollName, query.OpEqual, e.Path()).String()
		} else {
			userCol, levelCol = query.ColDataAccessUser, query.ColDataAccessName
			text = query.Select(userCol, levelCol).
				Where(query.ColCollName, query.OpEqual, e.ParentPath).
				Where(query.ColDataName, query.OpEqual, e.Name).String()
		}
		e.Permissions = []Permission{}
		err := l.exec.Drain(ctx, text, func(row query.Row) error {
			user, err := row.Get(userCol)
			if err != nil {
				return err
			}
			level, err := row.Get(levelCol)
			if err != nil {
				return err
			}
			e.Permissions = append(e.Permissions, Permission{User: user, Level: level})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func checkAbsolute(p string) error {
	if !strings.HasPrefix(p, "/") {
		return errors.E(errors.Invalid, errors.Errorf("path %q is not absolute", p))
	}
	return nil
}

func checkListArgs(parent string, start int) error {
	if err := checkAbsolute(parent); err != nil {
		return err
	}
	if start < 0 {
		return errors.E(errors.Invalid, errors.Errorf("negative start %d", start))
	}
	return nil
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
