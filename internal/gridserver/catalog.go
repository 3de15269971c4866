package gridserver

import (
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/pkg/protocol"
)

// Key prefixes in the catalog database.
const (
	ObjectPrefix = "obj:"
)

// Access levels.
const (
	AccessOwn   = "own"
	AccessWrite = "modify object"
	AccessRead  = "read object"
)

// ACE is one access control entry.
type ACE struct {
	User  string `msgpack:"user"`
	Level string `msgpack:"level"`
}

// AVU is an attribute-value-unit metadata triple.
type AVU struct {
	Attr  string `msgpack:"attr"`
	Value string `msgpack:"value"`
	Unit  string `msgpack:"unit,omitempty"`
}

// Object is a catalog record for a collection or data object.
type Object struct {
	Path       string `msgpack:"path"`
	Type       string `msgpack:"type"`
	Size       int64  `msgpack:"size"`
	Owner      string `msgpack:"owner"`
	Zone       string `msgpack:"zone"`
	Checksum   string `msgpack:"checksum,omitempty"`
	CreateTime int64  `msgpack:"create_time"`
	ModifyTime int64  `msgpack:"modify_time"`
	ACL        []ACE  `msgpack:"acl,omitempty"`
	AVUs       []AVU  `msgpack:"avus,omitempty"`
}

// IsCollection reports whether o is a collection.
func (o Object) IsCollection() bool { return o.Type == protocol.ObjectTypeCollection }

// Parent returns the path of the collection holding o, "" for the root.
func (o Object) Parent() string {
	if o.Path == "/" {
		return ""
	}
	return path.Dir(o.Path)
}

// Catalog stores namespace metadata in badger. Keys sort by path, so a
// walk visits every collection before its children.
type Catalog struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenCatalog opens the catalog in dir, or in memory when dir is empty.
func OpenCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.E("gridserver.OpenCatalog", errors.Errorf("open catalog %q: %v", dir, err))
	}
	c := &Catalog{db: db, logger: logging.OrDiscard(logger), now: time.Now}
	if err := c.ensureRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error { return c.db.Close() }

func objectKey(p string) []byte { return []byte(ObjectPrefix + p) }

func cleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", errors.E(errors.Invalid, errors.Errorf("path %q is not absolute", p))
	}
	return path.Clean(p), nil
}

func loadObject(txn *badger.Txn, p string) (Object, error) {
	item, err := txn.Get(objectKey(p))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return Object{}, errors.E(errors.Path(p), errors.NotFound, errors.Str("no such collection or data object"))
		}
		return Object{}, errors.E(errors.Path(p), errors.Errorf("catalog get: %v", err))
	}
	var o Object
	if err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &o)
	}); err != nil {
		return Object{}, errors.E(errors.Path(p), errors.Errorf("catalog decode: %v", err))
	}
	return o, nil
}

func storeObject(txn *badger.Txn, o Object) error {
	data, err := msgpack.Marshal(&o)
	if err != nil {
		return errors.E(errors.Path(o.Path), errors.Errorf("catalog encode: %v", err))
	}
	return txn.Set(objectKey(o.Path), data)
}

func (c *Catalog) ensureRoot() error {
	return c.db.Update(func(txn *badger.Txn) error {
		if _, err := loadObject(txn, "/"); err == nil {
			return nil
		}
		now := c.now().Unix()
		return storeObject(txn, Object{Path: "/", Type: protocol.ObjectTypeCollection, Owner: "rods", CreateTime: now, ModifyTime: now})
	})
}

// Stat returns the record at p.
func (c *Catalog) Stat(p string) (Object, error) {
	p, err := cleanPath(p)
	if err != nil {
		return Object{}, err
	}
	var o Object
	err = c.db.View(func(txn *badger.Txn) error {
		o, err = loadObject(txn, p)
		return err
	})
	return o, err
}

// Mkdir creates the collection p owned by owner. With parents set, missing
// ancestors are created and an existing collection is not an error.
func (c *Catalog) Mkdir(p, owner, zone string, parents bool) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return c.mkdir(txn, p, owner, zone, parents)
	})
}

func (c *Catalog) mkdir(txn *badger.Txn, p, owner, zone string, parents bool) error {
	existing, err := loadObject(txn, p)
	if err == nil {
		if existing.IsCollection() && parents {
			return nil
		}
		return errors.E(errors.Path(p), errors.Invalid, errors.Str("already exists"))
	}
	if !errors.Is(errors.NotFound, err) {
		return err
	}
	parent := path.Dir(p)
	pobj, err := loadObject(txn, parent)
	if errors.Is(errors.NotFound, err) && parents {
		if err := c.mkdir(txn, parent, owner, zone, true); err != nil {
			return err
		}
		pobj, err = loadObject(txn, parent)
	}
	if err != nil {
		return err
	}
	if !pobj.IsCollection() {
		return errors.E(errors.Path(parent), errors.Invalid, errors.Str("parent is not a collection"))
	}
	now := c.now().Unix()
	return storeObject(txn, Object{
		Path:       p,
		Type:       protocol.ObjectTypeCollection,
		Owner:      owner,
		Zone:       zone,
		CreateTime: now,
		ModifyTime: now,
		ACL:        []ACE{{User: owner, Level: AccessOwn}},
	})
}

// PutDataObject creates or replaces the data object at p.
func (c *Catalog) PutDataObject(p, owner, zone string, size int64, checksum string) (Object, error) {
	p, err := cleanPath(p)
	if err != nil {
		return Object{}, err
	}
	var o Object
	err = c.db.Update(func(txn *badger.Txn) error {
		if err := checkParent(txn, p); err != nil {
			return err
		}
		now := c.now().Unix()
		existing, err := loadObject(txn, p)
		switch {
		case err == nil && existing.IsCollection():
			return errors.E(errors.Path(p), errors.Invalid, errors.Str("is a collection"))
		case err == nil:
			o = existing
		case errors.Is(errors.NotFound, err):
			o = Object{Path: p, Type: protocol.ObjectTypeDataObject, Owner: owner, Zone: zone, CreateTime: now,
				ACL: []ACE{{User: owner, Level: AccessOwn}}}
		default:
			return err
		}
		o.Size = size
		o.Checksum = checksum
		o.ModifyTime = now
		return storeObject(txn, o)
	})
	return o, err
}

// CheckWritable reports whether a data object may be written at p.
func (c *Catalog) CheckWritable(p string) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	return c.db.View(func(txn *badger.Txn) error {
		if err := checkParent(txn, p); err != nil {
			return err
		}
		if o, err := loadObject(txn, p); err == nil && o.IsCollection() {
			return errors.E(errors.Path(p), errors.Invalid, errors.Str("is a collection"))
		}
		return nil
	})
}

func checkParent(txn *badger.Txn, p string) error {
	if p == "/" {
		return errors.E(errors.Path(p), errors.Invalid, errors.Str("root is a collection"))
	}
	parent, err := loadObject(txn, path.Dir(p))
	if err != nil {
		return err
	}
	if !parent.IsCollection() {
		return errors.E(errors.Path(parent.Path), errors.Invalid, errors.Str("parent is not a collection"))
	}
	return nil
}

// Grant adds or replaces user's access entry on p.
func (c *Catalog) Grant(p, user, level string) error {
	return c.update(p, func(o *Object) {
		for i := range o.ACL {
			if o.ACL[i].User == user {
				o.ACL[i].Level = level
				return
			}
		}
		o.ACL = append(o.ACL, ACE{User: user, Level: level})
	})
}

// AddAVU attaches a metadata triple to p.
func (c *Catalog) AddAVU(p string, avu AVU) error {
	return c.update(p, func(o *Object) {
		o.AVUs = append(o.AVUs, avu)
	})
}

func (c *Catalog) update(p string, fn func(*Object)) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		o, err := loadObject(txn, p)
		if err != nil {
			return err
		}
		fn(&o)
		return storeObject(txn, o)
	})
}

// Walk calls fn for every record in path order.
func (c *Catalog) Walk(fn func(Object) error) error {
	return c.db.View(func(txn *badger.Txn) error {
		prefix := []byte(ObjectPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var o Object
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &o)
			}); err != nil {
				return errors.E(errors.Errorf("catalog decode %s: %v", it.Item().Key(), err))
			}
			if err := fn(o); err != nil {
				return err
			}
		}
		return nil
	})
}
