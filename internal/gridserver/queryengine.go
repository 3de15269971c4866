package gridserver

import (
	"strconv"
	"strings"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/query"
	"github.com/mataphp/jargon/pkg/protocol"
)

// maxPageSize caps the rows returned in one page whatever the client asks.
const maxPageSize = 5000

// rowSource is one candidate result row before projection.
type rowSource struct {
	obj    Object
	coll   Object // the collection holding a data object, or obj itself
	ace    *ACE
	avu    *AVU
	isData bool
}

type domain struct {
	data   bool
	access bool
	meta   bool
}

func domainOf(q query.GenQuery) domain {
	var d domain
	visit := func(col string) {
		switch {
		case strings.HasPrefix(col, "DATA_ACCESS_"):
			d.data, d.access = true, true
		case strings.HasPrefix(col, "COLL_ACCESS_"):
			d.access = true
		case strings.HasPrefix(col, "META_DATA_"):
			d.data, d.meta = true, true
		case strings.HasPrefix(col, "META_COLL_"):
			d.meta = true
		case strings.HasPrefix(col, "DATA_"):
			d.data = true
		}
	}
	for _, c := range q.Select {
		visit(c)
	}
	for _, c := range q.Where {
		visit(c.Column)
	}
	return d
}

// value projects col out of a row source. ok is false for unknown columns.
func (r rowSource) value(col string) (string, bool) {
	itoa := func(n int64) string { return strconv.FormatInt(n, 10) }
	switch col {
	case query.ColCollName:
		return r.coll.Path, true
	case query.ColCollParentName:
		return r.coll.Parent(), true
	case query.ColCollOwnerName:
		return r.coll.Owner, true
	case query.ColCollOwnerZone:
		return r.coll.Zone, true
	case query.ColCollCreateTime:
		return itoa(r.coll.CreateTime), true
	case query.ColCollModifyTime:
		return itoa(r.coll.ModifyTime), true
	case query.ColCollAccessUser, query.ColDataAccessUser:
		if r.ace == nil {
			return "", true
		}
		return r.ace.User, true
	case query.ColCollAccessName, query.ColDataAccessName:
		if r.ace == nil {
			return "", true
		}
		return r.ace.Level, true
	case query.ColMetaCollAttrName, query.ColMetaDataAttrName:
		if r.avu == nil {
			return "", true
		}
		return r.avu.Attr, true
	case query.ColMetaCollAttrVal, query.ColMetaDataAttrVal:
		if r.avu == nil {
			return "", true
		}
		return r.avu.Value, true
	}
	if !r.isData {
		return "", false
	}
	switch col {
	case query.ColDataName:
		return strings.TrimPrefix(r.obj.Path[len(r.coll.Path):], "/"), true
	case query.ColDataSize:
		return itoa(r.obj.Size), true
	case query.ColDataOwnerName:
		return r.obj.Owner, true
	case query.ColDataOwnerZone:
		return r.obj.Zone, true
	case query.ColDataChecksum:
		return r.obj.Checksum, true
	case query.ColDataCreateTime:
		return itoa(r.obj.CreateTime), true
	case query.ColDataModifyTime:
		return itoa(r.obj.ModifyTime), true
	}
	return "", false
}

// RunQuery evaluates q over the catalog and returns the page starting at
// start.
func RunQuery(c *Catalog, q query.GenQuery, start, pageSize int) (protocol.QueryPage, error) {
	const op = "gridserver.RunQuery"
	if start < 0 {
		return protocol.QueryPage{}, errors.E(op, errors.Invalid, errors.Errorf("negative start index %d", start))
	}
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	d := domainOf(q)
	sample := rowSource{isData: d.data}
	for _, col := range q.Select {
		if _, ok := sample.value(col); !ok {
			return protocol.QueryPage{}, errors.E(op, errors.Invalid, errors.Errorf("unknown column %s", col))
		}
	}
	for _, cond := range q.Where {
		if _, ok := sample.value(cond.Column); !ok {
			return protocol.QueryPage{}, errors.E(op, errors.Invalid, errors.Errorf("unknown column %s", cond.Column))
		}
	}

	var rows [][]string
	emit := func(r rowSource) {
		for _, cond := range q.Where {
			v, _ := r.value(cond.Column)
			if !cond.Match(v) {
				return
			}
		}
		out := make([]string, len(q.Select))
		for i, col := range q.Select {
			out[i], _ = r.value(col)
		}
		rows = append(rows, out)
	}
	expand := func(r rowSource) {
		owner := r.coll
		if r.isData {
			owner = r.obj
		}
		switch {
		case d.access:
			for i := range owner.ACL {
				r.ace = &owner.ACL[i]
				emit(r)
			}
		case d.meta:
			for i := range owner.AVUs {
				r.avu = &owner.AVUs[i]
				emit(r)
			}
		default:
			emit(r)
		}
	}

	collections := make(map[string]Object)
	err := c.Walk(func(o Object) error {
		if o.IsCollection() {
			collections[o.Path] = o
			if !d.data {
				expand(rowSource{obj: o, coll: o})
			}
			return nil
		}
		if d.data {
			expand(rowSource{obj: o, coll: collections[o.Parent()], isData: true})
		}
		return nil
	})
	if err != nil {
		return protocol.QueryPage{}, errors.E(op, err)
	}

	total := len(rows)
	from, to := total, total
	if start < total {
		from, to = start, start+min(pageSize, total-start)
	}
	return protocol.QueryPage{
		Columns:      q.Select,
		Rows:         rows[from:to],
		StartIndex:   start,
		LastPage:     to == total,
		TotalRecords: int64(total),
	}, nil
}
