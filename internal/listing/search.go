package listing

import (
	"context"
	"strings"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/query"
)

// SearchCollectionsBasedOnName returns one page of collections whose
// absolute path contains term.
func (l *Lister) SearchCollectionsBasedOnName(ctx context.Context, term string, start int) ([]Entry, error) {
	const op = "listing.SearchCollectionsBasedOnName"
	if err := checkSearchArgs(term, start); err != nil {
		return nil, errors.E(op, err)
	}
	text := query.Select(collColumns...).Where(query.ColCollName, query.OpLike, likeTerm(term)).String()
	entries, err := l.page(ctx, text, start, collectionEntry)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return entries, nil
}

// SearchDataObjectsBasedOnName returns one page of data objects whose name
// contains term.
func (l *Lister) SearchDataObjectsBasedOnName(ctx context.Context, term string, start int) ([]Entry, error) {
	const op = "listing.SearchDataObjectsBasedOnName"
	if err := checkSearchArgs(term, start); err != nil {
		return nil, errors.E(op, err)
	}
	text := query.Select(dataColumns...).Where(query.ColDataName, query.OpLike, likeTerm(term)).String()
	entries, err := l.page(ctx, text, start, dataObjectEntry)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return entries, nil
}

// SearchCollectionsAndDataObjectsBasedOnName returns the first page of
// matching collections followed by the first page of matching data objects.
func (l *Lister) SearchCollectionsAndDataObjectsBasedOnName(ctx context.Context, term string) ([]Entry, error) {
	colls, err := l.SearchCollectionsBasedOnName(ctx, term, 0)
	if err != nil {
		return nil, err
	}
	objs, err := l.SearchDataObjectsBasedOnName(ctx, term, 0)
	if err != nil {
		return nil, err
	}
	return append(colls, objs...), nil
}

// likeTerm matches names containing term, wildcards in term included.
func likeTerm(term string) string {
	return "%" + query.EscapeLike(term) + "%"
}

func checkSearchArgs(term string, start int) error {
	if strings.TrimSpace(term) == "" {
		return errors.E(errors.Invalid, errors.Str("empty search term"))
	}
	if start < 0 {
		return errors.E(errors.Invalid, errors.Errorf("negative start %d", start))
	}
	return nil
}
