// Package query drives the grid's paged catalog queries.
//
// A query returns bounded pages. The caller asks for the next page with a
// continuation whose start index is the previous page's start plus its
// row count; any other start index gives undefined row identity.
package query

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/pkg/protocol"
)

// Caller sends one control request and decodes its reply.
type Caller interface {
	Call(ctx context.Context, msgType string, req, resp any) error
}

// Executor runs paged queries over a control channel.
type Executor struct {
	caller   Caller
	pageSize int
	logger   *slog.Logger
}

// NewExecutor returns an executor requesting pageSize rows per page.
// A non-positive pageSize uses the default.
func NewExecutor(c Caller, pageSize int, logger *slog.Logger) *Executor {
	if pageSize <= 0 {
		pageSize = config.DefaultQueryPageSize
	}
	return &Executor{caller: c, pageSize: pageSize, logger: logging.OrDiscard(logger)}
}

// PageSize returns the number of rows requested per page.
func (e *Executor) PageSize() int { return e.pageSize }

// ExecuteQuery returns the first page of text's results.
func (e *Executor) ExecuteQuery(ctx context.Context, text string) (*Page, error) {
	return e.ExecuteQueryContinuation(ctx, text, 0)
}

// ExecuteQueryContinuation returns the page of text's results starting at
// startIndex.
func (e *Executor) ExecuteQueryContinuation(ctx context.Context, text string, startIndex int) (*Page, error) {
	const op = "query.Execute"
	if startIndex < 0 {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("negative start index %d", startIndex))
	}
	var wire protocol.QueryPage
	req := protocol.Query{Query: text, StartIndex: startIndex, PageSize: e.pageSize}
	if err := e.caller.Call(ctx, protocol.TypeQuery, req, &wire); err != nil {
		return nil, errors.E(op, err)
	}
	page, err := newPage(text, startIndex, wire)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("query page", "query", text, "start", startIndex, "rows", len(page.Rows), "last", page.LastPage)
	return page, nil
}

// Continue returns the page after prev. Every page of a query carries the
// same columns.
func (e *Executor) Continue(ctx context.Context, prev *Page) (*Page, error) {
	const op = "query.Continue"
	if prev.LastPage {
		return nil, errors.E(op, errors.Invalid, errors.Str("no page after the last page"))
	}
	next, err := e.ExecuteQueryContinuation(ctx, prev.Query, prev.NextIndex())
	if err != nil {
		return nil, err
	}
	if len(next.Rows) > 0 || len(next.Columns) > 0 {
		if !slices.EqualFunc(prev.Columns, next.Columns, strings.EqualFold) {
			return nil, errors.E(op, errors.Protocol, errors.Errorf("page at %d has columns %v, query started with %v", next.StartIndex, next.Columns, prev.Columns))
		}
	}
	return next, nil
}

// Drain calls fn for every row of text's results in order. It stops at the
// first error from fn.
func (e *Executor) Drain(ctx context.Context, text string, fn func(Row) error) error {
	page, err := e.ExecuteQuery(ctx, text)
	for {
		if err != nil {
			return err
		}
		for _, row := range page.Rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		if page.LastPage {
			return nil
		}
		page, err = e.Continue(ctx, page)
	}
}
