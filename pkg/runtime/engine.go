// Package runtime runs expression queries against stored arrays: it compiles
// expressions against an array's schema, reads the cells of a subarray into
// an expression environment, evaluates and records the outcome.
package runtime

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/blake3"

	"github.com/lemonberrylabs/cellexpr/pkg/expr"
	"github.com/lemonberrylabs/cellexpr/pkg/schema"
	"github.com/lemonberrylabs/cellexpr/pkg/store"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// DefaultCacheSize is the number of compiled expressions kept when no size is
// configured.
const DefaultCacheSize = 512

// DefaultMaxExpressionLength is the maximum expression source size in bytes
// when no limit is configured.
const DefaultMaxExpressionLength = 16 * 1024

// Options configures an Engine. Zero values select defaults.
type Options struct {
	CacheSize           int
	MaxExpressionLength int

	// Allocator backs owned output buffers.
	Allocator  memory.Allocator
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// QueryRequest describes one query. A nil Subarray selects the whole
// dimension domain. Attributes lists input columns to return with the
// result. A positive OutputCapacity evaluates into a fixed buffer of that
// many bytes instead of a growable one; it may not exceed eight bytes per
// cell.
type QueryRequest struct {
	Array          string
	Expression     string
	Subarray       *[2]int64
	Attributes     []string
	OutputCapacity int
}

// Engine executes expression queries.
type Engine struct {
	store   *store.Store
	cache   *lru.Cache[string, *expr.CompiledExpression]
	mem     memory.Allocator
	logger  log.Logger
	metrics *metrics

	maxExpressionLength int
}

// NewEngine creates a query engine over s.
func NewEngine(s *store.Store, opts Options) (*Engine, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.MaxExpressionLength <= 0 {
		opts.MaxExpressionLength = DefaultMaxExpressionLength
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	cache, err := lru.New[string, *expr.CompiledExpression](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create compile cache: %w", err)
	}

	return &Engine{
		store:               s,
		cache:               cache,
		mem:                 opts.Allocator,
		logger:              log.With(opts.Logger, "component", "runtime"),
		metrics:             newMetrics(opts.Registerer, cache.Len),
		maxExpressionLength: opts.MaxExpressionLength,
	}, nil
}

// Store returns the store the engine reads from.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Compile parses source and verifies it against the schema of array.
// Results are cached per schema and source text.
func (e *Engine) Compile(array, source string) (*expr.CompiledExpression, error) {
	if len(source) > e.maxExpressionLength {
		return nil, types.NewInvalidArgumentError("expression size %d exceeds maximum %d bytes", len(source), e.maxExpressionLength)
	}

	arr, err := e.store.GetArray(array)
	if err != nil {
		return nil, err
	}

	key := cacheKey(arr.Schema, source)
	if compiled, ok := e.cache.Get(key); ok {
		e.metrics.compileCacheTotal.WithLabelValues(cacheHit).Inc()
		return compiled, nil
	}
	e.metrics.compileCacheTotal.WithLabelValues(cacheMiss).Inc()

	compiled, err := expr.Compile(source, arr.Schema)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, compiled)
	return compiled, nil
}

// cacheKey fingerprints the attribute layout together with the source, so a
// recreated array with different attributes never reuses a stale compile.
func cacheKey(s *schema.ArraySchema, source string) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s\n%s", s.Fingerprint(), source)
	return hex.EncodeToString(h.Sum(nil))
}

// Run executes a query. Requests that cannot start (unknown array, invalid
// expression or subarray) return an error and record nothing. Otherwise the
// query is recorded and returned; when evaluation fails, the FAILED query is
// returned together with the error.
func (e *Engine) Run(ctx context.Context, req QueryRequest) (*store.Query, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	arr, err := e.store.GetArray(req.Array)
	if err != nil {
		return nil, err
	}
	compiled, err := e.Compile(req.Array, req.Expression)
	if err != nil {
		return nil, err
	}

	sch := arr.Schema
	subarray := sch.Dimension.Domain
	if req.Subarray != nil {
		subarray = *req.Subarray
	}
	if !sch.Contains(subarray[0], subarray[1]) {
		return nil, types.NewInvalidArgumentError("subarray [%d, %d] is not inside domain [%d, %d]",
			subarray[0], subarray[1], sch.Dimension.Domain[0], sch.Dimension.Domain[1])
	}
	for _, name := range req.Attributes {
		if !sch.HasAttribute(name) {
			return nil, types.NewInvalidArgumentError("array '%s' has no attribute '%s'", req.Array, name)
		}
	}
	numCells := uint64(subarray[1]-subarray[0]) + 1
	if err := checkOutputCapacity(req.OutputCapacity, numCells); err != nil {
		return nil, err
	}

	q, err := e.store.CreateQuery(req.Array, req.Expression, subarray, req.Attributes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	columns, output, evalErr := e.execute(ctx, req, compiled, subarray, numCells)
	e.metrics.queryDuration.Observe(time.Since(start).Seconds())

	if evalErr != nil {
		e.metrics.queriesTotal.WithLabelValues(statusFailed).Inc()
		level.Warn(e.logger).Log("msg", "query failed", "query", q.Name, "expression", req.Expression, "err", evalErr)
		if err := e.store.FailQuery(q.Name, evalErr); err != nil {
			return nil, err
		}
		failed, err := e.store.GetQuery(q.Name)
		if err != nil {
			return nil, err
		}
		return failed, evalErr
	}

	result := make(map[string]types.Column, len(req.Attributes))
	for _, name := range req.Attributes {
		result[name] = columns[name]
	}
	if err := e.store.CompleteQuery(q.Name, numCells, result, output); err != nil {
		return nil, err
	}
	e.metrics.queriesTotal.WithLabelValues(statusSucceeded).Inc()
	e.metrics.cellsEvaluated.Add(float64(numCells))
	level.Debug(e.logger).Log("msg", "query succeeded", "query", q.Name, "cells", numCells, "duration", time.Since(start))

	return e.store.GetQuery(q.Name)
}

// maxElementWidth is the width in bytes of the widest cell datatype.
const maxElementWidth = 8

// checkOutputCapacity bounds a caller-sized output buffer by the largest
// result numCells cells can produce.
func checkOutputCapacity(capacity int, numCells uint64) error {
	if capacity < 0 {
		return types.NewInvalidArgumentError("output capacity must not be negative")
	}
	if limit := numCells * maxElementWidth; uint64(capacity) > limit {
		return types.NewInvalidArgumentError("output capacity %d exceeds %d bytes, the largest result of %d cells", capacity, limit, numCells)
	}
	return nil
}

// execute reads the inputs of a query and evaluates it.
func (e *Engine) execute(ctx context.Context, req QueryRequest, compiled *expr.CompiledExpression, subarray [2]int64, numCells uint64) (map[string]types.Column, types.Column, error) {
	attrs := unionSorted(req.Attributes, compiled.RequiredAttributes())
	columns, err := e.store.ReadCells(req.Array, subarray[0], subarray[1], attrs)
	if err != nil {
		return nil, types.Column{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.Column{}, err
	}

	output, err := e.evaluate(compiled, columns, numCells, req.OutputCapacity)
	if err != nil {
		return nil, types.Column{}, err
	}
	return columns, output, nil
}

// evaluate binds columns into a fresh environment and runs compiled over it.
// A panic during evaluation, such as an integer division by zero, is
// returned as an EvalError.
func (e *Engine) evaluate(compiled *expr.CompiledExpression, columns map[string]types.Column, numCells uint64, capacity int) (out types.Column, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewEvalError("evaluation aborted: %v", r)
		}
	}()

	env := expr.NewEnvironment(numCells)
	for _, name := range compiled.RequiredAttributes() {
		col := columns[name]
		if err := env.Bind(name, col.Type, expr.NewBorrowedView(col.Data)); err != nil {
			return types.Column{}, err
		}
	}

	if capacity > 0 {
		if err := env.BindOutput(expr.NewBorrowedView(make([]byte, capacity))); err != nil {
			return types.Column{}, err
		}
	} else {
		owned := expr.NewOwnedBuffer(e.mem)
		defer owned.Release()
		if err := env.BindOutput(owned); err != nil {
			return types.Column{}, err
		}
	}

	if err := compiled.Evaluate(env); err != nil {
		return types.Column{}, err
	}
	return types.Column{
		Type: env.ResultType(),
		Data: append([]byte(nil), env.Result()...),
	}, nil
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
