// Package store provides storage for arrays and the expression queries run
// against them. Data is held in memory and optionally written through to a
// bbolt file.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/lemonberrylabs/cellexpr/pkg/schema"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// QueryState represents the state of an expression query.
type QueryState string

const (
	QueryActive    QueryState = "ACTIVE"
	QuerySucceeded QueryState = "SUCCEEDED"
	QueryFailed    QueryState = "FAILED"
)

// Array is a stored dense array. Columns holds CellCount elements of every
// attribute, keyed by attribute name.
type Array struct {
	Name       string              `json:"name"`
	Schema     *schema.ArraySchema `json:"schema"`
	Columns    map[string][]byte   `json:"-"`
	CreateTime time.Time           `json:"createTime"`
	UpdateTime time.Time           `json:"updateTime"`
}

// Query is one evaluation of an expression over a subarray.
type Query struct {
	Name       string                  `json:"name"`
	Array      string                  `json:"array"`
	Expression string                  `json:"expression"`
	Subarray   [2]int64                `json:"subarray"`
	Attributes []string                `json:"attributes,omitempty"`
	State      QueryState              `json:"state"`
	NumCells   uint64                  `json:"numCells"`
	Result     map[string]types.Column `json:"result,omitempty"`
	Output     *types.Column           `json:"output,omitempty"`
	Error      *QueryError             `json:"error,omitempty"`
	StartTime  time.Time               `json:"startTime"`
	EndTime    time.Time               `json:"endTime,omitempty"`
}

// QueryError represents the error of a failed query.
type QueryError struct {
	Message string   `json:"message"`
	Tags    []string `json:"tags,omitempty"`
}

// Store is a thread-safe storage for arrays and queries.
type Store struct {
	mu      sync.RWMutex
	arrays  map[string]*Array
	queries map[string]*Query

	// db is nil for a purely in-memory store.
	db *bolt.DB
}

// New creates a new empty in-memory store.
func New() *Store {
	return &Store{
		arrays:  make(map[string]*Array),
		queries: make(map[string]*Query),
	}
}

// QueryName returns the resource name of query id on array.
func QueryName(array, id string) string {
	return fmt.Sprintf("arrays/%s/queries/%s", array, id)
}

// CreateArray stores a new zero-filled array described by sch.
func (s *Store) CreateArray(sch *schema.ArraySchema) (*Array, error) {
	if sch == nil {
		return nil, types.NewInvalidArgumentError("array schema is required")
	}
	if err := sch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.arrays[sch.Name]; exists {
		return nil, types.NewAlreadyExistsError("array '%s' already exists", sch.Name)
	}

	now := time.Now()
	arr := &Array{
		Name:       sch.Name,
		Schema:     sch,
		Columns:    make(map[string][]byte, len(sch.Attributes)),
		CreateTime: now,
		UpdateTime: now,
	}
	for _, a := range sch.Attributes {
		arr.Columns[a.Name] = make([]byte, sch.CellCount()*types.ElementWidth(a.Type))
	}

	if err := s.putArray(arr); err != nil {
		return nil, err
	}
	s.arrays[arr.Name] = arr
	return arr.metadata(), nil
}

// GetArray retrieves an array's metadata by name. Cell values are read with
// ReadCells.
func (s *Store) GetArray(name string) (*Array, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr, ok := s.arrays[name]
	if !ok {
		return nil, types.NewNotFoundError("array '%s' not found", name)
	}
	return arr.metadata(), nil
}

// ListArrays returns the metadata of all arrays, sorted by name.
func (s *Store) ListArrays() []*Array {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Array, 0, len(s.arrays))
	for _, arr := range s.arrays {
		result = append(result, arr.metadata())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// DeleteArray removes an array and all of its queries.
func (s *Store) DeleteArray(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.arrays[name]; !ok {
		return types.NewNotFoundError("array '%s' not found", name)
	}

	var dropped []string
	for qname, q := range s.queries {
		if q.Array == name {
			dropped = append(dropped, qname)
		}
	}
	if err := s.deleteRecords(name, dropped); err != nil {
		return err
	}

	delete(s.arrays, name)
	for _, qname := range dropped {
		delete(s.queries, qname)
	}
	return nil
}

// WriteCells overwrites cells of one or more attributes starting at
// coordinate start. Each value buffer holds packed elements of the
// attribute's type. Either every attribute is written or none is.
func (s *Store) WriteCells(name string, start int64, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	arr, ok := s.arrays[name]
	if !ok {
		return types.NewNotFoundError("array '%s' not found", name)
	}
	if len(values) == 0 {
		return types.NewInvalidArgumentError("no attribute values to write")
	}

	sch := arr.Schema
	for attr, data := range values {
		a, ok := sch.Attribute(attr)
		if !ok {
			return types.NewInvalidArgumentError("array '%s' has no attribute '%s'", name, attr)
		}
		width := types.ElementWidth(a.Type)
		if uint64(len(data))%width != 0 {
			return types.NewInvalidArgumentError("values for '%s' are not a whole number of %s elements", attr, a.Type)
		}
		n := int64(uint64(len(data)) / width)
		if n == 0 {
			continue
		}
		if !sch.Contains(start, start+n-1) {
			return types.NewInvalidArgumentError("cells [%d, %d] of '%s' are outside domain [%d, %d]",
				start, start+n-1, attr, sch.Dimension.Domain[0], sch.Dimension.Domain[1])
		}
	}

	updated := arr.clone()
	for attr, data := range values {
		if len(data) == 0 {
			continue
		}
		a, _ := sch.Attribute(attr)
		col := append([]byte(nil), updated.Columns[attr]...)
		copy(col[sch.Offset(start)*types.ElementWidth(a.Type):], data)
		updated.Columns[attr] = col
	}
	updated.UpdateTime = time.Now()

	if err := s.putArray(updated); err != nil {
		return err
	}
	s.arrays[name] = updated
	return nil
}

// ReadCells returns a copy of the cells [lo, hi] of each named attribute.
func (s *Store) ReadCells(name string, lo, hi int64, attrs []string) (map[string]types.Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr, ok := s.arrays[name]
	if !ok {
		return nil, types.NewNotFoundError("array '%s' not found", name)
	}
	sch := arr.Schema
	if !sch.Contains(lo, hi) {
		return nil, types.NewInvalidArgumentError("subarray [%d, %d] is not inside domain [%d, %d]",
			lo, hi, sch.Dimension.Domain[0], sch.Dimension.Domain[1])
	}

	result := make(map[string]types.Column, len(attrs))
	for _, attr := range attrs {
		a, ok := sch.Attribute(attr)
		if !ok {
			return nil, types.NewInvalidArgumentError("array '%s' has no attribute '%s'", name, attr)
		}
		width := types.ElementWidth(a.Type)
		from, to := sch.Offset(lo)*width, (sch.Offset(hi)+1)*width
		result[attr] = types.Column{
			Type: a.Type,
			Data: append([]byte(nil), arr.Columns[attr][from:to]...),
		}
	}
	return result, nil
}

// CreateQuery creates a new ACTIVE query record.
func (s *Store) CreateQuery(array, expression string, subarray [2]int64, attrs []string) (*Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.arrays[array]; !ok {
		return nil, types.NewNotFoundError("array '%s' not found", array)
	}

	q := &Query{
		Name:       QueryName(array, uuid.NewString()),
		Array:      array,
		Expression: expression,
		Subarray:   subarray,
		Attributes: append([]string(nil), attrs...),
		State:      QueryActive,
		StartTime:  time.Now(),
	}
	if err := s.putQuery(q); err != nil {
		return nil, err
	}
	s.queries[q.Name] = q
	return q.snapshot(), nil
}

// GetQuery retrieves a query by name.
func (s *Store) GetQuery(name string) (*Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[name]
	if !ok {
		return nil, types.NewNotFoundError("query '%s' not found", name)
	}
	return q.snapshot(), nil
}

// ListQueries returns all queries of an array, oldest first. An empty array
// name lists the queries of every array.
func (s *Store) ListQueries(array string) ([]*Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if array != "" {
		if _, ok := s.arrays[array]; !ok {
			return nil, types.NewNotFoundError("array '%s' not found", array)
		}
	}

	var result []*Query
	for _, q := range s.queries {
		if array == "" || q.Array == array {
			result = append(result, q.snapshot())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].StartTime.Before(result[j].StartTime)
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// CompleteQuery marks a query as succeeded with its inputs and output.
func (s *Store) CompleteQuery(name string, numCells uint64, result map[string]types.Column, output types.Column) error {
	return s.finishQuery(name, func(q *Query) {
		q.State = QuerySucceeded
		q.NumCells = numCells
		q.Result = result
		q.Output = &output
	})
}

// FailQuery marks a query as failed with an error.
func (s *Store) FailQuery(name string, err error) error {
	qerr := &QueryError{Message: err.Error()}
	var ee *types.ExprError
	if errors.As(err, &ee) {
		qerr.Message = ee.Message
		qerr.Tags = append([]string(nil), ee.Tags...)
	}
	return s.finishQuery(name, func(q *Query) {
		q.State = QueryFailed
		q.Error = qerr
	})
}

func (s *Store) finishQuery(name string, update func(q *Query)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[name]
	if !ok {
		return types.NewNotFoundError("query '%s' not found", name)
	}
	if q.State != QueryActive {
		return types.NewInvalidArgumentError("query '%s' is not active (state: %s)", name, q.State)
	}

	done := q.snapshot()
	update(done)
	done.EndTime = time.Now()

	if err := s.putQuery(done); err != nil {
		return err
	}
	s.queries[name] = done
	return nil
}

// DeleteQuery removes a query record.
func (s *Store) DeleteQuery(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queries[name]; !ok {
		return types.NewNotFoundError("query '%s' not found", name)
	}
	if err := s.deleteRecords("", []string{name}); err != nil {
		return err
	}
	delete(s.queries, name)
	return nil
}

// metadata returns a copy of the array without its cell values.
func (a *Array) metadata() *Array {
	c := *a
	c.Columns = nil
	return &c
}

// clone returns a copy sharing the column buffers.
func (a *Array) clone() *Array {
	c := *a
	c.Columns = make(map[string][]byte, len(a.Columns))
	for k, v := range a.Columns {
		c.Columns[k] = v
	}
	return &c
}

// snapshot returns a copy that callers may hold without the store lock.
// Stored column buffers are never modified in place, so they are shared.
func (q *Query) snapshot() *Query {
	c := *q
	return &c
}
