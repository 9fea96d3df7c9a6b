// Package api implements the REST API for managing arrays and running
// expression queries over them.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lemonberrylabs/cellexpr/pkg/expr"
	"github.com/lemonberrylabs/cellexpr/pkg/runtime"
	"github.com/lemonberrylabs/cellexpr/pkg/schema"
	"github.com/lemonberrylabs/cellexpr/pkg/store"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// Server is the REST API server.
type Server struct {
	app    *fiber.App
	engine *runtime.Engine
	store  *store.Store
	logger log.Logger
}

// New creates a new API server. Metrics are served from gatherer, or from
// the default prometheus registry when gatherer is nil.
func New(engine *runtime.Engine, logger log.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	srv := &Server{
		engine: engine,
		store:  engine.Store(),
		logger: log.With(logger, "component", "api"),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          srv.handleError,
	})
	app.Use(recover.New())
	app.Use(srv.logRequest)

	// Arrays
	app.Post("/v1/arrays", srv.createArray)
	app.Get("/v1/arrays", srv.listArrays)
	app.Get("/v1/arrays/:array", srv.getArray)
	app.Delete("/v1/arrays/:array", srv.deleteArray)

	// Cells
	app.Post("/v1/arrays/:array/cells", srv.writeCells)
	app.Get("/v1/arrays/:array/cells", srv.readCells)

	// Expressions and queries
	app.Post("/v1/arrays/:array/expressions\\:compile", srv.compileExpression)
	app.Post("/v1/arrays/:array/queries", srv.createQuery)
	app.Get("/v1/arrays/:array/queries", srv.listQueries)
	app.Get("/v1/arrays/:array/queries/:query", srv.getQuery)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	srv.app = app
	return srv
}

// Listen starts the HTTP server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) logRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	level.Debug(s.logger).Log(
		"msg", "request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
	)
	return err
}

// --- Array Handlers ---

func (s *Server) createArray(c *fiber.Ctx) error {
	if len(c.Body()) == 0 {
		return writeError(c, types.NewInvalidArgumentError("request body must be an array schema"))
	}
	sch, err := schema.ParseNamed(c.Body(), c.Query("arrayId"))
	if err != nil {
		return writeError(c, err)
	}
	arr, err := s.store.CreateArray(sch)
	if err != nil {
		return writeError(c, err)
	}
	level.Info(s.logger).Log("msg", "array created", "array", arr.Name, "cells", sch.CellCount())
	return c.JSON(arrayToJSON(arr))
}

func (s *Server) getArray(c *fiber.Ctx) error {
	arr, err := s.store.GetArray(c.Params("array"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(arrayToJSON(arr))
}

func (s *Server) listArrays(c *fiber.Ctx) error {
	arrays := s.store.ListArrays()
	items := make([]fiber.Map, len(arrays))
	for i, arr := range arrays {
		items[i] = arrayToJSON(arr)
	}
	return c.JSON(fiber.Map{
		"arrays": items,
	})
}

func (s *Server) deleteArray(c *fiber.Ctx) error {
	name := c.Params("array")
	if err := s.store.DeleteArray(name); err != nil {
		return writeError(c, err)
	}
	level.Info(s.logger).Log("msg", "array deleted", "array", name)
	return c.JSON(fiber.Map{})
}

// --- Cell Handlers ---

type writeCellsRequest struct {
	Start      int64                       `json:"start"`
	Attributes map[string][]numberOrString `json:"attributes"`
}

func (s *Server) writeCells(c *fiber.Ctx) error {
	name := c.Params("array")

	var req writeCellsRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, types.NewInvalidArgumentError("invalid request body: %v", err))
	}

	arr, err := s.store.GetArray(name)
	if err != nil {
		return writeError(c, err)
	}

	values := make(map[string][]byte, len(req.Attributes))
	written := fiber.Map{}
	for attr, nums := range req.Attributes {
		a, ok := arr.Schema.Attribute(attr)
		if !ok {
			return writeError(c, types.NewInvalidArgumentError("array '%s' has no attribute '%s'", name, attr))
		}
		text := make([]string, len(nums))
		for i, n := range nums {
			text[i] = string(n)
		}
		data, err := types.EncodeText(a.Type, text)
		if err != nil {
			return writeError(c, types.NewInvalidArgumentError("attribute '%s': %v", attr, err))
		}
		values[attr] = data
		written[attr] = len(nums)
	}

	if err := s.store.WriteCells(name, req.Start, values); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"array":        name,
		"start":        req.Start,
		"cellsWritten": written,
	})
}

func (s *Server) readCells(c *fiber.Ctx) error {
	name := c.Params("array")
	arr, err := s.store.GetArray(name)
	if err != nil {
		return writeError(c, err)
	}

	domain := arr.Schema.Dimension.Domain
	lo, err := queryInt(c, "lo", domain[0])
	if err != nil {
		return writeError(c, err)
	}
	hi, err := queryInt(c, "hi", domain[1])
	if err != nil {
		return writeError(c, err)
	}

	var attrs []string
	if v := c.Query("attributes"); v != "" {
		attrs = strings.Split(v, ",")
	} else {
		for _, a := range arr.Schema.Attributes {
			attrs = append(attrs, a.Name)
		}
	}

	cols, err := s.store.ReadCells(name, lo, hi, attrs)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"array":      name,
		"subarray":   [2]int64{lo, hi},
		"attributes": columnsToJSON(cols),
	})
}

// --- Expression Handlers ---

type compileRequest struct {
	Expression string `json:"expression"`
}

func (s *Server) compileExpression(c *fiber.Ctx) error {
	var req compileRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, types.NewInvalidArgumentError("invalid request body: %v", err))
	}

	compiled, err := s.engine.Compile(c.Params("array"), req.Expression)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(compiledToJSON(compiled))
}

type createQueryRequest struct {
	Expression     string    `json:"expression"`
	Subarray       *[2]int64 `json:"subarray"`
	Attributes     []string  `json:"attributes"`
	OutputCapacity int       `json:"outputCapacity"`
}

func (s *Server) createQuery(c *fiber.Ctx) error {
	var req createQueryRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, types.NewInvalidArgumentError("invalid request body: %v", err))
	}
	if req.Expression == "" {
		return writeError(c, types.NewInvalidArgumentError("expression is required"))
	}

	q, err := s.engine.Run(c.UserContext(), runtime.QueryRequest{
		Array:          c.Params("array"),
		Expression:     req.Expression,
		Subarray:       req.Subarray,
		Attributes:     req.Attributes,
		OutputCapacity: req.OutputCapacity,
	})
	if err != nil {
		if q == nil {
			return writeError(c, err)
		}
		status, code := errorStatus(err)
		body := errorBody(status, code, err)
		body["query"] = queryToJSON(q)
		return c.Status(status).JSON(body)
	}
	return c.JSON(queryToJSON(q))
}

func (s *Server) getQuery(c *fiber.Ctx) error {
	q, err := s.store.GetQuery(store.QueryName(c.Params("array"), c.Params("query")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(queryToJSON(q))
}

func (s *Server) listQueries(c *fiber.Ctx) error {
	queries, err := s.store.ListQueries(c.Params("array"))
	if err != nil {
		return writeError(c, err)
	}
	items := make([]fiber.Map, len(queries))
	for i, q := range queries {
		items[i] = queryToJSON(q)
	}
	return c.JSON(fiber.Map{
		"queries": items,
	})
}

// --- Directory Loading ---

// LoadDir registers every .yaml, .yml and .json schema file in dir as an
// array. A schema without a name is named after its file. Files that cannot
// be loaded are logged and skipped. It returns the number of arrays created.
func (s *Server) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading arrays directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			level.Warn(s.logger).Log("msg", "could not read schema file", "file", name, "err", err)
			continue
		}

		sch, err := schema.ParseNamed(data, strings.TrimSuffix(name, ext))
		if err != nil {
			level.Warn(s.logger).Log("msg", "could not parse schema file", "file", name, "err", err)
			continue
		}

		if _, err := s.store.CreateArray(sch); err != nil {
			if types.HasTag(err, types.TagAlreadyExists) {
				level.Info(s.logger).Log("msg", "array already exists", "array", sch.Name, "file", name)
				continue
			}
			level.Warn(s.logger).Log("msg", "could not create array", "file", name, "err", err)
			continue
		}
		loaded++
		level.Info(s.logger).Log("msg", "loaded array", "array", sch.Name, "file", name)
	}

	level.Info(s.logger).Log("msg", "loaded arrays from directory", "count", loaded, "dir", dir)
	return loaded, nil
}

// --- Errors ---

// errorStatus maps an error to an HTTP status code and status string.
func errorStatus(err error) (int, string) {
	switch {
	case types.HasTag(err, types.TagNotFound):
		return fiber.StatusNotFound, "NOT_FOUND"
	case types.HasTag(err, types.TagAlreadyExists):
		return fiber.StatusConflict, "ALREADY_EXISTS"
	case types.HasTag(err, types.TagEvalError):
		return fiber.StatusUnprocessableEntity, "FAILED_PRECONDITION"
	case types.HasTag(err, types.TagTokenizeError),
		types.HasTag(err, types.TagParseError),
		types.HasTag(err, types.TagSchemaVerificationError),
		types.HasTag(err, types.TagBindError),
		types.HasTag(err, types.TagInvalidArgument):
		return fiber.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "DEADLINE_EXCEEDED"
	case errors.Is(err, context.Canceled):
		return 499, "CANCELLED"
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, strings.ToUpper(strings.ReplaceAll(http.StatusText(fe.Code), " ", "_"))
	}
	return fiber.StatusInternalServerError, "INTERNAL"
}

func errorBody(status int, code string, err error) fiber.Map {
	body := fiber.Map{
		"code":    status,
		"message": err.Error(),
		"status":  code,
	}
	var ee *types.ExprError
	if errors.As(err, &ee) {
		for k, v := range ee.ToMap() {
			body[k] = v
		}
	}
	return fiber.Map{"error": body}
}

func writeError(c *fiber.Ctx, err error) error {
	status, code := errorStatus(err)
	return c.Status(status).JSON(errorBody(status, code, err))
}

// handleError renders errors returned by handlers and fiber itself, such as
// unknown routes, in the same envelope.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status, _ := errorStatus(err)
	if status >= fiber.StatusInternalServerError {
		level.Error(s.logger).Log("msg", "request failed", "method", c.Method(), "path", c.Path(), "err", err)
	}
	return writeError(c, err)
}

func queryInt(c *fiber.Ctx, key string, fallback int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, types.NewInvalidArgumentError("query parameter %s=%q is not an integer", key, v)
	}
	return n, nil
}

// compiledToJSON describes a compiled expression.
func compiledToJSON(compiled *expr.CompiledExpression) fiber.Map {
	return fiber.Map{
		"expression":         compiled.Source(),
		"ast":                compiled.Root().String(),
		"requiredAttributes": compiled.RequiredAttributes(),
	}
}
