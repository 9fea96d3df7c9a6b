package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lemonberrylabs/cellexpr/pkg/store"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// numberOrString accepts a JSON number or a string holding one, keeping the
// original text so that values are range-checked against the attribute type
// rather than rounded through float64.
type numberOrString string

func (n *numberOrString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = numberOrString(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("cell value %s is not a number", data)
	}
	*n = numberOrString(num)
	return nil
}

func arrayToJSON(arr *store.Array) fiber.Map {
	attrs := make([]fiber.Map, len(arr.Schema.Attributes))
	for i, a := range arr.Schema.Attributes {
		attrs[i] = fiber.Map{
			"name": a.Name,
			"type": a.Type.String(),
		}
	}
	return fiber.Map{
		"name": arr.Name,
		"dimension": fiber.Map{
			"name":   arr.Schema.Dimension.Name,
			"domain": arr.Schema.Dimension.Domain,
		},
		"attributes": attrs,
		"cellCount":  arr.Schema.CellCount(),
		"createTime": arr.CreateTime.Format(time.RFC3339),
		"updateTime": arr.UpdateTime.Format(time.RFC3339),
	}
}

func columnToJSON(col types.Column) fiber.Map {
	values, err := col.Values()
	if err != nil {
		values = []any{}
	}
	return fiber.Map{
		"type":   col.Type.String(),
		"values": values,
	}
}

func columnsToJSON(cols map[string]types.Column) fiber.Map {
	out := make(fiber.Map, len(cols))
	for name, col := range cols {
		out[name] = columnToJSON(col)
	}
	return out
}

func queryToJSON(q *store.Query) fiber.Map {
	result := fiber.Map{
		"name":       q.Name,
		"array":      q.Array,
		"expression": q.Expression,
		"subarray":   q.Subarray,
		"state":      q.State,
		"startTime":  q.StartTime.Format(time.RFC3339),
	}

	if len(q.Attributes) > 0 {
		result["attributes"] = q.Attributes
	}
	if q.State == store.QuerySucceeded {
		result["numCells"] = q.NumCells
	}
	if q.Output != nil {
		result["output"] = columnToJSON(*q.Output)
	}
	if len(q.Result) > 0 {
		result["result"] = columnsToJSON(q.Result)
	}
	if q.Error != nil {
		result["error"] = fiber.Map{
			"message": q.Error.Message,
			"tags":    q.Error.Tags,
		}
	}
	if !q.EndTime.IsZero() {
		result["endTime"] = q.EndTime.Format(time.RFC3339)
	}

	return result
}
