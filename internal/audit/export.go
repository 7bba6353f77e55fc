package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"

	"github.com/itchyny/gojq"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// jsonExport is the envelope of the JSON export form.
type jsonExport struct {
	WorkflowLogs []Entry `json:"workflow_logs"`
}

// ExportJSON renders the deterministic log as a JSON object with a
// "workflow_logs" array. Enum fields are rendered by name.
func (l *Log) ExportJSON() ([]byte, error) {
	out, err := json.MarshalIndent(jsonExport{WorkflowLogs: l.Entries()}, "", "  ")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "export json: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// csvHeader is the CSV export header row.
var csvHeader = []string{
	"sequence", "timestamp_ms", "timestamp_us", "event_type",
	"state", "prev_state", "event", "reason", "data",
}

// ExportCSV renders the deterministic log as CSV. Fields containing commas,
// quotes, or newlines are quoted with internal quotes doubled (RFC 4180), so
// user- and RF-derived text cannot corrupt the row structure or inject cells
// into spreadsheet tooling.
func (l *Log) ExportCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "export csv: %s", err.Error()).WithCause(err)
	}
	for _, e := range l.Entries() {
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			strconv.FormatInt(e.TimestampMs, 10),
			strconv.FormatInt(e.TimestampUs, 10),
			string(e.EventType),
			string(e.State),
			string(e.PrevState),
			e.Event,
			e.Reason,
			e.Data,
		}
		if err := w.Write(row); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "export csv: %s", err.Error()).WithCause(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "export csv: %s", err.Error()).WithCause(err)
	}
	return buf.Bytes(), nil
}

// ExportJSONFiltered applies a jq expression to the exported entries and
// returns the results as a JSON array. The expression runs against each
// entry object, so `select(.event_type == "ERROR")` slices the trail by kind.
func (l *Log) ExportJSONFiltered(expression string) ([]byte, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	var results []any
	for _, e := range l.Entries() {
		// Round-trip through JSON so gojq sees plain map[string]any input.
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "encode entry: %s", err.Error()).WithCause(err)
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode entry: %s", err.Error()).WithCause(err)
		}

		iter := code.Run(obj)
		for {
			val, ok := iter.Next()
			if !ok {
				break
			}
			if jqErr, isErr := val.(error); isErr {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"jq evaluation failed for %q: %s", expression, jqErr.Error()).WithCause(jqErr)
			}
			results = append(results, val)
		}
	}

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "export filtered json: %s", err.Error()).WithCause(err)
	}
	return out, nil
}
