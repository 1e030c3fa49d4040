package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type formatter interface {
	format(rec record) string
}

// consoleFormatter renders human-readable single-line entries.
type consoleFormatter struct{}

func (consoleFormatter) format(rec record) string {
	var b strings.Builder
	b.WriteString(rec.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(rec.Level.String())
	b.WriteString("] ")
	b.WriteString(rec.Message)

	if rec.Err != nil {
		fmt.Fprintf(&b, " error=%q", rec.Err.Error())
	}

	if len(rec.Fields) > 0 {
		keys := make([]string, 0, len(rec.Fields))
		for k := range rec.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, rec.Fields[k])
		}
	}

	return b.String()
}

// jsonFormatter renders one JSON object per line for log shippers.
type jsonFormatter struct{}

func (jsonFormatter) format(rec record) string {
	out := map[string]interface{}{
		"time":    rec.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		"level":   rec.Level.String(),
		"message": rec.Message,
	}
	if rec.Err != nil {
		out["error"] = rec.Err.Error()
	}
	for k, v := range rec.Fields {
		out[k] = v
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","message":"logx: marshal failed: %v"}`, err)
	}
	return string(data)
}
