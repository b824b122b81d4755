package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Two output modes are supported:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[step_started] job=9f2c step=1 name=resolve_history
//
// Example JSON output:
//
//	{"id":"...","job_id":"9f2c","type":"step_started","step_index":1,...}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer. A nil
// writer defaults to os.Stdout. When jsonMode is true, events are written as
// JSONL; otherwise as text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] job=%s", event.Type, event.JobID)
	if event.StepIndex != NoStep {
		fmt.Fprintf(l.writer, " step=%d", event.StepIndex)
	}
	if event.StepName != "" {
		fmt.Fprintf(l.writer, " name=%s", event.StepName)
	}
	if event.Severity != "" && event.Severity != SeverityInfo {
		fmt.Fprintf(l.writer, " severity=%s", event.Severity)
	}
	if event.Message != "" {
		fmt.Fprintf(l.writer, " msg=%q", event.Message)
	}
	if len(event.Data) > 0 {
		if dataJSON, err := json.Marshal(event.Data); err == nil {
			fmt.Fprintf(l.writer, " data=%s", dataJSON)
		} else {
			fmt.Fprintf(l.writer, " data=%v", event.Data)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
