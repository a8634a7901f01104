package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/zpdzap/obox/internal/runlog"
)

// streamEvent is the subset of a stream-json line obox cares about.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// assistant
	Message struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`

	// result
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CostUSD      float64 `json:"cost_usd"`
	NumTurns     int     `json:"num_turns"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

const maxLoggedText = 2000

// consumeStream reads stream-json from r, mirrors interesting events into
// log, and returns the outcome carried by the final result event. ok is
// false when the stream ended without one.
func consumeStream(r io.Reader, log *runlog.Logger) (out Outcome, ok bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if json.Unmarshal(line, &ev) != nil {
			log.Agent("output", truncate(string(line)), nil)
			continue
		}

		switch ev.Type {
		case "system":
			log.Agent("system", ev.Subtype, nil)
		case "assistant":
			for _, c := range ev.Message.Content {
				switch c.Type {
				case "text":
					log.Agent("text", truncate(c.Text), nil)
				case "tool_use":
					log.Agent("tool_use", c.Name, map[string]string{"input": truncate(string(c.Input))})
				}
			}
		case "result":
			out = resultOutcome(ev)
			ok = true
			log.Agent("result", truncate(out.Summary), map[string]string{
				"subtype": ev.Subtype,
				"turns":   fmt.Sprint(out.Usage.Turns),
				"cost":    fmt.Sprintf("%.4f", out.Usage.CostUSD),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		// Keep the pipe flowing so the process can exit; the stream is
		// no longer trusted.
		io.Copy(io.Discard, r)
		return out, ok, err
	}
	return out, ok, nil
}

func resultOutcome(ev streamEvent) Outcome {
	cost := ev.TotalCostUSD
	if cost == 0 {
		cost = ev.CostUSD
	}
	out := Outcome{
		StopReason: ev.Subtype,
		Summary:    ev.Result,
		Usage: runlog.Usage{
			InputTokens:  ev.Usage.InputTokens,
			OutputTokens: ev.Usage.OutputTokens,
			CostUSD:      cost,
			Turns:        ev.NumTurns,
		},
	}
	switch ev.Subtype {
	case "success":
		out.Success = !ev.IsError
	case "error_max_turns":
		// Running out of turns is a normal end of the loop.
		out.Success = true
	}
	if out.Summary == "" && !out.Success {
		out.Summary = ev.Subtype
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxLoggedText {
		return s
	}
	cut := maxLoggedText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
