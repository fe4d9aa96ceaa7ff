package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentharbor/core/pkg/amp"
	"github.com/agentharbor/core/pkg/claudecode"
)

// ClaudeDialect parses the Claude Code CLI stream-json format.
type ClaudeDialect struct{}

func (ClaudeDialect) Name() string { return "claude" }

func (ClaudeDialect) Parse(line []byte) (*jsonlRecord, error) {
	var msg claudecode.CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		return &jsonlRecord{Kind: "init", ThreadID: msg.SessionID}, nil

	case claudecode.MessageTypeAssistant:
		rec := &jsonlRecord{Kind: "assistant"}
		if msg.Message != nil {
			for _, block := range msg.Message.GetContentBlocks() {
				switch block.Type {
				case "text":
					rec.Segments = append(rec.Segments, jsonlSegment{Kind: "text", Text: block.Text})
				case "tool_use":
					rec.Segments = append(rec.Segments, jsonlSegment{
						Kind: "tool_use", ToolID: block.ID, ToolName: block.Name, ToolInput: block.Input,
					})
				}
			}
		}
		return rec, nil

	case claudecode.MessageTypeUser:
		rec := &jsonlRecord{Kind: "user"}
		if msg.Message != nil {
			for _, block := range msg.Message.GetContentBlocks() {
				if block.Type == "tool_result" {
					rec.Segments = append(rec.Segments, jsonlSegment{
						Kind: "tool_result", ToolID: block.ToolUseID, Output: block.Content, IsError: block.IsError,
					})
				}
			}
		}
		return rec, nil

	case claudecode.MessageTypeControlRequest:
		rec := &jsonlRecord{Kind: "control_request", RequestID: msg.RequestID}
		if msg.Request != nil {
			rec.ControlSubtype = msg.Request.Subtype
			rec.ToolName = msg.Request.ToolName
		}
		return rec, nil

	case claudecode.MessageTypeResult:
		rec := &jsonlRecord{Kind: "result", IsError: msg.IsError}
		if data := msg.GetResultData(); data != nil {
			rec.ResultText = data.Text
			rec.ThreadID = data.SessionID
		} else {
			rec.ResultText = msg.GetResultString()
		}
		if msg.IsError {
			rec.ErrorMessage = firstNonEmpty(strings.Join(msg.Errors, "; "), msg.GetResultString(), msg.Subtype)
		}
		return rec, nil
	}
	return &jsonlRecord{Kind: "other"}, nil
}

// ApproveControl builds the allow response for a permission prompt.
func (ClaudeDialect) ApproveControl(requestID string) ([]byte, error) {
	return json.Marshal(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow},
		},
	})
}

// AmpDialect parses the Amp CLI stream-json format, which follows the same
// record kinds plus a rate_limit_event.
type AmpDialect struct{}

func (AmpDialect) Name() string { return "amp" }

func (AmpDialect) Parse(line []byte) (*jsonlRecord, error) {
	var msg amp.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case amp.MessageTypeSystem:
		return &jsonlRecord{Kind: "init", ThreadID: msg.ThreadID}, nil

	case amp.MessageTypeAssistant:
		rec := &jsonlRecord{Kind: "assistant"}
		if msg.Message != nil {
			for _, block := range msg.Message.Content {
				switch block.Type {
				case amp.ContentTypeText:
					rec.Segments = append(rec.Segments, jsonlSegment{Kind: "text", Text: block.Text})
				case amp.ContentTypeToolUse:
					rec.Segments = append(rec.Segments, jsonlSegment{
						Kind: "tool_use", ToolID: block.ID, ToolName: block.Name, ToolInput: block.Input,
					})
				}
			}
		}
		return rec, nil

	case amp.MessageTypeUser:
		rec := &jsonlRecord{Kind: "user"}
		if msg.Message != nil {
			for _, block := range msg.Message.Content {
				if block.Type == amp.ContentTypeToolResult {
					rec.Segments = append(rec.Segments, jsonlSegment{
						Kind: "tool_result", ToolID: block.ToolUseID, Output: contentString(block.Content), IsError: block.IsError,
					})
				}
			}
		}
		return rec, nil

	case amp.MessageTypeResult:
		rec := &jsonlRecord{Kind: "result", IsError: msg.IsError, ThreadID: msg.ThreadID}
		var text string
		if len(msg.Result) > 0 {
			_ = json.Unmarshal(msg.Result, &text)
		}
		rec.ResultText = text
		if msg.IsError {
			rec.ErrorMessage = firstNonEmpty(msg.Error, strings.Join(msg.Errors, "; "), msg.Subtype)
		}
		return rec, nil

	case amp.MessageTypeRateLimit:
		return &jsonlRecord{Kind: "rate_limit", ErrorMessage: msg.Subtype}, nil
	}
	return &jsonlRecord{Kind: "other"}, nil
}

func contentString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(data)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "unknown error"
}
