package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/peterje/termbridge/internal/models"
)

// Wire format, one JSON object per WebSocket text message:
//
//	client -> host: {"url": "/api/v1/terminal/<op>", "terminalID": "...", ...}
//	host -> client: {"type": "terminal-output", "terminalID": "...", "output": "<base64>"}
//	                {"type": "terminal-started", "terminalID": "..."}
//	                {"type": "terminal-exited", "terminalID": "..."}

func startFrame(id string) models.SocketRequest {
	return models.SocketRequest{URL: models.URLTerminalStart, TerminalID: id}
}

func sendFrame(id, data string) (models.SocketRequest, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.SocketRequest{}, fmt.Errorf("marshal input: %w", err)
	}
	return models.SocketRequest{URL: models.URLTerminalSend, TerminalID: id, Data: raw}, nil
}

func resizeFrame(id string, rows, cols int) models.SocketRequest {
	return models.SocketRequest{URL: models.URLTerminalResize, TerminalID: id, Rows: rows, Columns: cols}
}

func closeFrame(id string) models.SocketRequest {
	return models.SocketRequest{URL: models.URLTerminalClose, TerminalID: id}
}

func saveFrame(id string, snap models.TerminalSnapshot) (models.SocketRequest, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return models.SocketRequest{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return models.SocketRequest{URL: models.URLTerminalSave, TerminalID: id, Data: raw}, nil
}

func decodeEvent(msg []byte) (models.SocketEvent, error) {
	var evt models.SocketEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return evt, fmt.Errorf("decode frame: %w", err)
	}
	if evt.Type == "" {
		return evt, fmt.Errorf("decode frame: missing type")
	}
	return evt, nil
}

// decodeOutput decodes a base64 payload, tolerating a data URL prefix such
// as "data:application/octet-stream;base64,".
func decodeOutput(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		if i := strings.Index(payload, ";base64,"); i >= 0 {
			payload = payload[i+len(";base64,"):]
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return data, nil
}
