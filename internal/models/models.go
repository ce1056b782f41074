package models

import (
	"encoding/json"
	"time"
)

// Socket request URLs sent by clients over the shared WebSocket.
const (
	URLTerminalStart  = "/api/v1/terminal/start"
	URLTerminalSend   = "/api/v1/terminal/send"
	URLTerminalResize = "/api/v1/terminal/resize"
	URLTerminalClose  = "/api/v1/terminal/close"
	URLTerminalSave   = "/api/v1/terminal/save"
)

// Socket event types sent by the host.
const (
	EventTerminalOutput  = "terminal-output"
	EventTerminalStarted = "terminal-started"
	EventTerminalExited  = "terminal-exited"
)

// TerminalOptions are the creation parameters for a terminal session.
type TerminalOptions struct {
	Shell                string            `json:"shell,omitempty"`
	WorkingDirectory     string            `json:"workingDirectory,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	Columns              int               `json:"columns,omitempty"`
	Rows                 int               `json:"rows,omitempty"`
}

// TerminalSnapshot is a serialized screen buffer saved for a session.
type TerminalSnapshot struct {
	ID   string `json:"id,omitempty"`
	Raw  string `json:"raw"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// SocketRequest is a client-to-host frame on the shared socket.
type SocketRequest struct {
	URL        string          `json:"url"`
	TerminalID string          `json:"terminalID"`
	Data       json.RawMessage `json:"data,omitempty"`
	Rows       int             `json:"rows,omitempty"`
	Columns    int             `json:"columns,omitempty"`
}

// SocketEvent is a host-to-client frame on the shared socket.
type SocketEvent struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalID"`
	Output     string `json:"output,omitempty"` // base64
}

// Envelope wraps every HTTP response body.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// CreateTerminalRequest is the body of POST /api/v1/terminal/create.
type CreateTerminalRequest struct {
	Options TerminalOptions `json:"options"`
}

// FolderItem is one entry of a directory listing.
type FolderItem struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDirectory bool      `json:"isDirectory"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
}

// FileNode is a recursive directory tree node.
type FileNode struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"isDirectory"`
	Children    []FileNode `json:"children,omitempty"`
}

// CommonFolder is a well-known user directory.
type CommonFolder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RunRequest is the generic payload of POST /api/v1/run/{category}.
type RunRequest struct {
	Action  string `json:"action"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

type ShellStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status   string        `json:"status"`
	Shells   []ShellStatus `json:"shells"`
	Sessions int           `json:"sessions"`
}
