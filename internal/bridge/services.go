package bridge

import (
	"context"

	"github.com/peterje/termbridge/internal/models"
)

// Files wraps the host's "file" action category.
type Files struct {
	b *Bridge
}

// Files returns the file service bound to b.
func (b *Bridge) Files() *Files {
	return &Files{b: b}
}

func (f *Files) run(ctx context.Context, action, path string, out any) error {
	return f.b.Run(ctx, "file", models.RunRequest{Action: action, Path: path}, out)
}

func (f *Files) List(ctx context.Context, path string) ([]models.FolderItem, error) {
	var resp struct {
		Items []models.FolderItem `json:"items"`
	}
	err := f.run(ctx, "list", path, &resp)
	return resp.Items, err
}

func (f *Files) ListAll(ctx context.Context, path string) ([]models.FileNode, error) {
	var resp struct {
		Nodes []models.FileNode `json:"nodes"`
	}
	err := f.run(ctx, "list-all", path, &resp)
	return resp.Nodes, err
}

func (f *Files) Read(ctx context.Context, path string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	err := f.run(ctx, "read", path, &resp)
	return resp.Content, err
}

func (f *Files) Write(ctx context.Context, path, content string) error {
	return f.b.Run(ctx, "file", models.RunRequest{Action: "write", Path: path, Content: content}, nil)
}

func (f *Files) CommonFolders(ctx context.Context) ([]models.CommonFolder, error) {
	var resp struct {
		Items []models.CommonFolder `json:"items"`
	}
	err := f.run(ctx, "common-folders", "", &resp)
	return resp.Items, err
}

func (f *Files) DirectoryExists(ctx context.Context, path string) (bool, error) {
	return f.exists(ctx, "directory-exists", path)
}

func (f *Files) FileExists(ctx context.Context, path string) (bool, error) {
	return f.exists(ctx, "file-exists", path)
}

func (f *Files) exists(ctx context.Context, action, path string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	err := f.run(ctx, action, path, &resp)
	return resp.Exists, err
}

func (f *Files) CreateDirectory(ctx context.Context, path string) error {
	return f.run(ctx, "create-directory", path, nil)
}

func (f *Files) DeleteDirectory(ctx context.Context, path string) error {
	return f.run(ctx, "delete-directory", path, nil)
}

// DirectoryName returns the parent directory of path.
func (f *Files) DirectoryName(ctx context.Context, path string) (string, error) {
	var resp struct {
		Path string `json:"path"`
	}
	err := f.run(ctx, "get-directory-name", path, &resp)
	return resp.Path, err
}

func (f *Files) FileName(ctx context.Context, path string) (string, error) {
	return f.name(ctx, "get-file-name", path)
}

func (f *Files) FileNameWithoutExtension(ctx context.Context, path string) (string, error) {
	return f.name(ctx, "get-file-name-without-extension", path)
}

func (f *Files) name(ctx context.Context, action, path string) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	err := f.run(ctx, action, path, &resp)
	return resp.Name, err
}

func (f *Files) FileExtension(ctx context.Context, path string) (string, error) {
	var resp struct {
		Extension string `json:"extension"`
	}
	err := f.run(ctx, "get-file-extension", path, &resp)
	return resp.Extension, err
}

func (f *Files) RevealInExplorer(ctx context.Context, path string) error {
	return f.run(ctx, "reveal-file-in-explorer", path, nil)
}

func (f *Files) OpenDirectoryInExplorer(ctx context.Context, path string) error {
	return f.run(ctx, "open-directory-in-explorer", path, nil)
}

// ReadAppData reads a file relative to the host's application data directory.
func (f *Files) ReadAppData(ctx context.Context, path string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	err := f.run(ctx, "read-appdata", path, &resp)
	return resp.Content, err
}

func (f *Files) WriteAppData(ctx context.Context, path, content string) error {
	return f.b.Run(ctx, "file", models.RunRequest{Action: "write-appdata", Path: path, Content: content}, nil)
}

// History wraps the host's per-file undo/redo stack.
type History struct {
	b *Bridge
}

// History returns the history service bound to b.
func (b *Bridge) History() *History {
	return &History{b: b}
}

func (h *History) Push(ctx context.Context, path, content string) error {
	return h.b.Run(ctx, "history", models.RunRequest{Action: "push", Path: path, Content: content}, nil)
}

func (h *History) Undo(ctx context.Context, path string) (string, error) {
	return h.step(ctx, "undo", path)
}

func (h *History) Redo(ctx context.Context, path string) (string, error) {
	return h.step(ctx, "redo", path)
}

func (h *History) step(ctx context.Context, action, path string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	err := h.b.Run(ctx, "history", models.RunRequest{Action: action, Path: path}, &resp)
	return resp.Content, err
}

func (h *History) Count(ctx context.Context, path string) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := h.b.Run(ctx, "history", models.RunRequest{Action: "count", Path: path}, &resp)
	return resp.Count, err
}
