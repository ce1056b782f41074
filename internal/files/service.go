// Package files implements the host's "file" action category on the local
// file system.
package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
)

const maxTreeDepth = 8

var (
	ErrUnknownAction  = errors.New("unknown file action")
	ErrPathRequired   = errors.New("path is required")
	ErrOutsideAppData = errors.New("path escapes the app data directory")
)

// opener launches the platform file browser; replaced in tests.
var opener = func(ctx context.Context, args ...string) error {
	return exec.CommandContext(ctx, args[0], args[1:]...).Start()
}

type Service struct {
	appData string
	log     *logger.Logger
}

func NewService(appData string, log *logger.Logger) *Service {
	return &Service{appData: appData, log: log.WithComponent("files")}
}

// Run executes one action and returns the value to place in the response
// envelope's data field (nil for actions without a result).
func (s *Service) Run(ctx context.Context, req models.RunRequest) (any, error) {
	if req.Path == "" && req.Action != "common-folders" {
		return nil, fmt.Errorf("%s: %w", req.Action, ErrPathRequired)
	}

	switch req.Action {
	case "list":
		items, err := List(req.Path)
		return map[string]any{"items": items}, err
	case "list-all":
		node, err := Tree(req.Path, maxTreeDepth)
		if err != nil {
			return nil, err
		}
		return map[string]any{"nodes": node.Children}, nil
	case "read":
		data, err := os.ReadFile(req.Path)
		return map[string]any{"content": string(data)}, err
	case "write":
		return nil, writeFile(req.Path, req.Content)
	case "common-folders":
		return map[string]any{"items": CommonFolders()}, nil
	case "directory-exists":
		info, err := os.Stat(req.Path)
		return map[string]any{"exists": err == nil && info.IsDir()}, nil
	case "file-exists":
		info, err := os.Stat(req.Path)
		return map[string]any{"exists": err == nil && !info.IsDir()}, nil
	case "create-directory":
		return nil, os.MkdirAll(req.Path, 0o755)
	case "delete-directory":
		return nil, os.RemoveAll(req.Path)
	case "get-directory-name":
		return map[string]any{"path": filepath.Dir(req.Path)}, nil
	case "get-file-name":
		return map[string]any{"name": filepath.Base(req.Path)}, nil
	case "get-file-name-without-extension":
		base := filepath.Base(req.Path)
		return map[string]any{"name": strings.TrimSuffix(base, filepath.Ext(base))}, nil
	case "get-file-extension":
		return map[string]any{"extension": filepath.Ext(req.Path)}, nil
	case "reveal-file-in-explorer":
		return nil, s.reveal(ctx, req.Path, true)
	case "open-directory-in-explorer":
		return nil, s.reveal(ctx, req.Path, false)
	case "read-appdata":
		p, err := s.appDataPath(req.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{"content": ""}, nil
		}
		return map[string]any{"content": string(data)}, err
	case "write-appdata":
		p, err := s.appDataPath(req.Path)
		if err != nil {
			return nil, err
		}
		return nil, writeFile(p, req.Content)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// List returns the entries of dir, directories first, then by name.
func List(dir string) ([]models.FolderItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	items := make([]models.FolderItem, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info.
			continue
		}
		items = append(items, models.FolderItem{
			Name:        e.Name(),
			Path:        filepath.Join(dir, e.Name()),
			IsDirectory: e.IsDir(),
			Size:        info.Size(),
			Modified:    info.ModTime(),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDirectory != items[j].IsDirectory {
			return items[i].IsDirectory
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// Tree walks root up to depth levels deep.
func Tree(root string, depth int) (models.FileNode, error) {
	info, err := os.Stat(root)
	if err != nil {
		return models.FileNode{}, err
	}
	node := models.FileNode{Name: filepath.Base(root), Path: root, IsDirectory: info.IsDir()}
	if !info.IsDir() || depth <= 0 {
		return node, nil
	}
	items, err := List(root)
	if err != nil {
		return models.FileNode{}, err
	}
	for _, item := range items {
		if !item.IsDirectory {
			node.Children = append(node.Children, models.FileNode{Name: item.Name, Path: item.Path})
			continue
		}
		child, err := Tree(item.Path, depth-1)
		if err != nil {
			continue
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// CommonFolders lists the well-known directories under the user's home
// that exist on this machine.
func CommonFolders() []models.CommonFolder {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	folders := []models.CommonFolder{{Name: "Home", Path: home}}
	for _, name := range []string{"Desktop", "Documents", "Downloads", "Music", "Pictures", "Videos"} {
		p := filepath.Join(home, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			folders = append(folders, models.CommonFolder{Name: name, Path: p})
		}
	}
	return folders
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (s *Service) appDataPath(rel string) (string, error) {
	if s.appData == "" {
		return "", errors.New("app data directory not configured")
	}
	p := filepath.Join(s.appData, rel)
	r, err := filepath.Rel(s.appData, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideAppData, rel)
	}
	return p, nil
}

func (s *Service) reveal(ctx context.Context, path string, selectFile bool) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	var args []string
	switch runtime.GOOS {
	case "darwin":
		if selectFile {
			args = []string{"open", "-R", path}
		} else {
			args = []string{"open", path}
		}
	case "windows":
		if selectFile {
			args = []string{"explorer", "/select," + path}
		} else {
			args = []string{"explorer", path}
		}
	default:
		target := path
		if selectFile {
			target = filepath.Dir(path)
		}
		args = []string{"xdg-open", target}
	}
	s.log.Debug("opening file browser", zap.Strings("args", args))
	return opener(ctx, args...)
}
