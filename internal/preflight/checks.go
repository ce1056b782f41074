package preflight

import (
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
)

var candidateShells = []string{"bash", "zsh", "fish", "sh", "pwsh"}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// CheckAll reports which well-known shells are on PATH and picks the
// shell new sessions use when the caller does not name one. It returns
// ok=false if no shell could be found at all.
func CheckAll(log *logger.Logger, configured string) ([]models.ShellStatus, string, bool) {
	shells := make([]models.ShellStatus, 0, len(candidateShells))
	for _, name := range candidateShells {
		st := checkShell(name)
		if st.Installed {
			log.Debug("shell found", zap.String("shell", st.Name), zap.String("path", st.Path))
		}
		shells = append(shells, st)
	}

	def := DefaultShell(configured, shells)
	if def == "" {
		log.Warn("no shell found on PATH; terminal creation will fail unless a shell is given")
		return shells, "", false
	}
	log.Info("default shell", zap.String("shell", def))
	return shells, def, true
}

// DefaultShell prefers the configured shell, then $SHELL, then the first
// installed candidate.
func DefaultShell(configured string, shells []models.ShellStatus) string {
	if configured != "" {
		if p, err := lookPath(configured); err == nil {
			return p
		}
	}
	if env := os.Getenv("SHELL"); env != "" {
		if p, err := lookPath(env); err == nil {
			return p
		}
	}
	for _, s := range shells {
		if s.Installed {
			return s.Path
		}
	}
	return ""
}

func checkShell(name string) models.ShellStatus {
	path, err := lookPath(name)
	if err != nil {
		return models.ShellStatus{Name: name, Installed: false}
	}
	return models.ShellStatus{Name: filepath.Base(name), Installed: true, Path: path}
}
