package collab

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/planforge/internal/lifecycle"
	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// ErrNoRenderCommand is returned for document formats when no external
// renderer command is configured.
var ErrNoRenderCommand = errors.New("no renderer command configured")

// Placeholders substituted in the renderer command arguments.
const (
	PlaceholderInput  = "{input}"
	PlaceholderOutput = "{output}"
	PlaceholderFormat = "{format}"
)

// Renderer writes export artifacts under a directory. The package format is
// built in-process as a zip of the plan and its evidence; pdf, docx and
// markdown are delegated to an external command that reads the plan JSON.
type Renderer struct {
	dir     string
	command []string
	log     *logger.Logger
}

// NewRenderer creates a renderer writing into dir. command may be empty, in
// which case only the package format is available.
func NewRenderer(dir string, command []string, log *logger.Logger) *Renderer {
	if log == nil {
		log = logger.Nop()
	}
	return &Renderer{dir: dir, command: command, log: log.Named("renderer")}
}

// Render implements lifecycle.Renderer and returns the artifact path.
func (r *Renderer) Render(ctx context.Context, req lifecycle.RenderRequest) (string, error) {
	if !req.Format.Valid() {
		return "", fmt.Errorf("%w: %q", lifecycle.ErrUnsupportedFormat, req.Format)
	}
	dir := filepath.Join(r.dir, string(req.Plan.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	out := filepath.Join(dir, fmt.Sprintf("rev-%d.%s", req.Plan.Revision, extension(req.Format)))

	var err error
	if req.Format == types.FormatPackage {
		err = r.writePackage(out, req)
	} else {
		err = r.runCommand(ctx, out, req)
	}
	if err != nil {
		return "", err
	}
	r.log.Info("Artifact written", "plan", req.Plan.ID, "format", req.Format, "path", out)
	return out, nil
}

func extension(f types.ExportFormat) string {
	switch f {
	case types.FormatPackage:
		return "zip"
	case types.FormatMarkdown:
		return "md"
	}
	return string(f)
}

// writePackage writes plan.json (and evidence.json when evidence was
// requested) into a zip, via a temp file and rename.
func (r *Renderer) writePackage(path string, req lifecycle.RenderRequest) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	entries := []struct {
		name string
		v    interface{}
	}{{"plan.json", req.Plan}}
	if len(req.Evidence) > 0 {
		entries = append(entries, struct {
			name string
			v    interface{}
		}{"evidence.json", req.Evidence})
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return fmt.Errorf("package %s: %w", e.name, err)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(e.v); err != nil {
			return fmt.Errorf("package %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close package: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

// runCommand writes the plan as JSON next to the target and runs the
// configured command with the placeholders substituted.
func (r *Renderer) runCommand(ctx context.Context, out string, req lifecycle.RenderRequest) error {
	if len(r.command) == 0 {
		return fmt.Errorf("%w for %s", ErrNoRenderCommand, req.Format)
	}

	input := out + ".input.json"
	data, err := json.MarshalIndent(struct {
		Plan     types.Plan       `json:"plan"`
		Evidence []types.Evidence `json:"evidence,omitempty"`
	}{req.Plan, req.Evidence}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := writeAtomic(input, data); err != nil {
		return err
	}
	defer os.Remove(input)

	args := make([]string, len(r.command))
	for i, a := range r.command {
		a = strings.ReplaceAll(a, PlaceholderInput, input)
		a = strings.ReplaceAll(a, PlaceholderOutput, out)
		args[i] = strings.ReplaceAll(a, PlaceholderFormat, string(req.Format))
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		r.log.Warn("Renderer command failed", "plan", req.Plan.ID, "format", req.Format, "error", err)
		return fmt.Errorf("renderer %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("renderer %s produced no artifact: %w", args[0], err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
