package tool

import (
	"encoding/json"
	"fmt"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/sandbox"
	"go.uber.org/zap"
)

// fsEntry is one item returned by ListFilesTool, grounded on core_fs.py's
// list_files dict shape (name/path/is_dir/mtime/size).
type fsEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	MTime int64  `json:"mtime"`
	Size  int64  `json:"size"`
}

// ListFilesTool lists a directory's contents with sort/filter/limit,
// grounded on original_source/api/tools/core_fs.py's list_files.
type ListFilesTool struct {
	validator *sandbox.Validator
	logger    *zap.Logger
}

func NewListFilesTool(v *sandbox.Validator, logger *zap.Logger) *ListFilesTool {
	return &ListFilesTool{validator: v, logger: logger}
}

var _ domaintool.Tool = (*ListFilesTool)(nil)

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List files and directories with sorting and filtering" }
func (t *ListFilesTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ListFilesTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dir":     map[string]interface{}{"type": "string", "default": "~"},
			"pattern": map[string]interface{}{"type": "string", "default": "*"},
			"sort":    map[string]interface{}{"type": "string", "enum": []string{"name", "mtime", "size"}, "default": "name"},
			"limit":   map[string]interface{}{"type": "integer", "default": 200},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	dir := stringArg(args, "dir", "~")
	pattern := sandbox.SafeGlobPattern(stringArg(args, "pattern", "*"))
	sortBy := stringArg(args, "sort", "name")
	limit := intArg(args, "limit", 200)

	dirPath, err := t.validator.ValidatePath(dir, false)
	if err != nil {
		return failResult(err), nil
	}
	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		return failResult(fmt.Errorf("not a directory: %s", dirPath)), nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return failResult(fmt.Errorf("permission denied: %s", dirPath)), nil
	}

	items := make([]fsEntry, 0, len(entries))
	for _, e := range entries {
		matched, _ := filepath.Match(pattern, e.Name())
		if !matched {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			t.logger.Warn("cannot stat entry", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		size := int64(0)
		if !fi.IsDir() {
			size = fi.Size()
		}
		items = append(items, fsEntry{
			Name:  e.Name(),
			Path:  filepath.Join(dirPath, e.Name()),
			IsDir: e.IsDir(),
			MTime: fi.ModTime().Unix(),
			Size:  size,
		})
	}

	switch sortBy {
	case "mtime":
		sort.Slice(items, func(i, j int) bool { return items[i].MTime > items[j].MTime })
	case "size":
		sort.Slice(items, func(i, j int) bool { return items[i].Size > items[j].Size })
	default:
		sort.Slice(items, func(i, j int) bool { return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name) })
	}

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	out, _ := json.Marshal(items)
	t.logger.Info("Listed items", zap.Int("count", len(items)), zap.String("dir", dirPath))
	return &domaintool.Result{
		Output:   string(out),
		Success:  true,
		Metadata: map[string]interface{}{"count": len(items), "items": items},
	}, nil
}

// ReadFileTool reads file content with offset/length bounds, grounded on
// core_fs.py's read_file.
type ReadFileTool struct {
	validator *sandbox.Validator
	logger    *zap.Logger
}

func NewReadFileTool(v *sandbox.Validator, logger *zap.Logger) *ReadFileTool {
	return &ReadFileTool{validator: v, logger: logger}
}

var _ domaintool.Tool = (*ReadFileTool)(nil)

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read file content with offset and length limits" }
func (t *ReadFileTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *ReadFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":   map[string]interface{}{"type": "string"},
			"offset": map[string]interface{}{"type": "integer", "default": 0},
			"length": map[string]interface{}{"type": "integer", "default": 65536},
		},
		"required": []string{"path"},
	}
}

const readFileMaxLength = 1024 * 1024 // 1MB, mirrors core_fs.py's max_length clamp

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	offset := intArg(args, "offset", 0)
	length := intArg(args, "length", 65536)

	filePath, err := t.validator.ValidatePath(path, false)
	if err != nil {
		return failResult(err), nil
	}
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return failResult(fmt.Errorf("not a file: %s", filePath)), nil
	}

	size := info.Size()
	if int64(offset) >= size {
		return &domaintool.Result{Output: "", Success: true}, nil
	}

	if length > readFileMaxLength {
		length = readFileMaxLength
	}
	remaining := size - int64(offset)
	if int64(length) > remaining {
		length = int(remaining)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return failResult(err), nil
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && n == 0 {
		return failResult(err), nil
	}
	buf = buf[:n]

	content := string(buf)
	if !utf8.Valid(buf) {
		content = fmt.Sprintf("[Binary file: %d bytes]", n)
		if n < 1000 {
			content += fmt.Sprintf("\nHex: %x", buf)
		}
	}

	t.logger.Info("Read file", zap.Int("chars", len(content)), zap.String("path", filePath))
	return &domaintool.Result{Output: content, Success: true}, nil
}

// CountFilesTool counts files in a directory, optionally filtered by
// substring, grounded on core_fs.py's count_files.
type CountFilesTool struct {
	validator *sandbox.Validator
	logger    *zap.Logger
}

func NewCountFilesTool(v *sandbox.Validator, logger *zap.Logger) *CountFilesTool {
	return &CountFilesTool{validator: v, logger: logger}
}

var _ domaintool.Tool = (*CountFilesTool)(nil)

func (t *CountFilesTool) Name() string        { return "count_files" }
func (t *CountFilesTool) Description() string { return "Count files in directory, optionally filtering by name" }
func (t *CountFilesTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *CountFilesTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dir":    map[string]interface{}{"type": "string", "default": "~"},
			"needle": map[string]interface{}{"type": "string", "default": ""},
			"limit":  map[string]interface{}{"type": "integer", "default": 0},
		},
	}
}

func (t *CountFilesTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	dir := stringArg(args, "dir", "~")
	needle := strings.ToLower(stringArg(args, "needle", ""))
	limit := intArg(args, "limit", 0)

	dirPath, err := t.validator.ValidatePath(dir, false)
	if err != nil {
		return failResult(err), nil
	}
	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		return failResult(fmt.Errorf("not a directory: %s", dirPath)), nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return failResult(fmt.Errorf("permission denied: %s", dirPath)), nil
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(e.Name()), needle) {
			continue
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}

	t.logger.Info("Counted files", zap.Int("count", count), zap.String("dir", dirPath))
	out, _ := json.Marshal(map[string]int{"count": count})
	return &domaintool.Result{
		Output:   string(out),
		Success:  true,
		Metadata: map[string]interface{}{"count": count},
	}, nil
}

// CountDirsTool counts subdirectories, skipping dotfiles unless needle
// itself targets one, grounded on core_fs.py's count_dirs.
type CountDirsTool struct {
	validator *sandbox.Validator
	logger    *zap.Logger
}

func NewCountDirsTool(v *sandbox.Validator, logger *zap.Logger) *CountDirsTool {
	return &CountDirsTool{validator: v, logger: logger}
}

var _ domaintool.Tool = (*CountDirsTool)(nil)

func (t *CountDirsTool) Name() string        { return "count_dirs" }
func (t *CountDirsTool) Description() string { return "Count directories in directory, optionally filtering by name" }
func (t *CountDirsTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *CountDirsTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dir":    map[string]interface{}{"type": "string", "default": "~"},
			"needle": map[string]interface{}{"type": "string", "default": ""},
			"limit":  map[string]interface{}{"type": "integer", "default": 0},
		},
	}
}

func (t *CountDirsTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	dir := stringArg(args, "dir", "~")
	needle := stringArg(args, "needle", "")
	limit := intArg(args, "limit", 0)

	dirPath, err := t.validator.ValidatePath(dir, false)
	if err != nil {
		return failResult(err), nil
	}
	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		return failResult(fmt.Errorf("not a directory: %s", dirPath)), nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return failResult(fmt.Errorf("permission denied: %s", dirPath)), nil
	}

	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		resolved := filepath.Join(dirPath, e.Name())
		if t.validator.IsDotfile(resolved) && !strings.HasPrefix(needle, ".") {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(e.Name()), strings.ToLower(needle)) {
			continue
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}

	t.logger.Info("Counted directories", zap.Int("count", count), zap.String("dir", dirPath))
	out, _ := json.Marshal(map[string]int{"count": count})
	return &domaintool.Result{
		Output:   string(out),
		Success:  true,
		Metadata: map[string]interface{}{"count": count},
	}, nil
}

// DeleteFilesTool removes files whose name contains needle, requiring
// explicit confirmation — grounded on core_fs.py's delete_files. Safety
// is enforced in two layers: sandbox.ValidateToolArgs rejects
// confirm=false before this ever runs, and Execute re-checks confirm and
// the 2-char needle floor as defense in depth for any caller that
// bypasses arg validation.
type DeleteFilesTool struct {
	validator *sandbox.Validator
	logger    *zap.Logger
}

func NewDeleteFilesTool(v *sandbox.Validator, logger *zap.Logger) *DeleteFilesTool {
	return &DeleteFilesTool{validator: v, logger: logger}
}

var _ domaintool.Tool = (*DeleteFilesTool)(nil)

func (t *DeleteFilesTool) Name() string        { return "delete_files" }
func (t *DeleteFilesTool) Description() string { return "Delete files matching a substring (destructive, requires confirm=true)" }
func (t *DeleteFilesTool) Kind() domaintool.Kind { return domaintool.KindDelete }

func (t *DeleteFilesTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dir":     map[string]interface{}{"type": "string"},
			"needle":  map[string]interface{}{"type": "string"},
			"confirm": map[string]interface{}{"type": "boolean", "default": false},
			"limit":   map[string]interface{}{"type": "integer", "default": 1000},
		},
		"required": []string{"dir", "needle"},
	}
}

func (t *DeleteFilesTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	confirm, _ := args["confirm"].(bool)
	if !confirm {
		return failResult(fmt.Errorf("delete_files requires confirm=true")), nil
	}
	needle := stringArg(args, "needle", "")
	if len(needle) < 2 {
		return failResult(fmt.Errorf("delete_files requires needle with at least 2 characters")), nil
	}
	dir := stringArg(args, "dir", "")
	limit := intArg(args, "limit", 1000)

	dirPath, err := t.validator.ValidatePath(dir, false)
	if err != nil {
		return failResult(err), nil
	}
	info, err := os.Stat(dirPath)
	if err != nil || !info.IsDir() {
		return failResult(fmt.Errorf("not a directory: %s", dirPath)), nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return failResult(fmt.Errorf("permission denied: %s", dirPath)), nil
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(strings.ToLower(e.Name()), strings.ToLower(needle)) {
			candidates = append(candidates, filepath.Join(dirPath, e.Name()))
			if len(candidates) >= limit {
				break
			}
		}
	}

	if len(candidates) == 0 {
		out, _ := json.Marshal(map[string]interface{}{
			"deleted": 0, "files": []string{}, "errors": []string{},
			"message": fmt.Sprintf("No files found matching '%s'", needle),
		})
		return &domaintool.Result{Output: string(out), Success: true}, nil
	}

	var deleted, errs []string
	for _, path := range candidates {
		if err := os.Remove(path); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			t.logger.Error("Failed to delete file", zap.String("path", path), zap.Error(err))
			continue
		}
		deleted = append(deleted, path)
		t.logger.Info("Deleted file", zap.String("path", path))
	}

	message := fmt.Sprintf("Deleted %d files", len(deleted))
	if len(errs) > 0 {
		message += fmt.Sprintf(", %d errors", len(errs))
	}
	out, _ := json.Marshal(map[string]interface{}{
		"deleted": len(deleted), "files": deleted, "errors": errs, "message": message,
	})
	return &domaintool.Result{
		Output:   string(out),
		Success:  len(errs) == 0,
		Metadata: map[string]interface{}{"deleted": len(deleted), "errors": errs},
	}, nil
}

func stringArg(args map[string]interface{}, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func failResult(err error) *domaintool.Result {
	return &domaintool.Result{Output: err.Error(), Success: false, Error: err.Error()}
}
