package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/internal/safety"
	"github.com/valethq/valet/internal/tools"
	"github.com/valethq/valet/pkg/api"
)

// maxFileReadBytes caps file_read so one large file cannot blow the context
// window; the runner's output cap would truncate it anyway.
const maxFileReadBytes = 256 << 10

// pathSanitizer validates the "path" argument against the allowed roots and
// rewrites it to its resolved form so handlers never see the raw input.
func pathSanitizer(roots []string) tools.Sanitizer {
	return func(args map[string]any) error {
		resolved, err := safety.ValidatePath(stringArg(args, "path"), roots)
		if err != nil {
			return err
		}
		args["path"] = resolved
		return nil
	}
}

func fileReadSpec(cfg Config) tools.Spec {
	return tools.Spec{
		Name:        "file_read",
		Description: "Read a text file under the allowed directories.",
		Params: []tools.Param{
			{Name: "path", Type: "string", Description: "File path", Required: true},
		},
		Permission: permission.Local,
		Sanitize:   pathSanitizer(cfg.AllowedRoots),
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			path := stringArg(args, "path")
			info, err := os.Stat(path)
			if err != nil {
				return tools.Fail(api.ErrInternal, fmt.Sprintf("stat: %v", err))
			}
			if info.IsDir() {
				return tools.Fail(api.ErrUnsafeInput, "path is a directory; use file_list")
			}
			if info.Size() > maxFileReadBytes {
				return tools.Fail(api.ErrUnsafeInput,
					fmt.Sprintf("file is %d bytes, cap is %d", info.Size(), maxFileReadBytes))
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return tools.Fail(api.ErrInternal, fmt.Sprintf("read: %v", err))
			}
			return tools.Ok(string(data))
		},
	}
}

func fileWriteSpec(cfg Config) tools.Spec {
	return tools.Spec{
		Name:        "file_write",
		Description: "Write text to a file under the allowed directories, creating it if needed.",
		Params: []tools.Param{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "content", Type: "string", Description: "Text to write", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite", Default: false},
		},
		Permission: permission.System,
		Sanitize:   pathSanitizer(cfg.AllowedRoots),
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			path := stringArg(args, "path")
			content := stringArg(args, "content")
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return tools.Fail(api.ErrInternal, fmt.Sprintf("mkdir: %v", err))
			}

			flags := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return tools.Fail(api.ErrInternal, fmt.Sprintf("open: %v", err))
			}
			n, err := f.WriteString(content)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return tools.Fail(api.ErrInternal, fmt.Sprintf("write: %v", err))
			}
			return tools.Ok(fmt.Sprintf("wrote %d bytes to %s", n, path))
		},
	}
}

func fileListSpec(cfg Config) tools.Spec {
	return tools.Spec{
		Name:        "file_list",
		Description: "List a directory under the allowed directories.",
		Params: []tools.Param{
			{Name: "path", Type: "string", Description: "Directory path", Required: true},
			{Name: "limit", Type: "integer", Description: "Entry cap", Default: float64(200)},
		},
		Permission: permission.Local,
		Sanitize:   pathSanitizer(cfg.AllowedRoots),
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			path := stringArg(args, "path")
			limit := intArg(args, "limit", 200)

			entries, err := os.ReadDir(path)
			if err != nil {
				return tools.Fail(api.ErrInternal, fmt.Sprintf("read dir: %v", err))
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

			var b strings.Builder
			for i, e := range entries {
				if i >= limit {
					fmt.Fprintf(&b, "... and %d more\n", len(entries)-limit)
					break
				}
				marker := ""
				if e.IsDir() {
					marker = "/"
				}
				fmt.Fprintf(&b, "%s%s\n", e.Name(), marker)
			}
			if b.Len() == 0 {
				return tools.Ok("(empty directory)")
			}
			return tools.Ok(strings.TrimRight(b.String(), "\n"))
		},
	}
}

func datetimeSpec() tools.Spec {
	return tools.Spec{
		Name:        "datetime",
		Description: "Return the current date and time, optionally in a named time zone.",
		Params: []tools.Param{
			{Name: "tz", Type: "string", Description: "IANA time zone name, e.g. Europe/Berlin"},
		},
		Permission: permission.Sandbox,
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			loc := time.Local
			if tz := stringArg(args, "tz"); tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return tools.Fail(api.ErrUnsafeInput, fmt.Sprintf("unknown time zone %q", tz))
				}
				loc = parsed
			}
			return tools.Ok(time.Now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST"))
		},
	}
}
