package builtin

import (
	"context"
	"fmt"

	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/internal/safety"
	"github.com/valethq/valet/internal/sandbox"
	"github.com/valethq/valet/internal/tools"
	"github.com/valethq/valet/pkg/api"
)

func shellExecSpec() tools.Spec {
	return tools.Spec{
		Name:        "shell_exec",
		Description: "Run a shell command in a sandbox and return its combined output.",
		Params: []tools.Param{
			{Name: "command", Type: "string", Description: "Command line to run", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory"},
		},
		Permission: permission.System,
		Shell:      true,
		RatePolicy: shellRatePolicy(),
		Sanitize: func(args map[string]any) error {
			cleaned, err := safety.SanitizeShell(stringArg(args, "command"))
			if err != nil {
				return err
			}
			args["command"] = cleaned
			return nil
		},
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			res, err := sandbox.Run(ctx, sandbox.Spec{
				Command: stringArg(args, "command"),
				Dir:     stringArg(args, "cwd"),
			})
			if err != nil {
				return tools.Fail(api.ErrInternal, fmt.Sprintf("sandbox: %v", err))
			}
			out := tools.Result{
				Success:   res.ExitCode == 0 && !res.TimedOut,
				Value:     res.Output,
				Sandboxed: res.Sandboxed,
			}
			if res.TimedOut {
				out.Kind = api.ErrTimeout
				out.Message = "command timed out"
			} else if res.ExitCode != 0 {
				out.Kind = api.ErrInternal
				out.Message = fmt.Sprintf("command exited with status %d", res.ExitCode)
				out.Value = res.Output
			}
			return out
		},
	}
}
