package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nibzard/fanout-go/internal/config"
	"github.com/nibzard/fanout-go/internal/runner"
)

// subagentExecutor builds the CLI's subagent implementation. With no host
// agent in-process, a subagent task spawns a fresh agent conversation
// through the configured binary and returns its captured output.
func subagentExecutor(cfg *config.Config) runner.SubagentExecutor {
	return func(ctx context.Context, args runner.SubagentArgs) (string, error) {
		argv := []string{"run", "--text", args.Message,
			"--max-turns", strconv.Itoa(args.MaxTurns)}
		if args.RecipeName != "" {
			argv = append(argv, "--recipe-name", args.RecipeName)
		}
		if args.Instructions != "" {
			argv = append(argv, "--instructions", args.Instructions)
		}

		cmd := exec.CommandContext(ctx, cfg.Binary, argv...)
		cmd.Dir = cfg.WorkDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("subagent run failed: %v\n%s", err, strings.TrimSpace(string(out)))
		}
		return string(out), nil
	}
}
