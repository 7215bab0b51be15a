package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/banux/shelfsync/internal/syncengine"
)

// withApp opens the library for the duration of fn.
func withApp(cmd *cobra.Command, ctx *commandContext, fn func(a *app) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, ctx.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "close library: %v\n", cerr)
		}
	}()
	return fn(a)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// explain turns sync sentinels into a message a user can act on.
func explain(err error) error {
	if errors.Is(err, syncengine.ErrPaused) {
		return fmt.Errorf("%w: run `shelfsync login` with a fresh token", err)
	}
	return err
}

// fileSize returns the on-disk size of path, or -1 when it is missing.
func fileSize(path string) int64 {
	if path == "" {
		return -1
	}
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
