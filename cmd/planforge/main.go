package main

// ============================================================================
// planforge 入口點：建立 CLI 並執行，所有邏輯在 internal/cli
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/planforge/internal/cli"
)

// 由 CI 以 -ldflags "-X main.commit=..." 注入
var commit = "unknown"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", cli.Version, commit)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
