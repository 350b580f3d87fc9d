package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandBridge はブリッジ（Matrixボット、リコンサイル、運用HTTPサーバー）を起動することを示す。
	CommandBridge Command = "bridge"
	// CommandMigrate はストアのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Options はコマンドライン引数の解析結果。
type Options struct {
	Command Command
	// Once はリコンサイルを1回だけ実行して終了することを示す。
	Once bool
	// LogLevel はLOG_LEVELより優先されるログレベル。空の場合は設定値を使う。
	LogLevel string
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはフラグで始まる場合はCommandBridgeを返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return CommandBridge, nil
	}

	switch args[0] {
	case "bridge":
		return CommandBridge, nil
	case "migrate":
		return CommandMigrate, nil
	case "healthcheck":
		return CommandHealthcheck, nil
	default:
		return "", fmt.Errorf("unknown command: %q", args[0])
	}
}

// ParseArgs はサブコマンドとフラグを解析する。argsにはos.Args[1:]を渡す。
func ParseArgs(w io.Writer, args []string) (Options, error) {
	cmd, err := ParseCommand(args)
	if err != nil {
		return Options{}, err
	}
	if len(args) > 0 && args[0] == string(cmd) {
		args = args[1:]
	}

	opts := Options{Command: cmd}
	fs := pflag.NewFlagSet("tootfeed", pflag.ContinueOnError)
	fs.SetOutput(w)
	fs.BoolVar(&opts.Once, "once", false, "run a single reconcile pass and exit")
	fs.StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides LOG_LEVEL")
	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}
