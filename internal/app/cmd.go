package app

import (
	"fmt"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTP APIと通知の購読ループを起動する。
	CommandServe Command = "serve"
	// CommandWorker はリマインダーの発火と定期ジョブを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はPostGISスキーマのマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のプロセスの疎通を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサブコマンドと説明の一覧。Usageはこの順に表示する。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "イベントAPIを起動し、イベント更新の通知を配信する（既定）"},
	{CommandWorker, "リマインダーの発火、終了時刻を過ぎたイベントの終了、古い通知の削除を行う"},
	{CommandMigrate, "未適用のマイグレーションを適用する"},
	{CommandHealthcheck, "serveの/healthを確認する。`healthcheck worker` でworkerの/metricsを確認する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if args[0] == string(c.cmd) {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("unknown command %q\n%s", args[0], Usage())
}

// RequiresConfig はサブコマンドの実行に設定の読み込みが必要かを返す。
// healthcheckは依存先に接続しないため環境変数だけで動く。
func (c Command) RequiresConfig() bool {
	return c != CommandHealthcheck
}

// healthTarget はhealthcheckの確認先。
type healthTarget struct {
	portEnv     string
	defaultPort string
	path        string
}

// parseHealthTarget は `healthcheck [serve|worker]` の対象を返す。
func parseHealthTarget(args []string) (healthTarget, error) {
	target := "serve"
	if len(args) > 1 {
		target = args[1]
	}
	switch Command(target) {
	case CommandServe:
		return healthTarget{portEnv: "SERVER_PORT", defaultPort: "8080", path: "/health"}, nil
	case CommandWorker:
		return healthTarget{portEnv: "WORKER_METRICS_PORT", defaultPort: "9091", path: "/metrics"}, nil
	default:
		return healthTarget{}, fmt.Errorf("unknown healthcheck target %q (serve or worker)", target)
	}
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: eventlocator <command>\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.desc)
	}
	return b.String()
}
