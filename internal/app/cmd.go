package app

import (
	"io"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// serveOptions はserveコマンドのフラグ。
type serveOptions struct {
	apiOnly bool
}

// NewRootCommand はmediaagentのルートコマンドを生成する。
// サブコマンドなしで起動した場合はserveとして動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	opts := &serveOptions{}

	root := &cobra.Command{
		Use:           "mediaagent",
		Short:         "SNS・ブログへの投稿と応答を自動化するメディアエージェント",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), w, opts)
		},
	}
	root.SetOut(w)
	root.SetErr(w)
	root.Flags().BoolVar(&opts.apiOnly, "api-only", false, "ワーカーを起動せずAPIサーバーのみを起動する")

	root.AddCommand(newServeCommand(w))
	root.AddCommand(newWorkerCommand(w))
	root.AddCommand(newMigrateCommand(w))
	root.AddCommand(newHealthcheckCommand())

	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   string(CommandServe),
		Short: "HTTP APIを起動する（既定で配信ワーカーも同一プロセスで動かす）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), w, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.apiOnly, "api-only", false, "ワーカーを起動せずAPIサーバーのみを起動する")
	return cmd
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandWorker),
		Short: "配信スケジューラ、エンゲージメント、復旧ジョブを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), w)
		},
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(w)
		},
	}
}

func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "起動中のAPIサーバーの/healthzを確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				port = getenvDefault("SERVER_PORT", "8080")
			}
			return runHealthcheck(cmd.Context(), "http://localhost:"+port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "確認するポート（既定はSERVER_PORT）")
	return cmd
}
