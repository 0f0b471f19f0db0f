package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// PlatformsWatcher はプラットフォーム定義ファイルの変更を監視する。
// エディタの置き換え保存に対応するため、ファイルではなく親ディレクトリを監視する。
type PlatformsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewPlatformsWatcher は監視を開始したPlatformsWatcherを返す。
func NewPlatformsWatcher(path string, logger *slog.Logger) (*PlatformsWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve platforms file path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &PlatformsWatcher{path: abs, watcher: w, logger: logger}, nil
}

// Run はコンテキストがキャンセルされるまで変更を監視し、
// 読み込みに成功するたびにonChangeを呼び出す。
// 解析に失敗した場合は警告を記録し、直前の設定を維持する。
func (w *PlatformsWatcher) Run(ctx context.Context, onChange func([]PlatformConfig)) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			platforms, err := LoadPlatforms(w.path)
			if err != nil {
				w.logger.Warn("プラットフォーム定義の再読み込みに失敗しました",
					slog.String("path", w.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			if len(platforms) == 0 {
				// 書き込み途中の空ファイルは無視する
				continue
			}
			w.logger.Info("プラットフォーム定義を再読み込みしました",
				slog.String("path", w.path),
				slog.Int("platforms", len(platforms)),
			)
			onChange(platforms)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("プラットフォーム定義の監視でエラーが発生しました",
				slog.String("error", err.Error()),
			)
		}
	}
}
