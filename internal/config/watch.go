package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDebounce 合并编辑器保存文件时产生的连续事件
const reloadDebounce = 250 * time.Millisecond

// Watch 监听配置文件，文件变化且解析校验通过后调用 onChange。
// 阻塞直到 ctx 被取消。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建配置监听失败: %w", err)
	}
	defer w.Close()

	// 监听目录而不是文件，编辑器常以重命名方式保存
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("监听目录 %s 失败: %w", dir, err)
	}
	log.Debug().Str("path", path).Msg("config watcher started")

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		log.Debug().Str("path", path).Msg("config reloaded")
		onChange(cfg)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("配置监听已关闭")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("配置监听已关闭")
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}
