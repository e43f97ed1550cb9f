package config

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/adewale/keyboardia-sub006/logger"
)

const dotEnvPath = ".env"

func loadDotEnv() error {
	return godotenv.Load(dotEnvPath)
}

// Watch 监听 .env 文件变化，变化后重新加载并通过回调下发新配置。
// 只覆盖进程内未显式设置的环境变量，语义与启动时一致。
func Watch(onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(dotEnvPath); err != nil {
		// 没有 .env 文件时不监听，直接返回空闲 watcher
		return watcher, nil
	}

	if err := watcher.Add(dotEnvPath); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				logger.Info("config file changed, reloading", logger.String("file", event.Name))
				if onReload != nil {
					onReload(Load())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", logger.ErrorField(err))
			}
		}
	}()

	return watcher, nil
}
