package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultExtensions 收件目录默认接收的文件类型
var DefaultExtensions = []string{".apk", ".zip"}

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// FileWatcher 收件目录监控器，新文件写入完成后交给 handler
type FileWatcher struct {
	watcher    *fsnotify.Watcher
	watchDir   string
	extensions []string
	handler    FileHandler
	logger     *logrus.Logger
	debounce   time.Duration // 防抖时间
	readyPoll  time.Duration // 文件大小稳定性检查间隔

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewFileWatcher 创建文件监控器；extensions 为空时使用 DefaultExtensions
func NewFileWatcher(watchDir string, extensions []string, debounce time.Duration, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// 确保监控目录存在
	if err := os.MkdirAll(watchDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	fw := &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		extensions: extensions,
		handler:    handler,
		logger:     logger,
		debounce:   debounce,
		readyPoll:  500 * time.Millisecond,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir":  watchDir,
		"extensions": extensions,
		"debounce":   debounce.String(),
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动文件监控
// 启动时不扫描已有文件，避免重启后重复处理
func (fw *FileWatcher) Start(ctx context.Context) {
	fw.logger.Info("Starting file watcher")
	fw.wg.Add(1)
	go fw.eventLoop(ctx)
}

// eventLoop 事件循环
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()
	defer fw.cancelTimers()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			fw.logger.Info("File watcher stopped")
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.Matches(event.Name) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在短时间内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[path]; exists {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		fw.mu.Unlock()
		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) cancelTimers() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for path, timer := range fw.timers {
		timer.Stop()
		delete(fw.timers, path)
	}
}

// handleFile 处理文件
func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	fw.logger.WithField("file", filePath).Info("Submitting inbox file")

	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to submit inbox file")
		return
	}

	fw.logger.WithField("file", filePath).Info("Inbox file submitted")
}

// waitForFileReady 等待文件写入完成（大小稳定且非空）
func (fw *FileWatcher) waitForFileReady(ctx context.Context, filePath string) error {
	const maxAttempts = 10

	var lastSize int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}

		if info.Size() > 0 && info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.readyPoll):
		}
	}

	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// Matches 文件扩展名是否在接收范围内
func (fw *FileWatcher) Matches(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range fw.extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		fw.wg.Wait()
		err = fw.watcher.Close()
	})
	return err
}

// WatchDir 监控目录
func (fw *FileWatcher) WatchDir() string {
	return fw.watchDir
}
