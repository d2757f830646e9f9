package queue

import (
	"fmt"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

// RunMessage 运行请求消息
type RunMessage struct {
	RunID      string `json:"run_id"`
	InputPath  string `json:"input_path"`
	Tier       string `json:"tier,omitempty"` // 空或 auto 表示按阈值选择
	OutputDir  string `json:"output_dir,omitempty"`
	RepackPath string `json:"repack_path,omitempty"`
	Sign       bool   `json:"sign,omitempty"`
}

// NewRunMessage 由运行请求构造消息
func NewRunMessage(req worker.RunRequest) *RunMessage {
	msg := &RunMessage{
		RunID:      req.ID,
		InputPath:  req.InputPath,
		OutputDir:  req.OutputDir,
		RepackPath: req.RepackPath,
		Sign:       req.Sign,
	}
	if req.Override != nil {
		msg.Tier = string(*req.Override)
	}
	return msg
}

// Request 还原运行请求，消息无效时返回错误
func (m *RunMessage) Request() (worker.RunRequest, error) {
	if m.RunID == "" {
		return worker.RunRequest{}, fmt.Errorf("message has no run_id")
	}
	if m.InputPath == "" {
		return worker.RunRequest{}, fmt.Errorf("run %s has no input_path", m.RunID)
	}
	override, err := domain.ParseTier(m.Tier)
	if err != nil {
		return worker.RunRequest{}, fmt.Errorf("run %s: %w", m.RunID, err)
	}
	return worker.RunRequest{
		ID:         m.RunID,
		InputPath:  m.InputPath,
		Override:   override,
		OutputDir:  m.OutputDir,
		RepackPath: m.RepackPath,
		Sign:       m.Sign,
	}, nil
}
