// Package callback eino 组件回调日志
package callback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"
)

// 日志中输入输出的最大长度
const maxLogValue = 200

// Logger 记录模型与工具的执行事件
type Logger struct {
	logger *slog.Logger
}

// NewLogger 创建回调日志
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "eino")}
}

func (l *Logger) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	l.logger.DebugContext(ctx, "component start", runAttrs(info, "input", clip(input))...)
	return ctx
}

func (l *Logger) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	l.logger.DebugContext(ctx, "component end", runAttrs(info, "output", clip(output))...)
	return ctx
}

func (l *Logger) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	l.logger.WarnContext(ctx, "component error", runAttrs(info, "error", err)...)
	return ctx
}

func (l *Logger) OnStartWithStreamInput(ctx context.Context, info *callbacks.RunInfo, input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
	input.Close()
	l.logger.DebugContext(ctx, "component stream start", runAttrs(info)...)
	return ctx
}

func (l *Logger) OnEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo, output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	output.Close()
	l.logger.DebugContext(ctx, "component stream end", runAttrs(info)...)
	return ctx
}

func runAttrs(info *callbacks.RunInfo, kv ...any) []any {
	if info == nil {
		return kv
	}
	return append([]any{"name", info.Name, "type", info.Type, "kind", info.Component}, kv...)
}

// clip 截断过长的值
func clip(v any) string {
	if v == nil {
		return ""
	}
	s := fmt.Sprintf("%v", v)
	if len(s) > maxLogValue {
		return s[:maxLogValue] + "..."
	}
	return s
}

// SetupGlobalCallbacks 注册全局回调
func SetupGlobalCallbacks(logger *slog.Logger) {
	callbacks.AppendGlobalHandlers(NewLogger(logger))
}
