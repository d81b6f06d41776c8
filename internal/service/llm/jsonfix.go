package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonrepair"
)

// ========== 工具中间件 ==========

// jsonFixMiddleware 修复模型生成的工具参数
func jsonFixMiddleware() compose.ToolMiddleware {
	return compose.ToolMiddleware{
		Invokable: func(next compose.InvokableToolEndpoint) compose.InvokableToolEndpoint {
			return func(ctx context.Context, in *compose.ToolInput) (*compose.ToolOutput, error) {
				in.Arguments = repairJSON(in.Arguments)
				return next(ctx, in)
			}
		},
		Streamable: func(next compose.StreamableToolEndpoint) compose.StreamableToolEndpoint {
			return func(ctx context.Context, in *compose.ToolInput) (*compose.StreamToolOutput, error) {
				in.Arguments = repairJSON(in.Arguments)
				return next(ctx, in)
			}
		},
	}
}

// toolErrorMiddleware 工具失败时把错误转成 JSON 结果交给模型，而不是中断生成
func toolErrorMiddleware() compose.ToolMiddleware {
	return compose.ToolMiddleware{
		Invokable: func(next compose.InvokableToolEndpoint) compose.InvokableToolEndpoint {
			return func(ctx context.Context, in *compose.ToolInput) (*compose.ToolOutput, error) {
				out, err := next(ctx, in)
				if err != nil {
					if _, ok := compose.IsInterruptRerunError(err); ok {
						return nil, err
					}
					return &compose.ToolOutput{Result: toolError(in.Name, err)}, nil
				}
				return out, nil
			}
		},
		Streamable: func(next compose.StreamableToolEndpoint) compose.StreamableToolEndpoint {
			return func(ctx context.Context, in *compose.ToolInput) (*compose.StreamToolOutput, error) {
				out, err := next(ctx, in)
				if err != nil {
					if _, ok := compose.IsInterruptRerunError(err); ok {
						return nil, err
					}
					return &compose.StreamToolOutput{
						Result: schema.StreamReaderFromArray([]string{toolError(in.Name, err)}),
					}, nil
				}
				return out, nil
			}
		},
	}
}

func toolError(name string, err error) string {
	return statusJSON("error", "Tool '"+name+"' failed: "+err.Error(), "Please try again later")
}

// statusJSON 无数据或失败时返回给模型的结构
func statusJSON(status, message, suggestion string) string {
	data, _ := json.Marshal(map[string]string{
		"status":     status,
		"message":    message,
		"suggestion": suggestion,
	})
	return string(data)
}

// ========== JSON 修复 ==========

// repairJSON 先走快速路径，再剥离常见伪影，最后交给 jsonrepair
func repairJSON(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return "{}"
	}

	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && json.Valid([]byte(s)) {
		return s
	}

	s = stripFence(s)
	s = strings.TrimPrefix(s, "<|FunctionCallBegin|>")
	s = strings.TrimSuffix(s, "<|FunctionCallEnd|>")

	i := strings.IndexByte(s, '{')
	j := strings.LastIndexByte(s, '}')
	if i >= 0 && j >= i {
		sub := s[i : j+1]
		if json.Valid([]byte(sub)) {
			return sub
		}
		s = sub
	}

	if json.Valid([]byte(s)) {
		return s
	}

	if !strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		s = "{" + s
	} else if strings.HasPrefix(s, "{") && !strings.HasSuffix(s, "}") {
		s = s + "}"
	}

	out, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return s
	}
	return out
}

// stripFence 去掉 ```json 代码块包裹
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
