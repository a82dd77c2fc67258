package main

import "time"

// step 脚本中的一条记录，at 为相对流开始的时间
type step struct {
	at   time.Duration
	kind string
	data map[string]interface{}
}

// runScript 模拟一次 Agent 执行的事件序列
var runScript = []step{
	{0, "run_started", map[string]interface{}{
		"prompt": "default task",
	}},
	{500 * time.Millisecond, "message", map[string]interface{}{
		"role":    "assistant",
		"content": "I'll analyze the task and start working on it...",
	}},
	{1500 * time.Millisecond, "tool_use_start", map[string]interface{}{
		"tool_id":   "tool_001",
		"tool_name": "Read",
		"input":     map[string]interface{}{"path": "src/main.go"},
	}},
	{2 * time.Second, "tool_result", map[string]interface{}{
		"tool_id": "tool_001",
		"success": true,
		"output":  "// main.go content\npackage main\n\nfunc main() {}\n",
	}},
	{3 * time.Second, "message", map[string]interface{}{
		"role":    "assistant",
		"content": "I've read the file. Now I'll make the necessary changes...",
	}},
	{3500 * time.Millisecond, "tool_use_start", map[string]interface{}{
		"tool_id":   "tool_002",
		"tool_name": "Write",
		"input": map[string]interface{}{
			"path":    "src/main.go",
			"content": "// Updated main.go\npackage main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"Hello, World!\")\n}\n",
		},
	}},
	{4 * time.Second, "tool_result", map[string]interface{}{
		"tool_id": "tool_002",
		"success": true,
		"output":  "File written successfully",
	}},
	{5 * time.Second, "command", map[string]interface{}{
		"command": "go build -o main ./src",
		"cwd":     "/workspace",
	}},
	{6 * time.Second, "command_output", map[string]interface{}{
		"stdout":    "",
		"stderr":    "",
		"exit_code": 0,
	}},
	{6500 * time.Millisecond, "message", map[string]interface{}{
		"role":    "assistant",
		"content": "Task completed successfully! I've updated main.go and verified the build.",
	}},
	{7 * time.Second, "run_completed", map[string]interface{}{
		"status":      "success",
		"duration_ms": 7000,
		"artifacts": []map[string]interface{}{
			{"name": "events.jsonl", "path": ".agent/events.jsonl"},
		},
	}},
}

// activityScript 模拟多 Agent 会话的活动日志，相邻重复条目是有意保留的
var activityScript = []step{
	{0, "activity", map[string]interface{}{
		"actor": "planner", "status": "running", "message": "Reading the task description",
	}},
	{time.Second, "activity", map[string]interface{}{
		"actor": "planner", "status": "running", "message": "Reading the task description",
	}},
	{2 * time.Second, "activity", map[string]interface{}{
		"actor": "coder", "status": "running", "message": "Editing src/main.go",
	}},
	{3 * time.Second, "activity", map[string]interface{}{
		"actor": "tester", "status": "running", "message": "Running go build",
	}},
	{4 * time.Second, "activity", map[string]interface{}{
		"actor": "coder", "status": "done", "message": "Build passed, session finished",
	}},
}
