package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// Work 是任務主體：成功時回傳結果（內容參考或檔案路徑），失敗時回傳錯誤
type Work func(ctx context.Context) (string, error)

// Task 代表要執行的任務
type Task struct {
	ID      types.JobID   // 任務唯一識別碼
	Work    Work          // 任務主體
	Timeout time.Duration // 執行超時時間，0 表示不限制
	OnStart func() error  // 執行前回呼（標記 running），回傳錯誤時不執行 Work
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Output   string        // 成功時的結果
	Err      error         // 錯誤（如果有）
	Started  bool          // OnStart 是否成功；false 表示 Work 未執行
	Duration time.Duration // 實際執行時間
}

// Success reports whether the work ran and returned no error.
func (r Result) Success() bool {
	return r.Started && r.Err == nil
}
