package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取、統計、傾印）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// readEvents 逐行解析事件並交給 fn
// 最後一行若沒有換行符且無法解析，視為寫入中斷而忽略
func readEvents(r io.Reader, fn func(Event) error) error {
	reader := bufio.NewReader(r)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		torn := errors.Is(err, io.EOF) && len(line) > 0
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var event Event
			if uerr := json.Unmarshal(trimmed, &event); uerr != nil {
				if torn {
					return nil
				}
				return &CorruptionError{Offset: offset, Cause: uerr}
			}
			if ferr := fn(event); ferr != nil {
				return ferr
			}
		}
		offset += int64(len(line))

		if err != nil {
			return nil
		}
	}
}

// truncateTornTail 截掉檔尾沒有換行符的殘缺記錄，讓後續追加從新的一行開始
func truncateTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	return os.Truncate(path, int64(bytes.LastIndexByte(data, '\n')+1))
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 用途：NewWAL 時需要取得 last_seq 以繼續編號
// 檔案為空時回傳 ErrEmptyWAL；檔案不存在時回傳 os 的 not-exist 錯誤
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = readEvents(file, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數，並驗證 checksum
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	err = readEvents(file, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// DumpWAL 以人類可讀格式輸出 WAL 內容
func DumpWAL(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return readEvents(file, func(event Event) error {
		status := "ok"
		if VerifyChecksum(event) != nil {
			status = "BAD CHECKSUM"
		}
		state := ""
		if job, err := event.DecodeJob(); err == nil {
			state = string(job.State)
		}
		_, err := fmt.Fprintf(w, "%6d  %-8s  %-36s  %-9s  %s\n", event.Seq, event.Type, event.JobID, state, status)
		return err
	})
}
